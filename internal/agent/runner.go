package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pylonhq/pylon/internal/approvals"
	"github.com/pylonhq/pylon/internal/config"
	"github.com/pylonhq/pylon/internal/provider"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// RunnerConfig wires the run loop's collaborators.
type RunnerConfig struct {
	Provider  provider.Provider
	Registry  *sessions.Registry
	Broadcast Broadcaster
	Snapshots *SnapshotTable
	Mediator  *approvals.Mediator
	Approvals *approvals.ApprovalRegistry
	Questions *approvals.QuestionRegistry
	Channels  ChannelGateway // optional: nil when no channels are up
	Reauth    *Reauth        // optional: nil disables OAuth recovery
	Config    *config.Config
	MCPConfig string // provider MCP wiring, JSON; "" disables
}

// Runner executes one agent task at a time for a session key: it starts
// the provider, classifies its stream into broadcast events, mediates
// tool permissions, and keeps the session's snapshot and channel status
// message current. A task can span several turns when the provider
// keeps its handle open for injected follow-ups.
type Runner struct {
	provider  provider.Provider
	registry  *sessions.Registry
	broadcast Broadcaster
	snapshots *SnapshotTable
	mediator  *approvals.Mediator
	approvals *approvals.ApprovalRegistry
	questions *approvals.QuestionRegistry
	channels  ChannelGateway
	reauth    *Reauth
	cfg       *config.Config
	mcpConfig string
}

func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{
		provider:  cfg.Provider,
		registry:  cfg.Registry,
		broadcast: cfg.Broadcast,
		snapshots: cfg.Snapshots,
		mediator:  cfg.Mediator,
		approvals: cfg.Approvals,
		questions: cfg.Questions,
		channels:  cfg.Channels,
		reauth:    cfg.Reauth,
		cfg:       cfg.Config,
		mcpConfig: cfg.MCPConfig,
	}
}

// runState is the per-task scratch the loop mutates while classifying
// provider messages. messagedTool is atomic because approval goroutines
// run concurrently with the read loop.
type runState struct {
	task   Task
	key    string
	uiChan string // channel carrying the status message, "" for none
	uiChat string

	turnLive     bool
	sawStream    bool
	messagedTool atomic.Bool
	blocks       map[int]*blockAccum
	taskToolIDs  map[string]bool
	status       *statusMessage

	lastResult  string
	authError   bool
	staleResume bool
}

type blockAccum struct {
	toolID string
	tool   string
	json   strings.Builder
}

// Run executes task to completion, publishing the live handle through
// slot so the dispatcher can inject follow-ups and abort. It returns
// when the provider closes its stream or the run context is cancelled.
func (r *Runner) Run(ctx context.Context, slot *runSlot, task Task) {
	key := task.Ref.Key()
	log := slog.With("session", key)

	resumeID := ""
	if sess := r.registry.Get(key); sess != nil {
		resumeID = sess.ProviderResumeID
	}

	retried := false
	for {
		again := r.runOnce(ctx, slot, task, resumeID, log)
		if !again || retried {
			return
		}
		// Stale resume id: drop it and replay the prompt once from a
		// fresh provider session.
		retried = true
		resumeID = ""
		r.registry.SetProviderResumeID(key, "")
		log.Info("agent.resume stale, retrying fresh")
	}
}

// runOnce drives a single provider process. It returns true when the
// run failed on a stale resume id and should be retried.
func (r *Runner) runOnce(ctx context.Context, slot *runSlot, task Task, resumeID string, log *slog.Logger) bool {
	key := task.Ref.Key()
	agentCfg := r.cfg.AgentSettings()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handle, err := r.provider.Start(runCtx, provider.RunOptions{
		Prompt:       task.Prompt,
		Images:       task.Images,
		ResumeID:     resumeID,
		Model:        agentCfg.Model,
		WorkDir:      r.cfg.WorkspacePath(),
		SystemPrompt: readSystemPrompt(agentCfg.SystemPromptFile),
		MCPConfig:    r.mcpConfig,
	})
	if err != nil {
		log.Error("agent.start failed", "error", err)
		r.broadcast.BroadcastSession(key, protocol.EventError, ErrorPayload{SessionKey: key, Error: err.Error()})
		return false
	}
	slot.publish(handle, cancel)
	defer slot.clear()

	st := &runState{
		task:        task,
		key:         key,
		blocks:      make(map[int]*blockAccum),
		taskToolIDs: make(map[string]bool),
	}
	if r.channels != nil && r.channels.Has(task.Ref.Channel) {
		st.uiChan, st.uiChat = task.Ref.Channel, task.Ref.ChatID
	}
	r.beginTurn(st)

	for msg := range handle.Messages() {
		r.dispatchMessage(runCtx, st, handle, msg)
	}

	waitErr := handle.WaitErr()
	stderr := handle.StderrTail()
	errText := st.lastResult
	if errText == "" {
		errText = stderr
	}

	switch {
	case slot.wasAborted():
		log.Info("agent.run aborted")
		if st.turnLive {
			r.broadcast.BroadcastSession(key, protocol.EventError, ErrorPayload{SessionKey: key, Error: "run aborted"})
		}
		r.teardown(st, false)

	case st.staleResume || (resumeID != "" && !st.sawStream && waitErr != nil && provider.IsStaleResumeError(errText)):
		r.teardown(st, false)
		return true

	case st.authError || (waitErr != nil && provider.IsAuthError(errText)):
		log.Warn("agent.auth error", "error", firstLine(errText))
		r.teardown(st, true)
		if r.reauth != nil {
			r.reauth.Begin(task, firstLine(errText))
		}

	case waitErr != nil && st.turnLive:
		log.Error("agent.run failed", "error", waitErr, "stderr", firstLine(stderr))
		r.broadcast.BroadcastSession(key, protocol.EventError, ErrorPayload{SessionKey: key, Error: firstNonEmpty(firstLine(stderr), waitErr.Error())})
		r.teardown(st, false)

	default:
		r.teardown(st, false)
	}
	return false
}

// beginTurn opens a turn: snapshot, activeRun, channel status message.
// Called at run start and again when injected follow-ups arrive after a
// completed turn.
func (r *Runner) beginTurn(st *runState) {
	st.turnLive = true
	st.sawStream = false
	st.messagedTool.Store(false)
	st.blocks = make(map[int]*blockAccum)
	r.snapshots.Create(st.key)
	r.setActive(st.key, true)
	if st.uiChan != "" {
		st.status = startStatusMessage(r.channels, st.uiChan, st.uiChat)
	}
}

func (r *Runner) ensureTurn(st *runState) {
	if !st.turnLive {
		r.beginTurn(st)
	}
}

// teardown closes out a turn that the stream ended without completing.
// No-op after a clean per-turn finish. keepStatus leaves the channel
// status message in place for the re-auth flow.
func (r *Runner) teardown(st *runState, keepStatus bool) {
	if !st.turnLive {
		return
	}
	st.turnLive = false
	r.snapshots.Delete(st.key)
	r.setActive(st.key, false)
	if st.status != nil {
		st.status.finish(keepStatus)
		st.status = nil
	}
}

func (r *Runner) setActive(key string, active bool) {
	r.registry.SetActiveRun(key, active)
	r.broadcast.BroadcastGlobal(protocol.EventStatusUpdate, StatusUpdatePayload{SessionKey: key, ActiveRun: active})
}

func (r *Runner) dispatchMessage(ctx context.Context, st *runState, handle provider.Handle, msg provider.Message) {
	switch msg.Type {
	case provider.TypeSystem:
		if msg.IsInit() && msg.SessionID != "" {
			r.registry.SetProviderResumeID(st.key, msg.SessionID)
		}

	case provider.TypeStreamEvent:
		r.ensureTurn(st)
		st.sawStream = true
		r.broadcast.BroadcastSession(st.key, protocol.EventStream, StreamPayload{SessionKey: st.key, Event: msg.Event})
		r.applyStreamEvent(st, msg)

	case provider.TypeAssistant:
		r.ensureTurn(st)
		r.handleAssistant(st, msg)

	case provider.TypeUser:
		r.ensureTurn(st)
		r.handleToolResults(st, msg)

	case provider.TypeResult:
		r.handleResult(st, msg)

	case provider.TypeControlRequest:
		if msg.IsPermissionRequest() {
			r.handleControl(ctx, st, handle, msg)
		}
	}
}

// streamEvent is the subset of provider stream events the loop tracks
// for snapshots and the status message.
type streamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
	} `json:"delta"`
}

func (r *Runner) applyStreamEvent(st *runState, msg provider.Message) {
	var ev streamEvent
	if err := json.Unmarshal(msg.Event, &ev); err != nil {
		return
	}

	switch ev.Type {
	case "content_block_start":
		if ev.ContentBlock == nil {
			return
		}
		switch ev.ContentBlock.Type {
		case "text":
			r.snapshots.Mutate(st.key, func(s *Snapshot) {
				s.Status = StatusResponding
			})
		case "tool_use":
			name := approvals.StripToolPrefix(ev.ContentBlock.Name)
			st.blocks[ev.Index] = &blockAccum{toolID: ev.ContentBlock.ID, tool: name}
			r.snapshots.Mutate(st.key, func(s *Snapshot) {
				s.Status = StatusToolUse
				s.CurrentTool = &SnapshotTool{Name: name}
			})
			r.refreshStatus(st, false)
		}

	case "content_block_delta":
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			text := ev.Delta.Text
			r.snapshots.Mutate(st.key, func(s *Snapshot) {
				s.Status = StatusResponding
				s.Text += text
			})
		case "input_json_delta":
			if acc, ok := st.blocks[ev.Index]; ok {
				acc.json.WriteString(ev.Delta.PartialJSON)
			}
		}

	case "content_block_stop":
		acc, ok := st.blocks[ev.Index]
		if !ok {
			return
		}
		delete(st.blocks, ev.Index)
		input := normalizeToolInput(acc.json.String())
		r.emitToolUse(st, acc.toolID, acc.tool, input)
	}
}

// emitToolUse broadcasts a fully-authored tool call and refreshes the
// snapshot's current tool with its extracted detail.
func (r *Runner) emitToolUse(st *runState, toolID, tool string, input json.RawMessage) {
	detail := extractDetail(tool, input)
	if tool == "Task" {
		st.taskToolIDs[toolID] = true
	}
	if tool == "message" {
		st.messagedTool.Store(true)
	}
	r.broadcast.BroadcastSession(st.key, protocol.EventToolUse, ToolUsePayload{
		SessionKey: st.key,
		ToolID:     toolID,
		Tool:       tool,
		Input:      input,
		Detail:     detail,
	})
	r.snapshots.Mutate(st.key, func(s *Snapshot) {
		s.Status = StatusToolUse
		if s.CurrentTool == nil || s.CurrentTool.Name != tool {
			s.CurrentTool = &SnapshotTool{Name: tool}
		}
		s.CurrentTool.Detail = detail
	})
	r.refreshStatus(st, true)
}

// contentBlock covers both assistant content and tool_result blocks in
// user messages.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

func parseBlocks(raw json.RawMessage) []contentBlock {
	var m struct {
		Content []contentBlock `json:"content"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m.Content
}

func (r *Runner) handleAssistant(st *runState, msg provider.Message) {
	if msg.ParentToolUseID != nil {
		// Sub-agent traffic: forward whole, never touches the
		// top-level snapshot.
		r.broadcast.BroadcastSession(st.key, protocol.EventMessage, MessagePayload{
			SessionKey:      st.key,
			Message:         msg.Message,
			ParentToolUseID: msg.ParentToolUseID,
		})
		return
	}

	blocks := parseBlocks(msg.Message)
	for _, b := range blocks {
		if b.Type == "tool_use" && approvals.StripToolPrefix(b.Name) == "Task" {
			st.taskToolIDs[b.ID] = true
		}
	}
	if st.sawStream {
		// Streaming already delivered this content piecewise.
		return
	}

	r.broadcast.BroadcastSession(st.key, protocol.EventMessage, MessagePayload{
		SessionKey: st.key,
		Message:    msg.Message,
	})
	for _, b := range blocks {
		switch b.Type {
		case "text":
			text := b.Text
			r.snapshots.Mutate(st.key, func(s *Snapshot) {
				s.Status = StatusResponding
				s.Text = text
			})
		case "tool_use":
			r.emitToolUse(st, b.ID, approvals.StripToolPrefix(b.Name), b.Input)
		}
	}
}

func (r *Runner) handleToolResults(st *runState, msg provider.Message) {
	for _, b := range parseBlocks(msg.Message) {
		if b.Type != "tool_result" {
			continue
		}
		r.broadcast.BroadcastSession(st.key, protocol.EventToolResult, ToolResultPayload{
			SessionKey:      st.key,
			ToolID:          b.ToolUseID,
			Content:         b.Content,
			IsError:         b.IsError,
			ParentToolUseID: msg.ParentToolUseID,
		})
		if msg.ParentToolUseID != nil {
			continue
		}
		r.snapshots.Mutate(st.key, func(s *Snapshot) {
			if s.CurrentTool != nil {
				s.CompletedTools = append(s.CompletedTools, *s.CurrentTool)
				s.CurrentTool = nil
			}
			s.Status = StatusThinking
		})
		r.refreshStatus(st, false)
	}
}

// handleResult closes a turn. Auth and stale-resume errors are withheld
// from clients; the post-stream switch in runOnce recovers them.
func (r *Runner) handleResult(st *runState, msg provider.Message) {
	if msg.IsError {
		st.lastResult = msg.Result
		if provider.IsAuthError(msg.Result) {
			st.authError = true
			return
		}
		if provider.IsStaleResumeError(msg.Result) && !st.sawStream {
			st.staleResume = true
			return
		}
	}

	r.broadcast.BroadcastSession(st.key, protocol.EventResult, ResultPayload{
		SessionKey:   st.key,
		Text:         msg.Result,
		IsError:      msg.IsError,
		DurationMS:   msg.DurationMS,
		TotalCostUSD: msg.TotalCostUSD,
		Usage:        msg.Usage,
	})
	r.finishTurn(st, msg)
}

// finishTurn is per-turn completion. The provider handle may stay open
// for injected follow-ups, so this resets turn state rather than ending
// the task.
func (r *Runner) finishTurn(st *runState, msg provider.Message) {
	r.snapshots.Delete(st.key)
	r.setActive(st.key, false)
	if st.status != nil {
		st.status.finish(false)
		st.status = nil
	}
	st.turnLive = false

	r.deliverFinalText(st, msg)
}

// deliverFinalText sends the turn's final text to the originating chat,
// unless the agent already spoke through the message tool this turn.
// Calendar runs deliver to their configured target chat instead.
func (r *Runner) deliverFinalText(st *runState, msg provider.Message) {
	if msg.IsError || msg.Result == "" || st.messagedTool.Load() {
		return
	}
	channel, chatID := st.uiChan, st.uiChat
	if channel == "" && st.task.Deliver != nil {
		if r.channels != nil && r.channels.Has(st.task.Deliver.Channel) {
			channel, chatID = st.task.Deliver.Channel, st.task.Deliver.ChatID
		}
	}
	if channel == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
	defer cancel()
	if _, err := r.channels.Send(ctx, channel, chatID, msg.Result); err != nil {
		slog.Warn("agent.final reply send failed", "channel", channel, "error", err)
	}
}

// handleControl mediates one can_use_tool request. Allow and deny
// resolve inline; prompts and questions block on a rendezvous in their
// own goroutine so the read loop keeps draining parallel tool calls.
func (r *Runner) handleControl(ctx context.Context, st *runState, handle provider.Handle, msg provider.Message) {
	req := msg.Request
	name := approvals.StripToolPrefix(req.ToolName)

	if name == "AskUserQuestion" {
		go r.askUser(ctx, st, handle, msg.RequestID, req.Input)
		return
	}

	decision := r.mediator.Decide(st.task.Ref.Channel, req.ToolName, req.Input)
	switch decision.Action {
	case approvals.ActionAllow:
		if decision.Notify {
			r.broadcast.BroadcastSession(st.key, protocol.EventToolNotify, ToolNotifyPayload{
				SessionKey: st.key,
				Tool:       name,
				Input:      req.Input,
				Detail:     extractDetail(name, req.Input),
			})
		}
		r.respondControl(handle, msg.RequestID, provider.Allow(nil), st.key)
	case approvals.ActionDeny:
		r.respondControl(handle, msg.RequestID, provider.Deny(decision.Reason), st.key)
	case approvals.ActionPrompt:
		go r.awaitApproval(ctx, st, handle, msg.RequestID, name, req.Input, decision.Tier)
	}
}

// awaitApproval parks a tool call on a pending approval until a client
// or channel resolves it. There is no timeout: the provider stays
// suspended until someone answers or the run is cancelled.
func (r *Runner) awaitApproval(ctx context.Context, st *runState, handle provider.Handle, controlID, tool string, input json.RawMessage, tier approvals.Tier) {
	p := r.approvals.Create(st.key, tool, input, tier)
	r.snapshots.Mutate(st.key, func(s *Snapshot) {
		s.PendingApproval = &SnapshotApproval{RequestID: p.RequestID, Tool: tool, Input: input, Tier: tier}
	})
	r.broadcast.BroadcastSession(st.key, protocol.EventToolApproval, ToolApprovalPayload{
		SessionKey: st.key,
		RequestID:  p.RequestID,
		Tool:       tool,
		Input:      input,
		Tier:       tier,
	})
	if st.uiChan != "" {
		sctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
		if err := r.channels.SendApproval(sctx, st.uiChan, st.uiChat, ApprovalPrompt{
			RequestID: p.RequestID,
			Tool:      tool,
			Detail:    extractDetail(tool, input),
		}); err != nil {
			slog.Warn("agent.approval prompt send failed", "channel", st.uiChan, "error", err)
		}
		cancel()
	}

	res := p.Wait(ctx, 0)

	r.approvals.Remove(p.RequestID)
	r.snapshots.Mutate(st.key, func(s *Snapshot) {
		s.PendingApproval = nil
	})

	if !res.Approved {
		r.respondControl(handle, controlID, provider.Deny(res.Reason), st.key)
		return
	}
	if tool == "message" {
		st.messagedTool.Store(true)
	}
	r.respondControl(handle, controlID, provider.Allow(res.UpdatedInput), st.key)
}

// askUser runs the question rendezvous. Desktop questions wait 300s and
// dismiss on timeout; channel questions wait 120s and fall back to each
// question's first option so the turn keeps moving.
func (r *Runner) askUser(ctx context.Context, st *runState, handle provider.Handle, controlID string, input json.RawMessage) {
	var in struct {
		Questions []approvals.Question `json:"questions"`
	}
	if err := json.Unmarshal(input, &in); err != nil || len(in.Questions) == 0 {
		r.respondControl(handle, controlID, provider.Deny("malformed question payload"), st.key)
		return
	}

	q := r.questions.Create(st.key, in.Questions)
	r.snapshots.Mutate(st.key, func(s *Snapshot) {
		s.PendingQuestion = &SnapshotQuestion{RequestID: q.RequestID, Questions: in.Questions}
	})
	r.broadcast.BroadcastSession(st.key, protocol.EventAskUser, AskUserPayload{
		SessionKey: st.key,
		RequestID:  q.RequestID,
		Questions:  in.Questions,
	})

	timeout := approvals.DesktopQuestionTimeout
	var onTimeout func() approvals.Answers
	if st.uiChan != "" {
		timeout = approvals.ChannelQuestionTimeout
		questions := in.Questions
		onTimeout = func() approvals.Answers { return approvals.FirstOptionAnswers(questions) }
		for i, question := range in.Questions {
			sctx, cancel := context.WithTimeout(context.Background(), outboundGrace)
			err := r.channels.SendQuestion(sctx, st.uiChan, st.uiChat, QuestionPrompt{
				RequestID: q.RequestID,
				Index:     i,
				Question:  question.Question,
				Header:    question.Header,
				Options:   question.Options,
			})
			cancel()
			if err != nil {
				slog.Warn("agent.question send failed", "channel", st.uiChan, "error", err)
			}
		}
	}

	answers, answered := q.Wait(ctx, timeout, onTimeout)

	r.questions.Remove(q.RequestID)
	r.snapshots.Mutate(st.key, func(s *Snapshot) {
		s.PendingQuestion = nil
	})

	if !answered {
		r.broadcast.BroadcastSession(st.key, protocol.EventQuestionDismissed, QuestionDismissedPayload{
			SessionKey: st.key,
			RequestID:  q.RequestID,
		})
		r.respondControl(handle, controlID, provider.Deny("question dismissed"), st.key)
		return
	}
	r.respondControl(handle, controlID, provider.Allow(mergeAnswers(input, answers)), st.key)
}

func (r *Runner) respondControl(handle provider.Handle, requestID string, res provider.PermissionResult, key string) {
	if err := handle.RespondControl(requestID, res); err != nil {
		slog.Debug("agent.control response failed", "session", key, "error", err)
	}
}

func (r *Runner) refreshStatus(st *runState, force bool) {
	if st.status == nil {
		return
	}
	st.status.update(composeStatusText(r.snapshots.Get(st.key)), force)
}

// mergeAnswers folds the chosen answers back into the question input,
// keyed by question text.
func mergeAnswers(input json.RawMessage, answers approvals.Answers) json.RawMessage {
	merged := map[string]json.RawMessage{}
	_ = json.Unmarshal(input, &merged)
	if ans, err := json.Marshal(answers); err == nil {
		merged["answers"] = ans
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return input
	}
	return out
}

// normalizeToolInput turns a streamed input accumulation into valid
// JSON. Zero-argument tools stream nothing; malformed accumulations
// degrade to an empty object rather than poisoning the event log.
func normalizeToolInput(acc string) json.RawMessage {
	trimmed := strings.TrimSpace(acc)
	if trimmed == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(trimmed)) {
		return json.RawMessage("{}")
	}
	return json.RawMessage(trimmed)
}

func readSystemPrompt(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(config.ExpandHome(path))
	if err != nil {
		slog.Debug("agent.system prompt unreadable", "path", path, "error", err)
		return ""
	}
	return strings.TrimSpace(string(data))
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
