package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pylonhq/pylon/internal/provider"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// ErrNoActiveRun is returned by run-control operations when the session
// has no live provider handle.
var ErrNoActiveRun = errors.New("no active run")

// Task sources.
const (
	SourceChannel  = "channel"
	SourceDesktop  = "desktop"
	SourceCalendar = "calendar"
)

// Task is one unit of agent work bound to a session key.
type Task struct {
	Ref     sessions.ChatRef
	Sender  string
	Prompt  string   // framed provider prompt
	Display string   // raw user text for the event log
	Images  []string // local image paths for vision input
	Source  string
	Deliver *sessions.ChatRef // optional final-text target (calendar runs)
}

// Dispatcher serializes agent work per session key: each key gets one
// executor goroutine running at most one provider task at a time. New
// prompts for a key with a live handle are injected into the running
// task; prompts that arrive while a task is winding down queue up and
// replay as a single consolidated prompt. The queue is in-memory and
// best-effort.
type Dispatcher struct {
	ctx       context.Context
	runner    *Runner
	registry  *sessions.Registry
	broadcast Broadcaster
	maxQueued int

	mu        sync.Mutex
	executors map[string]*executor
}

func NewDispatcher(ctx context.Context, runner *Runner, registry *sessions.Registry, broadcast Broadcaster, maxQueued int) *Dispatcher {
	if maxQueued <= 0 {
		maxQueued = 10
	}
	return &Dispatcher{
		ctx:       ctx,
		runner:    runner,
		registry:  registry,
		broadcast: broadcast,
		maxQueued: maxQueued,
		executors: make(map[string]*executor),
	}
}

// Submit routes one task. Fire-and-forget: the caller never blocks on
// agent work.
func (d *Dispatcher) Submit(task Task) {
	key := task.Ref.Key()
	if task.Display == "" {
		task.Display = task.Prompt
	}

	d.registry.GetOrCreate(task.Ref, task.Sender)
	d.registry.IncrementMessages(key)
	if sess := d.registry.Get(key); sess != nil {
		d.broadcast.BroadcastGlobal(protocol.EventSessionUpdate, sess)
	}

	ex := d.executor(key)

	// The user event is recorded before the prompt reaches the provider
	// so replayed logs always show the question ahead of its answer.
	if h := ex.slot.live(); h != nil {
		d.emitUserMessage(key, task, true)
		if err := h.Inject(task.Prompt, task.Images); err == nil {
			slog.Info("agent.injected follow-up", "session", key)
			d.registry.SetActiveRun(key, true)
			d.broadcast.BroadcastGlobal(protocol.EventStatusUpdate, StatusUpdatePayload{SessionKey: key, ActiveRun: true})
			return
		}
		// Handle died between the probe and the write; run it as a
		// queued task instead. The event is already recorded.
		slog.Debug("agent.inject failed, queueing", "session", key)
		if !ex.enqueue(task, d.maxQueued) {
			slog.Warn("agent.queue full, dropping message", "session", key)
		}
		return
	}

	d.emitUserMessage(key, task, false)
	if !ex.enqueue(task, d.maxQueued) {
		slog.Warn("agent.queue full, dropping message", "session", key)
	}
}

func (d *Dispatcher) emitUserMessage(key string, task Task, injected bool) {
	d.broadcast.BroadcastSession(key, protocol.EventUserMessage, UserMessagePayload{
		SessionKey: key,
		Text:       task.Display,
		Sender:     task.Sender,
		Channel:    task.Ref.Channel,
		Injected:   injected,
		Timestamp:  time.Now().UnixMilli(),
	})
}

// Abort cancels the live run for key, if any.
func (d *Dispatcher) Abort(key string) bool {
	if ex := d.lookup(key); ex != nil {
		return ex.slot.abort()
	}
	return false
}

// Interrupt asks the live run to stop its current turn without killing
// the task.
func (d *Dispatcher) Interrupt(key string) error {
	h := d.liveHandle(key)
	if h == nil {
		return ErrNoActiveRun
	}
	return h.Interrupt()
}

// SetModel switches the live run's model mid-task.
func (d *Dispatcher) SetModel(key, model string) error {
	h := d.liveHandle(key)
	if h == nil {
		return ErrNoActiveRun
	}
	return h.SetModel(model)
}

// StopTask cancels one in-flight sub-task of the live run.
func (d *Dispatcher) StopTask(key, taskID string) error {
	h := d.liveHandle(key)
	if h == nil {
		return ErrNoActiveRun
	}
	return h.StopTask(taskID)
}

// MCPStatus reports the live run's MCP server health.
func (d *Dispatcher) MCPStatus(key string) ([]provider.MCPServerInfo, error) {
	h := d.liveHandle(key)
	if h == nil {
		return nil, ErrNoActiveRun
	}
	return h.MCPServerStatus(), nil
}

// HasLiveHandle reports whether key has an injectable run.
func (d *Dispatcher) HasLiveHandle(key string) bool {
	return d.liveHandle(key) != nil
}

// QueueDepth reports how many prompts are waiting behind the live run.
func (d *Dispatcher) QueueDepth(key string) int {
	ex := d.lookup(key)
	if ex == nil {
		return 0
	}
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.queue)
}

func (d *Dispatcher) liveHandle(key string) provider.Handle {
	if ex := d.lookup(key); ex != nil {
		return ex.slot.live()
	}
	return nil
}

func (d *Dispatcher) lookup(key string) *executor {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executors[key]
}

func (d *Dispatcher) executor(key string) *executor {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ex, ok := d.executors[key]; ok {
		return ex
	}
	ex := &executor{key: key, wake: make(chan struct{}, 1)}
	d.executors[key] = ex
	go d.runLoop(ex)
	return ex
}

func (d *Dispatcher) runLoop(ex *executor) {
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ex.wake:
		}
		for {
			task, ok := ex.drain()
			if !ok {
				break
			}
			d.runner.Run(d.ctx, &ex.slot, task)
		}
	}
}

// executor owns one session key's queue and run slot.
type executor struct {
	key  string
	wake chan struct{}
	slot runSlot

	mu    sync.Mutex
	queue []Task
}

func (ex *executor) enqueue(task Task, max int) bool {
	ex.mu.Lock()
	if len(ex.queue) >= max {
		ex.mu.Unlock()
		return false
	}
	ex.queue = append(ex.queue, task)
	ex.mu.Unlock()

	select {
	case ex.wake <- struct{}{}:
	default:
	}
	return true
}

// drain empties the queue. Multiple waiting prompts consolidate into
// one task so a wound-down run replays them as a single turn.
func (ex *executor) drain() (Task, bool) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	switch len(ex.queue) {
	case 0:
		return Task{}, false
	case 1:
		task := ex.queue[0]
		ex.queue = nil
		return task, true
	}
	task := consolidate(ex.queue)
	ex.queue = nil
	return task, true
}

func consolidate(tasks []Task) Task {
	head := tasks[0]
	prompts := make([]string, 0, len(tasks))
	displays := make([]string, 0, len(tasks))
	var images []string
	for _, t := range tasks {
		prompts = append(prompts, t.Prompt)
		displays = append(displays, t.Display)
		images = append(images, t.Images...)
	}
	head.Prompt = strings.Join(prompts, "\n\n")
	head.Display = strings.Join(displays, "\n")
	head.Images = images
	return head
}

// runSlot publishes the live provider handle for a key so Submit can
// inject and Abort can cancel without touching the executor loop.
type runSlot struct {
	mu      sync.Mutex
	handle  provider.Handle
	cancel  context.CancelFunc
	aborted bool
}

func (s *runSlot) publish(h provider.Handle, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle, s.cancel, s.aborted = h, cancel, false
}

func (s *runSlot) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle, s.cancel = nil, nil
}

func (s *runSlot) live() provider.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle != nil && s.handle.Active() {
		return s.handle
	}
	return nil
}

func (s *runSlot) abort() bool {
	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return false
	}
	s.aborted = true
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	// Close outside the lock: it waits up to the kill grace period.
	if err := h.Close(); err != nil {
		slog.Debug("agent.abort close", "error", err)
	}
	return true
}

func (s *runSlot) wasAborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}
