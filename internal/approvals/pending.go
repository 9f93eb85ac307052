package approvals

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Default rendezvous timeouts. Approvals have no default timeout; an
// explicit response is required.
const (
	DesktopQuestionTimeout = 300 * time.Second
	ChannelQuestionTimeout = 120 * time.Second
)

// Resolution is the outcome of an approval rendezvous.
type Resolution struct {
	Approved     bool
	Reason       string          // shown to the agent on deny
	UpdatedInput json.RawMessage // replaces the tool input on approve
}

// PendingApproval is one suspended require-approval tool call. Both the
// RPC layer and a channel callback may race to resolve it; the first
// writer wins and later writes no-op.
type PendingApproval struct {
	RequestID  string          `json:"requestId"`
	SessionKey string          `json:"sessionKey"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input"`
	Tier       Tier            `json:"tier"`
	CreatedAt  time.Time       `json:"createdAt"`

	once sync.Once
	ch   chan Resolution
}

// Resolve completes the rendezvous. Returns true if this call won.
func (p *PendingApproval) Resolve(res Resolution) bool {
	won := false
	p.once.Do(func() {
		won = true
		p.ch <- res
	})
	return won
}

// Wait blocks until a resolution arrives, the optional timeout elapses
// (0 means none), or ctx is cancelled. Timeout and cancellation resolve
// as denials so the tool never proceeds unanswered.
func (p *PendingApproval) Wait(ctx context.Context, timeout time.Duration) Resolution {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-p.ch:
		return res
	case <-timeoutCh:
		p.Resolve(Resolution{Approved: false, Reason: "approval timeout"})
		return <-p.ch
	case <-ctx.Done():
		p.Resolve(Resolution{Approved: false, Reason: "run cancelled"})
		return <-p.ch
	}
}

// ApprovalRegistry tracks suspended approvals by request id. Approvals
// survive client reconnection: nothing here is tied to a subscriber.
type ApprovalRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
}

func NewApprovalRegistry() *ApprovalRegistry {
	return &ApprovalRegistry{pending: make(map[string]*PendingApproval)}
}

// Create registers a new pending approval with a fresh request id.
func (r *ApprovalRegistry) Create(sessionKey, toolName string, input json.RawMessage, tier Tier) *PendingApproval {
	p := &PendingApproval{
		RequestID:  uuid.NewString(),
		SessionKey: sessionKey,
		ToolName:   toolName,
		Input:      input,
		Tier:       tier,
		CreatedAt:  time.Now(),
		ch:         make(chan Resolution, 1),
	}
	r.mu.Lock()
	r.pending[p.RequestID] = p
	r.mu.Unlock()
	return p
}

// Resolve completes a pending approval by id. Returns false when the id
// is unknown or already resolved.
func (r *ApprovalRegistry) Resolve(requestID string, res Resolution) bool {
	r.mu.Lock()
	p, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return p.Resolve(res)
}

// Get returns the pending approval by id, or nil.
func (r *ApprovalRegistry) Get(requestID string) *PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[requestID]
}

// List returns all pending approvals ordered by creation.
func (r *ApprovalRegistry) List() []*PendingApproval {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*PendingApproval, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Remove drops a completed rendezvous from the registry.
func (r *ApprovalRegistry) Remove(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// Question is one entry of an AskUserQuestion tool call.
type Question struct {
	Question    string   `json:"question"`
	Header      string   `json:"header,omitempty"`
	Options     []string `json:"options"`
	MultiSelect bool     `json:"multiSelect,omitempty"`
}

// Answers maps question text to the chosen option label. A nil map means
// the question was dismissed.
type Answers map[string]string

// PendingQuestion is one suspended AskUserQuestion call. Same one-shot
// discipline as approvals.
type PendingQuestion struct {
	RequestID  string     `json:"requestId"`
	SessionKey string     `json:"sessionKey"`
	Questions  []Question `json:"questions"`
	CreatedAt  time.Time  `json:"createdAt"`

	once sync.Once
	ch   chan Answers
}

// Resolve completes the question. Returns true if this call won.
func (q *PendingQuestion) Resolve(answers Answers) bool {
	won := false
	q.once.Do(func() {
		won = true
		q.ch <- answers
	})
	return won
}

// Wait blocks until answers arrive, the timeout elapses, or ctx is
// cancelled. Timeout resolution is the caller's policy: onTimeout is
// invoked once to produce the answers (nil dismisses).
func (q *PendingQuestion) Wait(ctx context.Context, timeout time.Duration, onTimeout func() Answers) (Answers, bool) {
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case answers := <-q.ch:
		return answers, answers != nil
	case <-timeoutCh:
		var answers Answers
		if onTimeout != nil {
			answers = onTimeout()
		}
		q.Resolve(answers)
		got := <-q.ch
		return got, got != nil
	case <-ctx.Done():
		q.Resolve(nil)
		<-q.ch
		return nil, false
	}
}

// FirstOptionAnswers picks every question's first option, the
// channel-timeout policy.
func FirstOptionAnswers(questions []Question) Answers {
	answers := make(Answers, len(questions))
	for _, q := range questions {
		if len(q.Options) > 0 {
			answers[q.Question] = q.Options[0]
		}
	}
	return answers
}

// QuestionRegistry tracks suspended questions by request id.
type QuestionRegistry struct {
	mu      sync.Mutex
	pending map[string]*PendingQuestion
}

func NewQuestionRegistry() *QuestionRegistry {
	return &QuestionRegistry{pending: make(map[string]*PendingQuestion)}
}

// Create registers a new pending question set.
func (r *QuestionRegistry) Create(sessionKey string, questions []Question) *PendingQuestion {
	q := &PendingQuestion{
		RequestID:  uuid.NewString(),
		SessionKey: sessionKey,
		Questions:  questions,
		CreatedAt:  time.Now(),
		ch:         make(chan Answers, 1),
	}
	r.mu.Lock()
	r.pending[q.RequestID] = q
	r.mu.Unlock()
	return q
}

// Resolve completes a pending question with full answers.
func (r *QuestionRegistry) Resolve(requestID string, answers Answers) bool {
	r.mu.Lock()
	q, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return q.Resolve(answers)
}

// ResolveOption answers every question with the option at index, the
// shape produced by a channel button tap. Out-of-range indexes are
// clamped to the first option.
func (r *QuestionRegistry) ResolveOption(requestID string, index int) bool {
	r.mu.Lock()
	q, ok := r.pending[requestID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	answers := make(Answers, len(q.Questions))
	for _, question := range q.Questions {
		i := index
		if i < 0 || i >= len(question.Options) {
			i = 0
		}
		if len(question.Options) > 0 {
			answers[question.Question] = question.Options[i]
		}
	}
	return q.Resolve(answers)
}

// Get returns the pending question by id, or nil.
func (r *QuestionRegistry) Get(requestID string) *PendingQuestion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[requestID]
}

// Remove drops a completed question from the registry.
func (r *QuestionRegistry) Remove(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}
