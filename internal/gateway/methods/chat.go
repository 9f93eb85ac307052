package methods

import (
	"context"
	"encoding/json"

	"github.com/pylonhq/pylon/internal/agent"
	"github.com/pylonhq/pylon/internal/approvals"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/internal/sessions"
	"github.com/pylonhq/pylon/internal/store"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// ChatMethods accepts prompts from desktop clients and answers pending
// questions. Inbound text is submitted raw: prompt framing is a channel
// concern and desktop turns carry the user's words verbatim.
type ChatMethods struct {
	dispatcher *agent.Dispatcher
	questions  *approvals.QuestionRegistry
	store      *store.Store
	reauth     *agent.Reauth
}

func NewChatMethods(dispatcher *agent.Dispatcher, questions *approvals.QuestionRegistry, st *store.Store, reauth *agent.Reauth) *ChatMethods {
	return &ChatMethods{dispatcher: dispatcher, questions: questions, store: st, reauth: reauth}
}

func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
	router.Register(protocol.MethodChatAnswerQuestion, m.handleAnswerQuestion)
	router.Register(protocol.MethodChatHistory, m.handleHistory)
}

func (m *ChatMethods) handleSend(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string   `json:"sessionKey"`
		Channel    string   `json:"channel"`
		ChatType   string   `json:"chatType"`
		ChatID     string   `json:"chatId"`
		Text       string   `json:"text"`
		Sender     string   `json:"sender"`
		Images     []string `json:"images"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.Errorf(protocol.CodeBadParams, "invalid params: %v", err)
	}
	if p.Text == "" && len(p.Images) == 0 {
		return nil, protocol.Errorf(protocol.CodeBadParams, "text required")
	}

	var ref sessions.ChatRef
	if p.SessionKey != "" {
		parsed, ok := sessions.ParseKey(p.SessionKey)
		if !ok {
			return nil, protocol.Errorf(protocol.CodeBadParams, "malformed sessionKey: %s", p.SessionKey)
		}
		ref = parsed
	} else {
		if p.Channel == "" {
			p.Channel = sessions.ChannelDesktop
		}
		if p.ChatID == "" {
			return nil, protocol.Errorf(protocol.CodeBadParams, "chatId or sessionKey required")
		}
		ref = sessions.ChatRef{Channel: p.Channel, ChatType: p.ChatType, ChatID: p.ChatID}
	}
	if ref.ChatType == "" {
		ref.ChatType = sessions.ChatTypeDM
	}
	key := ref.Key()

	// A pending re-auth swallows the next message: either the pasted
	// authorization code or a /cancel.
	if m.reauth != nil {
		if p.Text == "/cancel" && m.reauth.Cancel(ref.Channel, ref.ChatID) {
			return map[string]string{"sessionKey": key}, nil
		}
		if m.reauth.MaybeHandleCode(ctx, ref.Channel, ref.ChatID, p.Text) {
			return map[string]string{"sessionKey": key}, nil
		}
	}

	sender := p.Sender
	if sender == "" {
		sender = "user"
	}
	m.dispatcher.Submit(agent.Task{
		Ref:    ref,
		Sender: sender,
		Prompt: p.Text,
		Images: p.Images,
		Source: agent.SourceDesktop,
	})
	return map[string]string{"sessionKey": key}, nil
}

func (m *ChatMethods) handleAnswerQuestion(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		RequestID   string            `json:"requestId"`
		Answers     map[string]string `json:"answers"`
		OptionIndex *int              `json:"optionIndex"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "requestId required")
	}

	var resolved bool
	switch {
	case len(p.Answers) > 0:
		resolved = m.questions.Resolve(p.RequestID, approvals.Answers(p.Answers))
	case p.OptionIndex != nil:
		resolved = m.questions.ResolveOption(p.RequestID, *p.OptionIndex)
	default:
		return nil, protocol.Errorf(protocol.CodeBadParams, "answers or optionIndex required")
	}

	if !resolved {
		return nil, protocol.Errorf(protocol.CodeNotFound, "unknown or already answered question: %s", p.RequestID)
	}
	return nil, nil
}

type historyEvent struct {
	Seq       int64           `json:"seq"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	CreatedAt int64           `json:"createdAt"`
}

func (m *ChatMethods) handleHistory(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		SessionKey string `json:"sessionKey"`
		Limit      int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionKey == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "sessionKey required")
	}

	rows, err := m.store.RecentEvents(ctx, p.SessionKey, p.Limit)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "history query failed")
	}
	events := make([]historyEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, historyEvent{
			Seq:       row.Seq,
			Event:     row.EventType,
			Data:      json.RawMessage(row.Payload),
			CreatedAt: row.CreatedAt.UnixMilli(),
		})
	}
	return map[string]any{"events": events}, nil
}
