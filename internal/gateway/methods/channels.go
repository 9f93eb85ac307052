package methods

import (
	"context"
	"encoding/json"

	"github.com/pylonhq/pylon/internal/channels"
	"github.com/pylonhq/pylon/internal/gateway"
	"github.com/pylonhq/pylon/pkg/protocol"
)

// ChannelMethods exposes transport adapters: listing, health, and
// proactive outbound sends.
type ChannelMethods struct {
	manager *channels.Manager
}

func NewChannelMethods(manager *channels.Manager) *ChannelMethods {
	return &ChannelMethods{manager: manager}
}

func (m *ChannelMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChannelsList, m.handleList)
	router.Register(protocol.MethodChannelsStatus, m.handleStatus)
	router.Register(protocol.MethodChannelsSend, m.handleSend)
}

func (m *ChannelMethods) handleList(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	return map[string]any{"channels": m.manager.Statuses()}, nil
}

func (m *ChannelMethods) handleStatus(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Channel string `json:"channel"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}
	statuses := m.manager.Statuses()
	if p.Channel == "" {
		return map[string]any{"channels": statuses}, nil
	}
	for _, st := range statuses {
		if st.Name == p.Channel {
			return st, nil
		}
	}
	return nil, protocol.Errorf(protocol.CodeNotFound, "unknown channel: %s", p.Channel)
}

func (m *ChannelMethods) handleSend(ctx context.Context, c *gateway.Client, params json.RawMessage) (any, *protocol.Error) {
	var p struct {
		Channel string `json:"channel"`
		ChatID  string `json:"chatId"`
		Text    string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Channel == "" || p.ChatID == "" || p.Text == "" {
		return nil, protocol.Errorf(protocol.CodeBadParams, "channel, chatId, and text required")
	}
	if !m.manager.Has(p.Channel) {
		return nil, protocol.Errorf(protocol.CodeUnavailable, "channel not connected: %s", p.Channel)
	}

	messageID, err := m.manager.Send(ctx, p.Channel, p.ChatID, p.Text)
	if err != nil {
		return nil, protocol.Errorf(protocol.CodeInternal, "send failed: %v", err)
	}
	return map[string]string{"messageId": messageID}, nil
}
