// Package agenttools exposes gateway-side tools to the provider over
// MCP. The server listens on an ephemeral loopback port and is handed
// to the provider CLI via --mcp-config, so only local subprocesses can
// reach it.
//
// One tool is served: message, which delivers text to a channel chat
// immediately instead of waiting for the turn's final result. The
// streaming loop watches for it to suppress the duplicate final send.
package agenttools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pylonhq/pylon/internal/bus"
)

// ServerName keys the mcpServers entry; the provider reports tool
// calls as mcp__pylon__message.
const ServerName = "pylon"

const messageSchema = `{
  "type": "object",
  "properties": {
    "channel": {
      "type": "string",
      "description": "Delivery transport, e.g. telegram or whatsapp."
    },
    "to": {
      "type": "string",
      "description": "Chat id on that channel, as seen in the incoming message context."
    },
    "content": {
      "type": "string",
      "description": "Message text to deliver."
    }
  },
  "required": ["channel", "to", "content"]
}`

// Publisher is the slice of bus.MessageBus the message tool needs.
type Publisher interface {
	PublishOutbound(msg bus.OutboundMessage)
}

// Server is the loopback MCP endpoint for agent-side tools.
type Server struct {
	publisher  Publisher
	hasChannel func(channel string) bool
	httpSrv    *http.Server
	addr       string
}

// NewServer wires the message tool against the outbound bus. hasChannel
// guards against sends to transports that are not running; nil skips
// the check.
func NewServer(publisher Publisher, hasChannel func(channel string) bool) *Server {
	s := &Server{publisher: publisher, hasChannel: hasChannel}

	mcpServer := server.NewMCPServer(ServerName, "1.0.0")
	tool := mcp.NewToolWithRawSchema("message",
		"Send a message to the user on a channel right now, without ending the current turn.",
		[]byte(messageSchema))
	mcpServer.AddTool(tool, s.handleMessage)

	s.httpSrv = &http.Server{
		Handler: server.NewStreamableHTTPServer(mcpServer,
			server.WithEndpointPath("/mcp"),
			server.WithStateLess(true),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start binds an ephemeral loopback port and serves until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("agenttools listen: %w", err)
	}
	s.addr = ln.Addr().String()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("agenttools.serve", "error", err)
		}
	}()

	slog.Info("agenttools.started", "addr", s.addr)
	return nil
}

// Addr returns the bound loopback address, valid after Start.
func (s *Server) Addr() string {
	return s.addr
}

// MCPConfig renders the --mcp-config JSON pointing the provider at
// this server.
func (s *Server) MCPConfig() string {
	return fmt.Sprintf(`{"mcpServers":{%q:{"type":"http","url":"http://%s/mcp"}}}`, ServerName, s.addr)
}

func (s *Server) handleMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Channel string `json:"channel"`
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
	}
	if args.Channel == "" || args.To == "" || args.Content == "" {
		return mcp.NewToolResultError("channel, to, and content are required"), nil
	}
	if s.hasChannel != nil && !s.hasChannel(args.Channel) {
		return mcp.NewToolResultError(fmt.Sprintf("channel %q is not running", args.Channel)), nil
	}

	s.publisher.PublishOutbound(bus.OutboundMessage{
		Channel: args.Channel,
		ChatID:  args.To,
		Content: args.Content,
	})
	slog.Info("agenttools.message sent", "channel", args.Channel, "chat_id", args.To)
	return mcp.NewToolResultText(fmt.Sprintf("delivered to %s:%s", args.Channel, args.To)), nil
}
