package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// CallSession is the slice of an MCP client session the dispatcher needs.
type CallSession interface {
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	Close() error
}

// SessionDialer opens a call session against an MCP endpoint.
type SessionDialer func(ctx context.Context, endpoint string) (CallSession, error)

func streamableSessionDialer(httpClient *http.Client) SessionDialer {
	return func(ctx context.Context, endpoint string) (CallSession, error) {
		client := mcp.NewClient(&mcp.Implementation{Name: "toolgate", Version: "1.0.0"}, nil)
		transport := &mcp.StreamableClientTransport{
			Endpoint:   endpoint,
			HTTPClient: httpClient,
		}
		return client.Connect(ctx, transport, nil)
	}
}

// SessionManager pools one live session per MCP server: dialed on demand,
// reused across calls, dropped on error.
type SessionManager struct {
	dial   SessionDialer
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]CallSession
}

func NewSessionManager(dial SessionDialer, logger *zap.Logger) *SessionManager {
	if dial == nil {
		dial = streamableSessionDialer(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		dial:     dial,
		logger:   logger.Named("sessions"),
		sessions: map[string]CallSession{},
	}
}

func (m *SessionManager) get(ctx context.Context, owner domain.OwnerRef, endpoint string) (CallSession, error) {
	m.mu.Lock()
	session, ok := m.sessions[owner.String()]
	m.mu.Unlock()
	if ok {
		return session, nil
	}

	session, err := m.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	// Another call may have dialed concurrently; keep the first session.
	if existing, ok := m.sessions[owner.String()]; ok {
		m.mu.Unlock()
		session.Close()
		return existing, nil
	}
	m.sessions[owner.String()] = session
	m.mu.Unlock()

	m.logger.Debug("mcp session opened", zap.String("owner", owner.String()))
	return session, nil
}

func (m *SessionManager) drop(owner domain.OwnerRef) {
	m.mu.Lock()
	session, ok := m.sessions[owner.String()]
	delete(m.sessions, owner.String())
	m.mu.Unlock()
	if ok {
		session.Close()
		m.logger.Debug("mcp session dropped", zap.String("owner", owner.String()))
	}
}

// Close closes every pooled session.
func (m *SessionManager) Close() error {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]CallSession{}
	m.mu.Unlock()
	for _, session := range sessions {
		session.Close()
	}
	return nil
}

// invokeMCP forwards the arguments verbatim to the owning server's native
// tool and unwraps the result into the common invocation envelope.
func (d *Dispatcher) invokeMCP(ctx context.Context, entry domain.CatalogTool, args map[string]any) (domain.InvocationResult, error) {
	owner := entry.Ref.Owner
	session, err := d.sessions.get(ctx, owner, entry.OwnerURL)
	if err != nil {
		return domain.InvocationResult{}, domain.E(domain.CodeUnavailable, "dispatch.invokeMCP",
			fmt.Sprintf("connect %s: %v", owner, err), domain.ErrUpstreamUnavailable)
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      entry.Ref.Name,
		Arguments: args,
	})
	if err != nil {
		d.sessions.drop(owner)
		return domain.InvocationResult{}, domain.E(domain.CodeUnavailable, "dispatch.invokeMCP",
			fmt.Sprintf("call %s on %s: %v", entry.Ref.Name, owner, err), domain.ErrUpstreamUnavailable)
	}

	invocation := domain.InvocationResult{
		App:         owner.Name,
		Tool:        entry.ExposedName,
		Method:      "MCP",
		URL:         entry.OwnerURL,
		OK:          !result.IsError,
		ContentType: "application/json",
		Body:        unwrapCallResult(result),
	}
	if result.IsError {
		invocation.Error = textContent(result)
	}
	return invocation, nil
}

func unwrapCallResult(result *mcp.CallToolResult) any {
	if result.StructuredContent != nil {
		return result.StructuredContent
	}
	if text := textContent(result); text != "" {
		return text
	}
	return nil
}

func textContent(result *mcp.CallToolResult) string {
	for _, content := range result.Content {
		if text, ok := content.(*mcp.TextContent); ok {
			return text.Text
		}
	}
	return ""
}
