package probe

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// ToolSession is the slice of an MCP client session the prober needs.
type ToolSession interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	Close() error
}

// Dialer opens a tool session against an MCP endpoint. Injectable so tests
// can serve sessions over in-memory transports.
type Dialer func(ctx context.Context, endpoint string) (ToolSession, error)

// StreamableDialer connects over streamable HTTP with the given client.
func StreamableDialer(httpClient *http.Client) Dialer {
	return func(ctx context.Context, endpoint string) (ToolSession, error) {
		client := mcp.NewClient(&mcp.Implementation{Name: "toolgate", Version: "1.0.0"}, nil)
		transport := &mcp.StreamableClientTransport{
			Endpoint:   endpoint,
			HTTPClient: httpClient,
		}
		return client.Connect(ctx, transport, nil)
	}
}

// MCPSessionProber discovers an MCP server's tools over a short-lived
// session.
type MCPSessionProber struct {
	dial    Dialer
	logger  *zap.Logger
	timeout time.Duration
}

func NewMCPSessionProber(logger *zap.Logger, dial Dialer) *MCPSessionProber {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dial == nil {
		dial = StreamableDialer(nil)
	}
	return &MCPSessionProber{
		dial:    dial,
		logger:  logger.Named("probe.mcp"),
		timeout: domain.DefaultProbeTimeoutSeconds * time.Second,
	}
}

// Probe opens a session, paginates the tool list and closes the session.
// Connection or protocol failure classifies the server unreachable; an empty
// tool list is still healthy. Retries are rounds of the whole session dance.
func (p *MCPSessionProber) Probe(ctx context.Context, owner domain.Owner, retries int) (domain.Diagnostic, []domain.RawOperation) {
	diag := domain.Diagnostic{
		Owner: owner.Ref,
		URL:   owner.URL,
	}
	started := time.Now()

	if retries < 0 {
		retries = 0
	}
	var (
		operations []domain.RawOperation
		lastErr    error
	)
	for round := 0; round <= retries; round++ {
		diag.RoundsAttempted = round + 1
		diag.RequestsAttempted++

		operations, lastErr = p.listOnce(ctx, owner.URL)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}
	diag.LatencyMS = time.Since(started).Milliseconds()

	if lastErr != nil {
		diag.Status = domain.ProbeUnreachable
		diag.Error = lastErr.Error()
		return diag, nil
	}

	diag.Status = domain.ProbeHealthy
	diag.OperationCount = len(operations)
	diag.ToolCount = len(operations)
	p.logger.Debug("mcp server probed",
		zap.String("owner", owner.Ref.String()),
		zap.Int("tools", len(operations)))
	return diag, operations
}

func (p *MCPSessionProber) listOnce(ctx context.Context, endpoint string) ([]domain.RawOperation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	session, err := p.dial(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	var operations []domain.RawOperation
	cursor := ""
	for {
		result, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		for _, tool := range result.Tools {
			if tool == nil {
				continue
			}
			operations = append(operations, domain.RawOperation{
				Name:        tool.Name,
				Title:       tool.Title,
				Description: tool.Description,
				Method:      "MCP",
				Path:        tool.Name,
				InputSchema: schemaToMap(tool.InputSchema),
			})
		}
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}
	return operations, nil
}

// schemaToMap normalizes whatever schema representation the SDK hands back
// into a plain JSON object.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}
