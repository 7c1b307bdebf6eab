package probe

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"toolgate/internal/domain"
)

func inMemoryDialer(t *testing.T, tools []*mcp.Tool) Dialer {
	t.Helper()
	return func(ctx context.Context, endpoint string) (ToolSession, error) {
		server := mcp.NewServer(&mcp.Implementation{Name: "notes", Version: "0.1.0"}, &mcp.ServerOptions{HasTools: true})
		for _, tool := range tools {
			server.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "ok"}}}, nil
			})
		}
		ct, st := mcp.NewInMemoryTransports()
		if _, err := server.Connect(ctx, st, nil); err != nil {
			return nil, err
		}
		client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil)
		return client.Connect(ctx, ct, nil)
	}
}

func mcpOwner() domain.Owner {
	return domain.Owner{
		Ref:     domain.OwnerRef{Kind: domain.OwnerMCP, Name: "notes"},
		URL:     "http://notes.internal/mcp",
		Enabled: true,
	}
}

func TestMCPSessionProberListsTools(t *testing.T) {
	dialer := inMemoryDialer(t, []*mcp.Tool{
		{Name: "search", Description: "Search notes", InputSchema: map[string]any{"type": "object"}},
		{Name: "create", Description: "Create a note", InputSchema: map[string]any{"type": "object"}},
	})

	prober := NewMCPSessionProber(nil, dialer)
	diag, operations := prober.Probe(context.Background(), mcpOwner(), 0)

	require.Equal(t, domain.ProbeHealthy, diag.Status)
	require.Equal(t, 2, diag.ToolCount)
	require.Len(t, operations, 2)

	byName := map[string]domain.RawOperation{}
	for _, op := range operations {
		byName[op.Name] = op
	}
	search := byName["search"]
	require.Equal(t, "MCP", search.Method)
	require.Equal(t, "search", search.Path)
	require.Equal(t, "Search notes", search.Description)
	require.Equal(t, "object", search.InputSchema["type"])
}

func TestMCPSessionProberEmptyListIsHealthy(t *testing.T) {
	prober := NewMCPSessionProber(nil, inMemoryDialer(t, nil))
	diag, operations := prober.Probe(context.Background(), mcpOwner(), 0)

	require.Equal(t, domain.ProbeHealthy, diag.Status)
	require.Zero(t, diag.ToolCount)
	require.Empty(t, operations)
}

func TestMCPSessionProberDialFailureIsUnreachable(t *testing.T) {
	calls := 0
	dialer := func(ctx context.Context, endpoint string) (ToolSession, error) {
		calls++
		return nil, errors.New("connection refused")
	}

	prober := NewMCPSessionProber(nil, dialer)
	diag, operations := prober.Probe(context.Background(), mcpOwner(), 2)

	require.Equal(t, domain.ProbeUnreachable, diag.Status)
	require.Contains(t, diag.Error, "connection refused")
	require.Equal(t, 3, diag.RoundsAttempted)
	require.Equal(t, 3, calls)
	require.Empty(t, operations)
}
