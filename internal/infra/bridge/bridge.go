// Package bridge publishes the merged tool catalog as a single MCP server,
// forwarding every call through the dispatcher's policy gate.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/catalog"
)

// Invoker executes one gated tool call by exposed name.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, actor domain.Actor, args map[string]any) (domain.InvocationResult, error)
}

// CatalogSource serves catalog snapshots.
type CatalogSource interface {
	Build(ctx context.Context, opts catalog.BuildOptions) (domain.Catalog, error)
}

// PolicyResolver yields access decisions used to hide deny-mode tools from
// the published list.
type PolicyResolver interface {
	Resolve(ctx context.Context, owner domain.OwnerRef, toolID string, actor domain.Actor) (domain.Decision, error)
}

// Bridge owns the combined mcp.Server whose tool list mirrors the current
// catalog snapshot. Deny-mode tools are not listed; allow and approval tools
// are, with approval enforced at call time.
type Bridge struct {
	server   *mcp.Server
	invoker  Invoker
	catalog  CatalogSource
	policies PolicyResolver
	actor    domain.Actor
	logger   *zap.Logger

	mu         sync.Mutex
	etag       string
	registered map[string]struct{}
}

type Options struct {
	// Actor is the identity attributed to calls arriving over the bridge
	// when the request carries none.
	Actor domain.Actor

	// ServerName and Version label the MCP implementation.
	ServerName string
	Version    string
}

func New(source CatalogSource, policies PolicyResolver, invoker Invoker, logger *zap.Logger, opts Options) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ServerName == "" {
		opts.ServerName = "toolgate-apps"
	}
	if opts.Version == "" {
		opts.Version = "1.0.0"
	}
	if opts.Actor.User == "" {
		opts.Actor.User = "bridge"
	}

	b := &Bridge{
		invoker:    invoker,
		catalog:    source,
		policies:   policies,
		actor:      opts.Actor,
		logger:     logger.Named("bridge"),
		registered: make(map[string]struct{}),
	}
	b.server = mcp.NewServer(&mcp.Implementation{
		Name:    opts.ServerName,
		Version: opts.Version,
	}, &mcp.ServerOptions{HasTools: true})
	return b
}

// Handler serves the bridge over streamable HTTP.
func (b *Bridge) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return b.server
	}, nil)
}

// Server exposes the underlying MCP server for in-process transports.
func (b *Bridge) Server() *mcp.Server {
	return b.server
}

// Refresh pulls the current catalog and applies it.
func (b *Bridge) Refresh(ctx context.Context) error {
	snapshot, err := b.catalog.Build(ctx, catalog.BuildOptions{})
	if err != nil {
		return err
	}
	b.Apply(ctx, snapshot)
	return nil
}

// Apply diffs the snapshot against the currently published tool list,
// adding new tools and removing vanished or newly denied ones. Snapshots
// with an unchanged ETag are skipped.
func (b *Bridge) Apply(ctx context.Context, snapshot domain.Catalog) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if snapshot.ETag != "" && snapshot.ETag == b.etag {
		return
	}

	next := make(map[string]struct{})
	for _, name := range snapshot.SortedNames() {
		entry := snapshot.Tools[name]
		if b.denied(ctx, entry) {
			continue
		}
		b.server.AddTool(b.describe(entry), b.handler(name))
		next[name] = struct{}{}
	}

	var remove []string
	for name := range b.registered {
		if _, ok := next[name]; !ok {
			remove = append(remove, name)
		}
	}
	if len(remove) > 0 {
		b.server.RemoveTools(remove...)
	}

	b.logger.Info("catalog applied",
		zap.Int("tools", len(next)),
		zap.Int("removed", len(remove)),
		zap.String("etag", snapshot.ETag))
	b.registered = next
	b.etag = snapshot.ETag
}

func (b *Bridge) denied(ctx context.Context, entry domain.CatalogTool) bool {
	decision, err := b.policies.Resolve(ctx, entry.Ref.Owner, entry.Ref.Name, b.actor)
	if err != nil {
		b.logger.Warn("policy lookup failed, hiding tool",
			zap.String("tool", entry.ExposedName), zap.Error(err))
		return true
	}
	return decision.Mode == domain.ModeDeny
}

func (b *Bridge) describe(entry domain.CatalogTool) *mcp.Tool {
	schema := entry.InputSchema
	if schema == nil {
		schema = map[string]any{"type": "object"}
	}
	description := entry.Description
	if description == "" {
		description = entry.Title
	}
	return &mcp.Tool{
		Name:        entry.ExposedName,
		Title:       entry.Title,
		Description: description,
		InputSchema: schema,
	}
}

func (b *Bridge) handler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}

		result, err := b.invoker.Invoke(ctx, name, b.actor, args)
		if err != nil {
			if _, ok := domain.CodeFrom(err); ok {
				return errorResult(err.Error()), nil
			}
			return nil, err
		}
		return callResult(result), nil
	}
}

// errorResult maps a gating failure onto the protocol-level tool error shape
// so MCP clients see a failed call, not a broken server.
func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}

func callResult(result domain.InvocationResult) *mcp.CallToolResult {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err))
	}
	return &mcp.CallToolResult{
		IsError: !result.OK,
		Content: []mcp.Content{&mcp.TextContent{Text: string(raw)}},
		StructuredContent: map[string]any{
			"ok":          result.OK,
			"status_code": result.StatusCode,
			"body":        result.Body,
		},
	}
}
