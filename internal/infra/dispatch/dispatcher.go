// Package dispatch executes approved catalog tool calls against their
// upstreams: HTTP proxying for openapi tools, session forwarding for MCP
// tools.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
	"toolgate/internal/infra/catalog"
)

// CatalogSource serves catalog snapshots.
type CatalogSource interface {
	Build(ctx context.Context, opts catalog.BuildOptions) (domain.Catalog, error)
}

// PolicyResolver yields the effective access decision for one call.
type PolicyResolver interface {
	Resolve(ctx context.Context, owner domain.OwnerRef, toolID string, actor domain.Actor) (domain.Decision, error)
}

// Auditor records invocation outcomes.
type Auditor interface {
	AppendAudit(ctx context.Context, record domain.AuditRecord) error
}

// Dispatcher gates and executes tool invocations. Every call — allowed,
// denied, pending approval or failed — leaves exactly one audit record.
type Dispatcher struct {
	catalog  CatalogSource
	policies PolicyResolver
	audit    Auditor
	proxy    *httpProxy
	sessions *SessionManager
	metrics  domain.Metrics
	logger   *zap.Logger
}

type DispatcherOptions struct {
	// HTTPClient overrides the proxy client used for openapi calls.
	HTTPClient HTTPDoer

	// Sessions overrides the MCP session manager.
	Sessions *SessionManager

	Metrics domain.Metrics
}

func NewDispatcher(source CatalogSource, policies PolicyResolver, audit Auditor, logger *zap.Logger, opts DispatcherOptions) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("dispatch")
	if opts.Metrics == nil {
		opts.Metrics = domain.NopMetrics{}
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = NewSessionManager(nil, logger)
	}
	return &Dispatcher{
		catalog:  source,
		policies: policies,
		audit:    audit,
		proxy:    newHTTPProxy(opts.HTTPClient),
		sessions: sessions,
		metrics:  opts.Metrics,
		logger:   logger,
	}
}

// Close releases pooled upstream sessions.
func (d *Dispatcher) Close() error {
	return d.sessions.Close()
}

// Invoke resolves, gates and executes one tool call by exposed name.
func (d *Dispatcher) Invoke(ctx context.Context, toolName string, actor domain.Actor, args map[string]any) (domain.InvocationResult, error) {
	started := time.Now()

	entry, err := d.lookup(ctx, toolName)
	if err != nil {
		d.record(ctx, actor, toolName, "not_found", nil, started)
		d.metrics.ObserveInvocation(domain.SourceOpenAPI, "", false, time.Since(started))
		return domain.InvocationResult{}, err
	}

	decision, err := d.policies.Resolve(ctx, entry.Ref.Owner, entry.Ref.Name, actor)
	if err != nil {
		d.record(ctx, actor, toolName, "policy_error", nil, started)
		d.metrics.ObserveInvocation(entry.Ref.Source, "", false, time.Since(started))
		return domain.InvocationResult{}, err
	}

	switch decision.Mode {
	case domain.ModeDeny:
		d.record(ctx, actor, toolName, "denied", map[string]any{"scope": string(decision.Scope)}, started)
		d.metrics.ObserveInvocation(entry.Ref.Source, decision.Mode, false, time.Since(started))
		return domain.InvocationResult{}, domain.E(domain.CodePermissionDenied, "dispatch.Invoke",
			fmt.Sprintf("tool %q denied by %s policy", toolName, decision.Scope), domain.ErrPolicyDenied)
	case domain.ModeApproval:
		d.record(ctx, actor, toolName, "approval_required", map[string]any{"scope": string(decision.Scope)}, started)
		d.metrics.ObserveInvocation(entry.Ref.Source, decision.Mode, false, time.Since(started))
		return domain.InvocationResult{}, domain.E(domain.CodeApprovalRequired, "dispatch.Invoke",
			fmt.Sprintf("tool %q requires approval", toolName), domain.ErrApprovalRequired)
	}

	if entry.IsPlaceholder {
		result := placeholderResult(entry)
		d.record(ctx, actor, toolName, "placeholder", nil, started)
		d.metrics.ObserveInvocation(entry.Ref.Source, decision.Mode, false, time.Since(started))
		return result, nil
	}

	var result domain.InvocationResult
	switch entry.Ref.Source {
	case domain.SourceMCP:
		result, err = d.invokeMCP(ctx, entry, args)
	default:
		result, err = d.proxy.invoke(ctx, entry, args)
	}

	outcome := "ok"
	if err != nil {
		outcome = "error"
	} else if !result.OK {
		outcome = "upstream_error"
	}
	d.record(ctx, actor, toolName, outcome, map[string]any{
		"status_code": result.StatusCode,
	}, started)
	d.metrics.ObserveInvocation(entry.Ref.Source, decision.Mode, err == nil && result.OK, time.Since(started))
	return result, err
}

// lookup finds the catalog entry, forcing one rebuild when the name is
// unknown so a freshly registered tool is callable immediately.
func (d *Dispatcher) lookup(ctx context.Context, toolName string) (domain.CatalogTool, error) {
	snapshot, err := d.catalog.Build(ctx, catalog.BuildOptions{})
	if err != nil {
		return domain.CatalogTool{}, err
	}
	if entry, ok := snapshot.Tools[toolName]; ok {
		return entry, nil
	}

	snapshot, err = d.catalog.Build(ctx, catalog.BuildOptions{ForceRefresh: true})
	if err != nil {
		return domain.CatalogTool{}, err
	}
	if entry, ok := snapshot.Tools[toolName]; ok {
		return entry, nil
	}
	return domain.CatalogTool{}, domain.E(domain.CodeNotFound, "dispatch.lookup",
		fmt.Sprintf("tool %q not in catalog", toolName), domain.ErrToolNotFound)
}

func placeholderResult(entry domain.CatalogTool) domain.InvocationResult {
	reason := entry.PlaceholderReason
	if reason == "" {
		reason = "Endpoint unavailable"
	}
	return domain.InvocationResult{
		App:         entry.Ref.Owner.Name,
		Tool:        entry.ExposedName,
		Method:      "PLACEHOLDER",
		URL:         entry.OwnerURL,
		OK:          false,
		ContentType: "application/json",
		Error:       reason,
		Body: map[string]any{
			"message":    "This is a placeholder tool. Upstream API spec is unreachable or has zero endpoints.",
			"reason":     reason,
			"suggestion": "Check app health diagnostics and OpenAPI path configuration.",
		},
	}
}

func (d *Dispatcher) record(ctx context.Context, actor domain.Actor, toolName, outcome string, detail map[string]any, started time.Time) {
	if detail == nil {
		detail = map[string]any{}
	}
	detail["outcome"] = outcome
	err := d.audit.AppendAudit(ctx, domain.AuditRecord{
		Actor:        actor.User,
		Action:       "tool.invoke",
		ResourceType: "tool",
		ResourceID:   toolName,
		Detail:       detail,
		LatencyMS:    time.Since(started).Milliseconds(),
	})
	if err != nil {
		d.logger.Warn("audit append failed", zap.String("tool", toolName), zap.Error(err))
	}
}
