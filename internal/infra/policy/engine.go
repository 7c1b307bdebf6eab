// Package policy resolves and administers access decisions for catalog
// tools: allow, approval or deny, scoped per owner with per-tool overrides.
package policy

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// Registry is the policy slice of the persistence layer.
type Registry interface {
	GetOwner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error)
	GetOwnerPolicies(ctx context.Context, owner domain.OwnerRef) (domain.OwnerPolicies, error)
	GetToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string) (domain.Policy, error)
	PutDefaultPolicy(ctx context.Context, owner domain.OwnerRef, policy domain.Policy) error
	PutToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error
	DeleteToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string) error
	ReplaceToolPolicies(ctx context.Context, owner domain.OwnerRef, def domain.Policy, overrides map[string]domain.Policy) error
	AppendAudit(ctx context.Context, record domain.AuditRecord) error
}

// Engine evaluates and mutates access policies. It never caches decisions:
// every Resolve reads the current rows, so an admin edit is visible to the
// very next call.
type Engine struct {
	registry Registry
	logger   *zap.Logger
}

func NewEngine(registry Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{registry: registry, logger: logger.Named("policy")}
}

// Resolve returns the effective decision for one tool call: the tool
// override when present, the owner default otherwise. Non-empty allow-lists
// downgrade the mode to deny for actors not on them. An owner with neither
// row is an error state — the caller treats it as deny.
func (e *Engine) Resolve(ctx context.Context, owner domain.OwnerRef, toolID string, actor domain.Actor) (domain.Decision, error) {
	policies, err := e.registry.GetOwnerPolicies(ctx, owner)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("resolve policy for %s: %w", owner, err)
	}

	scope := domain.ScopeDefault
	var policy domain.Policy
	if override, ok := policies.Tools[toolID]; ok {
		policy = override
		scope = domain.ScopeOverride
	} else if policies.Default != nil {
		policy = *policies.Default
	} else {
		e.logger.Error("no policy row for tool",
			zap.String("owner", owner.String()), zap.String("tool", toolID))
		return domain.Decision{}, domain.ErrPolicyNotFound
	}

	decision := domain.Decision{Mode: policy.Mode, Scope: scope}
	if !policy.Permits(actor) {
		decision.Mode = domain.ModeDeny
	}
	return decision, nil
}

// SetOwnerDefault replaces an owner's default policy. The owner must exist
// and its default row must already be materialized.
func (e *Engine) SetOwnerDefault(ctx context.Context, owner domain.OwnerRef, policy domain.Policy, actor domain.Actor) error {
	if err := e.validate(ctx, owner, policy); err != nil {
		return err
	}
	if err := e.registry.PutDefaultPolicy(ctx, owner, policy); err != nil {
		return err
	}
	e.audit(ctx, actor, "policy.default.set", owner, domain.DefaultToolID, policy)
	return nil
}

// SetToolOverride writes a per-tool override shadowing the owner default.
func (e *Engine) SetToolOverride(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy, actor domain.Actor) error {
	if toolID == "" || toolID == domain.DefaultToolID {
		return domain.E(domain.CodeInvalidArgument, "policy.SetToolOverride",
			fmt.Sprintf("invalid tool id %q", toolID), nil)
	}
	if err := e.validate(ctx, owner, policy); err != nil {
		return err
	}
	if err := e.registry.PutToolPolicy(ctx, owner, toolID, policy); err != nil {
		return err
	}
	e.audit(ctx, actor, "policy.override.set", owner, toolID, policy)
	return nil
}

// GetToolOverride returns the explicit override row for one tool, or
// ErrPolicyNotFound when the tool follows the owner default.
func (e *Engine) GetToolOverride(ctx context.Context, owner domain.OwnerRef, toolID string) (domain.Policy, error) {
	if toolID == "" || toolID == domain.DefaultToolID {
		return domain.Policy{}, domain.E(domain.CodeInvalidArgument, "policy.GetToolOverride",
			fmt.Sprintf("invalid tool id %q", toolID), nil)
	}
	return e.registry.GetToolPolicy(ctx, owner, toolID)
}

// ResetToolOverride deletes a per-tool override; the tool falls back to
// whatever the owner default is at its next resolution.
func (e *Engine) ResetToolOverride(ctx context.Context, owner domain.OwnerRef, toolID string, actor domain.Actor) error {
	if toolID == "" || toolID == domain.DefaultToolID {
		return domain.E(domain.CodeInvalidArgument, "policy.ResetToolOverride",
			fmt.Sprintf("invalid tool id %q", toolID), nil)
	}
	if err := e.registry.DeleteToolPolicy(ctx, owner, toolID); err != nil {
		return err
	}
	e.audit(ctx, actor, "policy.override.reset", owner, toolID, domain.Policy{})
	return nil
}

// ApplyToAll rewrites the owner's whole policy set in one transaction: the
// new default plus exactly the listed overrides. Overrides not listed are
// removed, so afterwards every unlisted tool follows the default.
func (e *Engine) ApplyToAll(ctx context.Context, owner domain.OwnerRef, def domain.Policy, overrides map[string]domain.Policy, actor domain.Actor) error {
	if err := e.validate(ctx, owner, def); err != nil {
		return err
	}
	for toolID, policy := range overrides {
		if toolID == "" || toolID == domain.DefaultToolID {
			return domain.E(domain.CodeInvalidArgument, "policy.ApplyToAll",
				fmt.Sprintf("invalid tool id %q", toolID), nil)
		}
		if !policy.Mode.Valid() {
			return domain.E(domain.CodeInvalidArgument, "policy.ApplyToAll",
				fmt.Sprintf("invalid mode %q for tool %q", policy.Mode, toolID), nil)
		}
	}
	if err := e.registry.ReplaceToolPolicies(ctx, owner, def, overrides); err != nil {
		return err
	}
	e.audit(ctx, actor, "policy.apply_all", owner, domain.DefaultToolID, def)
	return nil
}

// ListOwnerPolicies returns the owner's current policy set for the admin
// surface.
func (e *Engine) ListOwnerPolicies(ctx context.Context, owner domain.OwnerRef) (domain.OwnerPolicies, error) {
	if _, err := e.registry.GetOwner(ctx, owner); err != nil {
		return domain.OwnerPolicies{}, err
	}
	return e.registry.GetOwnerPolicies(ctx, owner)
}

func (e *Engine) validate(ctx context.Context, owner domain.OwnerRef, policy domain.Policy) error {
	if !policy.Mode.Valid() {
		return domain.E(domain.CodeInvalidArgument, "policy.validate",
			fmt.Sprintf("invalid policy mode %q", policy.Mode), nil)
	}
	if _, err := e.registry.GetOwner(ctx, owner); err != nil {
		if errors.Is(err, domain.ErrOwnerNotFound) {
			return err
		}
		return fmt.Errorf("load owner %s: %w", owner, err)
	}
	return nil
}

func (e *Engine) audit(ctx context.Context, actor domain.Actor, action string, owner domain.OwnerRef, toolID string, policy domain.Policy) {
	record := domain.AuditRecord{
		Actor:        actor.User,
		Action:       action,
		ResourceType: "policy",
		ResourceID:   owner.String() + "/" + toolID,
	}
	if policy.Mode != "" {
		record.Detail = map[string]any{
			"mode":           string(policy.Mode),
			"allowed_users":  policy.AllowedUsers,
			"allowed_groups": policy.AllowedGroups,
		}
	}
	if err := e.registry.AppendAudit(ctx, record); err != nil {
		e.logger.Warn("audit append failed", zap.String("action", action), zap.Error(err))
	}
}
