package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
)

// materializedPolicy is the row written for owners and tools that have no
// explicit policy yet. First write wins; operator edits are never clobbered.
var materializedPolicy = domain.Policy{Mode: domain.ModeAllow}

// reconcile lands one probe outcome in the registry and returns the tool
// rows that belong in the catalog.
//
// Lifecycle rules:
//   - unchanged fingerprint: touch sync timestamps only, operator edits
//     (enabled, exposure) survive;
//   - changed fingerprint: update shape, bump the minor version;
//   - new tool: insert selected (or unselected when the owner carries a
//     SelectedTools allow-list not naming it);
//   - vanished tool: marked stale and dropped from the catalog, never
//     deleted;
//   - unreachable owner: existing tool rows are left completely untouched —
//     a down server says nothing about its tool set.
func (b *Builder) reconcile(ctx context.Context, owner domain.Owner, diag domain.Diagnostic, rawOps []domain.RawOperation) ([]domain.Tool, error) {
	if diag.Status == domain.ProbeUnreachable {
		if err := b.registry.RecordSyncResult(ctx, owner.Ref, domain.SyncFailed, diag.Error); err != nil {
			return nil, err
		}
		if !diag.PlaceholderToolAdded {
			return nil, nil
		}
		return b.reconcilePlaceholder(ctx, owner, rawOps)
	}

	// Healthy (or zero-endpoint) probe: any surviving placeholder rows are
	// replaced by the real surface.
	if err := b.registry.DeleteOwnerTools(ctx, owner.Ref, true); err != nil {
		return nil, err
	}
	if err := b.registry.EnsureDefaultPolicy(ctx, owner.Ref, materializedPolicy); err != nil {
		return nil, err
	}

	selected := map[string]bool{}
	for _, name := range owner.SelectedTools {
		selected[name] = true
	}

	now := time.Now().UTC()
	seen := make([]string, 0, len(rawOps))
	var catalogTools []domain.Tool

	for _, op := range rawOps {
		tool, err := b.reconcileOne(ctx, owner, op, selected, now)
		if err != nil {
			if recordErr := b.registry.RecordSyncResult(ctx, owner.Ref, domain.SyncFailed, err.Error()); recordErr != nil {
				b.logger.Warn("record sync result failed",
					zap.String("owner", owner.Ref.String()), zap.Error(recordErr))
			}
			return nil, err
		}
		seen = append(seen, op.Name)
		if tool.RegistrationState == domain.RegistrationSelected &&
			tool.ExposureState == domain.ExposureActive && tool.Enabled {
			catalogTools = append(catalogTools, tool)
		}
	}

	if err := b.registry.MarkStaleExcept(ctx, owner.Ref, seen); err != nil {
		return nil, err
	}
	if err := b.registry.RecordSyncResult(ctx, owner.Ref, domain.SyncSuccess, ""); err != nil {
		return nil, err
	}
	return catalogTools, nil
}

func (b *Builder) reconcileOne(ctx context.Context, owner domain.Owner, op domain.RawOperation, selected map[string]bool, now time.Time) (domain.Tool, error) {
	fingerprint, err := domain.ToolFingerprint(op)
	if err != nil {
		return domain.Tool{}, fmt.Errorf("fingerprint %s: %w", op.Name, err)
	}

	source := domain.SourceOpenAPI
	if owner.Ref.Kind == domain.OwnerMCP {
		source = domain.SourceMCP
	}
	ref := domain.ToolRef{Source: source, Owner: owner.Ref, Name: op.Name}

	// Placeholders are synthetic and never subject to the owner's allow-list.
	registration := domain.RegistrationSelected
	if !op.IsPlaceholder && len(selected) > 0 && !selected[op.Name] {
		registration = domain.RegistrationUnselected
	}

	existing, err := b.registry.GetTool(ctx, ref)
	switch {
	case errors.Is(err, domain.ErrToolNotFound):
		tool := domain.Tool{
			Ref:               ref,
			Title:             op.Title,
			Description:       op.Description,
			Method:            op.Method,
			Path:              op.Path,
			InputSchema:       op.InputSchema,
			BodyContentType:   op.BodyContentType,
			CurrentVersion:    domain.InitialToolVersion,
			IsPlaceholder:     op.IsPlaceholder,
			PlaceholderReason: op.PlaceholderReason,
			RegistrationState: registration,
			ExposureState:     domain.ExposureActive,
			Enabled:           true,
			DiscoveryHash:     fingerprint,
			LastDiscoveredAt:  now,
			LastSyncedAt:      now,
		}
		if err := b.registry.UpsertTool(ctx, tool); err != nil {
			return domain.Tool{}, err
		}
		if tool.RegistrationState == domain.RegistrationSelected {
			if err := b.registry.EnsureToolPolicy(ctx, owner.Ref, ref.Name, materializedPolicy); err != nil {
				return domain.Tool{}, err
			}
		}
		return tool, nil

	case err != nil:
		return domain.Tool{}, err
	}

	tool := existing
	// A tool seen again after going stale (or after the owner's allow-list
	// changed) is re-registered under its new selection. The enabled flag is
	// operator-owned and never touched by discovery.
	tool.RegistrationState = registration

	if existing.DiscoveryHash != fingerprint {
		tool.Title = op.Title
		tool.Description = op.Description
		tool.Method = op.Method
		tool.Path = op.Path
		tool.InputSchema = op.InputSchema
		tool.BodyContentType = op.BodyContentType
		tool.IsPlaceholder = op.IsPlaceholder
		tool.PlaceholderReason = op.PlaceholderReason
		tool.CurrentVersion = domain.BumpVersion(existing.CurrentVersion)
		tool.DiscoveryHash = fingerprint
		tool.LastDiscoveredAt = now
	}
	tool.LastSyncedAt = now

	if err := b.registry.UpsertTool(ctx, tool); err != nil {
		return domain.Tool{}, err
	}
	if tool.RegistrationState == domain.RegistrationSelected {
		if err := b.registry.EnsureToolPolicy(ctx, owner.Ref, ref.Name, materializedPolicy); err != nil {
			return domain.Tool{}, err
		}
	}
	return tool, nil
}

// reconcilePlaceholder persists the single synthetic tool for an opted-in
// unreachable app. Real tool rows are deliberately not touched.
func (b *Builder) reconcilePlaceholder(ctx context.Context, owner domain.Owner, rawOps []domain.RawOperation) ([]domain.Tool, error) {
	if err := b.registry.EnsureDefaultPolicy(ctx, owner.Ref, materializedPolicy); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var tools []domain.Tool
	for _, op := range rawOps {
		tool, err := b.reconcileOne(ctx, owner, op, nil, now)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}
