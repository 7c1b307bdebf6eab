package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"toolgate/internal/domain"
)

const ownerColumns = `kind, name, description, url, spec_path, include_unreachable,
	selected_tools, enabled, deleted, registry_state, last_sync_status,
	last_sync_error, last_discovered_at, last_synced_at, created_at, updated_at`

// UpsertOwner inserts or updates an owner row keyed by (kind, name).
// CreatedAt is preserved on update; UpdatedAt is always refreshed.
func (s *Store) UpsertOwner(ctx context.Context, owner domain.Owner) error {
	now := time.Now().UTC()
	selected, err := json.Marshal(nonNil(owner.SelectedTools))
	if err != nil {
		return fmt.Errorf("marshal selected tools: %w", err)
	}

	state := owner.RegistryState
	if state == "" {
		state = domain.RegistryActive
	}
	syncStatus := owner.LastSyncStatus
	if syncStatus == "" {
		syncStatus = domain.SyncNever
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO owners (`+ownerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, name) DO UPDATE SET
			description = excluded.description,
			url = excluded.url,
			spec_path = excluded.spec_path,
			include_unreachable = excluded.include_unreachable,
			selected_tools = excluded.selected_tools,
			enabled = excluded.enabled,
			deleted = excluded.deleted,
			registry_state = excluded.registry_state,
			updated_at = excluded.updated_at
	`,
		owner.Ref.Kind, owner.Ref.Name, owner.Description, owner.URL,
		owner.SpecPath, boolInt(owner.IncludeUnreachable), string(selected),
		boolInt(owner.Enabled), boolInt(owner.Deleted), state, syncStatus,
		owner.LastSyncError, nullTime(owner.LastDiscoveredAt),
		nullTime(owner.LastSyncedAt), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert owner %s: %w", owner.Ref, err)
	}

	s.logger.Debug("owner upserted", zap.String("owner", owner.Ref.String()))
	return nil
}

// GetOwner returns one owner, soft-deleted rows included.
func (s *Store) GetOwner(ctx context.Context, ref domain.OwnerRef) (domain.Owner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ownerColumns+` FROM owners WHERE kind = ? AND name = ?
	`, ref.Kind, ref.Name)

	owner, err := scanOwner(row)
	if err == sql.ErrNoRows {
		return domain.Owner{}, domain.ErrOwnerNotFound
	}
	if err != nil {
		return domain.Owner{}, fmt.Errorf("get owner %s: %w", ref, err)
	}
	return owner, nil
}

// ListOwners returns every owner of the given kind, soft-deleted rows
// included. An empty kind lists all owners.
func (s *Store) ListOwners(ctx context.Context, kind domain.OwnerKind) ([]domain.Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners`
	args := []any{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY kind, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer rows.Close()

	var owners []domain.Owner
	for rows.Next() {
		owner, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// ListEnabledOwners returns enabled, non-deleted owners of the given kind.
// This is the discovery working set.
func (s *Store) ListEnabledOwners(ctx context.Context, kind domain.OwnerKind) ([]domain.Owner, error) {
	owners, err := s.ListOwners(ctx, kind)
	if err != nil {
		return nil, err
	}
	filtered := owners[:0]
	for _, owner := range owners {
		if owner.Enabled && !owner.Deleted {
			filtered = append(filtered, owner)
		}
	}
	return filtered, nil
}

// SetOwnerEnabled flips the enabled flag and keeps registry_state in step.
func (s *Store) SetOwnerEnabled(ctx context.Context, ref domain.OwnerRef, enabled bool) error {
	state := domain.RegistryDisabled
	if enabled {
		state = domain.RegistryActive
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE owners
		SET enabled = ?, registry_state = ?, updated_at = ?
		WHERE kind = ? AND name = ? AND deleted = 0
	`, boolInt(enabled), state, formatTime(time.Now().UTC()), ref.Kind, ref.Name)
	if err != nil {
		return fmt.Errorf("set owner enabled %s: %w", ref, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrOwnerNotFound
	}
	return nil
}

// DeleteOwner soft-deletes an owner: the row survives for audit but leaves
// the discovery working set, and its tools are marked deleted.
func (s *Store) DeleteOwner(ctx context.Context, ref domain.OwnerRef) error {
	now := formatTime(time.Now().UTC())
	result, err := s.db.ExecContext(ctx, `
		UPDATE owners
		SET deleted = 1, enabled = 0, registry_state = ?, updated_at = ?
		WHERE kind = ? AND name = ? AND deleted = 0
	`, domain.RegistryDeleted, now, ref.Kind, ref.Name)
	if err != nil {
		return fmt.Errorf("delete owner %s: %w", ref, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrOwnerNotFound
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE tools SET exposure_state = ?, enabled = 0, updated_at = ?
		WHERE owner_kind = ? AND owner_name = ?
	`, domain.ExposureDeleted, now, ref.Kind, ref.Name); err != nil {
		return fmt.Errorf("delete owner tools %s: %w", ref, err)
	}

	s.logger.Info("owner deleted", zap.String("owner", ref.String()))
	return nil
}

// PurgeOwner hard-deletes an owner and, via cascade, its tools. Policies are
// removed explicitly since they are not foreign-keyed.
func (s *Store) PurgeOwner(ctx context.Context, ref domain.OwnerRef) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM owners WHERE kind = ? AND name = ?`, ref.Kind, ref.Name)
	if err != nil {
		return fmt.Errorf("purge owner %s: %w", ref, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrOwnerNotFound
	}
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM policies WHERE owner_kind = ? AND owner_name = ?
	`, ref.Kind, ref.Name); err != nil {
		return fmt.Errorf("purge owner policies %s: %w", ref, err)
	}
	return nil
}

// RecordSyncResult updates the owner's sync lifecycle columns after a probe.
func (s *Store) RecordSyncResult(ctx context.Context, ref domain.OwnerRef, status domain.SyncStatus, errText string) error {
	now := time.Now().UTC()
	query := `
		UPDATE owners
		SET last_sync_status = ?, last_sync_error = ?, last_synced_at = ?, updated_at = ?
		WHERE kind = ? AND name = ?
	`
	args := []any{status, errText, formatTime(now), formatTime(now), ref.Kind, ref.Name}
	if status == domain.SyncSuccess {
		query = `
			UPDATE owners
			SET last_sync_status = ?, last_sync_error = ?, last_synced_at = ?,
			    last_discovered_at = ?, updated_at = ?
			WHERE kind = ? AND name = ?
		`
		args = []any{status, errText, formatTime(now), formatTime(now), formatTime(now), ref.Kind, ref.Name}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("record sync result %s: %w", ref, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrOwnerNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwner(row rowScanner) (domain.Owner, error) {
	var (
		owner                          domain.Owner
		includeUnreachable             int
		enabled, deleted               int
		selected                       string
		lastDiscoveredAt, lastSyncedAt sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(
		&owner.Ref.Kind, &owner.Ref.Name, &owner.Description, &owner.URL,
		&owner.SpecPath, &includeUnreachable, &selected, &enabled, &deleted,
		&owner.RegistryState, &owner.LastSyncStatus, &owner.LastSyncError,
		&lastDiscoveredAt, &lastSyncedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Owner{}, err
	}

	owner.IncludeUnreachable = includeUnreachable != 0
	owner.Enabled = enabled != 0
	owner.Deleted = deleted != 0
	if err := json.Unmarshal([]byte(selected), &owner.SelectedTools); err != nil {
		return domain.Owner{}, fmt.Errorf("unmarshal selected tools: %w", err)
	}
	owner.LastDiscoveredAt = parseNullTime(lastDiscoveredAt)
	owner.LastSyncedAt = parseNullTime(lastSyncedAt)
	owner.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	owner.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return owner, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, s.String)
	return t
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
