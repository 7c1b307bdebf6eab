package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"toolgate/internal/domain"
)

const toolColumns = `source, owner_kind, owner_name, name, title, description,
	method, path, input_schema, body_content_type, current_version,
	is_placeholder, placeholder_reason, registration_state, exposure_state,
	enabled, discovery_hash, last_discovered_at, last_synced_at, created_at,
	updated_at`

// UpsertTool inserts or updates one tool row. On update the admin lifecycle
// columns (exposure_state, enabled) are left alone so discovery never undoes
// an operator's disable.
func (s *Store) UpsertTool(ctx context.Context, tool domain.Tool) error {
	now := time.Now().UTC()
	schema, err := json.Marshal(tool.InputSchema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}

	version := tool.CurrentVersion
	if version == "" {
		version = domain.InitialToolVersion
	}
	regState := tool.RegistrationState
	if regState == "" {
		regState = domain.RegistrationSelected
	}
	expState := tool.ExposureState
	if expState == "" {
		expState = domain.ExposureActive
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tools (`+toolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, owner_kind, owner_name, name) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			method = excluded.method,
			path = excluded.path,
			input_schema = excluded.input_schema,
			body_content_type = excluded.body_content_type,
			current_version = excluded.current_version,
			is_placeholder = excluded.is_placeholder,
			placeholder_reason = excluded.placeholder_reason,
			registration_state = excluded.registration_state,
			discovery_hash = excluded.discovery_hash,
			last_discovered_at = excluded.last_discovered_at,
			last_synced_at = excluded.last_synced_at,
			updated_at = excluded.updated_at
	`,
		tool.Ref.Source, tool.Ref.Owner.Kind, tool.Ref.Owner.Name, tool.Ref.Name,
		tool.Title, tool.Description, tool.Method, tool.Path, string(schema),
		tool.BodyContentType, version, boolInt(tool.IsPlaceholder),
		tool.PlaceholderReason, regState, expState, boolInt(tool.Enabled),
		tool.DiscoveryHash, nullTime(tool.LastDiscoveredAt),
		nullTime(tool.LastSyncedAt), formatTime(now), formatTime(now),
	)
	if err != nil {
		return fmt.Errorf("upsert tool %s: %w", tool.Ref, err)
	}
	return nil
}

// GetTool returns one tool row.
func (s *Store) GetTool(ctx context.Context, ref domain.ToolRef) (domain.Tool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+toolColumns+` FROM tools
		WHERE source = ? AND owner_kind = ? AND owner_name = ? AND name = ?
	`, ref.Source, ref.Owner.Kind, ref.Owner.Name, ref.Name)

	tool, err := scanTool(row)
	if err == sql.ErrNoRows {
		return domain.Tool{}, domain.ErrToolNotFound
	}
	if err != nil {
		return domain.Tool{}, fmt.Errorf("get tool %s: %w", ref, err)
	}
	return tool, nil
}

// ListTools returns an owner's tools, or every tool when ref is zero.
func (s *Store) ListTools(ctx context.Context, owner domain.OwnerRef) ([]domain.Tool, error) {
	query := `SELECT ` + toolColumns + ` FROM tools`
	args := []any{}
	if !owner.IsZero() {
		query += ` WHERE owner_kind = ? AND owner_name = ?`
		args = append(args, owner.Kind, owner.Name)
	}
	query += ` ORDER BY owner_kind, owner_name, name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	defer rows.Close()

	var tools []domain.Tool
	for rows.Next() {
		tool, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tool: %w", err)
		}
		tools = append(tools, tool)
	}
	return tools, rows.Err()
}

// MarkStaleExcept marks every one of the owner's tools absent from seen as
// stale. Seen tools are untouched. Used after a successful probe so tools
// that vanished upstream degrade softly instead of disappearing.
func (s *Store) MarkStaleExcept(ctx context.Context, owner domain.OwnerRef, seen []string) error {
	now := formatTime(time.Now().UTC())

	query := `
		UPDATE tools SET registration_state = ?, updated_at = ?
		WHERE owner_kind = ? AND owner_name = ? AND registration_state != ?
	`
	args := []any{domain.RegistrationStale, now, owner.Kind, owner.Name, domain.RegistrationStale}
	if len(seen) > 0 {
		query += ` AND name NOT IN (?` + strings.Repeat(", ?", len(seen)-1) + `)`
		for _, name := range seen {
			args = append(args, name)
		}
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("mark stale tools for %s: %w", owner, err)
	}
	return nil
}

// SetToolEnabled flips a tool's enabled flag and exposure state.
func (s *Store) SetToolEnabled(ctx context.Context, ref domain.ToolRef, enabled bool) error {
	state := domain.ExposureDisabled
	if enabled {
		state = domain.ExposureActive
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE tools SET enabled = ?, exposure_state = ?, updated_at = ?
		WHERE source = ? AND owner_kind = ? AND owner_name = ? AND name = ?
	`, boolInt(enabled), state, formatTime(time.Now().UTC()),
		ref.Source, ref.Owner.Kind, ref.Owner.Name, ref.Name)
	if err != nil {
		return fmt.Errorf("set tool enabled %s: %w", ref, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrToolNotFound
	}
	return nil
}

// DeleteOwnerTools removes every tool row for an owner. Called when a probe
// replaces placeholders with real operations.
func (s *Store) DeleteOwnerTools(ctx context.Context, owner domain.OwnerRef, placeholdersOnly bool) error {
	query := `DELETE FROM tools WHERE owner_kind = ? AND owner_name = ?`
	args := []any{owner.Kind, owner.Name}
	if placeholdersOnly {
		query += ` AND is_placeholder = 1`
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("delete tools for %s: %w", owner, err)
	}
	return nil
}

func scanTool(row rowScanner) (domain.Tool, error) {
	var (
		tool                           domain.Tool
		schema                         string
		isPlaceholder, enabled         int
		lastDiscoveredAt, lastSyncedAt sql.NullString
		createdAt, updatedAt           string
	)
	err := row.Scan(
		&tool.Ref.Source, &tool.Ref.Owner.Kind, &tool.Ref.Owner.Name,
		&tool.Ref.Name, &tool.Title, &tool.Description, &tool.Method,
		&tool.Path, &schema, &tool.BodyContentType, &tool.CurrentVersion,
		&isPlaceholder, &tool.PlaceholderReason, &tool.RegistrationState,
		&tool.ExposureState, &enabled, &tool.DiscoveryHash,
		&lastDiscoveredAt, &lastSyncedAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.Tool{}, err
	}

	tool.IsPlaceholder = isPlaceholder != 0
	tool.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(schema), &tool.InputSchema); err != nil {
		return domain.Tool{}, fmt.Errorf("unmarshal input schema: %w", err)
	}
	tool.LastDiscoveredAt = parseNullTime(lastDiscoveredAt)
	tool.LastSyncedAt = parseNullTime(lastSyncedAt)
	return tool, nil
}
