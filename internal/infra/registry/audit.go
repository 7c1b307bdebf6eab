package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"toolgate/internal/domain"
)

// AppendAudit writes one append-only audit row. A missing ID or timestamp is
// filled in so callers can pass a bare record.
func (s *Store) AppendAudit(ctx context.Context, record domain.AuditRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	var detail any
	if len(record.Detail) > 0 {
		raw, err := json.Marshal(record.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = string(raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, actor, action, resource_type, resource_id, detail, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.ID, record.Actor, record.Action, record.ResourceType,
		record.ResourceID, detail, record.LatencyMS, formatTime(record.CreatedAt))
	if err != nil {
		return fmt.Errorf("append audit %s: %w", record.Action, err)
	}
	return nil
}

// ListAudit returns audit rows newest-first, narrowed by the filter.
func (s *Store) ListAudit(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditRecord, error) {
	query := `
		SELECT id, actor, action, resource_type, resource_id, detail, latency_ms, created_at
		FROM audit_log
		WHERE 1=1
	`
	args := []any{}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(filter.Since))
	}
	if filter.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, filter.Actor)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, filter.Action)
	}
	if filter.ResourceType != "" {
		query += ` AND resource_type = ?`
		args = append(args, filter.ResourceType)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var (
			record    domain.AuditRecord
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&record.ID, &record.Actor, &record.Action,
			&record.ResourceType, &record.ResourceID, &detail,
			&record.LatencyMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &record.Detail); err != nil {
				return nil, fmt.Errorf("unmarshal audit detail: %w", err)
			}
		}
		record.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		records = append(records, record)
	}
	return records, rows.Err()
}
