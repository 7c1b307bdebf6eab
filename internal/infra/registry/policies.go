package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"toolgate/internal/domain"
)

// GetOwnerPolicies returns an owner's default policy and tool overrides.
// A missing default leaves Default nil; callers decide how strict to be.
func (s *Store) GetOwnerPolicies(ctx context.Context, owner domain.OwnerRef) (domain.OwnerPolicies, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_id, mode, allowed_users, allowed_groups
		FROM policies
		WHERE owner_kind = ? AND owner_name = ?
	`, owner.Kind, owner.Name)
	if err != nil {
		return domain.OwnerPolicies{}, fmt.Errorf("query policies for %s: %w", owner, err)
	}
	defer rows.Close()

	policies := domain.OwnerPolicies{Tools: map[string]domain.Policy{}}
	for rows.Next() {
		var (
			toolID, users, groups string
			policy                domain.Policy
		)
		if err := rows.Scan(&toolID, &policy.Mode, &users, &groups); err != nil {
			return domain.OwnerPolicies{}, fmt.Errorf("scan policy: %w", err)
		}
		if err := json.Unmarshal([]byte(users), &policy.AllowedUsers); err != nil {
			return domain.OwnerPolicies{}, fmt.Errorf("unmarshal allowed users: %w", err)
		}
		if err := json.Unmarshal([]byte(groups), &policy.AllowedGroups); err != nil {
			return domain.OwnerPolicies{}, fmt.Errorf("unmarshal allowed groups: %w", err)
		}
		if toolID == domain.DefaultToolID {
			p := policy
			policies.Default = &p
			continue
		}
		policies.Tools[toolID] = policy
	}
	return policies, rows.Err()
}

// GetToolPolicy returns the policy row for one tool id (which may be the
// default sentinel). Returns ErrPolicyNotFound when no row exists.
func (s *Store) GetToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string) (domain.Policy, error) {
	var (
		policy        domain.Policy
		users, groups string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT mode, allowed_users, allowed_groups
		FROM policies
		WHERE owner_kind = ? AND owner_name = ? AND tool_id = ?
	`, owner.Kind, owner.Name, toolID).Scan(&policy.Mode, &users, &groups)
	if err == sql.ErrNoRows {
		return domain.Policy{}, domain.ErrPolicyNotFound
	}
	if err != nil {
		return domain.Policy{}, fmt.Errorf("get policy %s/%s: %w", owner, toolID, err)
	}
	if err := json.Unmarshal([]byte(users), &policy.AllowedUsers); err != nil {
		return domain.Policy{}, fmt.Errorf("unmarshal allowed users: %w", err)
	}
	if err := json.Unmarshal([]byte(groups), &policy.AllowedGroups); err != nil {
		return domain.Policy{}, fmt.Errorf("unmarshal allowed groups: %w", err)
	}
	return policy, nil
}

// PutDefaultPolicy replaces an owner's default policy. The default row must
// already exist; changing a never-materialized owner is a not-found.
func (s *Store) PutDefaultPolicy(ctx context.Context, owner domain.OwnerRef, policy domain.Policy) error {
	return s.updatePolicy(ctx, owner, domain.DefaultToolID, policy)
}

// PutToolPolicy inserts or replaces a per-tool override.
func (s *Store) PutToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error {
	return s.writePolicy(ctx, owner, toolID, policy)
}

// DeleteToolPolicy removes a per-tool override so the tool falls back to the
// owner default. Deleting the default sentinel is rejected upstream.
func (s *Store) DeleteToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM policies WHERE owner_kind = ? AND owner_name = ? AND tool_id = ?
	`, owner.Kind, owner.Name, toolID)
	if err != nil {
		return fmt.Errorf("delete policy %s/%s: %w", owner, toolID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrPolicyNotFound
	}
	return nil
}

// ReplaceToolPolicies atomically rewrites an owner's policy set: the default
// row plus exactly the given overrides. Overrides absent from the map are
// deleted. This backs the bulk apply-to-all operation.
func (s *Store) ReplaceToolPolicies(ctx context.Context, owner domain.OwnerRef, def domain.Policy, overrides map[string]domain.Policy) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace policies: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM policies WHERE owner_kind = ? AND owner_name = ?
	`, owner.Kind, owner.Name); err != nil {
		return fmt.Errorf("clear policies for %s: %w", owner, err)
	}

	write := func(toolID string, policy domain.Policy) error {
		users, groups, err := marshalLists(policy)
		if err != nil {
			return err
		}
		now := formatTime(time.Now().UTC())
		_, err = tx.ExecContext(ctx, `
			INSERT INTO policies (owner_kind, owner_name, tool_id, mode, allowed_users, allowed_groups, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, owner.Kind, owner.Name, toolID, policy.Mode, users, groups, now, now)
		if err != nil {
			return fmt.Errorf("insert policy %s/%s: %w", owner, toolID, err)
		}
		return nil
	}

	if err := write(domain.DefaultToolID, def); err != nil {
		return err
	}
	for toolID, policy := range overrides {
		if err := write(toolID, policy); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// EnsureDefaultPolicy materializes the default row if absent. An existing
// row is never overwritten, so an operator's explicit default survives
// re-registration.
func (s *Store) EnsureDefaultPolicy(ctx context.Context, owner domain.OwnerRef, policy domain.Policy) error {
	return s.ensurePolicy(ctx, owner, domain.DefaultToolID, policy)
}

// EnsureToolPolicy materializes a per-tool row if absent, first-write-wins.
func (s *Store) EnsureToolPolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error {
	return s.ensurePolicy(ctx, owner, toolID, policy)
}

func (s *Store) ensurePolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error {
	users, groups, err := marshalLists(policy)
	if err != nil {
		return err
	}
	now := formatTime(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (owner_kind, owner_name, tool_id, mode, allowed_users, allowed_groups, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_kind, owner_name, tool_id) DO NOTHING
	`, owner.Kind, owner.Name, toolID, policy.Mode, users, groups, now, now)
	if err != nil {
		return fmt.Errorf("ensure policy %s/%s: %w", owner, toolID, err)
	}
	return nil
}

func (s *Store) updatePolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error {
	users, groups, err := marshalLists(policy)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE policies
		SET mode = ?, allowed_users = ?, allowed_groups = ?, updated_at = ?
		WHERE owner_kind = ? AND owner_name = ? AND tool_id = ?
	`, policy.Mode, users, groups, formatTime(time.Now().UTC()),
		owner.Kind, owner.Name, toolID)
	if err != nil {
		return fmt.Errorf("update policy %s/%s: %w", owner, toolID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return domain.ErrPolicyNotFound
	}
	return nil
}

func (s *Store) writePolicy(ctx context.Context, owner domain.OwnerRef, toolID string, policy domain.Policy) error {
	users, groups, err := marshalLists(policy)
	if err != nil {
		return err
	}
	now := formatTime(time.Now().UTC())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO policies (owner_kind, owner_name, tool_id, mode, allowed_users, allowed_groups, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner_kind, owner_name, tool_id) DO UPDATE SET
			mode = excluded.mode,
			allowed_users = excluded.allowed_users,
			allowed_groups = excluded.allowed_groups,
			updated_at = excluded.updated_at
	`, owner.Kind, owner.Name, toolID, policy.Mode, users, groups, now, now)
	if err != nil {
		return fmt.Errorf("put policy %s/%s: %w", owner, toolID, err)
	}
	return nil
}

func marshalLists(policy domain.Policy) (string, string, error) {
	users, err := json.Marshal(nonNil(policy.AllowedUsers))
	if err != nil {
		return "", "", fmt.Errorf("marshal allowed users: %w", err)
	}
	groups, err := json.Marshal(nonNil(policy.AllowedGroups))
	if err != nil {
		return "", "", fmt.Errorf("marshal allowed groups: %w", err)
	}
	return string(users), string(groups), nil
}
