package registry

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store persists owners, tools, policies and the audit log in SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (or creates) the registry database at path. Parent directories
// are created if needed. The schema is applied idempotently on every open.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("registry")

	if path == "" {
		return nil, fmt.Errorf("registry path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", registryDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create registry schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate registry schema: %w", err)
	}

	logger.Info("registry opened", zap.String("path", path))
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS owners (
			kind                TEXT NOT NULL,
			name                TEXT NOT NULL,
			description         TEXT NOT NULL DEFAULT '',
			url                 TEXT NOT NULL,
			spec_path           TEXT NOT NULL DEFAULT '',
			include_unreachable INTEGER NOT NULL DEFAULT 0,
			selected_tools      TEXT NOT NULL DEFAULT '[]',
			enabled             INTEGER NOT NULL DEFAULT 1,
			deleted             INTEGER NOT NULL DEFAULT 0,
			registry_state      TEXT NOT NULL DEFAULT 'active',
			last_sync_status    TEXT NOT NULL DEFAULT 'never',
			last_sync_error     TEXT NOT NULL DEFAULT '',
			last_discovered_at  TEXT,
			last_synced_at      TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,

			PRIMARY KEY (kind, name),
			CHECK (kind IN ('app', 'mcp')),
			CHECK (registry_state IN ('active', 'disabled', 'deleted', 'stale')),
			CHECK (last_sync_status IN ('never', 'running', 'success', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS tools (
			source             TEXT NOT NULL,
			owner_kind         TEXT NOT NULL,
			owner_name         TEXT NOT NULL,
			name               TEXT NOT NULL,
			title              TEXT NOT NULL DEFAULT '',
			description        TEXT NOT NULL DEFAULT '',
			method             TEXT NOT NULL DEFAULT '',
			path               TEXT NOT NULL DEFAULT '',
			input_schema       TEXT NOT NULL DEFAULT '{}',
			body_content_type  TEXT NOT NULL DEFAULT '',
			current_version    TEXT NOT NULL,
			is_placeholder     INTEGER NOT NULL DEFAULT 0,
			placeholder_reason TEXT NOT NULL DEFAULT '',
			registration_state TEXT NOT NULL DEFAULT 'selected',
			exposure_state     TEXT NOT NULL DEFAULT 'active',
			enabled            INTEGER NOT NULL DEFAULT 1,
			discovery_hash     TEXT NOT NULL DEFAULT '',
			last_discovered_at TEXT,
			last_synced_at     TEXT,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL,

			PRIMARY KEY (source, owner_kind, owner_name, name),
			FOREIGN KEY (owner_kind, owner_name) REFERENCES owners(kind, name) ON DELETE CASCADE,
			CHECK (source IN ('openapi', 'mcp')),
			CHECK (registration_state IN ('selected', 'unselected', 'stale')),
			CHECK (exposure_state IN ('active', 'disabled', 'deleted'))
		);

		CREATE INDEX IF NOT EXISTS idx_tools_owner ON tools(owner_kind, owner_name);

		CREATE TABLE IF NOT EXISTS policies (
			owner_kind     TEXT NOT NULL,
			owner_name     TEXT NOT NULL,
			tool_id        TEXT NOT NULL,
			mode           TEXT NOT NULL,
			allowed_users  TEXT NOT NULL DEFAULT '[]',
			allowed_groups TEXT NOT NULL DEFAULT '[]',
			created_at     TEXT NOT NULL,
			updated_at     TEXT NOT NULL,

			PRIMARY KEY (owner_kind, owner_name, tool_id),
			CHECK (mode IN ('allow', 'approval', 'deny'))
		);

		CREATE INDEX IF NOT EXISTS idx_policies_owner ON policies(owner_kind, owner_name);

		CREATE TABLE IF NOT EXISTS audit_log (
			id            TEXT PRIMARY KEY,
			actor         TEXT NOT NULL,
			action        TEXT NOT NULL,
			resource_type TEXT NOT NULL,
			resource_id   TEXT NOT NULL,
			detail        TEXT,
			latency_ms    INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
		CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_log(resource_type, resource_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive migrations for databases created by earlier
// builds. SQLite has no ADD COLUMN IF NOT EXISTS, so each is checked first.
func (s *Store) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "tools",
			column: "placeholder_reason",
			apply:  `ALTER TABLE tools ADD COLUMN placeholder_reason TEXT NOT NULL DEFAULT ''`,
		},
		{
			table:  "owners",
			column: "last_sync_error",
			apply:  `ALTER TABLE owners ADD COLUMN last_sync_error TEXT NOT NULL DEFAULT ''`,
		},
	}

	for _, m := range migrations {
		var exists int
		check := fmt.Sprintf(`SELECT 1 FROM pragma_table_info('%s') WHERE name = ?`, m.table)
		err := s.db.QueryRow(check, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("add %s.%s: %w", m.table, m.column, err)
		}
		s.logger.Info("applied migration", zap.String("table", m.table), zap.String("column", m.column))
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// registryDSN carries the pragmas in the DSN so every connection in the
// database/sql pool gets them; a PRAGMA statement run through db.Exec would
// configure only the one connection that happened to execute it.
func registryDSN(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
}
