package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 4

// migration represents a single schema migration step.
type migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered list of schema migrations. The SQL is kept to the
// subset understood by both SQLite and PostgreSQL.
var migrations = []migration{
	{
		Version:     1,
		Description: "base schema: users, rooms, room_members, messages",
		SQL: `
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			display_name  TEXT NOT NULL DEFAULT '',
			avatar_url    TEXT NOT NULL DEFAULT '',
			is_bot        BOOLEAN NOT NULL DEFAULT FALSE,
			blocked       BOOLEAN NOT NULL DEFAULT FALSE,
			blocked_at    TIMESTAMP,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS rooms (
			id              TEXT PRIMARY KEY,
			title           TEXT NOT NULL DEFAULT '',
			bot_id          TEXT NOT NULL DEFAULT '',
			created_by      TEXT NOT NULL DEFAULT '',
			last_message    TEXT NOT NULL DEFAULT '',
			last_sender_id  TEXT NOT NULL DEFAULT '',
			last_message_at TIMESTAMP,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS room_members (
			room_id    TEXT NOT NULL,
			user_id    TEXT NOT NULL,
			joined_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (room_id, user_id)
		);
		CREATE INDEX IF NOT EXISTS idx_members_user ON room_members(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id            TEXT PRIMARY KEY,
			room_id       TEXT NOT NULL,
			seq           BIGINT NOT NULL,
			sender_id     TEXT NOT NULL,
			display_name  TEXT NOT NULL DEFAULT '',
			avatar_url    TEXT NOT NULL DEFAULT '',
			text          TEXT NOT NULL DEFAULT '',
			attachment_id TEXT NOT NULL DEFAULT '',
			gif_url       TEXT NOT NULL DEFAULT '',
			is_bot        BOOLEAN NOT NULL DEFAULT FALSE,
			created_at    TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_room ON messages(room_id, seq);
		`,
	},
	{
		Version:     2,
		Description: "v2: room_notes, attachments, audit_log",
		SQL: `
		CREATE TABLE IF NOT EXISTS room_notes (
			room_id     TEXT NOT NULL,
			note_key    TEXT NOT NULL,
			note_value  TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (room_id, note_key)
		);

		CREATE TABLE IF NOT EXISTS attachments (
			id            TEXT PRIMARY KEY,
			room_id       TEXT NOT NULL,
			filename      TEXT NOT NULL,
			mime_type     TEXT NOT NULL DEFAULT '',
			size          BIGINT NOT NULL DEFAULT 0,
			storage_path  TEXT NOT NULL,
			created_at    TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_room ON attachments(room_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          TEXT PRIMARY KEY,
			action      TEXT NOT NULL,
			actor       TEXT NOT NULL DEFAULT '',
			command     TEXT NOT NULL DEFAULT '',
			params      TEXT NOT NULL DEFAULT '',
			result      TEXT NOT NULL DEFAULT '',
			details     TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_audit_time ON audit_log(created_at);
		`,
	},
	{
		Version:     3,
		Description: "v3: user preferences",
		SQL: `
		ALTER TABLE users ADD COLUMN theme TEXT NOT NULL DEFAULT 'system';
		ALTER TABLE users ADD COLUMN notifications BOOLEAN NOT NULL DEFAULT TRUE;
		`,
	},
	{
		Version:     4,
		Description: "v4: case-folded message text for search",
		SQL: `
		ALTER TABLE messages ADD COLUMN text_folded TEXT NOT NULL DEFAULT '';
		`,
	},
}

// RunMigrations applies all pending schema migrations, tracked in the
// schema_version table.
func RunMigrations(db *sql.DB, d dialect, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	currentVersion, err := GetSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("query schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}

		logger.Info("applying migration",
			"version", m.Version,
			"description", m.Description,
		)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.SQL) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				if !isAlreadyApplied(err) {
					return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
				}
				// A column or table from an older partial upgrade already
				// exists; fall back to statement-by-statement application.
				logger.Warn("migration partially applied before, retrying per statement",
					"version", m.Version,
					"err", err,
				)
				if err := applyMigrationStatements(db, d, m, logger); err != nil {
					return err
				}
				tx = nil
				break
			}
		}
		if tx != nil {
			if _, err := tx.Exec(d.rebind("INSERT INTO schema_version (version, description) VALUES (?, ?)"),
				m.Version, m.Description); err != nil {
				tx.Rollback()
				return fmt.Errorf("record migration v%d: %w", m.Version, err)
			}
			if err := tx.Commit(); err != nil {
				return fmt.Errorf("commit migration v%d: %w", m.Version, err)
			}
		}

		logger.Info("migration applied", "version", m.Version)
	}

	return nil
}

// applyMigrationStatements applies each SQL statement individually, ignoring
// "duplicate column" or "already exists" errors.
func applyMigrationStatements(db *sql.DB, d dialect, m migration, logger *slog.Logger) error {
	for _, stmt := range splitSQL(m.SQL) {
		if _, err := db.Exec(stmt); err != nil {
			if isAlreadyApplied(err) {
				logger.Debug("migration statement skipped (already applied)", "stmt_prefix", truncate(stmt, 60))
				continue
			}
			return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
		}
	}

	if _, err := db.Exec(d.rebind("INSERT INTO schema_version (version, description) VALUES (?, ?)"),
		m.Version, m.Description); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.Version, err)
	}
	return nil
}

func isAlreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

// splitSQL splits a multi-statement SQL string on semicolons.
func splitSQL(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ";") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

// GetSchemaVersion returns the current schema version, or 0 when the
// schema_version table does not exist yet.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "no such table") ||
			strings.Contains(err.Error(), "does not exist") {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}
