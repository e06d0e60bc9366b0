// Package store persists rooms, messages, users, room notes, attachments and
// the command audit log in SQLite (default) or PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"roomchat/internal/domain"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database backend.
type Config struct {
	Driver string // sqlite | postgres
	Path   string // sqlite database file
	DSN    string // postgres connection string
	Logger *slog.Logger
}

type dialect string

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLStore implements domain.Store on database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger

	seqMu   sync.Mutex
	lastSeq int64
}

var _ domain.Store = (*SQLStore)(nil)

// Open connects to the configured database and applies pending migrations.
func Open(cfg Config) (*SQLStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		cfg.Driver = DriverSQLite
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
		}
		db, err = sql.Open("sqlite", cfg.Path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("cannot open database: %w", err)
		}
		// single connection for SQLite
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres driver requires a DSN")
		}
		db, err = sql.Open("postgres", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("cannot open database: %w", err)
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}

	s := &SQLStore{db: db, dialect: dialect(cfg.Driver), logger: cfg.Logger}
	if err := RunMigrations(db, s.dialect, cfg.Logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	if err := s.backfillFolded(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("backfill search text: %w", err)
	}
	if err := db.QueryRow("SELECT COALESCE(MAX(seq), 0) FROM messages").Scan(&s.lastSeq); err != nil {
		db.Close()
		return nil, fmt.Errorf("read message sequence: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for maintenance commands.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Driver() string { return string(s.dialect) }

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

// nextSeq returns a strictly increasing message sequence number so messages
// created within the same clock tick keep their insertion order.
func (s *SQLStore) nextSeq() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	seq := time.Now().UnixNano()
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *SQLStore) LogAction(ctx context.Context, entry domain.AuditEntry) error {
	_, err := s.exec(ctx,
		`INSERT INTO audit_log (id, action, actor, command, params, result, details, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), entry.Action, entry.Actor, entry.Command, entry.Params, entry.Result, entry.Details, time.Now().UTC(),
	)
	return err
}

// AuditEntries returns the most recent audit entries, newest first.
func (s *SQLStore) AuditEntries(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx,
		`SELECT action, actor, command, params, result, details FROM audit_log
		 ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.Action, &e.Actor, &e.Command, &e.Params, &e.Result, &e.Details); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
