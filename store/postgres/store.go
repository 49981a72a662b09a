// Package postgres implements core.Store on PostgreSQL through database/sql
// and the pgx driver.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/Swind/go-workflow-orchestrator/core"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is an append-only audit store backed by the orchestration_records table.
type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

// Open connects to dsn and applies pending migrations.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	if !hasSQLDriver("pgx") {
		return nil, errors.New("pgx SQL driver is not linked")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle without running migrations.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func hasSQLDriver(name string) bool {
	for _, d := range sql.Drivers() {
		if d == name {
			return true
		}
	}
	return false
}

// =============================================================================
// Migrations
// =============================================================================

func (s *Store) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL)`); err != nil {
		return err
	}
	migFS, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		return err
	}
	files, err := listMigrationFiles(migFS)
	if err != nil {
		return err
	}
	for _, file := range files {
		var applied bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, file).Scan(&applied); err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, migFS, file); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, migFS fs.FS, file string) error {
	sqlBytes, err := fs.ReadFile(migFS, file)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		return fmt.Errorf("apply migration %s: %w", file, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, file, time.Now().UTC()); err != nil {
		return fmt.Errorf("record migration %s: %w", file, err)
	}
	return tx.Commit()
}

func listMigrationFiles(migFS fs.FS) ([]string, error) {
	entries, err := fs.ReadDir(migFS, ".")
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// =============================================================================
// core.Store
// =============================================================================

// Append inserts one record.
func (s *Store) Append(ctx context.Context, rec core.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record ID cannot be empty")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	payload := rec.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orchestration_records (id, kind, schedule_id, workflow_id, recorded_at, payload)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		rec.ID, string(rec.Kind), rec.ScheduleID, rec.WorkflowID, rec.Timestamp.UTC(), payload,
	)
	if err != nil {
		return fmt.Errorf("append record %s: %w", rec.ID, err)
	}
	return nil
}

// ListRecords returns matching records in insertion order.
func (s *Store) ListRecords(ctx context.Context, filter core.RecordFilter) ([]core.Record, error) {
	query, args := buildListQuery(filter)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Record
	for rows.Next() {
		var (
			r    core.Record
			kind string
		)
		if err := rows.Scan(&r.ID, &kind, &r.ScheduleID, &r.WorkflowID, &r.Timestamp, &r.Payload); err != nil {
			return nil, err
		}
		r.Kind = core.RecordKind(kind)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func buildListQuery(f core.RecordFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Kind != "" {
		add("kind = $%d", string(f.Kind))
	}
	if f.ScheduleID != "" {
		add("schedule_id = $%d", f.ScheduleID)
	}
	if !f.Since.IsZero() {
		add("recorded_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("recorded_at < $%d", f.Until.UTC())
	}

	var b strings.Builder
	b.WriteString("SELECT id, kind, schedule_id, workflow_id, recorded_at, payload FROM orchestration_records")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY seq ASC")
	if f.Limit > 0 {
		args = append(args, f.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args
}
