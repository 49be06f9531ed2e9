// Package pg implements store.Storage on PostgreSQL via the pgx stdlib
// driver. It mirrors the sqlite backend's semantics exactly so the core
// behaves identically across the two; only the dialect differs.
package pg

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/gentlabs/gent/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a PostgreSQL-backed store.Storage.
type Store struct {
	db *sql.DB
}

var _ store.Storage = (*Store)(nil)

// Open connects to the database at dsn and applies pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("pg: load migrations: %w", err)
	}
	drv, err := migratepgx.WithInstance(s.db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("pg: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", drv)
	if err != nil {
		return fmt.Errorf("pg: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("pg: migrate up: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// NewMigrator builds a migrator over the embedded migrations for external
// control (version, force, goto, drop). Open applies pending migrations
// itself; this is for the migrate CLI.
func NewMigrator(dsn string) (*migrate.Migrate, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: open: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: load migrations: %w", err)
	}
	drv, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "pgx", drv)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("pg: migrator: %w", err)
	}
	return m, nil
}

func ts(t time.Time) int64     { return t.UTC().UnixNano() }
func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, cwd, bypass, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.Name, sess.Cwd, sess.Bypass, ts(sess.CreatedAt), ts(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("pg: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cwd, bypass, created_at, updated_at FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = $1, cwd = $2, bypass = $3, updated_at = $4 WHERE id = $5`,
		sess.Name, sess.Cwd, sess.Bypass, ts(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("pg: update session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListSessions(ctx context.Context, cwd string) ([]*store.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, cwd, bypass, created_at, updated_at FROM sessions
		 WHERE ($1 = '' OR cwd = $1) ORDER BY updated_at DESC`, cwd)
	if err != nil {
		return nil, fmt.Errorf("pg: list sessions: %w", err)
	}
	defer rows.Close()

	var out []*store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanSession(row rowScanner) (*store.Session, error) {
	var (
		sess             store.Session
		created, updated int64
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Cwd, &sess.Bypass, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan session: %w", err)
	}
	sess.CreatedAt = fromTS(created)
	sess.UpdatedAt = fromTS(updated)
	return &sess, nil
}

func (s *Store) CreateBranch(ctx context.Context, b *store.Branch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, session_id, parent_branch_id, parent_message_id, name, model, summary, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		b.ID, b.SessionID, b.ParentBranchID, b.ParentMessageID, b.Name, b.Model, b.Summary, ts(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("pg: create branch: %w", err)
	}
	return nil
}

const branchCols = `id, session_id, parent_branch_id, parent_message_id, name, model, summary, created_at`

func (s *Store) GetBranch(ctx context.Context, id string) (*store.Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchCols+` FROM branches WHERE id = $1`, id)
	return scanBranch(row)
}

func (s *Store) UpdateBranch(ctx context.Context, b *store.Branch) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET name = $1, model = $2, summary = $3 WHERE id = $4`,
		b.Name, b.Model, b.Summary, b.ID)
	if err != nil {
		return fmt.Errorf("pg: update branch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]*store.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+branchCols+` FROM branches WHERE session_id = $1 ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pg: list branches: %w", err)
	}
	defer rows.Close()

	var out []*store.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestBranch(ctx context.Context, sessionID string) (*store.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+branchCols+` FROM branches WHERE session_id = $1 ORDER BY created_at DESC, seq DESC LIMIT 1`,
		sessionID)
	return scanBranch(row)
}

func scanBranch(row rowScanner) (*store.Branch, error) {
	var (
		b       store.Branch
		created int64
	)
	err := row.Scan(&b.ID, &b.SessionID, &b.ParentBranchID, &b.ParentMessageID, &b.Name, &b.Model, &b.Summary, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan branch: %w", err)
	}
	b.CreatedAt = fromTS(created)
	return &b, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *store.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("pg: encode parts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, branch_id, role, parts, created_at, turn_duration_ms)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		m.ID, m.SessionID, m.BranchID, string(m.Role), string(parts), ts(m.CreatedAt), m.TurnDurationMs)
	if err != nil {
		return fmt.Errorf("pg: create message: %w", err)
	}
	return nil
}

const messageCols = `id, session_id, branch_id, role, parts, created_at, turn_duration_ms`

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

func (s *Store) ListMessages(ctx context.Context, branchID string) ([]*store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE branch_id = $1 ORDER BY seq`, branchID)
}

func (s *Store) ListMessagesAfter(ctx context.Context, branchID, afterMessageID string) ([]*store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE branch_id = $1 AND seq > (SELECT seq FROM messages WHERE id = $2)
		 ORDER BY seq`, branchID, afterMessageID)
}

func (s *Store) ListMessagesSince(ctx context.Context, branchID string, since time.Time) ([]*store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE branch_id = $1 AND created_at > $2 ORDER BY seq`,
		branchID, ts(since))
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg: query messages: %w", err)
	}
	defer rows.Close()

	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row rowScanner) (*store.Message, error) {
	var (
		m       store.Message
		role    string
		parts   []byte
		created int64
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.BranchID, &role, &parts, &created, &m.TurnDurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan message: %w", err)
	}
	if err := json.Unmarshal(parts, &m.Parts); err != nil {
		return nil, fmt.Errorf("pg: decode parts: %w", err)
	}
	m.Role = store.Role(role)
	m.CreatedAt = fromTS(created)
	return &m, nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, kind, branch_id, summary, first_kept_message_id, plan_path, message_count, token_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		cp.ID, string(cp.Kind), cp.BranchID, cp.Summary, cp.FirstKeptMessageID, cp.PlanPath,
		cp.MessageCount, cp.TokenCount, ts(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("pg: create checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, branchID string) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, branch_id, summary, first_kept_message_id, plan_path, message_count, token_count, created_at
		 FROM checkpoints WHERE branch_id = $1 ORDER BY seq DESC LIMIT 1`, branchID)

	var (
		cp      store.Checkpoint
		kind    string
		created int64
	)
	err := row.Scan(&cp.ID, &kind, &cp.BranchID, &cp.Summary, &cp.FirstKeptMessageID, &cp.PlanPath,
		&cp.MessageCount, &cp.TokenCount, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pg: scan checkpoint: %w", err)
	}
	cp.Kind = store.CheckpointKind(kind)
	cp.CreatedAt = fromTS(created)
	return &cp, nil
}

func (s *Store) AppendEvent(ctx context.Context, rec *store.EventRecord) error {
	var payload any
	if rec.Payload != nil {
		payload = string(rec.Payload)
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO events (type, session_id, branch_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		rec.Type, rec.SessionID, rec.BranchID, payload, ts(rec.CreatedAt))
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("pg: append event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]*store.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, session_id, branch_id, payload, created_at FROM events
		 WHERE session_id = $1 AND id > $2 AND ($3 = '' OR branch_id = '' OR branch_id = $3)
		 ORDER BY id`,
		f.SessionID, f.AfterID, f.BranchID)
	if err != nil {
		return nil, fmt.Errorf("pg: list events: %w", err)
	}
	defer rows.Close()

	var out []*store.EventRecord
	for rows.Next() {
		var (
			rec     store.EventRecord
			payload []byte
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.SessionID, &rec.BranchID, &payload, &created); err != nil {
			return nil, fmt.Errorf("pg: scan event: %w", err)
		}
		if payload != nil {
			rec.Payload = json.RawMessage(payload)
		}
		rec.CreatedAt = fromTS(created)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestEventID(ctx context.Context, f store.EventFilter) (uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events
		 WHERE session_id = $1 AND ($2 = '' OR branch_id = '' OR branch_id = $2)`,
		f.SessionID, f.BranchID)
	var id uint64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("pg: latest event id: %w", err)
	}
	return id, nil
}
