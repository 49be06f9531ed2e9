// Package sqlite implements store.Storage on a local SQLite file using the
// pure-Go driver, so no CGO is required. Schema changes ship as embedded
// migrations applied on open.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/gentlabs/gent/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed store.Storage. A single connection serialises all
// writers, which sidesteps SQLITE_BUSY under concurrent actors.
type Store struct {
	db *sql.DB
}

var _ store.Storage = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

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
		return fmt.Errorf("sqlite: load migrations: %w", err)
	}
	drv, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("sqlite: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("sqlite: migrate up: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func ts(t time.Time) int64     { return t.UTC().UnixNano() }
func fromTS(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func (s *Store) CreateSession(ctx context.Context, sess *store.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, cwd, bypass, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.Cwd, boolInt(sess.Bypass), ts(sess.CreatedAt), ts(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cwd, bypass, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, sess *store.Session) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET name = ?, cwd = ?, bypass = ?, updated_at = ? WHERE id = ?`,
		sess.Name, sess.Cwd, boolInt(sess.Bypass), ts(sess.UpdatedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update session: %w", err)
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
		 WHERE (? = '' OR cwd = ?) ORDER BY updated_at DESC`, cwd, cwd)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list sessions: %w", err)
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
		bypass           int64
		created, updated int64
	)
	err := row.Scan(&sess.ID, &sess.Name, &sess.Cwd, &bypass, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan session: %w", err)
	}
	sess.Bypass = bypass != 0
	sess.CreatedAt = fromTS(created)
	sess.UpdatedAt = fromTS(updated)
	return &sess, nil
}

func (s *Store) CreateBranch(ctx context.Context, b *store.Branch) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO branches (id, session_id, parent_branch_id, parent_message_id, name, model, summary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.ParentBranchID, b.ParentMessageID, b.Name, b.Model, b.Summary, ts(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create branch: %w", err)
	}
	return nil
}

const branchCols = `id, session_id, parent_branch_id, parent_message_id, name, model, summary, created_at`

func (s *Store) GetBranch(ctx context.Context, id string) (*store.Branch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+branchCols+` FROM branches WHERE id = ?`, id)
	return scanBranch(row)
}

func (s *Store) UpdateBranch(ctx context.Context, b *store.Branch) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET name = ?, model = ?, summary = ? WHERE id = ?`,
		b.Name, b.Model, b.Summary, b.ID)
	if err != nil {
		return fmt.Errorf("sqlite: update branch: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListBranches(ctx context.Context, sessionID string) ([]*store.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+branchCols+` FROM branches WHERE session_id = ? ORDER BY created_at, seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list branches: %w", err)
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
		`SELECT `+branchCols+` FROM branches WHERE session_id = ? ORDER BY created_at DESC, seq DESC LIMIT 1`,
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
		return nil, fmt.Errorf("sqlite: scan branch: %w", err)
	}
	b.CreatedAt = fromTS(created)
	return &b, nil
}

func (s *Store) CreateMessage(ctx context.Context, m *store.Message) error {
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return fmt.Errorf("sqlite: encode parts: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, branch_id, role, parts, created_at, turn_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.BranchID, string(m.Role), string(parts), ts(m.CreatedAt), m.TurnDurationMs)
	if err != nil {
		return fmt.Errorf("sqlite: create message: %w", err)
	}
	return nil
}

const messageCols = `id, session_id, branch_id, role, parts, created_at, turn_duration_ms`

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageCols+` FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

func (s *Store) ListMessages(ctx context.Context, branchID string) ([]*store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE branch_id = ? ORDER BY seq`, branchID)
}

func (s *Store) ListMessagesAfter(ctx context.Context, branchID, afterMessageID string) ([]*store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages
		 WHERE branch_id = ? AND seq > (SELECT seq FROM messages WHERE id = ?)
		 ORDER BY seq`, branchID, afterMessageID)
}

func (s *Store) ListMessagesSince(ctx context.Context, branchID string, since time.Time) ([]*store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageCols+` FROM messages WHERE branch_id = ? AND created_at > ? ORDER BY seq`,
		branchID, ts(since))
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]*store.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query messages: %w", err)
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
		parts   string
		created int64
	)
	err := row.Scan(&m.ID, &m.SessionID, &m.BranchID, &role, &parts, &created, &m.TurnDurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return nil, fmt.Errorf("sqlite: decode parts: %w", err)
	}
	m.Role = store.Role(role)
	m.CreatedAt = fromTS(created)
	return &m, nil
}

func (s *Store) CreateCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, kind, branch_id, summary, first_kept_message_id, plan_path, message_count, token_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, string(cp.Kind), cp.BranchID, cp.Summary, cp.FirstKeptMessageID, cp.PlanPath,
		cp.MessageCount, cp.TokenCount, ts(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: create checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetLatestCheckpoint(ctx context.Context, branchID string) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, kind, branch_id, summary, first_kept_message_id, plan_path, message_count, token_count, created_at
		 FROM checkpoints WHERE branch_id = ? ORDER BY seq DESC LIMIT 1`, branchID)

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
		return nil, fmt.Errorf("sqlite: scan checkpoint: %w", err)
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, session_id, branch_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.Type, rec.SessionID, rec.BranchID, payload, ts(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sqlite: event id: %w", err)
	}
	rec.ID = uint64(id)
	return nil
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]*store.EventRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, session_id, branch_id, payload, created_at FROM events
		 WHERE session_id = ? AND id > ? AND (? = '' OR branch_id = '' OR branch_id = ?)
		 ORDER BY id`,
		f.SessionID, f.AfterID, f.BranchID, f.BranchID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer rows.Close()

	var out []*store.EventRecord
	for rows.Next() {
		var (
			rec     store.EventRecord
			payload sql.NullString
			created int64
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.SessionID, &rec.BranchID, &payload, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if payload.Valid {
			rec.Payload = json.RawMessage(payload.String)
		}
		rec.CreatedAt = fromTS(created)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *Store) GetLatestEventID(ctx context.Context, f store.EventFilter) (uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events
		 WHERE session_id = ? AND (? = '' OR branch_id = '' OR branch_id = ?)`,
		f.SessionID, f.BranchID, f.BranchID)
	var id uint64
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("sqlite: latest event id: %w", err)
	}
	return id, nil
}
