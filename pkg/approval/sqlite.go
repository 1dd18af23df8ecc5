package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	project_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	duration_seconds INTEGER NOT NULL,
	metadata TEXT NOT NULL,
	status TEXT NOT NULL,
	decisions TEXT NOT NULL,
	requested_at INTEGER NOT NULL,
	resolved_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_approval_requests_status ON approval_requests(status);
CREATE INDEX IF NOT EXISTS idx_approval_requests_org ON approval_requests(org_id, requested_at);
`

const requestColumns = `id, org_id, project_id, agent_id, scope, duration_seconds, metadata, status, decisions, requested_at, resolved_at`

// SQLiteStore keeps approval requests in a local SQLite database. Writes are
// status-guarded so a request is resolved at most once.
type SQLiteStore struct {
	DB *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout=5000"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteStore{DB: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.DB.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, r Request) error {
	md, decisions, err := encodeJSONColumns(r)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO approval_requests(`+requestColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.OrgID, r.ProjectID, r.AgentID, r.Scope, r.DurationSeconds, md, string(r.Status), decisions,
		r.RequestedAt.UnixNano(), nullableNanos(r.ResolvedAt))
	return err
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Request, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=?`, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	return r, err
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Request, error) {
	var (
		where []string
		args  []any
	)
	if f.OrgID != "" {
		where = append(where, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + requestColumns + ` FROM approval_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY requested_at DESC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Update reads, applies fn and writes back only if the stored status is
// still the one fn saw.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Request) error) (Request, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	r, err := scanRequest(tx.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrNotFound
	}
	if err != nil {
		return Request{}, err
	}
	prev := r.Status
	if err := fn(&r); err != nil {
		return Request{}, err
	}
	md, decisions, err := encodeJSONColumns(r)
	if err != nil {
		return Request{}, err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE approval_requests
		SET status=?, decisions=?, metadata=?, resolved_at=?
		WHERE id=? AND status=?
	`, string(r.Status), decisions, md, nullableNanos(r.ResolvedAt), id, string(prev))
	if err != nil {
		return Request{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Request{}, ErrAlreadyResolved
	}
	if err := tx.Commit(); err != nil {
		return Request{}, err
	}
	return r, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r           Request
		status      string
		md, dec     string
		requestedAt int64
		resolvedAt  sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.OrgID, &r.ProjectID, &r.AgentID, &r.Scope, &r.DurationSeconds, &md, &status, &dec, &requestedAt, &resolvedAt); err != nil {
		return Request{}, err
	}
	r.Status = Status(status)
	r.RequestedAt = time.Unix(0, requestedAt).UTC()
	if resolvedAt.Valid {
		at := time.Unix(0, resolvedAt.Int64).UTC()
		r.ResolvedAt = &at
	}
	if md != "" && md != "null" {
		if err := json.Unmarshal([]byte(md), &r.Metadata); err != nil {
			return Request{}, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(dec), &r.Decisions); err != nil {
		return Request{}, fmt.Errorf("decode decisions for %s: %w", r.ID, err)
	}
	if r.Decisions == nil {
		r.Decisions = []Decision{}
	}
	return r, nil
}

func encodeJSONColumns(r Request) (string, string, error) {
	md, err := json.Marshal(r.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	decisions := r.Decisions
	if decisions == nil {
		decisions = []Decision{}
	}
	dec, err := json.Marshal(decisions)
	if err != nil {
		return "", "", fmt.Errorf("encode decisions: %w", err)
	}
	return string(md), string(dec), nil
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}
