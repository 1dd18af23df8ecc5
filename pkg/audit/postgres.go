package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresStore struct {
	DB auditDB
}

const recordColumns = `ts, agent, scope, duration_ms, status, route, method, provider_latency_ms, credential_id, credential_hash, error`

func (s *PostgresStore) Append(ctx context.Context, rec Record) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO audit_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.Timestamp.UTC(), rec.Agent, rec.Scope, rec.DurationMS, rec.Status, rec.Route, rec.Method,
		rec.ProviderLatencyMS, rec.CredentialID, rec.CredentialHash, rec.Error)
	return err
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if !f.From.IsZero() {
		add("ts >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("ts <= $%d", f.To.UTC())
	}
	if f.Agent != "" {
		add("agent = $%d", f.Agent)
	}
	if f.Scope != "" {
		add("scope = $%d", f.Scope)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	q := `SELECT ` + recordColumns + ` FROM audit_records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY ts ASC, id ASC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.DB.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []Record{}
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Timestamp, &rec.Agent, &rec.Scope, &rec.DurationMS, &rec.Status, &rec.Route,
			&rec.Method, &rec.ProviderLatencyMS, &rec.CredentialID, &rec.CredentialHash, &rec.Error); err != nil {
			return nil, err
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}
