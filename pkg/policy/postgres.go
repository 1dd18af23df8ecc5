package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kagehq/keys-sub000/pkg/clock"
)

type policyDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore persists policies with their rules as JSONB.
type PostgresStore struct {
	DB    policyDB
	Clock clock.Clock
}

const policyColumns = `id, org_id, name, active, rules, created_at, updated_at`

func (s *PostgresStore) List(ctx context.Context, orgID string) ([]Policy, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+policyColumns+`
		FROM policies WHERE ($1 = '' OR org_id = $1)
		ORDER BY created_at ASC, id ASC
	`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Policy, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+policyColumns+` FROM policies WHERE id=$1`, id)
	p, err := scanPolicy(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) Put(ctx context.Context, p Policy) (Policy, error) {
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return Policy{}, fmt.Errorf("encode rules: %w", err)
	}
	now := clock.OrReal(s.Clock).Now().UTC().Truncate(time.Microsecond)
	row := s.DB.QueryRow(ctx, `
		INSERT INTO policies (id, org_id, name, active, rules, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT (id) DO UPDATE SET
			org_id = EXCLUDED.org_id,
			name = EXCLUDED.name,
			active = EXCLUDED.active,
			rules = EXCLUDED.rules,
			updated_at = EXCLUDED.updated_at
		RETURNING `+policyColumns, p.ID, p.OrgID, p.Name, p.Active, rules, now)
	return scanPolicy(row)
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM policies WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPolicy(row pgx.Row) (Policy, error) {
	var (
		p     Policy
		rules []byte
	)
	if err := row.Scan(&p.ID, &p.OrgID, &p.Name, &p.Active, &rules, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return Policy{}, err
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &p.Rules); err != nil {
			return Policy{}, fmt.Errorf("decode rules for %s: %w", p.ID, err)
		}
	}
	return p, nil
}
