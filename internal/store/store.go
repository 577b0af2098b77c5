package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/xkilldash9x/swarmwatch/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Schema is the DDL for the durable graph and alert log. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    created_at TIMESTAMPTZ NOT NULL,
    last_active TIMESTAMPTZ NOT NULL,
    post_count INTEGER NOT NULL DEFAULT 0,
    activity_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    rate_updated_at TIMESTAMPTZ,
    scores JSONB NOT NULL DEFAULT '{}',
    suspected_troll BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS contents (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    author_id TEXT NOT NULL,
    "timestamp" TIMESTAMPTZ NOT NULL,
    original_id TEXT,
    mentions TEXT[] NOT NULL DEFAULT '{}',
    topics TEXT[] NOT NULL DEFAULT '{}',
    repost_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS edges (
    kind TEXT NOT NULL,
    from_id TEXT NOT NULL,
    to_id TEXT NOT NULL,
    "timestamp" TIMESTAMPTZ NOT NULL,
    score DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ,
    PRIMARY KEY (kind, from_id, to_id)
);
CREATE TABLE IF NOT EXISTS alert_transitions (
    alert_id UUID NOT NULL,
    subject_primary TEXT NOT NULL,
    subject_secondary TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    old_state TEXT NOT NULL,
    new_state TEXT NOT NULL,
    score DOUBLE PRECISION NOT NULL,
    "timestamp" TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (alert_id, new_state, "timestamp")
);
`

const (
	upsertAccountSQL = `
        INSERT INTO accounts (id, created_at, last_active, post_count, activity_rate, rate_updated_at, scores, suspected_troll)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            created_at = LEAST(accounts.created_at, EXCLUDED.created_at),
            last_active = GREATEST(accounts.last_active, EXCLUDED.last_active),
            post_count = GREATEST(accounts.post_count, EXCLUDED.post_count),
            activity_rate = EXCLUDED.activity_rate,
            rate_updated_at = EXCLUDED.rate_updated_at,
            scores = EXCLUDED.scores,
            suspected_troll = EXCLUDED.suspected_troll;
    `
	recordContentSQL = `
        INSERT INTO contents (id, kind, author_id, "timestamp", original_id, mentions, topics, repost_count)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (id) DO UPDATE SET
            repost_count = GREATEST(contents.repost_count, EXCLUDED.repost_count);
    `
	recordEdgeSQL = `
        INSERT INTO edges (kind, from_id, to_id, "timestamp", score, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (kind, from_id, to_id) DO UPDATE SET
            score = EXCLUDED.score,
            updated_at = EXCLUDED.updated_at
        WHERE edges.kind = 'COORDINATES_WITH' AND EXCLUDED.updated_at >= edges.updated_at;
    `
	insertTransitionSQL = `
        INSERT INTO alert_transitions (alert_id, subject_primary, subject_secondary, kind, old_state, new_state, score, "timestamp")
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (alert_id, new_state, "timestamp") DO NOTHING;
    `
	listTransitionsSQL = `
        SELECT alert_id, subject_primary, subject_secondary, kind, old_state, new_state, score, "timestamp"
        FROM alert_transitions
        WHERE "timestamp" >= $1
        ORDER BY "timestamp" ASC, alert_id ASC
        LIMIT $2;
    `
)

// Store is the PostgreSQL mutation and alert sink. Every write is an upsert, so
// re-applying a batch after a partial failure is safe.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var (
	_ schemas.MutationSink = (*Store)(nil)
	_ schemas.AlertSink    = (*Store)(nil)
)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Apply persists a batch of graph mutations in a single transaction.
func (s *Store) Apply(ctx context.Context, mutations []schemas.Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, m := range mutations {
			if err := s.applyOne(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) applyOne(ctx context.Context, tx pgx.Tx, m schemas.Mutation) error {
	switch {
	case m.Op == schemas.OpUpsertAccount && m.Account != nil:
		a := m.Account
		scores, err := json.Marshal(a.Scores)
		if err != nil {
			return fmt.Errorf("failed to encode scores for account %s: %w", a.ID, err)
		}
		if a.Scores == nil {
			scores = []byte("{}")
		}
		if _, err := tx.Exec(ctx, upsertAccountSQL,
			a.ID, a.CreatedAt, a.LastActive, a.PostCount, a.ActivityRate, nullTime(a.RateUpdatedAt), scores, a.SuspectedTroll,
		); err != nil {
			return fmt.Errorf("failed to upsert account %s: %w", a.ID, err)
		}

	case m.Op == schemas.OpRecordContent && m.Content != nil:
		c := m.Content
		if _, err := tx.Exec(ctx, recordContentSQL,
			c.ID, string(c.Kind), c.AuthorID, c.Timestamp, nullString(c.OriginalID), nonNil(c.Mentions), nonNil(c.Topics), c.RepostCount,
		); err != nil {
			return fmt.Errorf("failed to record content %s: %w", c.ID, err)
		}

	case m.Op == schemas.OpRecordEdge && m.Edge != nil:
		e := m.Edge
		if _, err := tx.Exec(ctx, recordEdgeSQL,
			string(e.Kind), e.From, e.To, e.Timestamp, e.Score, nullTime(e.UpdatedAt),
		); err != nil {
			return fmt.Errorf("failed to record edge %s %s->%s: %w", e.Kind, e.From, e.To, err)
		}

	default:
		return fmt.Errorf("unsupported mutation %q without matching payload", m.Op)
	}
	return nil
}

// Publish appends alert transitions to the alert log. Re-published transitions are ignored.
func (s *Store) Publish(ctx context.Context, transitions []schemas.AlertTransition) error {
	if len(transitions) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		for _, t := range transitions {
			if _, err := tx.Exec(ctx, insertTransitionSQL,
				t.AlertID, t.Subject.Primary, t.Subject.Secondary, string(t.Kind),
				string(t.OldState), string(t.NewState), t.Score, t.Timestamp,
			); err != nil {
				return fmt.Errorf("failed to insert transition for alert %s: %w", t.AlertID, err)
			}
		}
		return nil
	})
}

// ListTransitions returns up to limit transitions at or after since, oldest first.
func (s *Store) ListTransitions(ctx context.Context, since time.Time, limit int) ([]schemas.AlertTransition, error) {
	rows, err := s.pool.Query(ctx, listTransitionsSQL, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert transitions: %w", err)
	}
	defer rows.Close()

	var out []schemas.AlertTransition
	for rows.Next() {
		var t schemas.AlertTransition
		var kind, oldState, newState string
		if err := rows.Scan(
			&t.AlertID, &t.Subject.Primary, &t.Subject.Secondary, &kind,
			&oldState, &newState, &t.Score, &t.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("failed to scan alert transition row: %w", err)
		}
		t.Kind = schemas.DetectorKind(kind)
		t.OldState = schemas.AlertState(oldState)
		t.NewState = schemas.AlertState(newState)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && rollbackErr != pgx.ErrTxClosed {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
