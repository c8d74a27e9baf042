// Package postgres provides the PostgreSQL-backed call-history store.
//
// Calls and turns live in two tables sharing a single [pgxpool.Pool]; turn
// embeddings use the pgvector extension with an HNSW index for approximate
// nearest-neighbour recall. [Migrate] installs the extension automatically
// via CREATE EXTENSION IF NOT EXISTS and is safe to run on every start.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 768)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.StartCall(ctx, callID, caller, time.Now())
//	_ = store.SaveTurn(ctx, entry, embedding)
//	hits, _ := store.SearchSimilar(ctx, queryEmbedding, 3)
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/pkg/types"
)

// Compile-time interface check.
var _ history.Store = (*Store)(nil)

// DefaultEmbeddingDimensions is used when no embeddings provider is
// configured: the column still exists (so enabling recall later needs no
// schema change) but every row stores NULL.
const DefaultEmbeddingDimensions = 768

const ddlCalls = `
CREATE TABLE IF NOT EXISTS calls (
    call_id     TEXT         PRIMARY KEY,
    caller      TEXT         NOT NULL DEFAULT '',
    started_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at    TIMESTAMPTZ,
    end_reason  TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_calls_caller
    ON calls (caller);

CREATE INDEX IF NOT EXISTS idx_calls_started_at
    ON calls (started_at);
`

// ddlTurns returns the turns DDL with the embedding dimension substituted.
// The vector dimension is baked into the column type at schema creation time.
func ddlTurns(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS turns (
    id           BIGSERIAL    PRIMARY KEY,
    call_id      TEXT         NOT NULL,
    speaker      TEXT         NOT NULL,
    text         TEXT         NOT NULL,
    is_assistant BOOLEAN      NOT NULL DEFAULT false,
    embedding    vector(%d),
    timestamp    TIMESTAMPTZ  NOT NULL DEFAULT now(),
    duration_ns  BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_call_id
    ON turns (call_id);

CREATE INDEX IF NOT EXISTS idx_turns_timestamp
    ON turns (timestamp);

CREATE INDEX IF NOT EXISTS idx_turns_embedding
    ON turns USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

// Migrate creates or ensures the calls and turns tables and the pgvector
// extension exist. It is idempotent and safe to call on every start.
//
// embeddingDimensions must match the configured embedding model (e.g. 768
// for nomic-embed-text, 1536 for OpenAI text-embedding-3-small). Changing it
// after the first migration requires a manual schema update.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	for _, stmt := range []string{ddlCalls, ddlTurns(embeddingDimensions)} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}

// Store is the PostgreSQL-backed [history.Store]. All operations are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn, registers
// pgvector types on every connection, and runs [Migrate].
//
// embeddingDimensions must match the output dimension of the configured
// embedding model; pass [DefaultEmbeddingDimensions] when no embeddings
// provider is in play.
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so the embedding
	// column can be inserted from and scanned into pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}

	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// StartCall implements [history.Store]. Re-recording a known call ID is a
// no-op so retried events stay harmless.
func (s *Store) StartCall(ctx context.Context, callID, caller string, at time.Time) error {
	const q = `
		INSERT INTO calls (call_id, caller, started_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (call_id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, q, callID, caller, at); err != nil {
		return fmt.Errorf("history store: start call: %w", err)
	}
	return nil
}

// EndCall implements [history.Store].
func (s *Store) EndCall(ctx context.Context, callID, reason string, at time.Time) error {
	const q = `
		UPDATE calls
		SET    ended_at = $2, end_reason = $3
		WHERE  call_id = $1`

	if _, err := s.pool.Exec(ctx, q, callID, at, reason); err != nil {
		return fmt.Errorf("history store: end call: %w", err)
	}
	return nil
}

// SaveTurn implements [history.Store]. A nil embedding stores NULL, keeping
// the row out of similarity search.
func (s *Store) SaveTurn(ctx context.Context, entry types.TurnEntry, embedding []float32) error {
	const q = `
		INSERT INTO turns
		    (call_id, speaker, text, is_assistant, embedding, timestamp, duration_ns)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	var vec any
	if len(embedding) > 0 {
		vec = pgvector.NewVector(embedding)
	}

	_, err := s.pool.Exec(ctx, q,
		entry.CallID,
		entry.Speaker,
		entry.Text,
		entry.IsAssistant,
		vec,
		entry.Timestamp,
		entry.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("history store: save turn: %w", err)
	}
	return nil
}

// SearchSimilar implements [history.Store]. Results are ordered by ascending
// cosine distance (most similar first); rows without an embedding never
// match.
func (s *Store) SearchSimilar(ctx context.Context, embedding []float32, k int) ([]history.SimilarTurn, error) {
	const q = `
		SELECT call_id, speaker, text, is_assistant, timestamp, duration_ns,
		       embedding <=> $1 AS distance
		FROM   turns
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("history store: search similar: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.SimilarTurn, error) {
		var (
			st         history.SimilarTurn
			durationNS int64
		)
		if err := row.Scan(
			&st.Entry.CallID,
			&st.Entry.Speaker,
			&st.Entry.Text,
			&st.Entry.IsAssistant,
			&st.Entry.Timestamp,
			&durationNS,
			&st.Distance,
		); err != nil {
			return history.SimilarTurn{}, err
		}
		st.Entry.Duration = time.Duration(durationNS)
		return st, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history store: scan rows: %w", err)
	}
	if results == nil {
		results = []history.SimilarTurn{}
	}
	return results, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
