package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/voxline/internal/history"
	"github.com/MrWong99/voxline/internal/history/postgres"
	"github.com/MrWong99/voxline/pkg/types"
)

const testEmbeddingDim = 4

// testDSN returns the test database DSN from the environment, or skips the
// test if VOXLINE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("VOXLINE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("VOXLINE_TEST_POSTGRES_DSN not set — skipping PostgreSQL integration tests")
	}
	return dsn
}

// newTestStore creates a fresh [postgres.Store] with a clean schema.
// It calls t.Cleanup to close the store when the test finishes.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	cleanPool := mustPool(t, ctx, dsn)
	t.Cleanup(cleanPool.Close)
	dropSchema(t, ctx, cleanPool)

	store, err := postgres.NewStore(ctx, dsn, testEmbeddingDim)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// mustPool opens a pgxpool with pgvector types registered.
func mustPool(t *testing.T, ctx context.Context, dsn string) *pgxpool.Pool {
	t.Helper()
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		// best-effort: pgvector may not be installed yet on a fresh DB
		_ = pgxvec.RegisterTypes(ctx, conn)
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	return pool
}

// dropSchema removes all tables created by Migrate.
func dropSchema(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS turns CASCADE",
		"DROP TABLE IF EXISTS calls CASCADE",
	} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			t.Fatalf("dropSchema %q: %v", stmt, err)
		}
	}
}

func TestCallLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Minute).Truncate(time.Millisecond)
	if err := store.StartCall(ctx, "call-1", "sip:100@pbx.example.com", started); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	// Duplicate start must be a no-op, not an error.
	if err := store.StartCall(ctx, "call-1", "sip:100@pbx.example.com", started); err != nil {
		t.Fatalf("StartCall (duplicate): %v", err)
	}

	ended := time.Now().Truncate(time.Millisecond)
	if err := store.EndCall(ctx, "call-1", "remote_bye", ended); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
}

func TestSaveTurnAndSearchSimilar(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Truncate(time.Millisecond)
	turns := []struct {
		entry     types.TurnEntry
		embedding []float32
	}{
		{
			entry: types.TurnEntry{
				CallID: "call-1", Speaker: "caller",
				Text: "what are your opening hours", Timestamp: now,
				Duration: 2 * time.Second,
			},
			embedding: []float32{1, 0, 0, 0},
		},
		{
			entry: types.TurnEntry{
				CallID: "call-1", Speaker: "assistant", IsAssistant: true,
				Text: "we are open nine to five", Timestamp: now.Add(time.Second),
			},
			embedding: []float32{0.9, 0.1, 0, 0},
		},
		{
			entry: types.TurnEntry{
				CallID: "call-2", Speaker: "caller",
				Text: "I want to cancel my order", Timestamp: now.Add(time.Minute),
			},
			embedding: []float32{0, 0, 1, 0},
		},
	}
	for _, tc := range turns {
		if err := store.SaveTurn(ctx, tc.entry, tc.embedding); err != nil {
			t.Fatalf("SaveTurn(%q): %v", tc.entry.Text, err)
		}
	}

	hits, err := store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 2)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Entry.Text != "what are your opening hours" {
		t.Errorf("top hit = %q, want the matching caller turn", hits[0].Entry.Text)
	}
	if hits[0].Distance > hits[1].Distance {
		t.Errorf("hits not ordered by distance: %v then %v", hits[0].Distance, hits[1].Distance)
	}
	if hits[1].Entry.Text != "we are open nine to five" {
		t.Errorf("second hit = %q, want the near assistant turn", hits[1].Entry.Text)
	}
}

func TestSaveTurnWithoutEmbedding(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := types.TurnEntry{
		CallID: "call-1", Speaker: "caller",
		Text: "untracked utterance", Timestamp: time.Now(),
	}
	if err := store.SaveTurn(ctx, entry, nil); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	// NULL-embedding rows must never appear in similarity results.
	hits, err := store.SearchSimilar(ctx, []float32{1, 0, 0, 0}, 10)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	for _, h := range hits {
		if h.Entry.Text == "untracked utterance" {
			t.Error("turn without embedding surfaced in similarity search")
		}
	}
}

func TestSearchSimilarEmptyStore(t *testing.T) {
	store := newTestStore(t)

	hits, err := store.SearchSimilar(context.Background(), []float32{1, 0, 0, 0}, 5)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if hits == nil {
		t.Error("expected empty slice, got nil")
	}
	if len(hits) != 0 {
		t.Errorf("got %d hits from empty store, want 0", len(hits))
	}
}

func TestNoteTurnRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	entry := types.TurnEntry{
		CallID: "call-1", Speaker: history.SpeakerNote, IsAssistant: true,
		Text: "caller asks for a callback on Monday", Timestamp: time.Now(),
	}
	if err := store.SaveTurn(ctx, entry, []float32{0, 1, 0, 0}); err != nil {
		t.Fatalf("SaveTurn: %v", err)
	}

	hits, err := store.SearchSimilar(ctx, []float32{0, 1, 0, 0}, 1)
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Entry.Speaker != history.SpeakerNote {
		t.Errorf("speaker = %q, want %q", hits[0].Entry.Speaker, history.SpeakerNote)
	}
}

func TestPing(t *testing.T) {
	store := newTestStore(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()

	pool := mustPool(t, ctx, dsn)
	t.Cleanup(pool.Close)
	dropSchema(t, ctx, pool)

	for i := 0; i < 2; i++ {
		if err := postgres.Migrate(ctx, pool, testEmbeddingDim); err != nil {
			t.Fatalf("Migrate (run %d): %v", i+1, err)
		}
	}
}
