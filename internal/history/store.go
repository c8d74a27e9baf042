// Package history persists call lifecycles and per-turn transcripts, and
// answers similarity queries so the pipeline can recall past exchanges.
//
// The package defines the [Store] interface plus the [Recorder] event sink
// that feeds a Store from call events without ever blocking the turn path.
// The PostgreSQL implementation lives in the postgres subpackage.
package history

import (
	"context"
	"time"

	"github.com/MrWong99/voxline/pkg/types"
)

// Store persists call rows and turn transcripts and retrieves similar past
// turns by embedding distance.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// StartCall records that a call began. Calling it again for the same
	// callID is a no-op.
	StartCall(ctx context.Context, callID, caller string, at time.Time) error

	// EndCall marks the call as finished with the given end reason.
	EndCall(ctx context.Context, callID, reason string, at time.Time) error

	// SaveTurn appends one transcript entry. embedding may be nil when no
	// embeddings provider is configured; such turns are excluded from
	// similarity search.
	SaveTurn(ctx context.Context, entry types.TurnEntry, embedding []float32) error

	// SearchSimilar returns up to k stored turns closest to the query
	// embedding by cosine distance, most similar first.
	SearchSimilar(ctx context.Context, embedding []float32, k int) ([]SimilarTurn, error)

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}

// SimilarTurn is one similarity-search hit.
type SimilarTurn struct {
	Entry types.TurnEntry

	// Distance is the cosine distance to the query embedding; smaller is
	// more similar.
	Distance float64
}

// SpeakerNote marks turn rows that hold a note the assistant recorded on the
// caller's behalf rather than spoken conversation. Caller and assistant rows
// use the speaker strings from [types.TurnEntry].
const SpeakerNote = "note"
