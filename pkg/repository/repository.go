package repository

import (
	"context"
	"sort"

	"github.com/m-mizutani/keepr/pkg/model"
)

// Repository defines the interface for memory persistence and vector search
type Repository interface {
	// Upsert stores a memory, replacing any record with the same ID
	Upsert(ctx context.Context, memory *model.Memory) error

	// Query returns up to topK memories ranked by descending cosine similarity.
	// Equal scores keep insertion order.
	Query(ctx context.Context, vector []float32, topK int) (*QueryResult, error)

	// Fetch retrieves a memory by ID. A missing ID wraps model.ErrNotFound.
	Fetch(ctx context.Context, id model.MemoryID) (*model.Memory, error)

	// Delete removes a memory by ID. A missing ID wraps model.ErrNotFound.
	Delete(ctx context.Context, id model.MemoryID) error

	// List returns up to limit memories, newest first. limit <= 0 means every memory.
	List(ctx context.Context, limit int) ([]*model.Memory, error)

	// Name identifies the backend in responses and logs
	Name() string
}

type QueryResult struct {
	Matches []*model.Match
	// Backend is the name of the backend that served the query
	Backend string
}

// rank sorts matches by score descending and keeps topK. The sort is stable, so
// matches given in insertion order stay in insertion order on equal scores.
func rank(matches []*model.Match, topK int) []*model.Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// byCreation orders matches oldest first. Durable backends do not keep insertion
// order, so creation time stands in for it before ranking.
func byCreation(matches []*model.Match) []*model.Match {
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Memory.CreatedAt.Before(matches[j].Memory.CreatedAt)
	})
	return matches
}

// newestFirst orders memories by creation time descending and keeps limit
func newestFirst(memories []*model.Memory, limit int) []*model.Memory {
	sort.SliceStable(memories, func(i, j int) bool {
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	if limit > 0 && len(memories) > limit {
		memories = memories[:limit]
	}
	return memories
}
