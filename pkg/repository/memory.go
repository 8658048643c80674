package repository

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/embedding"
	"github.com/m-mizutani/keepr/pkg/model"
)

// Memory keeps memories in process. Records are held in insertion order.
type Memory struct {
	mu    sync.RWMutex
	items []*model.Memory
}

func NewMemory() *Memory {
	return &Memory{}
}

func (r *Memory) Name() string {
	return "memory"
}

func (r *Memory) Upsert(ctx context.Context, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i, item := range r.items {
		if item.ID == memory.ID {
			r.items[i] = memory
			return nil
		}
	}
	r.items = append(r.items, memory)
	return nil
}

func (r *Memory) Query(ctx context.Context, vector []float32, topK int) (*QueryResult, error) {
	result := &QueryResult{Backend: r.Name()}
	if topK <= 0 {
		return result, nil
	}

	r.mu.RLock()
	matches := make([]*model.Match, 0, len(r.items))
	for _, item := range r.items {
		matches = append(matches, &model.Match{
			Memory: item,
			Score:  embedding.Cosine(vector, item.Embedding),
		})
	}
	r.mu.RUnlock()

	result.Matches = rank(matches, topK)
	return result, nil
}

func (r *Memory) Fetch(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, item := range r.items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
}

func (r *Memory) Delete(ctx context.Context, id model.MemoryID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, item := range r.items {
		if item.ID == id {
			r.items = append(r.items[:i], r.items[i+1:]...)
			return nil
		}
	}
	return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
}

func (r *Memory) List(ctx context.Context, limit int) ([]*model.Memory, error) {
	r.mu.RLock()
	memories := append([]*model.Memory(nil), r.items...)
	r.mu.RUnlock()

	return newestFirst(memories, limit), nil
}

// Len returns the number of stored memories
func (r *Memory) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}
