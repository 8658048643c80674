package repository

import (
	"context"
	"errors"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

// Fallback fronts an optional durable primary with an in-process list. Writes
// that the primary rejects land in the list, and every query merges both, so a
// memory accepted during an outage stays searchable.
type Fallback struct {
	primary Repository
	local   *Memory
	assets  adapter.Storage
	metrics *metrics.Metrics
}

type FallbackOption func(*Fallback)

// WithAssets sets the storage holding image binaries removed on Delete
func WithAssets(s adapter.Storage) FallbackOption {
	return func(r *Fallback) {
		r.assets = s
	}
}

func WithMetrics(m *metrics.Metrics) FallbackOption {
	return func(r *Fallback) {
		r.metrics = m
	}
}

// NewFallback creates the facade. primary may be nil to run in process only.
func NewFallback(primary Repository, opts ...FallbackOption) *Fallback {
	r := &Fallback{
		primary: primary,
		local:   NewMemory(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name reports the primary backend, or the in-process one when there is no primary
func (r *Fallback) Name() string {
	if r.primary != nil {
		return r.primary.Name()
	}
	return r.local.Name()
}

func (r *Fallback) Upsert(ctx context.Context, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	if r.primary != nil {
		err := r.primary.Upsert(ctx, memory)
		if err == nil {
			return nil
		}
		logging.From(ctx).Warn("primary backend rejected memory, keeping it in process",
			"backend", r.primary.Name(),
			"id", memory.ID,
			"error", err)
		r.metrics.Fallback("repository")
	}

	return r.local.Upsert(ctx, memory)
}

func (r *Fallback) Query(ctx context.Context, vector []float32, topK int) (*QueryResult, error) {
	result := &QueryResult{Backend: r.local.Name()}
	if topK <= 0 {
		return result, nil
	}

	var matches []*model.Match
	if r.primary != nil {
		primary, err := r.primary.Query(ctx, vector, topK)
		if err != nil {
			logging.From(ctx).Warn("primary backend query failed, serving in-process memories",
				"backend", r.primary.Name(),
				"error", err)
			r.metrics.Fallback("repository")
		} else {
			matches = primary.Matches
			result.Backend = primary.Backend
		}
	}

	local, err := r.local.Query(ctx, vector, topK)
	if err != nil {
		return nil, err
	}

	if len(matches) == 0 {
		// nothing from the primary, so only in-process memories can serve
		if len(local.Matches) > 0 {
			result.Backend = r.local.Name()
		}
		r.metrics.Query(result.Backend)
		result.Matches = local.Matches
		return result, nil
	}
	r.metrics.Query(result.Backend)

	seen := make(map[model.MemoryID]struct{}, len(matches))
	for _, m := range matches {
		seen[m.Memory.ID] = struct{}{}
	}
	for _, m := range local.Matches {
		if _, ok := seen[m.Memory.ID]; !ok {
			matches = append(matches, m)
		}
	}

	result.Matches = rank(byCreation(matches), topK)
	return result, nil
}

func (r *Fallback) Fetch(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	if r.primary != nil {
		memory, err := r.primary.Fetch(ctx, id)
		if err == nil {
			return memory, nil
		}
		if !errors.Is(err, model.ErrNotFound) {
			logging.From(ctx).Warn("primary backend fetch failed, checking in-process memories",
				"backend", r.primary.Name(),
				"id", id,
				"error", err)
			r.metrics.Fallback("repository")
		}
	}

	return r.local.Fetch(ctx, id)
}

// List merges the primary's and in-process memories, newest first. A failing
// primary leaves the in-process memories only.
func (r *Fallback) List(ctx context.Context, limit int) ([]*model.Memory, error) {
	var memories []*model.Memory
	if r.primary != nil {
		found, err := r.primary.List(ctx, limit)
		if err != nil {
			logging.From(ctx).Warn("primary backend list failed, listing in-process memories",
				"backend", r.primary.Name(),
				"error", err)
			r.metrics.Fallback("repository")
		} else {
			memories = found
		}
	}

	local, err := r.local.List(ctx, limit)
	if err != nil {
		return nil, err
	}

	seen := make(map[model.MemoryID]struct{}, len(memories))
	for _, m := range memories {
		seen[m.ID] = struct{}{}
	}
	for _, m := range local {
		if _, ok := seen[m.ID]; !ok {
			memories = append(memories, m)
		}
	}
	return newestFirst(memories, limit), nil
}

// Delete removes the memory from every backend holding it, and then the asset of
// an image memory. A memory only held in process is deleted even while the primary
// is unreachable. A primary that holds the memory but fails to delete it keeps
// both the record and its asset. Failing to remove the asset is only logged.
func (r *Fallback) Delete(ctx context.Context, id model.MemoryID) error {
	var (
		memory    *model.Memory
		inPrimary bool
		unreached error
	)

	if r.primary != nil {
		found, err := r.primary.Fetch(ctx, id)
		switch {
		case err == nil:
			memory, inPrimary = found, true
		case errors.Is(err, model.ErrNotFound):
		default:
			unreached = err
		}
	}

	local, err := r.local.Fetch(ctx, id)
	inLocal := err == nil
	if memory == nil && inLocal {
		memory = local
	}

	if memory == nil {
		if unreached != nil {
			return goerr.Wrap(unreached, "failed to look up memory in primary backend",
				goerr.V("backend", r.primary.Name()),
				goerr.V("id", id))
		}
		return goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id))
	}

	if inPrimary {
		if err := r.primary.Delete(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
			return goerr.Wrap(err, "failed to delete memory from primary backend",
				goerr.V("backend", r.primary.Name()),
				goerr.V("id", id))
		}
	}
	if inLocal {
		if err := r.local.Delete(ctx, id); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
	}

	if unreached != nil {
		logging.From(ctx).Warn("primary backend unreachable, deleted in-process memory only",
			"backend", r.primary.Name(),
			"id", id,
			"error", unreached)
		r.metrics.Fallback("repository")
	}

	if img := memory.Image(); img != nil && r.assets != nil && img.AssetKey != "" {
		if err := r.assets.Delete(ctx, img.AssetKey); err != nil {
			logging.From(ctx).Error("failed to delete image asset",
				"id", id,
				"asset", img.AssetKey,
				"error", err)
		}
	}

	return nil
}
