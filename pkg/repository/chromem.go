package repository

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/embedding"
	"github.com/m-mizutani/keepr/pkg/model"
	chromem "github.com/philippgille/chromem-go"
)

// metadata keys for envelope fields. Attributes are stored with attrPrefix.
const (
	metaType        = "keepr.type"
	metaTitle       = "keepr.title"
	metaContent     = "keepr.content"
	metaURL         = "keepr.url"
	metaDescription = "keepr.description"
	metaAssetKey    = "keepr.asset_key"
	metaFileName    = "keepr.file_name"
	metaMIMEType    = "keepr.mime_type"
	metaCreatedAt   = "keepr.created_at"
	attrPrefix      = "attr."
)

// Chromem stores memories in an embedded chromem-go database persisted on local disk.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
	// dimension of stored embeddings, needed to scan the whole collection in List
	dimension atomic.Int64
}

type ChromemOption func(*Chromem)

// WithDimension sets the embedding dimension of the stored memories. It is
// learned from Upsert as well.
func WithDimension(dim int) ChromemOption {
	return func(r *Chromem) {
		if dim > 0 {
			r.dimension.Store(int64(dim))
		}
	}
}

// NewChromem opens (or creates) a persistent database at path
func NewChromem(path string, opts ...ChromemOption) (*Chromem, error) {
	db, err := chromem.NewPersistentDB(path, true)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chromem database", goerr.V("path", path))
	}

	col, err := db.GetOrCreateCollection(defaultCollection, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open chromem collection", goerr.V("path", path))
	}

	r := &Chromem{db: db, collection: col}
	r.dimension.Store(embedding.DefaultDimension)
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Chromem) Name() string {
	return "chromem"
}

func (r *Chromem) Upsert(ctx context.Context, memory *model.Memory) error {
	if err := memory.Validate(); err != nil {
		return err
	}

	rec := toRecord(memory)
	meta := map[string]string{
		metaType:        rec.Type,
		metaTitle:       rec.Title,
		metaContent:     rec.Content,
		metaURL:         rec.URL,
		metaDescription: rec.Description,
		metaAssetKey:    rec.AssetKey,
		metaFileName:    rec.FileName,
		metaMIMEType:    rec.MIMEType,
		metaCreatedAt:   rec.CreatedAt.Format(time.RFC3339Nano),
	}
	for k, v := range rec.Attributes {
		meta[attrPrefix+k] = v
	}

	content := rec.SearchableText
	if content == "" {
		content = rec.Title
	}

	if err := r.collection.AddDocument(ctx, chromem.Document{
		ID:        rec.ID,
		Metadata:  meta,
		Embedding: rec.Embedding,
		Content:   content,
	}); err != nil {
		return goerr.Wrap(err, "failed to add chromem document", goerr.V("id", memory.ID))
	}
	r.dimension.Store(int64(len(rec.Embedding)))
	return nil
}

func (r *Chromem) Query(ctx context.Context, vector []float32, topK int) (*QueryResult, error) {
	result := &QueryResult{Backend: r.Name()}

	// chromem rejects nResults larger than the collection
	n := min(topK, r.collection.Count())
	if n <= 0 {
		return result, nil
	}

	found, err := r.collection.QueryEmbedding(ctx, vector, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query chromem", goerr.V("n", n))
	}

	matches := make([]*model.Match, 0, len(found))
	for _, res := range found {
		memory, err := fromChromem(res.ID, res.Metadata, res.Embedding, res.Content)
		if err != nil {
			return nil, err
		}
		matches = append(matches, &model.Match{
			Memory: memory,
			Score:  float64(res.Similarity),
		})
	}

	result.Matches = rank(byCreation(matches), topK)
	return result, nil
}

// List scans the whole collection. chromem has no listing API, so this queries
// with a basis vector for every document.
func (r *Chromem) List(ctx context.Context, limit int) ([]*model.Memory, error) {
	n := r.collection.Count()
	if n == 0 {
		return nil, nil
	}

	basis := make([]float32, r.dimension.Load())
	basis[0] = 1
	found, err := r.collection.QueryEmbedding(ctx, basis, n, nil, nil)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list chromem documents", goerr.V("n", n))
	}

	memories := make([]*model.Memory, 0, len(found))
	for _, res := range found {
		memory, err := fromChromem(res.ID, res.Metadata, res.Embedding, res.Content)
		if err != nil {
			return nil, err
		}
		memories = append(memories, memory)
	}
	return newestFirst(memories, limit), nil
}

func (r *Chromem) Fetch(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	if id == "" {
		return nil, goerr.Wrap(model.ErrValidation, "memory id is required")
	}
	// the collection is held in memory, so for a non-empty ID the only failure
	// GetByID reports is a missing document
	doc, err := r.collection.GetByID(ctx, string(id))
	if err != nil {
		return nil, goerr.Wrap(model.ErrNotFound, "memory not found", goerr.V("id", id), goerr.V("cause", err.Error()))
	}
	return fromChromem(doc.ID, doc.Metadata, doc.Embedding, doc.Content)
}

func (r *Chromem) Delete(ctx context.Context, id model.MemoryID) error {
	if _, err := r.Fetch(ctx, id); err != nil {
		return err
	}
	if err := r.collection.Delete(ctx, nil, nil, string(id)); err != nil {
		return goerr.Wrap(err, "failed to delete chromem document", goerr.V("id", id))
	}
	return nil
}

func fromChromem(id string, meta map[string]string, emb []float32, content string) (*model.Memory, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, meta[metaCreatedAt])
	if err != nil {
		return nil, goerr.Wrap(err, "invalid created_at in chromem document", goerr.V("id", id))
	}

	rec := &record{
		ID:             id,
		Type:           meta[metaType],
		Title:          meta[metaTitle],
		Content:        meta[metaContent],
		URL:            meta[metaURL],
		Description:    meta[metaDescription],
		AssetKey:       meta[metaAssetKey],
		FileName:       meta[metaFileName],
		MIMEType:       meta[metaMIMEType],
		Attributes:     map[string]string{},
		Embedding:      emb,
		SearchableText: content,
		CreatedAt:      createdAt,
	}
	for k, v := range meta {
		if key, ok := strings.CutPrefix(k, attrPrefix); ok {
			rec.Attributes[key] = v
		}
	}
	return rec.toMemory()
}
