package memory

import (
	"context"
	"net/url"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/extractor"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/repository"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

// Embedder is satisfied by *embedding.Service
type Embedder interface {
	Embed(ctx context.Context, text string) firestore.Vector32
}

type UseCase struct {
	repo      repository.Repository
	embedder  Embedder
	extractor *extractor.Extractor
	assets    adapter.Storage
	now       func() time.Time
	timestamp bool
}

type Option func(*UseCase)

func WithExtractor(x *extractor.Extractor) Option {
	return func(u *UseCase) {
		u.extractor = x
	}
}

// WithAssets sets the storage for image binaries. Image ingest fails without it.
func WithAssets(s adapter.Storage) Option {
	return func(u *UseCase) {
		u.assets = s
	}
}

// WithTimestampText appends the creation time to the embedded text. Only useful with a
// semantic embedding model: with the character count fallback the date letters
// skew scores depending on when a memory was saved.
func WithTimestampText() Option {
	return func(u *UseCase) {
		u.timestamp = true
	}
}

func WithClock(now func() time.Time) Option {
	return func(u *UseCase) {
		u.now = now
	}
}

func New(repo repository.Repository, embedder Embedder, opts ...Option) *UseCase {
	u := &UseCase{
		repo:     repo,
		embedder: embedder,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.extractor == nil {
		u.extractor = extractor.New(nil, extractor.WithClock(u.now))
	}
	return u
}

// IngestText stores a free text note
func (u *UseCase) IngestText(ctx context.Context, title, content string) (*model.Memory, error) {
	title = strings.TrimSpace(title)
	if strings.TrimSpace(content) == "" {
		return nil, goerr.Wrap(model.ErrValidation, "content is required")
	}

	m := u.newMemory(model.MemoryTypeText, title, &model.TextPayload{Content: content})
	raw := u.extractor.Text(ctx, title, content)
	if err := u.store(ctx, m, raw, "Note"); err != nil {
		return nil, err
	}
	return m, nil
}

// IngestLink stores a URL with optional title and description
func (u *UseCase) IngestLink(ctx context.Context, rawURL, title, description string) (*model.Memory, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, goerr.Wrap(model.ErrValidation, "url is required")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, goerr.Wrap(model.ErrValidation, "url must be an absolute http(s) URL", goerr.V("url", rawURL))
	}

	raw := u.extractor.Link(ctx, rawURL, title, description)
	if description == "" {
		if s, ok := raw["description"].(string); ok {
			description = s
		}
	}

	m := u.newMemory(model.MemoryTypeLink, strings.TrimSpace(title), &model.LinkPayload{
		URL:         rawURL,
		Description: description,
	})
	if err := u.store(ctx, m, raw, parsed.Hostname()); err != nil {
		return nil, err
	}
	return m, nil
}

// IngestImage stores the image binary as an asset and then the memory describing it.
// The asset is removed again when the memory cannot be stored.
func (u *UseCase) IngestImage(ctx context.Context, fileName, mimeType string, data []byte) (*model.Memory, error) {
	if len(data) == 0 {
		return nil, goerr.Wrap(model.ErrValidation, "image file is required")
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, goerr.Wrap(model.ErrValidation, "only image files are allowed", goerr.V("mime_type", mimeType))
	}
	if u.assets == nil {
		return nil, goerr.New("asset storage is not configured")
	}

	fileName = path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if fileName == "." || fileName == "/" || fileName == "" {
		fileName = "image"
	}

	id := model.NewMemoryID()
	key := "assets/" + string(id) + "/" + fileName
	if err := adapter.PutObject(ctx, u.assets, key, data); err != nil {
		return nil, goerr.Wrap(err, "failed to store image asset", goerr.V("id", id))
	}

	m := u.newMemory(model.MemoryTypeImage, "", &model.ImagePayload{
		AssetKey: key,
		FileName: fileName,
		MIMEType: mimeType,
	})
	m.ID = id

	raw := u.extractor.Image(ctx, &adapter.InlineImage{MIMEType: mimeType, Data: data})
	if err := u.store(ctx, m, raw, "Image"); err != nil {
		if delErr := u.assets.Delete(ctx, key); delErr != nil {
			logging.From(ctx).Error("failed to remove orphan image asset", "key", key, "error", delErr)
		}
		return nil, err
	}
	return m, nil
}

// Get returns a memory by ID
func (u *UseCase) Get(ctx context.Context, id model.MemoryID) (*model.Memory, error) {
	if id == "" {
		return nil, goerr.Wrap(model.ErrValidation, "memory id is required")
	}
	return u.repo.Fetch(ctx, id)
}

// MaxListLimit bounds how many memories List returns at once
const MaxListLimit = 1000

// List returns stored memories newest first. limit <= 0 or above MaxListLimit
// lists MaxListLimit memories.
func (u *UseCase) List(ctx context.Context, limit int) ([]*model.Memory, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	memories, err := u.repo.List(ctx, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("limit", limit))
	}
	return memories, nil
}

// Delete removes a memory and, for images, its asset
func (u *UseCase) Delete(ctx context.Context, id model.MemoryID) error {
	if id == "" {
		return goerr.Wrap(model.ErrValidation, "memory id is required")
	}
	if err := u.repo.Delete(ctx, id); err != nil {
		return err
	}
	logging.From(ctx).Info("memory deleted", "id", id)
	return nil
}

func (u *UseCase) newMemory(t model.MemoryType, title string, payload model.Payload) *model.Memory {
	return &model.Memory{
		ID:        model.NewMemoryID(),
		Type:      t,
		Title:     title,
		Payload:   payload,
		CreatedAt: u.now(),
	}
}

// store completes the memory from extracted attributes, embeds it and upserts it
func (u *UseCase) store(ctx context.Context, m *model.Memory, raw map[string]any, defaultTitle string) error {
	attrs, rejected := model.NewAttributes(raw)
	if len(rejected) > 0 {
		logging.From(ctx).Warn("dropped invalid metadata values", "id", m.ID, "keys", rejected)
	}
	m.Attributes = attrs

	if m.Title == "" {
		m.Title = attrs["title"]
	}
	if m.Title == "" {
		m.Title = defaultTitle
	}

	var extra []string
	if u.timestamp {
		extra = append(extra, extractor.TimestampText(m.CreatedAt))
	}
	m.SearchableText = extractor.SearchableText(m, extra...)
	m.Embedding = u.embedder.Embed(ctx, m.SearchableText)

	if err := u.repo.Upsert(ctx, m); err != nil {
		return goerr.Wrap(err, "failed to store memory", goerr.V("id", m.ID), goerr.V("type", m.Type))
	}

	logging.From(ctx).Info("memory stored", "id", m.ID, "type", m.Type, "title", m.Title)
	return nil
}
