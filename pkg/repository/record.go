package repository

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
)

// record is the flat storage shape of a memory shared by the durable backends
type record struct {
	ID             string             `firestore:"id"`
	Type           string             `firestore:"type"`
	Title          string             `firestore:"title"`
	Content        string             `firestore:"content,omitempty"`
	URL            string             `firestore:"url,omitempty"`
	Description    string             `firestore:"description,omitempty"`
	AssetKey       string             `firestore:"asset_key,omitempty"`
	FileName       string             `firestore:"file_name,omitempty"`
	MIMEType       string             `firestore:"mime_type,omitempty"`
	Attributes     map[string]string  `firestore:"attributes"`
	Embedding      firestore.Vector32 `firestore:"embedding"`
	SearchableText string             `firestore:"searchable_text"`
	CreatedAt      time.Time          `firestore:"created_at"`
}

func toRecord(m *model.Memory) *record {
	r := &record{
		ID:             string(m.ID),
		Type:           string(m.Type),
		Title:          m.Title,
		Attributes:     m.Attributes,
		Embedding:      m.Embedding,
		SearchableText: m.SearchableText,
		CreatedAt:      m.CreatedAt,
	}

	switch p := m.Payload.(type) {
	case *model.TextPayload:
		r.Content = p.Content
	case *model.LinkPayload:
		r.URL = p.URL
		r.Description = p.Description
	case *model.ImagePayload:
		r.AssetKey = p.AssetKey
		r.FileName = p.FileName
		r.MIMEType = p.MIMEType
	}

	if r.Attributes == nil {
		r.Attributes = map[string]string{}
	}
	return r
}

func (r *record) toMemory() (*model.Memory, error) {
	m := &model.Memory{
		ID:             model.MemoryID(r.ID),
		Type:           model.MemoryType(r.Type),
		Title:          r.Title,
		Attributes:     model.Attributes(r.Attributes),
		Embedding:      r.Embedding,
		SearchableText: r.SearchableText,
		CreatedAt:      r.CreatedAt,
	}

	switch m.Type {
	case model.MemoryTypeText:
		m.Payload = &model.TextPayload{Content: r.Content}
	case model.MemoryTypeLink:
		m.Payload = &model.LinkPayload{URL: r.URL, Description: r.Description}
	case model.MemoryTypeImage:
		m.Payload = &model.ImagePayload{AssetKey: r.AssetKey, FileName: r.FileName, MIMEType: r.MIMEType}
	default:
		return nil, goerr.New("unknown memory type in stored record", goerr.V("id", r.ID), goerr.V("type", r.Type))
	}

	return m, nil
}
