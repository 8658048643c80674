package model

import (
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

type MemoryID string

// NewMemoryID generates a new unique MemoryID
func NewMemoryID() MemoryID {
	return MemoryID(uuid.New().String())
}

type MemoryType string

const (
	MemoryTypeText  MemoryType = "text"
	MemoryTypeImage MemoryType = "image"
	MemoryTypeLink  MemoryType = "link"
)

// Validate checks if the memory type is one of the known kinds
func (t MemoryType) Validate() error {
	switch t {
	case MemoryTypeText, MemoryTypeImage, MemoryTypeLink:
		return nil
	default:
		return goerr.Wrap(ErrValidation, "invalid memory type", goerr.V("type", t))
	}
}

// Payload is the type specific body of a memory.
type Payload interface {
	Type() MemoryType
	// Primary returns the main content: text body, asset reference or URL.
	Primary() string
}

type TextPayload struct {
	Content string `json:"content"`
}

func (p *TextPayload) Type() MemoryType { return MemoryTypeText }
func (p *TextPayload) Primary() string  { return p.Content }

type ImagePayload struct {
	AssetKey string `json:"asset_key"`
	FileName string `json:"file_name"`
	MIMEType string `json:"mime_type"`
}

func (p *ImagePayload) Type() MemoryType { return MemoryTypeImage }
func (p *ImagePayload) Primary() string  { return p.AssetKey }

type LinkPayload struct {
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (p *LinkPayload) Type() MemoryType { return MemoryTypeLink }
func (p *LinkPayload) Primary() string  { return p.URL }

// Memory is a stored note. It is not modified after creation.
type Memory struct {
	ID             MemoryID
	Type           MemoryType
	Title          string
	Payload        Payload
	Attributes     Attributes
	Embedding      firestore.Vector32
	SearchableText string
	CreatedAt      time.Time
}

// Validate checks the envelope and that the payload agrees with the declared type
func (m *Memory) Validate() error {
	if m.ID == "" {
		return goerr.Wrap(ErrValidation, "memory id is empty")
	}
	if err := m.Type.Validate(); err != nil {
		return err
	}
	if m.Payload == nil {
		return goerr.Wrap(ErrValidation, "memory payload is empty", goerr.V("id", m.ID))
	}
	if m.Payload.Type() != m.Type {
		return goerr.Wrap(ErrValidation, "payload does not match memory type",
			goerr.V("id", m.ID),
			goerr.V("type", m.Type),
			goerr.V("payload", m.Payload.Type()))
	}
	return nil
}

// Image returns the image payload or nil if the memory is not an image
func (m *Memory) Image() *ImagePayload {
	if p, ok := m.Payload.(*ImagePayload); ok {
		return p
	}
	return nil
}

// View returns the caller facing projection without the vector and searchable text.
func (m *Memory) View() *MemoryView {
	v := &MemoryView{
		ID:         m.ID,
		Type:       m.Type,
		Title:      m.Title,
		Attributes: m.Attributes,
		CreatedAt:  m.CreatedAt,
	}

	switch p := m.Payload.(type) {
	case *TextPayload:
		v.Content = p.Content
	case *LinkPayload:
		v.URL = p.URL
		v.Description = p.Description
	case *ImagePayload:
		v.FileName = p.FileName
		v.MIMEType = p.MIMEType
		v.Description = m.Attributes["description"]
	}

	return v
}

type MemoryView struct {
	ID          MemoryID   `json:"id"`
	Type        MemoryType `json:"type"`
	Title       string     `json:"title"`
	Content     string     `json:"content,omitempty"`
	URL         string     `json:"url,omitempty"`
	Description string     `json:"description,omitempty"`
	FileName    string     `json:"file_name,omitempty"`
	MIMEType    string     `json:"mime_type,omitempty"`
	Attributes  Attributes `json:"metadata,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Summary returns the most descriptive short text of the memory
func (v *MemoryView) Summary() string {
	switch {
	case v.Title != "":
		return v.Title
	case v.Content != "":
		return v.Content
	case v.Description != "":
		return v.Description
	default:
		return v.URL
	}
}
