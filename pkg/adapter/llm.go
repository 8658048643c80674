package adapter

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"
)

// LLM generates text from a prompt
type LLM interface {
	Generate(ctx context.Context, prompt *Prompt) (string, error)
}

// Embedder converts text into a vector of the requested dimension
type Embedder interface {
	Embedding(ctx context.Context, text string, dimensionality int) ([]float32, error)
}

// Prompt is a single turn request. When Schema is set the model is asked to
// answer with a JSON document conforming to it.
type Prompt struct {
	System string
	Text   string
	Images []*InlineImage
	Schema *jsonschema.Schema
}

type InlineImage struct {
	MIMEType string
	Data     []byte
}
