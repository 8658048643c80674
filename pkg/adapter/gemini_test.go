package adapter_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/adapter"
)

func newTestGemini(t *testing.T) *adapter.GeminiClient {
	projectID := os.Getenv("TEST_GEMINI_PROJECT")
	if projectID == "" {
		t.Skip("TEST_GEMINI_PROJECT is not set")
	}

	client, err := adapter.NewGemini(context.Background(), projectID, "us-central1")
	gt.NoError(t, err)
	return client
}

func TestGeminiGenerate(t *testing.T) {
	client := newTestGemini(t)

	resp, err := client.Generate(context.Background(), &adapter.Prompt{
		Text: "Hello, what is the capital of France?",
	})
	gt.NoError(t, err)
	gt.S(t, resp).Contains("Paris")
}

func TestGeminiGenerateWithSchema(t *testing.T) {
	client := newTestGemini(t)

	resp, err := client.Generate(context.Background(), &adapter.Prompt{
		System: "Answer briefly.",
		Text:   "What is the capital of France?",
		Schema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"city": {Type: "string"},
			},
			Required: []string{"city"},
		},
	})
	gt.NoError(t, err)

	var out struct {
		City string `json:"city"`
	}
	gt.NoError(t, json.Unmarshal([]byte(resp), &out))
	gt.S(t, out.City).Contains("Paris")
}

func TestGeminiEmbedding(t *testing.T) {
	client := newTestGemini(t)

	vec, err := client.Embedding(context.Background(), "a note about hiking", 768)
	gt.NoError(t, err)
	gt.A(t, vec).Length(768)
}
