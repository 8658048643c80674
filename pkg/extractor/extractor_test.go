package extractor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/extractor"
	"github.com/m-mizutani/keepr/pkg/model"
)

type mockLLM struct {
	generateFn func(ctx context.Context, prompt *adapter.Prompt) (string, error)
}

func (m *mockLLM) Generate(ctx context.Context, prompt *adapter.Prompt) (string, error) {
	return m.generateFn(ctx, prompt)
}

var fixedNow = time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC)

func clock() time.Time { return fixedNow }

func TestTextExtraction(t *testing.T) {
	llm := &mockLLM{
		generateFn: func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			gt.S(t, prompt.Text).Contains("Buy oat milk")
			gt.V(t, prompt.Schema).NotNil()
			return `{"title":"Groceries","summary":"shopping","keywords":["milk","oats"],"category":"","tags":["shopping"]}`, nil
		},
	}

	x := extractor.New(llm, extractor.WithClock(clock))
	attrs := x.Text(context.Background(), "", "Buy oat milk")

	gt.Equal(t, attrs["title"], any("Groceries"))
	// empty category from the model is replaced by the default
	gt.Equal(t, attrs["category"], any("personal"))
	gt.Equal(t, attrs["day_of_week"], any("Friday"))
	gt.Equal(t, attrs["month_year"], any("March 2025"))
	_, ok := attrs["timestamp_searchable"]
	gt.False(t, ok)
}

func TestTextExtractionFailure(t *testing.T) {
	testCases := map[string]func(ctx context.Context, prompt *adapter.Prompt) (string, error){
		"error": func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			return "", errors.New("quota")
		},
		"invalid json": func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			return "sure! here is the metadata", nil
		},
	}

	for name, fn := range testCases {
		t.Run(name, func(t *testing.T) {
			x := extractor.New(&mockLLM{generateFn: fn}, extractor.WithClock(clock))
			attrs := x.Text(context.Background(), "Todo", "renew passport before the trip")

			gt.Equal(t, attrs["title"], any("Todo"))
			gt.Equal(t, attrs["summary"], any("renew passport before the trip"))
			gt.Equal(t, attrs["urgency"], any("medium"))
			gt.Equal(t, attrs["created_at"], any("2025-03-14T15:09:26Z"))
		})
	}
}

func TestLinkDefaultsWithoutLLM(t *testing.T) {
	x := extractor.New(nil, extractor.WithClock(clock))
	attrs := x.Link(context.Background(), "https://www.youtube.com/watch?v=abc", "", "")

	gt.Equal(t, attrs["title"], any("www.youtube.com"))
	gt.Equal(t, attrs["domain"], any("www.youtube.com"))
	gt.Equal(t, attrs["description"], any("Link content"))
}

func TestImageExtractionSendsImage(t *testing.T) {
	llm := &mockLLM{
		generateFn: func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			gt.A(t, prompt.Images).Length(1)
			gt.Equal(t, prompt.Images[0].MIMEType, "image/png")
			return `{"title":"Beach sunset","description":"sun over the sea","objects":["sun","sea"],"scene":"beach","tags":["sunset"]}`, nil
		},
	}

	x := extractor.New(llm, extractor.WithClock(clock))
	attrs := x.Image(context.Background(), &adapter.InlineImage{MIMEType: "image/png", Data: []byte("png")})
	gt.Equal(t, attrs["title"], any("Beach sunset"))
	gt.Equal(t, attrs["style"], any("photo"))
}

func TestSearchableText(t *testing.T) {
	attrs, _ := model.NewAttributes(map[string]any{
		"keywords":  []any{"milk", "oats"},
		"category":  "personal",
		"sentiment": "neutral",
	})
	m := &model.Memory{
		Type:       model.MemoryTypeText,
		Title:      "Groceries",
		Payload:    &model.TextPayload{Content: "Buy oat milk"},
		Attributes: attrs,
	}

	gt.Equal(t, extractor.SearchableText(m), "Groceries Buy oat milk milk, oats personal")
	gt.Equal(t, extractor.SearchableText(m, extractor.TimestampText(fixedNow)),
		"Groceries Buy oat milk milk, oats personal 2025 March Friday 3/14/2025 3:09:26 PM")
}

func TestSearchableTextImage(t *testing.T) {
	m := &model.Memory{
		Type:    model.MemoryTypeImage,
		Title:   "Beach sunset",
		Payload: &model.ImagePayload{AssetKey: "assets/x.png"},
		Attributes: model.Attributes{
			"description": "sun over the sea",
			"scene":       "beach",
		},
	}

	gt.Equal(t, extractor.SearchableText(m), "Beach sunset sun over the sea beach")
}
