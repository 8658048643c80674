// Package extractor derives descriptive attributes for a memory with an LLM.
// Extraction never fails: on any error the type's default attributes are used.
package extractor

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"net/url"
	"text/template"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

//go:embed prompt/text.md
var textPromptRaw string

//go:embed prompt/link.md
var linkPromptRaw string

//go:embed prompt/image.md
var imagePromptRaw string

var (
	textPromptTmpl = template.Must(template.New("text").Parse(textPromptRaw))
	linkPromptTmpl = template.Must(template.New("link").Parse(linkPromptRaw))
)

const systemPrompt = "You catalogue personal notes, links and photos so they can be found again later. Respond with JSON only."

type Extractor struct {
	llm     adapter.LLM
	timeout time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Extractor)

func WithTimeout(d time.Duration) Option {
	return func(x *Extractor) {
		x.timeout = d
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Extractor) {
		x.now = now
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(x *Extractor) {
		x.metrics = m
	}
}

// New creates an extractor. llm may be nil, in which case only defaults are produced.
func New(llm adapter.LLM, opts ...Option) *Extractor {
	x := &Extractor{
		llm:     llm,
		timeout: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Text returns attributes for a text note
func (x *Extractor) Text(ctx context.Context, title, content string) map[string]any {
	defaults := map[string]any{
		"title":            firstNonEmpty(title, "Note"),
		"summary":          truncate(content, 100),
		"sentiment":        "neutral",
		"mood":             "neutral",
		"importance_level": 5,
		"category":         "personal",
		"urgency":          "medium",
	}

	var buf bytes.Buffer
	if err := textPromptTmpl.Execute(&buf, map[string]any{
		"Title":   title,
		"Content": content,
	}); err != nil {
		logging.From(ctx).Error("failed to execute text prompt template", "error", err)
		return x.withTemporal(defaults)
	}

	return x.withTemporal(x.extract(ctx, "text", &adapter.Prompt{
		System: systemPrompt,
		Text:   buf.String(),
		Schema: textSchema,
	}, defaults))
}

// Link returns attributes for a saved URL
func (x *Extractor) Link(ctx context.Context, rawURL, title, description string) map[string]any {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Hostname()
	}

	defaults := map[string]any{
		"title":               firstNonEmpty(title, host),
		"description":         firstNonEmpty(description, "Link content"),
		"domain":              host,
		"type":                "link",
		"category":            "general",
		"platform":            host,
		"estimated_read_time": "unknown",
		"content_type":        "general",
		"target_audience":     "general",
		"relevance_score":     5.0,
	}

	var buf bytes.Buffer
	if err := linkPromptTmpl.Execute(&buf, map[string]any{
		"URL":         rawURL,
		"Title":       title,
		"Description": description,
	}); err != nil {
		logging.From(ctx).Error("failed to execute link prompt template", "error", err)
		return x.withTemporal(defaults)
	}

	return x.withTemporal(x.extract(ctx, "link", &adapter.Prompt{
		System: systemPrompt,
		Text:   buf.String(),
		Schema: linkSchema,
	}, defaults))
}

// Image returns attributes for an uploaded image
func (x *Extractor) Image(ctx context.Context, img *adapter.InlineImage) map[string]any {
	defaults := map[string]any{
		"title":         "Image",
		"description":   "Unable to analyze image",
		"scene":         "Unknown",
		"mood":          "neutral",
		"location_type": "unknown",
		"time_of_day":   "unknown",
		"style":         "photo",
		"people_count":  0,
		"is_document":   false,
		"quality_score": 5.0,
	}

	return x.withTemporal(x.extract(ctx, "image", &adapter.Prompt{
		System: systemPrompt,
		Text:   imagePromptRaw,
		Images: []*adapter.InlineImage{img},
		Schema: imageSchema,
	}, defaults))
}

// extract asks the LLM for attributes, falling back to defaults on any failure.
// Keys the model leaves out are filled from defaults.
func (x *Extractor) extract(ctx context.Context, kind string, prompt *adapter.Prompt, defaults map[string]any) map[string]any {
	if x.llm == nil {
		return defaults
	}

	attrs, err := x.generate(ctx, prompt)
	if err != nil {
		logging.From(ctx).Warn("metadata extraction failed, using defaults", "kind", kind, "error", err)
		x.metrics.Fallback("extractor")
		return defaults
	}

	for k, v := range defaults {
		if isBlank(attrs[k]) {
			attrs[k] = v
		}
	}
	return attrs
}

func (x *Extractor) generate(ctx context.Context, prompt *adapter.Prompt) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()

	start := time.Now()
	resp, err := x.llm.Generate(ctx, prompt)
	x.metrics.ObserveCall("extractor", start, err)
	if err != nil {
		return nil, err
	}

	var attrs map[string]any
	if err := json.Unmarshal([]byte(resp), &attrs); err != nil {
		return nil, goerr.Wrap(err, "failed to parse extracted metadata", goerr.V("response", truncate(resp, 200)))
	}
	if attrs == nil {
		return nil, goerr.New("extracted metadata is not an object")
	}
	return attrs, nil
}

func (x *Extractor) withTemporal(attrs map[string]any) map[string]any {
	for k, v := range Temporal(x.now()) {
		attrs[k] = v
	}
	return attrs
}

// Temporal returns the time attributes recorded for every memory
func Temporal(now time.Time) map[string]any {
	return map[string]any{
		"created_at":    now.Format(time.RFC3339),
		"date_readable": now.Format("1/2/2006"),
		"time_readable": now.Format("3:04:05 PM"),
		"day_of_week":   now.Format("Monday"),
		"month_year":    now.Format("January 2006"),
	}
}

// TimestampText is the creation time phrased for embedding, so questions like
// "what did I save on a Friday in March" can match. It is never stored as an attribute.
func TimestampText(t time.Time) string {
	return t.Format("2006 January Monday 1/2/2006 3:04:05 PM")
}

var (
	stringList = &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "string"}}

	textSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title":            {Type: "string"},
			"summary":          {Type: "string"},
			"keywords":         stringList,
			"topics":           stringList,
			"entities":         stringList,
			"sentiment":        {Type: "string", Enum: []any{"positive", "negative", "neutral"}},
			"mood":             {Type: "string"},
			"importance_level": {Type: "integer"},
			"category":         {Type: "string"},
			"action_items":     stringList,
			"dates_mentioned":  stringList,
			"urgency":          {Type: "string", Enum: []any{"high", "medium", "low"}},
			"tags":             stringList,
		},
		Required: []string{"title", "summary", "keywords", "category", "tags"},
	}

	linkSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title":               {Type: "string"},
			"description":         {Type: "string"},
			"domain":              {Type: "string"},
			"type":                {Type: "string"},
			"category":            {Type: "string"},
			"platform":            {Type: "string"},
			"tags":                stringList,
			"estimated_read_time": {Type: "string"},
			"content_type":        {Type: "string"},
			"target_audience":     {Type: "string"},
			"relevance_score":     {Type: "number"},
		},
		Required: []string{"title", "description", "domain", "category", "tags"},
	}

	imageSchema = &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"title":         {Type: "string"},
			"description":   {Type: "string"},
			"objects":       stringList,
			"scene":         {Type: "string"},
			"colors":        stringList,
			"mood":          {Type: "string"},
			"activities":    stringList,
			"location_type": {Type: "string"},
			"time_of_day":   {Type: "string"},
			"style":         {Type: "string"},
			"tags":          stringList,
			"text_content":  {Type: "string"},
			"people_count":  {Type: "integer"},
			"is_document":   {Type: "boolean"},
			"quality_score": {Type: "number"},
		},
		Required: []string{"title", "description", "objects", "scene", "tags"},
	}
)

func isBlank(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	default:
		return false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
