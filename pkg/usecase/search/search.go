package search

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/relevance"
	"github.com/m-mizutani/keepr/pkg/repository"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

//go:embed prompt/insights.md
var insightsPromptRaw string

var insightsPromptTmpl = template.Must(template.New("insights").Parse(insightsPromptRaw))

const (
	DefaultLimit = 10
	MaxLimit     = 100

	// maxContextLength bounds the memory text sent to the model for insights
	maxContextLength = 1000

	noResultsInsight = "No memories found for this search."
)

type Embedder interface {
	Embed(ctx context.Context, text string) firestore.Vector32
}

type UseCase struct {
	repo       repository.Repository
	embedder   Embedder
	llm        adapter.LLM
	thresholds relevance.Thresholds
	limit      int
	timeout    time.Duration
	metrics    *metrics.Metrics
}

type Option func(*UseCase)

// WithLLM enables generated insights. Without it the templated insight is used.
func WithLLM(llm adapter.LLM) Option {
	return func(u *UseCase) {
		u.llm = llm
	}
}

func WithThresholds(th relevance.Thresholds) Option {
	return func(u *UseCase) {
		u.thresholds = th
	}
}

// WithDefaultLimit sets the number of results returned when the caller gives no limit
func WithDefaultLimit(n int) Option {
	return func(u *UseCase) {
		if n > 0 {
			u.limit = min(n, MaxLimit)
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(u *UseCase) {
		u.timeout = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(u *UseCase) {
		u.metrics = m
	}
}

func New(repo repository.Repository, embedder Embedder, opts ...Option) *UseCase {
	u := &UseCase{
		repo:       repo,
		embedder:   embedder,
		thresholds: relevance.DefaultThresholds(),
		limit:      DefaultLimit,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Search embeds the query, over-fetches candidates, drops weak matches and
// describes the remaining results
func (u *UseCase) Search(ctx context.Context, query string, limit int) (*model.SearchOutput, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, goerr.Wrap(model.ErrValidation, "query is required")
	}
	if limit <= 0 {
		limit = u.limit
	}
	limit = min(limit, MaxLimit)

	vec := u.embedder.Embed(ctx, query)
	found, err := u.repo.Query(ctx, vec, relevance.Overfetch(limit))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query memories", goerr.V("query", query))
	}

	matches := relevance.Truncate(relevance.Filter(found.Matches, u.thresholds), limit)
	logging.From(ctx).Debug("search matches filtered",
		"query", query,
		"candidates", len(found.Matches),
		"kept", len(matches))

	results := make([]*model.SearchResult, len(matches))
	for i, m := range matches {
		results[i] = model.NewSearchResult(m)
	}

	return &model.SearchOutput{
		Query:    query,
		Results:  results,
		Insights: u.insights(ctx, query, results),
		Total:    len(results),
		Backend:  found.Backend,
	}, nil
}

func (u *UseCase) insights(ctx context.Context, query string, results []*model.SearchResult) *model.Insights {
	if len(results) == 0 {
		return &model.Insights{
			SearchInsights:   noResultsInsight,
			SuggestedFilters: []string{},
			RelatedQueries:   []string{},
		}
	}

	fallback := &model.Insights{
		SearchInsights:   fmt.Sprintf("Found %d memories for \"%s\".", len(results), query),
		SuggestedFilters: suggestedTypes(results),
		RelatedQueries:   []string{},
	}
	if u.llm == nil {
		return fallback
	}

	generated, err := u.generateInsights(ctx, query, results)
	if err != nil {
		logging.From(ctx).Warn("failed to generate search insights", "query", query, "error", err)
		u.metrics.Fallback("insights")
		return fallback
	}
	return generated
}

var insightsSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"search_insights":   {Type: "string"},
		"suggested_filters": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"related_queries":   {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"content_summary":   {Type: "string"},
	},
	Required: []string{"search_insights", "suggested_filters", "related_queries", "content_summary"},
}

func (u *UseCase) generateInsights(ctx context.Context, query string, results []*model.SearchResult) (*model.Insights, error) {
	var lines []string
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("- [%s] %s: %s", r.Type, r.Title, firstNonEmpty(r.Content, r.Description, r.URL)))
	}
	contextText := strings.Join(lines, "\n")
	if runes := []rune(contextText); len(runes) > maxContextLength {
		contextText = string(runes[:maxContextLength])
	}

	var buf bytes.Buffer
	if err := insightsPromptTmpl.Execute(&buf, map[string]any{
		"Query":   query,
		"Context": contextText,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute insights prompt template")
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	resp, err := u.llm.Generate(ctx, &adapter.Prompt{
		Text:   buf.String(),
		Schema: insightsSchema,
	})
	u.metrics.ObserveCall("insights", start, err)
	if err != nil {
		return nil, err
	}

	var insights model.Insights
	if err := json.Unmarshal([]byte(resp), &insights); err != nil {
		return nil, goerr.Wrap(err, "failed to parse insights", goerr.V("response", resp))
	}
	if insights.SearchInsights == "" {
		return nil, goerr.New("insights response has no search_insights", goerr.V("response", resp))
	}
	return &insights, nil
}

func suggestedTypes(results []*model.SearchResult) []string {
	seen := map[model.MemoryType]bool{}
	var types []string
	for _, r := range results {
		if !seen[r.Type] {
			seen[r.Type] = true
			types = append(types, string(r.Type))
		}
	}
	return types
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
