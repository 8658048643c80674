package model

// Match is a memory paired with its similarity to a query vector.
type Match struct {
	Memory *Memory
	Score  float64
}

// SearchResult is a matched memory as returned to callers.
type SearchResult struct {
	MemoryView
	Score float64 `json:"score"`
}

// NewSearchResult builds the caller facing result, clamping score into [0, 1]
func NewSearchResult(m *Match) *SearchResult {
	score := m.Score
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return &SearchResult{
		MemoryView: *m.Memory.View(),
		Score:      score,
	}
}

type Insights struct {
	SearchInsights   string   `json:"search_insights"`
	SuggestedFilters []string `json:"suggested_filters"`
	RelatedQueries   []string `json:"related_queries"`
	ContentSummary   string   `json:"content_summary"`
}

type SearchOutput struct {
	Query    string          `json:"query"`
	Results  []*SearchResult `json:"results"`
	Insights *Insights       `json:"insights"`
	Total    int             `json:"total"`
	Backend  string          `json:"backend"`
}
