package chat

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

//go:embed prompt/answer.md
var answerPromptRaw string

var answerPromptTmpl = template.Must(template.New("answer").Funcs(template.FuncMap{
	"inc":     func(i int) int { return i + 1 },
	"date":    formatDate,
	"percent": func(score float64) string { return fmt.Sprintf("%.1f%%", score*100) },
}).Parse(answerPromptRaw))

const (
	DefaultTopK = 5
	MaxTopK     = 5

	maxImages           = 1
	maxRelevantMemories = 3

	StartMessage = "New conversation started! Ask me anything about your memories."

	noMemoryAnswer   = "I couldn't find any relevant information to answer your question."
	followupFallback = "I understand you're continuing our conversation, but I don't have specific memories related to your current question. Could you provide more details or ask about something else?"
)

// Stage is a step of one chat turn
type Stage string

const (
	StageReceived         Stage = "RECEIVED"
	StageEmbedding        Stage = "EMBEDDING"
	StageRetrieving       Stage = "RETRIEVING"
	StageFiltering        Stage = "FILTERING"
	StagePrompting        Stage = "PROMPTING"
	StageAnswered         Stage = "ANSWERED"
	StageFallbackAnswered Stage = "FALLBACK_ANSWERED"
	StagePersisted        Stage = "PERSISTED"
)

type Embedder interface {
	Embed(ctx context.Context, text string) firestore.Vector32
}

// StageObserver is notified each time a turn enters a stage
type StageObserver func(ctx context.Context, id model.SessionID, stage Stage)

type UseCase struct {
	manager    *Manager
	repo       repository.Repository
	embedder   Embedder
	llm        adapter.LLM
	thresholds relevance.Thresholds
	topK       int
	timeout    time.Duration
	metrics    *metrics.Metrics
	observe    StageObserver
}

type Option func(*UseCase)

// WithLLM enables generated answers. Without it every turn uses the templated answer.
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

// WithTopK sets how many memories a turn retrieves, clamped into [1, MaxTopK]
func WithTopK(n int) Option {
	return func(u *UseCase) {
		u.topK = min(max(n, 1), MaxTopK)
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

func WithStageObserver(fn StageObserver) Option {
	return func(u *UseCase) {
		u.observe = fn
	}
}

func New(manager *Manager, repo repository.Repository, embedder Embedder, opts ...Option) *UseCase {
	u := &UseCase{
		manager:    manager,
		repo:       repo,
		embedder:   embedder,
		thresholds: relevance.DefaultThresholds(),
		topK:       DefaultTopK,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Reply is the outcome of one chat turn
type Reply struct {
	SessionID          model.SessionID `json:"session_id"`
	Message            *model.Message  `json:"message"`
	ConversationLength int             `json:"conversation_length"`
	Backend            string          `json:"search_method"`
}

// StartSession creates a conversation and returns it with the greeting shown to the user
func (u *UseCase) StartSession(ctx context.Context) (*model.Session, string) {
	return u.manager.CreateSession(ctx), StartMessage
}

func (u *UseCase) enter(ctx context.Context, id model.SessionID, stage Stage) {
	logging.From(ctx).Debug("chat turn stage", "session", id, "stage", stage)
	if u.observe != nil {
		u.observe(ctx, id, stage)
	}
}

// HandleMessage runs one chat turn: it records the user message, retrieves
// relevant memories, answers and records the answer.
func (u *UseCase) HandleMessage(ctx context.Context, id model.SessionID, text string) (*Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, goerr.Wrap(model.ErrValidation, "message is required", goerr.V("session", id))
	}

	u.enter(ctx, id, StageReceived)
	if _, err := u.manager.AppendMessage(id, &model.Message{
		Role:    model.RoleUser,
		Content: text,
	}); err != nil {
		return nil, err
	}

	u.enter(ctx, id, StageEmbedding)
	vec := u.embedder.Embed(ctx, text)

	u.enter(ctx, id, StageRetrieving)
	backend := u.repo.Name()
	var candidates []*model.Match
	found, err := u.repo.Query(ctx, vec, relevance.Overfetch(u.topK))
	if err != nil {
		logging.From(ctx).Warn("failed to retrieve memories for chat", "session", id, "error", err)
		u.metrics.Fallback("chat_retrieval")
	} else {
		candidates = found.Matches
		backend = found.Backend
	}

	u.enter(ctx, id, StageFiltering)
	matches := relevance.CapType(
		relevance.Truncate(relevance.Filter(candidates, u.thresholds), u.topK),
		model.MemoryTypeImage, maxImages)
	memories := make([]*model.SearchResult, len(matches))
	for i, m := range matches {
		memories[i] = model.NewSearchResult(m)
	}

	recent, err := u.manager.RecentMessages(id)
	if err != nil {
		return nil, err
	}

	answer := u.answer(ctx, id, text, recent, memories)
	answer.RelevantMemories = memories[:min(len(memories), maxRelevantMemories)]

	n, err := u.manager.AppendMessage(id, answer)
	if err != nil {
		return nil, err
	}
	u.enter(ctx, id, StagePersisted)

	logging.From(ctx).Info("chat turn answered",
		"session", id,
		"memories", len(memories),
		"confidence", answer.Confidence,
		"backend", backend)

	return &Reply{
		SessionID:          id,
		Message:            answer,
		ConversationLength: n,
		Backend:            backend,
	}, nil
}

var answerSchema = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"answer":       {Type: "string"},
		"confidence":   {Type: "string", Enum: []any{"high", "medium", "low"}},
		"sources_used": {Type: "array", Items: &jsonschema.Schema{Type: "string"}},
		"is_followup":  {Type: "boolean"},
	},
	Required: []string{"answer", "confidence", "sources_used", "is_followup"},
}

type generatedAnswer struct {
	Answer      string   `json:"answer"`
	Confidence  string   `json:"confidence"`
	SourcesUsed []string `json:"sources_used"`
	IsFollowup  bool     `json:"is_followup"`
}

func (u *UseCase) answer(ctx context.Context, id model.SessionID, text string, recent []*model.Message, memories []*model.SearchResult) *model.Message {
	followup := len(recent) > 1

	if len(memories) == 0 && !followup {
		u.enter(ctx, id, StageFallbackAnswered)
		u.metrics.Answer("fallback", string(model.ConfidenceLow))
		return &model.Message{
			Role:       model.RoleAssistant,
			Content:    noMemoryAnswer,
			Confidence: model.ConfidenceLow,
			Sources:    []string{},
		}
	}

	u.enter(ctx, id, StagePrompting)
	generated, err := u.generate(ctx, text, recent, memories, followup)
	if err == nil {
		u.enter(ctx, id, StageAnswered)
		msg := &model.Message{
			Role:       model.RoleAssistant,
			Content:    generated.Answer,
			Confidence: model.ParseConfidence(generated.Confidence),
			Sources:    generated.SourcesUsed,
			IsFollowup: generated.IsFollowup,
		}
		if msg.Sources == nil {
			msg.Sources = []string{}
		}
		u.metrics.Answer("generated", string(msg.Confidence))
		return msg
	}

	logging.From(ctx).Warn("failed to generate chat answer", "session", id, "error", err)
	u.metrics.Fallback("chat")
	u.enter(ctx, id, StageFallbackAnswered)

	msg := fallbackAnswer(memories)
	msg.IsFollowup = followup
	u.metrics.Answer("fallback", string(msg.Confidence))
	return msg
}

// fallbackAnswer builds the templated answer from the top memory, or a
// generic reply when the turn only has conversation context
func fallbackAnswer(memories []*model.SearchResult) *model.Message {
	if len(memories) == 0 {
		return &model.Message{
			Role:       model.RoleAssistant,
			Content:    followupFallback,
			Confidence: model.ConfidenceLow,
			Sources:    []string{"Conversation context"},
		}
	}

	top := memories[0]
	date := formatDate(top.CreatedAt)
	summary := top.Title
	if summary == "" {
		summary = top.Content
	}
	if summary == "" {
		summary = top.Description
	}

	return &model.Message{
		Role:       model.RoleAssistant,
		Content:    fmt.Sprintf("I found information related to your question. Here's what I found: %s from %s.", summary, date),
		Confidence: model.ConfidenceMedium,
		Sources:    []string{fmt.Sprintf("%s memory from %s", top.Type, date)},
	}
}

func (u *UseCase) generate(ctx context.Context, text string, recent []*model.Message, memories []*model.SearchResult, followup bool) (*generatedAnswer, error) {
	if u.llm == nil {
		return nil, goerr.New("no language model configured")
	}

	// the current message is rendered on its own
	history := recent
	if len(history) > 0 {
		history = history[:len(history)-1]
	}

	var buf bytes.Buffer
	if err := answerPromptTmpl.Execute(&buf, map[string]any{
		"History":    BuildContext(history),
		"Message":    text,
		"Memories":   memories,
		"IsFollowup": followup,
	}); err != nil {
		return nil, goerr.Wrap(err, "failed to execute answer prompt template")
	}

	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	start := time.Now()
	resp, err := u.llm.Generate(ctx, &adapter.Prompt{
		Text:   buf.String(),
		Schema: answerSchema,
	})
	u.metrics.ObserveCall("chat", start, err)
	if err != nil {
		return nil, err
	}

	var out generatedAnswer
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return nil, goerr.Wrap(err, "failed to parse chat answer", goerr.V("response", resp))
	}
	if strings.TrimSpace(out.Answer) == "" {
		return nil, goerr.New("chat answer is empty", goerr.V("response", resp))
	}
	return &out, nil
}

func formatDate(t time.Time) string {
	return t.Format("1/2/2006")
}
