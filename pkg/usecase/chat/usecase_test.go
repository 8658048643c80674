package chat_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/embedding"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/repository"
	"github.com/m-mizutani/keepr/pkg/usecase/chat"
)

type mockLLM struct {
	generateFn func(ctx context.Context, prompt *adapter.Prompt) (string, error)
	calls      int
}

func (m *mockLLM) Generate(ctx context.Context, prompt *adapter.Prompt) (string, error) {
	m.calls++
	return m.generateFn(ctx, prompt)
}

var failingLLM = func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
	return "", errors.New("model overloaded")
}

var createdAt = time.Date(2025, 5, 3, 14, 0, 0, 0, time.UTC)

// seed stores a memory whose vector equals the fallback embedding of query,
// so a chat message equal to query scores 1.0 against it
func seed(t *testing.T, repo repository.Repository, query string, payload model.Payload, title string) *model.Memory {
	m := &model.Memory{
		ID:        model.NewMemoryID(),
		Type:      payload.Type(),
		Title:     title,
		Payload:   payload,
		Embedding: embedding.Fallback(query, embedding.DefaultDimension),
		CreatedAt: createdAt,
	}
	gt.NoError(t, repo.Upsert(context.Background(), m))
	return m
}

func setup(t *testing.T, repo repository.Repository, opts ...chat.Option) (*chat.Manager, *chat.UseCase) {
	emb, err := embedding.New()
	gt.NoError(t, err)
	manager := chat.NewManager()
	return manager, chat.New(manager, repo, emb, opts...)
}

func TestGreetingWithoutMemories(t *testing.T) {
	ctx := context.Background()
	llm := &mockLLM{generateFn: failingLLM}
	var stages []chat.Stage
	_, uc := setup(t, repository.NewFallback(nil),
		chat.WithLLM(llm),
		chat.WithStageObserver(func(ctx context.Context, id model.SessionID, stage chat.Stage) {
			stages = append(stages, stage)
		}),
	)

	session, greeting := uc.StartSession(ctx)
	gt.Equal(t, greeting, chat.StartMessage)

	reply, err := uc.HandleMessage(ctx, session.ID, "Hello")
	gt.NoError(t, err)
	gt.Equal(t, reply.Message.Confidence, model.ConfidenceLow)
	gt.Equal(t, reply.Message.Content, "I couldn't find any relevant information to answer your question.")
	gt.Equal(t, reply.Message.Role, model.RoleAssistant)
	gt.A(t, reply.Message.RelevantMemories).Length(0)
	gt.Equal(t, reply.ConversationLength, 2)
	gt.Equal(t, reply.Backend, "memory")
	gt.Equal(t, llm.calls, 0)

	gt.Equal(t, stages, []chat.Stage{
		chat.StageReceived,
		chat.StageEmbedding,
		chat.StageRetrieving,
		chat.StageFiltering,
		chat.StageFallbackAnswered,
		chat.StagePersisted,
	})
}

func TestAtMostOneImagePerTurn(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seed(t, repo, "beach", &model.ImagePayload{AssetKey: "assets/a/sunset.png", FileName: "sunset.png", MIMEType: "image/png"}, "Sunset at the beach")
	seed(t, repo, "beach", &model.ImagePayload{AssetKey: "assets/b/waves.png", FileName: "waves.png", MIMEType: "image/png"}, "Waves")
	seed(t, repo, "beach", &model.TextPayload{Content: "Pack sunscreen and towels"}, "Beach packing")

	_, uc := setup(t, repo)
	session, _ := uc.StartSession(ctx)

	reply, err := uc.HandleMessage(ctx, session.ID, "beach")
	gt.NoError(t, err)

	images := 0
	for _, m := range reply.Message.RelevantMemories {
		if m.Type == model.MemoryTypeImage {
			images++
		}
	}
	gt.Equal(t, images, 1)
	gt.A(t, reply.Message.RelevantMemories).Length(2)
}

func TestRelevantMemoriesAreCapped(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	for i := range 5 {
		seed(t, repo, "budget", &model.TextPayload{Content: fmt.Sprintf("budget note %d", i)}, "")
	}

	_, uc := setup(t, repo, chat.WithTopK(10))
	session, _ := uc.StartSession(ctx)

	reply, err := uc.HandleMessage(ctx, session.ID, "budget")
	gt.NoError(t, err)
	gt.A(t, reply.Message.RelevantMemories).Length(3)
	for _, m := range reply.Message.RelevantMemories {
		gt.True(t, m.Score >= 0.99)
	}
}

func TestGeneratedAnswer(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemory()
	seed(t, repo, "paris trip", &model.TextPayload{Content: "Trip to Paris in May"}, "Paris")

	llm := &mockLLM{
		generateFn: func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			gt.S(t, prompt.Text).Contains(`"paris trip"`)
			gt.S(t, prompt.Text).Contains("Title: Paris")
			gt.S(t, prompt.Text).Contains("Content: Trip to Paris in May")
			gt.S(t, prompt.Text).Contains("Date: 5/3/2025")
			gt.S(t, prompt.Text).Contains("Relevance Score: 100.0%")
			gt.S(t, prompt.Text).Contains("(this is the first message)")
			gt.V(t, prompt.Schema).NotNil()
			return `{"answer":"You went to Paris in May.","confidence":"high","sources_used":["Paris note"],"is_followup":false}`, nil
		},
	}
	_, uc := setup(t, repo, chat.WithLLM(llm))
	session, _ := uc.StartSession(ctx)

	reply, err := uc.HandleMessage(ctx, session.ID, "paris trip")
	gt.NoError(t, err)
	gt.Equal(t, reply.Message.Content, "You went to Paris in May.")
	gt.Equal(t, reply.Message.Confidence, model.ConfidenceHigh)
	gt.Equal(t, reply.Message.Sources, []string{"Paris note"})
	gt.A(t, reply.Message.RelevantMemories).Length(1)
	gt.Equal(t, reply.Message.RelevantMemories[0].Title, "Paris")
	gt.Equal(t, llm.calls, 1)
}

func TestFollowupIncludesHistory(t *testing.T) {
	ctx := context.Background()
	var prompts []string
	llm := &mockLLM{
		generateFn: func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			prompts = append(prompts, prompt.Text)
			return `{"answer":"Sure.","confidence":"unsure","sources_used":[],"is_followup":true}`, nil
		},
	}
	_, uc := setup(t, repository.NewMemory(), chat.WithLLM(llm))
	session, _ := uc.StartSession(ctx)

	// first turn has no memories and no history, so the model is not asked
	_, err := uc.HandleMessage(ctx, session.ID, "Hello")
	gt.NoError(t, err)
	gt.Equal(t, llm.calls, 0)

	reply, err := uc.HandleMessage(ctx, session.ID, "And after that?")
	gt.NoError(t, err)
	gt.Equal(t, llm.calls, 1)
	gt.Equal(t, reply.ConversationLength, 4)
	gt.True(t, reply.Message.IsFollowup)
	gt.Equal(t, reply.Message.Confidence, model.ConfidenceMedium)

	gt.S(t, prompts[0]).Contains("User: Hello")
	gt.S(t, prompts[0]).Contains("Assistant: I couldn't find any relevant information")
	gt.S(t, prompts[0]).NotContains("User: And after that?")
}

func TestGeneratorFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("answer from top memory", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "paris trip", &model.TextPayload{Content: "Trip to Paris in May"}, "Paris")

		var stages []chat.Stage
		_, uc := setup(t, repo,
			chat.WithLLM(&mockLLM{generateFn: failingLLM}),
			chat.WithStageObserver(func(ctx context.Context, id model.SessionID, stage chat.Stage) {
				stages = append(stages, stage)
			}),
		)
		session, _ := uc.StartSession(ctx)

		reply, err := uc.HandleMessage(ctx, session.ID, "paris trip")
		gt.NoError(t, err)
		gt.Equal(t, reply.Message.Content, "I found information related to your question. Here's what I found: Paris from 5/3/2025.")
		gt.Equal(t, reply.Message.Confidence, model.ConfidenceMedium)
		gt.Equal(t, reply.Message.Sources, []string{"text memory from 5/3/2025"})
		gt.A(t, reply.Message.RelevantMemories).Length(1)
		gt.Equal(t, stages[4], chat.StagePrompting)
		gt.Equal(t, stages[5], chat.StageFallbackAnswered)
		gt.Equal(t, stages[6], chat.StagePersisted)
	})

	t.Run("generic followup answer", func(t *testing.T) {
		_, uc := setup(t, repository.NewMemory(), chat.WithLLM(&mockLLM{generateFn: failingLLM}))
		session, _ := uc.StartSession(ctx)

		_, err := uc.HandleMessage(ctx, session.ID, "Hello")
		gt.NoError(t, err)
		reply, err := uc.HandleMessage(ctx, session.ID, "What else?")
		gt.NoError(t, err)
		gt.Equal(t, reply.Message.Confidence, model.ConfidenceLow)
		gt.Equal(t, reply.Message.Sources, []string{"Conversation context"})
		gt.S(t, reply.Message.Content).Contains("continuing our conversation")
	})

	t.Run("unparsable response", func(t *testing.T) {
		repo := repository.NewMemory()
		seed(t, repo, "paris trip", &model.TextPayload{Content: "Trip to Paris in May"}, "")
		llm := &mockLLM{generateFn: func(ctx context.Context, prompt *adapter.Prompt) (string, error) {
			return "not json", nil
		}}
		_, uc := setup(t, repo, chat.WithLLM(llm))
		session, _ := uc.StartSession(ctx)

		reply, err := uc.HandleMessage(ctx, session.ID, "paris trip")
		gt.NoError(t, err)
		gt.Equal(t, reply.Message.Content, "I found information related to your question. Here's what I found: Trip to Paris in May from 5/3/2025.")
	})
}

type brokenRepository struct {
	*repository.Memory
}

func (r *brokenRepository) Query(ctx context.Context, v []float32, topK int) (*repository.QueryResult, error) {
	return nil, errors.New("connection refused")
}

func TestRetrievalFailureStillAnswers(t *testing.T) {
	ctx := context.Background()
	_, uc := setup(t, &brokenRepository{Memory: repository.NewMemory()})
	session, _ := uc.StartSession(ctx)

	reply, err := uc.HandleMessage(ctx, session.ID, "Hello")
	gt.NoError(t, err)
	gt.Equal(t, reply.Message.Confidence, model.ConfidenceLow)
	gt.Equal(t, reply.Backend, "memory")
}

func TestHandleMessageErrors(t *testing.T) {
	ctx := context.Background()
	manager, uc := setup(t, repository.NewMemory())

	_, err := uc.HandleMessage(ctx, "no-such-session", "Hello")
	gt.True(t, errors.Is(err, model.ErrNotFound))

	session := manager.CreateSession(ctx)
	_, err = uc.HandleMessage(ctx, session.ID, "  ")
	gt.True(t, errors.Is(err, model.ErrValidation))

	got, err := manager.GetSession(session.ID)
	gt.NoError(t, err)
	gt.A(t, got.Messages).Length(0)
}
