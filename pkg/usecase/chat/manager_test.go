package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/usecase/chat"
)

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func userMessage(text string) *model.Message {
	return &model.Message{Role: model.RoleUser, Content: text}
}

func TestManagerAppendAndGet(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := chat.NewManager(chat.WithClock(clock.Now))

	s := m.CreateSession(ctx)
	gt.A(t, s.Messages).Length(0)
	gt.Equal(t, m.Len(), 1)

	clock.Advance(time.Minute)
	n, err := m.AppendMessage(s.ID, userMessage("Hello"))
	gt.NoError(t, err)
	gt.Equal(t, n, 1)

	got, err := m.GetSession(s.ID)
	gt.NoError(t, err)
	gt.A(t, got.Messages).Length(1)
	gt.Equal(t, got.Messages[0].Timestamp, clock.Now())
	gt.Equal(t, got.LastActivityAt, clock.Now())

	// the returned session is a copy
	got.Messages[0].Content = "changed"
	again, err := m.GetSession(s.ID)
	gt.NoError(t, err)
	gt.Equal(t, again.Messages[0].Content, "Hello")

	_, err = m.AppendMessage("missing", userMessage("Hello"))
	gt.True(t, errors.Is(err, model.ErrNotFound))
	_, err = m.GetSession("missing")
	gt.True(t, errors.Is(err, model.ErrNotFound))
}

func TestManagerRecentMessagesWindow(t *testing.T) {
	ctx := context.Background()
	m := chat.NewManager(chat.WithContextWindow(4))
	s := m.CreateSession(ctx)

	for i := range 7 {
		_, err := m.AppendMessage(s.ID, userMessage(fmt.Sprintf("message %d", i)))
		gt.NoError(t, err)
	}

	recent, err := m.RecentMessages(s.ID)
	gt.NoError(t, err)
	gt.A(t, recent).Length(4)
	gt.Equal(t, recent[0].Content, "message 3")
	gt.Equal(t, recent[3].Content, "message 6")

	transcript := chat.BuildContext(recent)
	gt.Equal(t, strings.Count(transcript, "\n"), 3)
	gt.True(t, strings.HasPrefix(transcript, "User: message 3"))
}

func TestBuildContext(t *testing.T) {
	got := chat.BuildContext([]*model.Message{
		userMessage("Where did I go in May?"),
		{Role: model.RoleAssistant, Content: "Paris."},
	})
	gt.Equal(t, got, "User: Where did I go in May?\nAssistant: Paris.")
	gt.Equal(t, chat.BuildContext(nil), "")
}

func TestManagerListSessions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := chat.NewManager(chat.WithClock(clock.Now))

	first := m.CreateSession(ctx)
	clock.Advance(time.Minute)
	second := m.CreateSession(ctx)
	clock.Advance(time.Minute)

	long := strings.Repeat("a", 150)
	_, err := m.AppendMessage(first.ID, userMessage(long))
	gt.NoError(t, err)

	list := m.ListSessions()
	gt.A(t, list).Length(2)
	gt.Equal(t, list[0].ID, first.ID)
	gt.Equal(t, list[0].MessageCount, 1)
	gt.Equal(t, list[0].Preview, strings.Repeat("a", 100))
	gt.Equal(t, list[1].ID, second.ID)
	gt.Equal(t, list[1].Preview, "No messages")
}

func TestManagerSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := chat.NewManager(chat.WithClock(clock.Now), chat.WithSessionTTL(time.Hour))

	idle := m.CreateSession(ctx)
	active := m.CreateSession(ctx)

	clock.Advance(50 * time.Minute)
	_, err := m.AppendMessage(active.ID, userMessage("still here"))
	gt.NoError(t, err)

	clock.Advance(20 * time.Minute)
	gt.Equal(t, m.Sweep(ctx), 1)
	gt.Equal(t, m.Len(), 1)

	_, err = m.GetSession(idle.ID)
	gt.True(t, errors.Is(err, model.ErrNotFound))
	_, err = m.GetSession(active.ID)
	gt.NoError(t, err)

	gt.Equal(t, m.Sweep(ctx), 0)
}

func TestManagerSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := adapter.NewMemoryStorage()
	clock := newFakeClock()

	m := chat.NewManager(chat.WithStorage(storage), chat.WithClock(clock.Now))
	s := m.CreateSession(ctx)
	_, err := m.AppendMessage(s.ID, userMessage("Hello"))
	gt.NoError(t, err)
	_, err = m.AppendMessage(s.ID, &model.Message{
		Role:       model.RoleAssistant,
		Content:    "Hi",
		Confidence: model.ConfidenceLow,
		Sources:    []string{"Conversation context"},
	})
	gt.NoError(t, err)
	gt.NoError(t, m.Snapshot(ctx))

	restored := chat.NewManager(chat.WithStorage(storage), chat.WithClock(clock.Now))
	gt.NoError(t, restored.Load(ctx))
	gt.Equal(t, restored.Len(), 1)

	got, err := restored.GetSession(s.ID)
	gt.NoError(t, err)
	gt.A(t, got.Messages).Length(2)
	gt.Equal(t, got.Messages[0].Content, "Hello")
	gt.Equal(t, got.Messages[1].Confidence, model.ConfidenceLow)
	gt.Equal(t, got.Messages[1].Sources, []string{"Conversation context"})
	gt.True(t, got.CreatedAt.Equal(s.CreatedAt))
}

func TestManagerLoadWithoutSnapshot(t *testing.T) {
	m := chat.NewManager(chat.WithStorage(adapter.NewMemoryStorage()))
	gt.NoError(t, m.Load(context.Background()))
	gt.Equal(t, m.Len(), 0)
}

func TestManagerStartAndClose(t *testing.T) {
	ctx := context.Background()
	storage := adapter.NewMemoryStorage()
	m := chat.NewManager(
		chat.WithStorage(storage),
		chat.WithSnapshotInterval(10*time.Millisecond),
		chat.WithSweepInterval(10*time.Millisecond),
	)
	m.Start(ctx)
	s := m.CreateSession(ctx)

	// the periodic task writes the snapshot without Close
	deadline := time.Now().Add(2 * time.Second)
	for len(storage.Keys()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	gt.A(t, storage.Keys()).Length(1)

	gt.NoError(t, m.Close(ctx))

	restored := chat.NewManager(chat.WithStorage(storage))
	gt.NoError(t, restored.Load(ctx))
	_, err := restored.GetSession(s.ID)
	gt.NoError(t, err)
}
