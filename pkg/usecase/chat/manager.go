package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
)

const (
	DefaultContextWindow    = 10
	DefaultSessionTTL       = 24 * time.Hour
	DefaultSnapshotInterval = 30 * time.Second
	DefaultSweepInterval    = 60 * time.Second

	snapshotKey = "conversations/sessions.json"
)

// Manager owns the session table. The table is loaded from a snapshot once,
// written back periodically, and swept of idle sessions.
type Manager struct {
	mu       sync.Mutex
	sessions map[model.SessionID]*model.Session

	storage          adapter.Storage
	window           int
	ttl              time.Duration
	snapshotInterval time.Duration
	sweepInterval    time.Duration
	now              func() time.Time
	metrics          *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type ManagerOption func(*Manager)

// WithStorage enables snapshot persistence
func WithStorage(s adapter.Storage) ManagerOption {
	return func(m *Manager) {
		m.storage = s
	}
}

func WithContextWindow(n int) ManagerOption {
	return func(m *Manager) {
		m.window = n
	}
}

func WithSessionTTL(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.ttl = d
	}
}

func WithSnapshotInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.snapshotInterval = d
	}
}

func WithSweepInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.sweepInterval = d
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = mt
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:         map[model.SessionID]*model.Session{},
		window:           DefaultContextWindow,
		ttl:              DefaultSessionTTL,
		snapshotInterval: DefaultSnapshotInterval,
		sweepInterval:    DefaultSweepInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.window <= 0 {
		m.window = DefaultContextWindow
	}
	return m
}

// CreateSession starts an empty conversation
func (m *Manager) CreateSession(ctx context.Context) *model.Session {
	now := m.now()
	s := &model.Session{
		ID:             model.NewSessionID(),
		Messages:       []*model.Message{},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(n)
	logging.From(ctx).Info("conversation started", "session", s.ID)
	return s.Clone()
}

// AppendMessage adds msg to the session and returns the new message count
func (m *Manager) AppendMessage(id model.SessionID, msg *model.Message) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return 0, goerr.Wrap(model.ErrNotFound, "conversation not found", goerr.V("session", id))
	}

	now := m.now()
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	s.Messages = append(s.Messages, msg)
	s.LastActivityAt = now
	return len(s.Messages), nil
}

// GetSession returns a copy of the session
func (m *Manager) GetSession(id model.SessionID) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, goerr.Wrap(model.ErrNotFound, "conversation not found", goerr.V("session", id))
	}
	return s.Clone(), nil
}

// ListSessions returns summaries, most recently active first
func (m *Manager) ListSessions() []*model.SessionSummary {
	m.mu.Lock()
	summaries := make([]*model.SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		summaries = append(summaries, s.Summary())
	}
	m.mu.Unlock()

	sort.SliceStable(summaries, func(i, j int) bool {
		if !summaries[i].LastActivityAt.Equal(summaries[j].LastActivityAt) {
			return summaries[i].LastActivityAt.After(summaries[j].LastActivityAt)
		}
		return summaries[i].ID < summaries[j].ID
	})
	return summaries
}

// RecentMessages returns copies of the last context window messages of the session
func (m *Manager) RecentMessages(id model.SessionID) ([]*model.Message, error) {
	s, err := m.GetSession(id)
	if err != nil {
		return nil, err
	}
	return s.Recent(m.window), nil
}

// BuildContext renders messages as a plain transcript
func BuildContext(messages []*model.Message) string {
	lines := make([]string, 0, len(messages))
	for _, msg := range messages {
		speaker := "Assistant"
		if msg.Role == model.RoleUser {
			speaker = "User"
		}
		lines = append(lines, speaker+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// Len returns the number of live sessions
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the TTL and returns how many were removed
func (m *Manager) Sweep(ctx context.Context) int {
	now := m.now()

	m.mu.Lock()
	removed := 0
	for id, s := range m.sessions {
		if s.Expired(now, m.ttl) {
			delete(m.sessions, id)
			removed++
		}
	}
	n := len(m.sessions)
	m.mu.Unlock()

	m.metrics.SetSessions(n)
	m.metrics.SessionsExpired(removed)
	if removed > 0 {
		logging.From(ctx).Info("expired conversations removed", "removed", removed, "remaining", n)
	}
	return removed
}

type snapshot struct {
	SavedAt  time.Time        `json:"saved_at"`
	Sessions []*model.Session `json:"sessions"`
}

// Snapshot writes the whole session table to storage
func (m *Manager) Snapshot(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}

	m.mu.Lock()
	snap := snapshot{
		SavedAt:  m.now(),
		Sessions: make([]*model.Session, 0, len(m.sessions)),
	}
	for _, s := range m.sessions {
		snap.Sessions = append(snap.Sessions, s.Clone())
	}
	m.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return goerr.Wrap(err, "failed to marshal conversations")
	}
	if err := adapter.PutObject(ctx, m.storage, snapshotKey, data); err != nil {
		return goerr.Wrap(err, "failed to save conversations", goerr.V("sessions", len(snap.Sessions)))
	}

	logging.From(ctx).Debug("conversations saved", "sessions", len(snap.Sessions))
	return nil
}

// Load replaces the session table with the stored snapshot. A missing snapshot
// leaves the table empty.
func (m *Manager) Load(ctx context.Context) error {
	if m.storage == nil {
		return nil
	}

	data, err := adapter.GetObject(ctx, m.storage, snapshotKey)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return goerr.Wrap(err, "failed to load conversations")
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return goerr.Wrap(err, "failed to decode conversations snapshot")
	}

	sessions := make(map[model.SessionID]*model.Session, len(snap.Sessions))
	for _, s := range snap.Sessions {
		if s == nil || s.ID == "" {
			continue
		}
		if s.Messages == nil {
			s.Messages = []*model.Message{}
		}
		sessions[s.ID] = s
	}

	m.mu.Lock()
	m.sessions = sessions
	m.mu.Unlock()

	m.metrics.SetSessions(len(sessions))
	logging.From(ctx).Info("conversations loaded", "sessions", len(sessions))
	return nil
}

// Start runs the periodic snapshot and sweep until Close is called or ctx ends
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go m.every(ctx, m.snapshotInterval, func(ctx context.Context) {
		if err := m.Snapshot(ctx); err != nil {
			logging.From(ctx).Error("failed to snapshot conversations", "error", err)
		}
	})
	go m.every(ctx, m.sweepInterval, func(ctx context.Context) {
		m.Sweep(ctx)
	})
}

func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Close stops the recurring tasks and writes a final snapshot
func (m *Manager) Close(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
		m.cancel = nil
	}
	return m.Snapshot(ctx)
}
