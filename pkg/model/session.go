package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID generates a new unique SessionID
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// ParseConfidence maps a free form value to a Confidence, defaulting to medium
func ParseConfidence(s string) Confidence {
	switch Confidence(s) {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return Confidence(s)
	default:
		return ConfidenceMedium
	}
}

type Message struct {
	Role             Role            `json:"role"`
	Content          string          `json:"content"`
	Timestamp        time.Time       `json:"timestamp"`
	Confidence       Confidence      `json:"confidence,omitempty"`
	Sources          []string        `json:"sources,omitempty"`
	IsFollowup       bool            `json:"is_followup,omitempty"`
	RelevantMemories []*SearchResult `json:"relevant_memories,omitempty"`
}

// Session is one conversation. Messages are kept in append order.
type Session struct {
	ID             SessionID  `json:"id"`
	Messages       []*Message `json:"messages"`
	CreatedAt      time.Time  `json:"created_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

// Clone returns a copy that shares no slices with s
func (s *Session) Clone() *Session {
	cloned := *s
	cloned.Messages = make([]*Message, len(s.Messages))
	for i, msg := range s.Messages {
		m := *msg
		m.Sources = append([]string(nil), msg.Sources...)
		m.RelevantMemories = append([]*SearchResult(nil), msg.RelevantMemories...)
		cloned.Messages[i] = &m
	}
	return &cloned
}

// Recent returns at most the last n messages in order
func (s *Session) Recent(n int) []*Message {
	if n <= 0 {
		return nil
	}
	if len(s.Messages) <= n {
		return s.Messages
	}
	return s.Messages[len(s.Messages)-n:]
}

// Expired reports whether the session has been idle for longer than ttl at now
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivityAt) > ttl
}

const sessionPreviewLength = 100

// Summary returns the listing view of the session
func (s *Session) Summary() *SessionSummary {
	summary := &SessionSummary{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		MessageCount:   len(s.Messages),
		Preview:        "No messages",
	}
	if len(s.Messages) > 0 {
		preview := []rune(s.Messages[0].Content)
		if len(preview) > sessionPreviewLength {
			preview = preview[:sessionPreviewLength]
		}
		summary.Preview = string(preview)
	}
	return summary
}

type SessionSummary struct {
	ID             SessionID `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	MessageCount   int       `json:"message_count"`
	Preview        string    `json:"preview"`
}
