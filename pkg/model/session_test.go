package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/model"
)

func newSession(n int) *model.Session {
	now := time.Date(2025, 5, 3, 10, 0, 0, 0, time.UTC)
	s := &model.Session{ID: model.NewSessionID(), CreatedAt: now, LastActivityAt: now}
	for i := range n {
		s.Messages = append(s.Messages, &model.Message{
			Role:      model.RoleUser,
			Content:   strings.Repeat("x", i+1),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
	}
	return s
}

func TestSessionRecent(t *testing.T) {
	s := newSession(5)
	gt.A(t, s.Recent(3)).Length(3)
	gt.Equal(t, s.Recent(3)[0].Content, "xxx")
	gt.A(t, s.Recent(10)).Length(5)
	gt.A(t, s.Recent(0)).Length(0)
}

func TestSessionExpired(t *testing.T) {
	s := newSession(1)
	gt.False(t, s.Expired(s.LastActivityAt.Add(time.Hour), 2*time.Hour))
	gt.False(t, s.Expired(s.LastActivityAt.Add(2*time.Hour), 2*time.Hour))
	gt.True(t, s.Expired(s.LastActivityAt.Add(2*time.Hour+time.Second), 2*time.Hour))
}

func TestSessionSummary(t *testing.T) {
	s := newSession(0)
	gt.Equal(t, s.Summary().Preview, "No messages")
	gt.Equal(t, s.Summary().MessageCount, 0)

	s.Messages = append(s.Messages, &model.Message{Role: model.RoleUser, Content: strings.Repeat("あ", 150)})
	summary := s.Summary()
	gt.Equal(t, summary.Preview, strings.Repeat("あ", 100))
	gt.Equal(t, summary.MessageCount, 1)
	gt.Equal(t, summary.ID, s.ID)
}

func TestSessionClone(t *testing.T) {
	s := newSession(2)
	s.Messages[0].Sources = []string{"a"}

	cloned := s.Clone()
	cloned.Messages[0].Content = "changed"
	cloned.Messages[0].Sources[0] = "b"
	cloned.Messages = append(cloned.Messages, &model.Message{Content: "new"})

	gt.Equal(t, s.Messages[0].Content, "x")
	gt.Equal(t, s.Messages[0].Sources[0], "a")
	gt.A(t, s.Messages).Length(2)
}

func TestParseConfidence(t *testing.T) {
	gt.Equal(t, model.ParseConfidence("high"), model.ConfidenceHigh)
	gt.Equal(t, model.ParseConfidence("low"), model.ConfidenceLow)
	gt.Equal(t, model.ParseConfidence("certain"), model.ConfidenceMedium)
	gt.Equal(t, model.ParseConfidence(""), model.ConfidenceMedium)
}
