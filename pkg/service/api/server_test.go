package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/keepr/pkg/adapter"
	"github.com/m-mizutani/keepr/pkg/embedding"
	"github.com/m-mizutani/keepr/pkg/metrics"
	"github.com/m-mizutani/keepr/pkg/repository"
	"github.com/m-mizutani/keepr/pkg/service/api"
	"github.com/m-mizutani/keepr/pkg/usecase/chat"
	"github.com/m-mizutani/keepr/pkg/usecase/memory"
	"github.com/m-mizutani/keepr/pkg/usecase/search"
)

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func newServer(t *testing.T) *api.Server {
	emb, err := embedding.New()
	gt.NoError(t, err)

	assets := adapter.NewMemoryStorage()
	repo := repository.NewFallback(nil, repository.WithAssets(assets))
	clock := func() time.Time { return time.Date(2025, 4, 11, 9, 30, 0, 0, time.UTC) }
	manager := chat.NewManager()

	return api.New(
		memory.New(repo, emb, memory.WithAssets(assets), memory.WithClock(clock)),
		search.New(repo, emb),
		chat.New(manager, repo, emb),
		manager,
		api.WithAssets(assets),
		api.WithBackend(repo.Name()),
		api.WithMetrics(metrics.New()),
	)
}

func call(t *testing.T, srv http.Handler, method, path string, body any) (int, *response) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		gt.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var resp response
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, &resp
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	var v T
	gt.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHealth(t *testing.T) {
	code, resp := call(t, newServer(t), http.MethodGet, "/api/health", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.True(t, resp.Success)

	health := decode[map[string]any](t, resp.Data)
	gt.Equal(t, health["backend"], any("memory"))
}

func TestMemoryLifecycle(t *testing.T) {
	srv := newServer(t)

	code, resp := call(t, srv, http.MethodPost, "/api/memory/text", map[string]string{
		"title":   "Paris",
		"content": "Trip to Paris in May",
	})
	gt.Equal(t, code, http.StatusOK)
	gt.S(t, string(resp.Data)).NotContains("embedding")
	gt.S(t, string(resp.Data)).NotContains("searchable")
	created := decode[map[string]any](t, resp.Data)
	id := created["id"].(string)
	gt.Equal(t, created["content"], any("Trip to Paris in May"))

	code, resp = call(t, srv, http.MethodPost, "/api/search", map[string]any{"query": "Paris trip", "limit": 5})
	gt.Equal(t, code, http.StatusOK)
	out := decode[struct {
		Results []struct {
			ID    string  `json:"id"`
			Score float64 `json:"score"`
		} `json:"results"`
		Total   int    `json:"total"`
		Backend string `json:"backend"`
	}](t, resp.Data)
	gt.A(t, out.Results).Length(1)
	gt.Equal(t, out.Results[0].ID, id)
	gt.Equal(t, out.Backend, "memory")

	code, resp = call(t, srv, http.MethodGet, "/api/memory/"+id, nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, decode[map[string]any](t, resp.Data)["title"], any("Paris"))

	code, _ = call(t, srv, http.MethodDelete, "/api/memory/"+id, nil)
	gt.Equal(t, code, http.StatusOK)

	code, resp = call(t, srv, http.MethodGet, "/api/memory/"+id, nil)
	gt.Equal(t, code, http.StatusNotFound)
	gt.True(t, !resp.Success)
}

func TestListMemories(t *testing.T) {
	srv := newServer(t)

	code, resp := call(t, srv, http.MethodGet, "/api/memories", nil)
	gt.Equal(t, code, http.StatusOK)
	empty := decode[struct {
		Memories []map[string]any `json:"memories"`
		Total    int              `json:"total"`
	}](t, resp.Data)
	gt.Equal(t, empty.Total, 0)

	for _, title := range []string{"Paris", "Gym"} {
		code, _ = call(t, srv, http.MethodPost, "/api/memory/text", map[string]string{
			"title":   title,
			"content": title + " note",
		})
		gt.Equal(t, code, http.StatusOK)
	}

	code, resp = call(t, srv, http.MethodGet, "/api/memories", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.S(t, string(resp.Data)).NotContains("embedding")
	gt.S(t, string(resp.Data)).NotContains("searchable")
	list := decode[struct {
		Memories []map[string]any `json:"memories"`
		Total    int              `json:"total"`
		Source   string           `json:"source"`
	}](t, resp.Data)
	gt.Equal(t, list.Total, 2)
	gt.A(t, list.Memories).Length(2)
	gt.Equal(t, list.Source, "memory")

	code, resp = call(t, srv, http.MethodGet, "/api/memories?limit=1", nil)
	gt.Equal(t, code, http.StatusOK)
	gt.Equal(t, decode[map[string]any](t, resp.Data)["total"], any(float64(1)))

	code, resp = call(t, srv, http.MethodGet, "/api/memories?limit=many", nil)
	gt.Equal(t, code, http.StatusBadRequest)
	gt.True(t, !resp.Success)
}

func TestDeleteUnknownMemory(t *testing.T) {
	code, resp := call(t, newServer(t), http.MethodDelete, "/api/memory/nonexistent-id", nil)
	gt.Equal(t, code, http.StatusNotFound)
	gt.True(t, !resp.Success)
	gt.S(t, resp.Error).Contains("not found")
}

func TestValidationErrors(t *testing.T) {
	srv := newServer(t)

	testCases := []struct {
		name string
		path string
		body any
	}{
		{"empty text", "/api/memory/text", map[string]string{"title": "x"}},
		{"missing url", "/api/memory/link", map[string]string{"title": "x"}},
		{"empty query", "/api/search", map[string]string{"query": ""}},
		{"missing session", "/api/chat/message", map[string]string{"message": "hi"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, resp := call(t, srv, http.MethodPost, tc.path, tc.body)
			gt.Equal(t, code, http.StatusBadRequest)
			gt.True(t, !resp.Success)
			gt.S(t, resp.Error).NotContains("goroutine")
		})
	}

	t.Run("non JSON body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/memory/text", strings.NewReader("content=hello"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		gt.Equal(t, rec.Code, http.StatusBadRequest)
	})
}

func TestChatFlow(t *testing.T) {
	srv := newServer(t)

	code, resp := call(t, srv, http.MethodPost, "/api/chat/start", nil)
	gt.Equal(t, code, http.StatusOK)
	started := decode[map[string]string](t, resp.Data)
	sessionID := started["session_id"]
	gt.Equal(t, started["message"], chat.StartMessage)

	code, resp = call(t, srv, http.MethodPost, "/api/chat/message", map[string]string{
		"session_id": sessionID,
		"message":    "Hello",
	})
	gt.Equal(t, code, http.StatusOK)
	reply := decode[struct {
		Message struct {
			Content    string `json:"content"`
			Confidence string `json:"confidence"`
		} `json:"message"`
		ConversationLength int    `json:"conversation_length"`
		SearchMethod       string `json:"search_method"`
	}](t, resp.Data)
	gt.Equal(t, reply.Message.Confidence, "low")
	gt.Equal(t, reply.ConversationLength, 2)
	gt.Equal(t, reply.SearchMethod, "memory")

	code, resp = call(t, srv, http.MethodGet, "/api/chat/"+sessionID, nil)
	gt.Equal(t, code, http.StatusOK)
	session := decode[struct {
		Messages []any `json:"messages"`
	}](t, resp.Data)
	gt.A(t, session.Messages).Length(2)

	code, resp = call(t, srv, http.MethodGet, "/api/conversations", nil)
	gt.Equal(t, code, http.StatusOK)
	list := decode[struct {
		Conversations []struct {
			Preview string `json:"preview"`
		} `json:"conversations"`
		Total int `json:"total"`
	}](t, resp.Data)
	gt.Equal(t, list.Total, 1)
	gt.Equal(t, list.Conversations[0].Preview, "Hello")

	code, _ = call(t, srv, http.MethodPost, "/api/chat/message", map[string]string{
		"session_id": "unknown",
		"message":    "Hello",
	})
	gt.Equal(t, code, http.StatusNotFound)

	code, _ = call(t, srv, http.MethodGet, "/api/chat/unknown", nil)
	gt.Equal(t, code, http.StatusNotFound)
}

func TestImageUpload(t *testing.T) {
	srv := newServer(t)

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="image"; filename="sunset.png"`)
	header.Set("Content-Type", "image/png")
	part, err := w.CreatePart(header)
	gt.NoError(t, err)
	_, err = part.Write([]byte("png-bytes"))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/memory/image", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	gt.Equal(t, rec.Code, http.StatusOK)

	var resp response
	gt.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	created := decode[map[string]any](t, resp.Data)
	gt.Equal(t, created["type"], any("image"))
	gt.Equal(t, created["file_name"], any("sunset.png"))

	req = httptest.NewRequest(http.MethodGet, "/api/memory/"+created["id"].(string)+"/image", nil)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	gt.Equal(t, rec.Code, http.StatusOK)
	gt.Equal(t, rec.Body.String(), "png-bytes")
	gt.Equal(t, rec.Header().Get("Content-Type"), "image/png")

	t.Run("missing file", func(t *testing.T) {
		var body bytes.Buffer
		w := multipart.NewWriter(&body)
		gt.NoError(t, w.WriteField("note", "no image"))
		gt.NoError(t, w.Close())

		req := httptest.NewRequest(http.MethodPost, "/api/memory/image", &body)
		req.Header.Set("Content-Type", w.FormDataContentType())
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		gt.Equal(t, rec.Code, http.StatusBadRequest)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	gt.Equal(t, rec.Code, http.StatusOK)
}

func TestRunStopsWithContext(t *testing.T) {
	srv := newServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		gt.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
