package api

import (
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
)

type startChatResponse struct {
	SessionID model.SessionID `json:"session_id"`
	Message   string          `json:"message"`
}

func (s *Server) startChat(c echo.Context) error {
	session, greeting := s.chat.StartSession(c.Request().Context())
	return ok(c, &startChatResponse{
		SessionID: session.ID,
		Message:   greeting,
	})
}

type sendMessageRequest struct {
	SessionID model.SessionID `json:"session_id"`
	Message   string          `json:"message"`
}

func (s *Server) sendMessage(c echo.Context) error {
	var req sendMessageRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	if req.SessionID == "" {
		return goerr.Wrap(model.ErrValidation, "session_id is required")
	}

	reply, err := s.chat.HandleMessage(c.Request().Context(), req.SessionID, req.Message)
	if err != nil {
		return err
	}
	return ok(c, reply)
}

func (s *Server) getConversation(c echo.Context) error {
	session, err := s.manager.GetSession(model.SessionID(c.Param("sessionId")))
	if err != nil {
		return err
	}
	return ok(c, session)
}

type conversationList struct {
	Conversations []*model.SessionSummary `json:"conversations"`
	Total         int                     `json:"total"`
}

func (s *Server) listConversations(c echo.Context) error {
	list := s.manager.ListSessions()
	return ok(c, &conversationList{
		Conversations: list,
		Total:         len(list),
	})
}

type ingestTextRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

func (s *Server) ingestText(c echo.Context) error {
	var req ingestTextRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	m, err := s.memory.IngestText(c.Request().Context(), req.Title, req.Content)
	if err != nil {
		return err
	}
	return ok(c, m.View())
}

type ingestLinkRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

func (s *Server) ingestLink(c echo.Context) error {
	var req ingestLinkRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	m, err := s.memory.IngestLink(c.Request().Context(), req.URL, req.Title, req.Description)
	if err != nil {
		return err
	}
	return ok(c, m.View())
}

func (s *Server) ingestImage(c echo.Context) error {
	fh, err := c.FormFile("image")
	if err != nil {
		return goerr.Wrap(model.ErrValidation, "image file is required")
	}
	if fh.Size > s.maxUploadSize {
		return goerr.Wrap(model.ErrValidation, "image file is too large",
			goerr.V("size", fh.Size),
			goerr.V("limit", s.maxUploadSize))
	}

	f, err := fh.Open()
	if err != nil {
		return goerr.Wrap(err, "failed to open uploaded image")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.maxUploadSize+1))
	if err != nil {
		return goerr.Wrap(err, "failed to read uploaded image")
	}

	mimeType := fh.Header.Get(echo.HeaderContentType)
	if mimeType == "" || mimeType == echo.MIMEOctetStream {
		mimeType = http.DetectContentType(data)
	}

	m, err := s.memory.IngestImage(c.Request().Context(), fh.Filename, mimeType, data)
	if err != nil {
		return err
	}
	return ok(c, m.View())
}

type memoryList struct {
	Memories []*model.MemoryView `json:"memories"`
	Total    int                 `json:"total"`
	Backend  string              `json:"source"`
}

func (s *Server) listMemories(c echo.Context) error {
	var limit int
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil {
		return goerr.Wrap(model.ErrValidation, "limit must be a number")
	}

	memories, err := s.memory.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}

	views := make([]*model.MemoryView, len(memories))
	for i, m := range memories {
		views[i] = m.View()
	}
	return ok(c, &memoryList{
		Memories: views,
		Total:    len(views),
		Backend:  s.backend,
	})
}

func (s *Server) getMemory(c echo.Context) error {
	m, err := s.memory.Get(c.Request().Context(), model.MemoryID(c.Param("id")))
	if err != nil {
		return err
	}
	return ok(c, m.View())
}

func (s *Server) getImage(c echo.Context) error {
	ctx := c.Request().Context()
	m, err := s.memory.Get(ctx, model.MemoryID(c.Param("id")))
	if err != nil {
		return err
	}
	img := m.Image()
	if img == nil || s.assets == nil {
		return goerr.Wrap(model.ErrNotFound, "memory has no image", goerr.V("id", m.ID))
	}

	r, err := s.assets.Get(ctx, img.AssetKey)
	if err != nil {
		return err
	}
	defer r.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, `inline; filename="`+path.Base(img.FileName)+`"`)
	return c.Stream(http.StatusOK, img.MIMEType, r)
}

type deleteResponse struct {
	ID      model.MemoryID `json:"id"`
	Deleted bool           `json:"deleted"`
}

func (s *Server) deleteMemory(c echo.Context) error {
	id := model.MemoryID(c.Param("id"))
	if err := s.memory.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return ok(c, &deleteResponse{ID: id, Deleted: true})
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) searchMemories(c echo.Context) error {
	var req searchRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	out, err := s.search.Search(c.Request().Context(), req.Query, req.Limit)
	if err != nil {
		return err
	}
	return ok(c, out)
}

func bind(c echo.Context, v any) error {
	if !strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return goerr.Wrap(model.ErrValidation, "request body must be JSON")
	}
	if err := c.Bind(v); err != nil {
		return goerr.Wrap(model.ErrValidation, "malformed request body")
	}
	return nil
}
