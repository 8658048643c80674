package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/keepr/pkg/model"
	"github.com/m-mizutani/keepr/pkg/usecase/memory"
	"github.com/m-mizutani/keepr/pkg/usecase/search"
	"github.com/m-mizutani/keepr/pkg/utils/logging"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Server publishes memory search and capture as MCP tools
type Server struct {
	memory *memory.UseCase
	search *search.UseCase
	server *mcp.Server
}

func New(mem *memory.UseCase, srch *search.UseCase, version string) *Server {
	s := &Server{
		memory: mem,
		search: srch,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "keepr",
			Version: version,
		}, nil),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "search_memories",
		Description: "Search the user's saved notes, links and images by meaning. Returns matching memories with a relevance score between 0 and 1.",
	}, s.searchMemories)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "get_memory",
		Description: "Get one saved memory by its id",
	}, s.getMemory)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "remember_note",
		Description: "Save a text note as a new memory",
	}, s.rememberNote)

	return s
}

// RunStdio serves a single client over stdin and stdout until ctx ends
func (s *Server) RunStdio(ctx context.Context) error {
	if err := s.server.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return goerr.Wrap(err, "mcp server stopped")
	}
	return nil
}

// Handler serves MCP over streamable HTTP
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.server
	}, nil)
}

type searchParams struct {
	Query string `json:"query" jsonschema:"What to look for, in natural language"`
	Limit int    `json:"limit,omitempty" jsonschema:"Maximum number of memories to return (default 10)"`
}

func (s *Server) searchMemories(ctx context.Context, req *mcp.CallToolRequest, params *searchParams) (*mcp.CallToolResult, any, error) {
	out, err := s.search.Search(ctx, params.Query, params.Limit)
	if err != nil {
		return toolError(ctx, "search_memories", err)
	}
	return jsonResult(out)
}

type getMemoryParams struct {
	ID string `json:"id" jsonschema:"Memory id"`
}

func (s *Server) getMemory(ctx context.Context, req *mcp.CallToolRequest, params *getMemoryParams) (*mcp.CallToolResult, any, error) {
	m, err := s.memory.Get(ctx, model.MemoryID(params.ID))
	if err != nil {
		return toolError(ctx, "get_memory", err)
	}
	return jsonResult(m.View())
}

type rememberNoteParams struct {
	Title   string `json:"title,omitempty" jsonschema:"Short title of the note"`
	Content string `json:"content" jsonschema:"Body of the note"`
}

func (s *Server) rememberNote(ctx context.Context, req *mcp.CallToolRequest, params *rememberNoteParams) (*mcp.CallToolResult, any, error) {
	m, err := s.memory.IngestText(ctx, params.Title, params.Content)
	if err != nil {
		return toolError(ctx, "remember_note", err)
	}
	return jsonResult(m.View())
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, goerr.Wrap(err, "failed to marshal tool result")
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			&mcp.TextContent{Text: string(raw)},
		},
	}, nil, nil
}

// toolError reports caller mistakes as tool results so the model can correct
// itself. Other failures are returned as errors.
func toolError(ctx context.Context, tool string, err error) (*mcp.CallToolResult, any, error) {
	if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrNotFound) {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: err.Error()},
			},
		}, nil, nil
	}

	logging.From(ctx).Error("mcp tool failed", "tool", tool, "error", err)
	return nil, nil, goerr.Wrap(err, "tool failed", goerr.V("tool", tool))
}
