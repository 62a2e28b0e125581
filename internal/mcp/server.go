package mcp

import (
	"context"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"sagaforge/internal/branch"
	"sagaforge/internal/store"
	"sagaforge/internal/story"
	"sagaforge/internal/workflow"
)

type Runner interface {
	Run(ctx context.Context, in workflow.RunInput) (*workflow.Result, error)
}

type Forker interface {
	Fork(ctx context.Context, in branch.ForkInput) (*story.Branch, error)
}

// Reader is the read side of the store exposed to agents.
type Reader interface {
	store.ChapterReader
	ListBranches(ctx context.Context, storyID string) ([]story.Branch, error)
	CharacterStates(ctx context.Context, storyID, branchID string, before int) ([]story.CharacterState, error)
	Search(ctx context.Context, q store.SearchQuery) ([]store.SearchResult, error)
}

type Server struct {
	runner Runner
	forker Forker
	db     Reader
	mcp    *sdk.Server
}

func NewServer(runner Runner, forker Forker, db Reader, version string) *Server {
	s := &Server{
		runner: runner,
		forker: forker,
		db:     db,
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "sagaforge",
			Version: version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}
