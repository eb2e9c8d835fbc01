// Package mcp binds the prompt-chain engine to the Model Context Protocol.
//
// This implementation uses the MCP SDK (github.com/modelcontextprotocol/go-sdk/mcp)
// and calls the engine directly; the server itself is transport plumbing only.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/pipeline"
	"github.com/promptforge/chaind/internal/prompts"
	"github.com/promptforge/chaind/internal/session"
)

// Server exposes the engine over MCP.
type Server struct {
	mcp     *mcp.Server
	engine  *pipeline.Engine
	library prompts.Library
	store   *session.Store
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "chaind").
	Name string

	// Version is the server version.
	Version string

	// Logger for structured logging.
	Logger *zap.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "chaind",
		Version: "1.0.0",
		Logger:  zap.NewNop(),
	}
}

// NewServer creates the MCP server over an engine and its collaborators.
func NewServer(cfg *Config, engine *pipeline.Engine, library prompts.Library, store *session.Store) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if library == nil {
		return nil, fmt.Errorf("prompt library is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	s := &Server{
		mcp:     mcpServer,
		engine:  engine,
		library: library,
		store:   store,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	s.registerTools()
	return s, nil
}

// Run starts the MCP server on the stdio transport.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting MCP server on stdio transport")
	transport := &mcp.StdioTransport{}
	if err := s.mcp.Run(ctx, transport); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
