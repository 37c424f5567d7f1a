package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/pario-ai/genrelay/pkg/connectivity"
	"github.com/pario-ai/genrelay/pkg/models"
	"github.com/pario-ai/genrelay/pkg/orchestrator"
	"github.com/pario-ai/genrelay/pkg/tracker"
)

// BudgetReporter reports budget usage without coupling to the enforcer.
type BudgetReporter interface {
	Status(ctx context.Context) ([]models.BudgetStatus, error)
}

// Server is a minimal MCP server that communicates over stdio using JSON-RPC 2.0.
type Server struct {
	orch    *orchestrator.Orchestrator
	monitor *connectivity.Monitor
	tracker tracker.Tracker
	budget  BudgetReporter
	logger  *zap.Logger
	version string
}

// Option configures a Server.
type Option func(*Server)

// WithConnectivity enables the set_connectivity tool.
func WithConnectivity(m *connectivity.Monitor) Option {
	return func(s *Server) { s.monitor = m }
}

// WithTracker enables the usage_stats tool.
func WithTracker(t tracker.Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithBudget enables the budget tool.
func WithBudget(b BudgetReporter) Option {
	return func(s *Server) { s.budget = b }
}

// WithLogger sets the logger. It must not write to the protocol stream.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// New creates a new MCP Server.
func New(o *orchestrator.Orchestrator, version string, opts ...Option) *Server {
	s := &Server{
		orch:    o,
		logger:  zap.NewNop(),
		version: version,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			// notification, no response
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
		}
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "genrelay", Version: s.version},
			Capabilities:    Capabilities{Tools: &ToolsCapability{}},
		},
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: allTools},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeInvalidParams, Message: "invalid params"},
		}
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: ToolCallResult{
				Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", params.Name)}},
				IsError: true,
			},
		}
	}

	s.logger.Debug("mcp: tool call", zap.String("tool", params.Name))
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  handler(ctx, s, params.Arguments),
	}
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp: marshal response", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp: write response", zap.Error(err))
	}
}
