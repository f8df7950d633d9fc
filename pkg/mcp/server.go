// Package mcp exposes the orchestrator to agents as an MCP server speaking
// line-delimited JSON-RPC 2.0 over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/itsacoffee/aura-orchestrator/pkg/audit"
	"github.com/itsacoffee/aura-orchestrator/pkg/breaker"
	"github.com/itsacoffee/aura-orchestrator/pkg/budget"
	"github.com/itsacoffee/aura-orchestrator/pkg/cache"
	"github.com/itsacoffee/aura-orchestrator/pkg/orchestrator"
	"github.com/itsacoffee/aura-orchestrator/pkg/resolver"
)

// Deps are the components the tools call. Cache may be nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Resolver     *resolver.Resolver
	Breaker      *breaker.Breaker
	Budget       *budget.Manager
	Cache        *cache.Cache
	Audit        *audit.Log
	Logger       *zap.Logger
}

// Server is an MCP tool server.
type Server struct {
	d       Deps
	logger  *zap.Logger
	version string
}

// New creates a Server.
func New(d Deps, version string) *Server {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{d: d, logger: logger, version: version}
}

// Run reads requests from r line by line and writes responses to w.
// It returns when r is exhausted or ctx is done.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 4*1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, *resp)
		}
	}
	return scanner.Err()
}

// dispatch returns nil for notifications.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.reply(req, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "aura", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "ping":
		return s.reply(req, map[string]any{})
	case "tools/list":
		return s.reply(req, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.callTool(ctx, req)
	}
	if len(req.ID) == 0 {
		return nil
	}
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
	}
}

func (s *Server) callTool(ctx context.Context, req *Request) *Response {
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
		return s.reply(req, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	s.logger.Debug("mcp tool call", zap.String("tool", params.Name))
	return s.reply(req, handler(ctx, s, params.Arguments))
}

func (s *Server) reply(req *Request, result any) *Response {
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (s *Server) write(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("mcp marshal", zap.Error(err))
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.logger.Error("mcp write", zap.Error(err))
	}
}
