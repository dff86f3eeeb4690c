// Package mcpbridge implements the Model Context Protocol (MCP) server that
// exposes the detection tools and threat-feed management as MCP tools.
//
// The server speaks JSON-RPC 2.0 over stdio, the standard transport for local
// MCP hosts, and can also answer single messages for the HTTP transport.
package mcpbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ServerName and ServerVersion are reported in the initialize handshake.
const (
	ServerName    = "ilminate-mcp"
	ServerVersion = "0.3.0"
)

var tracer = otel.Tracer("github.com/jmerrifield20/ilminate-mcp/internal/mcpbridge")

// rpcRequest is an inbound JSON-RPC 2.0 message.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"` // nil = notification
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// rpcResponse is an outbound JSON-RPC 2.0 message.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
)

// ToolProvider lists and executes tools. ToolRegistry is the production
// implementation.
type ToolProvider interface {
	Definitions() []mcpmanifest.Tool
	Call(ctx context.Context, name string, args json.RawMessage) (string, bool)
}

// Server is an MCP server. Serve reads newline-delimited JSON-RPC 2.0
// messages and writes responses to the writer passed to NewServer; Handle
// answers one message for request/response transports.
type Server struct {
	tools  ToolProvider
	out    *json.Encoder
	outMu  sync.Mutex
	logger *zap.Logger
	wg     sync.WaitGroup
}

// NewServer creates an MCP server that writes responses to w. w may be nil
// when the server is only used through Handle. logger must not write to
// stdout in stdio mode.
func NewServer(w io.Writer, tools ToolProvider, logger *zap.Logger) *Server {
	s := &Server{tools: tools, logger: logger}
	if w != nil {
		s.out = json.NewEncoder(w)
	}
	return s
}

// Serve reads JSON-RPC messages from r until EOF or ctx is cancelled, then
// cancels and waits for in-flight tool calls.
func (s *Server) Serve(ctx context.Context, r io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer s.wg.Wait()
	defer cancel()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB max per message

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(errorResponse(json.RawMessage(`null`), codeParseError, "parse error"))
			continue
		}

		// Notifications have no id and get no response.
		if len(req.ID) == 0 {
			continue
		}

		// Tool calls may wait on the backend, so they run concurrently while
		// protocol-level methods stay synchronous.
		if req.Method == "tools/call" {
			s.wg.Add(1)
			go func(req rpcRequest) {
				defer s.wg.Done()
				s.write(s.dispatch(ctx, req))
			}(req)
		} else {
			s.write(s.dispatch(ctx, req))
		}
	}
	return scanner.Err()
}

// Handle answers a single JSON-RPC message. It returns false for
// notifications, which get no response body.
func (s *Server) Handle(ctx context.Context, msg []byte) ([]byte, bool) {
	var req rpcRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		b, _ := json.Marshal(errorResponse(json.RawMessage(`null`), codeParseError, "parse error"))
		return b, true
	}
	if len(req.ID) == 0 {
		return nil, false
	}
	b, err := json.Marshal(s.dispatch(ctx, req))
	if err != nil {
		s.logger.Error("marshal response", zap.Error(err))
		b, _ = json.Marshal(errorResponse(req.ID, codeInvalidRequest, "unencodable result"))
	}
	return b, true
}

func (s *Server) dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	switch req.Method {
	case "initialize":
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]any{
				"protocolVersion": mcpmanifest.ProtocolVersion,
				"capabilities":    map[string]any{"tools": map[string]any{}},
				"serverInfo":      mcpmanifest.ServerInfo{Name: ServerName, Version: ServerVersion},
			},
		}
	case "ping":
		return rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{}}
	case "tools/list":
		return rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  map[string]any{"tools": s.tools.Definitions()},
		}
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return errorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req rpcRequest) rpcResponse {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
		return errorResponse(req.ID, codeInvalidParams, "invalid params")
	}
	if len(params.Arguments) == 0 || string(params.Arguments) == "null" {
		params.Arguments = json.RawMessage(`{}`)
	}

	ctx, span := tracer.Start(ctx, "tools/call "+params.Name)
	defer span.End()
	span.SetAttributes(attribute.String("mcp.tool", params.Name))

	s.logger.Info("tool call", zap.String("tool", params.Name))
	text, isErr := s.tools.Call(ctx, params.Name, params.Arguments)
	if isErr {
		span.SetStatus(codes.Error, text)
	}

	return rpcResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  mcpmanifest.TextResult(text, isErr),
	}
}

func (s *Server) write(resp rpcResponse) {
	if s.out == nil {
		return
	}
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if err := s.out.Encode(resp); err != nil {
		s.logger.Error("write response", zap.Error(err))
	}
}

func errorResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: code, Message: msg},
	}
}
