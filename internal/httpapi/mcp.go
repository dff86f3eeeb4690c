package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ilminate-mcp/internal/mcpbridge"
	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
)

const (
	sessionHeader = "Mcp-Session-Id"
	sessionIdle   = time.Hour
)

// MCPHandler serves the MCP protocol over HTTP: one JSON-RPC message per POST,
// with sessions tracked by the Mcp-Session-Id header.
type MCPHandler struct {
	server *mcpbridge.Server
	tools  mcpbridge.ToolProvider
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]time.Time
}

// NewMCPHandler creates an MCPHandler.
func NewMCPHandler(server *mcpbridge.Server, tools mcpbridge.ToolProvider, logger *zap.Logger) *MCPHandler {
	return &MCPHandler{
		server:   server,
		tools:    tools,
		logger:   logger,
		sessions: make(map[string]time.Time),
	}
}

// Register mounts the MCP endpoint on the root router and the REST tool
// routes on the API group.
func (h *MCPHandler) Register(root gin.IRoutes, api *gin.RouterGroup) {
	root.POST("/mcp", h.Post)
	root.GET("/mcp", h.NoStream)
	root.DELETE("/mcp", h.EndSession)

	api.GET("/tools", h.ListTools)
	api.POST("/tools/call", h.CallTool)
}

// Post handles POST /mcp.
func (h *MCPHandler) Post(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "message too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	session := c.GetHeader(sessionHeader)
	switch {
	case session != "" && !h.touch(session):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	case session == "" && isInitialize(body):
		session = h.open()
		h.logger.Info("mcp session opened", zap.String("session", session))
	}
	if session != "" {
		c.Header(sessionHeader, session)
	}

	resp, ok := h.server.Handle(c.Request.Context(), body)
	if !ok {
		c.Status(http.StatusAccepted)
		return
	}
	c.Data(http.StatusOK, "application/json", resp)
}

// NoStream handles GET /mcp. Responses always travel on the POST, so there
// is no server-initiated event stream to open.
func (h *MCPHandler) NoStream(c *gin.Context) {
	c.Header("Allow", "POST, DELETE")
	c.Status(http.StatusMethodNotAllowed)
}

// EndSession handles DELETE /mcp.
func (h *MCPHandler) EndSession(c *gin.Context) {
	session := c.GetHeader(sessionHeader)
	h.mu.Lock()
	_, ok := h.sessions[session]
	delete(h.sessions, session)
	h.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	h.logger.Info("mcp session closed", zap.String("session", session))
	c.Status(http.StatusNoContent)
}

// ListTools handles GET /api/v1/tools.
func (h *MCPHandler) ListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": h.tools.Definitions()})
}

// CallTool handles POST /api/v1/tools/call. Tool-level failures are reported
// in the result's isError field with status 200, as over MCP.
func (h *MCPHandler) CallTool(c *gin.Context) {
	var req struct {
		Name      string          `json:"name" binding:"required"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	if len(req.Arguments) == 0 || string(req.Arguments) == "null" {
		req.Arguments = json.RawMessage(`{}`)
	}

	text, isErr := h.tools.Call(c.Request.Context(), req.Name, req.Arguments)
	c.JSON(http.StatusOK, mcpmanifest.TextResult(text, isErr))
}

// SessionCount returns the number of open MCP sessions.
func (h *MCPHandler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// touch refreshes a known session and reports whether it exists.
func (h *MCPHandler) touch(session string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[session]; !ok {
		return false
	}
	h.sessions[session] = time.Now()
	return true
}

func (h *MCPHandler) open() string {
	session := uuid.New().String()
	now := time.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, seen := range h.sessions {
		if now.Sub(seen) > sessionIdle {
			delete(h.sessions, id)
		}
	}
	h.sessions[session] = now
	return session
}

func isInitialize(body []byte) bool {
	var probe struct {
		Method string `json:"method"`
	}
	return json.Unmarshal(body, &probe) == nil && probe.Method == "initialize"
}
