// Package mcpclient is the Model Context Protocol client used to poll
// external threat-feed servers. It wraps the official Go SDK session and
// converts its results into the mcpmanifest wire types the rest of the module
// uses.
//
// A Client holds exactly one session, either with a long-lived sub-process
// speaking MCP over stdio or with a remote streamable HTTP endpoint. It is
// safe for concurrent use.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// Version is reported as clientInfo.version during the handshake.
const Version = "0.3.0"

// shutdownGrace is how long a sub-process gets to exit after its stdin is
// closed before it is terminated.
const shutdownGrace = 3 * time.Second

// maxToolPages bounds tools/list pagination against a misbehaving server.
const maxToolPages = 20

// ErrClosed is returned for calls on, or pending during, a closed client.
var ErrClosed = errors.New("mcp client closed")

// Client is a connected, initialized MCP client.
type Client struct {
	session *mcp.ClientSession
	logger  *zap.Logger
	server  mcpmanifest.ServerInfo
	stderr  *zapio.Writer

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// DialStdio starts command as a sub-process and performs the MCP handshake
// over its stdin and stdout. The sub-process's stderr is forwarded to logger.
// ctx bounds the handshake only; the process lives until Close.
func DialStdio(ctx context.Context, command string, args []string, logger *zap.Logger) (*Client, error) {
	logger = logger.With(zap.String("command", command))
	stderr := &zapio.Writer{Log: logger.Named("stderr"), Level: zapcore.InfoLevel}

	cmd := exec.Command(command, args...)
	cmd.Stderr = stderr
	c, err := connect(ctx, &mcp.CommandTransport{Command: cmd, TerminateDuration: shutdownGrace}, logger)
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}
	c.stderr = stderr
	return c, nil
}

// DialHTTP performs the MCP handshake against a streamable HTTP endpoint.
// Requests are traced with otelhttp.
func DialHTTP(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	transport := &mcp.StreamableClientTransport{
		Endpoint:   url,
		HTTPClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	c, err := connect(ctx, transport, logger.With(zap.String("url", url)))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", url, err)
	}
	return c, nil
}

func connect(ctx context.Context, t mcp.Transport, logger *zap.Logger) (*Client, error) {
	client := mcp.NewClient(&mcp.Implementation{Name: "ilminate-mcp", Version: Version}, nil)
	session, err := client.Connect(ctx, t, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{session: session, logger: logger}
	if res := session.InitializeResult(); res != nil {
		if res.ServerInfo != nil {
			c.server = mcpmanifest.ServerInfo{Name: res.ServerInfo.Name, Version: res.ServerInfo.Version}
		}
		if res.ProtocolVersion != mcpmanifest.ProtocolVersion {
			logger.Debug("feed server negotiated a different protocol version",
				zap.String("server", c.server.Name),
				zap.String("protocol_version", res.ProtocolVersion),
			)
		}
	}
	return c, nil
}

// ServerInfo returns the identity the server reported during the handshake.
func (c *Client) ServerInfo() mcpmanifest.ServerInfo { return c.server }

// ListTools returns every tool the server advertises, following
// pagination cursors.
func (c *Client) ListTools(ctx context.Context) ([]mcpmanifest.Tool, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("tools/list: %w", ErrClosed)
	}
	var tools []mcpmanifest.Tool
	params := &mcp.ListToolsParams{}
	for page := 0; page < maxToolPages; page++ {
		res, err := c.session.ListTools(ctx, params)
		if err != nil {
			return nil, c.wrap(ctx, "tools/list", err)
		}
		for _, tool := range res.Tools {
			var t mcpmanifest.Tool
			if err := convert(tool, &t); err != nil {
				return nil, fmt.Errorf("decode tool %q: %w", tool.Name, err)
			}
			tools = append(tools, t)
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	return tools, nil
}

// CallTool invokes a tool. A result with IsError set is returned without an
// error; only protocol and transport failures produce one.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcpmanifest.ToolResult, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("tools/call: %w", ErrClosed)
	}
	if args == nil {
		args = map[string]any{}
	}
	res, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return nil, c.wrap(ctx, "tools/call", err)
	}
	out := &mcpmanifest.ToolResult{}
	if err := convert(res, out); err != nil {
		return nil, fmt.Errorf("decode tools/call result: %w", err)
	}
	return out, nil
}

// Close fails any pending calls and ends the session. For a stdio client the
// sub-process is reaped. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeErr = c.session.Close()
		if c.stderr != nil {
			_ = c.stderr.Close()
		}
	})
	return c.closeErr
}

// wrap reports ErrClosed for calls cut off by Close and the context error for
// calls cut off by their own deadline.
func (c *Client) wrap(ctx context.Context, method string, err error) error {
	switch {
	case c.closed.Load():
		return fmt.Errorf("%s: %w", method, ErrClosed)
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", method, ctx.Err())
	default:
		return fmt.Errorf("%s: %w", method, err)
	}
}

// convert re-encodes an SDK value as the equivalent mcpmanifest type.
func convert(from, to any) error {
	b, err := json.Marshal(from)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, to)
}
