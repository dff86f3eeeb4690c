package feeds

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/ilminate-mcp/internal/mcpclient"
	"github.com/jmerrifield20/ilminate-mcp/pkg/mcpmanifest"
	"go.uber.org/zap"
)

// Source is a connected feed source.
type Source interface {
	// Fetch returns the raw items published since the given time, in the
	// order the source returned them.
	Fetch(ctx context.Context, since time.Time) ([]any, error)
	Close() error
}

// Connector opens the source described by a feed. It returns a nil Source
// and nil error when the feed has no source configured.
type Connector interface {
	Connect(ctx context.Context, feed ThreatFeed) (Source, error)
}

// MCPConnector connects feeds to MCP servers, as a sub-process when the feed
// names a command and over HTTP when it names a URL.
type MCPConnector struct {
	Logger *zap.Logger
}

// Connect implements Connector.
func (c MCPConnector) Connect(ctx context.Context, feed ThreatFeed) (Source, error) {
	logger := c.Logger.With(zap.String("feed", feed.Name))

	var (
		client *mcpclient.Client
		err    error
	)
	switch {
	case feed.Source.Command != "":
		client, err = mcpclient.DialStdio(ctx, feed.Source.Command, feed.Source.Args, logger)
	case feed.Source.URL != "":
		client, err = mcpclient.DialHTTP(ctx, feed.Source.URL, logger)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	capability := feed.Kind.Capability()
	if tools, err := client.ListTools(ctx); err == nil && !hasTool(tools, capability) {
		logger.Warn("feed server does not advertise the polled capability",
			zap.String("capability", capability),
			zap.String("server", client.ServerInfo().Name),
		)
	}
	return &mcpSource{client: client, capability: capability, kind: feed.Kind}, nil
}

// RemoteError is a failure reported by the feed server itself. The
// connection is still healthy.
type RemoteError struct {
	Capability string
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s returned an error: %s", e.Capability, e.Message)
}

type mcpSource struct {
	client     *mcpclient.Client
	capability string
	kind       Kind
}

// Fetch calls the kind's capability with the window start.
func (s *mcpSource) Fetch(ctx context.Context, since time.Time) ([]any, error) {
	res, err := s.client.CallTool(ctx, s.capability, map[string]any{
		"since":     since.UTC().Format(time.RFC3339),
		"feed_type": string(s.kind),
	})
	if err != nil {
		return nil, err
	}
	if res.IsError {
		return nil, &RemoteError{Capability: s.capability, Message: strings.TrimSpace(res.Text())}
	}
	return decodeItems(res.Text())
}

func (s *mcpSource) Close() error { return s.client.Close() }

// itemKeys are the envelope fields feed servers put their item lists under.
var itemKeys = []string{"updates", "items", "indicators", "rules", "signatures", "data", "results"}

// decodeItems accepts a JSON array, an envelope object holding an array, or
// a single object.
func decodeItems(text string) ([]any, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	var v any
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode feed response: %w", err)
	}

	switch t := v.(type) {
	case []any:
		return t, nil
	case map[string]any:
		for _, k := range itemKeys {
			if list, ok := t[k].([]any); ok {
				return list, nil
			}
		}
		return []any{t}, nil
	case nil:
		return nil, nil
	default:
		return nil, errors.New("decode feed response: expected an array or object")
	}
}

func hasTool(tools []mcpmanifest.Tool, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
