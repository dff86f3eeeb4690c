// Package mcpmanifest defines the MCP (Model Context Protocol) wire types
// shared by the ilminate-mcp server and its feed client.
//
// The server also publishes a static manifest at a stable URL:
//
//	GET /.well-known/mcp-manifest.json
//
// Extension fields (prefixed "ilminate:") are ignored by plain MCP clients.
package mcpmanifest

import "encoding/json"

// ProtocolVersion is the MCP revision spoken by both server and client.
const ProtocolVersion = "2024-11-05"

// Tool describes a tool an MCP server exposes.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema"` // JSON Schema object
}

// Content is one block of a tool result. Only text blocks are produced here.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the result of a tools/call request.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// TextResult wraps text in a single-block ToolResult.
func TextResult(text string, isErr bool) *ToolResult {
	return &ToolResult{Content: []Content{{Type: "text", Text: text}}, IsError: isErr}
}

// Text concatenates the result's text blocks.
func (r *ToolResult) Text() string {
	if len(r.Content) == 1 {
		return r.Content[0].Text
	}
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			out += c.Text
		}
	}
	return out
}

// DecodeJSON unmarshals the result's text into v. Feed servers return their
// structured payloads as JSON text.
func (r *ToolResult) DecodeJSON(v any) error {
	return json.Unmarshal([]byte(r.Text()), v)
}

// ServerInfo identifies an MCP implementation in the initialize handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Manifest is the static description of this server's tool surface.
type Manifest struct {
	SchemaVersion string `json:"schemaVersion"`
	Name          string `json:"name"`
	Version       string `json:"version"`
	Description   string `json:"description"`
	Tools         []Tool `json:"tools"`

	// Extension fields, ignored by plain MCP clients.
	Transports       []string `json:"ilminate:transports,omitempty"`
	HeuristicsBundle string   `json:"ilminate:heuristicsBundle,omitempty"`
}
