// Package mcpkb implements knowledge.Retriever against an MCP server.
//
// The server is expected to expose two tools: a relevance check returning a
// boolean and a query returning passages. Tool names default to
// "kb_is_relevant" and "kb_query" and can be overridden for servers that
// publish their catalogue under different names.
//
// Both stdio subprocess servers and streamable-HTTP endpoints are supported,
// using the official MCP Go SDK.
package mcpkb

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vocalix/vocalix/pkg/knowledge"
)

// Transports.
const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

// Default tool names.
const (
	defaultRelevanceTool = "kb_is_relevant"
	defaultQueryTool     = "kb_query"
)

// Config describes how to reach the knowledge-base MCP server.
type Config struct {
	// Transport is TransportStdio or TransportHTTP.
	Transport string

	// Command is the server command line for stdio transport, split on
	// spaces into executable and arguments.
	Command string

	// Env holds additional environment variables for the stdio subprocess.
	Env map[string]string

	// URL is the endpoint for http transport.
	URL string

	// RelevanceTool overrides the relevance-check tool name.
	RelevanceTool string

	// QueryTool overrides the query tool name.
	QueryTool string
}

// Client is a knowledge.Retriever backed by one MCP server session.
type Client struct {
	session       *mcpsdk.ClientSession
	relevanceTool string
	queryTool     string
}

var _ knowledge.Retriever = (*Client)(nil)

// Connect establishes the MCP session described by cfg. ctx bounds only the
// connection handshake.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	var transport mcpsdk.Transport

	switch cfg.Transport {
	case TransportStdio:
		parts := strings.Fields(cfg.Command)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcpkb: stdio transport requires a non-empty command")
		}
		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcpkb: http transport requires a non-empty url")
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}

	default:
		return nil, fmt.Errorf("mcpkb: unknown transport %q", cfg.Transport)
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "vocalix-kb", Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcpkb: connect: %w", err)
	}

	c := &Client{
		session:       session,
		relevanceTool: cfg.RelevanceTool,
		queryTool:     cfg.QueryTool,
	}
	if c.relevanceTool == "" {
		c.relevanceTool = defaultRelevanceTool
	}
	if c.queryTool == "" {
		c.queryTool = defaultQueryTool
	}
	return c, nil
}

// IsRelevant implements knowledge.Retriever.
func (c *Client) IsRelevant(ctx context.Context, text string) (bool, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      c.relevanceTool,
		Arguments: map[string]any{"text": text},
	})
	if err != nil {
		return false, fmt.Errorf("mcpkb: call %s: %w", c.relevanceTool, err)
	}
	if result.IsError {
		return false, fmt.Errorf("mcpkb: %s: %s", c.relevanceTool, textContent(result))
	}
	return parseRelevance(textContent(result))
}

// Query implements knowledge.Retriever.
func (c *Client) Query(ctx context.Context, agentID, text string) ([]knowledge.Passage, error) {
	result, err := c.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name: c.queryTool,
		Arguments: map[string]any{
			"agent_id": agentID,
			"text":     text,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mcpkb: call %s: %w", c.queryTool, err)
	}
	if result.IsError {
		return nil, fmt.Errorf("mcpkb: %s: %s", c.queryTool, textContent(result))
	}
	return parsePassages(textContent(result))
}

// Close tears down the MCP session.
func (c *Client) Close() error {
	return c.session.Close()
}

// textContent concatenates all text content blocks of a tool result.
func textContent(result *mcpsdk.CallToolResult) string {
	var sb strings.Builder
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// parseRelevance interprets a relevance-check reply. Accepts a bare boolean
// literal or a JSON object with a "relevant" field.
func parseRelevance(text string) (bool, error) {
	trimmed := strings.TrimSpace(text)
	if b, err := strconv.ParseBool(trimmed); err == nil {
		return b, nil
	}

	var obj struct {
		Relevant bool `json:"relevant"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj.Relevant, nil
	}
	return false, fmt.Errorf("mcpkb: unparseable relevance reply %q", trimmed)
}

// parsePassages interprets a query reply. Accepts a JSON array of passages, a
// JSON object with a "passages" array, or plain text which becomes a single
// unsourced passage. An empty reply means no passages.
func parsePassages(text string) ([]knowledge.Passage, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, nil
	}

	var list []knowledge.Passage
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		return list, nil
	}

	var obj struct {
		Passages []knowledge.Passage `json:"passages"`
	}
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj.Passages, nil
	}

	return []knowledge.Passage{{Text: trimmed}}, nil
}
