package tools

import (
	"context"
	"encoding/json"
	"fmt"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/jarvishq/jarvisd/internal/common/logger"
)

// MCPTool bridges one tool surfaced by an MCP server into the registry.
type MCPTool struct {
	client      *mcpclient.Client
	name        string
	description string
	schema      json.RawMessage
}

func (t *MCPTool) Name() string                      { return t.name }
func (t *MCPTool) Description() string               { return t.description }
func (t *MCPTool) ParametersSchema() json.RawMessage { return t.schema }

// Invoke forwards the call to the MCP server and flattens text content
// blocks into one result string.
func (t *MCPTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = t.name
	if len(args) > 0 {
		var decoded map[string]interface{}
		if err := json.Unmarshal(args, &decoded); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
		req.Params.Arguments = decoded
	}

	result, err := t.client.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("mcp call failed: %w", err)
	}

	var text string
	for _, content := range result.Content {
		if tc, ok := content.(mcpgo.TextContent); ok {
			text += tc.Text
		}
	}
	if result.IsError {
		return "", fmt.Errorf("tool error: %s", text)
	}
	return text, nil
}

// ConnectMCPServer connects to an MCP server over SSE, performs the
// handshake, and registers every discovered tool. Returns a close
// function for shutdown.
func ConnectMCPServer(ctx context.Context, url string, registry *Registry, log *logger.Logger) (func() error, error) {
	client, err := mcpclient.NewSSEMCPClient(url)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("start mcp transport: %w", err)
	}

	initReq := mcpgo.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpgo.Implementation{
		Name:    "jarvisd",
		Version: "1.0.0",
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp initialize: %w", err)
	}

	toolsResult, err := client.ListTools(ctx, mcpgo.ListToolsRequest{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("mcp list tools: %w", err)
	}

	var names []string
	for _, mcpTool := range toolsResult.Tools {
		schema, err := json.Marshal(mcpTool.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		registry.Register(&MCPTool{
			client:      client,
			name:        mcpTool.Name,
			description: mcpTool.Description,
			schema:      schema,
		})
		names = append(names, mcpTool.Name)
	}

	log.Info("Connected to MCP server",
		zap.String("url", url),
		zap.Int("tools", len(names)))

	return func() error {
		for _, name := range names {
			registry.Unregister(name)
		}
		return client.Close()
	}, nil
}
