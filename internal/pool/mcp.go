package pool

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"github.com/miridih-ejkim/mmiai/internal/config"
)

// MCPFactory builds handles speaking MCP over streamable HTTP. The tool set is
// whatever the server lists at connect time.
func MCPFactory(logger *zap.Logger) Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, svc config.ServiceConfig) (Handle, error) {
		var opts []transport.StreamableHTTPCOption
		if len(svc.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(svc.Headers))
		}
		if svc.Timeout > 0 {
			opts = append(opts, transport.WithHTTPTimeout(svc.Timeout))
		}

		c, err := client.NewStreamableHttpClient(svc.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create MCP client for %s: %w", svc.ID, err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to start MCP client for %s: %w", svc.ID, err)
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
		initReq.Params.Capabilities = mcp.ClientCapabilities{}
		initReq.Params.ClientInfo = mcp.Implementation{
			Name:    "mmiai-router",
			Version: "1.0.0",
		}
		if _, err := c.Initialize(ctx, initReq); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to initialize MCP client for %s: %w", svc.ID, err)
		}

		listed, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("failed to list tools for %s: %w", svc.ID, err)
		}

		tools := make([]Tool, 0, len(listed.Tools))
		for _, t := range listed.Tools {
			tools = append(tools, convertMCPTool(t))
		}
		logger.Debug("MCP session established",
			zap.String("service_id", svc.ID),
			zap.Int("tools", len(tools)),
		)
		return &mcpHandle{serviceID: svc.ID, client: c, tools: tools}, nil
	}
}

func convertMCPTool(t mcp.Tool) Tool {
	schema := map[string]interface{}{"type": "object"}
	if t.InputSchema.Type != "" {
		schema["type"] = t.InputSchema.Type
	}
	if len(t.InputSchema.Properties) > 0 {
		schema["properties"] = t.InputSchema.Properties
	} else {
		schema["properties"] = map[string]interface{}{}
	}
	if len(t.InputSchema.Required) > 0 {
		schema["required"] = t.InputSchema.Required
	}
	return Tool{Name: t.Name, Description: t.Description, InputSchema: schema}
}

type mcpHandle struct {
	serviceID string
	client    *client.Client
	tools     []Tool
}

func (h *mcpHandle) ServiceID() string { return h.serviceID }

func (h *mcpHandle) Tools() []Tool { return h.tools }

func (h *mcpHandle) Call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	res, err := h.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s/%s: %w", h.serviceID, name, err)
	}
	text := joinContent(res.Content)
	if res.IsError {
		return "", fmt.Errorf("tool %s reported an error: %s", name, text)
	}
	return text, nil
}

func (h *mcpHandle) Close() error {
	return h.client.Close()
}

func joinContent(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		switch v := c.(type) {
		case mcp.TextContent:
			parts = append(parts, v.Text)
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		}
	}
	return strings.Join(parts, "\n")
}
