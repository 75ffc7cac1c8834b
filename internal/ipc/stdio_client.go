package ipc

import (
	"context"
	"fmt"
	"io"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// StdioClient runs a private server as a child process and talks to it over
// its stdin and stdout. No lock descriptor is involved.
type StdioClient struct {
	c *mcpclient.Client
}

// DialStdio starts command with args and performs the MCP handshake.
// The child's stderr is copied to stderr when it is non-nil.
func DialStdio(ctx context.Context, command string, args []string, env []string, stderr io.Writer) (*StdioClient, error) {
	c, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, dispatch.Errorf(dispatch.KindConnectionFailed, "starting %s: %v", command, err)
	}

	if r, ok := mcpclient.GetStderr(c); ok {
		if stderr == nil {
			stderr = io.Discard
		}
		go io.Copy(stderr, r) //nolint:errcheck
	}

	if _, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    ClientName,
				Version: ClientVersion,
			},
			Capabilities: mcp.ClientCapabilities{},
		},
	}); err != nil {
		c.Close()
		return nil, dispatch.Errorf(dispatch.KindConnectionFailed, "initializing %s: %v", command, err)
	}

	return &StdioClient{c: c}, nil
}

// ListTools implements ToolClient.
func (s *StdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	result, err := s.c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool implements ToolClient.
func (s *StdioClient) CallTool(ctx context.Context, name string, args map[string]any) (dispatch.CallResult, error) {
	result, err := s.c.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return dispatch.CallResult{}, fmt.Errorf("calling %s: %w", name, err)
	}
	return DecodeResult(result)
}

// Close stops the child process.
func (s *StdioClient) Close() error {
	return s.c.Close()
}
