package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/mark3labs/mcp-go/mcp"
)

// ClientName and ClientVersion identify this program in initialize requests.
const (
	ClientName    = "copilot-mcp"
	ClientVersion = "0.1.0"
)

// ToolClient is the tool-facing surface shared by the TCP and stdio clients.
type ToolClient interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (dispatch.CallResult, error)
	Close() error
}

// Client speaks newline-delimited JSON-RPC to a server over TCP.
// Requests are serialized; a Client is safe for concurrent use.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader
}

var dialer = &net.Dialer{Timeout: 2 * time.Second}

// Dial connects to addr. Connection failures are reported as
// ConnectionFailed errors.
func Dial(ctx context.Context, addr string) (*Client, error) {
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, dispatch.Errorf(dispatch.KindConnectionFailed, "connecting to %s: %v", addr, err)
	}
	return &Client{conn: nc, r: bufio.NewReader(nc)}, nil
}

// Initialize performs the MCP handshake.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := mcp.InitializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		ClientInfo:      mcp.Implementation{Name: ClientName, Version: ClientVersion},
		Capabilities:    mcp.ClientCapabilities{},
	}

	var result mcp.InitializeResult
	if err := c.roundTrip(ctx, string(mcp.MethodInitialize), params, &result); err != nil {
		return nil, fmt.Errorf("initializing: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools returns the server's tools in its listing order.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var result mcp.ListToolsResult
	if err := c.roundTrip(ctx, string(mcp.MethodToolsList), struct{}{}, &result); err != nil {
		return nil, fmt.Errorf("listing tools: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool. Tool failures are returned in the CallResult;
// the error is reserved for transport and protocol failures.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (dispatch.CallResult, error) {
	params := mcp.CallToolParams{Name: name, Arguments: args}

	var result mcp.CallToolResult
	if err := c.roundTrip(ctx, string(mcp.MethodToolsCall), params, &result); err != nil {
		return dispatch.CallResult{}, fmt.Errorf("calling %s: %w", name, err)
	}
	return DecodeResult(&result)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) notify(ctx context.Context, method string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.bindContext(ctx)
	defer stop()

	return c.write(map[string]any{"jsonrpc": mcp.JSONRPC_VERSION, "method": method})
}

func (c *Client) roundTrip(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stop := c.bindContext(ctx)
	defer stop()

	id := uuid.NewString()
	if err := c.write(map[string]any{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      id,
		"method":  method,
		"params":  params,
	}); err != nil {
		return err
	}

	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return dispatch.Errorf(dispatch.KindConnectionFailed, "reading response: %v", err)
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}

		var gotID string
		if len(resp.ID) == 0 || json.Unmarshal(resp.ID, &gotID) != nil || gotID != id {
			// Server-initiated notifications and stray replies.
			continue
		}

		if resp.Error != nil {
			return &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	}
}

func (c *Client) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return dispatch.Errorf(dispatch.KindConnectionFailed, "sending request: %v", err)
	}
	return nil
}

// bindContext makes blocking I/O on the connection respect ctx.
func (c *Client) bindContext(ctx context.Context) func() {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		_ = c.conn.SetDeadline(time.Time{})
	}
}
