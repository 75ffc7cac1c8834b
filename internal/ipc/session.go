package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Handler answers JSON-RPC messages for one tool engine. Tool methods are
// served from the engine; everything else (initialize, ping, notifications,
// unknown methods) is delegated to an MCP server that has no tools of its own.
type Handler struct {
	engine *dispatch.Engine
	mcp    *server.MCPServer
	log    *slog.Logger
}

// NewHandler builds a Handler identifying itself as name/version.
func NewHandler(engine *dispatch.Engine, name, version string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		engine: engine,
		mcp: server.NewMCPServer(name, version,
			server.WithToolCapabilities(false),
			server.WithRecovery(),
		),
		log: logger,
	}
}

// HandleMessage answers one raw message. It returns nil for notifications.
func (h *Handler) HandleMessage(ctx context.Context, raw json.RawMessage) any {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return mcp.NewJSONRPCError(mcp.NewRequestId(nil), mcp.PARSE_ERROR, "Failed to parse message", nil)
	}

	if req.JSONRPC != mcp.JSONRPC_VERSION {
		return h.mcp.HandleMessage(ctx, raw)
	}

	switch mcp.MCPMethod(req.Method) {
	case mcp.MethodToolsList:
		if req.ID == nil {
			return nil
		}
		return mcp.NewJSONRPCResultResponse(*req.ID, h.listTools())
	case mcp.MethodToolsCall:
		if req.ID == nil {
			return nil
		}
		result, err := h.callTool(ctx, req.Params)
		if err != nil {
			return mcp.NewJSONRPCError(*req.ID, mcp.INVALID_PARAMS, err.Error(), nil)
		}
		return mcp.NewJSONRPCResultResponse(*req.ID, result)
	}

	return h.mcp.HandleMessage(ctx, raw)
}

func (h *Handler) listTools() *mcp.ListToolsResult {
	list := h.engine.Registry().List()
	tools := make([]mcp.Tool, 0, len(list))
	for _, t := range list {
		tools = append(tools, registry.MCPTool(t))
	}
	return mcp.NewListToolsResult(tools, "")
}

func (h *Handler) callTool(ctx context.Context, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("invalid tools/call params: %w", err)
		}
	}
	if params.Name == "" {
		return nil, errors.New("invalid tools/call params: name is required")
	}

	var args map[string]any
	if len(params.Arguments) > 0 && !bytes.Equal(params.Arguments, []byte("null")) {
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			res := dispatch.CallResult{Err: &dispatch.Error{
				Kind:    dispatch.KindInvalidArguments,
				Message: "arguments must be a JSON object",
				Tool:    params.Name,
			}}
			return EncodeResult(res), nil
		}
	}

	res := h.engine.Execute(ctx, dispatch.CallRequest{Tool: params.Name, Arguments: args})
	if res.Err != nil {
		h.log.Info("tool call failed", "tool", params.Name, "kind", res.Err.Kind, "error", res.Err.Message)
	} else {
		h.log.Debug("tool call ok", "tool", params.Name)
	}
	return EncodeResult(res), nil
}

// Serve answers newline-delimited JSON-RPC messages read from r, writing one
// reply line per request to w, in order. It returns nil when r reaches EOF.
// Every complete line read is answered, even when a later read fails.
func (h *Handler) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	for {
		line, readErr := br.ReadBytes('\n')
		line = bytes.TrimSpace(line)

		// A trailing line without a newline counts only at EOF.
		if len(line) > 0 && (readErr == nil || errors.Is(readErr, io.EOF)) {
			if err := h.reply(ctx, bw, line); err != nil {
				return err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return nil
			}
			return readErr
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (h *Handler) reply(ctx context.Context, bw *bufio.Writer, line []byte) error {
	msg := h.HandleMessage(ctx, json.RawMessage(line))
	if msg == nil {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encoding reply", "error", err)
		return fmt.Errorf("encoding reply: %w", err)
	}
	data = append(data, '\n')
	if _, err := bw.Write(data); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return bw.Flush()
}
