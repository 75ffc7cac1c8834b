package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/mark3labs/mcp-go/mcp"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitToolErr  = 1
	ExitUsageErr = 2
	ExitInternal = 3
)

// ExitCode maps a failure to the process exit code used by the CLI.
func ExitCode(err *dispatch.Error) int {
	if err == nil {
		return ExitOK
	}
	switch err.Kind {
	case dispatch.KindUnknownTool, dispatch.KindInvalidArguments:
		return ExitUsageErr
	case dispatch.KindAlreadyRunning, dispatch.KindNotRunning,
		dispatch.KindConnectionFailed, dispatch.KindStaleLock:
		return ExitInternal
	default:
		return ExitToolErr
	}
}

// request is an incoming JSON-RPC message. ID is absent for notifications.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *mcp.RequestId  `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// response is an incoming JSON-RPC reply, read by the client.
type response struct {
	JSONRPC string                   `json:"jsonrpc"`
	ID      json.RawMessage          `json:"id,omitempty"`
	Method  string                   `json:"method,omitempty"`
	Result  json.RawMessage          `json:"result,omitempty"`
	Error   *mcp.JSONRPCErrorDetails `json:"error,omitempty"`
}

// RPCError is a JSON-RPC level failure reported by the peer.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// EncodeResult renders a call outcome as an MCP tool result. Successful
// payloads go under structuredContent.value, failures under
// structuredContent.error with isError set.
func EncodeResult(res dispatch.CallResult) *mcp.CallToolResult {
	if res.Err != nil {
		return &mcp.CallToolResult{
			Content:           []mcp.Content{mcp.NewTextContent(res.Err.Error())},
			StructuredContent: map[string]any{"error": res.Err},
			IsError:           true,
		}
	}
	return &mcp.CallToolResult{
		Content:           []mcp.Content{mcp.NewTextContent(valueText(res.Value))},
		StructuredContent: map[string]any{"value": res.Value},
	}
}

// DecodeResult converts a tool result received from a server back into a
// call outcome. Results from servers that do not send structured content
// fall back to their text content.
func DecodeResult(r *mcp.CallToolResult) (dispatch.CallResult, error) {
	if r == nil {
		return dispatch.CallResult{}, errors.New("empty tool result")
	}

	if sc, ok := r.StructuredContent.(map[string]any); ok {
		if raw, ok := sc["error"]; ok && r.IsError {
			var de dispatch.Error
			if err := remarshal(raw, &de); err != nil {
				return dispatch.CallResult{}, fmt.Errorf("decoding tool error: %w", err)
			}
			return dispatch.CallResult{Err: &de}, nil
		}
		if v, ok := sc["value"]; ok && !r.IsError {
			return dispatch.CallResult{Value: v}, nil
		}
	}

	text := contentText(r.Content)
	if r.IsError {
		return dispatch.CallResult{Err: &dispatch.Error{Kind: dispatch.KindHandlerError, Message: text}}, nil
	}
	return dispatch.CallResult{Value: text}, nil
}

func valueText(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func contentText(content []mcp.Content) string {
	parts := make([]string, 0, len(content))
	for _, c := range content {
		if tc, ok := mcp.AsTextContent(c); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func remarshal(in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
