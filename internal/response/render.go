// Package response renders call results and tool listings for the CLI.
package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/ipc"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"gopkg.in/yaml.v3"
)

// Format selects an output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat validates a -o flag value.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatText, FormatJSON, FormatYAML:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported output format %q (want text, json or yaml)", s)
	}
}

type valueEnvelope struct {
	Value any `json:"value" yaml:"value"`
}

type errorEnvelope struct {
	Error *dispatch.Error `json:"error" yaml:"error"`
}

// Call renders res. On success the output belongs on stdout and the exit
// code is ipc.ExitOK; on failure it belongs on stderr with the exit code
// for the error kind.
func Call(res dispatch.CallResult, f Format) ([]byte, int, error) {
	if res.Err != nil {
		out, err := renderError(res.Err, f)
		return out, ipc.ExitCode(res.Err), err
	}

	switch f {
	case FormatText:
		return ensureTrailingNewline([]byte(valueText(res.Value))), ipc.ExitOK, nil
	default:
		out, err := encode(valueEnvelope{Value: res.Value}, f)
		return out, ipc.ExitOK, err
	}
}

// Error renders a failure that happened outside a call, such as a
// connection or lifecycle error.
func Error(e *dispatch.Error, f Format) ([]byte, error) {
	return renderError(e, f)
}

func renderError(e *dispatch.Error, f Format) ([]byte, error) {
	if f == FormatText {
		var b strings.Builder
		b.WriteString(e.Error())
		for c := e.Cause; c != nil; c = c.Cause {
			b.WriteString("\n  caused by: ")
			b.WriteString(c.Error())
		}
		return ensureTrailingNewline([]byte(b.String())), nil
	}
	return encode(errorEnvelope{Error: e}, f)
}

// ToolEntry is one tool in a rendered listing.
type ToolEntry struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  []registry.Param `json:"parameters" yaml:"parameters"`
}

// Entries converts registry tools into listing entries, keeping their order.
func Entries(tools []registry.Tool) []ToolEntry {
	out := make([]ToolEntry, 0, len(tools))
	for _, t := range tools {
		params := t.Params
		if params == nil {
			params = []registry.Param{}
		}
		out = append(out, ToolEntry{Name: t.Name, Description: t.Description, Parameters: params})
	}
	return out
}

// Tools renders a tool listing.
func Tools(entries []ToolEntry, f Format) ([]byte, error) {
	if entries == nil {
		entries = []ToolEntry{}
	}
	if f != FormatText {
		return encode(entries, f)
	}

	var b strings.Builder
	for _, e := range entries {
		name := strings.TrimSpace(e.Name)
		if name == "" {
			continue
		}
		b.WriteString(name)
		if desc := strings.TrimSpace(e.Description); desc != "" {
			b.WriteString("\t")
			b.WriteString(desc)
		}
		b.WriteString("\n")
		for _, p := range e.Parameters {
			req := ""
			if p.Required {
				req = ", required"
			}
			fmt.Fprintf(&b, "  %s (%s%s)\n", p.Name, p.Kind, req)
		}
	}
	return []byte(b.String()), nil
}

func encode(v any, f Format) ([]byte, error) {
	switch f {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding yaml: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encoding json: %w", err)
		}
		return ensureTrailingNewline(data), nil
	}
}

func valueText(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		data, err := json.MarshalIndent(x, "", "  ")
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(data)
	}
}

func ensureTrailingNewline(data []byte) []byte {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return data
	}
	return append(data, '\n')
}
