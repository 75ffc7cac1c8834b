package registry

import (
	"cmp"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
)

// MCPTool renders t as an MCP tool definition. Property declaration order is
// carried in "x-order" because JSON objects are unordered.
func MCPTool(t Tool) mcp.Tool {
	props := make(map[string]any, len(t.Params))
	var required []string
	for i, p := range t.Params {
		prop := map[string]any{
			"type":    string(p.Kind),
			"x-order": i,
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	return mcp.Tool{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: props,
			Required:   required,
		},
	}
}

// FromMCPTool converts a wire tool definition back into a handler-less Tool.
func FromMCPTool(mt mcp.Tool) Tool {
	required := make(map[string]bool, len(mt.InputSchema.Required))
	for _, name := range mt.InputSchema.Required {
		required[name] = true
	}

	type ordered struct {
		param Param
		order float64
	}
	params := make([]ordered, 0, len(mt.InputSchema.Properties))
	for name, raw := range mt.InputSchema.Properties {
		prop, _ := raw.(map[string]any)
		kind, _ := prop["type"].(string)
		desc, _ := prop["description"].(string)
		order := float64(len(mt.InputSchema.Properties))
		switch v := prop["x-order"].(type) {
		case float64:
			order = v
		case int:
			order = float64(v)
		}
		params = append(params, ordered{
			param: Param{Name: name, Kind: Kind(kind), Required: required[name], Description: desc},
			order: order,
		})
	}

	slices.SortFunc(params, func(a, b ordered) int {
		if c := cmp.Compare(a.order, b.order); c != 0 {
			return c
		}
		return cmp.Compare(a.param.Name, b.param.Name)
	})

	out := Tool{Name: mt.Name, Description: mt.Description, Params: make([]Param, 0, len(params))}
	for _, p := range params {
		out.Params = append(out.Params, p.param)
	}
	return out
}
