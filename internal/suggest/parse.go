// Package suggest turns free-form model output into a tool call.
package suggest

import (
	"encoding/json"
	"fmt"
)

// Failure reasons.
const (
	NoStructureFound = "NoStructureFound"
	UnknownTool      = "UnknownTool"
)

// Suggestion is a tool call extracted from model text.
type Suggestion struct {
	Tool      string         `json:"tool" yaml:"tool"`
	Arguments map[string]any `json:"arguments" yaml:"arguments"`
}

// ParseFailure explains why no suggestion could be extracted.
type ParseFailure struct {
	Reason string
	Tool   string
	Detail string
}

func (e *ParseFailure) Error() string {
	if e.Reason == UnknownTool {
		return fmt.Sprintf("suggested tool %q is not registered", e.Tool)
	}
	return e.Detail
}

var (
	toolKeys = []string{"tool", "name", "tool_name"}
	argKeys  = []string{"arguments", "args", "parameters", "params"}
)

// Parse scans text for the first JSON object naming a tool and returns it.
// Surrounding prose and markdown fences are ignored. known reports whether a
// tool name is registered.
func Parse(text string, known func(string) bool) (Suggestion, error) {
	var unknown *ParseFailure

	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end := matchBrace(text, start)
		if end < 0 {
			continue
		}

		s, ok := decodeCandidate(text[start : end+1])
		if !ok {
			continue
		}
		if known != nil && !known(s.Tool) {
			if unknown == nil {
				unknown = &ParseFailure{Reason: UnknownTool, Tool: s.Tool}
			}
			start = end
			continue
		}
		return s, nil
	}

	if unknown != nil {
		return Suggestion{}, unknown
	}
	return Suggestion{}, &ParseFailure{
		Reason: NoStructureFound,
		Detail: "no tool call object found in model output",
	}
}

func decodeCandidate(raw string) (Suggestion, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return Suggestion{}, false
	}

	var s Suggestion
	for _, key := range toolKeys {
		if name, ok := obj[key].(string); ok && name != "" {
			s.Tool = name
			break
		}
	}
	if s.Tool == "" {
		return Suggestion{}, false
	}

	s.Arguments = map[string]any{}
	for _, key := range argKeys {
		v, present := obj[key]
		if !present {
			continue
		}
		switch args := v.(type) {
		case map[string]any:
			s.Arguments = args
		case string:
			// Some models double-encode the arguments object.
			var nested map[string]any
			if err := json.Unmarshal([]byte(args), &nested); err != nil {
				return Suggestion{}, false
			}
			s.Arguments = nested
		case nil:
		default:
			return Suggestion{}, false
		}
		break
	}
	return s, true
}

// matchBrace returns the index of the brace closing text[start], honoring
// JSON string literals, or -1 if the object is unterminated.
func matchBrace(text string, start int) int {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
