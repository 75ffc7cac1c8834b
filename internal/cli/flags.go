package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// parseCallArgs builds tool arguments from key=value pairs and an optional
// JSON object. Pairs override keys from the JSON object. With neither, a
// JSON object piped on stdin is used. Values from pairs stay strings; the
// server coerces them to the declared parameter kinds.
func parseCallArgs(pairs []string, argsJSON string, stdin io.Reader, stdinIsTTY bool) (map[string]any, error) {
	args := make(map[string]any)

	if argsJSON != "" {
		obj, err := parseJSONObject(argsJSON)
		if err != nil {
			return nil, err
		}
		args = obj
	}

	seen := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		key, value, err := parsePair(pair)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("argument %q given more than once", key)
		}
		seen[key] = struct{}{}
		args[key] = value
	}

	if argsJSON == "" && len(pairs) == 0 && !stdinIsTTY && stdin != nil {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		if trimmed := strings.TrimSpace(string(data)); trimmed != "" {
			return parseJSONObject(trimmed)
		}
	}

	return args, nil
}

func parsePair(pair string) (string, string, error) {
	key, value, ok := strings.Cut(pair, "=")
	if !ok {
		return "", "", fmt.Errorf("invalid argument %q: want key=value", pair)
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", fmt.Errorf("invalid argument %q: empty key", pair)
	}
	return key, value, nil
}

func parseJSONObject(raw string) (map[string]any, error) {
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("invalid JSON arguments: %w", err)
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("JSON arguments must be an object")
	}
	return obj, nil
}
