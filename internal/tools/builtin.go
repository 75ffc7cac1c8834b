// Package tools defines the tools served by copilot-mcp.
package tools

import (
	"context"
	"fmt"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/registry"
)

const (
	EchoMessage       = "echo_message"
	GetWeather        = "get_weather"
	GetTimeInLocation = "get_time_in_location"
	KillProcess       = "kill_process"
	CopilotSuggest    = "copilot_suggest"
)

// Locations that trigger nested calls.
const (
	chainWeatherCity = "TimeCity"
	chainTimeCity    = "EchoCity"
)

type echoParams struct {
	Message string `json:"message"`
}

type locationParams struct {
	Location string `json:"location"`
}

type killParams struct {
	PID int64 `json:"pid"`
}

// Builtins returns the static tools in listing order.
func Builtins() []registry.Tool {
	return []registry.Tool{
		{
			Name:        EchoMessage,
			Description: "Echo a message back unchanged.",
			Params: []registry.Param{
				{Name: "message", Kind: registry.KindString, Required: true, Description: "Text to echo"},
			},
			Handler: registry.Bind(echo),
		},
		{
			Name:        GetWeather,
			Description: "Get the current weather for a location.",
			Params: []registry.Param{
				{Name: "location", Kind: registry.KindString, Required: true, Description: "City or place name"},
			},
			Handler: registry.Bind(weather),
		},
		{
			Name:        GetTimeInLocation,
			Description: "Get the current local time for a location.",
			Params: []registry.Param{
				{Name: "location", Kind: registry.KindString, Required: true, Description: "City or place name"},
			},
			Handler: registry.Bind(timeIn),
		},
		{
			Name:        KillProcess,
			Description: "Terminate a process by PID (not supported on this host).",
			Params: []registry.Param{
				{Name: "pid", Kind: registry.KindInteger, Required: true, Description: "Process ID"},
			},
			Handler: registry.Bind(killProcess),
		},
	}
}

func echo(_ context.Context, p echoParams, _ registry.Caller) (any, error) {
	return p.Message, nil
}

func weather(ctx context.Context, p locationParams, c registry.Caller) (any, error) {
	report := fmt.Sprintf("The weather in %s is sunny.", p.Location)
	if p.Location != chainWeatherCity {
		return report, nil
	}

	t, err := c.Call(ctx, GetTimeInLocation, map[string]any{"location": p.Location})
	if err != nil {
		return nil, err
	}
	return map[string]any{"weather": report, "time": t}, nil
}

func timeIn(ctx context.Context, p locationParams, c registry.Caller) (any, error) {
	report := fmt.Sprintf("The current time in %s is 12:00 PM.", p.Location)
	if p.Location != chainTimeCity {
		return report, nil
	}

	echoed, err := c.Call(ctx, EchoMessage, map[string]any{"message": "Time for " + p.Location})
	if err != nil {
		return nil, err
	}
	return map[string]any{"time": report, "echo": echoed}, nil
}

func killProcess(_ context.Context, p killParams, _ registry.Caller) (any, error) {
	return nil, dispatch.Errorf(dispatch.KindHandlerError, "kill_process is not implemented (pid %d)", p.PID)
}
