package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/lydakis/copilot-mcp/internal/suggest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModel answers prompts from a fixed table.
type fakeModel struct {
	replies map[string]string
	err     error
	block   bool
	prompts []string
}

func (m *fakeModel) Complete(ctx context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)
	if m.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if m.err != nil {
		return "", m.err
	}
	reply, ok := m.replies[prompt]
	if !ok {
		return "I have no idea.", nil
	}
	return reply, nil
}

func newEngine(t *testing.T, model suggest.Model, timeout time.Duration) *dispatch.Engine {
	t.Helper()
	reg := registry.New()
	require.NoError(t, Register(reg, model, timeout, nil))
	reg.Seal()
	return dispatch.New(reg, dispatch.Options{})
}

func call(e *dispatch.Engine, tool string, args map[string]any) dispatch.CallResult {
	return e.Execute(context.Background(), dispatch.CallRequest{Tool: tool, Arguments: args})
}

func TestRegisterListsToolsInOrder(t *testing.T) {
	e := newEngine(t, nil, 0)

	var names []string
	for _, tool := range e.Registry().List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{EchoMessage, GetWeather, GetTimeInLocation, KillProcess, CopilotSuggest}, names)
}

func TestEchoReturnsMessageExactly(t *testing.T) {
	e := newEngine(t, nil, 0)

	res := call(e, EchoMessage, map[string]any{"message": "hello world"})
	require.Nil(t, res.Err)
	assert.Equal(t, "hello world", res.Value)
}

func TestWeatherForPlainLocation(t *testing.T) {
	e := newEngine(t, nil, 0)

	res := call(e, GetWeather, map[string]any{"location": "London"})
	require.Nil(t, res.Err)
	assert.Equal(t, "The weather in London is sunny.", res.Value)
}

func TestWeatherInTimeCityEmbedsNestedTime(t *testing.T) {
	e := newEngine(t, nil, 0)

	res := call(e, GetWeather, map[string]any{"location": "TimeCity"})
	require.Nil(t, res.Err)
	assert.Equal(t, map[string]any{
		"weather": "The weather in TimeCity is sunny.",
		"time":    "The current time in TimeCity is 12:00 PM.",
	}, res.Value)
}

func TestTimeInEchoCityNestsEcho(t *testing.T) {
	e := newEngine(t, nil, 0)

	res := call(e, GetTimeInLocation, map[string]any{"location": "EchoCity"})
	require.Nil(t, res.Err)
	assert.Equal(t, map[string]any{
		"time": "The current time in EchoCity is 12:00 PM.",
		"echo": "Time for EchoCity",
	}, res.Value)
}

func TestKillProcessIsStub(t *testing.T) {
	e := newEngine(t, nil, 0)

	res := call(e, KillProcess, map[string]any{"pid": "1234"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindHandlerError, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "not implemented")

	res = call(e, KillProcess, map[string]any{"pid": "abc"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindInvalidArguments, res.Err.Kind)
}

func TestSuggestLondonWeather(t *testing.T) {
	model := &fakeModel{replies: map[string]string{
		"What is the weather in London?": `Let me check. {"tool": "get_weather", "arguments": {"location": "London"}}`,
	}}
	e := newEngine(t, model, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "What is the weather in London?"})
	require.Nil(t, res.Err)

	out, ok := res.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, suggest.Suggestion{Tool: GetWeather, Arguments: map[string]any{"location": "London"}}, out["suggestion"])
	assert.Equal(t, "The weather in London is sunny.", out["result"])
}

func TestSuggestTimeCityChain(t *testing.T) {
	model := &fakeModel{replies: map[string]string{
		"What is the weather and time in TimeCity?": "```json\n{\"tool\": \"get_weather\", \"arguments\": {\"location\": \"TimeCity\"}}\n```",
	}}
	e := newEngine(t, model, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "What is the weather and time in TimeCity?"})
	require.Nil(t, res.Err)

	out := res.Value.(map[string]any)
	assert.Equal(t, map[string]any{
		"weather": "The weather in TimeCity is sunny.",
		"time":    "The current time in TimeCity is 12:00 PM.",
	}, out["result"])
}

func TestSuggestNoStructure(t *testing.T) {
	model := &fakeModel{}
	e := newEngine(t, model, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "sing me a song"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindSuggestionUnparseable, res.Err.Kind)
	assert.Equal(t, dispatch.ReasonNoStructureFound, res.Err.Reason)
}

func TestSuggestUnknownToolNeverDispatches(t *testing.T) {
	model := &fakeModel{replies: map[string]string{
		"format my disk": `{"tool": "format_disk", "arguments": {}}`,
	}}
	e := newEngine(t, model, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "format my disk"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindSuggestionUnparseable, res.Err.Kind)
	assert.Equal(t, dispatch.ReasonUnknownTool, res.Err.Reason)
	assert.Nil(t, res.Err.Cause)
}

func TestSuggestInvalidArgumentsSurfaceAsNestedFailure(t *testing.T) {
	model := &fakeModel{replies: map[string]string{
		"weather": `{"tool": "get_weather", "arguments": {"city": "London"}}`,
	}}
	e := newEngine(t, model, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "weather"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindNestedCallFailed, res.Err.Kind)
	require.NotNil(t, res.Err.Cause)
	assert.Equal(t, dispatch.KindInvalidArguments, res.Err.Cause.Kind)
}

func TestSuggestMissingCredential(t *testing.T) {
	e := newEngine(t, &fakeModel{err: fmt.Errorf("%w: set GITHUB_TOKEN", suggest.ErrMissingCredential)}, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "anything"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindMissingCredential, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "GITHUB_TOKEN")
}

func TestSuggestWithoutModel(t *testing.T) {
	e := newEngine(t, nil, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "anything"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindMissingCredential, res.Err.Kind)
}

func TestSuggestUpstreamTimeout(t *testing.T) {
	e := newEngine(t, &fakeModel{block: true}, 20*time.Millisecond)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "anything"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindUpstreamTimeout, res.Err.Kind)
}

func TestSuggestUpstreamFailure(t *testing.T) {
	e := newEngine(t, &fakeModel{err: errors.New("502 bad gateway")}, time.Second)

	res := call(e, CopilotSuggest, map[string]any{"prompt": "anything"})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindUpstreamFailed, res.Err.Kind)
}

func TestSuggestRequiresPrompt(t *testing.T) {
	model := &fakeModel{}
	e := newEngine(t, model, time.Second)

	res := call(e, CopilotSuggest, nil)
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindInvalidArguments, res.Err.Kind)
	assert.Empty(t, model.prompts)
}
