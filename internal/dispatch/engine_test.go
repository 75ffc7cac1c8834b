package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu          sync.Mutex
	transitions []string
	finished    []CallResult
}

func (o *recordingObserver) Transition(f *Frame, from, to State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, fmt.Sprintf("%s@%d:%s->%s", f.Request.Tool, f.Depth, from, to))
}

func (o *recordingObserver) Finished(_ *Frame, res CallResult, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, res)
}

func newEngine(t *testing.T, opts Options, tools ...registry.Tool) *Engine {
	t.Helper()
	reg := registry.New()
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	reg.Seal()
	return New(reg, opts)
}

func echoTool(calls *int) registry.Tool {
	return registry.Tool{
		Name:   "echo",
		Params: []registry.Param{{Name: "message", Kind: registry.KindString, Required: true}},
		Handler: func(_ context.Context, args registry.Args, _ registry.Caller) (any, error) {
			if calls != nil {
				*calls++
			}
			return args.String("message"), nil
		},
	}
}

func TestExecuteReturnsHandlerValue(t *testing.T) {
	e := newEngine(t, Options{}, echoTool(nil))

	res := e.Execute(context.Background(), CallRequest{Tool: "echo", Arguments: map[string]any{"message": "hello world"}})
	require.True(t, res.OK())
	assert.Equal(t, "hello world", res.Value)
}

func TestExecuteUnknownToolNeverRunsHandler(t *testing.T) {
	calls := 0
	e := newEngine(t, Options{}, echoTool(&calls))

	res := e.Execute(context.Background(), CallRequest{Tool: "nope"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindUnknownTool, res.Err.Kind)
	assert.Equal(t, "nope", res.Err.Tool)
	assert.Zero(t, calls)
}

func TestExecuteInvalidArgumentsNeverRunsHandler(t *testing.T) {
	calls := 0
	e := newEngine(t, Options{}, echoTool(&calls))

	for _, args := range []map[string]any{
		nil,
		{"message": 12.0},
		{"message": "x", "extra": "y"},
	} {
		res := e.Execute(context.Background(), CallRequest{Tool: "echo", Arguments: args})
		require.NotNil(t, res.Err, "args %v", args)
		assert.Equal(t, KindInvalidArguments, res.Err.Kind)
		assert.Equal(t, "echo", res.Err.Tool)
	}
	assert.Zero(t, calls)
}

func TestNestedCallEmbedsInnerResult(t *testing.T) {
	outer := registry.Tool{
		Name:   "outer",
		Params: []registry.Param{{Name: "message", Kind: registry.KindString, Required: true}},
		Handler: func(ctx context.Context, args registry.Args, c registry.Caller) (any, error) {
			inner, err := c.Call(ctx, "echo", map[string]any{"message": args.String("message")})
			if err != nil {
				return nil, err
			}
			return map[string]any{"inner": inner}, nil
		},
	}
	obs := &recordingObserver{}
	e := newEngine(t, Options{Observer: obs}, echoTool(nil), outer)

	res := e.Execute(context.Background(), CallRequest{Tool: "outer", Arguments: map[string]any{"message": "hi"}})
	require.True(t, res.OK())
	assert.Equal(t, map[string]any{"inner": "hi"}, res.Value)

	assert.Equal(t, []string{
		"outer@1:received->validating",
		"outer@1:validating->executing",
		"outer@1:executing->nested_dispatch",
		"echo@2:received->validating",
		"echo@2:validating->executing",
		"echo@2:executing->completed",
		"outer@1:nested_dispatch->executing",
		"outer@1:executing->completed",
	}, obs.transitions)
	assert.Len(t, obs.finished, 2)
}

func TestNestedFailureIsReturnedAsData(t *testing.T) {
	var nestedErr error
	outer := registry.Tool{
		Name: "outer",
		Handler: func(ctx context.Context, _ registry.Args, c registry.Caller) (any, error) {
			_, nestedErr = c.Call(ctx, "echo", map[string]any{})
			return nil, nestedErr
		},
	}
	e := newEngine(t, Options{}, echoTool(nil), outer)

	res := e.Execute(context.Background(), CallRequest{Tool: "outer"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindNestedCallFailed, res.Err.Kind)
	assert.Equal(t, "outer", res.Err.Tool)
	require.NotNil(t, res.Err.Cause)
	assert.Equal(t, KindInvalidArguments, res.Err.Cause.Kind)
	assert.Equal(t, "echo", res.Err.Cause.Tool)
	assert.Equal(t, KindInvalidArguments, res.Err.Root().Kind)

	assert.True(t, errors.Is(nestedErr, &Error{Kind: KindInvalidArguments}))
}

func TestHandlerMayRecoverFromNestedFailure(t *testing.T) {
	outer := registry.Tool{
		Name: "outer",
		Handler: func(ctx context.Context, _ registry.Args, c registry.Caller) (any, error) {
			if _, err := c.Call(ctx, "missing", nil); err != nil {
				return "fallback", nil
			}
			return "unexpected", nil
		},
	}
	e := newEngine(t, Options{}, outer)

	res := e.Execute(context.Background(), CallRequest{Tool: "outer"})
	require.True(t, res.OK())
	assert.Equal(t, "fallback", res.Value)
}

func loopTools(n int) []registry.Tool {
	tools := make([]registry.Tool, n)
	for i := range n {
		next := fmt.Sprintf("loop%d", (i+1)%n)
		tools[i] = registry.Tool{
			Name: fmt.Sprintf("loop%d", i),
			Handler: func(ctx context.Context, _ registry.Args, c registry.Caller) (any, error) {
				return c.Call(ctx, next, nil)
			},
		}
	}
	return tools
}

func TestCycleFailsWithChainTooDeep(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("cycle of %d", n), func(t *testing.T) {
			e := newEngine(t, Options{MaxDepth: 4}, loopTools(n)...)

			res := e.Execute(context.Background(), CallRequest{Tool: "loop0"})
			require.NotNil(t, res.Err)
			assert.Equal(t, KindNestedCallFailed, res.Err.Kind)

			root := res.Err.Root()
			assert.Equal(t, KindChainTooDeep, root.Kind)
			assert.Contains(t, root.Message, "max depth 4")
			assert.Contains(t, root.Message, "loop0 -> ")

			// Each level describes only its own hop; detail lives in Cause.
			levels := 0
			for cur := res.Err; cur.Cause != nil; cur = cur.Cause {
				levels++
				assert.Equal(t, KindNestedCallFailed, cur.Kind)
				assert.Regexp(t, `^nested call to loop\d+ failed$`, cur.Message)
			}
			assert.Equal(t, 4, levels)
		})
	}
}

func TestChainAtExactlyMaxDepthSucceeds(t *testing.T) {
	depthTool := registry.Tool{
		Name:   "down",
		Params: []registry.Param{{Name: "n", Kind: registry.KindInteger, Required: true}},
		Handler: func(ctx context.Context, args registry.Args, c registry.Caller) (any, error) {
			n := args.Int("n")
			if n <= 1 {
				return "bottom", nil
			}
			return c.Call(ctx, "down", map[string]any{"n": n - 1})
		},
	}
	e := newEngine(t, Options{MaxDepth: 3}, depthTool)

	res := e.Execute(context.Background(), CallRequest{Tool: "down", Arguments: map[string]any{"n": "3"}})
	require.True(t, res.OK())
	assert.Equal(t, "bottom", res.Value)

	res = e.Execute(context.Background(), CallRequest{Tool: "down", Arguments: map[string]any{"n": 4}})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindChainTooDeep, res.Err.Root().Kind)
}

func TestDefaultMaxDepth(t *testing.T) {
	e := New(registry.New(), Options{})
	assert.Equal(t, DefaultMaxDepth, e.MaxDepth())
}

func TestPlainHandlerErrorBecomesHandlerError(t *testing.T) {
	tool := registry.Tool{
		Name: "boom",
		Handler: func(context.Context, registry.Args, registry.Caller) (any, error) {
			return nil, errors.New("disk on fire")
		},
	}
	e := newEngine(t, Options{}, tool)

	res := e.Execute(context.Background(), CallRequest{Tool: "boom"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindHandlerError, res.Err.Kind)
	assert.Equal(t, "disk on fire", res.Err.Message)
	assert.Equal(t, "boom", res.Err.Tool)
}

func TestTypedHandlerErrorKeepsKind(t *testing.T) {
	tool := registry.Tool{
		Name: "creds",
		Handler: func(context.Context, registry.Args, registry.Caller) (any, error) {
			return nil, fmt.Errorf("calling model: %w", Errorf(KindMissingCredential, "GITHUB_TOKEN is not set"))
		},
	}
	e := newEngine(t, Options{}, tool)

	res := e.Execute(context.Background(), CallRequest{Tool: "creds"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindMissingCredential, res.Err.Kind)
}

func TestPanicIsRecovered(t *testing.T) {
	tool := registry.Tool{
		Name: "panicky",
		Handler: func(context.Context, registry.Args, registry.Caller) (any, error) {
			panic("kaboom")
		},
	}
	e := newEngine(t, Options{}, tool, echoTool(nil))

	res := e.Execute(context.Background(), CallRequest{Tool: "panicky"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindHandlerError, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "kaboom")

	res = e.Execute(context.Background(), CallRequest{Tool: "echo", Arguments: map[string]any{"message": "still alive"}})
	require.True(t, res.OK())
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := newEngine(t, Options{}, echoTool(nil))
	res := e.Execute(ctx, CallRequest{Tool: "echo", Arguments: map[string]any{"message": "x"}})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindCancelled, res.Err.Kind)
}

func TestCancelDuringHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tool := registry.Tool{
		Name: "slow",
		Handler: func(ctx context.Context, _ registry.Args, _ registry.Caller) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, errors.New("interrupted")
		},
	}
	e := newEngine(t, Options{}, tool)

	res := e.Execute(ctx, CallRequest{Tool: "slow"})
	require.NotNil(t, res.Err)
	assert.Equal(t, KindCancelled, res.Err.Kind)
}

func TestConcurrentExecute(t *testing.T) {
	e := newEngine(t, Options{}, echoTool(nil))

	var wg sync.WaitGroup
	for i := range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := fmt.Sprintf("m%d", i)
			res := e.Execute(context.Background(), CallRequest{Tool: "echo", Arguments: map[string]any{"message": msg}})
			assert.Equal(t, msg, res.Value)
		}()
	}
	wg.Wait()
}

func TestErrorStringAndIs(t *testing.T) {
	err := &Error{Kind: KindSuggestionUnparseable, Reason: ReasonNoStructureFound, Message: "no JSON"}
	assert.Equal(t, "SuggestionUnparseable(NoStructureFound): no JSON", err.Error())
	assert.True(t, errors.Is(err, &Error{Kind: KindSuggestionUnparseable}))
	assert.True(t, errors.Is(err, &Error{Kind: KindSuggestionUnparseable, Reason: ReasonNoStructureFound}))
	assert.False(t, errors.Is(err, &Error{Kind: KindSuggestionUnparseable, Reason: ReasonUnknownTool}))
	assert.Nil(t, (&Error{Kind: KindHandlerError}).Unwrap())
	assert.Nil(t, AsError(nil))
}
