// Package dispatch executes tool calls against a registry, including calls
// that tools issue to other tools while they run.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/lydakis/copilot-mcp/internal/registry"
)

// DefaultMaxDepth bounds nested call chains when Options.MaxDepth is unset.
const DefaultMaxDepth = 8

// CallRequest names a tool and its raw arguments.
type CallRequest struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// CallResult is exactly one of a payload or an error.
type CallResult struct {
	Value any
	Err   *Error
}

// OK reports whether the call succeeded.
func (r CallResult) OK() bool { return r.Err == nil }

// State is the lifecycle position of a call frame.
type State string

const (
	StateReceived       State = "received"
	StateValidating     State = "validating"
	StateExecuting      State = "executing"
	StateNestedDispatch State = "nested_dispatch"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

// Frame is one call in a chain. Depth 1 is the top-level request.
type Frame struct {
	Request CallRequest
	Depth   int
	Parent  *Frame

	mu    sync.Mutex
	state State
}

// State returns the frame's current state.
func (f *Frame) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Path lists tool names from the top-level call down to f.
func (f *Frame) Path() []string {
	var path []string
	for cur := f; cur != nil; cur = cur.Parent {
		path = append(path, cur.Request.Tool)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Observer receives frame lifecycle events.
type Observer interface {
	Transition(f *Frame, from, to State)
	Finished(f *Frame, res CallResult, elapsed time.Duration)
}

// Options configures an Engine.
type Options struct {
	MaxDepth int
	Logger   *slog.Logger
	Observer Observer
}

// Engine runs tool calls. It is safe for concurrent use.
type Engine struct {
	reg      *registry.Registry
	maxDepth int
	log      *slog.Logger
	obs      Observer
}

// New returns an Engine executing tools from reg.
func New(reg *registry.Registry, opts Options) *Engine {
	e := &Engine{
		reg:      reg,
		maxDepth: opts.MaxDepth,
		log:      opts.Logger,
		obs:      opts.Observer,
	}
	if e.maxDepth <= 0 {
		e.maxDepth = DefaultMaxDepth
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	return e
}

// Registry returns the registry the engine resolves tools from.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// MaxDepth returns the configured chain limit.
func (e *Engine) MaxDepth() int { return e.maxDepth }

// Execute runs a top-level call to completion.
func (e *Engine) Execute(ctx context.Context, req CallRequest) CallResult {
	return e.run(ctx, req, nil)
}

func (e *Engine) run(ctx context.Context, req CallRequest, parent *Frame) CallResult {
	f := &Frame{Request: req, Depth: 1, Parent: parent, state: StateReceived}
	if parent != nil {
		f.Depth = parent.Depth + 1
	}
	started := time.Now()

	res := e.step(ctx, f)
	if res.Err != nil {
		if res.Err.Tool == "" {
			res.Err.Tool = req.Tool
		}
		e.transition(f, StateFailed)
		e.log.Debug("call failed", "tool", req.Tool, "depth", f.Depth, "kind", res.Err.Kind, "error", res.Err.Message)
	} else {
		e.transition(f, StateCompleted)
	}

	if e.obs != nil {
		e.obs.Finished(f, res, time.Since(started))
	}
	return res
}

func (e *Engine) step(ctx context.Context, f *Frame) CallResult {
	req := f.Request

	if f.Depth > e.maxDepth {
		return fail(Errorf(KindChainTooDeep, "call chain exceeds max depth %d: %s",
			e.maxDepth, strings.Join(f.Path(), " -> ")))
	}
	if err := ctx.Err(); err != nil {
		return fail(Errorf(KindCancelled, "call to %s cancelled: %v", req.Tool, err))
	}

	tool, ok := e.reg.Resolve(req.Tool)
	if !ok {
		return fail(Errorf(KindUnknownTool, "unknown tool %q", req.Tool))
	}

	e.transition(f, StateValidating)
	args, err := registry.Validate(tool, req.Arguments)
	if err != nil {
		return fail(AsError(err))
	}

	e.transition(f, StateExecuting)
	value, err := e.invoke(ctx, tool, args, f)
	if err != nil {
		de := AsError(err)
		if ctx.Err() != nil && de.Kind == KindHandlerError {
			de = Errorf(KindCancelled, "call to %s cancelled: %v", req.Tool, ctx.Err())
		}
		return fail(de)
	}
	return CallResult{Value: value}
}

func (e *Engine) invoke(ctx context.Context, tool registry.Tool, args registry.Args, f *Frame) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("tool panicked", "tool", tool.Name, "depth", f.Depth, "panic", r, "stack", string(debug.Stack()))
			value = nil
			err = Errorf(KindHandlerError, "tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Handler(ctx, args, &frameCaller{engine: e, frame: f})
}

func (e *Engine) transition(f *Frame, to State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()

	e.log.Debug("call transition", "tool", f.Request.Tool, "depth", f.Depth, "from", from, "to", to)
	if e.obs != nil {
		e.obs.Transition(f, from, to)
	}
}

func fail(err *Error) CallResult {
	return CallResult{Err: err}
}

// frameCaller issues nested calls as children of frame.
type frameCaller struct {
	engine *Engine
	frame  *Frame
}

func (c *frameCaller) Call(ctx context.Context, tool string, args map[string]any) (any, error) {
	c.engine.transition(c.frame, StateNestedDispatch)
	res := c.engine.run(ctx, CallRequest{Tool: tool, Arguments: args}, c.frame)
	c.engine.transition(c.frame, StateExecuting)

	if res.Err != nil {
		return nil, &Error{
			Kind:    KindNestedCallFailed,
			Message: fmt.Sprintf("nested call to %s failed", tool),
			Tool:    c.frame.Request.Tool,
			Cause:   res.Err,
		}
	}
	return res.Value, nil
}
