package daemon

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/ipc"
	"github.com/lydakis/copilot-mcp/internal/lockfile"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/lydakis/copilot-mcp/internal/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitForDescriptor(t *testing.T, store *lockfile.Store, pid int) lockfile.Descriptor {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if d, err := store.Read(); err == nil && d.PID == pid {
			return d
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no descriptor for pid %d at %s", pid, store.Path())
	return lockfile.Descriptor{}
}

func TestRunServesAndCleansUp(t *testing.T) {
	cfg := testConfig(t)
	store := lockfile.New(cfg.ResolvedLockPath())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, quietLogger()) }()

	d := waitForDescriptor(t, store, os.Getpid())
	assert.NotZero(t, d.Port)
	assert.NotEmpty(t, d.InstanceID)

	cctx, ccancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer ccancel()
	c, err := ipc.Dial(cctx, d.Addr())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Initialize(cctx)
	require.NoError(t, err)

	list, err := c.ListTools(cctx)
	require.NoError(t, err)
	names := make([]string, 0, len(list))
	for _, tool := range list {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{
		tools.EchoMessage, tools.GetWeather, tools.GetTimeInLocation, tools.KillProcess, tools.CopilotSuggest,
	}, names)

	res, err := c.CallTool(cctx, tools.EchoMessage, map[string]any{"message": "hello world"})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "hello world", res.Value)

	res, err = c.CallTool(cctx, tools.GetWeather, map[string]any{"location": "TimeCity"})
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "The current time in TimeCity is 12:00 PM.", res.Value.(map[string]any)["time"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	_, err = store.Read()
	assert.ErrorIs(t, err, lockfile.ErrNotFound)
}

func TestRunRefusesWhileAnotherInstanceIsLive(t *testing.T) {
	oldPID := getpidFn
	t.Cleanup(func() { getpidFn = oldPID })
	getpidFn = func() int { return os.Getpid() + 1 }

	cfg := testConfig(t)
	writeDescriptor(t, cfg, lockfile.Descriptor{PID: os.Getpid(), Port: 8080})

	err := Run(context.Background(), cfg, quietLogger())
	requireKind(t, err, dispatch.KindAlreadyRunning)

	cur, err := lockfile.New(cfg.ResolvedLockPath()).Read()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), cur.PID)
	assert.Equal(t, 8080, cur.Port)
}

func TestRunReplacesStaleDescriptor(t *testing.T) {
	cfg := testConfig(t)
	store := lockfile.New(cfg.ResolvedLockPath())
	writeDescriptor(t, cfg, lockfile.Descriptor{PID: deadPID, Port: 8080})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, quietLogger()) }()

	d := waitForDescriptor(t, store, os.Getpid())
	assert.NotEqual(t, 8080, d.Port)

	cancel()
	require.NoError(t, <-done)
}

func TestRunStdioAnswersListAndCall(t *testing.T) {
	cfg := testConfig(t)
	in := strings.NewReader(strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"kill_process","arguments":{"pid":"12"}}}`,
	}, "\n") + "\n")
	var out bytes.Buffer

	require.NoError(t, RunStdio(context.Background(), cfg, in, &out, quietLogger()))

	sc := bufio.NewScanner(&out)
	var replies []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		replies = append(replies, m)
	}
	require.Len(t, replies, 2)

	listed := replies[0]["result"].(map[string]any)["tools"].([]any)
	assert.Len(t, listed, 5)

	call := replies[1]["result"].(map[string]any)
	assert.Equal(t, true, call["isError"])
	errObj := call["structuredContent"].(map[string]any)["error"].(map[string]any)
	assert.Equal(t, string(dispatch.KindHandlerError), errObj["kind"])

	_, err := lockfile.New(cfg.ResolvedLockPath()).Read()
	assert.ErrorIs(t, err, lockfile.ErrNotFound, "stdio mode must not write a descriptor")
}

func TestNewEngineUsesConfiguredDepth(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxDepth = 3

	engine, err := NewEngine(cfg, quietLogger(), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, engine.MaxDepth())
	assert.True(t, engine.Registry().Has(tools.CopilotSuggest))
}

func TestSuggestWithoutTokenReportsMissingCredential(t *testing.T) {
	oldEnv := getenvFn
	t.Cleanup(func() { getenvFn = oldEnv })
	getenvFn = func(string) string { return "" }

	engine, err := NewEngine(testConfig(t), quietLogger(), nil)
	require.NoError(t, err)

	res := engine.Execute(context.Background(), dispatch.CallRequest{
		Tool:      tools.CopilotSuggest,
		Arguments: map[string]any{"prompt": "What is the weather in London?"},
	})
	require.NotNil(t, res.Err)
	assert.Equal(t, dispatch.KindMissingCredential, res.Err.Kind)
	assert.Contains(t, res.Err.Message, "GITHUB_TOKEN")
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", "tool", "echo_message")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "tool=echo_message")

	buf.Reset()
	NewLogger(&buf, "nonsense").Debug("dropped")
	assert.Empty(t, buf.String())
}

// sampleArgs builds schema-conformant arguments for t, either typed or as
// the strings the CLI sends for key=value pairs.
func sampleArgs(t registry.Tool, asStrings bool) map[string]any {
	args := make(map[string]any, len(t.Params))
	for _, p := range t.Params {
		var typed any
		var text string
		switch p.Kind {
		case registry.KindInteger:
			typed, text = 1, "1"
		case registry.KindNumber:
			typed, text = 1.5, "1.5"
		case registry.KindBoolean:
			typed, text = true, "true"
		default:
			typed, text = "x", "x"
		}
		if asStrings {
			args[p.Name] = text
		} else {
			args[p.Name] = typed
		}
	}
	return args
}

func TestEveryListedToolAcceptsItsSchema(t *testing.T) {
	oldEnv := getenvFn
	t.Cleanup(func() { getenvFn = oldEnv })
	getenvFn = func(string) string { return "" }

	cfg := testConfig(t)
	store := lockfile.New(cfg.ResolvedLockPath())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, cfg, quietLogger()) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	d := waitForDescriptor(t, store, os.Getpid())
	cctx, ccancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer ccancel()
	c, err := ipc.Dial(cctx, d.Addr())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Initialize(cctx)
	require.NoError(t, err)

	listed, err := c.ListTools(cctx)
	require.NoError(t, err)
	require.NotEmpty(t, listed)

	for _, mt := range listed {
		tool := registry.FromMCPTool(mt)
		for _, asStrings := range []bool{false, true} {
			args := sampleArgs(tool, asStrings)
			res, err := c.CallTool(cctx, tool.Name, args)
			require.NoError(t, err, "%s %v", tool.Name, args)
			if res.OK() {
				continue
			}
			assert.NotEqual(t, dispatch.KindUnknownTool, res.Err.Kind, "%s %v: %v", tool.Name, args, res.Err)
			assert.NotEqual(t, dispatch.KindInvalidArguments, res.Err.Kind, "%s %v: %v", tool.Name, args, res.Err)
		}
	}
}
