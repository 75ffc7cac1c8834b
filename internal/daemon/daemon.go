// Package daemon runs the tool server and supervises its lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lydakis/copilot-mcp/internal/config"
	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/ipc"
	"github.com/lydakis/copilot-mcp/internal/lockfile"
	"github.com/lydakis/copilot-mcp/internal/metrics"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/lydakis/copilot-mcp/internal/suggest"
	"github.com/lydakis/copilot-mcp/internal/tools"
)

// ServerName is reported in initialize responses.
const ServerName = "copilot-mcp"

// Version is stamped at build time.
var Version = "dev"

var (
	getpidFn = os.Getpid
	getenvFn = os.Getenv
)

// NewLogger returns a text logger writing to w at the named level.
// Unknown levels fall back to info.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// NewEngine builds the sealed registry and dispatch engine for cfg.
// obs may be nil.
func NewEngine(cfg *config.Config, logger *slog.Logger, obs dispatch.Observer) (*dispatch.Engine, error) {
	reg := registry.New()
	if err := tools.Register(reg, newModel(cfg.Suggest, logger), cfg.Suggest.Timeout.Std(), logger); err != nil {
		return nil, err
	}
	reg.Seal()

	return dispatch.New(reg, dispatch.Options{
		MaxDepth: cfg.MaxDepth,
		Logger:   logger,
		Observer: obs,
	}), nil
}

// newModel returns the cached model client. A missing token is reported per
// call, so the server starts without credentials.
func newModel(sc config.SuggestConfig, logger *slog.Logger) suggest.Model {
	model := suggest.NewOpenAIModel(suggest.OpenAIConfig{
		BaseURL:       sc.BaseURL,
		Model:         sc.Model,
		Token:         getenvFn(sc.TokenEnv),
		TokenEnv:      sc.TokenEnv,
		MaxRetries:    sc.MaxRetries,
		RatePerSecond: sc.RatePerSecond,
		SystemPrompt:  suggest.SystemPrompt(tools.Builtins()),
		Logger:        logger,
	})
	return suggest.NewCachedModel(model, sc.CacheTTL.Std(), sc.Timeout.Std(), sc.BaseURL+"|"+sc.Model)
}

// Run serves on TCP until ctx is cancelled or the process receives SIGINT or
// SIGTERM. It publishes the instance descriptor once listening and removes it
// on the way out, unless another instance has replaced it.
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	engine, err := NewEngine(cfg, logger, m)
	if err != nil {
		return err
	}

	ln, err := ipc.Listen(cfg.ListenHost, cfg.Port)
	if err != nil {
		return dispatch.Errorf(dispatch.KindConnectionFailed, "%v", err)
	}

	pid := getpidFn()
	store := lockfile.New(cfg.ResolvedLockPath())
	desc := lockfile.NewDescriptor(pid, ln.Addr())
	if err := store.Acquire(desc); err != nil {
		ln.Close()
		return lockError(err)
	}
	defer func() {
		if err := store.ReleaseOwned(pid); err != nil {
			logger.Warn("removing instance descriptor", "path", store.Path(), "error", err)
		}
	}()

	srv := ipc.NewServer(ipc.NewHandler(engine, ServerName, Version, logger), logger)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	stopMetrics, err := serveMetrics(cfg.MetricsAddr, m, logger)
	if err != nil {
		logger.Warn("metrics endpoint disabled", "error", err)
	}
	defer stopMetrics()

	logger.Info("server listening",
		"addr", ln.Addr().String(),
		"pid", pid,
		"instance", desc.InstanceID,
		"lock", store.Path(),
	)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-served:
		logger.Error("accept loop stopped", "error", serveErr)
	}

	logger.Info("shutting down", "pid", pid)
	sctx, cancel := context.WithTimeout(context.Background(), cfg.StopTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("in-flight calls cancelled", "error", err)
	}
	if serveErr == nil {
		serveErr = <-served
	}
	if errors.Is(serveErr, ipc.ErrServerClosed) {
		return nil
	}
	return serveErr
}

// RunStdio serves one session over in and out. No descriptor is written.
func RunStdio(ctx context.Context, cfg *config.Config, in io.Reader, out io.Writer, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	engine, err := NewEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	logger.Debug("serving on stdio")
	return ipc.NewHandler(engine, ServerName, Version, logger).Serve(ctx, in, out)
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) (func(), error) {
	if addr == "" {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return func() {}, fmt.Errorf("listening on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("metrics listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}, nil
}

// lockError maps lock store failures onto the error taxonomy.
func lockError(err error) error {
	var de *lockfile.DescriptorError
	switch {
	case errors.Is(err, lockfile.ErrAlreadyRunning) && errors.As(err, &de):
		return alreadyRunning(de.Descriptor)
	case errors.Is(err, lockfile.ErrStale) && errors.As(err, &de):
		return dispatch.Errorf(dispatch.KindStaleLock, "instance descriptor %s names dead process %d", de.Descriptor.Addr(), de.Descriptor.PID)
	default:
		return fmt.Errorf("instance descriptor: %w", err)
	}
}

func alreadyRunning(d lockfile.Descriptor) error {
	return dispatch.Errorf(dispatch.KindAlreadyRunning, "server is already running on port %d (PID: %d)", d.Port, d.PID)
}
