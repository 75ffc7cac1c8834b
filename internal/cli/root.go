// Package cli implements the copilot-mcp command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/lydakis/copilot-mcp/internal/config"
	"github.com/lydakis/copilot-mcp/internal/daemon"
	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/ipc"
	"github.com/lydakis/copilot-mcp/internal/lockfile"
	"github.com/spf13/cobra"
)

var (
	statusFn     = daemon.Status
	startFn      = daemon.Start
	stopFn       = daemon.Stop
	serveFn      = daemon.Run
	serveStdioFn = daemon.RunStdio
	dialFn       = func(ctx context.Context, addr string) (ipc.ToolClient, error) {
		c, err := ipc.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		if _, err := c.Initialize(ctx); err != nil {
			c.Close()
			return nil, err
		}
		return c, nil
	}
	dialStdioFn = func(ctx context.Context, command string, args []string, stderr io.Writer) (ipc.ToolClient, error) {
		c, err := ipc.DialStdio(ctx, command, args, nil, stderr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	executableFn = os.Executable

	buildVersion = "dev"
)

func init() {
	buildVersion = resolveBuildVersion(buildVersion)
	daemon.Version = buildVersion
}

// exitError carries a process exit code out of a command. The message has
// already been printed when silent is set.
type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

func exitSilently(code int) error {
	return &exitError{code: code, silent: true}
}

// app holds the state shared by every command of one invocation.
type app struct {
	stdout     io.Writer
	stderr     io.Writer
	stdin      io.Reader
	stdinTTY   bool
	configPath string
	verbose    bool

	cfg *config.Config
	log *slog.Logger
}

// Run is the main CLI entry point. Returns an exit code.
func Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		stdout:   os.Stdout,
		stderr:   os.Stderr,
		stdin:    os.Stdin,
		stdinTTY: stdinIsTTY(os.Stdin),
	}
	return a.run(ctx, args)
}

func (a *app) run(ctx context.Context, args []string) int {
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	root.SetIn(a.stdin)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return ipc.ExitOK
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if !ee.silent && ee.err != nil {
			fmt.Fprintf(a.stderr, "copilot-mcp: %v\n", ee.err)
		}
		return ee.code
	}

	// Anything else comes from cobra itself: unknown commands and bad flags.
	fmt.Fprintf(a.stderr, "copilot-mcp: %v\n", err)
	fmt.Fprintln(a.stderr, "Run 'copilot-mcp --help' for usage.")
	return ipc.ExitUsageErr
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "copilot-mcp",
		Short: "Local tool server with model-suggested tool calls",
		Long: `copilot-mcp runs a local JSON-RPC tool server and talks to it.

With no command it reports whether the server is running.

Config: $XDG_CONFIG_HOME/copilot-mcp/config.toml`,
		Version:       buildVersion,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.status(false)
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default $XDG_CONFIG_HOME/copilot-mcp/config.toml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		a.statusCommand(),
		a.startCommand(),
		a.stopCommand(),
		a.serveCommand(),
		a.listCommand(),
		a.callCommand(),
	)
	return root
}

// setup loads and validates config and builds the client-side logger.
func (a *app) setup() error {
	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFrom(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return exitWith(ipc.ExitInternal, err)
	}
	if verr := config.Validate(cfg); verr != nil {
		return exitWith(ipc.ExitUsageErr, fmt.Errorf("invalid config: %w", verr))
	}
	a.cfg = cfg

	level := "warn"
	if a.verbose {
		level = "debug"
	}
	a.log = daemon.NewLogger(a.stderr, level)
	return nil
}

// fail prints a taxonomy error and maps it to its exit code.
func (a *app) fail(err error) error {
	de := dispatch.AsError(err)
	fmt.Fprintf(a.stderr, "copilot-mcp: %v\n", de)
	return exitSilently(ipc.ExitCode(de))
}

func (a *app) descriptorLine(d lockfile.Descriptor) string {
	return fmt.Sprintf("port %d (PID: %d)", d.Port, d.PID)
}

func resolveBuildVersion(defaultVersion string) string {
	if defaultVersion != "" && defaultVersion != "dev" {
		return defaultVersion
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return defaultVersion
	}
	if info.Main.Version == "" || info.Main.Version == "(devel)" {
		return defaultVersion
	}
	return info.Main.Version
}

func stdinIsTTY(file *os.File) bool {
	info, err := file.Stat()
	if err != nil {
		return true
	}
	return info.Mode()&fs.ModeCharDevice != 0
}
