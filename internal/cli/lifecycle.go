package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lydakis/copilot-mcp/internal/daemon"
	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/ipc"
	"github.com/spf13/cobra"
)

type statusReport struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	Port       int    `json:"port,omitempty"`
	Address    string `json:"address,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

func (a *app) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the server is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.status(asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")
	return cmd
}

func (a *app) status(asJSON bool) error {
	d, running, err := statusFn(a.cfg)
	if err != nil {
		return exitWith(ipc.ExitInternal, err)
	}

	if asJSON {
		report := statusReport{Running: running}
		if running {
			report.PID, report.Port, report.Address, report.InstanceID = d.PID, d.Port, d.Addr(), d.InstanceID
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return exitWith(ipc.ExitInternal, fmt.Errorf("encoding status: %w", err))
		}
		fmt.Fprintln(a.stdout, string(data))
		return nil
	}

	if running {
		fmt.Fprintf(a.stdout, "Server is RUNNING on %s.\n", a.descriptorLine(d))
	} else {
		fmt.Fprintln(a.stdout, "Server is STOPPED.")
	}
	return nil
}

func (a *app) startCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := startFn(cmd.Context(), a.cfg, a.configPath)
			if err != nil {
				var de *dispatch.Error
				if errors.As(err, &de) && de.Kind == dispatch.KindAlreadyRunning {
					fmt.Fprintf(a.stderr, "Server is already running on %s.\n", a.descriptorLine(d))
					return exitSilently(ipc.ExitCode(de))
				}
				return a.fail(err)
			}
			fmt.Fprintf(a.stdout, "Server started on %s.\n", a.descriptorLine(d))
			return nil
		},
	}
}

func (a *app) stopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			outcome, d, err := stopFn(cmd.Context(), a.cfg)
			if err != nil {
				return a.fail(err)
			}

			switch outcome {
			case daemon.StopNotRunning:
				fmt.Fprintln(a.stdout, "Server is not running.")
			case daemon.StopStale:
				fmt.Fprintf(a.stdout, "Removed stale lock for PID %d. Server is not running.\n", d.PID)
			case daemon.StopKilled:
				a.log.Warn("server ignored SIGTERM and was killed", "pid", d.PID)
				fmt.Fprintf(a.stdout, "Server stopped (PID: %d).\n", d.PID)
			default:
				fmt.Fprintf(a.stdout, "Server stopped (PID: %d).\n", d.PID)
			}
			return nil
		},
	}
}

func (a *app) serveCommand() *cobra.Command {
	var stdio bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the server in the foreground",
		Long: `Run the server in the foreground.

By default it listens on TCP and publishes its instance descriptor, exactly
like the background server started by 'copilot-mcp start'. With --stdio it
serves a single session on stdin and stdout and writes no descriptor.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := a.cfg.LogLevel
			if a.verbose {
				level = "debug"
			}
			logger := daemon.NewLogger(a.stderr, level)

			var err error
			if stdio {
				err = serveStdioFn(cmd.Context(), a.cfg, a.stdin, a.stdout, logger)
			} else {
				err = serveFn(cmd.Context(), a.cfg, logger)
			}
			if err != nil {
				return a.fail(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stdio, "stdio", false, "serve one session on stdin/stdout")
	return cmd
}
