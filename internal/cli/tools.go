package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/lydakis/copilot-mcp/internal/dispatch"
	"github.com/lydakis/copilot-mcp/internal/ipc"
	"github.com/lydakis/copilot-mcp/internal/registry"
	"github.com/lydakis/copilot-mcp/internal/response"
	"github.com/spf13/cobra"
)

const statusHint = "check 'copilot-mcp status'"

type connectOptions struct {
	spawn bool
	stdio bool
}

// connect returns a client for the live server, a private stdio child, or a
// freshly started server.
func (a *app) connect(ctx context.Context, opts connectOptions) (ipc.ToolClient, error) {
	if opts.stdio {
		exe, err := executableFn()
		if err != nil {
			return nil, fmt.Errorf("finding executable: %w", err)
		}
		args := []string{"serve", "--stdio"}
		if a.configPath != "" {
			args = append(args, "--config", a.configPath)
		}
		var childErr io.Writer
		if a.verbose {
			childErr = a.stderr
		}
		a.log.Debug("starting stdio server", "exe", exe)
		return dialStdioFn(ctx, exe, args, childErr)
	}

	d, running, err := statusFn(a.cfg)
	if err != nil {
		return nil, err
	}
	if !running {
		if !opts.spawn {
			return nil, dispatch.Errorf(dispatch.KindNotRunning, "server is not running; start it with 'copilot-mcp start' or pass --spawn")
		}
		a.log.Debug("server not running, starting it")
		if d, err = startFn(ctx, a.cfg, a.configPath); err != nil {
			return nil, err
		}
	}

	a.log.Debug("connecting", "addr", d.Addr(), "pid", d.PID)
	c, err := dialFn(ctx, d.Addr())
	if err != nil {
		return nil, withHint(err)
	}
	return c, nil
}

// withHint points the user at status when the server cannot be reached.
func withHint(err error) error {
	de := dispatch.AsError(err)
	if de.Kind != dispatch.KindConnectionFailed {
		return err
	}
	hinted := *de
	hinted.Message = fmt.Sprintf("%s (%s)", de.Message, statusHint)
	return &hinted
}

func (a *app) listCommand() *cobra.Command {
	var (
		output string
		opts   connectOptions
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the server's tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format, err := response.ParseFormat(output)
			if err != nil {
				return exitWith(ipc.ExitUsageErr, err)
			}

			c, err := a.connect(cmd.Context(), opts)
			if err != nil {
				return a.fail(err)
			}
			defer c.Close()

			listed, err := c.ListTools(cmd.Context())
			if err != nil {
				return a.fail(withHint(err))
			}

			tools := make([]registry.Tool, 0, len(listed))
			for _, mt := range listed {
				tools = append(tools, registry.FromMCPTool(mt))
			}
			out, err := response.Tools(response.Entries(tools), format)
			if err != nil {
				return exitWith(ipc.ExitInternal, err)
			}
			a.stdout.Write(out) //nolint:errcheck
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(response.FormatText), "output format: text, json or yaml")
	cmd.Flags().BoolVar(&opts.spawn, "spawn", false, "start the server if it is not running")
	cmd.Flags().BoolVar(&opts.stdio, "stdio", false, "use a private stdio server instead of the running one")
	return cmd
}

func (a *app) callCommand() *cobra.Command {
	var (
		output   string
		argsJSON string
		opts     connectOptions
	)
	cmd := &cobra.Command{
		Use:   "call <tool> [key=value ...]",
		Short: "Call a tool",
		Long: `Call a tool on the server.

Arguments are key=value pairs, a JSON object given with --args-json, or a
JSON object piped on stdin. Values from pairs are strings; the server
converts them to the parameter's declared type.

On success the result is printed to stdout as {"value": ...}. On failure
{"error": {...}} is printed to stderr and the exit code is non-zero.`,
		Example: `  copilot-mcp call echo_message message="hello world"
  copilot-mcp call get_weather --args-json '{"location":"London"}'
  copilot-mcp call copilot_suggest prompt="What is the weather in London?" -o yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := response.ParseFormat(output)
			if err != nil {
				return exitWith(ipc.ExitUsageErr, err)
			}
			toolArgs, err := parseCallArgs(args[1:], argsJSON, a.stdin, a.stdinTTY)
			if err != nil {
				return exitWith(ipc.ExitUsageErr, err)
			}

			c, err := a.connect(cmd.Context(), opts)
			if err != nil {
				return a.failAs(err, format)
			}
			defer c.Close()

			res, err := c.CallTool(cmd.Context(), args[0], toolArgs)
			if err != nil {
				return a.failAs(withHint(err), format)
			}

			out, code, err := response.Call(res, format)
			if err != nil {
				return exitWith(ipc.ExitInternal, err)
			}
			if code == ipc.ExitOK {
				a.stdout.Write(out) //nolint:errcheck
				return nil
			}
			a.stderr.Write(out) //nolint:errcheck
			return exitSilently(code)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", string(response.FormatJSON), "output format: json, yaml or text")
	cmd.Flags().StringVar(&argsJSON, "args-json", "", "tool arguments as a JSON object")
	cmd.Flags().BoolVar(&opts.spawn, "spawn", false, "start the server if it is not running")
	cmd.Flags().BoolVar(&opts.stdio, "stdio", false, "use a private stdio server instead of the running one")
	return cmd
}

// failAs renders a transport or lifecycle failure in the call output format.
func (a *app) failAs(err error, format response.Format) error {
	de := dispatch.AsError(err)
	out, rerr := response.Error(de, format)
	if rerr != nil {
		return exitWith(ipc.ExitInternal, rerr)
	}
	a.stderr.Write(out) //nolint:errcheck
	return exitSilently(ipc.ExitCode(de))
}
