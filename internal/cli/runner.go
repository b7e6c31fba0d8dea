package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/g960059/cmuxctl/internal/appclient"
	"github.com/g960059/cmuxctl/internal/config"
)

type Runner struct {
	socketPath string
	out        io.Writer
	errOut     io.Writer
}

// options are the persistent flags shared by every command.
type options struct {
	socket   string
	password string
	json     bool
	field    string
	timeout  time.Duration
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	if socketPath == "" {
		socketPath = config.DefaultConfig().SocketPath
	}
	return &Runner{socketPath: socketPath, out: out, errOut: errOut}
}

// Run executes args and returns the process exit code: 0 on success, 1 when
// the daemon or transport failed, 2 on usage errors.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 2
}

func (r *Runner) rootCommand() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "cmuxctl",
		Short: "cmuxctl drives a running cmuxctld over its control socket",
		Long: `cmuxctl sends v2 requests to cmuxctld.

Examples:
  cmuxctl ping
  cmuxctl workspace create --title build
  cmuxctl browser open https://example.com
  cmuxctl browser click @e3 --surface surface:2
  cmuxctl call surface.read_text '{"surface_id":"surface:1"}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\n%s", err, cmd.UsageString())
	})
	flags := root.PersistentFlags()
	flags.StringVar(&opts.socket, "socket", r.socketPath, "control socket path")
	flags.StringVar(&opts.password, "password", "", "socket password (default: $CMUX_SOCKET_PASSWORD)")
	flags.BoolVar(&opts.json, "json", false, "print the raw JSON result")
	flags.StringVar(&opts.field, "field", "", "print a single value from the result (gjson path)")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")

	root.AddCommand(
		r.pingCommand(opts),
		r.capabilitiesCommand(opts),
		r.identifyCommand(opts),
		r.callCommand(opts),
		r.v1Command(opts),
		r.workspaceCommand(opts),
		r.surfaceCommand(opts),
		r.browserCommand(opts),
	)
	return root
}

func (o *options) client() *appclient.Client {
	c := appclient.New(o.socket).WithUnaryTimeout(o.timeout)
	password := o.password
	if password == "" {
		password = os.Getenv("CMUX_SOCKET_PASSWORD")
	}
	if password != "" {
		c = c.WithPassword(password)
	}
	return c
}

// call runs method and hands the result to render unless --json or --field
// asked for raw output.
func (r *Runner) call(cmd *cobra.Command, opts *options, method string, params map[string]any, render func(gjson.Result)) error {
	raw, err := opts.client().Call(cmd.Context(), method, params)
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	return r.emit(opts, raw, render)
}

func (r *Runner) emit(opts *options, raw json.RawMessage, render func(gjson.Result)) error {
	switch {
	case opts.field != "":
		v := gjson.GetBytes(raw, opts.field)
		if !v.Exists() {
			return &exitError{code: 1, err: fmt.Errorf("field %q not in result", opts.field)}
		}
		_, _ = fmt.Fprintln(r.out, v.String())
	case opts.json || render == nil:
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			_, _ = r.out.Write(raw)
		} else {
			_, _ = buf.WriteTo(r.out)
		}
		_, _ = fmt.Fprintln(r.out)
	default:
		render(gjson.ParseBytes(raw))
	}
	return nil
}

func (r *Runner) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(r.out, format, args...)
}

func marker(selected bool) string {
	if selected {
		return "*"
	}
	return " "
}

func (r *Runner) pingCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.call(cmd, opts, "system.ping", nil, func(gjson.Result) { r.printf("PONG\n") })
		},
	}
}

func (r *Runner) capabilitiesCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "capabilities",
		Short: "List the methods the daemon supports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.call(cmd, opts, "system.capabilities", nil, func(res gjson.Result) {
				r.printf("%s v%d (access %s)\n", res.Get("protocol").String(), res.Get("version").Int(), res.Get("access_mode").String())
				for _, m := range res.Get("methods").Array() {
					r.printf("%s\n", m.String())
				}
			})
		},
	}
}

func (r *Runner) identifyCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "identify",
		Short: "Show the focused window, workspace, pane and surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.call(cmd, opts, "system.identify", nil, nil)
		},
	}
}

func (r *Runner) callCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [params-json]",
		Short: "Send an arbitrary v2 request",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}
			return r.call(cmd, opts, args[0], params, nil)
		},
	}
}

func (r *Runner) v1Command(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "v1 <command> [args...]",
		Short: "Send a v1 text command and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := opts.client().V1(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return &exitError{code: 1, err: err}
			}
			r.printf("%s\n", reply)
			return nil
		},
	}
}

func (r *Runner) workspaceCommand(opts *options) *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Short: "Manage workspaces"}

	var window string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces of a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.call(cmd, opts, "workspace.list", optional(nil, "window_id", window), func(res gjson.Result) {
				for _, w := range res.Get("workspaces").Array() {
					r.printf("%s %s\t%s\t%d panes\n", marker(w.Get("selected").Bool()), w.Get("ref").String(), w.Get("title").String(), w.Get("pane_count").Int())
				}
			})
		},
	}
	list.Flags().StringVar(&window, "window", "", "window id or ref (default: key window)")

	var title string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.call(cmd, opts, "workspace.create", optional(nil, "title", title), func(res gjson.Result) {
				r.printf("%s %s\n", res.Get("workspace_ref").String(), res.Get("workspace_id").String())
			})
		},
	}
	create.Flags().StringVar(&title, "title", "", "workspace title")

	sel := &cobra.Command{
		Use:   "select <workspace>",
		Short: "Select a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.call(cmd, opts, "workspace.select", map[string]any{"workspace_id": args[0]}, func(res gjson.Result) {
				r.printf("selected %s\n", res.Get("workspace_ref").String())
			})
		},
	}

	closeCmd := &cobra.Command{
		Use:   "close <workspace>",
		Short: "Close a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.call(cmd, opts, "workspace.close", map[string]any{"workspace_id": args[0]}, func(res gjson.Result) {
				r.printf("closed %s\n", res.Get("workspace_ref").String())
			})
		},
	}

	ws.AddCommand(list, create, sel, closeCmd)
	return ws
}

func (r *Runner) surfaceCommand(opts *options) *cobra.Command {
	sc := &cobra.Command{Use: "surface", Short: "Inspect and drive surfaces"}

	var workspace string
	list := &cobra.Command{
		Use:   "list",
		Short: "List surfaces of a workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return r.call(cmd, opts, "surface.list", optional(nil, "workspace_id", workspace), func(res gjson.Result) {
				for _, s := range res.Get("surfaces").Array() {
					line := fmt.Sprintf("%s %s\t%s\t%s", marker(s.Get("focused").Bool()), s.Get("ref").String(), s.Get("type").String(), s.Get("pane_ref").String())
					if u := s.Get("url").String(); u != "" {
						line += "\t" + u
					}
					r.printf("%s\n", line)
				}
			})
		},
	}
	list.Flags().StringVar(&workspace, "workspace", "", "workspace id or ref (default: selected)")

	var surface string
	send := &cobra.Command{
		Use:   "send <text>",
		Short: "Send text to a terminal surface",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := optional(map[string]any{"text": args[0]}, "surface_id", surface)
			return r.call(cmd, opts, "surface.send_text", params, func(res gjson.Result) {
				r.printf("sent %d bytes to %s\n", res.Get("bytes").Int(), res.Get("surface_ref").String())
			})
		},
	}
	send.Flags().StringVar(&surface, "surface", "", "surface id or ref (default: focused)")

	sc.AddCommand(list, send)
	return sc
}

func (r *Runner) browserCommand(opts *options) *cobra.Command {
	bc := &cobra.Command{Use: "browser", Short: "Automate browser surfaces"}
	var surface string
	bc.PersistentFlags().StringVar(&surface, "surface", "", "browser surface id or ref (default: focused)")
	target := func(params map[string]any) map[string]any {
		return optional(params, "surface_id", surface)
	}

	var workspace string
	open := &cobra.Command{
		Use:   "open [url]",
		Short: "Open a browser surface in a new split",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]any{}
			if len(args) == 1 {
				params["url"] = args[0]
			}
			params = optional(target(params), "workspace_id", workspace)
			return r.call(cmd, opts, "browser.open_split", params, func(res gjson.Result) {
				r.printf("%s %s\n", res.Get("surface_ref").String(), res.Get("url").String())
			})
		},
	}
	open.Flags().StringVar(&workspace, "workspace", "", "workspace id or ref")

	navigate := &cobra.Command{
		Use:   "navigate <url>",
		Short: "Load a URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.call(cmd, opts, "browser.navigate", target(map[string]any{"url": args[0]}), func(res gjson.Result) {
				r.printf("%s\t%s\n", res.Get("url").String(), res.Get("title").String())
			})
		},
	}

	click := &cobra.Command{
		Use:   "click <selector|@eN>",
		Short: "Click an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.call(cmd, opts, "browser.click", target(map[string]any{"selector": args[0]}), func(gjson.Result) {
				r.printf("OK\n")
			})
		},
	}

	fill := &cobra.Command{
		Use:   "fill <selector|@eN> <text>",
		Short: "Replace the value of an input",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.call(cmd, opts, "browser.fill", target(map[string]any{"selector": args[0], "text": args[1]}), func(gjson.Result) {
				r.printf("OK\n")
			})
		},
	}

	var maxNodes int
	var withText bool
	snapshot := &cobra.Command{
		Use:   "snapshot [selector]",
		Short: "Print an accessibility-style snapshot with @eN refs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := target(map[string]any{"include_text": withText})
			if maxNodes > 0 {
				params["max_nodes"] = maxNodes
			}
			if len(args) == 1 {
				params["selector"] = args[0]
			}
			return r.call(cmd, opts, "browser.snapshot", params, func(res gjson.Result) {
				r.printf("%s\n", strings.TrimRight(res.Get("snapshot").String(), "\n"))
				if res.Get("truncated").Bool() {
					r.printf("(truncated at %d nodes)\n", res.Get("node_count").Int())
				}
			})
		},
	}
	snapshot.Flags().IntVar(&maxNodes, "max-nodes", 0, "node limit (default: daemon setting)")
	snapshot.Flags().BoolVar(&withText, "text", false, "include the page text")

	eval := &cobra.Command{
		Use:   "eval <script>",
		Short: "Evaluate JavaScript and print its value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return r.call(cmd, opts, "browser.eval", target(map[string]any{"script": args[0]}), func(res gjson.Result) {
				r.printf("%s\n", res.Get("value").Raw)
			})
		},
	}

	var (
		waitSelector string
		urlContains  string
		textContains string
		loadState    string
		timeoutMS    int
	)
	wait := &cobra.Command{
		Use:   "wait",
		Short: "Wait for a selector, URL, text or load state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if waitSelector == "" && urlContains == "" && textContains == "" && loadState == "" {
				return errors.New("one of --selector, --url-contains, --text-contains or --load-state is required")
			}
			params := target(map[string]any{})
			params = optional(params, "selector", waitSelector)
			params = optional(params, "url_contains", urlContains)
			params = optional(params, "text_contains", textContains)
			params = optional(params, "load_state", loadState)
			if timeoutMS > 0 {
				params["timeout_ms"] = timeoutMS
			}
			return r.call(cmd, opts, "browser.wait", params, func(gjson.Result) {
				r.printf("OK\n")
			})
		},
	}
	wait.Flags().StringVar(&waitSelector, "selector", "", "wait until the selector matches")
	wait.Flags().StringVar(&urlContains, "url-contains", "", "wait until the URL contains this text")
	wait.Flags().StringVar(&textContains, "text-contains", "", "wait until the page text contains this text")
	wait.Flags().StringVar(&loadState, "load-state", "", "wait for interactive or complete")
	wait.Flags().IntVar(&timeoutMS, "timeout-ms", 0, "wait timeout in milliseconds")

	bc.AddCommand(open, navigate, click, fill, snapshot, eval, wait)
	return bc
}

// optional sets key only when value is non-empty.
func optional(params map[string]any, key, value string) map[string]any {
	if params == nil {
		params = map[string]any{}
	}
	if value = strings.TrimSpace(value); value != "" {
		params[key] = value
	}
	return params
}
