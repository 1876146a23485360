// Command licensectl issues, validates, revokes, and looks up licenses on a
// licensegate node or any panel speaking the same protocol.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/ericfisherdev/licensegate/internal/adapter/driven/panel"
	"github.com/ericfisherdev/licensegate/internal/adapter/wire"
	"github.com/ericfisherdev/licensegate/internal/domain/model"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1 // Usage errors and unreachable servers.
	exitRejected = 2 // The server answered, but not with a usable license.
)

const usage = `usage: licensectl [flags] <command> [command flags]

commands:
  issue     -plugin ID -owner NAME [-days N]
  validate  -plugin ID -key KEY
  revoke    -key KEY
  get       -key KEY

flags:
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// globalFlags are shared by every command. Defaults come from the environment.
type globalFlags struct {
	url      string
	token    string
	header   string
	prefix   string
	serverID string
	timeout  time.Duration
	verbose  bool
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("licensectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	var g globalFlags
	fs.StringVar(&g.url, "url", envOr("LICENSEGATE_URL", "http://127.0.0.1:8080"), "licensegate or panel base URL ($LICENSEGATE_URL)")
	fs.StringVar(&g.token, "token", os.Getenv("LICENSEGATE_API_TOKEN"), "API token ($LICENSEGATE_API_TOKEN)")
	fs.StringVar(&g.header, "header", "Authorization", "auth header name")
	fs.StringVar(&g.prefix, "prefix", "Bearer ", "auth header value prefix")
	fs.StringVar(&g.serverID, "server-id", envOr("LICENSEGATE_PANEL_SERVER_ID", "licensectl"), "server id sent with every request")
	fs.DurationVar(&g.timeout, "timeout", 5*time.Second, "request timeout")
	fs.BoolVar(&g.verbose, "v", false, "log requests to stderr")

	if err := fs.Parse(args); err != nil {
		return exitFailure
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitFailure
	}

	client, err := newClient(g, stderr)
	if err != nil {
		fmt.Fprintln(stderr, "licensectl:", err)
		return exitFailure
	}

	cmd, cmdArgs := fs.Arg(0), fs.Args()[1:]
	var code int
	switch cmd {
	case "issue":
		code, err = runIssue(ctx, client, cmdArgs, stdout, stderr)
	case "validate":
		code, err = runValidate(ctx, client, cmdArgs, stdout, stderr)
	case "revoke":
		code, err = runRevoke(ctx, client, cmdArgs, stdout, stderr)
	case "get":
		code, err = runGet(ctx, client, cmdArgs, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "licensectl: unknown command %q\n", cmd)
		fs.Usage()
		return exitFailure
	}

	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "licensectl %s: %v\n", cmd, err)
		}
		return exitFailure
	}
	return code
}

func newClient(g globalFlags, stderr io.Writer) (*panel.Client, error) {
	level := slog.LevelError
	if g.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	authValue := ""
	if g.token != "" {
		authValue = g.prefix + g.token
	}
	header := g.header
	if authValue == "" {
		header = ""
	}

	return panel.New(panel.Config{
		BaseURL:         g.url,
		ServerID:        g.serverID,
		AuthHeaderName:  header,
		AuthHeaderValue: authValue,
		ConnectTimeout:  g.timeout,
		RequestTimeout:  g.timeout,
		Endpoints:       panel.DefaultEndpoints(),
	}, logger)
}

func runIssue(ctx context.Context, client *panel.Client, args []string, stdout, stderr io.Writer) (int, error) {
	fs := newCommandFlags("issue", stderr)
	pluginID := fs.String("plugin", "", "plugin id (required)")
	owner := fs.String("owner", "", "license owner (required)")
	days := fs.Int("days", 0, "validity in days; 0 never expires")
	if err := parseCommand(fs, args); err != nil {
		return exitFailure, err
	}
	if err := require(fs, map[string]string{"plugin": *pluginID, "owner": *owner}); err != nil {
		return exitFailure, err
	}

	license, err := client.Issue(ctx, *pluginID, *owner, *days)
	if err != nil {
		return exitFailure, err
	}
	if license == nil {
		fmt.Fprintln(stderr, "server returned no license")
		return exitRejected, nil
	}
	return exitOK, printJSON(stdout, wire.LicenseResponse{License: wire.FromModel(*license)})
}

func runValidate(ctx context.Context, client *panel.Client, args []string, stdout, stderr io.Writer) (int, error) {
	fs := newCommandFlags("validate", stderr)
	pluginID := fs.String("plugin", "", "plugin id (required)")
	key := fs.String("key", "", "license key (required)")
	if err := parseCommand(fs, args); err != nil {
		return exitFailure, err
	}
	if err := require(fs, map[string]string{"plugin": *pluginID, "key": *key}); err != nil {
		return exitFailure, err
	}

	remote, err := client.Validate(ctx, *pluginID, *key)
	if err != nil {
		return exitFailure, err
	}

	resp := wire.ValidateResponse{Result: string(remote.Result)}
	if remote.License != nil {
		resp.License = wire.FromModel(*remote.License)
	}
	if err := printJSON(stdout, resp); err != nil {
		return exitFailure, err
	}
	if remote.Result != model.ResultValid {
		return exitRejected, nil
	}
	return exitOK, nil
}

func runRevoke(ctx context.Context, client *panel.Client, args []string, stdout, stderr io.Writer) (int, error) {
	fs := newCommandFlags("revoke", stderr)
	key := fs.String("key", "", "license key (required)")
	if err := parseCommand(fs, args); err != nil {
		return exitFailure, err
	}
	if err := require(fs, map[string]string{"key": *key}); err != nil {
		return exitFailure, err
	}

	ok, err := client.Revoke(ctx, *key)
	if err != nil {
		return exitFailure, err
	}
	if err := printJSON(stdout, wire.RevokeResponse{Success: ok}); err != nil {
		return exitFailure, err
	}
	if !ok {
		return exitRejected, nil
	}
	return exitOK, nil
}

func runGet(ctx context.Context, client *panel.Client, args []string, stdout, stderr io.Writer) (int, error) {
	fs := newCommandFlags("get", stderr)
	key := fs.String("key", "", "license key (required)")
	if err := parseCommand(fs, args); err != nil {
		return exitFailure, err
	}
	if err := require(fs, map[string]string{"key": *key}); err != nil {
		return exitFailure, err
	}

	license, err := client.Get(ctx, *key)
	if err != nil {
		return exitFailure, err
	}
	if license == nil {
		fmt.Fprintln(stderr, "license not found")
		return exitRejected, nil
	}
	return exitOK, printJSON(stdout, wire.LicenseResponse{License: wire.FromModel(*license)})
}

func newCommandFlags(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseCommand(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}
	return nil
}

// require reports every blank required flag and returns errUsage if any.
func require(fs *flag.FlagSet, values map[string]string) error {
	var missing []string
	for name, v := range values {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, "-"+name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	fmt.Fprintf(fs.Output(), "missing required flags: %s\n", strings.Join(missing, ", "))
	fs.PrintDefaults()
	return errUsage
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
