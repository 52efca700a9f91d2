package cli

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conformance/internal/plan"
	"github.com/roach88/conformance/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Listen   string
	Timeout  time.Duration
	FailFast bool
	Insecure bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Run a test plan headlessly",
		Long: `Run every module of a test plan in order with a built-in user agent
following browser redirects, and report each module's verdict.

The suite listens on --listen for the duration of the run; systems under test
must be able to reach it there. Records and audit trails are written to a
temporary database unless --db is given.

Exit codes: 0 when every module reached its expected verdict, 1 otherwise,
2 for command errors.

Example:
  conformance run ./plans/openid-client.yaml
  conformance run --db ./runs.db --listen 127.0.0.1:8443 --fail-fast plan.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: temporary)")
	cmd.Flags().StringVar(&opts.Listen, "listen", "127.0.0.1:0", "front-channel listen address")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", plan.DefaultModuleTimeout, "time allowed for each module")
	cmd.Flags().BoolVar(&opts.FailFast, "fail-fast", false, "stop at the first module that misses its verdict")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "do not verify TLS certificates of systems under test")

	return cmd
}

func runPlan(cmd *cobra.Command, opts *RunOptions, planPath string) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	p, err := plan.Load(planPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load plan", err)
	}

	dbPath := opts.Database
	if dbPath == "" {
		dir, err := os.MkdirTemp("", "conformance-run-")
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to create temporary database", err)
		}
		defer os.RemoveAll(dir)
		dbPath = filepath.Join(dir, "run.db")
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	ln, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	// The front channel is served on an address chosen here, so the
	// configured base URLs do not apply.
	cfg.BaseURL = "http://" + ln.Addr().String()
	cfg.LogDetailURL = cfg.BaseURL + "/log-detail.html"
	cfg.MTLS.Listen = ""

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()
	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()

	srv, err := newSuiteServer(serveCtx, cfg, st, true, opts.Insecure)
	if err != nil {
		ln.Close()
		return err
	}
	served := make(chan error, 1)
	go func() { served <- srv.ServeListeners(serveCtx, ln, nil) }()

	runnerOpts := []plan.RunnerOption{plan.WithModuleTimeout(opts.Timeout)}
	if opts.FailFast {
		runnerOpts = append(runnerOpts, plan.WithFailFast())
	}
	slog.Info("running plan", "plan", p.Name, "modules", len(p.Modules), "base_url", cfg.BaseURL)
	report, runErr := plan.NewRunner(srv, runnerOpts...).Run(ctx, p)

	cancelServe()
	if err := <-served; err != nil {
		slog.Warn("server shutdown", "error", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitCommandError, "plan run failed", runErr)
	}

	if err := opts.formatter(cmd).Success(reportTable(report)); err != nil {
		return err
	}
	if runErr != nil {
		return WrapExitError(ExitFailure, "plan run interrupted", runErr)
	}
	if !report.Passed() {
		return NewExitError(ExitFailure, fmt.Sprintf("plan %s: some modules missed their expected verdict", p.Name))
	}
	return nil
}

func reportTable(r plan.Report) *Table {
	tbl := &Table{Header: []string{"MODULE", "TEST ID", "STATUS", "RESULT", "EXPECTED", "ERROR"}}
	passed := 0
	for _, o := range r.Outcomes {
		errText := ""
		if o.Err != nil {
			errText = o.Err.Error()
		}
		if o.OK() {
			passed++
		}
		tbl.Rows = append(tbl.Rows, []any{o.Module, o.TestID, string(o.Status), string(o.Result), string(o.Expected), errText})
	}
	tbl.Footer = fmt.Sprintf("%s: %d/%d modules as expected", r.Plan, passed, len(r.Outcomes))
	return tbl
}

func insecureTransport() *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return t
}
