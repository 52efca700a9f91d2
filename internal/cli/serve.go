package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/conformance/internal/browser"
	"github.com/roach88/conformance/internal/config"
	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/modules"
	"github.com/roach88/conformance/internal/server"
	"github.com/roach88/conformance/internal/store"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Headless bool
	Insecure bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the suite's HTTP listeners",
		Long: `Serve the runner API and the per-test front channel, plus the mutually
authenticated channel when mtls.listen is configured.

Without --headless, browser redirects a test asks for are recorded and
shown by GET /api/runner/{id} for a person to follow.

Example:
  conformance serve --config ./conformance.yaml
  conformance serve --headless --insecure -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Headless, "headless", false, "follow browser redirects with a built-in user agent")
	cmd.Flags().BoolVar(&opts.Insecure, "insecure", false, "do not verify TLS certificates of systems under test")

	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	srv, err := newSuiteServer(ctx, cfg, st, opts.Headless, opts.Insecure)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Suite listening on %s (base URL %s)\n", cfg.Listen, cfg.BaseURL)
	if err := srv.Serve(ctx, cfg); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	slog.Info("server stopped gracefully")
	return nil
}

// newSuiteServer builds a server over st with the bundled catalog and
// condition library.
func newSuiteServer(ctx context.Context, cfg config.Config, st *store.Store, headless, insecure bool) (*server.Server, error) {
	cat, err := modules.Catalog()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to build catalog", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	if insecure {
		httpClient.Transport = insecureTransport()
	}
	srvOpts := server.Options{
		Catalog:   cat,
		Info:      st,
		Events:    eventlog.Multi{st, eventlog.Slog{}},
		Trail:     st,
		BaseURL:   cfg.BaseURL,
		DetailURL: cfg.LogDetailURL,
		HTTP:      httpClient,
		MaxTasks:  cfg.MaxBackgroundTasks,
	}
	if cfg.MTLS.Enabled() {
		srvOpts.MTLSBaseURL = cfg.MTLS.BaseURL
	}

	var srv *server.Server
	if headless {
		agentOpts := []browser.AgentOption{
			browser.OnPlaceholder(func(ctx context.Context, placeholder string, page browser.Page) {
				srv.PlaceholderFunc()(ctx, placeholder, page)
			}),
		}
		if insecure {
			agentOpts = append(agentOpts, browser.WithInsecureTLS())
		}
		agent := browser.NewAgent(agentOpts...)
		agent.Start(ctx)
		srvOpts.Browser = agent
	}
	srv = server.New(srvOpts)
	return srv, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
