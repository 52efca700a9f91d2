package cli

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/conformance/internal/modules"
	"github.com/roach88/conformance/internal/store"
)

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Tests    bool
	Database string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List test modules, or recorded test instances",
		Long: `List the bundled test modules with the configuration fields each needs.

With --tests, list the test instances recorded in the database instead.

Example:
  conformance list
  conformance list --tests --db ./conformance.db --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Tests {
				return listTests(cmd, opts)
			}
			return listModules(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Tests, "tests", false, "list recorded test instances")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: from configuration)")

	return cmd
}

func listModules(cmd *cobra.Command, opts *ListOptions) error {
	cat, err := modules.Catalog()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build catalog", err)
	}
	tbl := &Table{Header: []string{"TEST NAME", "DISPLAY NAME", "PROFILE", "CONFIGURATION FIELDS"}}
	for _, info := range cat.List() {
		tbl.Rows = append(tbl.Rows, []any{info.TestName, info.DisplayName, info.Profile, strings.Join(info.ConfigurationFields, ", ")})
	}
	tbl.Footer = fmt.Sprintf("%d test modules", len(tbl.Rows))
	return opts.formatter(cmd).Success(tbl)
}

func listTests(cmd *cobra.Command, opts *ListOptions) error {
	st, err := openStore(cmd, opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()

	records, err := st.ListTests(commandContext(cmd))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list tests", err)
	}
	tbl := &Table{Header: []string{"ID", "TEST NAME", "STATUS", "RESULT", "CREATED"}}
	for _, r := range records {
		tbl.Rows = append(tbl.Rows, []any{r.ID, r.TestName, string(r.Status), string(r.Result), r.Created.Format(time.RFC3339)})
	}
	tbl.Footer = fmt.Sprintf("%d test instances", len(tbl.Rows))
	return opts.formatter(cmd).Success(tbl)
}

// openStore opens the database named by the flag, or the configured one.
func openStore(cmd *cobra.Command, opts *RootOptions, dbFlag string) (*store.Store, error) {
	path := dbFlag
	if path == "" {
		cfg, err := loadConfig(opts, cmd.ErrOrStderr())
		if err != nil {
			return nil, err
		}
		path = cfg.Database
	}
	slog.Debug("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
