package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/conformance/internal/eventlog"
	"github.com/roach88/conformance/internal/testinfo"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Database  string
	Canonical bool
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log <test-id>",
		Short: "Show the audit trail of a test instance",
		Long: `Show every entry a test instance logged, in order, with the result of each
check.

--canonical prints the trail as canonical JSON without timestamps, the form
used for golden files.

Example:
  conformance log 01927f3e-8c1a-7d2e-9b1f-2a3c4d5e6f70
  conformance log --canonical --db ./runs.db 01927f3e-8c1a-7d2e-9b1f-2a3c4d5e6f70`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showLog(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default: from configuration)")
	cmd.Flags().BoolVar(&opts.Canonical, "canonical", false, "print canonical JSON")

	return cmd
}

func showLog(cmd *cobra.Command, opts *LogOptions, testID string) error {
	st, err := openStore(cmd, opts.RootOptions, opts.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	ctx := commandContext(cmd)

	rec, err := st.GetTest(ctx, testID)
	if errors.Is(err, testinfo.ErrNotFound) {
		return NewExitError(ExitCommandError, "no test "+testID)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read test", err)
	}

	if opts.Canonical {
		data, err := st.Canonical(ctx, testID)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read audit trail", err)
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	}

	entries, err := st.Events(ctx, testID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read audit trail", err)
	}
	tbl := &Table{Header: []string{"SEQ", "SOURCE", "BLOCK", "RESULT", "MESSAGE"}}
	for _, e := range entries {
		msg, _ := e.Args[eventlog.KeyMsg].(string)
		result, _ := e.Args[eventlog.KeyResult].(string)
		tbl.Rows = append(tbl.Rows, []any{e.Seq, e.Source, e.BlockID, result, msg})
	}
	tbl.Footer = fmt.Sprintf("%s (%s): %s, %s", rec.ID, rec.TestName, rec.Status, rec.Result)
	return opts.formatter(cmd).Success(tbl)
}
