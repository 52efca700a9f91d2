package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/conformance/internal/conditions"
)

// NewConditionsCommand creates the conditions command.
func NewConditionsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "conditions",
		Short: "List the registered protocol checks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			names := conditions.Registry().Names()
			tbl := &Table{Header: []string{"CONDITION"}}
			for _, n := range names {
				tbl.Rows = append(tbl.Rows, []any{n})
			}
			tbl.Footer = fmt.Sprintf("%d conditions", len(names))
			return rootOpts.formatter(cmd).Success(tbl)
		},
	}
}
