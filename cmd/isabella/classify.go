package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tamv/isabella/internal/risk"
)

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <action>",
		Short: "Print the risk level of an action name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := risk.NewAction(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", a.Name, a.Kind, risk.ClassifyAction(a))
			return nil
		},
	}
}
