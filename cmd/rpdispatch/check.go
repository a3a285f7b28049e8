package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate settings and show the connection that would be used",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, _, err := root.load(cmd)
			if err != nil {
				return err
			}

			origin, err := settings.Origin()
			if err != nil {
				return err
			}

			mode := "per-request"
			if settings.UsePersistentConnection() {
				mode = "persistent"
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "origin:     %s\n", origin)
			fmt.Fprintf(out, "project:    %s\n", settings.Project)
			fmt.Fprintf(out, "api prefix: %s\n", settings.ProjectPath(""))
			fmt.Fprintf(out, "connection: %s\n", mode)
			fmt.Fprintf(out, "verify tls: %t\n", !settings.InsecureSkipVerify())
			return nil
		},
	}
}
