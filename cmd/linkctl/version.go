package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the controller version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := newContext(cmd)
			defer cancel()

			v, err := client.Version(ctx)
			if err != nil {
				return fmt.Errorf("failed to get version: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Controller %s version %s (local: %t)\n", serverURL, v.Version, v.Local)
			return nil
		},
	}
}
