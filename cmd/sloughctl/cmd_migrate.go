package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/juanpark/slough-ai/internal/app"
)

func runMigrate(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
		return nil
	})
}
