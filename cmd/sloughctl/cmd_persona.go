package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/juanpark/slough-ai/internal/app"
)

func runPersonaExtract(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if async {
		sender, err := newSender()
		if err != nil {
			return err
		}
		id, err := sender.RequestPersonaRefresh(cmd.Context(), tenantID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Persona refresh requested (event %s)\n", id)
		return nil
	}

	if tenantID == "" {
		return errors.New("--tenant is required unless --async is set")
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		profile, err := a.Persona.Extract(ctx, tenantID)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, profile)
		return nil
	})
}
