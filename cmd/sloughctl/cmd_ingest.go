package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/juanpark/slough-ai/internal/app"
	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/jsonx"
	"github.com/juanpark/slough-ai/internal/validation"
)

func runIngest(cmd *cobra.Command, args []string) error {
	msgs, err := readMessages(args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if async {
		sender, err := newSender()
		if err != nil {
			return err
		}
		id, err := sender.RequestIngest(cmd.Context(), tenantID, msgs)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Queued %d messages (event %s)\n", len(msgs), id)
		return nil
	}

	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		res := a.Service.IngestMessages(ctx, tenantID, msgs)
		fmt.Fprintf(out, "Chunks created: %d\nEmbeddings stored: %d\n", res.ChunksCreated, res.EmbeddingsStored)
		if res.FailedBatches > 0 {
			return fmt.Errorf("%d batches failed", res.FailedBatches)
		}
		return nil
	})
}

// readMessages loads a JSON array of messages and drops blank ones.
func readMessages(path string) ([]chunking.Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	v := validation.DefaultMessageValidator()
	if err := v.CheckFile(path, data); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var msgs []chunking.Message
	if err := jsonx.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return v.Clean(msgs)
}
