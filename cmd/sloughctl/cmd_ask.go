package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/juanpark/slough-ai/internal/app"
	"github.com/juanpark/slough-ai/internal/pipeline"
)

func runAsk(cmd *cobra.Command, args []string) error {
	req := pipeline.AnswerRequest{
		Question: strings.Join(args, " "),
		TenantID: tenantID,
		AskerID:  askerID,
	}
	out := cmd.OutOrStdout()

	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		var onChunk func(string)
		if stream {
			onChunk = streamPrinter(out)
		}
		res, err := a.Service.AnswerThread(ctx, "", req, onChunk)
		if err != nil {
			return err
		}
		if stream {
			fmt.Fprintln(out)
		} else {
			fmt.Fprintln(out, res.Answer)
		}
		printFlags(out, res)
		return nil
	})
}

// streamPrinter turns cumulative partial answers into incremental writes.
func streamPrinter(w io.Writer) func(partial string) {
	var printed int
	return func(partial string) {
		if len(partial) < printed {
			return
		}
		fmt.Fprint(w, partial[printed:])
		printed = len(partial)
	}
}

func printFlags(w io.Writer, res pipeline.Result) {
	var flags []string
	if res.IsRuleMatched {
		flags = append(flags, "rule")
	}
	if res.IsProhibited {
		flags = append(flags, "refused")
	}
	if res.IsHighRisk {
		flags = append(flags, "high-risk")
	}
	if len(flags) > 0 {
		fmt.Fprintf(w, "[%s]\n", strings.Join(flags, ", "))
	}
	fmt.Fprintf(w, "sources: %d\n", res.SourcesUsed)
}
