package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/juanpark/slough-ai/internal/app"
	"github.com/juanpark/slough-ai/internal/config"
	"github.com/juanpark/slough-ai/internal/workflow"
)

// --- Global Command Variables ---
var (
	logLevel string
	tenantID string
	askerID  string
	async    bool
	stream   bool

	logger *zap.Logger

	rootCmd = &cobra.Command{
		Use:          "sloughctl",
		Short:        "Operate a slough-ai deployment",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			logger, err = newLogger(logLevel)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Create the vector extension, the embeddings table and qa_history",
		Args:  cobra.NoArgs,
		RunE:  runMigrate, // Defined in cmd_migrate.go
	}

	ingestCmd = &cobra.Command{
		Use:   "ingest [messages.json]",
		Short: "Chunk, embed and store a JSON array of chat messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runIngest, // Defined in cmd_ingest.go
	}

	personaCmd = &cobra.Command{
		Use:   "persona",
		Short: "Manage decision-maker persona profiles",
	}
	personaExtractCmd = &cobra.Command{
		Use:   "extract",
		Short: "Rebuild the persona profile of a tenant",
		Args:  cobra.NoArgs,
		RunE:  runPersonaExtract, // Defined in cmd_persona.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question as the decision-maker",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runAsk, // Defined in cmd_ask.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	ingestCmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant (workspace) id")
	ingestCmd.Flags().BoolVar(&async, "async", false, "Queue the messages as a workflow run instead of ingesting inline")
	_ = ingestCmd.MarkFlagRequired("tenant")

	personaExtractCmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id; every tenant when empty and --async is set")
	personaExtractCmd.Flags().BoolVar(&async, "async", false, "Request the refresh from the workflow worker")

	askCmd.Flags().StringVarP(&tenantID, "tenant", "t", "", "Tenant id")
	askCmd.Flags().StringVarP(&askerID, "asker", "a", "cli", "Asker id; selects the conversation thread")
	askCmd.Flags().BoolVarP(&stream, "stream", "s", false, "Print the answer as it is generated")
	_ = askCmd.MarkFlagRequired("tenant")

	personaCmd.AddCommand(personaExtractCmd)
	rootCmd.AddCommand(migrateCmd, ingestCmd, personaCmd, askCmd)
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// withApp loads and validates the configuration, builds the services and
// runs fn with them.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg := config.DefaultConfig()
	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func newSender() (*workflow.Sender, error) {
	cfg := config.DefaultConfig()
	return workflow.NewSender(workflow.Config{
		AppID:    cfg.InngestAppID,
		EventKey: cfg.InngestEvent,
		Logger:   logger,
	})
}
