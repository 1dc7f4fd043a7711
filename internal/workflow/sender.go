package workflow

import (
	"context"
	"fmt"

	"github.com/inngest/inngestgo"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/chunking"
)

// eventSender is the part of inngestgo.Client used to emit events.
type eventSender interface {
	Send(ctx context.Context, evt any) (string, error)
}

// Sender emits the events that start workflow runs.
type Sender struct {
	client eventSender
	logger *zap.Logger
}

// NewSender creates an Inngest client that only sends events.
func NewSender(cfg Config) (*Sender, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	opts := inngestgo.ClientOpts{AppID: cfg.AppID}
	if cfg.EventKey != "" {
		opts.EventKey = &cfg.EventKey
	}
	client, err := inngestgo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Inngest client: %w", err)
	}
	return &Sender{client: client, logger: cfg.Logger.Named("workflow-sender")}, nil
}

// RequestIngest queues messages for batched ingestion and returns the event id.
func (s *Sender) RequestIngest(ctx context.Context, tenantID string, messages []chunking.Message) (string, error) {
	id, err := s.client.Send(ctx, inngestgo.Event{
		Name: EventIngestRequested,
		Data: map[string]any{
			"tenant_id": tenantID,
			"messages":  messages,
		},
	})
	if err != nil {
		return "", fmt.Errorf("send %s: %w", EventIngestRequested, err)
	}
	s.logger.Info("Ingestion requested",
		zap.String("tenant_id", tenantID),
		zap.Int("messages", len(messages)),
		zap.String("event_id", id))
	return id, nil
}

// RequestPersonaRefresh asks for the profile of tenantID to be rebuilt. An
// empty tenantID refreshes every tenant.
func (s *Sender) RequestPersonaRefresh(ctx context.Context, tenantID string) (string, error) {
	id, err := s.client.Send(ctx, inngestgo.Event{
		Name: EventPersonaRefresh,
		Data: map[string]any{"tenant_id": tenantID},
	})
	if err != nil {
		return "", fmt.Errorf("send %s: %w", EventPersonaRefresh, err)
	}
	return id, nil
}
