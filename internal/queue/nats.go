// Package queue carries slough-ai events over NATS: answered questions are
// published for downstream consumers and ingestion requests are consumed by a
// queue group so each request is handled by exactly one worker.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/juanpark/slough-ai/internal/chunking"
	"github.com/juanpark/slough-ai/internal/jsonx"
	"github.com/juanpark/slough-ai/internal/pipeline"
)

// Subjects and queue groups.
const (
	SubjectQAAnswered      = "slough.qa.answered"
	SubjectIngestRequested = "slough.ingest.requested"
	SubjectIngestDead      = "slough.ingest.dead"
	IngestQueueGroup       = "slough-ingest"
)

// Conn is the part of *nats.Conn used here.
type Conn interface {
	Publish(subj string, data []byte) error
	PublishMsg(m *nats.Msg) error
	QueueSubscribe(subj, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Connect dials NATS with reconnects enabled.
func Connect(addr string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(addr,
		nats.Name("slough-ai"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// QAAnswered is published after every answered question.
type QAAnswered struct {
	QuestionID    string    `json:"question_id,omitempty"`
	TenantID      string    `json:"tenant_id"`
	AskerID       string    `json:"asker_id"`
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	IsHighRisk    bool      `json:"is_high_risk"`
	IsProhibited  bool      `json:"is_prohibited"`
	IsRuleMatched bool      `json:"is_rule_matched"`
	SourcesUsed   int       `json:"sources_used"`
	AnsweredAt    time.Time `json:"answered_at"`
}

// IngestRequest asks for messages of a tenant to be ingested.
type IngestRequest struct {
	TenantID string             `json:"tenant_id"`
	Messages []chunking.Message `json:"messages"`
}

// Publisher emits events. A nil *Publisher drops everything.
type Publisher struct {
	conn   Conn
	logger *zap.Logger
}

// NewPublisher creates a publisher on conn.
func NewPublisher(conn Conn, logger *zap.Logger) *Publisher {
	return &Publisher{conn: conn, logger: logger.Named("queue")}
}

// PublishAnswered emits a QAAnswered event.
func (p *Publisher) PublishAnswered(evt QAAnswered) error {
	if p == nil || p.conn == nil {
		return nil
	}
	if evt.AnsweredAt.IsZero() {
		evt.AnsweredAt = time.Now().UTC()
	}
	data, err := jsonx.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode qa event: %w", err)
	}
	if err := p.conn.Publish(SubjectQAAnswered, data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectQAAnswered, err)
	}
	p.logger.Debug("Published answer event",
		zap.String("tenant_id", evt.TenantID),
		zap.String("question_id", evt.QuestionID))
	return nil
}

// RequestIngest emits an IngestRequest.
func (p *Publisher) RequestIngest(req IngestRequest) error {
	if p == nil || p.conn == nil {
		return nil
	}
	data, err := jsonx.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode ingest request: %w", err)
	}
	if err := p.conn.Publish(SubjectIngestRequested, data); err != nil {
		return fmt.Errorf("publish %s: %w", SubjectIngestRequested, err)
	}
	return nil
}

// Ingester is implemented by *pipeline.Service.
type Ingester interface {
	IngestMessages(ctx context.Context, tenantID string, messages []chunking.Message) pipeline.IngestResult
}

// IngestConsumer handles SubjectIngestRequested in the IngestQueueGroup.
// Requests whose every batch failed are retried up to maxAttempts times and
// then moved to SubjectIngestDead.
type IngestConsumer struct {
	conn        Conn
	ingester    Ingester
	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger

	sub *nats.Subscription
	wg  sync.WaitGroup
	ctx context.Context
}

// NewIngestConsumer creates a consumer; call Start to subscribe.
func NewIngestConsumer(conn Conn, ingester Ingester, logger *zap.Logger) *IngestConsumer {
	return &IngestConsumer{
		conn:        conn,
		ingester:    ingester,
		maxAttempts: 3,
		backoff:     time.Second,
		logger:      logger.Named("ingest-consumer"),
	}
}

// Start subscribes. Handlers run with ctx and stop starting new work once it
// is done.
func (c *IngestConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	sub, err := c.conn.QueueSubscribe(SubjectIngestRequested, IngestQueueGroup, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectIngestRequested, err)
	}
	c.sub = sub
	c.logger.Info("NATS subscription active",
		zap.String("subject", SubjectIngestRequested),
		zap.String("queue", IngestQueueGroup))
	return nil
}

// Stop unsubscribes and waits for running handlers.
func (c *IngestConsumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("Failed to drain subscription", zap.Error(err))
		}
	}
	c.wg.Wait()
}

func (c *IngestConsumer) handle(msg *nats.Msg) {
	c.wg.Add(1)
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in NATS callback", zap.Any("panic", r), zap.Stack("stacktrace"))
		}
	}()

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	var req IngestRequest
	if err := jsonx.Unmarshal(msg.Data, &req); err != nil {
		c.logger.Warn("Dropping malformed ingest request", zap.Error(err), zap.Int("bytes", len(msg.Data)))
		c.deadLetter(msg, err.Error(), 0)
		return
	}
	if req.TenantID == "" {
		c.logger.Warn("Dropping ingest request without tenant")
		c.deadLetter(msg, "missing tenant_id", 0)
		return
	}

	var res pipeline.IngestResult
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		res = c.ingester.IngestMessages(ctx, req.TenantID, req.Messages)
		if res.ChunksCreated == 0 || res.EmbeddingsStored > 0 || ctx.Err() != nil {
			c.logger.Info("Ingest request processed",
				zap.String("tenant_id", req.TenantID),
				zap.Int("chunks", res.ChunksCreated),
				zap.Int("stored", res.EmbeddingsStored),
				zap.Int("failed_batches", res.FailedBatches))
			return
		}

		if attempt == c.maxAttempts {
			break
		}
		delay := c.backoff << uint(attempt-1)
		c.logger.Warn("Every batch failed, retrying",
			zap.String("tenant_id", req.TenantID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
	c.deadLetter(msg, "all batches failed", c.maxAttempts)
}

func (c *IngestConsumer) deadLetter(msg *nats.Msg, reason string, attempts int) {
	dead := nats.NewMsg(SubjectIngestDead)
	dead.Header.Set("Original-Subject", msg.Subject)
	dead.Header.Set("Error", reason)
	dead.Header.Set("Retry-Count", strconv.Itoa(attempts))
	dead.Header.Set("Failed-At", time.Now().UTC().Format(time.RFC3339))
	dead.Data = msg.Data
	if err := c.conn.PublishMsg(dead); err != nil {
		c.logger.Error("Failed to publish to dead-letter subject", zap.Error(err))
	}
}
