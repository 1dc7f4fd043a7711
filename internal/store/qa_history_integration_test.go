package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

const (
	testTenant  = "7f9c2a0e-3a51-4a55-9d2e-0d1f1f6b9a10"
	otherTenant = "1b4e28ba-2fa1-41d2-883f-0016d3cca427"
)

func TestNullString(t *testing.T) {
	assert.False(t, nullString("").Valid)
	assert.True(t, nullString("C1").Valid)
}

func TestInvalidIDsRejectedBeforeQuery(t *testing.T) {
	// A nil *sql.DB would panic if any of these reached the database.
	s := NewQAStore(nil, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := s.Create(ctx, &QARecord{TenantID: "T1"})
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = s.Get(ctx, "42")
	assert.ErrorIs(t, err, ErrInvalidID)
	assert.ErrorIs(t, s.RecordFeedback(ctx, testTenant, "42", "approved", nil), ErrInvalidID)
	assert.ErrorIs(t, s.RecordFeedback(ctx, "T1", testTenant, "approved", nil), ErrInvalidID)
	assert.ErrorIs(t, s.MarkReflected(ctx, "T1", testTenant), ErrInvalidID)
}

// TestQAStoreIntegration runs against a real Postgres container.
// Run with: TEST_INTEGRATION=1 go test ./internal/store -run Integration
func TestQAStoreIntegration(t *testing.T) {
	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("Skipping integration test. Set TEST_INTEGRATION=1 to run")
	}

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("slough"),
		postgres.WithUsername("slough"),
		postgres.WithPassword("slough"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(90*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctr.Terminate(context.Background()) })

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewQAStore(db, zaptest.NewLogger(t))
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	id, err := s.Create(ctx, &QARecord{
		TenantID:   testTenant,
		AskerID:    "U1",
		Question:   "외부 미팅 승인 필요한가요?",
		Answer:     "네, 사전 승인 받으세요.",
		ChannelID:  "C1",
		IsHighRisk: true,
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "U1", rec.AskerID)
	assert.True(t, rec.IsHighRisk)
	assert.Nil(t, rec.FeedbackAt)

	corrected := "팀장 승인만 받으면 됩니다."
	// Another workspace can neither annotate nor reflect the record.
	foreign := "corrected by another workspace"
	assert.ErrorIs(t, s.RecordFeedback(ctx, otherTenant, id, "corrected", &foreign), ErrNotFound)
	assert.ErrorIs(t, s.MarkReflected(ctx, otherTenant, id), ErrNotFound)
	rec, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.FeedbackType)
	assert.Empty(t, rec.CorrectedAnswer)

	require.NoError(t, s.RecordFeedback(ctx, testTenant, id, "corrected", &corrected))

	pending, err := s.ListPendingCorrections(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, corrected, pending[0].CorrectedAnswer)
	assert.NotNil(t, pending[0].FeedbackAt)

	require.NoError(t, s.MarkReflected(ctx, testTenant, id))
	pending, err = s.ListPendingCorrections(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	tenants, err := s.ListTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{testTenant}, tenants)

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.RecordFeedback(ctx, testTenant, "00000000-0000-0000-0000-000000000000", "approved", nil), ErrNotFound)
}
