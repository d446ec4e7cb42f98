package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.OutboxEvent{}, &models.OutboxDLQ{}))
	return conn
}

func emitTerminal(t *testing.T, svc *Service, conn *gorm.DB, jobID uuid.UUID) {
	t.Helper()
	err := conn.Transaction(func(tx *gorm.DB) error {
		return svc.EmitIfNotExists(context.Background(), tx, DomainEvent{
			EventType:     enums.EventJobCompleted,
			AggregateType: enums.AggregateGenerationJob,
			AggregateID:   jobID,
			Data:          map[string]any{"jobId": jobID.String(), "status": "ready"},
		})
	})
	require.NoError(t, err)
}

func TestEmitWritesEnvelope(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	svc := NewService(repo, logger.Nop())
	jobID := uuid.New()

	emitTerminal(t, svc, conn, jobID)
	emitTerminal(t, svc, conn, jobID)

	rows, err := repo.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, jobID, rows[0].AggregateID)

	var envelope PayloadEnvelope
	require.NoError(t, json.Unmarshal(rows[0].Payload, &envelope))
	require.Equal(t, 1, envelope.Version)
	require.Equal(t, "orchestrator", envelope.Source)
	require.NotEmpty(t, envelope.EventID)
	require.JSONEq(t, fmt.Sprintf(`{"jobId":%q,"status":"ready"}`, jobID), string(envelope.Data))
}

func TestEmitRequiresTransaction(t *testing.T) {
	svc := NewService(NewRepository(nil), nil)
	require.Error(t, svc.Emit(context.Background(), nil, DomainEvent{}))
	require.Error(t, svc.EmitIfNotExists(context.Background(), nil, DomainEvent{}))
}

func TestPublishLifecycle(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	svc := NewService(repo, nil)
	first, second := uuid.New(), uuid.New()
	emitTerminal(t, svc, conn, first)
	emitTerminal(t, svc, conn, second)

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.NoError(t, repo.MarkPublishedTx(conn, rows[0].ID))
	require.NoError(t, repo.MarkFailedTx(conn, rows[1].ID, errors.New("deadline exceeded")))

	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 1, rows[0].AttemptCount)
	require.Equal(t, "deadline exceeded", *rows[0].LastError)

	require.NoError(t, repo.MarkTerminalTx(conn, rows[0].ID, errors.New("gave up"), 3))
	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 3)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestDeleteExpiredBatch(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	old := time.Now().UTC().Add(-40 * 24 * time.Hour)

	published := models.OutboxEvent{EventType: enums.EventJobCompleted, AggregateType: enums.AggregateGenerationJob, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, PublishedAt: &old}
	abandoned := models.OutboxEvent{EventType: enums.EventJobFailed, AggregateType: enums.AggregateGenerationJob, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, AttemptCount: 10}
	pending := models.OutboxEvent{EventType: enums.EventJobFailed, AggregateType: enums.AggregateGenerationJob, AggregateID: uuid.New(), Payload: []byte(`{}`), CreatedAt: old, AttemptCount: 1}
	for _, row := range []models.OutboxEvent{published, abandoned, pending} {
		require.NoError(t, repo.Insert(conn, row))
	}

	cutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	deleted, err := repo.DeleteExpiredBatch(context.Background(), conn, cutoff, 5, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	deleted, err = repo.DeleteExpiredBatch(context.Background(), conn, cutoff, 5, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	rows, err := repo.FetchUnpublished(10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, pending.AggregateID, rows[0].AggregateID)
}

func TestDLQRepository(t *testing.T) {
	conn := newTestDB(t)
	dlq := NewDLQRepository(conn)
	eventID := uuid.New()
	long := strings.Repeat("x", maxDLQErrorLen+10)

	require.Error(t, dlq.InsertTx(nil, models.OutboxDLQ{}))
	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       eventID,
		EventType:     enums.EventJobFailed,
		AggregateType: enums.AggregateGenerationJob,
		AggregateID:   uuid.New(),
		Payload:       []byte(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		ErrorMessage:  &long,
	}))

	found, err := dlq.FindByEventID(context.Background(), eventID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Len(t, *found.ErrorMessage, maxDLQErrorLen)

	missing, err := dlq.FindByEventID(context.Background(), uuid.New())
	require.NoError(t, err)
	require.Nil(t, missing)

	rows, err := dlq.ListByReason(context.Background(), enums.OutboxDLQReasonNonRetryable, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
	rows, err = dlq.ListByReason(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestDLQReplayResetsAttempts(t *testing.T) {
	conn := newTestDB(t)
	repo := NewRepository(conn)
	dlq := NewDLQRepository(conn)

	event := models.OutboxEvent{ID: uuid.New(), EventType: enums.EventJobFailed, AggregateType: enums.AggregateGenerationJob, AggregateID: uuid.New(), Payload: []byte(`{}`)}
	require.NoError(t, repo.Insert(conn, event))
	require.NoError(t, repo.MarkTerminalTx(conn, event.ID, errors.New("topic deleted"), 10))
	require.NoError(t, dlq.InsertTx(conn, models.OutboxDLQ{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		Payload:       []byte(`{}`),
		ErrorReason:   enums.OutboxDLQReasonMaxAttempts,
		AttemptCount:  10,
	}))

	rows, err := repo.FetchUnpublishedForPublish(conn, 10, 10)
	require.NoError(t, err)
	require.Empty(t, rows)

	require.NoError(t, dlq.Replay(context.Background(), event.ID))
	rows, err = repo.FetchUnpublishedForPublish(conn, 10, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Zero(t, rows[0].AttemptCount)
	require.Nil(t, rows[0].LastError)

	found, err := dlq.FindByEventID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Nil(t, found)

	require.ErrorIs(t, dlq.Replay(context.Background(), event.ID), ErrDLQEntryNotFound)
}

func TestDecodeEnvelope(t *testing.T) {
	env, err := newEnvelope(DomainEvent{EventType: enums.EventJobCompleted, Data: map[string]string{"status": "ready"}})
	require.NoError(t, err)
	require.Equal(t, currentEnvelopeVersion, env.Version)
	require.Equal(t, defaultSource, env.Source)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	require.Equal(t, env.EventID, decoded.EventID)

	_, err = DecodeEnvelope([]byte(`{"version":1,"data":null}`))
	require.ErrorIs(t, err, ErrEmptyEnvelopeData)
	_, err = DecodeEnvelope([]byte(`{`))
	require.Error(t, err)
}

func TestEmitRejectsDuplicateRowsButEmitIfNotExistsDoesNot(t *testing.T) {
	conn := newTestDB(t)
	svc := NewService(NewRepository(conn), nil)
	event := DomainEvent{EventType: enums.EventJobFailed, AggregateType: enums.AggregateGenerationJob, AggregateID: uuid.New(), Data: map[string]any{}}

	require.NoError(t, svc.Emit(context.Background(), conn, event))
	require.Error(t, svc.Emit(context.Background(), conn, event))
	require.NoError(t, svc.EmitIfNotExists(context.Background(), conn, event))
}
