package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/genforge-backend/pkg/config"
	"github.com/angelmondragon/genforge-backend/pkg/db/models"
	"github.com/angelmondragon/genforge-backend/pkg/enums"
	"github.com/angelmondragon/genforge-backend/pkg/logger"
	"github.com/angelmondragon/genforge-backend/pkg/outbox"
	"github.com/angelmondragon/genforge-backend/pkg/outbox/payloads"
	"github.com/angelmondragon/genforge-backend/pkg/outbox/registry"
)

func TestProcessBatchContinuesAfterTransientFailure(t *testing.T) {
	first, second := terminalEvent(t, enums.EventJobCompleted), terminalEvent(t, enums.EventJobFailed)
	repo := &fakeRepo{events: []models.OutboxEvent{first, second}}
	pub := &fakePublisher{results: []publishResult{
		fakePublishResult{err: errors.New("transient")},
		fakePublishResult{},
	}}
	svc := newTestService(t, repo, pub, resolvingRegistry(t), &fakeDLQRepo{}, nil)

	processed, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Equal(t, []uuid.UUID{first.ID}, repo.failed)
	require.Equal(t, []uuid.UUID{second.ID}, repo.published)
}

func TestProcessBatchSetsJobAttributes(t *testing.T) {
	event := terminalEvent(t, enums.EventJobCompleted)
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	svc := newTestService(t, &fakeRepo{events: []models.OutboxEvent{event}}, pub, resolvingRegistry(t), &fakeDLQRepo{}, nil)

	_, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, pub.sent, 1)

	attrs := pub.sent[0].Attributes
	require.Equal(t, string(enums.EventJobCompleted), attrs["event_type"])
	require.Equal(t, event.AggregateID.String(), attrs["aggregate_id"])
	require.Equal(t, string(enums.JobStatusReady), attrs["job_status"])
	require.Equal(t, string(enums.GenerationModeChain), attrs["job_mode"])
	require.Equal(t, []byte(event.Payload), pub.sent[0].Data)
}

func TestProcessBatchEmptyReportsIdle(t *testing.T) {
	svc := newTestService(t, &fakeRepo{}, &fakePublisher{}, resolvingRegistry(t), &fakeDLQRepo{}, nil)
	processed, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.False(t, processed)
}

func TestProcessBatchDeadLettersUnresolvableRows(t *testing.T) {
	event := terminalEvent(t, enums.EventJobFailed)
	event.AggregateType = "order"
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	dlq := &fakeDLQRepo{}
	svc := newTestService(t, repo, &fakePublisher{}, resolvingRegistry(t), dlq, nil)

	processed, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)
	require.Len(t, dlq.entries, 1)

	entry := dlq.entries[0]
	require.Equal(t, event.ID, entry.EventID)
	require.Equal(t, []byte(event.Payload), []byte(entry.Payload))
	require.Equal(t, enums.OutboxDLQReasonNonRetryable, entry.ErrorReason)
	require.Contains(t, *entry.ErrorMessage, "aggregate mismatch")
	require.Equal(t, []uuid.UUID{event.ID}, repo.terminal)
}

func TestProcessBatchDeadLettersAtMaxAttempts(t *testing.T) {
	event := terminalEvent(t, enums.EventJobCompleted)
	event.AttemptCount = 1
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{err: errors.New("transient")}}}
	dlq := &fakeDLQRepo{}
	svc := newTestService(t, repo, pub, resolvingRegistry(t), dlq, &config.OutboxConfig{
		BatchSize:      1,
		PollIntervalMS: 100,
		MaxAttempts:    2,
	})

	_, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, dlq.entries, 1)
	require.Equal(t, enums.OutboxDLQReasonMaxAttempts, dlq.entries[0].ErrorReason)
	require.Empty(t, repo.failed)
}

func TestProcessBatchMissingPublisherIsTerminal(t *testing.T) {
	event := terminalEvent(t, enums.EventJobCompleted)
	dlq := &fakeDLQRepo{}
	svc := newTestService(t, &fakeRepo{events: []models.OutboxEvent{event}}, nil, resolvingRegistry(t), dlq, nil)
	svc.publisherFor = func(string) publisher { return nil }

	_, err := svc.processBatch(context.Background())
	require.NoError(t, err)
	require.Len(t, dlq.entries, 1)
	require.Equal(t, enums.OutboxDLQReasonNonRetryable, dlq.entries[0].ErrorReason)
}

func TestProcessBatchPropagatesBookkeepingErrors(t *testing.T) {
	event := terminalEvent(t, enums.EventJobCompleted)
	repo := &fakeRepo{events: []models.OutboxEvent{event}, markErr: errors.New("db down")}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	svc := newTestService(t, repo, pub, resolvingRegistry(t), &fakeDLQRepo{}, nil)

	_, err := svc.processBatch(context.Background())
	require.ErrorContains(t, err, "mark published")
}

func TestNewServiceDefaults(t *testing.T) {
	svc := newTestService(t, &fakeRepo{}, &fakePublisher{}, resolvingRegistry(t), &fakeDLQRepo{}, &config.OutboxConfig{})
	require.Equal(t, defaultBatchSize, svc.batchSize)
	require.Equal(t, defaultMaxAttempts, svc.maxAttempts)
	require.Equal(t, time.Duration(defaultPollMs)*time.Millisecond, svc.pollInterval)

	_, err := NewService(ServiceParams{Config: &config.Config{}})
	require.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	svc := newTestService(t, &fakeRepo{}, &fakePublisher{}, resolvingRegistry(t), &fakeDLQRepo{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, svc.Run(ctx), context.Canceled)
}

func TestBackoffHelpers(t *testing.T) {
	require.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Second, maxBackoff))
	require.Equal(t, maxBackoff, nextBackoff(8*time.Second, time.Second, maxBackoff))
	require.Equal(t, 1*time.Second, nextBackoff(0, 500*time.Millisecond, maxBackoff))

	d := withJitter(time.Second)
	require.GreaterOrEqual(t, d, time.Second)
	require.Less(t, d, time.Second+jitterWindow)
	require.Zero(t, withJitter(0))
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, reg registryResolver, dlq dlqRepository, override *config.OutboxConfig) *Service {
	t.Helper()
	outboxCfg := config.OutboxConfig{BatchSize: 2, PollIntervalMS: 100, MaxAttempts: 5}
	if override != nil {
		outboxCfg = *override
	}
	svc, err := NewService(ServiceParams{
		Config:           &config.Config{Outbox: outboxCfg},
		Logger:           logger.New(logger.Options{ServiceName: "outbox-publisher-test", Output: io.Discard}),
		DB:               &fakeDB{},
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         reg,
		PublisherFactory: func(string) publisher { return pub },
		DLQRepository:    dlq,
	})
	require.NoError(t, err)
	return svc
}

func resolvingRegistry(t *testing.T) *registry.EventRegistry {
	t.Helper()
	reg, err := registry.NewEventRegistry(config.PubSubConfig{NotificationTopic: "gf-generation-events"})
	require.NoError(t, err)
	return reg
}

func terminalEvent(t *testing.T, eventType enums.OutboxEventType) models.OutboxEvent {
	t.Helper()
	jobID := uuid.New()
	status := enums.JobStatusReady
	if eventType == enums.EventJobFailed {
		status = enums.JobStatusError
	}
	data, err := json.Marshal(payloads.JobTerminalEvent{
		JobID:       jobID,
		Status:      status,
		Mode:        enums.GenerationModeChain,
		Provider:    enums.ProviderVeo3,
		MediaType:   enums.MediaTypeVideo,
		CompletedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	env, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	require.NoError(t, err)
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     eventType,
		AggregateType: enums.AggregateGenerationJob,
		AggregateID:   jobID,
		Payload:       env,
		CreatedAt:     time.Now().UTC(),
	}
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	terminal  []uuid.UUID
	markErr   error
}

func (f *fakeRepo) FetchUnpublishedForPublish(*gorm.DB, int, int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(_ *gorm.DB, id uuid.UUID) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(_ *gorm.DB, id uuid.UUID, _ error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(_ *gorm.DB, id uuid.UUID, _ error, _ int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error { return fn(nil) }

type fakePubSubClient struct{}

func (fakePubSubClient) Ping(context.Context) error { return nil }

func (fakePubSubClient) Publisher(string) *gcppubsub.Publisher { return nil }

type fakePublisher struct {
	results []publishResult
	sent    []*gcppubsub.Message
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.sent = append(f.sent, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "server-id", f.err
}

type fakeDLQRepo struct {
	entries []models.OutboxDLQ
}

func (f *fakeDLQRepo) InsertTx(_ *gorm.DB, entry models.OutboxDLQ) error {
	f.entries = append(f.entries, entry)
	return nil
}
