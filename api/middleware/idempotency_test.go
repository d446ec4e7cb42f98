package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/genforge-backend/pkg/errors"
)

const generationsPath = "/api/v1/generations"

type fakeStore struct {
	mu     sync.Mutex
	data   map[string]string
	ttls   map[string]time.Duration
	setErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeStore) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.data[key]; ok {
		return v, nil
	}
	return "", redis.Nil
}

func (f *fakeStore) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return nil
}

func (f *fakeStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = value.(string)
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeStore) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *fakeStore) IdempotencyKey(scope, id string) string {
	return fmt.Sprintf("fake:%s:%s", scope, id)
}

func submitRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, generationsPath, strings.NewReader(body))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return req
}

func acceptedHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data":{"id":"job-1","status":"processing"}}` + "\n"))
	})
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestIdempotencyPassesThroughWithoutKey(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, nil)(acceptedHandler(&calls))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, submitRequest("", `{"mode":"image"}`))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	require.Equal(t, 2, calls)
	require.Empty(t, store.data)
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, nil)(acceptedHandler(&calls))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, submitRequest("abc", `{"mode":"image"}`))
	require.Equal(t, http.StatusAccepted, first.Code)
	require.Empty(t, first.Header().Get(idempotencyReplayed))

	replay := httptest.NewRecorder()
	handler.ServeHTTP(replay, submitRequest("abc", ` {"mode":"image"} `))
	require.Equal(t, http.StatusAccepted, replay.Code)
	require.Equal(t, "true", replay.Header().Get(idempotencyReplayed))
	require.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	require.JSONEq(t, `{"data":{"id":"job-1","status":"processing"}}`, replay.Body.String())
	require.Equal(t, 1, calls)

	key := store.IdempotencyKey("POST "+generationsPath, "abc")
	require.Equal(t, time.Hour, store.ttls[key])
}

func TestIdempotencyDetectsBodyChange(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, nil)(acceptedHandler(&calls))

	handler.ServeHTTP(httptest.NewRecorder(), submitRequest("xyz", `{"mode":"image"}`))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest("xyz", `{"mode":"video"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(pkgerrors.CodeIdempotency), errorCode(t, rec))
	require.Equal(t, 1, calls)
}

func TestIdempotencyRejectsConcurrentDuplicate(t *testing.T) {
	store := newFakeStore()
	entered := make(chan struct{})
	release := make(chan struct{})
	handler := Idempotency(store, time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		close(entered)
		<-release
		w.WriteHeader(http.StatusAccepted)
	}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(httptest.NewRecorder(), submitRequest("race", `{"mode":"chain"}`))
	}()
	<-entered

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest("race", `{"mode":"chain"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(pkgerrors.CodeIdempotency), errorCode(t, rec))

	close(release)
	<-done
}

func TestIdempotencyReleasesKeyOnServerError(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), submitRequest("k", `{}`))
	handler.ServeHTTP(httptest.NewRecorder(), submitRequest("k", `{}`))
	require.Equal(t, 2, calls)
	require.Empty(t, store.data)
}

func TestIdempotencyStoresClientErrors(t *testing.T) {
	store := newFakeStore()
	calls := 0
	handler := Idempotency(store, time.Hour, nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), submitRequest("bad", `{}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest("bad", `{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, 1, calls)
}

func TestIdempotencyRejectsLongKey(t *testing.T) {
	calls := 0
	handler := Idempotency(newFakeStore(), time.Hour, nil)(acceptedHandler(&calls))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest(strings.Repeat("k", maxIdempotencyKeyLen+1), `{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Zero(t, calls)
}

func TestIdempotencyPersistFailureStillAnswers(t *testing.T) {
	store := newFakeStore()
	store.setErr = errors.New("redis down")
	calls := 0
	handler := Idempotency(store, time.Hour, nil)(acceptedHandler(&calls))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, submitRequest("p", `{}`))
	require.Equal(t, http.StatusAccepted, rec.Code)
}
