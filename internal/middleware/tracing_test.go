package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

var recorder = tracetest.NewSpanRecorder()

// The package tracer delegates to the global provider, which can only be
// installed once per process.
func TestMain(m *testing.M) {
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	os.Exit(m.Run())
}

func endedSpan(t *testing.T, name string) sdktrace.ReadOnlySpan {
	t.Helper()
	for _, s := range recorder.Ended() {
		if s.Name() == name {
			return s
		}
	}
	require.Failf(t, "span not recorded", "no ended span named %q", name)
	return nil
}

func TestAddSpanEvent(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "Room.load", attribute.String("room", "scene-1"))
	AddSpanEvent(ctx, "snapshot.applied", attribute.Int("snapshot.bytes", 42))
	span.End()

	got := endedSpan(t, "Room.load")
	require.Len(t, got.Events(), 1)
	ev := got.Events()[0]
	assert.Equal(t, "snapshot.applied", ev.Name)
	assert.Contains(t, ev.Attributes, attribute.Int("snapshot.bytes", 42))
	assert.Contains(t, got.Attributes(), attribute.String("room", "scene-1"))
}

func TestAddSpanError(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "Scene.save")
	AddSpanError(ctx, nil)
	AddSpanError(ctx, errors.New("disk full"))
	span.End()

	got := endedSpan(t, "Scene.save")
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Equal(t, "disk full", got.Status().Description)
	require.Len(t, got.Events(), 1, "nil errors are not recorded")
	assert.Equal(t, "exception", got.Events()[0].Name)
}

func TestTracingTagsRequest(t *testing.T) {
	var seen string
	h := Tracing(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/scenes/x/content", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	got := endedSpan(t, "GET /api/scenes/x/content")
	assert.Equal(t, codes.Error, got.Status().Code)
	assert.Contains(t, got.Attributes(), attribute.Int("http.status_code", http.StatusNotFound))
	assert.Equal(t, "unknown", GetRequestID(context.Background()))
}

func TestErrorRecovery(t *testing.T) {
	h := ErrorRecovery(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
