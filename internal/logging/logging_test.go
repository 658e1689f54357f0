package logging

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/orvull/pizza-oauth/internal/config"
)

func TestNew(t *testing.T) {
	t.Parallel()

	l, err := New(config.Log{Level: "debug"})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zap.DebugLevel))

	l, err = New(config.Log{Level: "warn", Development: true})
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zap.InfoLevel))

	_, err = New(config.Log{Level: "loud"})
	assert.Error(t, err)
}

func TestAccessLog(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	r := chi.NewRouter()
	r.Use(middleware.RequestID, AccessLog(zap.New(core)))
	r.Get("/ok", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("hi")) })
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok?code=secret", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "/ok", ok["path"])
	assert.EqualValues(t, 200, ok["status"])
	assert.EqualValues(t, 2, ok["bytes"])
	assert.NotEmpty(t, ok["request_id"])

	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.EqualValues(t, 500, entries[1].ContextMap()["status"])
}
