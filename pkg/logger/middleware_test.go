package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requestLogLine(t *testing.T, env, target string) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := RequestLogger(logger, env)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", target, nil))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	return line
}

func TestRequestLoggerRecordsRequestLine(t *testing.T) {
	line := requestLogLine(t, "development", "/settings/factors?page=2")

	assert.Equal(t, "http request", line["msg"])
	assert.Equal(t, "GET", line["method"])
	assert.Equal(t, "/settings/factors", line["path"])
	assert.Equal(t, "page=2", line["query"])
	assert.Equal(t, float64(204), line["status"])
}

func TestRequestLoggerDropsSensitiveQuery(t *testing.T) {
	line := requestLogLine(t, "development", "/auth/verify?code=123456")

	assert.Equal(t, "[REDACTED]", line["query"])
}

func TestRequestLoggerRedactsAllQueriesInProduction(t *testing.T) {
	line := requestLogLine(t, "production", "/settings/factors?page=2")

	assert.Equal(t, "[REDACTED]", line["query"])
}
