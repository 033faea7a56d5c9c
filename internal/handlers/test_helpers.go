package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/stepfactor/internal/factor"
	"github.com/veridian-labs/stepfactor/internal/settings"
	"github.com/veridian-labs/stepfactor/internal/stepup"
	"github.com/veridian-labs/stepfactor/internal/storage"
	pkglogger "github.com/veridian-labs/stepfactor/pkg/logger"
)

// testEnv wires the full in-memory stack the handlers run on.
type testEnv struct {
	controller *stepup.Controller
	facade     *settings.Facade
	tokens     *stepup.TokenManager
	audit      *pkglogger.AuditLogger
	logger     *slog.Logger
}

// memBackend keeps preferences in memory, shared across store instances.
type memBackend struct {
	prefs map[string]map[string]string
}

func (b *memBackend) GetPref(_ context.Context, username, key string) (string, error) {
	return b.prefs[username][key], nil
}

func (b *memBackend) SavePrefs(_ context.Context, username string, prefs map[string]string) error {
	if b.prefs[username] == nil {
		b.prefs[username] = make(map[string]string)
	}
	for k, v := range prefs {
		b.prefs[username][k] = v
	}
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	backend := &memBackend{prefs: make(map[string]map[string]string)}
	stores := storage.NewRegistry()
	stores.Register("prefs", func() (storage.Store, error) {
		return storage.NewPrefsStore(backend, storage.PrefsConfig{}, logger), nil
	})

	drivers := factor.NewRegistry()
	drivers.Register("totp", func(id string, store storage.Store) (factor.Driver, error) {
		return factor.NewTOTPDriver(factor.TOTPConfig{Issuer: "Acme"}, id, store, logger)
	})

	var facade *settings.Facade
	resolver := func(factorID, username string) (factor.Driver, error) {
		return facade.Driver(factorID, username)
	}

	controller, err := stepup.NewController(stepup.NewMemorySessionStore(), resolver, stepup.Config{
		EncryptionKey: []byte("0123456789abcdef0123456789abcdef"),
	}, logger)
	require.NoError(t, err)

	facade = settings.NewFacade(drivers, stores, "prefs", controller, logger)

	tokens, err := stepup.NewTokenManager("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	return &testEnv{
		controller: controller,
		facade:     facade,
		tokens:     tokens,
		audit:      pkglogger.NewAuditLogger(logger),
		logger:     logger,
	}
}

func (e *testEnv) authHandler() *AuthHandler {
	return e.authHandlerWithTTL(12 * time.Hour)
}

func (e *testEnv) authHandlerWithTTL(sessionTTL time.Duration) *AuthHandler {
	return NewAuthHandler(e.controller, e.facade, e.tokens, 2*time.Minute, sessionTTL, e.audit, e.logger)
}

func (e *testEnv) settingsHandler() *SettingsHandler {
	return NewSettingsHandler(e.facade, e.controller, e.tokens, e.audit, e.logger)
}

// sessionToken starts an interactive session and mints its bearer token.
func (e *testEnv) sessionToken(t *testing.T, username string) string {
	t.Helper()
	sess, err := e.controller.StartInteractive(context.Background(), username)
	require.NoError(t, err)

	token, err := e.tokens.Mint(sess.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)
	return token
}

func newTestRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func withBearer(r *http.Request, token string) *http.Request {
	r.Header.Set("Authorization", "Bearer "+token)
	return r
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target any) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), target))
}
