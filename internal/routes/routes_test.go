package routes

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veridian-labs/stepfactor/internal/factor"
	"github.com/veridian-labs/stepfactor/internal/handlers"
	"github.com/veridian-labs/stepfactor/internal/settings"
	"github.com/veridian-labs/stepfactor/internal/stepup"
	"github.com/veridian-labs/stepfactor/internal/storage"
	pkglogger "github.com/veridian-labs/stepfactor/pkg/logger"
)

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

func newTestRouter(t *testing.T) chi.Router {
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

	audit := pkglogger.NewAuditLogger(logger)

	router := chi.NewRouter()
	RegisterRoutes(router,
		handlers.NewAuthHandler(controller, facade, tokens, 2*time.Minute, time.Hour, audit, logger),
		handlers.NewSettingsHandler(facade, controller, tokens, audit, logger),
		handlers.NewHealthHandler(nil),
	)
	return router
}

func postJSON(router chi.Router, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

func TestHealthRouteRegistered(t *testing.T) {
	router := newTestRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 200, w.Code)
}

func TestVerifyRouteThrottledWithJSONBody(t *testing.T) {
	router := newTestRouter(t)

	// the first ten requests fail validation; the eleventh hits the limiter
	var last *httptest.ResponseRecorder
	for i := 0; i < 11; i++ {
		last = postJSON(router, "/auth/verify", "{}")
	}

	assert.Equal(t, 429, last.Code)
	assert.JSONEq(t, `{"error":"rate_limit_exceeded","message":"Too many requests"}`, last.Body.String())
}

func TestChallengeRouteThrottled(t *testing.T) {
	router := newTestRouter(t)

	var last *httptest.ResponseRecorder
	for i := 0; i < 31; i++ {
		last = postJSON(router, "/auth/challenge", "{}")
	}

	assert.Equal(t, 429, last.Code)
}
