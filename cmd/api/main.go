package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/veridian-labs/stepfactor/internal/config"
	"github.com/veridian-labs/stepfactor/internal/database"
	"github.com/veridian-labs/stepfactor/internal/factor"
	"github.com/veridian-labs/stepfactor/internal/handlers"
	"github.com/veridian-labs/stepfactor/internal/routes"
	"github.com/veridian-labs/stepfactor/internal/settings"
	"github.com/veridian-labs/stepfactor/internal/stepup"
	"github.com/veridian-labs/stepfactor/internal/storage"
	"github.com/veridian-labs/stepfactor/internal/yubico"
	pkglogger "github.com/veridian-labs/stepfactor/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		slog.String("env", cfg.Server.Env),
		slog.String("backend", cfg.Factors.Backend))

	checkers := make(map[string]handlers.HealthChecker)
	stores := storage.NewRegistry()

	switch cfg.Factors.Backend {
	case "prefs":
		db, err := database.NewConnection(&cfg.Database, logger)
		if err != nil {
			logger.Error("failed to connect to database", slog.Any("error", err))
			os.Exit(1)
		}
		defer db.Close()

		migrateCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := db.Migrate(migrateCtx); err != nil {
			cancel()
			logger.Error("failed to apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
		cancel()

		backend := storage.NewPgPrefsBackend(db)
		stores.Register("prefs", func() (storage.Store, error) {
			return storage.NewPrefsStore(backend, storage.PrefsConfig{}, logger), nil
		})
		checkers["database"] = db

	case "directory":
		dirConfig := directoryConfig(cfg)
		ldapConfig := storage.LDAPConfig{
			URL:          cfg.Directory.URL,
			BindDN:       cfg.Directory.BindDN,
			BindPassword: cfg.Directory.BindPassword,
		}
		stores.Register("directory", func() (storage.Store, error) {
			conn, err := storage.DialLDAP(ldapConfig)
			if err != nil {
				return nil, err
			}
			return storage.NewDirectoryStore(conn, dirConfig, logger), nil
		})
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	checkers["redis"] = redisChecker{client: redisClient}

	drivers := factor.NewRegistry()
	drivers.Register("totp", func(id string, store storage.Store) (factor.Driver, error) {
		return factor.NewTOTPDriver(factor.TOTPConfig{
			Digits:    cfg.Factors.Digits,
			Interval:  cfg.Factors.Interval,
			Issuer:    cfg.Factors.Issuer,
			Tolerance: cfg.Factors.Tolerance,
		}, id, store, logger)
	})
	drivers.Register("hotp", func(id string, store storage.Store) (factor.Driver, error) {
		return factor.NewHOTPDriver(factor.HOTPConfig{
			Digits: cfg.Factors.Digits,
			Issuer: cfg.Factors.Issuer,
			Window: uint64(cfg.Factors.Window),
		}, id, store, logger)
	})

	if cfg.Yubico.ClientID != "" {
		validator, err := yubico.NewClient(yubico.Config{
			ClientID: cfg.Yubico.ClientID,
			APIKey:   cfg.Yubico.APIKey,
			Hosts:    cfg.Yubico.Hosts,
			UseHTTPS: cfg.Yubico.UseHTTPS,
		})
		if err != nil {
			logger.Error("failed to initialize yubikey validation", slog.Any("error", err))
			os.Exit(1)
		}
		drivers.Register("yubikey", func(id string, store storage.Store) (factor.Driver, error) {
			return factor.NewYubikeyDriver(validator, id, store, logger)
		})
	}

	sessions := stepup.NewRedisSessionStore(redisClient)

	// the controller resolves drivers through the facade; bind late
	var facade *settings.Facade
	resolver := func(factorID, username string) (factor.Driver, error) {
		return facade.Driver(factorID, username)
	}

	controller, err := stepup.NewController(sessions, resolver, stepup.Config{
		ChallengeTimeout: cfg.StepUp.ChallengeTimeout,
		SecureWindow:     cfg.StepUp.SecureWindow,
		SessionTTL:       cfg.StepUp.SessionTTL,
		EncryptionKey:    cfg.StepUp.EncryptionKey,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize step-up controller", slog.Any("error", err))
		os.Exit(1)
	}

	facade = settings.NewFacade(drivers, stores, cfg.Factors.Backend, controller, logger)

	tokens, err := stepup.NewTokenManager(cfg.StepUp.TokenSecret)
	if err != nil {
		logger.Error("failed to initialize token manager", slog.Any("error", err))
		os.Exit(1)
	}

	auditLogger := pkglogger.NewAuditLogger(logger)

	authHandler := handlers.NewAuthHandler(controller, facade, tokens, cfg.StepUp.ChallengeTimeout, cfg.StepUp.SessionTTL, auditLogger, logger)
	settingsHandler := handlers.NewSettingsHandler(facade, controller, tokens, auditLogger, logger)
	healthHandler := handlers.NewHealthHandler(checkers)

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(pkglogger.RequestLogger(logger, cfg.Server.Env))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, settingsHandler, healthHandler)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	logger.Info("server stopped")
}

// directoryConfig maps factor properties onto OATH directory attributes.
// Factor entries hang off the account subtree; the account's roles reflect
// which methods are active.
func directoryConfig(cfg *config.Config) storage.DirectoryConfig {
	baseDN := cfg.Directory.BaseDN
	userBaseDN := cfg.Directory.UserBaseDN
	if userBaseDN == "" {
		userBaseDN = baseDN
	}
	return storage.DirectoryConfig{
		BaseDN:     "ou=factors," + baseDN,
		Filter:     "(&(objectclass=oathToken)(mail=%fu))",
		RDN:        "cn",
		UserBaseDN: userBaseDN,
		UserFilter: cfg.Directory.UserFilter,
		FieldMap: map[string]string{
			"id":       "cn",
			"label":    "description",
			"secret":   "oathSecret",
			"counter":  "oathCounter",
			"active":   "oathEnabled",
			"created":  "oathCreated",
			"username": "mail",
		},
		ValueMap: map[string]map[string]string{
			"active": {"true": "TRUE", "false": "FALSE"},
		},
		AttrTypes: map[string]string{
			"created": "datetime",
			"counter": "integer",
		},
		ObjectClass: []string{"top", "oathToken"},
		UserRoles: map[string]string{
			"totp:": "cn=totp-user,ou=roles," + baseDN,
			"hotp:": "cn=hotp-user,ou=roles," + baseDN,
		},
	}
}

// redisChecker adapts the redis client to the health endpoint.
type redisChecker struct {
	client *redis.Client
}

func (c redisChecker) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
