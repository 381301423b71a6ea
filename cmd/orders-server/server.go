package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/orders/internal/config"
	"github.com/ehr/orders/internal/domain/diagnostics"
	"github.com/ehr/orders/internal/domain/identity"
	"github.com/ehr/orders/internal/platform/apperr"
	"github.com/ehr/orders/internal/platform/db"
	"github.com/ehr/orders/internal/platform/middleware"
	"github.com/ehr/orders/internal/platform/openapi"
	"github.com/ehr/orders/internal/platform/reporting"
	"github.com/ehr/orders/internal/platform/telemetry"
)

// stores holds the repositories of the configured driver.
type stores struct {
	tx       db.TxManager
	checker  db.Checker
	patients identity.PatientRepository
	orders   diagnostics.OrderRepository
	studies  diagnostics.StudyRepository
	results  diagnostics.ResultRepository
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	switch cfg.StoreDriver {
	case config.DriverSQLite:
		sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened sqlite store")
		return &stores{
			tx:       db.NewSQLTxManager(sqlDB),
			checker:  db.SQLChecker(sqlDB),
			patients: identity.NewPatientRepoSQLite(sqlDB),
			orders:   diagnostics.NewOrderRepoSQLite(sqlDB),
			studies:  diagnostics.NewStudyRepoSQLite(sqlDB),
			results:  diagnostics.NewResultRepoSQLite(sqlDB),
			close:    func() { _ = sqlDB.Close() },
		}, nil

	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, err
		}
		logger.Info().Msg("connected to database")
		if cfg.AutoMigrate {
			n, err := newMigrator(pool, "", cfg.MigrationsDir).Up(ctx)
			if err != nil {
				pool.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
			logger.Info().Int("applied", n).Msg("migrations applied")
		}
		return &stores{
			tx:       db.NewPgTxManager(pool),
			checker:  db.PgChecker(pool),
			patients: identity.NewPatientRepo(pool),
			orders:   diagnostics.NewOrderRepo(pool),
			studies:  diagnostics.NewStudyRepo(pool),
			results:  diagnostics.NewResultRepo(pool),
			close:    pool.Close,
		}, nil
	}
	return nil, fmt.Errorf("unsupported store driver %q", cfg.StoreDriver)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if lvl, err := cfg.Level(); err == nil {
		logger = logger.Level(lvl)
	}
	return logger
}

// newServer wires services, middleware and routes. metrics may be nil.
func newServer(cfg *config.Config, st *stores, metrics *telemetry.Metrics, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderXRequestID, "If-Match"},
		ExposeHeaders: []string{"ETag", echo.HeaderXRequestID},
	}))
	if metrics != nil {
		e.Use(metrics.Middleware())
	}
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	identitySvc := identity.NewService(st.patients)
	identitySvc.SetLogger(logger)

	dxSvc := diagnostics.NewService(st.tx, identitySvc, st.orders, st.studies, st.results)
	dxSvc.SetLogger(logger)
	if metrics != nil {
		dxSvc.SetRecorder(metrics)
	}

	apiV1 := e.Group("/api/v1")
	identityHandler := identity.NewHandler(identitySvc)
	identityHandler.RegisterRoutes(apiV1)
	dxHandler := diagnostics.NewHandler(dxSvc)
	dxHandler.RegisterRoutes(apiV1)
	reportHandler := reporting.NewHandler(dxSvc, logger)
	reportHandler.RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(st.checker))
	if metrics != nil {
		metrics.RegisterPool(st.checker)
		e.GET("/metrics", metrics.Handler())
	}

	docs := openapi.NewGenerator("Clinical Orders API", "1.0.0")
	docs.Add("/api/v1", identityHandler)
	docs.Add("/api/v1", dxHandler)
	docs.Add("/api/v1", reportHandler)
	e.GET("/openapi.json", docs.Handler(e))

	return e
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger := newLogger(cfg)

	ctx := context.Background()
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open store")
		return err
	}
	defer st.close()

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
	}
	e := newServer(cfg, st, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("driver", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
