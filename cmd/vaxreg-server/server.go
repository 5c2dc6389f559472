package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/vaxreg/internal/config"
	"github.com/ehr/vaxreg/internal/domain/identity"
	"github.com/ehr/vaxreg/internal/domain/immunization"
	"github.com/ehr/vaxreg/internal/platform/auth"
	"github.com/ehr/vaxreg/internal/platform/db"
	"github.com/ehr/vaxreg/internal/platform/middleware"
)

// historyStore is satisfied by both history backends, which also track
// registered visit ids.
type historyStore interface {
	immunization.HistoryRepository
	immunization.VisitRepository
}

type stores struct {
	pool          *pgxpool.Pool
	products      immunization.ProductRepository
	history       historyStore
	appointments  immunization.AppointmentRepository
	patients      identity.PatientRepository
	practitioners identity.PractitionerRepository
	directory     *identity.Directory
}

func (s *stores) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func memoryStores() *stores {
	st := &stores{
		products:      immunization.NewProductRepoMemory(),
		history:       immunization.NewHistoryRepoMemory(),
		appointments:  immunization.NewAppointmentRepoMemory(),
		patients:      identity.NewPatientRepoMemory(),
		practitioners: identity.NewPractitionerRepoMemory(),
	}
	st.directory = identity.NewDirectory(st.patients, st.practitioners)
	return st
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store == config.StoreMemory {
		return memoryStores(), nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, err
	}
	st := &stores{
		pool:          pool,
		products:      immunization.NewProductRepoPG(pool),
		history:       immunization.NewHistoryRepoPG(pool),
		appointments:  immunization.NewAppointmentRepoPG(pool),
		patients:      identity.NewPatientRepo(pool),
		practitioners: identity.NewPractitionerRepo(pool),
	}
	st.directory = identity.NewDirectory(st.patients, st.practitioners)
	return st, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// newServer builds the echo instance with middleware and all routes.
func newServer(cfg *config.Config, logger zerolog.Logger, st *stores) (*echo.Echo, *immunization.Service) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           middleware.DefaultRateLimitConfig().IdleTTL,
	}))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "store": cfg.Store})
	})
	if st.pool != nil {
		e.GET("/health/db", db.HealthHandler(st.pool))
	}

	jwtCfg := jwtConfig(cfg)
	authMW := auth.JWTMiddleware(jwtCfg)
	if cfg.IsDev() {
		authMW = auth.DevAuthMiddleware(jwtCfg)
	}
	apiV1 := e.Group("/api/v1", authMW)

	identitySvc := identity.NewService(st.patients, st.practitioners)
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)

	immSvc := immunization.NewService(st.products, st.history, st.history, st.appointments, st.directory, logger).
		WithMaxRetries(cfg.RegisterMaxRetries)
	immunization.NewHandler(immSvc).RegisterRoutes(apiV1)

	return e, immSvc
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open stores")
		return err
	}
	defer st.Close()
	logger.Info().Str("store", cfg.Store).Msg("stores ready")

	e, immSvc := newServer(cfg, logger, st)

	if cfg.SeedCatalog {
		added, err := seedCatalog(ctx, immSvc, logger)
		if err != nil {
			logger.Error().Err(err).Msg("catalog seed failed")
			return err
		}
		logger.Info().Int("added", added).Msg("catalog seeded")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

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
