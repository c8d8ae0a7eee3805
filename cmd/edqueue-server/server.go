package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/edqueue/internal/config"
	"github.com/ehr/edqueue/internal/domain/emergency"
	"github.com/ehr/edqueue/internal/platform/auth"
	"github.com/ehr/edqueue/internal/platform/clock"
	"github.com/ehr/edqueue/internal/platform/db"
	"github.com/ehr/edqueue/internal/platform/middleware"
	"github.com/ehr/edqueue/internal/platform/notification"
	"github.com/ehr/edqueue/internal/platform/websocket"
)

const shutdownTimeout = 10 * time.Second

// queueOwnerLockKey is the advisory lock a primary holds for its lifetime,
// so a second primary against the same database refuses to start.
const queueOwnerLockKey int64 = 0x45445155

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// router holds what newRouter needs; serve fills it from live dependencies
// and tests from stubs. A relay leaves svc and db nil and serves boards only.
type router struct {
	cfg    *config.Config
	logger zerolog.Logger
	svc    *emergency.Service
	hub    *websocket.Hub
	db     db.Pinger
}

func newRouter(r router) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(r.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(r.logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: r.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwtCfg := jwtConfig(r.cfg)
	if r.cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: r.cfg.RateLimitRPS,
		BurstSize:         r.cfg.RateLimitBurst,
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if r.db != nil {
		e.GET("/health/db", db.HealthHandler(r.db))
	}

	websocket.NewHandler(r.hub).RegisterRoutes(e.Group(""))
	if r.svc != nil {
		emergency.NewHandler(r.svc).RegisterRoutes(e.Group("/api/v1"))
	}
	return e
}

// instance is what one role contributes to the server: its routes and the
// background loops that run beside the HTTP listener.
type instance struct {
	router router
	tasks  []func(context.Context) error
	close  func()
}

func runServer() error {
	cfg, err := config.LoadOffline()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env).With().Str("role", cfg.InstanceRole).Logger()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: unauthenticated requests are served as an admin dev-user")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(logger)
	var inst *instance
	if cfg.IsRelay() {
		inst, err = startRelay(ctx, cfg, logger, hub)
	} else {
		inst, err = startPrimary(ctx, cfg, logger, hub)
	}
	if err != nil {
		return err
	}
	defer inst.close()

	e := newRouter(inst.router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})
	for _, task := range inst.tasks {
		task := task
		g.Go(func() error { return task(gctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// startPrimary opens the database, takes the queue owner lock and restores
// the queue. Events go to the local hub, or through redis when relays exist.
func startPrimary(ctx context.Context, cfg *config.Config, logger zerolog.Logger, hub *websocket.Hub) (*instance, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return nil, err
	}
	logger.Info().Msg("connected to database")

	lock, err := db.AcquireLock(ctx, pool, queueOwnerLockKey)
	if err != nil {
		pool.Close()
		if errors.Is(err, db.ErrLockHeld) {
			logger.Error().Msg("another primary owns the queue; start this instance with INSTANCE_ROLE=relay")
		} else {
			logger.Error().Err(err).Msg("failed to take queue owner lock")
		}
		return nil, err
	}
	closers := []func(){
		pool.Close,
		func() {
			if err := lock.Release(context.Background()); err != nil {
				logger.Warn().Err(err).Msg("failed to release queue owner lock")
			}
		},
	}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	core := emergency.NewQueue(clock.Real())
	svc := emergency.NewService(core,
		emergency.NewPatientRepoPG(pool),
		emergency.NewTriageRepoPG(pool),
		emergency.NewQueueRepoPG(pool),
		emergency.NewRemovalRepoPG(pool),
		logger,
	)
	svc.SetTransactor(db.NewTransactor(pool))

	restored, err := svc.Restore(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("failed to restore queue")
		closeAll()
		return nil, err
	}
	logger.Info().Int("entries", restored).Msg("queue restored")

	var pub notification.Publisher = hub
	inst := &instance{router: router{cfg: cfg, logger: logger, svc: svc, hub: hub, db: pool}}
	if cfg.RedisURL != "" {
		relay, err := notification.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannel)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			closeAll()
			return nil, err
		}
		closers = append(closers, func() { relay.Close() })
		pub = relay
		inst.tasks = append(inst.tasks, func(ctx context.Context) error {
			return relay.Relay(ctx, hub, logger)
		})
		logger.Info().Str("channel", cfg.RedisChannel).Msg("publishing queue events through redis")
	}
	svc.SetPublisher(pub)

	monitor := emergency.NewMonitor(core, pub, cfg.MonitorInterval, logger)
	inst.tasks = append(inst.tasks, monitor.Run)
	inst.close = closeAll
	return inst, nil
}

// startRelay serves board websockets from the primary's redis channel. It
// holds no queue and exposes no emergency routes.
func startRelay(ctx context.Context, cfg *config.Config, logger zerolog.Logger, hub *websocket.Hub) (*instance, error) {
	relay, err := notification.NewRedisPublisher(ctx, cfg.RedisURL, cfg.RedisChannel)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to redis")
		return nil, err
	}
	logger.Info().Str("channel", cfg.RedisChannel).Msg("relaying queue events from redis")
	return &instance{
		router: router{cfg: cfg, logger: logger, hub: hub},
		tasks: []func(context.Context) error{
			func(ctx context.Context) error { return relay.Relay(ctx, hub, logger) },
		},
		close: func() { relay.Close() },
	}, nil
}
