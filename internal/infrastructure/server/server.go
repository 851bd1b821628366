package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	apihttp "github.com/GriffinCanCode/TraceHub/internal/api/http"
	"github.com/GriffinCanCode/TraceHub/internal/api/middleware"
	"github.com/GriffinCanCode/TraceHub/internal/api/ws"
	"github.com/GriffinCanCode/TraceHub/internal/domain/adaptive"
	"github.com/GriffinCanCode/TraceHub/internal/domain/broadcast"
	"github.com/GriffinCanCode/TraceHub/internal/domain/collector"
	"github.com/GriffinCanCode/TraceHub/internal/domain/maintenance"
	"github.com/GriffinCanCode/TraceHub/internal/domain/stats"
	"github.com/GriffinCanCode/TraceHub/internal/domain/trace"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/config"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/logging"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/TraceHub/internal/infrastructure/tracing"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	store     *trace.Store
	scheduler *maintenance.Scheduler
	tracer    *tracing.Tracer
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
	listener  net.Listener
}

// NewServer creates a new server instance. It fails if the trace store
// cannot be opened.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	logger.Info("Initializing TraceHub",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("db", cfg.Storage.Path),
		zap.Int("retention_hours", cfg.Storage.RetentionHours),
		zap.Bool("auth", cfg.Auth.Secret != ""),
	)

	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	tracer := tracing.New("tracehub", logger.Logger)

	store, err := trace.Open(ctx, trace.Config{
		Path:         cfg.Storage.Path,
		Timeout:      cfg.Storage.Timeout,
		MaxOpenConns: cfg.Storage.MaxOpenConns,
	}, logger.Logger)
	if err != nil {
		tracer.Close()
		return nil, fmt.Errorf("failed to open trace store: %w", err)
	}
	logger.Info("Trace store ready", zap.String("path", store.Path()))

	startedAt := time.Now()
	controller := adaptive.NewController(adaptive.Config{
		HotTTL:   time.Duration(cfg.Adaptive.HotTTL) * time.Second,
		WarmTTL:  time.Duration(cfg.Adaptive.WarmTTL) * time.Second,
		WarmRate: cfg.Adaptive.WarmRate,
		ColdRate: cfg.Adaptive.ColdRate,
	})
	hub := broadcast.NewHub[trace.Entry](cfg.Stream.QueueSize)
	tracker := stats.NewTracker(stats.Config{
		RecentLimit:  cfg.Recent.RateLimit,
		RecentWindow: cfg.Recent.RateWindow,
	}, startedAt)
	reaper := maintenance.NewReaper(store, cfg.Storage.Retention(), logger.Logger).WithMetrics(metrics)

	coll := collector.New(collector.StreamConfig{
		Keepalive:      cfg.Stream.Keepalive,
		DefaultTimeout: cfg.Stream.DefaultTimeout,
		MaxTimeout:     cfg.Stream.MaxTimeout,
	}, collector.Deps{
		Store:      store,
		Hub:        hub,
		Controller: controller,
		Tracker:    tracker,
	}, logger.Logger).WithMetrics(metrics)

	scheduler := maintenance.NewScheduler(maintenance.Config{
		Interval:   cfg.Adaptive.Tick(),
		StaleAfter: cfg.Stream.StaleAfter,
	}, maintenance.Deps{
		Controller: controller,
		Hub:        hub,
		Tracker:    tracker,
		Reaper:     reaper,
	}, logger.Logger).WithMetrics(metrics)

	// Create router
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}

	handlers := apihttp.NewHandlers(apihttp.Deps{
		Collector:      coll,
		Controller:     controller,
		Tracker:        tracker,
		Subscribers:    hub,
		Database:       store,
		Cleaner:        reaper,
		Metrics:        metrics,
		RetentionHours: cfg.Storage.RetentionHours,
	}, logger.Logger)
	apihttp.RegisterRoutes(router, handlers, cfg.Auth.Secret)

	wsHandler := ws.NewHandler(coll, logger.Logger).WithMetrics(metrics)
	router.GET("/traces/:id/ws", wsHandler.HandleStream)

	logger.Info("Server initialized successfully")

	return &Server{
		router:    router,
		store:     store,
		scheduler: scheduler,
		tracer:    tracer,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds the configured address, capped at MaxConnections.
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}
	if s.config.Server.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.config.Server.MaxConnections)
	}
	s.listener = ln
	return ln.Addr(), nil
}

// Run serves HTTP and runs the maintenance scheduler until ctx is cancelled,
// then shuts down gracefully. Listen is called first if it has not been.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("Starting HTTP server", zap.String("addr", s.listener.Addr().String()))
		if err := srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return s.scheduler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Graceful shutdown timed out, closing connections", zap.Error(err))
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}

// Close releases the store and flushes logs.
func (s *Server) Close() error {
	s.tracer.Close()

	var err error
	if cerr := s.store.Close(); cerr != nil && !errors.Is(cerr, trace.ErrStoreClosed) {
		s.logger.Error("Failed to close trace store", zap.Error(cerr))
		err = fmt.Errorf("failed to close trace store: %w", cerr)
	} else {
		s.logger.Info("Closed trace store")
	}

	_ = s.logger.Sync()
	return err
}
