// Package server wires the kernel core to its HTTP and WebSocket
// control surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	api "github.com/meridian-os/meridian/internal/api/http"
	"github.com/meridian-os/meridian/internal/api/middleware"
	"github.com/meridian-os/meridian/internal/api/ws"
	"github.com/meridian-os/meridian/internal/domain/bootfs"
	"github.com/meridian-os/meridian/internal/infrastructure/config"
	"github.com/meridian-os/meridian/internal/infrastructure/logging"
	"github.com/meridian-os/meridian/internal/infrastructure/monitoring"
	"github.com/meridian-os/meridian/internal/infrastructure/resilience"
	"github.com/meridian-os/meridian/internal/infrastructure/tracing"
	"github.com/meridian-os/meridian/internal/kernel"
	"github.com/meridian-os/meridian/internal/kernel/event"
)

// Server owns the assembled daemon: kernel, observability stack, and
// the gin router in front of them.
type Server struct {
	cfg    *config.Config
	kernel *kernel.Kernel
	logger *logging.Logger
	tracer *tracing.Tracer

	router *gin.Engine
	http   *http.Server

	unsubscribe []func()
}

// New assembles a server from configuration.
func New(cfg *config.Config, logger *logging.Logger) (*Server, error) {
	store, err := bootfs.Load(cfg.Bootfs.Dir)
	if err != nil {
		return nil, err
	}
	logger.Info("boot image store loaded",
		zap.String("dir", cfg.Bootfs.Dir),
		zap.Strings("images", store.Names()))

	k, err := kernel.New(store, kernel.Options{
		Cores:            cfg.Kernel.Cores,
		Quantum:          cfg.Kernel.QuantumTicks,
		RegistryCapacity: cfg.Kernel.RegistryCapacity,
		TableCapacity:    cfg.Kernel.TableCapacity,
		BootUntypedBytes: cfg.Kernel.BootUntypedBytes,
	})
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		kernel: k,
		logger: logger,
		tracer: tracing.New(logger.Logger),
	}

	registry := prometheus.NewRegistry()
	metrics := monitoring.New(registry)

	// Tee the kernel trace into the metrics and, when asked, the log.
	s.tee(metrics)
	if cfg.Logging.TraceEvents {
		s.tee(logging.EventSink(logger))
	}

	breakers := resilience.NewSet(resilience.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			logger.Warn("breaker state change",
				zap.String("class", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(middleware.DefaultCORSConfig()))
	if cfg.RateLimit.Enabled {
		router.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}))
	}
	router.Use(tracing.HTTPMiddleware(s.tracer))
	router.Use(monitoring.Middleware(metrics))

	handlers := api.NewHandlers(k, metrics, breakers, s.tracer, logger)
	handlers.Register(router)

	wsHandler := ws.NewHandler(k.Hub, metrics, logger)
	router.GET("/stream", wsHandler.HandleConnection)

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	if cfg.Kernel.AutoBoot {
		if err := k.Boot(); err != nil {
			return nil, err
		}
	}

	s.router = router
	return s, nil
}

// tee forwards the kernel event trace to an extra emitter for the
// lifetime of the server.
func (s *Server) tee(emitter event.Emitter) {
	events, cancel := s.kernel.Hub.Subscribe(1024)
	s.unsubscribe = append(s.unsubscribe, cancel)
	go func() {
		for ev := range events {
			emitter.Emit(ev)
		}
	}()
}

// Kernel exposes the core for tests and embedding.
func (s *Server) Kernel() *kernel.Kernel { return s.kernel }

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine { return s.router }

// Run serves until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	addr := s.cfg.Server.Host + ":" + s.cfg.Server.Port
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", zap.String("addr", addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.Close()
	return nil
}

// Close releases the trace subscriptions and flushes the tracer.
func (s *Server) Close() {
	for _, cancel := range s.unsubscribe {
		cancel()
	}
	s.unsubscribe = nil
	s.tracer.Close()
}
