package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-settlement/settlement"
	"github.com/LerianStudio/lib-settlement/settlement/log"
	"github.com/LerianStudio/lib-settlement/settlement/opentelemetry"
	"github.com/LerianStudio/lib-settlement/settlement/runtime"
	"github.com/gofiber/fiber/v2"
)

// ErrNoServerConfigured is returned when no HTTP server was configured.
var ErrNoServerConfigured = errors.New("no server configured: use WithHTTPServer()")

// Worker is a background component drained on shutdown, such as the outbox
// dispatcher.
type Worker interface {
	Shutdown(ctx context.Context) error
}

type namedWorker struct {
	name   string
	worker Worker
}

type namedCloser struct {
	name  string
	close func() error
}

// ServerManager runs the HTTP server until a termination signal, then shuts
// everything down gracefully.
type ServerManager struct {
	httpServer         *fiber.App
	httpAddress        string
	telemetry          *opentelemetry.Telemetry
	logger             log.Logger
	workers            []namedWorker
	closers            []namedCloser
	serversStarted     chan struct{}
	serversStartedOnce sync.Once
	shutdownChan       <-chan struct{}
	shutdownOnce       sync.Once
	shutdownTimeout    time.Duration
	startupErrors      chan error
}

var _ settlement.App = (*ServerManager)(nil)

// NewServerManager creates a ServerManager. telemetry may be nil.
func NewServerManager(telemetry *opentelemetry.Telemetry, logger log.Logger) *ServerManager {
	logger = log.OrNop(logger)

	return &ServerManager{
		telemetry:       telemetry,
		logger:          logger,
		serversStarted:  make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startupErrors:   make(chan error, 1),
	}
}

// WithHTTPServer sets the fiber app and its listen address.
func (sm *ServerManager) WithHTTPServer(app *fiber.App, address string) *ServerManager {
	sm.httpServer = app
	sm.httpAddress = address

	return sm
}

// WithWorker registers a worker drained after the HTTP server stops.
func (sm *ServerManager) WithWorker(name string, w Worker) *ServerManager {
	if w != nil {
		sm.workers = append(sm.workers, namedWorker{name: name, worker: w})
	}

	return sm
}

// WithCloser registers a backend closed last, in registration order.
func (sm *ServerManager) WithCloser(name string, closeFn func() error) *ServerManager {
	if closeFn != nil {
		sm.closers = append(sm.closers, namedCloser{name: name, close: closeFn})
	}

	return sm
}

// WithShutdownChannel replaces OS signal handling with ch.
func (sm *ServerManager) WithShutdownChannel(ch <-chan struct{}) *ServerManager {
	sm.shutdownChan = ch

	return sm
}

// WithShutdownTimeout bounds the whole shutdown sequence. Defaults to 30s.
func (sm *ServerManager) WithShutdownTimeout(d time.Duration) *ServerManager {
	if d > 0 {
		sm.shutdownTimeout = d
	}

	return sm
}

// ServersStarted is closed once the server goroutine has been launched.
func (sm *ServerManager) ServersStarted() <-chan struct{} {
	return sm.serversStarted
}

// Run implements settlement.App.
func (sm *ServerManager) Run(_ *settlement.Launcher) error {
	return sm.StartWithGracefulShutdownWithError()
}

// StartWithGracefulShutdownWithError starts the server and blocks until a
// shutdown signal or a startup failure. A startup failure is returned after
// the shutdown sequence ran.
func (sm *ServerManager) StartWithGracefulShutdownWithError() error {
	if sm.httpServer == nil {
		return ErrNoServerConfigured
	}

	sm.startServer()

	return sm.handleShutdown()
}

func (sm *ServerManager) startServer() {
	runtime.SafeGoWithContext(context.Background(), sm.logger, "server", "start_http_server", runtime.KeepRunning,
		func(ctx context.Context) {
			sm.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", sm.httpAddress))

			if err := sm.httpServer.Listen(sm.httpAddress); err != nil {
				sm.logger.Log(ctx, log.LevelError, "HTTP server error", log.Err(err))

				select {
				case sm.startupErrors <- fmt.Errorf("HTTP server: %w", err):
				default:
				}
			}
		})

	sm.serversStartedOnce.Do(func() {
		close(sm.serversStarted)
	})
}

func (sm *ServerManager) handleShutdown() error {
	var startupErr error

	if sm.shutdownChan != nil {
		select {
		case <-sm.shutdownChan:
		case startupErr = <-sm.startupErrors:
		}
	} else {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)

		select {
		case <-c:
		case startupErr = <-sm.startupErrors:
		}

		signal.Stop(c)
	}

	if startupErr != nil {
		sm.logger.Log(context.Background(), log.LevelError, "server startup failed", log.Err(startupErr))
	}

	sm.logger.Log(context.Background(), log.LevelInfo, "gracefully shutting down")

	sm.executeShutdown()

	return startupErr
}

// executeShutdown runs once: HTTP server, workers, telemetry, closers, then
// the logger sync.
func (sm *ServerManager) executeShutdown() {
	sm.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
		defer cancel()

		if sm.httpServer != nil {
			if err := sm.httpServer.ShutdownWithContext(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "HTTP server shutdown failed", log.Err(err))
			}
		}

		for _, w := range sm.workers {
			if err := w.worker.Shutdown(ctx); err != nil {
				sm.logger.Log(ctx, log.LevelError, "worker shutdown failed", log.String("worker", w.name), log.Err(err))
			}
		}

		if sm.telemetry != nil {
			sm.telemetry.ShutdownTelemetry(ctx)
		}

		for _, c := range sm.closers {
			if err := c.close(); err != nil {
				sm.logger.Log(ctx, log.LevelError, "close failed", log.String("component", c.name), log.Err(err))
			}
		}

		sm.logger.Log(ctx, log.LevelInfo, "graceful shutdown completed")

		if err := sm.logger.Sync(ctx); err != nil {
			sm.logger.Log(ctx, log.LevelWarn, "failed to sync logger", log.Err(err))
		}
	})
}
