package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// ShutdownFunc is a cleanup function to call during shutdown.
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the HTTP server on SIGINT/SIGTERM and then runs
// registered cleanups (dispatcher, OTel providers, connection pools). The
// server is drained first so no request observes a half-closed dependency.
type ShutdownManager struct {
	logger          *Logger
	server          *http.Server
	shutdownFuncs   []ShutdownFunc
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// NewShutdownManager creates a shutdown manager. The server may be nil for
// binaries without a request-serving listener.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		server:          server,
		shutdownTimeout: timeout,
	}
}

// RegisterShutdownFunc registers a cleanup function.
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, fn)
}

// WaitForShutdown blocks until SIGINT or SIGTERM arrives, then drains the
// HTTP server and runs every registered cleanup concurrently. All cleanups
// share one deadline; each receives the same expiring context.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.WithField("signal", sig.String()).Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	if sm.server != nil {
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("Failed to drain HTTP server")
			return fmt.Errorf("failed to drain http server: %w", err)
		}
	}

	sm.mu.Lock()
	cleanups := sm.shutdownFuncs
	sm.mu.Unlock()

	var g errgroup.Group
	for _, fn := range cleanups {
		fn := fn
		g.Go(func() error { return fn(ctx) })
	}
	if err := g.Wait(); err != nil {
		sm.logger.WithError(err).Error("Cleanup failed during shutdown")
		return err
	}

	sm.logger.Info("Shutdown complete")
	return nil
}
