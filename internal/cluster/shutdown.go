package cluster

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrShutdownInProgress is returned by a second concurrent Shutdown call
var ErrShutdownInProgress = errors.New("shutdown already in progress")

const serverShutdownTimeout = 5 * time.Second

type shutdownStep struct {
	name string
	fn   func(ctx context.Context) error
}

// ShutdownManager handles the graceful shutdown sequence of a node, master or
// proxy process
type ShutdownManager struct {
	server         *http.Server
	steps          []shutdownStep
	logger         *zap.Logger
	timeout        time.Duration
	mu             sync.Mutex
	isShuttingDown bool
}

// NewShutdownManager creates a new ShutdownManager instance
func NewShutdownManager(server *http.Server, logger *zap.Logger, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second // Default timeout of 30 seconds
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ShutdownManager{
		server:  server,
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a step run after the HTTP server stopped. Steps run in
// registration order.
func (sm *ShutdownManager) Register(name string, fn func(ctx context.Context) error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.steps = append(sm.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown performs a graceful shutdown
func (sm *ShutdownManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	if sm.isShuttingDown {
		sm.mu.Unlock()
		return ErrShutdownInProgress
	}
	sm.isShuttingDown = true
	steps := make([]shutdownStep, len(sm.steps))
	copy(steps, sm.steps)
	sm.mu.Unlock()

	sm.logger.Info("Starting graceful shutdown sequence")

	// Create a context with timeout for the entire shutdown process
	ctx, cancel := context.WithTimeout(ctx, sm.timeout)
	defer cancel()

	var errs error

	// Step 1: Stop accepting new requests and drain in-flight ones
	if sm.server != nil {
		sm.logger.Info("Stopping HTTP server - no longer accepting new requests")
		serverCtx, serverCancel := context.WithTimeout(ctx, serverShutdownTimeout)
		if err := sm.server.Shutdown(serverCtx); err != nil {
			sm.logger.Error("Error shutting down HTTP server", zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("http server: %w", err))
		}
		serverCancel()
	}

	// Step 2: Stop background components in order
	for _, step := range steps {
		if ctx.Err() != nil {
			sm.logger.Warn("Graceful shutdown timed out, skipping remaining steps", zap.String("step", step.name))
			return multierr.Append(errs, ctx.Err())
		}
		sm.logger.Info("Stopping component", zap.String("step", step.name))
		if err := step.fn(ctx); err != nil {
			sm.logger.Error("Error stopping component", zap.String("step", step.name), zap.Error(err))
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}

	if errs == nil {
		sm.logger.Info("Graceful shutdown completed successfully")
	}
	return errs
}
