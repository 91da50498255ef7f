package utils

import (
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
)

// GracefulShutdown runs registered teardown steps in reverse registration order.
// Steps run one at a time: a core must be closed before the interconnect it is mapped onto.
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *Logger
}

type shutdownStep struct {
	name string
	fn   func() error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}
	return &GracefulShutdown{
		timeout: timeout,
		logger:  logger,
	}
}

// Register adds a named shutdown step.
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown executes all registered steps (LIFO). Step errors are collected; the
// timeout bounds the whole sequence.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	steps := g.steps
	g.steps = nil
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("steps", len(steps)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs error
		for i := len(steps) - 1; i >= 0; i-- {
			step := steps[i]
			if err := step.fn(); err != nil {
				g.logger.Error("Shutdown step failed", String("step", step.name), Err(err))
				errs = multierr.Append(errs, WrapError(err, step.name))
			}
		}
		done <- errs
	}()

	select {
	case err := <-done:
		g.logger.Info("Graceful shutdown complete", Bool("clean", err == nil))
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out", Duration("timeout", g.timeout))
		return TimeoutError("shutdown", g.timeout)
	}
}
