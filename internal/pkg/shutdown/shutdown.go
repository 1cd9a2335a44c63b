// Package shutdown runs named cleanup handlers when the process is asked to stop.
package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"reel/internal/pkg/logger"
)

// Manager handles graceful shutdown of services.
type Manager struct {
	log      *logger.Logger
	timeout  time.Duration
	handlers []Handler
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	err      error
}

// Handler is a named cleanup step.
type Handler struct {
	Name    string
	Cleanup func(ctx context.Context) error
}

// NewManager creates a new shutdown manager.
func NewManager(log *logger.Logger, timeout time.Duration) *Manager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		log:      log.WithComponent("shutdown"),
		timeout:  timeout,
		handlers: make([]Handler, 0),
		done:     make(chan struct{}),
	}
}

// Register adds a cleanup handler. Handlers run last-registered first, one at
// a time, so register in dependency order (store before the pool that uses it).
func (m *Manager) Register(name string, cleanup func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, Handler{Name: name, Cleanup: cleanup})
	m.log.Debug("registered shutdown handler", "name", name)
}

// RegisterSimple adds a cleanup handler that needs no context.
func (m *Manager) RegisterSimple(name string, cleanup func()) {
	m.Register(name, func(ctx context.Context) error {
		cleanup()
		return nil
	})
}

// WaitWithContext blocks until a signal arrives or ctx is done, then runs
// cleanup and returns its combined error.
func (m *Manager) WaitWithContext(ctx context.Context) error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		m.log.Info("context canceled, initiating shutdown")
	}

	return m.Shutdown()
}

// Shutdown runs all cleanup handlers once, in reverse registration order,
// within the configured timeout. Later calls return the first result.
func (m *Manager) Shutdown() error {
	m.once.Do(func() {
		m.err = m.run()
		close(m.done)
	})
	return m.err
}

func (m *Manager) run() error {
	m.mu.Lock()
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.log.Info("starting graceful shutdown", "handlers", len(handlers), "timeout", m.timeout.String())

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		start := time.Now()
		m.log.Debug("running shutdown handler", "name", h.Name)

		if err := h.Cleanup(ctx); err != nil {
			m.log.Error("shutdown handler failed",
				"name", h.Name,
				"error", err.Error(),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			errs = append(errs, err)
			continue
		}
		m.log.Debug("shutdown handler completed",
			"name", h.Name,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if ctx.Err() != nil {
		m.log.Warn("shutdown timeout exceeded")
	} else {
		m.log.Info("graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}
