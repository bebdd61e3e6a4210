// Package server runs the HTTP surface and tears the service down in order:
// stop accepting uploads, let running conversions finish, then close the
// stores that were opened first, last.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownManager coordinates signal handling, in-flight request tracking
// and resource cleanup.
type ShutdownManager struct {
	timeout time.Duration
	drain   time.Duration

	done     chan struct{}
	once     sync.Once
	inFlight atomic.Int64
	stopping atomic.Bool

	mu      sync.Mutex
	closers []namedCloser
}

type namedCloser struct {
	name string
	io.Closer
}

// ShutdownConfig holds configuration for the shutdown manager.
type ShutdownConfig struct {
	// Timeout bounds the whole shutdown. Default: 30 seconds.
	Timeout time.Duration
	// DrainTimeout bounds the wait for in-flight requests; an upload being
	// converted counts as in flight. Default: 2 minutes.
	DrainTimeout time.Duration
}

// DefaultShutdownConfig returns the default shutdown configuration.
func DefaultShutdownConfig() ShutdownConfig {
	return ShutdownConfig{Timeout: 30 * time.Second, DrainTimeout: 2 * time.Minute}
}

// NewShutdownManager creates a shutdown manager.
func NewShutdownManager(config ShutdownConfig) *ShutdownManager {
	def := DefaultShutdownConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &ShutdownManager{
		timeout: config.Timeout,
		drain:   config.DrainTimeout,
		done:    make(chan struct{}),
	}
}

// RegisterCloser adds a resource closed on shutdown. Closers run in reverse
// order of registration.
func (sm *ShutdownManager) RegisterCloser(name string, c io.Closer) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.closers = append(sm.closers, namedCloser{name: name, Closer: c})
}

// ListenForSignals blocks until SIGTERM, SIGINT, ctx cancellation or
// another Shutdown call, then shuts down.
func (sm *ShutdownManager) ListenForSignals(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		return sm.Shutdown(context.Background(), fmt.Sprintf("received %v", sig))
	case <-ctx.Done():
		return sm.Shutdown(context.Background(), "context cancelled")
	case <-sm.done:
		return nil
	}
}

// Shutdown drains in-flight requests and closes every registered resource.
// Only the first call does any work.
func (sm *ShutdownManager) Shutdown(ctx context.Context, reason string) error {
	var errs []error
	sm.once.Do(func() {
		log.Printf("server: shutting down: %s", reason)
		sm.stopping.Store(true)
		close(sm.done)

		ctx, cancel := context.WithTimeout(ctx, sm.timeout+sm.drain)
		defer cancel()
		if err := sm.waitIdle(ctx); err != nil {
			errs = append(errs, err)
		}

		sm.mu.Lock()
		closers := sm.closers
		sm.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			c := closers[i]
			if err := c.Close(); err != nil {
				log.Printf("server: failed to close %s: %v", c.name, err)
				errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
				continue
			}
			log.Printf("server: closed %s", c.name)
		}
	})
	return errors.Join(errs...)
}

func (sm *ShutdownManager) waitIdle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, sm.drain)
	defer cancel()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		n := sm.inFlight.Load()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server: %d requests still running", n)
		case <-tick.C:
		}
	}
}

// Done is closed when shutdown begins.
func (sm *ShutdownManager) Done() <-chan struct{} { return sm.done }

// InFlight returns the number of tracked requests.
func (sm *ShutdownManager) InFlight() int64 { return sm.inFlight.Load() }

// Middleware tracks requests so Shutdown can wait for them, and turns new
// requests away once shutdown has begun.
func (sm *ShutdownManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sm.stopping.Load() {
			w.Header().Set("Connection", "close")
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		sm.inFlight.Add(1)
		defer sm.inFlight.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// Serve runs srv on ln until it fails or shutdown begins. The server is
// registered as a closer, so it stops accepting connections before the
// resources registered ahead of it are closed.
func (sm *ShutdownManager) Serve(srv *http.Server, ln net.Listener) error {
	sm.RegisterCloser("http server", CloserFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), sm.timeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}))

	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-sm.done:
		return <-errCh
	}
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }
