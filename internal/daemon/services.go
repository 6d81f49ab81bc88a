// File: internal/daemon/services.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/momentics/hioload-uws/app"
	"github.com/momentics/hioload-uws/internal/logging"
)

// LoopService runs the App's event loop under the supervisor. A loop runs
// once: if it exits on its own the whole tree is terminated.
type LoopService struct {
	app     *app.App
	started atomic.Bool
}

// NewLoopService wraps a. Listeners must already be bound.
func NewLoopService(a *app.App) *LoopService {
	return &LoopService{app: a}
}

// Serve runs the loop until ctx ends, then closes the App on the loop.
func (s *LoopService) Serve(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return suture.ErrDoNotRestart
	}
	l := s.app.Loop()
	go l.Run()

	select {
	case <-ctx.Done():
		l.Sync(s.app.Close)
		l.Stop()
		<-l.Done()
		logging.Info().Msg("event loop stopped")
		return ctx.Err()
	case <-l.Done():
		logging.Error().Msg("event loop exited")
		return suture.ErrTerminateSupervisorTree
	}
}

func (s *LoopService) String() string { return "event-loop" }

// HTTPService serves an http.Handler under the supervisor.
type HTTPService struct {
	name            string
	srv             *http.Server
	shutdownTimeout time.Duration

	mu    sync.Mutex
	addr  net.Addr
	ready chan struct{}
}

// NewHTTPService creates a service listening on addr.
func NewHTTPService(name, addr string, h http.Handler) *HTTPService {
	return &HTTPService{
		name: name,
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: 10 * time.Second,
		ready:           make(chan struct{}),
	}
}

// Ready is closed after the first successful bind.
func (s *HTTPService) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound address, or nil before Ready.
func (s *HTTPService) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Serve listens and serves until ctx ends.
func (s *HTTPService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("%s listen %s: %w", s.name, s.srv.Addr, err)
	}
	s.mu.Lock()
	first := s.addr == nil
	s.addr = ln.Addr()
	s.mu.Unlock()
	if first {
		close(s.ready)
	}
	logging.Info().Str("service", s.name).Str("addr", ln.Addr().String()).Msg("listening")

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("%s failed: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s shutdown: %w", s.name, err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *HTTPService) String() string { return s.name }
