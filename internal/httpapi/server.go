// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package httpapi

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/oops"
)

// Server runs the API on its own listener.
type Server struct {
	addr     string
	app      *fiber.App
	listener net.Listener
	logger   *slog.Logger
	running  atomic.Bool
	done     chan struct{}
}

// NewServer creates a Server for h listening on addr.
func NewServer(addr string, h *Handler) *Server {
	return &Server{addr: addr, app: h.App(), logger: h.logger}
}

// Start begins serving. The returned channel receives a serve failure and
// is closed when the server stops.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Code("HTTP_ALREADY_RUNNING").Errorf("api server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.Code("HTTP_LISTEN_FAILED").With("addr", s.addr).Wrap(err)
	}
	s.listener = listener
	s.done = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		defer close(s.done)
		defer close(errCh)
		if serveErr := s.app.Listener(listener); serveErr != nil && s.running.Load() {
			s.logger.Error("api server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	s.logger.Info("api server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop drains in-flight requests and waits for the serve loop to return,
// until ctx is done.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		return oops.Code("HTTP_SHUTDOWN_FAILED").Wrap(err)
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return oops.Code("HTTP_SHUTDOWN_FAILED").Wrap(ctx.Err())
	}
	s.logger.Info("api server stopped")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
