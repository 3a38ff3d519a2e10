package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlanGuo/https-proxy-server/internal/logger"
	"golang.org/x/sync/errgroup"
)

// shutdownGrace bounds how long Supervisor.Run waits for in-flight
// connections to finish after a shutdown signal before returning anyway.
const shutdownGrace = 10 * time.Second

// Supervisor coordinates the listener's lifecycle with OS signals,
// generalizing the teacher's main.go signal loop (SIGINT/SIGTERM) from a
// single blocking ListenAndServe call into a cancellable Run/Wait pair.
type Supervisor struct {
	srv *Server
}

// NewSupervisor wraps srv for signal-driven startup and shutdown.
func NewSupervisor(srv *Server) *Supervisor {
	return &Supervisor{srv: srv}
}

// Run blocks until SIGINT/SIGTERM is received or the listener fails,
// then drains in-flight connections within shutdownGrace before
// returning.
func (sv *Supervisor) Run(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return sv.srv.Run(gctx)
	})

	err := g.Wait()

	logger.Info("shutting down, draining in-flight connections (grace %s)", shutdownGrace)
	sv.srv.Wait(shutdownGrace)

	if err != nil && sigCtx.Err() == nil {
		return err
	}
	return nil
}
