// Copyright 2025 The virtglass Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gracefulshutdown coordinates the daemon's shutdown: a signal or an
// explicit Shutdown cancels the shared context, registered hooks run with a
// bounded grace period, and the process exits once every tracked goroutine
// has drained.
package gracefulshutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// hookGracePeriod bounds how long each shutdown hook may run.
const hookGracePeriod = 5 * time.Second

// GracefulShutdown owns the daemon's root context and the drain sequence.
type GracefulShutdown struct {
	ctx    context.Context
	cancel context.CancelFunc
	name   string

	once      sync.Once
	readyOnce sync.Once
	wg        *sync.WaitGroup

	hooksMu sync.Mutex
	hooks   []func(context.Context)

	// ready is closed once all WaitGroup.Add calls have been made, so the
	// auto-shutdown goroutine never races Add against Wait.
	ready chan struct{}

	exitFunc func(int)
}

// NewWithExit creates a GracefulShutdown with an injected exit function.
// Tests substitute the exit so the process survives.
func NewWithExit(name string, exitFunc func(int)) *GracefulShutdown {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)

	gs := &GracefulShutdown{
		ctx:      ctx,
		cancel:   cancel,
		name:     name,
		wg:       &sync.WaitGroup{},
		ready:    make(chan struct{}),
		exitFunc: exitFunc,
	}

	go func() {
		select {
		case <-gs.ready:
			<-ctx.Done()
			gs.Shutdown(0)
		case <-ctx.Done():
			// Cancelled before Ready; shut down anyway rather than hang.
			slog.Warn("shutdown requested before Ready was called", "name", name)
			gs.Shutdown(0)
		}
	}()

	return gs
}

// New creates a GracefulShutdown that reacts to SIGTERM and SIGINT and exits
// through os.Exit.
func New(name string) *GracefulShutdown {
	return NewWithExit(name, os.Exit)
}

// OnShutdown registers a hook to run during shutdown, after the context is
// cancelled and before tracked goroutines are awaited. The hook's context
// expires after the grace period.
func (s *GracefulShutdown) OnShutdown(fn func(context.Context)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Shutdown runs the drain sequence exactly once, no matter how many callers
// race into it, and finally exits with the given code.
func (s *GracefulShutdown) Shutdown(exitCode int) {
	s.once.Do(func() {
		slog.Info("shutting down", "name", s.name)

		s.cancel()

		s.hooksMu.Lock()
		hooks := s.hooks
		s.hooksMu.Unlock()
		for _, hook := range hooks {
			ctx, cancel := context.WithTimeout(context.Background(), hookGracePeriod)
			hook(ctx)
			cancel()
		}

		s.wg.Wait()
		s.exitFunc(exitCode)
	})
}

// Context returns the root context; it is cancelled when shutdown begins.
func (s *GracefulShutdown) Context() context.Context {
	return s.ctx
}

// CancelFunc returns the function cancelling the root context.
func (s *GracefulShutdown) CancelFunc() context.CancelFunc {
	return s.cancel
}

// WaitGroup returns the group tracking goroutines that must drain before
// exit.
func (s *GracefulShutdown) WaitGroup() *sync.WaitGroup {
	return s.wg
}

// Ready signals that all WaitGroup.Add calls have been made. Must be called
// once setup is complete; safe to call more than once.
func (s *GracefulShutdown) Ready() {
	s.readyOnce.Do(func() {
		close(s.ready)
	})
}
