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

// Package httputil runs the daemon's HTTP servers under the shared shutdown
// coordinator.
package httputil

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/virtglass/virtglass/internal/util/gracefulshutdown"
)

// Serve runs the given servers and blocks until shutdown begins. Each server
// is drained through a shutdown hook, so in-flight requests finish within
// the grace period; a server failing for any reason other than a clean close
// takes the whole daemon down.
func Serve(servers map[string]*http.Server, gs *gracefulshutdown.GracefulShutdown) {
	for name, server := range servers {
		log := slog.With("server", name)

		server.BaseContext = func(net.Listener) context.Context {
			return gs.Context()
		}

		gs.OnShutdown(func(ctx context.Context) {
			if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("failed to shut down server", "error", err)
				return
			}
			log.Info("server shut down")
		})

		gs.WaitGroup().Add(1)
		go func() {
			defer gs.WaitGroup().Done()
			log.Info("serving", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("server failed", "error", err)
				go gs.Shutdown(1)
			}
		}()
	}

	gs.Ready()
	<-gs.Context().Done()
}
