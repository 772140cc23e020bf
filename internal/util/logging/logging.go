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

// Package logging provides shared logging setup for all virtglass binaries.
// It uses log/slog with a JSON handler in production and a text handler in
// development mode.
package logging

import (
	"log/slog"
	"os"
)

// Options configures the logger behavior.
type Options struct {
	// Development enables development mode logging (text handler, more verbose).
	Development bool

	// Level sets the minimum log level. Defaults to slog.LevelInfo.
	Level slog.Level
}

// DefaultOptions returns the default logging options.
func DefaultOptions() Options {
	return Options{
		Development: false,
		Level:       slog.LevelInfo,
	}
}

// Setup configures the default slog logger and returns it.
// This must be called early in main() before any component logs.
func Setup(opts Options) *slog.Logger {
	var handler slog.Handler
	if opts.Development {
		// Text handler for development (more readable)
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: opts.Level,
		})
	} else {
		// JSON handler for production (structured, machine-readable)
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: opts.Level,
		})
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger
}

// SetupDefault sets up logging with default options.
func SetupDefault() *slog.Logger {
	return Setup(DefaultOptions())
}

// SetupDevelopment sets up logging in development mode.
func SetupDevelopment() *slog.Logger {
	return Setup(Options{
		Development: true,
		Level:       slog.LevelDebug,
	})
}
