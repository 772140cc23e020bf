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

package gracefulshutdown_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtglass/virtglass/internal/util/gracefulshutdown"
)

func TestNew(t *testing.T) {
	gs := gracefulshutdown.NewWithExit("test", func(int) {})
	require.NotNil(t, gs)

	ctx := gs.Context()
	require.NotNil(t, ctx)
	assert.NoError(t, ctx.Err(), "context must not start cancelled")
	assert.NotNil(t, gs.CancelFunc())
	assert.NotNil(t, gs.WaitGroup())
}

func TestShutdownCallsExit(t *testing.T) {
	tests := []struct {
		name     string
		exitCode int
		tracked  int
	}{
		{"exit code zero", 0, 0},
		{"exit code one", 1, 0},
		{"waits for tracked goroutines", 0, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotCode int
			called := false
			gs := gracefulshutdown.NewWithExit("test", func(code int) {
				gotCode = code
				called = true
			})

			for i := 0; i < tt.tracked; i++ {
				gs.WaitGroup().Add(1)
				go func() {
					time.Sleep(10 * time.Millisecond)
					gs.WaitGroup().Done()
				}()
			}

			gs.Shutdown(tt.exitCode)

			assert.True(t, called)
			assert.Equal(t, tt.exitCode, gotCode)
			assert.Error(t, gs.Context().Err(), "context must be cancelled")
		})
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	exits := 0
	gs := gracefulshutdown.NewWithExit("test", func(int) {
		mu.Lock()
		defer mu.Unlock()
		exits++
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(code int) {
			defer wg.Done()
			gs.Shutdown(code)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, exits, "exit must run exactly once")
}

func TestShutdownRunsHooksBeforeExit(t *testing.T) {
	var order []string
	var mu sync.Mutex
	record := func(step string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, step)
	}

	gs := gracefulshutdown.NewWithExit("test", func(int) { record("exit") })
	gs.OnShutdown(func(ctx context.Context) {
		require.NotNil(t, ctx)
		assert.NoError(t, ctx.Err(), "hook context carries the grace period")
		record("hook")
	})

	gs.Shutdown(0)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hook", "exit"}, order)
}

func TestCancelTriggersAutoShutdown(t *testing.T) {
	done := make(chan struct{})
	gs := gracefulshutdown.NewWithExit("test", func(int) { close(done) })
	gs.Ready()

	gs.CancelFunc()()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("auto-shutdown never ran after cancellation")
	}
}
