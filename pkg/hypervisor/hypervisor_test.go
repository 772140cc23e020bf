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

package hypervisor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"
)

// The mock driver built into libvirt ships a predefined domain named "test",
// which makes it a hermetic backend for connection-level tests.
const testURI = "test:///default"

func TestConnectIsIdempotent(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Connect())
	require.NoError(t, c.Connect())
}

func TestWithConnectionConnectsLazily(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	err := c.WithConnection(func(conn *libvirt.Connect) error {
		dom, err := conn.LookupDomainByName("test")
		if err != nil {
			return err
		}
		return dom.Free()
	})
	require.NoError(t, err)
}

func TestWithConnectionPassesThroughOperationErrors(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	sentinel := errors.New("operation failed")
	err := c.WithConnection(func(*libvirt.Connect) error {
		return fmt.Errorf("wrapped: %w", sentinel)
	})
	require.ErrorIs(t, err, sentinel)
}

func TestWithConnectionRetriesOnce(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	calls := 0
	err := c.WithConnection(func(*libvirt.Connect) error {
		calls++
		if calls == 1 {
			return libvirt.Error{Code: libvirt.ERR_RPC, Message: "injected"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestWithConnectionGivesUpAfterRetry(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	calls := 0
	err := c.WithConnection(func(*libvirt.Connect) error {
		calls++
		return libvirt.Error{Code: libvirt.ERR_RPC, Message: "injected"}
	})
	require.ErrorIs(t, err, ErrConnection)
	assert.Equal(t, 2, calls, "exactly one retry")
}

func TestLifecycleEventsSurviveReconnect(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	events := make(chan LifecycleEvent, 8)
	require.NoError(t, c.SubscribeLifecycle(func(ev LifecycleEvent) {
		events <- ev
	}))

	// Trip the reconnect path; the replacement handle carries no callback
	// registrations of its own, so the stream must be re-registered on it.
	calls := 0
	err := c.WithConnection(func(*libvirt.Connect) error {
		calls++
		if calls == 1 {
			return libvirt.Error{Code: libvirt.ERR_RPC, Message: "injected"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	err = c.WithConnection(func(conn *libvirt.Connect) error {
		dom, err := conn.DomainCreateXML(`<domain type='test'>
  <name>ephemeral</name>
  <memory unit='MiB'>64</memory>
  <os><type>hvm</type></os>
</domain>`, 0)
		if err != nil {
			return err
		}
		return dom.Free()
	})
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Domain == "ephemeral" && ev.Type == libvirt.DOMAIN_EVENT_STARTED {
				return
			}
		case <-deadline:
			t.Fatal("no lifecycle event observed after reconnect")
		}
	}
}

func TestLookupAbsentDomainIsNotFound(t *testing.T) {
	c := New(testURI, nil)
	t.Cleanup(func() { _ = c.Close() })

	err := c.WithConnection(func(conn *libvirt.Connect) error {
		_, err := conn.LookupDomainByName("no-such-domain")
		return err
	})
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.False(t, isConnectionError(err), "absent domain must not trigger a reconnect")
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no connect", libvirt.Error{Code: libvirt.ERR_NO_CONNECT}, true},
		{"invalid conn", libvirt.Error{Code: libvirt.ERR_INVALID_CONN}, true},
		{"rpc", libvirt.Error{Code: libvirt.ERR_RPC}, true},
		{"system error", libvirt.Error{Code: libvirt.ERR_SYSTEM_ERROR}, true},
		{"no domain", libvirt.Error{Code: libvirt.ERR_NO_DOMAIN}, false},
		{"wrapped", fmt.Errorf("call: %w", libvirt.Error{Code: libvirt.ERR_RPC}), true},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, IsNotFound(libvirt.Error{Code: libvirt.ERR_NO_DOMAIN}))
	assert.True(t, IsNotFound(fmt.Errorf("machine x: %w", ErrNotFound)))
	assert.False(t, IsNotFound(libvirt.Error{Code: libvirt.ERR_RPC}))
	assert.False(t, IsNotFound(errors.New("boom")))
}
