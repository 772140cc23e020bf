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

// Package hypervisor owns the shared libvirt connection used by every other
// component. The underlying handle is not safe for uncoordinated callers, so
// all access goes through WithConnection which holds a single lock and
// transparently reconnects once when libvirt reports a connection-level
// failure.
package hypervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"libvirt.org/go/libvirt"
)

const DefaultURI = "qemu:///system"

var (
	// ErrConnection is returned when the virtualization backend is
	// unreachable and a single reconnect attempt did not recover it.
	ErrConnection = errors.New("hypervisor connection failed")

	// ErrNotFound is returned when a named domain does not exist.
	ErrNotFound = errors.New("domain not found")
)

// Connection wraps a libvirt handle with reconnect-once semantics.
type Connection struct {
	uri string
	log *slog.Logger

	mu   sync.Mutex
	conn *libvirt.Connect

	events *eventStream
}

// New creates a Connection for the given URI. The connection is established
// lazily on the first Connect or WithConnection call. An empty URI selects
// qemu:///system.
func New(uri string, logger *slog.Logger) *Connection {
	if uri == "" {
		uri = DefaultURI
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		uri: uri,
		log: logger,
	}
}

// Connect establishes the libvirt connection. Calling Connect on an already
// connected and alive handle is a no-op.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Connection) connectLocked() error {
	if c.conn != nil {
		if alive, err := c.conn.IsAlive(); err == nil && alive {
			return nil
		}
		// Stale handle, drop it before reconnecting.
		c.dropLocked()
	}

	conn, err := libvirt.NewConnect(c.uri)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrConnection, c.uri, err)
	}

	c.conn = conn

	// A fresh handle carries no event registrations; restore the lifecycle
	// stream so subscribers keep receiving events across reconnects.
	if c.events != nil {
		if rerr := c.events.register(conn); rerr != nil {
			c.log.Warn("failed to restore lifecycle events after reconnect", "error", rerr)
		}
	}

	c.log.Debug("connected to hypervisor", "uri", c.uri)
	return nil
}

// dropLocked deregisters events from and closes the current handle. Caller
// holds c.mu.
func (c *Connection) dropLocked() {
	if c.conn == nil {
		return
	}
	if c.events != nil {
		_ = c.conn.DomainEventDeregister(c.events.callbackID)
	}
	_, _ = c.conn.Close()
	c.conn = nil
}

// Close closes the libvirt connection and stops event dispatch.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.events != nil {
		c.events.stop()
		c.events = nil
	}

	if c.conn == nil {
		return nil
	}
	_, err := c.conn.Close()
	c.conn = nil
	return err
}

// WithConnection runs fn against a live libvirt handle. If fn fails with a
// connection-level libvirt error the connection is re-established once and fn
// retried; a second failure is surfaced wrapped in ErrConnection. Any other
// error from fn is returned untouched.
func (c *Connection) WithConnection(fn func(*libvirt.Connect) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return err
	}

	err := fn(c.conn)
	if err == nil || !isConnectionError(err) {
		return err
	}

	c.log.Warn("hypervisor call failed with connection error, reconnecting once", "error", err)

	c.dropLocked()
	if cerr := c.connectLocked(); cerr != nil {
		return errors.Join(cerr, err)
	}

	if err := fn(c.conn); err != nil {
		if isConnectionError(err) {
			return fmt.Errorf("%w: retry failed: %v", ErrConnection, err)
		}
		return err
	}
	return nil
}

// isConnectionError reports whether err is a libvirt error indicating the
// connection itself is broken, as opposed to an operation-level failure.
func isConnectionError(err error) bool {
	var lverr libvirt.Error
	if !errors.As(err, &lverr) {
		return false
	}
	switch lverr.Code {
	case libvirt.ERR_NO_CONNECT,
		libvirt.ERR_INVALID_CONN,
		libvirt.ERR_RPC,
		libvirt.ERR_INTERNAL_ERROR,
		libvirt.ERR_SYSTEM_ERROR:
		return true
	}
	return false
}

// IsNotFound reports whether err is libvirt's "no such domain" error.
// Lookups of absent domains are the one benign backend error class that
// callers are expected to handle; everything else propagates.
func IsNotFound(err error) bool {
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		return lverr.Code == libvirt.ERR_NO_DOMAIN
	}
	return errors.Is(err, ErrNotFound)
}
