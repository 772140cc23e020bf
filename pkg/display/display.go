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

// Package display opens and supervises display sessions for running
// machines: a shared-memory client when the machine carries the ivshmem
// region, a generic remote viewer otherwise or as fallback.
package display

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/virtglass/virtglass/internal/metrics"
	"github.com/virtglass/virtglass/pkg/vmm"
)

// Transport identifies how a session reaches the guest framebuffer.
type Transport string

const (
	// TransportLookingGlass is the low-latency shared-memory client.
	TransportLookingGlass Transport = "looking-glass"
	// TransportRemoteViewer is the spice remote viewer fallback.
	TransportRemoteViewer Transport = "remote-viewer"
	// TransportNone means no session is running.
	TransportNone Transport = "none"
)

var (
	// ErrDisplay wraps failures to open or control a session.
	ErrDisplay = errors.New("display session error")

	// ErrNoSession is returned by operations that need a running session.
	ErrNoSession = errors.New("no display session")
)

const (
	// DefaultReadyTimeout bounds the wait for the shared-memory region to
	// appear after machine start.
	DefaultReadyTimeout = 30 * time.Second

	readyInterval = 500 * time.Millisecond

	// stopGrace is how long Stop waits after the interrupt signal before
	// killing the client outright.
	stopGrace = 5 * time.Second
)

// SessionExit reports a client process ending, whether or not Stop was
// called.
type SessionExit struct {
	VM        string
	Transport Transport
	Err       error
}

type session struct {
	vm        string
	transport Transport
	cmd       *exec.Cmd
	done      chan struct{}
	waitErr   error
}

// Manager supervises at most one display session per machine. Sessions are
// child processes; their exits are observed by a per-session goroutine and
// reported on Exits.
type Manager struct {
	store        *vmm.Store
	log          *slog.Logger
	shmDir       string
	connectURI   string
	clientPath   string
	viewerPath   string
	readyTimeout time.Duration

	// newCommand builds the client process. Tests substitute a stub binary.
	newCommand func(ctx context.Context, name string, args ...string) *exec.Cmd

	mu       sync.Mutex
	sessions map[string]*session
	exits    chan SessionExit

	// locks serializes the stop-then-launch sequence per machine, so two
	// concurrent Starts can never leave two clients mapping one region.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithShmDir overrides the shared-memory directory (default /dev/shm).
func WithShmDir(dir string) Option {
	return func(m *Manager) { m.shmDir = dir }
}

// WithConnectURI sets the hypervisor URI handed to the remote viewer.
func WithConnectURI(uri string) Option {
	return func(m *Manager) { m.connectURI = uri }
}

// WithClientPath overrides the shared-memory client binary.
func WithClientPath(path string) Option {
	return func(m *Manager) { m.clientPath = path }
}

// WithViewerPath overrides the remote viewer binary.
func WithViewerPath(path string) Option {
	return func(m *Manager) { m.viewerPath = path }
}

// WithReadyTimeout overrides the shared-memory readiness bound.
func WithReadyTimeout(d time.Duration) Option {
	return func(m *Manager) { m.readyTimeout = d }
}

// WithCommandFactory substitutes process creation, for tests.
func WithCommandFactory(fn func(ctx context.Context, name string, args ...string) *exec.Cmd) Option {
	return func(m *Manager) { m.newCommand = fn }
}

// NewManager creates a display session manager over the machine store.
func NewManager(store *vmm.Store, logger *slog.Logger, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: manager requires a machine store", ErrDisplay)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		store:        store,
		log:          logger,
		shmDir:       "/dev/shm",
		connectURI:   "qemu:///system",
		clientPath:   "looking-glass-client",
		viewerPath:   "virt-viewer",
		readyTimeout: DefaultReadyTimeout,
		newCommand:   exec.CommandContext,
		sessions:     make(map[string]*session),
		exits:        make(chan SessionExit, 16),
		locks:        make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Exits delivers session terminations. The channel is buffered; when the
// consumer lags, exits are dropped with a log line rather than blocking the
// supervising goroutine.
func (m *Manager) Exits() <-chan SessionExit {
	return m.exits
}

// Active reports the transport of the machine's current session.
func (m *Manager) Active(vmName string) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[vmName]; ok {
		return s.transport
	}
	return TransportNone
}

// Start opens a display session for the machine. A second Start for the same
// machine closes the running session first, so there is never more than one
// client mapping the region. The transport actually used is returned:
// shared-memory when the region is configured and becomes ready in time,
// the remote viewer as fallback when the record allows it.
func (m *Manager) Start(ctx context.Context, vmName string) (Transport, error) {
	mu := m.lockFor(vmName)
	mu.Lock()
	defer mu.Unlock()

	record, err := m.store.Load(vmName)
	if err != nil {
		return TransportNone, err
	}

	if err := m.stopLocked(vmName); err != nil && !errors.Is(err, ErrNoSession) {
		return TransportNone, err
	}

	cfg := record.Config

	if cfg.Display.SharedMemory {
		if err := m.waitShmReady(ctx, m.shmPath(vmName)); err != nil {
			if !cfg.Display.AllowFallback {
				return TransportNone, fmt.Errorf("%w: %v", ErrDisplay, err)
			}
			m.log.Warn("shared-memory region not ready, falling back to remote viewer",
				"machine", vmName, "error", err)
			return m.launch(ctx, vmName, TransportRemoteViewer, &cfg)
		}

		transport, err := m.launch(ctx, vmName, TransportLookingGlass, &cfg)
		if err == nil || !cfg.Display.AllowFallback {
			return transport, err
		}
		m.log.Warn("shared-memory client failed to launch, falling back to remote viewer",
			"machine", vmName, "error", err)
	}

	return m.launch(ctx, vmName, TransportRemoteViewer, &cfg)
}

// lockFor returns the mutex serializing session operations on one machine.
func (m *Manager) lockFor(vmName string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[vmName]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[vmName] = mu
	}
	return mu
}

// Stop ends the machine's session. An already-exited client is not an error;
// the session just gets reaped. No session at all returns ErrNoSession.
func (m *Manager) Stop(vmName string) error {
	mu := m.lockFor(vmName)
	mu.Lock()
	defer mu.Unlock()
	return m.stopLocked(vmName)
}

// stopLocked is Stop without the per-machine lock; the caller holds it.
func (m *Manager) stopLocked(vmName string) error {
	m.mu.Lock()
	s, ok := m.sessions[vmName]
	if ok {
		delete(m.sessions, vmName)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: machine %s", ErrNoSession, vmName)
	}

	select {
	case <-s.done:
		return nil
	default:
	}

	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		// Raced with the process exiting on its own.
		m.log.Debug("signal display client", "machine", vmName, "error", err)
	}

	select {
	case <-s.done:
	case <-time.After(stopGrace):
		m.log.Warn("display client ignored interrupt, killing it",
			"machine", vmName, "transport", s.transport)
		_ = s.cmd.Process.Kill()
		<-s.done
	}
	return nil
}

// Close implements the lifecycle controller's display hook. Unlike Stop it
// treats an absent session as success, since it runs unconditionally on
// machine stop and destroy.
func (m *Manager) Close(vmName string) error {
	err := m.Stop(vmName)
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// ToggleFullscreen flips the persisted fullscreen preference and, when a
// session is running, restarts the client with the new mode. The client
// invocation has no runtime toggle, so restart is the mechanism.
func (m *Manager) ToggleFullscreen(ctx context.Context, vmName string) (bool, error) {
	record, err := m.store.Load(vmName)
	if err != nil {
		return false, err
	}

	record.Config.Display.Fullscreen = !record.Config.Display.Fullscreen
	if err := m.store.Save(record); err != nil {
		return false, err
	}

	if m.Active(vmName) != TransportNone {
		if _, err := m.Start(ctx, vmName); err != nil {
			return record.Config.Display.Fullscreen, err
		}
	}
	return record.Config.Display.Fullscreen, nil
}

func (m *Manager) launch(ctx context.Context, vmName string, transport Transport, cfg *vmm.MachineConfig) (Transport, error) {
	var cmd *exec.Cmd
	switch transport {
	case TransportLookingGlass:
		cmd = m.newCommand(ctx, m.clientPath,
			clientArgs(m.shmPath(vmName), cfg)...)
	case TransportRemoteViewer:
		cmd = m.newCommand(ctx, m.viewerPath,
			viewerArgs(m.connectURI, vmName, cfg)...)
	default:
		return TransportNone, fmt.Errorf("%w: unknown transport %q", ErrDisplay, transport)
	}

	if err := cmd.Start(); err != nil {
		return TransportNone, fmt.Errorf("%w: launch %s client for %s: %v",
			ErrDisplay, transport, vmName, err)
	}

	s := &session{
		vm:        vmName,
		transport: transport,
		cmd:       cmd,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.sessions[vmName] = s
	m.mu.Unlock()

	go m.supervise(s)

	metrics.DisplaySessions.WithLabelValues(string(transport)).Inc()
	m.log.Info("display session started",
		"machine", vmName, "transport", transport, "pid", cmd.Process.Pid)
	return transport, nil
}

// supervise waits for the client to exit, reaps the session entry if it is
// still current, and reports the exit.
func (m *Manager) supervise(s *session) {
	s.waitErr = s.cmd.Wait()
	close(s.done)

	m.mu.Lock()
	if cur, ok := m.sessions[s.vm]; ok && cur == s {
		delete(m.sessions, s.vm)
	}
	m.mu.Unlock()

	exit := SessionExit{VM: s.vm, Transport: s.transport, Err: s.waitErr}
	select {
	case m.exits <- exit:
	default:
		m.log.Warn("exit channel full, dropping session exit",
			"machine", s.vm, "transport", s.transport)
	}
	m.log.Info("display session ended",
		"machine", s.vm, "transport", s.transport, "error", s.waitErr)
}

// waitShmReady polls for the shared-memory region. The region appears only
// once the device model maps it, so absence right after start is expected
// and only expiry is an error.
func (m *Manager) waitShmReady(ctx context.Context, path string) error {
	deadline := time.Now().Add(m.readyTimeout)
	for {
		if info, err := os.Stat(path); err == nil && info.Size() > 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("shared-memory region %s not ready after %s", path, m.readyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyInterval):
		}
	}
}

func (m *Manager) shmPath(vmName string) string {
	return filepath.Join(m.shmDir, "virtglass-"+vmName)
}
