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

package vmm

import (
	"fmt"
	"log/slog"
	"sync"

	"libvirt.org/go/libvirt"

	"github.com/virtglass/virtglass/pkg/hypervisor"
)

const (
	defaultDiskDir = "/var/lib/virtglass/disks"
	defaultShmDir  = "/dev/shm"
)

// DisplayCloser lets the lifecycle controller close a machine's display
// session before shutting the machine down, without depending on the display
// package directly.
type DisplayCloser interface {
	Close(vmName string) error
}

// NetworkEnsurer makes sure the libvirt network a machine references exists
// and is active before the machine starts.
type NetworkEnsurer interface {
	Ensure(name string) error
}

// Manager owns machine definitions and their lifecycle. Per-machine state is
// serialized with a keyed lock so operations on different machines never
// block one another; the hypervisor handle itself is guarded inside
// hypervisor.Connection.
type Manager struct {
	conn    *hypervisor.Connection
	binder  Binder
	store   *Store
	log     *slog.Logger
	diskDir string
	shmDir  string
	display DisplayCloser
	network NetworkEnsurer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Binder is the passthrough surface the manager drives around machine start
// and teardown. Satisfied by *passthrough.Binder; tests substitute fakes.
type Binder interface {
	BindForPassthrough(address string, includeAudio, allowUnsafeGroup bool) (bound []string, warnings []string, err error)
	ReleaseFromPassthrough(address string) (warnings []string)
	QuirkAdvisory(address string) string
	IOMMUEnabled() (bool, error)
	GroupCleanliness(address string) (clean bool, groupID int, err error)
	CompanionAudio(address string) (audioAddress string, ok bool)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDiskDir overrides where disk images are provisioned.
func WithDiskDir(dir string) ManagerOption {
	return func(m *Manager) { m.diskDir = dir }
}

// WithShmDir overrides the shared-memory directory (default /dev/shm).
func WithShmDir(dir string) ManagerOption {
	return func(m *Manager) { m.shmDir = dir }
}

// WithDisplayCloser wires the display manager's session teardown into stop
// and destroy.
func WithDisplayCloser(d DisplayCloser) ManagerOption {
	return func(m *Manager) { m.display = d }
}

// WithNetworkEnsurer wires the libvirt network check into start.
func WithNetworkEnsurer(n NetworkEnsurer) ManagerOption {
	return func(m *Manager) { m.network = n }
}

// NewManager creates a Manager. conn, binder and store are required.
func NewManager(
	conn *hypervisor.Connection,
	binder Binder,
	store *Store,
	logger *slog.Logger,
	opts ...ManagerOption,
) (*Manager, error) {
	if conn == nil || binder == nil || store == nil {
		return nil, fmt.Errorf("%w: manager requires a connection, binder and store", ErrValidation)
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{
		conn:    conn,
		binder:  binder,
		store:   store,
		log:     logger,
		diskDir: defaultDiskDir,
		shmDir:  defaultShmDir,
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// lockFor returns the mutex serializing operations on one machine.
func (m *Manager) lockFor(name string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[name] = mu
	}
	return mu
}

// withDomain runs fn against the named domain, holding the connection lock.
// An absent domain surfaces as hypervisor.ErrNotFound with the machine name
// attached.
func (m *Manager) withDomain(name string, fn func(*libvirt.Domain) error) error {
	return m.conn.WithConnection(func(conn *libvirt.Connect) error {
		dom, err := conn.LookupDomainByName(name)
		if err != nil {
			if hypervisor.IsNotFound(err) {
				return fmt.Errorf("%w: machine %s", hypervisor.ErrNotFound, name)
			}
			return fmt.Errorf("lookup machine %s: %w", name, err)
		}
		defer func() { _ = dom.Free() }()
		return fn(dom)
	})
}

func (m *Manager) shmName(name string) string {
	return "virtglass-" + name
}

func (m *Manager) shmPath(name string) string {
	return m.shmDir + "/" + m.shmName(name)
}
