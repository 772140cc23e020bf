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
	"testing"

	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirt"

	"github.com/virtglass/virtglass/pkg/hypervisor"
)

// newMockManager runs the manager against libvirt's built-in mock driver,
// which accepts definitions of type 'test' and leaves them shut off.
func newMockManager(t *testing.T) *Manager {
	t.Helper()

	conn := hypervisor.New("test:///default", nil)
	t.Cleanup(func() { _ = conn.Close() })

	m, err := NewManager(conn, &fakeBinder{iommu: true}, newTestStore(t), nil,
		WithDiskDir(t.TempDir()), WithShmDir(t.TempDir()))
	require.NoError(t, err)
	return m
}

func defineMockDomain(t *testing.T, m *Manager, name string) {
	t.Helper()

	xml := `<domain type='test'>
  <name>` + name + `</name>
  <memory unit='MiB'>64</memory>
  <os><type>hvm</type></os>
</domain>`
	require.NoError(t, m.conn.WithConnection(func(conn *libvirt.Connect) error {
		dom, err := conn.DomainDefineXML(xml)
		if err != nil {
			return err
		}
		return dom.Free()
	}))
}

func TestStopRebootRequiresRunningMachine(t *testing.T) {
	m := newMockManager(t)
	defineMockDomain(t, m, "box")

	err := m.Stop("box", StopReboot, 0)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStopShutOffMachineIsNoop(t *testing.T) {
	m := newMockManager(t)
	defineMockDomain(t, m, "box")

	require.NoError(t, m.Stop("box", StopGraceful, 0))
	require.NoError(t, m.Stop("box", StopForce, 0))
}

func TestPauseRequiresRunningMachine(t *testing.T) {
	m := newMockManager(t)
	defineMockDomain(t, m, "box")

	err := m.Pause("box")
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestStopUnknownMachine(t *testing.T) {
	m := newMockManager(t)

	err := m.Stop("ghost", StopGraceful, 0)
	require.Error(t, err)
	require.True(t, hypervisor.IsNotFound(err))
}
