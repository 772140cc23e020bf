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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtglass/virtglass/pkg/hypervisor"
)

// fakeBinder satisfies Binder without touching sysfs.
type fakeBinder struct {
	iommu    bool
	advisory string
	dirty    bool
	groupID  int
	audio    string
}

func (f *fakeBinder) BindForPassthrough(string, bool, bool) ([]string, []string, error) {
	return nil, nil, nil
}

func (f *fakeBinder) ReleaseFromPassthrough(string) []string { return nil }

func (f *fakeBinder) QuirkAdvisory(string) string { return f.advisory }

func (f *fakeBinder) IOMMUEnabled() (bool, error) { return f.iommu, nil }

func (f *fakeBinder) GroupCleanliness(string) (bool, int, error) {
	return !f.dirty, f.groupID, nil
}

func (f *fakeBinder) CompanionAudio(string) (string, bool) {
	return f.audio, f.audio != ""
}

func newTestManager(t *testing.T, binder Binder) *Manager {
	t.Helper()
	if binder == nil {
		binder = &fakeBinder{iommu: true}
	}
	conn := hypervisor.New(hypervisor.DefaultURI, nil)
	m, err := NewManager(conn, binder, newTestStore(t), nil,
		WithDiskDir(t.TempDir()), WithShmDir(t.TempDir()))
	require.NoError(t, err)
	return m
}

func validConfig(t *testing.T) MachineConfig {
	t.Helper()
	return MachineConfig{
		Name:     "dev-box",
		OS:       OSLinux,
		VCPUs:    2,
		MemoryMB: 2048,
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	m := newTestManager(t, nil)

	cfg := validConfig(t)
	cfg.Display.SharedMemory = true
	require.NoError(t, m.Validate(&cfg))

	assert.Equal(t, "default", cfg.Network)
	assert.Equal(t, uint(defaultDiskSize), cfg.DiskSizeGB)
	assert.Equal(t, uint(DefaultSharedMemoryMB), cfg.Display.SharedMemoryMB)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*MachineConfig)
		binder  Binder
		wantMsg string
	}{
		{
			name:    "empty name",
			mutate:  func(c *MachineConfig) { c.Name = "" },
			wantMsg: "name",
		},
		{
			name:    "leading dash",
			mutate:  func(c *MachineConfig) { c.Name = "-dev" },
			wantMsg: "name",
		},
		{
			name:    "name too long",
			mutate:  func(c *MachineConfig) { c.Name = strings.Repeat("a", 70) },
			wantMsg: "name",
		},
		{
			name:    "memory below floor",
			mutate:  func(c *MachineConfig) { c.MemoryMB = 128 },
			wantMsg: "below the 256 MiB floor",
		},
		{
			name:    "zero vcpus",
			mutate:  func(c *MachineConfig) { c.VCPUs = 0 },
			wantMsg: "vcpus",
		},
		{
			name:    "unsupported os",
			mutate:  func(c *MachineConfig) { c.OS = "plan9" },
			wantMsg: "unsupported os type",
		},
		{
			name:    "missing iso",
			mutate:  func(c *MachineConfig) { c.ISOPath = "/does/not/exist.iso" },
			wantMsg: "iso",
		},
		{
			name:    "bad gpu address",
			mutate:  func(c *MachineConfig) { c.GPUAddress = "not-a-bdf" },
			wantMsg: "invalid pci address",
		},
		{
			name:    "gpu without iommu",
			mutate:  func(c *MachineConfig) { c.GPUAddress = "0000:65:00.0" },
			binder:  &fakeBinder{iommu: false},
			wantMsg: "iommu",
		},
		{
			name:    "gpu in shared group",
			mutate:  func(c *MachineConfig) { c.GPUAddress = "0000:65:00.0" },
			binder:  &fakeBinder{iommu: true, dirty: true, groupID: 21},
			wantMsg: "shares iommu group 21",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t, tt.binder)

			cfg := validConfig(t)
			tt.mutate(&cfg)

			err := m.Validate(&cfg)
			require.ErrorIs(t, err, ErrValidation)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	m := newTestManager(t, nil)

	cfg := validConfig(t)
	cfg.Name = "-bad"
	cfg.MemoryMB = 1
	cfg.VCPUs = 0

	err := m.Validate(&cfg)
	require.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "name")
	assert.Contains(t, err.Error(), "memory")
	assert.Contains(t, err.Error(), "vcpus")
}

func TestValidateAcceptsGPUWithIOMMU(t *testing.T) {
	m := newTestManager(t, &fakeBinder{iommu: true})

	cfg := validConfig(t)
	cfg.GPUAddress = "0000:65:00.0"
	require.NoError(t, m.Validate(&cfg))
}

func TestValidateCanonicalizesGPUAddress(t *testing.T) {
	m := newTestManager(t, &fakeBinder{iommu: true})

	cfg := validConfig(t)
	cfg.GPUAddress = "65:00.0"
	require.NoError(t, m.Validate(&cfg))
	assert.Equal(t, "0000:65:00.0", cfg.GPUAddress)
}

func TestValidateDirtyGroupOverride(t *testing.T) {
	m := newTestManager(t, &fakeBinder{iommu: true, dirty: true, groupID: 21})

	cfg := validConfig(t)
	cfg.GPUAddress = "0000:65:00.0"
	cfg.AllowUnsafeGroup = true
	require.NoError(t, m.Validate(&cfg))
}

func TestPrecreateShm(t *testing.T) {
	m := newTestManager(t, nil)

	cfg := validConfig(t)
	cfg.Display.SharedMemory = true
	cfg.Display.SharedMemoryMB = 16

	path, warn := m.precreateShm(&cfg)
	assert.Empty(t, warn)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(16*1024*1024), info.Size())
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
}

func TestPassthroughAddresses(t *testing.T) {
	m := newTestManager(t, nil)

	cfg := validConfig(t)
	addrs, err := m.passthroughAddresses(&cfg)
	require.NoError(t, err)
	assert.Empty(t, addrs)

	cfg.GPUAddress = "0000:65:00.0"
	addrs, err = m.passthroughAddresses(&cfg)
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	assert.Equal(t, "0000:65:00.0", addrs[0].String())

	cfg.IncludeGPUAudio = true
	addrs, err = m.passthroughAddresses(&cfg)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "0000:65:00.1", addrs[1].String())
}

func TestPassthroughAddressesResolvesCompanionAudio(t *testing.T) {
	m := newTestManager(t, &fakeBinder{iommu: true, audio: "0000:65:00.2"})

	cfg := validConfig(t)
	cfg.GPUAddress = "0000:65:00.0"
	cfg.IncludeGPUAudio = true

	addrs, err := m.passthroughAddresses(&cfg)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	assert.Equal(t, "0000:65:00.2", addrs[1].String())
}

func TestProvisionAgentCredentials(t *testing.T) {
	m := newTestManager(t, nil)

	cfg := validConfig(t)
	creds, err := m.provisionAgentCredentials(&cfg)
	require.NoError(t, err)
	assert.Nil(t, creds)

	cfg.Agent.VsockCID = 42
	creds, err = m.provisionAgentCredentials(&cfg)
	require.NoError(t, err)
	require.NotNil(t, creds)

	for _, path := range []string{
		creds.CAPath, creds.CertPath, creds.KeyPath,
		creds.AgentCertPath, creds.AgentKeyPath,
	} {
		_, err := os.Stat(path)
		assert.NoError(t, err, path)
	}
	assert.Equal(t, m.store.CredentialsDir(cfg.Name), creds.Dir)
}

func TestCleanupBuildRemovesArtifacts(t *testing.T) {
	m := newTestManager(t, nil)

	diskPath := filepath.Join(t.TempDir(), "dev-box.qcow2")
	require.NoError(t, os.WriteFile(diskPath, []byte("stub"), 0o644))

	machine := &Machine{Name: "dev-box", DiskPath: diskPath}
	m.cleanupBuild(machine)

	_, err := os.Stat(diskPath)
	assert.True(t, os.IsNotExist(err))
}
