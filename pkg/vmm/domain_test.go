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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"

	"github.com/virtglass/virtglass/pkg/passthrough"
)

func renderAndParse(t *testing.T, p domainParams) *libvirtxml.Domain {
	t.Helper()
	xml, err := renderDomain(p)
	require.NoError(t, err)

	var domain libvirtxml.Domain
	require.NoError(t, domain.Unmarshal(xml))
	return &domain
}

func baseParams() domainParams {
	cfg := MachineConfig{
		Name:     "dev-box",
		OS:       OSLinux,
		VCPUs:    4,
		MemoryMB: 4096,
	}
	cfg.applyDefaults()
	return domainParams{
		config:   cfg,
		uuid:     "8a6e0804-2bd0-4672-b79d-d97027f9071a",
		diskPath: "/var/lib/virtglass/disks/dev-box.qcow2",
		shmName:  "virtglass-dev-box",
	}
}

func TestRenderDomainLinux(t *testing.T) {
	domain := renderAndParse(t, baseParams())

	assert.Equal(t, "kvm", domain.Type)
	assert.Equal(t, "dev-box", domain.Name)
	assert.Equal(t, "8a6e0804-2bd0-4672-b79d-d97027f9071a", domain.UUID)
	assert.Equal(t, uint(4096), domain.Memory.Value)
	assert.Equal(t, uint(4), domain.VCPU.Value)
	assert.Equal(t, "q35", domain.OS.Type.Machine)
	assert.Equal(t, "host-passthrough", domain.CPU.Mode)
	assert.Equal(t, "utc", domain.Clock.Offset)
	assert.Equal(t, "destroy", domain.OnPoweroff)
	assert.Equal(t, "restart", domain.OnReboot)

	require.NotNil(t, domain.Features)
	assert.NotNil(t, domain.Features.ACPI)
	assert.Nil(t, domain.Features.HyperV, "hyperv enlightenments are windows-only")
	assert.Nil(t, domain.Features.KVM, "kvm stays visible without passthrough")

	require.Len(t, domain.Devices.Disks, 1)
	disk := domain.Devices.Disks[0]
	assert.Equal(t, "qcow2", disk.Driver.Type)
	assert.Equal(t, "vda", disk.Target.Dev)
	assert.Equal(t, "virtio", disk.Target.Bus)

	require.Len(t, domain.Devices.Interfaces, 1)
	assert.Equal(t, "default", domain.Devices.Interfaces[0].Source.Network.Network)

	require.Len(t, domain.Devices.Videos, 1)
	assert.Equal(t, "virtio", domain.Devices.Videos[0].Model.Type)
	assert.Empty(t, domain.Devices.Hostdevs)

	require.Len(t, domain.Devices.Graphics, 1)
	require.NotNil(t, domain.Devices.Graphics[0].Spice)
	assert.Equal(t, "yes", domain.Devices.Graphics[0].Spice.AutoPort)
}

func TestRenderDomainAgentChannel(t *testing.T) {
	domain := renderAndParse(t, baseParams())

	require.Len(t, domain.Devices.Channels, 1)
	channel := domain.Devices.Channels[0]
	require.NotNil(t, channel.Target.VirtIO)
	assert.Equal(t, AgentChannelName, channel.Target.VirtIO.Name)
	require.NotNil(t, channel.Source.UNIX)
	assert.Equal(t, "/run/virtglass/dev-box.sock", channel.Source.UNIX.Path)
	assert.Equal(t, "bind", channel.Source.UNIX.Mode)
}

func TestRenderDomainWindowsPassthrough(t *testing.T) {
	p := baseParams()
	p.config.OS = OSWindows
	p.gpus = []passthrough.Address{
		{Bus: 0x65},
		{Bus: 0x65, Function: 1},
	}

	domain := renderAndParse(t, p)

	assert.Equal(t, "localtime", domain.Clock.Offset)

	require.NotNil(t, domain.Features.HyperV)
	assert.Equal(t, "on", domain.Features.HyperV.Relaxed.State)
	require.NotNil(t, domain.Features.HyperV.Spinlocks)
	assert.Equal(t, uint(8191), domain.Features.HyperV.Spinlocks.Retries)

	require.NotNil(t, domain.Features.KVM, "gpu drivers need the hypervisor hidden")
	assert.Equal(t, "on", domain.Features.KVM.Hidden.State)

	require.Len(t, domain.Devices.Hostdevs, 2)
	gpu := domain.Devices.Hostdevs[0]
	assert.Equal(t, "no", gpu.Managed)
	require.NotNil(t, gpu.SubsysPCI)
	addr := gpu.SubsysPCI.Source.Address
	assert.Equal(t, uint(0x65), *addr.Bus)
	assert.Equal(t, uint(0), *addr.Function)

	audio := domain.Devices.Hostdevs[1].SubsysPCI.Source.Address
	assert.Equal(t, uint(1), *audio.Function)

	assert.Empty(t, domain.Devices.Videos, "emulated video is dropped with passthrough")
}

func TestRenderDomainSharedMemory(t *testing.T) {
	p := baseParams()
	p.config.Display.SharedMemory = true
	p.config.Display.SharedMemoryMB = DefaultSharedMemoryMB

	domain := renderAndParse(t, p)

	require.Len(t, domain.Devices.Shmems, 1)
	shmem := domain.Devices.Shmems[0]
	assert.Equal(t, "virtglass-dev-box", shmem.Name)
	assert.Equal(t, "ivshmem-plain", shmem.Model.Type)
	require.NotNil(t, shmem.Size)
	assert.Equal(t, uint(128), shmem.Size.Value)
	assert.Equal(t, "M", shmem.Size.Unit)
}

func TestRenderDomainISO(t *testing.T) {
	p := baseParams()
	p.config.ISOPath = "/isos/install.iso"

	domain := renderAndParse(t, p)

	require.Len(t, domain.Devices.Disks, 2)
	cdrom := domain.Devices.Disks[1]
	assert.Equal(t, "cdrom", cdrom.Device)
	assert.Equal(t, "sata", cdrom.Target.Bus)
	assert.NotNil(t, cdrom.ReadOnly)

	require.Len(t, domain.OS.BootDevices, 2)
	assert.Equal(t, "hd", domain.OS.BootDevices[0].Dev)
	assert.Equal(t, "cdrom", domain.OS.BootDevices[1].Dev)
}
