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

	"libvirt.org/go/libvirtxml"

	"github.com/virtglass/virtglass/pkg/passthrough"
)

// AgentChannelName is the virtio-serial channel the in-guest agent attaches
// to. Both ends of the guest channel protocol depend on it.
const AgentChannelName = "org.virtglass.agent.0"

// AgentSocketPath returns the host-side unix socket backing the agent
// channel for a machine.
func AgentSocketPath(name string) string {
	return fmt.Sprintf("/run/virtglass/%s.sock", name)
}

// domainParams carries the resolved inputs for rendering a definition.
// IDs are generated fresh per build and never reused.
type domainParams struct {
	config   MachineConfig
	uuid     string
	diskPath string
	shmName  string
	gpus     []passthrough.Address
}

// renderDomain turns the resolved parameters into a backend definition
// document. The template family is selected by OS type and whether a GPU is
// passed through.
func renderDomain(p domainParams) (string, error) {
	cfg := p.config
	passthru := len(p.gpus) > 0

	domain := &libvirtxml.Domain{
		Type: "kvm",
		Name: cfg.Name,
		UUID: p.uuid,
		Memory: &libvirtxml.DomainMemory{
			Value: cfg.MemoryMB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Value: cfg.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch:    "x86_64",
				Machine: "q35",
				Type:    "hvm",
			},
			BootDevices: bootDevices(cfg),
		},
		Features: featureList(cfg.OS, passthru),
		CPU: &libvirtxml.DomainCPU{
			Mode: "host-passthrough",
		},
		Clock:      clockFor(cfg.OS),
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices:    deviceList(p, passthru),
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal domain XML for %s: %w", cfg.Name, err)
	}
	return xml, nil
}

func bootDevices(cfg MachineConfig) []libvirtxml.DomainBootDevice {
	devices := []libvirtxml.DomainBootDevice{{Dev: "hd"}}
	if cfg.ISOPath != "" {
		// Installer media boots first only when the disk is still empty;
		// libvirt falls through to it after the hd entry fails.
		devices = append(devices, libvirtxml.DomainBootDevice{Dev: "cdrom"})
	}
	return devices
}

// featureList is the (OS type x passthrough) half of template selection.
// Windows guests get the Hyper-V enlightenments; passthrough guests hide KVM
// because some GPU guest drivers refuse to initialize inside a visible
// hypervisor.
func featureList(os OSType, passthru bool) *libvirtxml.DomainFeatureList {
	features := &libvirtxml.DomainFeatureList{
		ACPI: &libvirtxml.DomainFeature{},
		APIC: &libvirtxml.DomainFeatureAPIC{},
	}

	if os == OSWindows {
		features.HyperV = &libvirtxml.DomainFeatureHyperV{
			Relaxed: &libvirtxml.DomainFeatureState{State: "on"},
			VAPIC:   &libvirtxml.DomainFeatureState{State: "on"},
			Spinlocks: &libvirtxml.DomainFeatureHyperVSpinlocks{
				DomainFeatureState: libvirtxml.DomainFeatureState{State: "on"},
				Retries:            8191,
			},
		}
	}

	if passthru {
		features.KVM = &libvirtxml.DomainFeatureKVM{
			Hidden: &libvirtxml.DomainFeatureState{State: "on"},
		}
	}

	return features
}

func clockFor(os OSType) *libvirtxml.DomainClock {
	if os == OSWindows {
		return &libvirtxml.DomainClock{Offset: "localtime"}
	}
	return &libvirtxml.DomainClock{Offset: "utc"}
}

func deviceList(p domainParams, passthru bool) *libvirtxml.DomainDeviceList {
	cfg := p.config

	devices := &libvirtxml.DomainDeviceList{
		Disks: []libvirtxml.DomainDisk{
			{
				Device: "disk",
				Driver: &libvirtxml.DomainDiskDriver{
					Name: "qemu",
					Type: "qcow2",
				},
				Source: &libvirtxml.DomainDiskSource{
					File: &libvirtxml.DomainDiskSourceFile{
						File: p.diskPath,
					},
				},
				Target: &libvirtxml.DomainDiskTarget{
					Dev: "vda",
					Bus: "virtio",
				},
			},
		},
		Interfaces: []libvirtxml.DomainInterface{
			{
				Source: &libvirtxml.DomainInterfaceSource{
					Network: &libvirtxml.DomainInterfaceSourceNetwork{
						Network: cfg.Network,
					},
				},
				Model: &libvirtxml.DomainInterfaceModel{
					Type: "virtio",
				},
			},
		},
		Consoles: []libvirtxml.DomainConsole{
			{
				Target: &libvirtxml.DomainConsoleTarget{
					Type: "serial",
					Port: ptr(uint(0)),
				},
				Source: &libvirtxml.DomainChardevSource{
					Pty: &libvirtxml.DomainChardevSourcePty{},
				},
			},
		},
		Channels: []libvirtxml.DomainChannel{
			{
				// Point-to-point channel for the in-guest agent.
				Source: &libvirtxml.DomainChardevSource{
					UNIX: &libvirtxml.DomainChardevSourceUNIX{
						Mode: "bind",
						Path: AgentSocketPath(cfg.Name),
					},
				},
				Target: &libvirtxml.DomainChannelTarget{
					VirtIO: &libvirtxml.DomainChannelTargetVirtIO{
						Name: AgentChannelName,
					},
				},
			},
		},
		RNGs: []libvirtxml.DomainRNG{
			{
				Model: "virtio",
				Backend: &libvirtxml.DomainRNGBackend{
					Random: &libvirtxml.DomainRNGBackendRandom{
						Device: "/dev/urandom",
					},
				},
			},
		},
		// Spice stays available even with a shared-memory display so the
		// fallback remote viewer always has something to attach to.
		Graphics: []libvirtxml.DomainGraphic{
			{
				Spice: &libvirtxml.DomainGraphicSpice{
					AutoPort: "yes",
				},
			},
		},
	}

	if cfg.ISOPath != "" {
		devices.Disks = append(devices.Disks, libvirtxml.DomainDisk{
			Device: "cdrom",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "raw",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{
					File: cfg.ISOPath,
				},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "sdb",
				Bus: "sata",
			},
			ReadOnly: &libvirtxml.DomainDiskReadOnly{},
		})
	}

	if passthru {
		for _, addr := range p.gpus {
			devices.Hostdevs = append(devices.Hostdevs, hostdevFor(addr))
		}
	} else {
		devices.Videos = []libvirtxml.DomainVideo{
			{
				Model: libvirtxml.DomainVideoModel{
					Type: "virtio",
				},
			},
		}
	}

	if cfg.Display.SharedMemory {
		devices.Shmems = []libvirtxml.DomainShmem{
			{
				Name: p.shmName,
				Model: &libvirtxml.DomainShmemModel{
					Type: "ivshmem-plain",
				},
				Size: &libvirtxml.DomainShmemSize{
					Value: cfg.Display.SharedMemoryMB,
					Unit:  "M",
				},
			},
		}
	}

	return devices
}

// hostdevFor decomposes a PCI bus address into the backend's addressing
// fields. The binder has already moved the device onto vfio-pci, so the
// device is unmanaged here.
func hostdevFor(addr passthrough.Address) libvirtxml.DomainHostdev {
	return libvirtxml.DomainHostdev{
		Managed: "no",
		SubsysPCI: &libvirtxml.DomainHostdevSubsysPCI{
			Source: &libvirtxml.DomainHostdevSubsysPCISource{
				Address: &libvirtxml.DomainAddressPCI{
					Domain:   ptr(uint(addr.Domain)),
					Bus:      ptr(uint(addr.Bus)),
					Slot:     ptr(uint(addr.Slot)),
					Function: ptr(uint(addr.Function)),
				},
			},
		},
	}
}

func ptr[T any](v T) *T {
	return &v
}
