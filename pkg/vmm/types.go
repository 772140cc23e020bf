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

// Package vmm builds libvirt machine definitions from declarative
// configuration and drives their lifecycle. It is the only component that
// mutates VM state; everything else observes through live queries.
package vmm

import (
	"errors"
	"fmt"
	"regexp"

	"libvirt.org/go/libvirt"
)

var (
	// ErrValidation is returned for bad configuration, always before any
	// destructive action.
	ErrValidation = errors.New("invalid machine configuration")

	// ErrConflict is returned when a name or GPU is already claimed by
	// another defined machine.
	ErrConflict = errors.New("resource already in use")

	// ErrInvalidTransition is returned when a lifecycle operation is not
	// legal from the machine's current state.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
)

// State is the lifecycle state of a machine. Transitions are controlled
// exclusively by the Manager.
type State int

const (
	StateUndefined State = iota
	StateDefined
	StateStarting
	StateRunning
	StatePaused
	StateStopping
	StateShutOff
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateUndefined:
		return "undefined"
	case StateDefined:
		return "defined"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateShutOff:
		return "shutoff"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// stateFromDomain maps a libvirt domain state onto the lifecycle enum.
func stateFromDomain(ds libvirt.DomainState) State {
	switch ds {
	case libvirt.DOMAIN_RUNNING, libvirt.DOMAIN_BLOCKED:
		return StateRunning
	case libvirt.DOMAIN_PAUSED, libvirt.DOMAIN_PMSUSPENDED:
		return StatePaused
	case libvirt.DOMAIN_SHUTDOWN:
		return StateStopping
	case libvirt.DOMAIN_SHUTOFF:
		return StateShutOff
	case libvirt.DOMAIN_CRASHED:
		return StateCrashed
	case libvirt.DOMAIN_NOSTATE:
		return StateDefined
	default:
		return StateUndefined
	}
}

// StopMethod selects how a machine is stopped.
type StopMethod string

const (
	// StopGraceful signals the guest and waits for shutoff, escalating to
	// force on timeout.
	StopGraceful StopMethod = "graceful"
	// StopForce destroys the domain immediately.
	StopForce StopMethod = "force"
	// StopReboot signals a reboot and does not wait.
	StopReboot StopMethod = "reboot"
)

// OSType selects the definition template family.
type OSType string

const (
	OSLinux   OSType = "linux"
	OSWindows OSType = "windows"
)

const (
	// MinMemoryMB is the memory floor for a machine definition.
	MinMemoryMB = 256

	// DefaultSharedMemoryMB sizes the display region when the config does
	// not say otherwise.
	DefaultSharedMemoryMB = 128

	defaultNetwork  = "default"
	defaultDiskSize = 40 // GiB
)

// Machine names end up in filesystem paths and libvirt identifiers, so they
// are restricted to identity-safe characters with no leading separator.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,63}$`)

// DisplayConfig holds per-machine display preferences. It is part of the
// persisted record and read back by the display manager.
type DisplayConfig struct {
	// SharedMemory enables the low-latency shared-memory transport.
	SharedMemory bool `json:"sharedMemory"`

	// SharedMemoryMB sizes the region. Zero means DefaultSharedMemoryMB.
	SharedMemoryMB uint `json:"sharedMemoryMB,omitempty"`

	// Fullscreen is the persisted display mode; toggling fullscreen
	// updates it so the next session resumes the same mode.
	Fullscreen bool `json:"fullscreen"`

	// AllowFallback permits falling back to a generic remote viewer when
	// the shared-memory transport is unavailable.
	AllowFallback bool `json:"allowFallback"`

	// AutoStart opens a display session as soon as the machine is running.
	AutoStart bool `json:"autoStart"`
}

// MachineConfig is the declarative input to Build.
type MachineConfig struct {
	Name     string `json:"name"`
	OS       OSType `json:"os"`
	VCPUs    uint   `json:"vcpus"`
	MemoryMB uint   `json:"memoryMB"`

	// DiskSizeGB sizes the qcow2 image provisioned by Build.
	DiskSizeGB uint `json:"diskSizeGB"`

	// BaseImagePath, when set, becomes the backing file of the
	// provisioned disk instead of creating an empty image.
	BaseImagePath string `json:"baseImagePath,omitempty"`

	// ISOPath attaches an installer image as a cdrom device.
	ISOPath string `json:"isoPath,omitempty"`

	// Network names the libvirt network for the guest NIC.
	Network string `json:"network,omitempty"`

	// GPUAddress assigns a host GPU (PCI BDF) for passthrough. Empty
	// means no passthrough.
	GPUAddress string `json:"gpuAddress,omitempty"`

	// IncludeGPUAudio passes the GPU's companion audio function through
	// alongside it.
	IncludeGPUAudio bool `json:"includeGPUAudio"`

	// AllowUnsafeGroup is the explicit operator override for non-clean
	// IOMMU groups. Never set implicitly.
	AllowUnsafeGroup bool `json:"allowUnsafeGroup,omitempty"`

	Display DisplayConfig `json:"display"`

	Agent AgentConfig `json:"agent,omitempty"`
}

// AgentConfig enables off-host guest channel endpoints. The unix socket is
// always available and filesystem-protected; a nonzero vsock CID or tcp port
// makes Build issue per-machine mutual-TLS credentials for that endpoint.
type AgentConfig struct {
	// VsockCID is the guest's vsock context id.
	VsockCID uint32 `json:"vsockCID,omitempty"`

	// TCPPort is the loopback port the in-guest agent forwards to.
	TCPPort int `json:"tcpPort,omitempty"`
}

// AgentCredentials locates the channel credential files issued at build
// time. The host side dials with its certificate and pins the machine CA;
// the agent-side set is installed in the guest by the operator.
type AgentCredentials struct {
	Dir           string `json:"dir"`
	CAPath        string `json:"caPath"`
	CertPath      string `json:"certPath"`
	KeyPath       string `json:"keyPath"`
	AgentCertPath string `json:"agentCertPath"`
	AgentKeyPath  string `json:"agentKeyPath"`
}

func (c *MachineConfig) applyDefaults() {
	if c.OS == "" {
		c.OS = OSLinux
	}
	if c.Network == "" {
		c.Network = defaultNetwork
	}
	if c.DiskSizeGB == 0 {
		c.DiskSizeGB = defaultDiskSize
	}
	if c.Display.SharedMemory && c.Display.SharedMemoryMB == 0 {
		c.Display.SharedMemoryMB = DefaultSharedMemoryMB
	}
}

// Machine is the result of a successful Build: the durable identity and the
// artifacts created for it.
type Machine struct {
	Name     string        `json:"name"`
	UUID     string        `json:"uuid"`
	DiskPath string        `json:"diskPath"`
	ShmPath  string        `json:"shmPath,omitempty"`
	Config   MachineConfig `json:"config"`

	// AgentCreds is set when the config asks for an off-host channel
	// endpoint.
	AgentCreds *AgentCredentials `json:"agentCreds,omitempty"`

	// Warnings collects non-fatal problems hit during the build, e.g. a
	// reset-quirk advisory or a failed shared-memory pre-creation.
	Warnings []string `json:"-"`
}
