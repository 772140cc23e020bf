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
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/google/uuid"
	"libvirt.org/go/libvirt"

	"github.com/virtglass/virtglass/internal/util/certutil"
	"github.com/virtglass/virtglass/pkg/passthrough"
)

// Validate checks a configuration without side effects. All problems are
// reported together, joined under ErrValidation.
func (m *Manager) Validate(cfg *MachineConfig) error {
	cfg.applyDefaults()

	var errs []error

	if !namePattern.MatchString(cfg.Name) {
		errs = append(errs, fmt.Errorf(
			"name %q must match %s", cfg.Name, namePattern.String()))
	}
	if cfg.MemoryMB < MinMemoryMB {
		errs = append(errs, fmt.Errorf(
			"memory %d MiB is below the %d MiB floor", cfg.MemoryMB, MinMemoryMB))
	}
	if cfg.VCPUs < 1 {
		errs = append(errs, errors.New("vcpus must be at least 1"))
	}
	if cfg.OS != OSLinux && cfg.OS != OSWindows {
		errs = append(errs, fmt.Errorf("unsupported os type %q", cfg.OS))
	}
	if cfg.ISOPath != "" {
		if _, err := os.Stat(cfg.ISOPath); err != nil {
			errs = append(errs, fmt.Errorf("iso %s: %v", cfg.ISOPath, err))
		}
	}
	if cfg.BaseImagePath != "" {
		if _, err := os.Stat(cfg.BaseImagePath); err != nil {
			errs = append(errs, fmt.Errorf("base image %s: %v", cfg.BaseImagePath, err))
		}
	}

	if cfg.GPUAddress != "" {
		if addr, err := passthrough.ParseAddress(cfg.GPUAddress); err != nil {
			errs = append(errs, err)
		} else {
			// Canonical form; exclusivity checks compare addresses by
			// string, so 65:00.0 and 0000:65:00.0 must not coexist.
			cfg.GPUAddress = addr.String()

			enabled, err := m.binder.IOMMUEnabled()
			if err != nil {
				errs = append(errs, fmt.Errorf("query iommu subsystem: %v", err))
			} else if !enabled {
				errs = append(errs, errors.New(
					"gpu passthrough requested but no iommu groups exist; "+
						"enable the iommu in firmware and boot with intel_iommu=on or amd_iommu=on"))
			} else if !cfg.AllowUnsafeGroup {
				clean, groupID, gerr := m.binder.GroupCleanliness(cfg.GPUAddress)
				if gerr != nil {
					errs = append(errs, fmt.Errorf("query iommu group of %s: %v", cfg.GPUAddress, gerr))
				} else if !clean {
					errs = append(errs, fmt.Errorf(
						"gpu %s shares iommu group %d with unrelated devices; "+
							"set allowUnsafeGroup to pass the whole group through anyway",
						cfg.GPUAddress, groupID))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

// checkConflicts enforces exclusive ownership of names and GPUs across all
// defined machines. Runs before anything is created.
func (m *Manager) checkConflicts(cfg *MachineConfig) error {
	if m.store.Exists(cfg.Name) {
		return fmt.Errorf("%w: machine name %q", ErrConflict, cfg.Name)
	}

	var defined bool
	err := m.conn.WithConnection(func(conn *libvirt.Connect) error {
		dom, err := conn.LookupDomainByName(cfg.Name)
		if err == nil {
			_ = dom.Free()
			defined = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if defined {
		return fmt.Errorf("%w: domain name %q already defined in backend", ErrConflict, cfg.Name)
	}

	if cfg.GPUAddress != "" {
		owner, err := m.store.FindByGPU(cfg.GPUAddress)
		if err != nil {
			return err
		}
		if owner != nil {
			return fmt.Errorf("%w: gpu %s is assigned to machine %q",
				ErrConflict, cfg.GPUAddress, owner.Name)
		}
	}

	return nil
}

// Build validates the configuration, provisions the disk and shared-memory
// region, renders the definition and registers it with the backend.
// Validation and conflict errors are raised before any side effect; a
// mid-build failure cleans up what was already created and surfaces the
// original error.
func (m *Manager) Build(cfg MachineConfig) (*Machine, error) {
	if err := m.Validate(&cfg); err != nil {
		return nil, err
	}
	if err := m.checkConflicts(&cfg); err != nil {
		return nil, err
	}

	machine := &Machine{
		Name:   cfg.Name,
		UUID:   uuid.NewString(),
		Config: cfg,
	}

	if cfg.GPUAddress != "" {
		if adv := m.binder.QuirkAdvisory(cfg.GPUAddress); adv != "" {
			machine.Warnings = append(machine.Warnings, "reset quirk: "+adv)
		}
	}

	diskPath, err := m.provisionDisk(&cfg)
	if err != nil {
		return nil, err
	}
	machine.DiskPath = diskPath

	if cfg.Display.SharedMemory {
		shmPath, warn := m.precreateShm(&cfg)
		machine.ShmPath = shmPath
		if warn != "" {
			machine.Warnings = append(machine.Warnings, warn)
		}
	}

	creds, err := m.provisionAgentCredentials(&cfg)
	if err != nil {
		m.cleanupBuild(machine)
		return nil, err
	}
	machine.AgentCreds = creds

	gpus, err := m.passthroughAddresses(&cfg)
	if err != nil {
		m.cleanupBuild(machine)
		return nil, err
	}

	xml, err := renderDomain(domainParams{
		config:   cfg,
		uuid:     machine.UUID,
		diskPath: diskPath,
		shmName:  m.shmName(cfg.Name),
		gpus:     gpus,
	})
	if err != nil {
		m.cleanupBuild(machine)
		return nil, err
	}

	err = m.conn.WithConnection(func(conn *libvirt.Connect) error {
		dom, err := conn.DomainDefineXML(xml)
		if err != nil {
			return fmt.Errorf("define machine %s: %w", cfg.Name, err)
		}
		return dom.Free()
	})
	if err != nil {
		m.cleanupBuild(machine)
		return nil, err
	}

	if err := m.store.Save(machine); err != nil {
		// The definition is registered but the record failed; undo the
		// registration so no half-created machine survives.
		_ = m.withDomain(cfg.Name, func(dom *libvirt.Domain) error {
			return dom.Undefine()
		})
		m.cleanupBuild(machine)
		return nil, err
	}

	m.log.Info("built machine", "machine", cfg.Name, "uuid", machine.UUID,
		"disk", diskPath, "gpu", cfg.GPUAddress, "warnings", len(machine.Warnings))
	return machine, nil
}

// passthroughAddresses resolves the hostdev entries for the config: the GPU
// itself plus, when requested, its companion audio function. The audio
// function comes from the device's isolation group, falling back to the
// conventional function 1 of the GPU slot when the group yields none.
// Resolution only; the actual vfio bind happens at start time.
func (m *Manager) passthroughAddresses(cfg *MachineConfig) ([]passthrough.Address, error) {
	if cfg.GPUAddress == "" {
		return nil, nil
	}
	gpu, err := passthrough.ParseAddress(cfg.GPUAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	addrs := []passthrough.Address{gpu}
	if cfg.IncludeGPUAudio {
		audio := gpu
		audio.Function = 1
		if resolved, ok := m.binder.CompanionAudio(cfg.GPUAddress); ok {
			parsed, perr := passthrough.ParseAddress(resolved)
			if perr != nil {
				return nil, fmt.Errorf("%w: companion audio address %q: %v", ErrValidation, resolved, perr)
			}
			audio = parsed
		}
		addrs = append(addrs, audio)
	}
	return addrs, nil
}

// provisionDisk creates the qcow2 image. Fails loudly before the definition
// is ever registered.
func (m *Manager) provisionDisk(cfg *MachineConfig) (string, error) {
	if err := os.MkdirAll(m.diskDir, 0o755); err != nil {
		return "", fmt.Errorf("create disk directory %s: %w", m.diskDir, err)
	}

	diskPath := filepath.Join(m.diskDir, cfg.Name+".qcow2")
	args := []string{"create", "-f", "qcow2"}
	if cfg.BaseImagePath != "" {
		args = append(args, "-o",
			fmt.Sprintf("backing_file=%s,backing_fmt=qcow2", cfg.BaseImagePath))
	}
	args = append(args, diskPath, fmt.Sprintf("%dG", cfg.DiskSizeGB))

	cmd := exec.Command("qemu-img", args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("create disk for %s: %w: %s", cfg.Name, err, output)
	}
	return diskPath, nil
}

// precreateShm creates the shared-memory region ahead of the VM start with
// restrictive-but-group-readable permissions, so the display client's group
// can map it. Failure is non-fatal: the device model creates the region
// lazily in that case, and we report a warning instead.
func (m *Manager) precreateShm(cfg *MachineConfig) (string, string) {
	path := m.shmPath(cfg.Name)
	sizeBytes := int64(cfg.Display.SharedMemoryMB) * 1024 * 1024

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o660)
	if err != nil {
		return path, fmt.Sprintf("pre-create shared-memory region %s: %v (backend will create it lazily)", path, err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Truncate(sizeBytes); err != nil {
		return path, fmt.Sprintf("size shared-memory region %s: %v", path, err)
	}
	if err := f.Chmod(0o660); err != nil {
		return path, fmt.Sprintf("chmod shared-memory region %s: %v", path, err)
	}
	return path, ""
}

// provisionAgentCredentials issues the machine's channel credentials when an
// off-host endpoint is configured. Host and agent each get a certificate
// under a fresh per-machine CA; the agent expects the machine name as its
// peer's certificate name.
func (m *Manager) provisionAgentCredentials(cfg *MachineConfig) (*AgentCredentials, error) {
	if cfg.Agent.VsockCID == 0 && cfg.Agent.TCPPort == 0 {
		return nil, nil
	}

	ca, err := certutil.NewCA(cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("issue channel ca for %s: %w", cfg.Name, err)
	}

	dir := m.store.CredentialsDir(cfg.Name)
	host, err := ca.WriteCredentials(filepath.Join(dir, "host"), "host", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("write host channel credentials for %s: %w", cfg.Name, err)
	}
	agent, err := ca.WriteCredentials(filepath.Join(dir, "agent"), "agent", cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("write agent channel credentials for %s: %w", cfg.Name, err)
	}

	return &AgentCredentials{
		Dir:           dir,
		CAPath:        host.CAPath,
		CertPath:      host.CertPath,
		KeyPath:       host.KeyPath,
		AgentCertPath: agent.CertPath,
		AgentKeyPath:  agent.KeyPath,
	}, nil
}

// cleanupBuild removes artifacts created by a failed build. Best-effort;
// failures are logged, the build's original error is what the caller sees.
func (m *Manager) cleanupBuild(machine *Machine) {
	if machine.DiskPath != "" {
		if err := os.Remove(machine.DiskPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("cleanup: failed to remove disk",
				"machine", machine.Name, "disk", machine.DiskPath, "error", err)
		}
	}
	if machine.ShmPath != "" {
		if err := os.Remove(machine.ShmPath); err != nil && !os.IsNotExist(err) {
			m.log.Warn("cleanup: failed to remove shared-memory region",
				"machine", machine.Name, "path", machine.ShmPath, "error", err)
		}
	}
	if machine.AgentCreds != nil {
		if err := os.RemoveAll(machine.AgentCreds.Dir); err != nil {
			m.log.Warn("cleanup: failed to remove channel credentials",
				"machine", machine.Name, "dir", machine.AgentCreds.Dir, "error", err)
		}
	}
}
