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
	"os"
	"time"

	"libvirt.org/go/libvirt"

	"github.com/virtglass/virtglass/internal/metrics"
)

const (
	// startTimeout bounds the poll for a machine to report running.
	startTimeout = 60 * time.Second

	// DefaultStopTimeout bounds a graceful stop before it escalates.
	DefaultStopTimeout = 30 * time.Second

	pollInterval = 500 * time.Millisecond
)

// StartOptions tweaks Start.
type StartOptions struct {
	// Paused launches the machine suspended at its first instruction.
	Paused bool
}

// GetState queries the backend live. There is deliberately no client-side
// cache: cached state drifts the moment the guest acts on its own.
func (m *Manager) GetState(name string) (State, error) {
	var state State
	err := m.withDomain(name, func(dom *libvirt.Domain) error {
		ds, _, err := dom.GetState()
		if err != nil {
			return fmt.Errorf("get state of %s: %w", name, err)
		}
		state = stateFromDomain(ds)
		return nil
	})
	return state, err
}

// Start brings a machine from defined/shutoff to running. Starting an
// already-running machine is a no-op success. When the machine has an
// assigned GPU it is rebound to vfio-pci before the domain is created.
func (m *Manager) Start(name string, opts StartOptions) (warnings []string, err error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	defer func() { observeLifecycle("start", err) }()

	state, err := m.GetState(name)
	if err != nil {
		return nil, err
	}
	switch state {
	case StateRunning:
		return nil, nil
	case StateDefined, StateShutOff, StateCrashed:
		// fallthrough to start
	default:
		return nil, fmt.Errorf("%w: cannot start machine %s from state %s",
			ErrInvalidTransition, name, state)
	}

	record, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}

	if m.network != nil && record.Config.Network != "" {
		if err := m.network.Ensure(record.Config.Network); err != nil {
			return nil, fmt.Errorf("ensure network %s for machine %s: %w",
				record.Config.Network, name, err)
		}
	}

	if record.Config.GPUAddress != "" {
		_, bindWarnings, err := m.binder.BindForPassthrough(
			record.Config.GPUAddress,
			record.Config.IncludeGPUAudio,
			record.Config.AllowUnsafeGroup,
		)
		warnings = append(warnings, bindWarnings...)
		if err != nil {
			return warnings, fmt.Errorf("bind gpu for machine %s: %w", name, err)
		}
	}

	var flags libvirt.DomainCreateFlags
	if opts.Paused {
		flags |= libvirt.DOMAIN_START_PAUSED
	}

	err = m.withDomain(name, func(dom *libvirt.Domain) error {
		if err := dom.CreateWithFlags(flags); err != nil {
			return fmt.Errorf("start machine %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return warnings, err
	}

	want := StateRunning
	if opts.Paused {
		want = StatePaused
	}
	if err := m.pollState(name, want, startTimeout); err != nil {
		return warnings, err
	}

	m.log.Info("machine started", "machine", name, "paused", opts.Paused)
	return warnings, nil
}

// Stop takes a machine to shutoff. Graceful signals the guest and waits up
// to timeout before escalating to force; reboot signals only and does not
// wait. Stopping an already-shutoff machine is a no-op success. The display
// session, if any, is closed synchronously before the shutdown signal so
// the display client never outlives its shared-memory region.
func (m *Manager) Stop(name string, method StopMethod, timeout time.Duration) (err error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	defer func() { observeLifecycle("stop", err) }()

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	state, err := m.GetState(name)
	if err != nil {
		return err
	}
	if state == StateShutOff {
		if method == StopReboot {
			return fmt.Errorf("%w: cannot reboot machine %s from state %s",
				ErrInvalidTransition, name, state)
		}
		return nil
	}

	if m.display != nil {
		if derr := m.display.Close(name); derr != nil {
			m.log.Warn("failed to close display session before stop",
				"machine", name, "error", derr)
		}
	}

	switch method {
	case StopGraceful:
		err = m.withDomain(name, func(dom *libvirt.Domain) error {
			return dom.Shutdown()
		})
		if err != nil {
			return fmt.Errorf("signal shutdown of %s: %w", name, err)
		}
		if perr := m.pollState(name, StateShutOff, timeout); perr != nil {
			m.log.Warn("graceful stop timed out, escalating to force",
				"machine", name, "timeout", timeout)
			return m.forceStop(name)
		}
		return nil

	case StopForce:
		return m.forceStop(name)

	case StopReboot:
		err = m.withDomain(name, func(dom *libvirt.Domain) error {
			return dom.Reboot(0)
		})
		if err != nil {
			return fmt.Errorf("signal reboot of %s: %w", name, err)
		}
		return nil

	default:
		return fmt.Errorf("%w: unknown stop method %q for machine %s",
			ErrInvalidTransition, method, name)
	}
}

func (m *Manager) forceStop(name string) error {
	err := m.withDomain(name, func(dom *libvirt.Domain) error {
		return dom.Destroy()
	})
	if err != nil {
		return fmt.Errorf("force stop machine %s: %w", name, err)
	}
	m.log.Info("machine force-stopped", "machine", name)
	return nil
}

// Pause suspends a running machine. Valid only from running.
func (m *Manager) Pause(name string) (err error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	defer func() { observeLifecycle("pause", err) }()

	state, err := m.GetState(name)
	if err != nil {
		return err
	}
	if state != StateRunning {
		return fmt.Errorf("%w: cannot pause machine %s from state %s",
			ErrInvalidTransition, name, state)
	}

	err = m.withDomain(name, func(dom *libvirt.Domain) error {
		return dom.Suspend()
	})
	if err != nil {
		return fmt.Errorf("pause machine %s: %w", name, err)
	}
	return nil
}

// Resume unpauses a paused machine. Valid only from paused.
func (m *Manager) Resume(name string) (err error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	defer func() { observeLifecycle("resume", err) }()

	state, err := m.GetState(name)
	if err != nil {
		return err
	}
	if state != StatePaused {
		return fmt.Errorf("%w: cannot resume machine %s from state %s",
			ErrInvalidTransition, name, state)
	}

	err = m.withDomain(name, func(dom *libvirt.Domain) error {
		return dom.Resume()
	})
	if err != nil {
		return fmt.Errorf("resume machine %s: %w", name, err)
	}
	return nil
}

// Reset hard-resets a running machine.
func (m *Manager) Reset(name string) (err error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	defer func() { observeLifecycle("reset", err) }()

	state, err := m.GetState(name)
	if err != nil {
		return err
	}
	if state != StateRunning {
		return fmt.Errorf("%w: cannot reset machine %s from state %s",
			ErrInvalidTransition, name, state)
	}

	err = m.withDomain(name, func(dom *libvirt.Domain) error {
		return dom.Reset(0)
	})
	if err != nil {
		return fmt.Errorf("reset machine %s: %w", name, err)
	}
	return nil
}

// Destroy tears the machine down completely: display session, domain, GPU
// binding, disk, shared-memory region and persisted record. GPU rebind
// failures are collected as warnings, never allowed to abort the teardown;
// a dangling vfio binding is a smaller loss than a machine that cannot be
// deleted.
func (m *Manager) Destroy(name string) (warnings []string, err error) {
	mu := m.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	defer func() { observeLifecycle("destroy", err) }()

	record, err := m.store.Load(name)
	if err != nil {
		return nil, err
	}

	if m.display != nil {
		if derr := m.display.Close(name); derr != nil {
			warnings = append(warnings, fmt.Sprintf("close display session: %v", derr))
		}
	}

	state, serr := m.GetState(name)
	if serr == nil && (state == StateRunning || state == StatePaused || state == StateStopping) {
		if ferr := m.forceStop(name); ferr != nil {
			return warnings, ferr
		}
	}

	if record.Config.GPUAddress != "" {
		warnings = append(warnings, m.binder.ReleaseFromPassthrough(record.Config.GPUAddress)...)
	}

	err = m.withDomain(name, func(dom *libvirt.Domain) error {
		if uerr := dom.Undefine(); uerr != nil {
			return fmt.Errorf("undefine machine %s: %w", name, uerr)
		}
		return nil
	})
	if err != nil {
		return warnings, err
	}

	if record.DiskPath != "" {
		if rerr := os.Remove(record.DiskPath); rerr != nil && !os.IsNotExist(rerr) {
			return warnings, fmt.Errorf("remove disk of %s: %w", name, rerr)
		}
	}
	if record.ShmPath != "" {
		if rerr := os.Remove(record.ShmPath); rerr != nil && !os.IsNotExist(rerr) {
			warnings = append(warnings, fmt.Sprintf("remove shared-memory region: %v", rerr))
		}
	}
	if record.AgentCreds != nil {
		if rerr := os.RemoveAll(record.AgentCreds.Dir); rerr != nil {
			warnings = append(warnings, fmt.Sprintf("remove channel credentials: %v", rerr))
		}
	}

	if derr := m.store.Delete(name); derr != nil {
		return warnings, derr
	}

	m.log.Info("machine destroyed", "machine", name, "warnings", len(warnings))
	return warnings, nil
}

// pollState waits for the machine to reach want, querying the backend live
// at a fixed interval. Bounded: expiry is an error, never an infinite wait.
func (m *Manager) pollState(name string, want State, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		state, err := m.GetState(name)
		if err != nil {
			return err
		}
		if state == want {
			return nil
		}
		if state == StateCrashed {
			return fmt.Errorf("machine %s crashed while waiting for state %s", name, want)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for machine %s to reach %s (last state %s)",
				timeout, name, want, state)
		}
		time.Sleep(pollInterval)
	}
}

func observeLifecycle(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LifecycleTransitions.WithLabelValues(op, outcome).Inc()
}
