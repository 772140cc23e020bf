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

package passthrough

import (
	"fmt"

	"github.com/virtglass/virtglass/internal/metrics"
)

// BindForPassthrough moves the GPU at address (and, when includeAudio is
// set, its companion audio function) onto vfio-pci. It returns the bus
// addresses that ended up bound, in the order they should appear as hostdev
// entries, plus any non-fatal warnings such as a reset-quirk advisory.
func (b *Binder) BindForPassthrough(address string, includeAudio, allowUnsafeGroup bool) ([]string, []string, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, nil, err
	}
	dev, err := b.readDevice(addr)
	if err != nil {
		return nil, nil, err
	}
	if !dev.IsGPU() {
		return nil, nil, fmt.Errorf("%w: device %s is not a GPU (class 0x%06x)",
			ErrPassthrough, addr, dev.Class)
	}

	var warnings []string
	if dev.BootVGA {
		warnings = append(warnings, fmt.Sprintf(
			"device %s is the boot display; the host console goes dark while it is passed through", addr))
	}
	if adv := b.DetectResetQuirk(dev); adv != nil {
		warnings = append(warnings, fmt.Sprintf(
			"reset quirk for %s: %s (workaround: %s)", dev.Name, adv.Summary, adv.Workaround))
	}

	req := BindRequest{Device: dev, AllowUnsafeGroup: allowUnsafeGroup}
	if err := b.Bind(req); err != nil {
		metrics.PassthroughBinds.WithLabelValues("bind", "error").Inc()
		return nil, warnings, err
	}

	bound := []string{dev.Address.String()}
	if includeAudio {
		companions, err := b.BindGroupCompanions(dev, req)
		if err != nil {
			metrics.PassthroughBinds.WithLabelValues("bind", "error").Inc()
			return bound, warnings, err
		}
		for _, c := range companions {
			bound = append(bound, c.Address.String())
		}
	}

	metrics.PassthroughBinds.WithLabelValues("bind", "ok").Inc()
	return bound, warnings, nil
}

// ReleaseFromPassthrough returns the GPU at address and any same-slot audio
// function to their native drivers. Best-effort by contract: every failure
// becomes a warning so VM teardown is never blocked on a rebind.
func (b *Binder) ReleaseFromPassthrough(address string) []string {
	addr, err := ParseAddress(address)
	if err != nil {
		return []string{fmt.Sprintf("parse gpu address %q: %v", address, err)}
	}
	dev, err := b.readDevice(addr)
	if err != nil {
		return []string{fmt.Sprintf("read device %s: %v", addr, err)}
	}

	warnings := b.UnbindFromVFIO(dev)

	group, err := b.GroupOf(dev)
	if err != nil {
		warnings = append(warnings, fmt.Sprintf("enumerate group of %s: %v", addr, err))
	} else {
		for _, member := range group.Members {
			if member.IsAudioFunctionOf(dev) {
				warnings = append(warnings, b.UnbindFromVFIO(member)...)
			}
		}
	}

	outcome := "ok"
	if len(warnings) > 0 {
		outcome = "warning"
	}
	metrics.PassthroughBinds.WithLabelValues("unbind", outcome).Inc()
	return warnings
}

// GroupCleanliness reports whether the device at address sits in a clean
// IOMMU group, plus the group id. Queried by the definition builder so a
// dirty-group config is rejected before any artifact is created.
func (b *Binder) GroupCleanliness(address string) (bool, int, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return false, -1, err
	}
	dev, err := b.readDevice(addr)
	if err != nil {
		return false, -1, err
	}
	group, err := b.GroupOf(dev)
	if err != nil {
		return false, -1, err
	}
	return group.Clean(), group.ID, nil
}

// CompanionAudio resolves the HDMI/DP audio function sharing the GPU's
// isolation group, returning its address. The second return is false when
// the GPU has no companion or the group cannot be enumerated.
func (b *Binder) CompanionAudio(address string) (string, bool) {
	addr, err := ParseAddress(address)
	if err != nil {
		return "", false
	}
	dev, err := b.readDevice(addr)
	if err != nil {
		return "", false
	}
	group, err := b.GroupOf(dev)
	if err != nil {
		return "", false
	}
	for _, member := range group.Members {
		if member.IsAudioFunctionOf(dev) {
			return member.Address.String(), true
		}
	}
	return "", false
}

// QuirkAdvisory returns the formatted reset advisory for the device at
// address, or empty when none applies.
func (b *Binder) QuirkAdvisory(address string) string {
	addr, err := ParseAddress(address)
	if err != nil {
		return ""
	}
	dev, err := b.readDevice(addr)
	if err != nil {
		return ""
	}
	adv := b.DetectResetQuirk(dev)
	if adv == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (workaround: %s)", dev.Name, adv.Summary, adv.Workaround)
}
