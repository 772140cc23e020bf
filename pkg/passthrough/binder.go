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
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// VFIODriver is the isolation driver a device is handed to for
	// passthrough.
	VFIODriver = "vfio-pci"

	defaultSysfsRoot = "/sys"
)

var (
	// ErrPassthrough is returned when a driver rebind fails.
	ErrPassthrough = errors.New("passthrough bind failed")

	// ErrNotFound is returned when the requested PCI device is absent.
	ErrNotFound = errors.New("pci device not found")

	// ErrGroupNotClean is returned when a device shares its IOMMU group
	// with unrelated functions and the caller did not set AllowUnsafeGroup.
	ErrGroupNotClean = errors.New("iommu group is not clean")
)

// Binder rebinds PCI devices between their native driver and vfio-pci.
type Binder struct {
	sysfsRoot string
	log       *slog.Logger
	quirks    *QuirkDB

	// nativeDrivers remembers the driver a device was bound to before it
	// was handed to vfio, so UnbindFromVFIO can restore it.
	nativeDrivers map[string]string
}

// Option configures a Binder.
type Option func(*Binder)

// WithSysfsRoot overrides the sysfs mount point. Used by tests to point the
// binder at a synthetic device tree.
func WithSysfsRoot(root string) Option {
	return func(b *Binder) {
		b.sysfsRoot = root
	}
}

// WithQuirkDB sets the reset-quirk advisory database.
func WithQuirkDB(db *QuirkDB) Option {
	return func(b *Binder) {
		b.quirks = db
	}
}

// NewBinder creates a Binder rooted at /sys by default.
func NewBinder(logger *slog.Logger, opts ...Option) *Binder {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Binder{
		sysfsRoot:     defaultSysfsRoot,
		log:           logger,
		quirks:        emptyQuirkDB(),
		nativeDrivers: make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BindRequest describes a bind operation.
type BindRequest struct {
	Device Device
	Driver string // target driver; defaults to vfio-pci

	// AllowUnsafeGroup permits binding a device whose IOMMU group contains
	// unrelated functions. The binder never applies this override on its
	// own; it must come from an explicit operator decision.
	AllowUnsafeGroup bool
}

// Bind moves a device onto the target driver via driver_override, unbind and
// drivers_probe. Binding a device already on the target driver is a no-op
// success.
func (b *Binder) Bind(req BindRequest) error {
	driver := req.Driver
	if driver == "" {
		driver = VFIODriver
	}
	dev, err := b.readDevice(req.Device.Address)
	if err != nil {
		return err
	}

	if dev.Driver == driver {
		b.log.Debug("device already bound to target driver",
			"device", dev.Address.String(), "driver", driver)
		return nil
	}

	if driver == VFIODriver {
		group, err := b.GroupOf(dev)
		if err != nil {
			return err
		}
		if !group.Clean() && !req.AllowUnsafeGroup {
			return fmt.Errorf("%w: device %s shares iommu group %d with %d other functions",
				ErrGroupNotClean, dev.Address, group.ID, len(group.Members)-1)
		}
		if !group.Clean() {
			b.log.Warn("binding device from a non-clean iommu group by explicit override",
				"device", dev.Address.String(), "group", group.ID)
		}
	}

	// Remember the native driver for the eventual unbind.
	if dev.Driver != "" && dev.Driver != VFIODriver {
		b.nativeDrivers[dev.Address.String()] = dev.Driver
	}

	if err := b.rebind(dev, driver); err != nil {
		return err
	}

	b.log.Info("bound device", "device", dev.Address.String(),
		"from", dev.Driver, "to", driver)
	return nil
}

// UnbindFromVFIO returns a device from vfio-pci to its recorded native
// driver, or to the kernel's default via a cleared driver_override when the
// native driver is unknown. Best-effort: failures are returned as warnings,
// never as an error, because losing a driver rebind must not block VM
// teardown.
func (b *Binder) UnbindFromVFIO(dev Device) []string {
	var warnings []string

	current, err := b.readDevice(dev.Address)
	if err != nil {
		return append(warnings, fmt.Sprintf("read device %s: %v", dev.Address, err))
	}
	if current.Driver != VFIODriver {
		return warnings
	}

	native := b.nativeDrivers[dev.Address.String()]
	if err := b.rebind(current, native); err != nil {
		warnings = append(warnings,
			fmt.Sprintf("restore driver for %s: %v", dev.Address, err))
		b.log.Warn("failed to restore native driver", "device", dev.Address.String(), "error", err)
		return warnings
	}

	delete(b.nativeDrivers, dev.Address.String())
	b.log.Info("restored device to native driver",
		"device", dev.Address.String(), "driver", native)
	return warnings
}

// rebind performs the sysfs dance: set driver_override, unbind from the
// current driver, re-probe. An empty target clears the override so the
// kernel picks the default driver.
func (b *Binder) rebind(dev Device, target string) error {
	dir := b.deviceDir(dev.Address)
	addr := dev.Address.String()

	override := target
	if override == "" {
		override = "\n"
	}
	if err := os.WriteFile(filepath.Join(dir, "driver_override"), []byte(override), 0); err != nil {
		return fmt.Errorf("%w: write driver_override for %s: %v", ErrPassthrough, addr, err)
	}

	if dev.Driver != "" {
		unbind := filepath.Join(dir, "driver", "unbind")
		if err := os.WriteFile(unbind, []byte(addr), 0); err != nil {
			return fmt.Errorf("%w: unbind %s from %s: %v", ErrPassthrough, addr, dev.Driver, err)
		}
	}

	probe := filepath.Join(b.sysfsRoot, "bus/pci/drivers_probe")
	if err := os.WriteFile(probe, []byte(addr), 0); err != nil {
		return fmt.Errorf("%w: probe %s: %v", ErrPassthrough, addr, err)
	}

	if target == "" {
		return nil
	}

	bound, err := b.readDevice(dev.Address)
	if err != nil {
		return err
	}
	if bound.Driver != target {
		return fmt.Errorf("%w: device %s bound to %q after probe, wanted %q",
			ErrPassthrough, addr, bound.Driver, target)
	}
	return nil
}

// BindGroupCompanions binds the companion audio function of a GPU (if any)
// to the same driver, so the whole clean group travels together. Returns the
// companions that were bound.
func (b *Binder) BindGroupCompanions(gpu Device, req BindRequest) ([]Device, error) {
	group, err := b.GroupOf(gpu)
	if err != nil {
		return nil, err
	}

	var bound []Device
	for _, member := range group.Members {
		if !member.IsAudioFunctionOf(gpu) {
			continue
		}
		companion := req
		companion.Device = member
		if err := b.Bind(companion); err != nil {
			return bound, err
		}
		bound = append(bound, member)
	}
	return bound, nil
}
