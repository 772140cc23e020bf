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

// Package passthrough discovers host PCI devices and rebinds GPUs between
// their native driver and vfio-pci for passthrough into guests. All state is
// read from and written to the sysfs PCI tree; libvirt is not involved, so
// discovery keeps working when the hypervisor is down.
package passthrough

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	fullBDFPattern  = regexp.MustCompile(`(?i)^([0-9a-f]{4}):([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
	shortBDFPattern = regexp.MustCompile(`(?i)^([0-9a-f]{2}):([0-9a-f]{2})\.([0-7])$`)
)

// PCI base classes relevant to grouping decisions.
const (
	classDisplay = 0x03
	classAudio   = 0x04
	classBridge  = 0x06
)

// Address identifies a PCI device as domain:bus:slot.function.
type Address struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

func (a Address) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%d", a.Domain, a.Bus, a.Slot, a.Function)
}

// SameSlot reports whether two addresses differ only in function.
func (a Address) SameSlot(b Address) bool {
	return a.Domain == b.Domain && a.Bus == b.Bus && a.Slot == b.Slot
}

// ParseAddress accepts a full BDF (0000:65:00.0), a short BDF with implied
// domain 0000 (65:00.0), or a sysfs device path.
func ParseAddress(raw string) (Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Address{}, errors.New("pci address is empty")
	}
	if idx := strings.LastIndexByte(s, '/'); idx >= 0 {
		s = s[idx+1:]
	}

	if m := fullBDFPattern.FindStringSubmatch(s); len(m) == 5 {
		return addressFromHexParts(m[1], m[2], m[3], m[4])
	}
	if m := shortBDFPattern.FindStringSubmatch(s); len(m) == 4 {
		return addressFromHexParts("0000", m[1], m[2], m[3])
	}

	return Address{}, fmt.Errorf("invalid pci address format: %q", raw)
}

func addressFromHexParts(domain, bus, slot, function string) (Address, error) {
	d, err := strconv.ParseUint(domain, 16, 16)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci domain %q: %w", domain, err)
	}
	b, err := strconv.ParseUint(bus, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci bus %q: %w", bus, err)
	}
	s, err := strconv.ParseUint(slot, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci slot %q: %w", slot, err)
	}
	f, err := strconv.ParseUint(function, 16, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid pci function %q: %w", function, err)
	}
	return Address{
		Domain:   uint16(d),
		Bus:      uint8(b),
		Slot:     uint8(s),
		Function: uint8(f),
	}, nil
}

// Device is a host PCI device with the metadata needed for passthrough
// decisions. Discovered at query time, never persisted.
type Device struct {
	Address    Address
	VendorID   string // 4 hex digits, no 0x prefix
	DeviceID   string
	Name       string
	Class      uint32
	Driver     string // empty when unbound
	IOMMUGroup int    // -1 when the IOMMU subsystem is absent
	BootVGA    bool
}

// IsGPU reports whether the device's base class is display.
func (d Device) IsGPU() bool {
	return baseClass(d.Class) == classDisplay
}

// IsAudioFunctionOf reports whether d is the HDMI/DP audio function that
// shares a slot with gpu.
func (d Device) IsAudioFunctionOf(gpu Device) bool {
	return baseClass(d.Class) == classAudio &&
		d.Address.SameSlot(gpu.Address) &&
		d.Address.Function != gpu.Address.Function
}

func (d Device) isBridge() bool {
	return baseClass(d.Class) == classBridge
}

func baseClass(class uint32) uint32 {
	return (class >> 16) & 0xff
}

// Group is the set of devices the IOMMU cannot isolate from one another.
type Group struct {
	ID      int
	Members []Device
}

// Clean reports whether every non-bridge member is either the single
// functional device or that device's companion audio function. Passing a
// device from a non-clean group hands the guest every sibling too.
func (g Group) Clean() bool {
	functional := make([]Device, 0, len(g.Members))
	for _, m := range g.Members {
		if m.isBridge() {
			continue
		}
		functional = append(functional, m)
	}

	switch len(functional) {
	case 0:
		return false
	case 1:
		return true
	case 2:
		a, b := functional[0], functional[1]
		return a.IsAudioFunctionOf(b) || b.IsAudioFunctionOf(a)
	default:
		return false
	}
}

// wellKnownVendors maps PCI vendor ids to display names for the vendors that
// actually ship discrete GPUs. Everything else renders as raw ids.
var wellKnownVendors = map[string]string{
	"10de": "NVIDIA",
	"1002": "AMD",
	"8086": "Intel",
}

func displayName(vendorID, deviceID string, class uint32) string {
	vendor, ok := wellKnownVendors[vendorID]
	if !ok {
		vendor = vendorID
	}
	kind := "device"
	switch baseClass(class) {
	case classDisplay:
		kind = "GPU"
	case classAudio:
		kind = "audio"
	}
	return fmt.Sprintf("%s %s [%s:%s]", vendor, kind, vendorID, deviceID)
}

func (b *Binder) deviceDir(addr Address) string {
	return filepath.Join(b.sysfsRoot, "bus/pci/devices", addr.String())
}

// readDevice assembles a Device from its sysfs directory. A missing
// iommu_group link means the isolation subsystem is off for this device and
// yields group -1 rather than an error.
func (b *Binder) readDevice(addr Address) (Device, error) {
	dir := b.deviceDir(addr)
	if _, err := os.Stat(dir); err != nil {
		return Device{}, fmt.Errorf("%w: device %s: %v", ErrNotFound, addr, err)
	}

	vendorID, err := readHexIDFile(filepath.Join(dir, "vendor"))
	if err != nil {
		return Device{}, fmt.Errorf("read vendor of %s: %w", addr, err)
	}
	deviceID, err := readHexIDFile(filepath.Join(dir, "device"))
	if err != nil {
		return Device{}, fmt.Errorf("read device id of %s: %w", addr, err)
	}

	class := uint32(0)
	if raw, err := readSysfsValue(filepath.Join(dir, "class")); err == nil {
		if v, perr := strconv.ParseUint(strings.TrimPrefix(raw, "0x"), 16, 32); perr == nil {
			class = uint32(v)
		}
	}

	driver := ""
	if target, err := os.Readlink(filepath.Join(dir, "driver")); err == nil {
		driver = filepath.Base(target)
	}

	group := -1
	if target, err := os.Readlink(filepath.Join(dir, "iommu_group")); err == nil {
		if v, perr := strconv.Atoi(filepath.Base(target)); perr == nil {
			group = v
		}
	}

	bootVGA := false
	if raw, err := readSysfsValue(filepath.Join(dir, "boot_vga")); err == nil {
		bootVGA = raw == "1"
	}

	return Device{
		Address:    addr,
		VendorID:   vendorID,
		DeviceID:   deviceID,
		Name:       displayName(vendorID, deviceID, class),
		Class:      class,
		Driver:     driver,
		IOMMUGroup: group,
		BootVGA:    bootVGA,
	}, nil
}

// Discover enumerates all PCI devices visible in sysfs, sorted by address.
func (b *Binder) Discover() ([]Device, error) {
	devicesDir := filepath.Join(b.sysfsRoot, "bus/pci/devices")
	entries, err := os.ReadDir(devicesDir)
	if err != nil {
		return nil, fmt.Errorf("list pci devices: %w", err)
	}

	devices := make([]Device, 0, len(entries))
	for _, entry := range entries {
		addr, err := ParseAddress(entry.Name())
		if err != nil {
			continue
		}
		dev, err := b.readDevice(addr)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Address.String() < devices[j].Address.String()
	})
	return devices, nil
}

// DiscoverGPUs returns only display-class devices.
func (b *Binder) DiscoverGPUs() ([]Device, error) {
	all, err := b.Discover()
	if err != nil {
		return nil, err
	}
	gpus := make([]Device, 0, len(all))
	for _, dev := range all {
		if dev.IsGPU() {
			gpus = append(gpus, dev)
		}
	}
	return gpus, nil
}

// GroupOf resolves the IOMMU group a device belongs to, including all member
// devices. A device with no group returns a Group with ID -1 containing only
// the device itself.
func (b *Binder) GroupOf(dev Device) (Group, error) {
	if dev.IOMMUGroup < 0 {
		return Group{ID: -1, Members: []Device{dev}}, nil
	}

	membersDir := filepath.Join(b.deviceDir(dev.Address), "iommu_group", "devices")
	entries, err := os.ReadDir(membersDir)
	if err != nil {
		return Group{}, fmt.Errorf("%w: list iommu group %d members: %v",
			ErrPassthrough, dev.IOMMUGroup, err)
	}

	group := Group{ID: dev.IOMMUGroup}
	for _, entry := range entries {
		addr, err := ParseAddress(entry.Name())
		if err != nil {
			continue
		}
		member, err := b.readDevice(addr)
		if err != nil {
			return Group{}, err
		}
		group.Members = append(group.Members, member)
	}

	sort.Slice(group.Members, func(i, j int) bool {
		return group.Members[i].Address.String() < group.Members[j].Address.String()
	})
	return group, nil
}

// IOMMUEnabled reports whether any device on the host belongs to an IOMMU
// group. The definition builder refuses passthrough configs when this is
// false.
func (b *Binder) IOMMUEnabled() (bool, error) {
	devices, err := b.Discover()
	if err != nil {
		return false, err
	}
	for _, dev := range devices {
		if dev.IOMMUGroup >= 0 {
			return true, nil
		}
	}
	return false, nil
}

func readSysfsValue(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// readHexIDFile reads a sysfs id file such as vendor or device, which holds
// values like "0x10de", and returns the bare 4-digit hex id.
func readHexIDFile(path string) (string, error) {
	raw, err := readSysfsValue(path)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimPrefix(raw, "0x")), nil
}
