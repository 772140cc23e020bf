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

// Package network manages the libvirt virtual networks machine NICs attach
// to. Machines reference networks by name; Ensure makes sure the referenced
// network exists and is active before the machine starts.
package network

import (
	"errors"
	"fmt"
	"log/slog"

	"libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"

	"github.com/virtglass/virtglass/pkg/hypervisor"
)

var (
	// ErrNetworkNotFound is returned when the named network does not exist.
	ErrNetworkNotFound = errors.New("network not found")

	// ErrNetwork wraps backend failures on network operations.
	ErrNetwork = errors.New("network operation failed")
)

// Mode selects the forwarding behavior of a managed network.
type Mode string

const (
	// ModeNAT gives guests outbound connectivity behind host NAT.
	ModeNAT Mode = "nat"
	// ModeIsolated keeps guests on a host-only segment.
	ModeIsolated Mode = "isolated"
	// ModeBridge attaches guests to an existing host bridge.
	ModeBridge Mode = "bridge"
)

// Config describes a network to create.
type Config struct {
	Name string
	Mode Mode

	// BridgeName is required for ModeBridge, ignored otherwise.
	BridgeName string

	// IPAddress and Netmask configure the gateway for nat and isolated
	// modes. Defaults avoid the libvirt default network's 192.168.122/24.
	IPAddress string
	Netmask   string
}

// Info is the observed state of a network.
type Info struct {
	Name       string
	BridgeName string
	Mode       Mode
	Active     bool
	Autostart  bool
}

// Manager creates, inspects and activates libvirt networks through the
// shared hypervisor connection.
type Manager struct {
	conn *hypervisor.Connection
	log  *slog.Logger
}

// NewManager creates a network manager.
func NewManager(conn *hypervisor.Connection, logger *slog.Logger) (*Manager, error) {
	if conn == nil {
		return nil, fmt.Errorf("%w: manager requires a hypervisor connection", ErrNetwork)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{conn: conn, log: logger}, nil
}

// Ensure makes the named network usable: an inactive network is started, a
// missing one is an error naming the network. It never creates networks
// implicitly; a typo in a machine's network field should fail loudly, not
// materialize a segment.
func (m *Manager) Ensure(name string) error {
	if name == "" {
		return fmt.Errorf("%w: network name is empty", ErrNetwork)
	}
	return m.conn.WithConnection(func(conn *libvirt.Connect) error {
		net, err := conn.LookupNetworkByName(name)
		if err != nil {
			if isNoNetwork(err) {
				return fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
			}
			return fmt.Errorf("%w: lookup %s: %v", ErrNetwork, name, err)
		}
		defer func() { _ = net.Free() }()

		active, err := net.IsActive()
		if err != nil {
			return fmt.Errorf("%w: check %s: %v", ErrNetwork, name, err)
		}
		if active {
			return nil
		}

		if err := net.Create(); err != nil {
			return fmt.Errorf("%w: start %s: %v", ErrNetwork, name, err)
		}
		m.log.Info("started network", "network", name)
		return nil
	})
}

// Create defines and starts a network. Idempotent: an existing network is
// activated instead.
func (m *Manager) Create(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: network name is empty", ErrNetwork)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeNAT
	}

	if err := m.Ensure(cfg.Name); err == nil || !errors.Is(err, ErrNetworkNotFound) {
		return err
	}

	xml, err := renderNetwork(cfg)
	if err != nil {
		return err
	}

	err = m.conn.WithConnection(func(conn *libvirt.Connect) error {
		net, err := conn.NetworkDefineXML(xml)
		if err != nil {
			return fmt.Errorf("%w: define %s: %v", ErrNetwork, cfg.Name, err)
		}
		defer func() { _ = net.Free() }()

		if err := net.Create(); err != nil {
			_ = net.Undefine()
			return fmt.Errorf("%w: start %s: %v", ErrNetwork, cfg.Name, err)
		}
		// Autostart failures are not worth failing the create over.
		_ = net.SetAutostart(true)
		return nil
	})
	if err != nil {
		return err
	}

	m.log.Info("created network", "network", cfg.Name, "mode", cfg.Mode)
	return nil
}

// Get returns the observed state of the named network.
func (m *Manager) Get(name string) (*Info, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: network name is empty", ErrNetwork)
	}

	var info *Info
	err := m.conn.WithConnection(func(conn *libvirt.Connect) error {
		net, err := conn.LookupNetworkByName(name)
		if err != nil {
			if isNoNetwork(err) {
				return fmt.Errorf("%w: %s", ErrNetworkNotFound, name)
			}
			return fmt.Errorf("%w: lookup %s: %v", ErrNetwork, name, err)
		}
		defer func() { _ = net.Free() }()

		active, err := net.IsActive()
		if err != nil {
			return fmt.Errorf("%w: check %s: %v", ErrNetwork, name, err)
		}
		autostart, err := net.GetAutostart()
		if err != nil {
			return fmt.Errorf("%w: autostart of %s: %v", ErrNetwork, name, err)
		}
		desc, err := net.GetXMLDesc(0)
		if err != nil {
			return fmt.Errorf("%w: describe %s: %v", ErrNetwork, name, err)
		}

		var parsed libvirtxml.Network
		if err := parsed.Unmarshal(desc); err != nil {
			return fmt.Errorf("%w: parse %s: %v", ErrNetwork, name, err)
		}

		info = &Info{
			Name:      name,
			Active:    active,
			Autostart: autostart,
			Mode:      ModeIsolated,
		}
		if parsed.Bridge != nil {
			info.BridgeName = parsed.Bridge.Name
		}
		if parsed.Forward != nil {
			info.Mode = Mode(parsed.Forward.Mode)
		}
		return nil
	})
	return info, err
}

// Delete stops and undefines the network. Missing networks are success.
func (m *Manager) Delete(name string) error {
	if name == "" {
		return fmt.Errorf("%w: network name is empty", ErrNetwork)
	}
	return m.conn.WithConnection(func(conn *libvirt.Connect) error {
		net, err := conn.LookupNetworkByName(name)
		if err != nil {
			if isNoNetwork(err) {
				return nil
			}
			return fmt.Errorf("%w: lookup %s: %v", ErrNetwork, name, err)
		}
		defer func() { _ = net.Free() }()

		active, err := net.IsActive()
		if err != nil {
			return fmt.Errorf("%w: check %s: %v", ErrNetwork, name, err)
		}
		if active {
			if err := net.Destroy(); err != nil {
				return fmt.Errorf("%w: stop %s: %v", ErrNetwork, name, err)
			}
		}
		if err := net.Undefine(); err != nil {
			return fmt.Errorf("%w: undefine %s: %v", ErrNetwork, name, err)
		}
		m.log.Info("deleted network", "network", name)
		return nil
	})
}

// renderNetwork builds the definition document for cfg.
func renderNetwork(cfg Config) (string, error) {
	net := &libvirtxml.Network{Name: cfg.Name}

	switch cfg.Mode {
	case ModeBridge:
		if cfg.BridgeName == "" {
			return "", fmt.Errorf("%w: bridge mode requires a bridge name", ErrNetwork)
		}
		net.Forward = &libvirtxml.NetworkForward{Mode: "bridge"}
		net.Bridge = &libvirtxml.NetworkBridge{Name: cfg.BridgeName}

	case ModeNAT, ModeIsolated:
		if cfg.Mode == ModeNAT {
			net.Forward = &libvirtxml.NetworkForward{Mode: "nat"}
		}
		net.Bridge = &libvirtxml.NetworkBridge{STP: "on"}

		addr := cfg.IPAddress
		if addr == "" {
			addr = "192.168.150.1"
		}
		mask := cfg.Netmask
		if mask == "" {
			mask = "255.255.255.0"
		}
		net.IPs = []libvirtxml.NetworkIP{{Address: addr, Netmask: mask}}

	default:
		return "", fmt.Errorf("%w: unsupported mode %q", ErrNetwork, cfg.Mode)
	}

	xml, err := net.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: marshal %s: %v", ErrNetwork, cfg.Name, err)
	}
	return xml, nil
}

func isNoNetwork(err error) bool {
	var lverr libvirt.Error
	if errors.As(err, &lverr) {
		return lverr.Code == libvirt.ERR_NO_NETWORK
	}
	return false
}
