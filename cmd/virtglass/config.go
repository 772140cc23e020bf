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

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/virtglass/virtglass/pkg/hypervisor"
	"github.com/virtglass/virtglass/pkg/passthrough"
)

const (
	// ConfigPathEnvKey points at the JSON config file.
	ConfigPathEnvKey = "VIRTGLASS_CONFIG_PATH"
)

// Config holds the daemon configuration.
type Config struct {
	// HypervisorURI is the libvirt connection URI.
	HypervisorURI string `json:"hypervisorURI"`

	// MetricsBind is the address of the prometheus endpoint (e.g. ":9105").
	MetricsBind string `json:"metricsBind"`

	// DiskDir is where machine disk images are provisioned.
	DiskDir string `json:"diskDir"`

	// StoreDir overrides where machine records are persisted.
	StoreDir string `json:"storeDir,omitempty"`

	// QuirkDBPath is the reset-quirk advisory database.
	QuirkDBPath string `json:"quirkDBPath"`

	// DevelopmentMode switches logging to human-readable text.
	DevelopmentMode bool `json:"developmentMode"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		HypervisorURI: hypervisor.DefaultURI,
		MetricsBind:   ":9105",
		DiskDir:       "/var/lib/virtglass/disks",
		QuirkDBPath:   passthrough.DefaultQuirkDBPath,
	}
}

// LoadConfig loads configuration from a JSON file path, then applies
// environment overrides and validates. An empty path means env-only.
func LoadConfig(configPath string) (*Config, error) {
	config := NewDefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
		}
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) applyEnvironmentOverrides() {
	if val := os.Getenv("VIRTGLASS_HYPERVISOR_URI"); val != "" {
		c.HypervisorURI = val
	}
	if val := os.Getenv("VIRTGLASS_METRICS_BIND"); val != "" {
		c.MetricsBind = val
	}
	if val := os.Getenv("VIRTGLASS_DISK_DIR"); val != "" {
		c.DiskDir = val
	}
	if val := os.Getenv("VIRTGLASS_STORE_DIR"); val != "" {
		c.StoreDir = val
	}
	if val := os.Getenv("VIRTGLASS_QUIRK_DB_PATH"); val != "" {
		c.QuirkDBPath = val
	}
	if val := os.Getenv("VIRTGLASS_DEV_MODE"); val != "" {
		c.DevelopmentMode = val == "true" || val == "1" || val == "yes"
	}
}

// Validate checks the configuration, reporting every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.HypervisorURI == "" {
		errs = append(errs, errors.New("hypervisorURI cannot be empty"))
	}
	if c.MetricsBind == "" {
		errs = append(errs, errors.New("metricsBind cannot be empty"))
	}
	if c.DiskDir == "" {
		errs = append(errs, errors.New("diskDir cannot be empty"))
	}

	return errors.Join(errs...)
}
