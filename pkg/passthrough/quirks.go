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
	"os"
	"strings"

	"sigs.k8s.io/yaml"
)

// DefaultQuirkDBPath is where the host's reset-quirk advisory database is
// expected. The hardware list is vendor/model specific and grows over time,
// so it lives in a config file rather than in code.
const DefaultQuirkDBPath = "/etc/virtglass/reset-quirks.yaml"

// Advisory names a known reset problem and the host-side workaround. The
// binder only reports advisories; it never applies workarounds itself.
type Advisory struct {
	// VendorID matches the device's PCI vendor id (4 hex digits).
	VendorID string `json:"vendor"`

	// DeviceIDPrefix matches the start of the PCI device id. Empty matches
	// every device of the vendor.
	DeviceIDPrefix string `json:"devicePrefix,omitempty"`

	// Summary is a one-line description of the quirk.
	Summary string `json:"summary"`

	// Workaround names the host-side mitigation, e.g. a kernel module or
	// boot parameter.
	Workaround string `json:"workaround"`
}

// QuirkDB is the loaded advisory list.
type QuirkDB struct {
	Advisories []Advisory `json:"advisories"`
}

func emptyQuirkDB() *QuirkDB {
	return &QuirkDB{}
}

// LoadQuirkDB reads the advisory database from path. A missing file yields
// an empty database, not an error: hosts without quirky hardware need no
// config.
func LoadQuirkDB(path string) (*QuirkDB, error) {
	if path == "" {
		path = DefaultQuirkDBPath
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return emptyQuirkDB(), nil
		}
		return nil, fmt.Errorf("read quirk database %s: %w", path, err)
	}

	db := &QuirkDB{}
	if err := yaml.Unmarshal(raw, db); err != nil {
		return nil, fmt.Errorf("parse quirk database %s: %w", path, err)
	}
	return db, nil
}

// DetectResetQuirk returns the advisory matching the device, or nil when the
// device has no known reset problem.
func (b *Binder) DetectResetQuirk(dev Device) *Advisory {
	for i := range b.quirks.Advisories {
		adv := &b.quirks.Advisories[i]
		if !strings.EqualFold(adv.VendorID, dev.VendorID) {
			continue
		}
		if adv.DeviceIDPrefix != "" &&
			!strings.HasPrefix(strings.ToLower(dev.DeviceID), strings.ToLower(adv.DeviceIDPrefix)) {
			continue
		}
		return adv
	}
	return nil
}
