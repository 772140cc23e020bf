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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrRecordNotFound is returned when no persisted record exists for a name.
var ErrRecordNotFound = errors.New("machine record not found")

// Store persists per-machine records as JSON files in a well-known per-user
// location. It is the only durable state the core owns; everything else is
// queried live from the backend or from sysfs.
type Store struct {
	dir string
	mu  sync.Mutex
}

// DefaultStoreDir returns ${XDG_CONFIG_HOME:-~/.config}/virtglass/machines.
func DefaultStoreDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, "virtglass", "machines"), nil
}

// NewStore creates a Store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) recordPath(name string) string {
	return filepath.Join(s.dir, name+".json")
}

// CredentialsDir returns where a machine's channel credentials live,
// alongside its record.
func (s *Store) CredentialsDir(name string) string {
	return filepath.Join(s.dir, name+".credentials")
}

// Save writes or replaces the record for m.Name. The write goes through a
// temp file and rename so readers never observe a partial record.
func (s *Store) Save(m *Machine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", m.Name, err)
	}

	tmp := s.recordPath(m.Name) + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write record %s: %w", m.Name, err)
	}
	if err := os.Rename(tmp, s.recordPath(m.Name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit record %s: %w", m.Name, err)
	}
	return nil
}

// Load reads the record for name.
func (s *Store) Load(name string) (*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.recordPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, name)
		}
		return nil, fmt.Errorf("read record %s: %w", name, err)
	}

	m := &Machine{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", name, err)
	}
	return m, nil
}

// Exists reports whether a record exists for name.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.recordPath(name))
	return err == nil
}

// Delete removes the record for name. Deleting an absent record is a no-op.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.recordPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete record %s: %w", name, err)
	}
	return nil
}

// List loads every persisted record.
func (s *Store) List() ([]*Machine, error) {
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list store directory: %w", err)
	}

	machines := make([]*Machine, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		m, err := s.Load(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, nil
}

// FindByGPU returns the machine claiming the given PCI address, or nil.
// The isolation binding of a GPU is exclusive to one defined machine.
func (s *Store) FindByGPU(address string) (*Machine, error) {
	machines, err := s.List()
	if err != nil {
		return nil, err
	}
	for _, m := range machines {
		if m.Config.GPUAddress != "" && m.Config.GPUAddress == address {
			return m, nil
		}
	}
	return nil, nil
}
