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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testMachine(name, gpu string) *Machine {
	return &Machine{
		Name:     name,
		UUID:     "8a6e0804-2bd0-4672-b79d-d97027f9071a",
		DiskPath: "/var/lib/virtglass/disks/" + name + ".qcow2",
		Config: MachineConfig{
			Name:       name,
			OS:         OSLinux,
			VCPUs:      2,
			MemoryMB:   2048,
			GPUAddress: gpu,
			Display:    DisplayConfig{SharedMemory: true, SharedMemoryMB: 128},
		},
	}
}

func TestStoreSaveLoad(t *testing.T) {
	store := newTestStore(t)

	want := testMachine("dev-box", "0000:65:00.0")
	require.NoError(t, store.Save(want))

	got, err := store.Load("dev-box")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	assert.Equal(t, want.UUID, got.UUID)
	assert.Equal(t, want.Config, got.Config)

	assert.True(t, store.Exists("dev-box"))
	assert.False(t, store.Exists("other"))
}

func TestStoreLoadMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Load("absent")
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestStoreSaveReplaces(t *testing.T) {
	store := newTestStore(t)

	m := testMachine("dev-box", "")
	require.NoError(t, store.Save(m))

	m.Config.Display.Fullscreen = true
	require.NoError(t, store.Save(m))

	got, err := store.Load("dev-box")
	require.NoError(t, err)
	assert.True(t, got.Config.Display.Fullscreen)
}

func TestStoreDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(testMachine("dev-box", "")))
	require.NoError(t, store.Delete("dev-box"))
	assert.False(t, store.Exists("dev-box"))

	// Deleting an absent record is a no-op.
	require.NoError(t, store.Delete("dev-box"))
}

func TestStoreList(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(testMachine("alpha", "")))
	require.NoError(t, store.Save(testMachine("beta", "0000:65:00.0")))

	machines, err := store.List()
	require.NoError(t, err)
	assert.Len(t, machines, 2)
}

func TestStoreFindByGPU(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(testMachine("alpha", "")))
	require.NoError(t, store.Save(testMachine("beta", "0000:65:00.0")))

	owner, err := store.FindByGPU("0000:65:00.0")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, "beta", owner.Name)

	owner, err = store.FindByGPU("0000:66:00.0")
	require.NoError(t, err)
	assert.Nil(t, owner)

	// Machines without a GPU never match, not even an empty query.
	owner, err = store.FindByGPU("")
	require.NoError(t, err)
	assert.Nil(t, owner)
}
