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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtglass/virtglass/pkg/vmm"
)

func TestAgentChannelConfigLocalOnly(t *testing.T) {
	cfg := agentChannelConfig(&vmm.Machine{Name: "dev-box"})

	assert.Equal(t, "dev-box", cfg.VMName)
	assert.Equal(t, vmm.AgentSocketPath("dev-box"), cfg.SocketPath)
	assert.Zero(t, cfg.VsockCID)
	assert.Zero(t, cfg.TCPPort)
	assert.Nil(t, cfg.TLS)
}

func TestAgentChannelConfigWithCredentials(t *testing.T) {
	record := &vmm.Machine{
		Name: "dev-box",
		Config: vmm.MachineConfig{
			Agent: vmm.AgentConfig{VsockCID: 7, TCPPort: 5900},
		},
		AgentCreds: &vmm.AgentCredentials{
			CAPath:   "/creds/ca.pem",
			CertPath: "/creds/host.pem",
			KeyPath:  "/creds/host.key",
		},
	}

	cfg := agentChannelConfig(record)
	assert.Equal(t, uint32(7), cfg.VsockCID)
	assert.Equal(t, 5900, cfg.TCPPort)

	require.NotNil(t, cfg.TLS)
	assert.Equal(t, "/creds/ca.pem", cfg.TLS.CAPath)
	assert.Equal(t, "/creds/host.pem", cfg.TLS.CertPath)
	assert.Equal(t, "/creds/host.key", cfg.TLS.KeyPath)
	assert.Equal(t, "dev-box", cfg.TLS.ServerName)
}
