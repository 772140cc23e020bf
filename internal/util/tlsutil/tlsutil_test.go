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

package tlsutil

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtglass/virtglass/internal/util/certutil"
)

// machineCredentials issues a full credential set for one machine: its CA
// plus host-side and agent-side configs pinned to that CA.
func machineCredentials(t *testing.T, machine string) (client, server *Config) {
	t.Helper()

	ca, err := certutil.NewCA(machine)
	require.NoError(t, err)

	dir := t.TempDir()
	hostPaths, err := ca.WriteCredentials(filepath.Join(dir, "host"), "host", machine)
	require.NoError(t, err)
	agentPaths, err := ca.WriteCredentials(filepath.Join(dir, "agent"), "agent", machine)
	require.NoError(t, err)

	client = &Config{
		CertPath:   hostPaths.CertPath,
		KeyPath:    hostPaths.KeyPath,
		CAPath:     hostPaths.CAPath,
		ServerName: machine,
	}
	server = &Config{
		CertPath: agentPaths.CertPath,
		KeyPath:  agentPaths.KeyPath,
		CAPath:   agentPaths.CAPath,
	}
	return client, server
}

// handshake runs a full mutual handshake over an in-memory pipe and returns
// the two handshake errors.
func handshake(t *testing.T, clientCfg, serverCfg *tls.Config) (clientErr, serverErr error) {
	t.Helper()

	clientSide, serverSide := net.Pipe()
	t.Cleanup(func() {
		_ = clientSide.Close()
		_ = serverSide.Close()
	})

	done := make(chan error, 1)
	go func() {
		srv := tls.Server(serverSide, serverCfg)
		done <- srv.Handshake()
	}()

	cli := tls.Client(clientSide, clientCfg)
	clientErr = cli.Handshake()
	serverErr = <-done
	return clientErr, serverErr
}

func TestMutualHandshake(t *testing.T) {
	clientCfg, serverCfg := machineCredentials(t, "dev-box")

	cc, err := ClientConfig(clientCfg)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cc.MinVersion)

	sc, err := ServerConfig(serverCfg)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, sc.ClientAuth)

	clientErr, serverErr := handshake(t, cc, sc)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
}

func TestHandshakeRejectsForeignCA(t *testing.T) {
	// Credentials from one machine must not satisfy another machine's
	// pinned CA.
	clientCfg, _ := machineCredentials(t, "machine-a")
	_, serverCfg := machineCredentials(t, "machine-b")

	// The client still expects the name it dialed.
	clientCfg.ServerName = "machine-b"

	cc, err := ClientConfig(clientCfg)
	require.NoError(t, err)
	sc, err := ServerConfig(serverCfg)
	require.NoError(t, err)

	clientErr, serverErr := handshake(t, cc, sc)
	assert.Error(t, clientErr)
	assert.Error(t, serverErr)
}

func TestMissingFiles(t *testing.T) {
	clientCfg, _ := machineCredentials(t, "dev-box")

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   error
	}{
		{"certificate", func(c *Config) { c.CertPath = "/nonexistent/cert.pem" }, ErrCertNotFound},
		{"key", func(c *Config) { c.KeyPath = "/nonexistent/key.pem" }, ErrKeyNotFound},
		{"ca", func(c *Config) { c.CAPath = "/nonexistent/ca.pem" }, ErrCANotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *clientCfg
			tt.mutate(&cfg)
			_, err := ClientConfig(&cfg)
			require.ErrorIs(t, err, tt.want)

			_, err = ServerConfig(&cfg)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMismatchedKeyPair(t *testing.T) {
	clientCfg, serverCfg := machineCredentials(t, "dev-box")

	// Pair the host certificate with the agent's key.
	cfg := *clientCfg
	cfg.KeyPath = serverCfg.KeyPath

	_, err := ClientConfig(&cfg)
	require.ErrorIs(t, err, ErrLoadCertFailed)
}

func TestGarbageCA(t *testing.T) {
	clientCfg, _ := machineCredentials(t, "dev-box")

	bad := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bad, []byte("not a certificate"), 0o644))

	cfg := *clientCfg
	cfg.CAPath = bad
	_, err := ClientConfig(&cfg)
	require.ErrorIs(t, err, ErrParseCAFailed)
}
