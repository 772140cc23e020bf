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

// Package tlsutil builds the mutual-TLS configurations used on the guest
// channel. Each machine carries its own CA; both ends present a certificate
// and verify the peer against that CA alone, so a credential from one
// machine is useless against another.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

var (
	// ErrCertNotFound is returned when the certificate file does not exist.
	ErrCertNotFound = errors.New("certificate file not found")
	// ErrKeyNotFound is returned when the key file does not exist.
	ErrKeyNotFound = errors.New("key file not found")
	// ErrCANotFound is returned when the CA file does not exist.
	ErrCANotFound = errors.New("CA file not found")
	// ErrLoadCertFailed is returned when loading the certificate fails.
	ErrLoadCertFailed = errors.New("failed to load certificate")
	// ErrParseCAFailed is returned when parsing the CA certificate fails.
	ErrParseCAFailed = errors.New("failed to parse CA certificate")
)

// Config names the credential files for one side of the channel.
type Config struct {
	// CertPath is this side's certificate.
	CertPath string
	// KeyPath is this side's private key.
	KeyPath string
	// CAPath is the machine's pinned CA; the only issuer trusted for the
	// peer.
	CAPath string
	// ServerName is the name the client expects in the agent's
	// certificate.
	ServerName string
}

// ClientConfig builds the host-side configuration: present the host
// certificate, trust only the machine's CA for the agent.
func ClientConfig(cfg *Config) (*tls.Config, error) {
	cert, pool, err := load(cfg)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   cfg.ServerName,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// ServerConfig builds the agent-side configuration: present the agent
// certificate, require a host certificate issued by the machine's CA.
func ServerConfig(cfg *Config) (*tls.Config, error) {
	cert, pool, err := load(cfg)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func load(cfg *Config) (tls.Certificate, *x509.CertPool, error) {
	if _, err := os.Stat(cfg.CertPath); os.IsNotExist(err) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %s", ErrCertNotFound, cfg.CertPath)
	}
	if _, err := os.Stat(cfg.KeyPath); os.IsNotExist(err) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %s", ErrKeyNotFound, cfg.KeyPath)
	}
	if _, err := os.Stat(cfg.CAPath); os.IsNotExist(err) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %s", ErrCANotFound, cfg.CAPath)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %v", ErrLoadCertFailed, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return tls.Certificate{}, nil, fmt.Errorf("%w: %v", ErrParseCAFailed, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, fmt.Errorf("%w: no certificates in %s", ErrParseCAFailed, cfg.CAPath)
	}
	return cert, pool, nil
}
