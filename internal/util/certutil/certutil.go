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

// Package certutil issues the per-machine credentials used on the guest
// channel. Every machine gets its own CA; host and agent certificates are
// issued under it, so trust never extends past one machine.
package certutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// CA is a single machine's certificate authority.
type CA struct {
	key  *ecdsa.PrivateKey
	root *x509.Certificate
}

// NewCA creates the authority for one machine.
func NewCA(machine string) (*CA, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("virtglass-%s-ca", machine),
			Organization: []string{"virtglass"},
		},
		SerialNumber:          serial,
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca key: %w", err)
	}

	raw, err := x509.CreateCertificate(rand.Reader, template, template, key.Public(), key)
	if err != nil {
		return nil, fmt.Errorf("self-sign ca certificate: %w", err)
	}
	root, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}

	return &CA{key: key, root: root}, nil
}

// CertPEM returns the CA root certificate in PEM form. This is the pinned
// trust anchor both channel ends verify against.
func (ca *CA) CertPEM() []byte {
	return certToPEM(ca.root)
}

// IssuePEM issues a key and certificate under the CA, valid for both client
// and server use so one credential set serves either channel end.
func (ca *CA) IssuePEM(commonName string, dnsNames ...string) (keyPEM, certPEM []byte, err error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	template := &x509.Certificate{
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"virtglass"},
		},
		DNSNames:     dnsNames,
		SerialNumber: serial,
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key for %s: %w", commonName, err)
	}

	raw, err := x509.CreateCertificate(rand.Reader, template, ca.root, key.Public(), ca.key)
	if err != nil {
		return nil, nil, fmt.Errorf("issue certificate for %s: %w", commonName, err)
	}

	kb, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key for %s: %w", commonName, err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: kb})

	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse certificate for %s: %w", commonName, err)
	}
	return keyPEM, certToPEM(cert), nil
}

// Paths locates one side's credential files on disk.
type Paths struct {
	CAPath   string
	CertPath string
	KeyPath  string
}

// WriteCredentials issues a credential set and writes it under dir with
// key material readable by the owner only.
func (ca *CA) WriteCredentials(dir, commonName string, dnsNames ...string) (Paths, error) {
	keyPEM, certPEM, err := ca.IssuePEM(commonName, dnsNames...)
	if err != nil {
		return Paths{}, err
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Paths{}, fmt.Errorf("create credential dir %s: %w", dir, err)
	}

	paths := Paths{
		CAPath:   filepath.Join(dir, "ca.pem"),
		CertPath: filepath.Join(dir, commonName+".pem"),
		KeyPath:  filepath.Join(dir, commonName+".key"),
	}
	if err := os.WriteFile(paths.CAPath, ca.CertPEM(), 0o644); err != nil {
		return Paths{}, fmt.Errorf("write ca: %w", err)
	}
	if err := os.WriteFile(paths.CertPath, certPEM, 0o644); err != nil {
		return Paths{}, fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(paths.KeyPath, keyPEM, 0o600); err != nil {
		return Paths{}, fmt.Errorf("write key: %w", err)
	}
	return paths, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}

func certToPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}
