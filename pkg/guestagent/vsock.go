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

package guestagent

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// dialVsock connects to the guest over AF_VSOCK. The returned conn carries
// raw socket reads/writes; deadlines are not supported, callers bound their
// waits at the protocol layer instead.
func dialVsock(cid, port uint32) (net.Conn, error) {
	fd, err := unix.Socket(unix.AF_VSOCK, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("vsock socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrVM{CID: cid, Port: port}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("vsock connect cid %d port %d: %w", cid, port, err)
	}
	return &vsockConn{fd: fd, cid: cid, port: port}, nil
}

type vsockConn struct {
	fd   int
	cid  uint32
	port uint32
}

func (c *vsockConn) Read(b []byte) (int, error) {
	n, err := unix.Read(c.fd, b)
	if err != nil {
		if errors.Is(err, unix.EBADF) {
			err = errors.Join(net.ErrClosed, err)
		}
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *vsockConn) Write(b []byte) (int, error) {
	n, err := unix.Write(c.fd, b)
	if err != nil && errors.Is(err, unix.EBADF) {
		err = errors.Join(net.ErrClosed, err)
	}
	return n, err
}

func (c *vsockConn) Close() error {
	if err := unix.Shutdown(c.fd, unix.SHUT_RD); err != nil {
		if e := unix.Close(c.fd); e != nil {
			err = errors.Join(e, err)
		}
		return err
	}
	return unix.Close(c.fd)
}

func (c *vsockConn) LocalAddr() net.Addr  { return vsockAddr{cid: unix.VMADDR_CID_HOST} }
func (c *vsockConn) RemoteAddr() net.Addr { return vsockAddr{cid: c.cid, port: c.port} }

// Deadlines are a no-op: AF_VSOCK sockets opened this way do not support
// them, and the protocol layer enforces its own timeouts.
func (c *vsockConn) SetDeadline(time.Time) error      { return nil }
func (c *vsockConn) SetReadDeadline(time.Time) error  { return nil }
func (c *vsockConn) SetWriteDeadline(time.Time) error { return nil }

type vsockAddr struct {
	cid  uint32
	port uint32
}

func (a vsockAddr) Network() string { return "vsock" }
func (a vsockAddr) String() string  { return fmt.Sprintf("vsock:%d:%d", a.cid, a.port) }
