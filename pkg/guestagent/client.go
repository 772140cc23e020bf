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
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/virtglass/virtglass/internal/metrics"
	"github.com/virtglass/virtglass/internal/util/tlsutil"
)

const (
	// DefaultVsockPort is the agent's listening port inside the guest.
	DefaultVsockPort = 4097

	// DefaultSendTimeout bounds a round trip when the caller passes zero.
	DefaultSendTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Send before Connect or after Disconnect.
var ErrNotConnected = errors.New("guest channel not connected")

// Config selects the endpoints the client tries, in order: vsock, unix
// socket, loopback TCP. A zero value disables that endpoint.
type Config struct {
	// VMName identifies the machine, used in logs and error messages.
	VMName string

	// VsockCID is the guest's context id. Zero disables the vsock
	// endpoint.
	VsockCID uint32

	// VsockPort defaults to DefaultVsockPort.
	VsockPort uint32

	// SocketPath is the host-side unix socket of the virtio-serial
	// channel. Empty disables it.
	SocketPath string

	// TCPPort enables a loopback TCP endpoint for guests without vsock or
	// virtio-serial. Zero disables it.
	TCPPort int

	// TLS holds the machine's pinned-CA credentials. Required for vsock
	// and TCP; the unix socket is filesystem-permission protected and may
	// run plaintext when TLS is nil.
	TLS *tlsutil.Config
}

// Client is the host side of the guest channel. One connection, one receive
// loop; concurrent Sends are multiplexed by request id. There is no
// automatic reconnect: a broken channel fails pending sends and stays
// broken until the caller reconnects.
type Client struct {
	cfg Config
	log *slog.Logger

	writeMu sync.Mutex
	conn    net.Conn

	mu       sync.Mutex
	waiters  map[string]chan *Response
	endpoint string
	closed   chan struct{}
}

// NewClient creates a disconnected client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.VsockPort == 0 {
		cfg.VsockPort = DefaultVsockPort
	}
	return &Client{
		cfg:     cfg,
		log:     logger,
		waiters: make(map[string]chan *Response),
	}
}

// Connect dials the configured endpoints in order and keeps the first that
// succeeds, then starts the receive loop. The errors of every failed
// endpoint are joined so a total failure names each attempt.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}

	conn, endpoint, err := c.dial()
	if err != nil {
		return fmt.Errorf("%w: connect to %s: %w", ErrChannel, c.cfg.VMName, err)
	}

	c.conn = conn
	c.endpoint = endpoint
	c.closed = make(chan struct{})
	go c.receive(conn, c.closed)

	c.log.Info("guest channel connected", "machine", c.cfg.VMName, "endpoint", endpoint)
	return nil
}

func (c *Client) dial() (net.Conn, string, error) {
	var errs []error

	if c.cfg.VsockCID != 0 {
		conn, err := dialVsock(c.cfg.VsockCID, c.cfg.VsockPort)
		if err == nil {
			conn, err = c.secure(conn)
			if err == nil {
				return conn, "vsock", nil
			}
		}
		errs = append(errs, fmt.Errorf("vsock: %w", err))
	}

	if c.cfg.SocketPath != "" {
		conn, err := net.DialTimeout("unix", c.cfg.SocketPath, 3*time.Second)
		if err == nil {
			return conn, "unix", nil
		}
		errs = append(errs, fmt.Errorf("unix: %w", err))
	}

	if c.cfg.TCPPort != 0 {
		addr := fmt.Sprintf("127.0.0.1:%d", c.cfg.TCPPort)
		conn, err := net.DialTimeout("tcp", addr, 3*time.Second)
		if err == nil {
			conn, err = c.secure(conn)
			if err == nil {
				return conn, "tcp", nil
			}
		}
		errs = append(errs, fmt.Errorf("tcp: %w", err))
	}

	if len(errs) == 0 {
		return nil, "", errors.New("no endpoints configured")
	}
	return nil, "", errors.Join(errs...)
}

// secure wraps the conn in mutual TLS using the machine's pinned CA. The
// vsock and TCP endpoints are reachable by other host processes, so they
// never run plaintext.
func (c *Client) secure(conn net.Conn) (net.Conn, error) {
	if c.cfg.TLS == nil {
		_ = conn.Close()
		return nil, errors.New("endpoint requires TLS credentials and none are configured")
	}
	tlsCfg, err := tlsutil.ClientConfig(c.cfg.TLS)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	tc := tls.Client(conn, tlsCfg)
	if err := tc.Handshake(); err != nil {
		_ = tc.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tc, nil
}

// Endpoint reports which endpoint the live connection uses, or empty when
// disconnected.
func (c *Client) Endpoint() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoint
}

// Send performs one request/response round trip. A response that does not
// arrive within the timeout yields (nil, nil): an unreachable or wedged
// agent is an expected condition, reported as absence rather than failure.
// The late response, if it ever arrives, is dropped by the receive loop.
func (c *Client) Send(kind CommandKind, data any, timeout time.Duration) (*Response, error) {
	if !kind.Known() {
		return nil, fmt.Errorf("%w: unknown command kind %q", ErrChannel, kind)
	}
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s payload: %v", ErrChannel, kind, err)
		}
		raw = b
	}

	req := Request{
		Type:      kind,
		RequestID: shortuuid.New(),
		Data:      raw,
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: machine %s", ErrNotConnected, c.cfg.VMName)
	}
	waiter := make(chan *Response, 1)
	c.waiters[req.RequestID] = waiter
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.RequestID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := writeFrame(conn, &req)
	c.writeMu.Unlock()
	if err != nil {
		metrics.GuestRequests.WithLabelValues(string(kind), "error").Inc()
		return nil, err
	}

	select {
	case resp := <-waiter:
		outcome := "ok"
		if !resp.Success {
			outcome = "error"
		}
		metrics.GuestRequests.WithLabelValues(string(kind), outcome).Inc()
		return resp, nil
	case <-time.After(timeout):
		metrics.GuestRequests.WithLabelValues(string(kind), "timeout").Inc()
		c.log.Debug("guest request timed out",
			"machine", c.cfg.VMName, "kind", kind, "request_id", req.RequestID)
		return nil, nil
	case <-closed:
		metrics.GuestRequests.WithLabelValues(string(kind), "error").Inc()
		return nil, fmt.Errorf("%w: machine %s", ErrNotConnected, c.cfg.VMName)
	}
}

// receive demultiplexes inbound frames to their waiters. It owns the read
// side of the conn and exits on the first read error, which is also how
// Disconnect unblocks it.
func (c *Client) receive(conn net.Conn, closed chan struct{}) {
	defer close(closed)

	br := bufio.NewReader(conn)
	for {
		body, err := readFrame(br)
		if err != nil {
			c.log.Debug("guest channel receive loop ending",
				"machine", c.cfg.VMName, "error", err)
			return
		}

		var resp Response
		if err := json.Unmarshal(body, &resp); err != nil {
			c.log.Warn("dropping malformed frame",
				"machine", c.cfg.VMName, "error", err)
			continue
		}

		c.mu.Lock()
		waiter, ok := c.waiters[resp.RequestID]
		if ok {
			delete(c.waiters, resp.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			// Response to a request whose Send already timed out.
			c.log.Debug("dropping unmatched response",
				"machine", c.cfg.VMName, "request_id", resp.RequestID)
			continue
		}
		waiter <- &resp
	}
}

// Disconnect closes the connection. The receive loop exits on the resulting
// read error; pending Sends fail with ErrNotConnected.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.endpoint = ""
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: close channel to %s: %v", ErrChannel, c.cfg.VMName, err)
	}
	return nil
}
