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

// Package guestagent implements the framed command channel between the host
// and the in-guest agent: JSON bodies delimited by STX/ETX markers,
// correlated by request id.
package guestagent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Frame markers. The body between them is a single UTF-8 JSON object; the
// markers cannot occur inside valid JSON text, so no escaping is needed.
const (
	frameStart = 0x02 // STX
	frameEnd   = 0x03 // ETX
)

// maxFrameSize bounds a single frame so a corrupt stream cannot grow the
// read buffer without limit.
const maxFrameSize = 1 << 20

var (
	// ErrChannel wraps transport-level channel failures.
	ErrChannel = errors.New("guest channel error")

	// ErrFrameTooLarge is returned when a frame exceeds maxFrameSize.
	ErrFrameTooLarge = errors.New("frame exceeds size limit")
)

// CommandKind enumerates the commands the agent understands. The set is
// closed; both ends reject kinds outside it.
type CommandKind string

const (
	KindPing          CommandKind = "ping"
	KindGetInfo       CommandKind = "get-info"
	KindSetResolution CommandKind = "set-resolution"
	KindLaunchApp     CommandKind = "launch-app"
	KindClipboardGet  CommandKind = "clipboard-get"
	KindClipboardSet  CommandKind = "clipboard-set"
	KindShutdown      CommandKind = "shutdown"
)

// Known reports whether k is part of the closed command set.
func (k CommandKind) Known() bool {
	switch k {
	case KindPing, KindGetInfo, KindSetResolution, KindLaunchApp,
		KindClipboardGet, KindClipboardSet, KindShutdown:
		return true
	}
	return false
}

// Request is a host-to-agent frame body.
type Request struct {
	Type      CommandKind     `json:"type"`
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response is an agent-to-host frame body, matched to its Request by id.
type Response struct {
	RequestID string          `json:"request_id"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// writeFrame marshals v and writes it as one delimited frame.
func writeFrame(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", ErrChannel, err)
	}
	buf := make([]byte, 0, len(body)+2)
	buf = append(buf, frameStart)
	buf = append(buf, body...)
	buf = append(buf, frameEnd)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: write frame: %v", ErrChannel, err)
	}
	return nil
}

// readFrame returns the body of the next frame. Bytes before the start
// marker are discarded; a stream can resynchronize after garbage.
func readFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == frameStart {
			break
		}
	}

	var body []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == frameEnd {
			return body, nil
		}
		if len(body) >= maxFrameSize {
			return nil, ErrFrameTooLarge
		}
		body = append(body, b)
	}
}
