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
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
)

// HandlerFunc processes one command's payload and returns its result.
type HandlerFunc func(data json.RawMessage) (json.RawMessage, error)

// Handlers binds one handler per command kind. A nil handler makes the
// server answer that kind with a not-implemented error instead of dropping
// the frame.
type Handlers struct {
	Ping          HandlerFunc
	GetInfo       HandlerFunc
	SetResolution HandlerFunc
	LaunchApp     HandlerFunc
	ClipboardGet  HandlerFunc
	ClipboardSet  HandlerFunc
	Shutdown      HandlerFunc
}

func (h *Handlers) lookup(kind CommandKind) (HandlerFunc, bool) {
	switch kind {
	case KindPing:
		return h.Ping, true
	case KindGetInfo:
		return h.GetInfo, true
	case KindSetResolution:
		return h.SetResolution, true
	case KindLaunchApp:
		return h.LaunchApp, true
	case KindClipboardGet:
		return h.ClipboardGet, true
	case KindClipboardSet:
		return h.ClipboardSet, true
	case KindShutdown:
		return h.Shutdown, true
	default:
		return nil, false
	}
}

// Server is the agent side of the channel. The in-guest agent embeds it;
// the host-side tests use it against an in-memory pipe.
type Server struct {
	handlers Handlers
	log      *slog.Logger
}

// NewServer creates a server dispatching to the given handlers.
func NewServer(handlers Handlers, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handlers: handlers, log: logger}
}

// Serve answers requests on conn until the first read error. Responses are
// written in request order; every inbound frame gets exactly one response,
// including malformed and unknown ones, so the host side never waits on a
// swallowed request.
func (s *Server) Serve(conn net.Conn) error {
	br := bufio.NewReader(conn)
	for {
		body, err := readFrame(br)
		if err != nil {
			return err
		}

		var req Request
		if err := json.Unmarshal(body, &req); err != nil {
			s.log.Warn("malformed request frame", "error", err)
			if werr := writeFrame(conn, &Response{
				Success: false,
				Error:   fmt.Sprintf("malformed request: %v", err),
			}); werr != nil {
				return werr
			}
			continue
		}

		resp := s.dispatch(&req)
		if err := writeFrame(conn, resp); err != nil {
			return err
		}
	}
}

func (s *Server) dispatch(req *Request) *Response {
	resp := &Response{RequestID: req.RequestID}

	handler, known := s.handlers.lookup(req.Type)
	if !known {
		resp.Error = fmt.Sprintf("unknown command kind %q", req.Type)
		return resp
	}
	if handler == nil {
		resp.Error = fmt.Sprintf("command %q not implemented", req.Type)
		return resp
	}

	data, err := handler(req.Data)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Success = true
	resp.Data = data
	return resp
}
