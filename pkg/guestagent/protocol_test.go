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
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	req := Request{Type: KindPing, RequestID: "r1"}
	require.NoError(t, writeFrame(&buf, &req))

	raw := buf.Bytes()
	assert.Equal(t, byte(frameStart), raw[0])
	assert.Equal(t, byte(frameEnd), raw[len(raw)-1])

	body, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	var decoded Request
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, req, decoded)
}

func TestReadFrameResyncsAfterGarbage(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("line noise before the frame")
	require.NoError(t, writeFrame(&buf, &Response{RequestID: "r2", Success: true}))

	body, err := readFrame(bufio.NewReader(&buf))
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, "r2", resp.RequestID)
}

func TestReadFrameMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &Response{RequestID: "a"}))
	require.NoError(t, writeFrame(&buf, &Response{RequestID: "b"}))

	br := bufio.NewReader(&buf)
	for _, want := range []string{"a", "b"} {
		body, err := readFrame(br)
		require.NoError(t, err)
		var resp Response
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Equal(t, want, resp.RequestID)
	}

	_, err := readFrame(br)
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTruncated(t *testing.T) {
	buf := bytes.NewBufferString("\x02{\"request_id\":\"r3\"")

	_, err := readFrame(bufio.NewReader(buf))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(frameStart)
	buf.Write(bytes.Repeat([]byte("a"), maxFrameSize+1))

	_, err := readFrame(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestCommandKindKnown(t *testing.T) {
	for _, kind := range []CommandKind{
		KindPing, KindGetInfo, KindSetResolution, KindLaunchApp,
		KindClipboardGet, KindClipboardSet, KindShutdown,
	} {
		assert.True(t, kind.Known(), string(kind))
	}
	assert.False(t, CommandKind("format-disk").Known())
	assert.False(t, CommandKind("").Known())
}
