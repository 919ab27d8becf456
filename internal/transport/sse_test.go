// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package transport

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func collectFrames(t *testing.T, body string) []Frame {
	t.Helper()
	stream := NewEventStream(strings.NewReader(body))
	var frames []Frame
	for {
		frame, err := stream.Next()
		if err == io.EOF {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, frame)
	}
}

func TestEventStream(t *testing.T) {
	for _, tc := range []struct {
		name string
		body string
		want []Frame
	}{
		{
			name: "named events",
			body: "event: response.created\ndata: {\"a\":1}\n\nevent: response.completed\ndata: {\"b\":2}\n\n",
			want: []Frame{
				{Event: "response.created", Data: `{"a":1}`},
				{Event: "response.completed", Data: `{"b":2}`},
			},
		},
		{
			name: "default event name",
			body: "data: {\"a\":1}\n\n",
			want: []Frame{{Event: "message", Data: `{"a":1}`}},
		},
		{
			name: "multi-line data joins with newline",
			body: "data: line one\ndata: line two\n\n",
			want: []Frame{{Event: "message", Data: "line one\nline two"}},
		},
		{
			name: "comments and blank frames skipped",
			body: ": keep-alive\n\n: another\ndata: x\n\n",
			want: []Frame{{Event: "message", Data: "x"}},
		},
		{
			name: "missing final blank line still flushes",
			body: "event: done\ndata: tail",
			want: []Frame{{Event: "done", Data: "tail"}},
		},
		{
			name: "crlf line endings",
			body: "event: e\r\ndata: x\r\n\r\n",
			want: []Frame{{Event: "e", Data: "x"}},
		},
		{
			name: "event without data is dropped",
			body: "event: orphan\n\ndata: y\n\n",
			want: []Frame{{Event: "message", Data: "y"}},
		},
		{
			name: "no space after colon",
			body: "event:e\ndata:{\"a\":1}\n\n",
			want: []Frame{{Event: "e", Data: `{"a":1}`}},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, collectFrames(t, tc.body))
		})
	}
}

func TestEventStream_EOFIsSticky(t *testing.T) {
	stream := NewEventStream(strings.NewReader("data: x\n\n"))
	_, err := stream.Next()
	require.NoError(t, err)
	_, err = stream.Next()
	require.Equal(t, io.EOF, err)
	_, err = stream.Next()
	require.Equal(t, io.EOF, err)
}
