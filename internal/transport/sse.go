// Copyright Envoy AI Gateway Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package transport

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one server-sent event: the event name (defaulting to "message"
// when the upstream omits the event field) and the joined data payload.
type Frame struct {
	Event string
	Data  string
}

// maxLineSize bounds a single SSE line; model output lines can be large but
// a frame line beyond this indicates a broken upstream.
const maxLineSize = 4 * 1024 * 1024

// EventStream incrementally parses a text/event-stream body. Comment lines
// are skipped, multi-line data fields join with newlines, and a final frame
// missing its terminating blank line is still delivered at EOF.
type EventStream struct {
	scanner *bufio.Scanner

	event string
	data  []string
	err   error
	done  bool
}

// NewEventStream wraps an SSE response body.
func NewEventStream(r io.Reader) *EventStream {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &EventStream{scanner: scanner}
}

// Next returns the next frame, or io.EOF when the stream is exhausted.
func (s *EventStream) Next() (Frame, error) {
	if s.err != nil {
		return Frame{}, s.err
	}
	for !s.done && s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")
		switch {
		case line == "":
			if frame, ok := s.flush(); ok {
				return frame, nil
			}
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimPrefix(strings.TrimPrefix(line, "event:"), " ")
		case strings.HasPrefix(line, "data:"):
			s.data = append(s.data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	s.done = true
	if err := s.scanner.Err(); err != nil {
		s.err = err
		return Frame{}, err
	}
	if frame, ok := s.flush(); ok {
		return frame, nil
	}
	s.err = io.EOF
	return Frame{}, io.EOF
}

func (s *EventStream) flush() (Frame, bool) {
	if len(s.data) == 0 {
		s.event = ""
		return Frame{}, false
	}
	frame := Frame{Event: s.event, Data: strings.Join(s.data, "\n")}
	if frame.Event == "" {
		frame.Event = "message"
	}
	s.event = ""
	s.data = nil
	return frame, true
}
