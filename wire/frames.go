// Package wire turns a raw server-sent-event byte stream into typed
// protocol events. Frame extraction never assumes a frame boundary aligns
// with a network read boundary; incomplete trailing data is buffered until
// more bytes arrive.
package wire

import (
	"bytes"
	"strings"
)

// FrameReader incrementally splits an SSE byte stream into frame payloads.
// A frame is a block of lines terminated by a blank line; its payload is
// the concatenation of the frame's "data:" line values, joined by newlines
// per the SSE spec. The zero value is ready to use.
type FrameReader struct {
	buf  []byte
	data []string
}

// Feed appends chunk to the internal buffer and returns the payloads of
// every frame completed by it. Frames without data lines yield nothing.
func (r *FrameReader) Feed(chunk []byte) []string {
	r.buf = append(r.buf, chunk...)

	var frames []string
	for {
		idx := bytes.IndexByte(r.buf, '\n')
		if idx < 0 {
			return frames
		}
		line := bytes.TrimSuffix(r.buf[:idx], []byte("\r"))
		r.buf = r.buf[idx+1:]

		if len(line) == 0 {
			if len(r.data) > 0 {
				frames = append(frames, strings.Join(r.data, "\n"))
				r.data = nil
			}
			continue
		}
		if line[0] == ':' {
			// Comment line, used as keep-alive by some servers.
			continue
		}
		if value, ok := dataValue(line); ok {
			r.data = append(r.data, value)
		}
		// Other fields (event:, id:, retry:) are irrelevant to this wire
		// format and are skipped.
	}
}

// Flush returns any buffered payload as a final frame. Streams that close
// without a trailing blank line still surface their last frame this way.
func (r *FrameReader) Flush() (string, bool) {
	if len(r.buf) > 0 {
		line := bytes.TrimSuffix(r.buf, []byte("\r"))
		r.buf = nil
		if len(line) > 0 && line[0] != ':' {
			if value, ok := dataValue(line); ok {
				r.data = append(r.data, value)
			}
		}
	}
	if len(r.data) == 0 {
		return "", false
	}
	payload := strings.Join(r.data, "\n")
	r.data = nil
	return payload, true
}

func dataValue(line []byte) (string, bool) {
	rest, ok := bytes.CutPrefix(line, []byte("data:"))
	if !ok {
		return "", false
	}
	// A single leading space after the colon is part of the field syntax.
	rest = bytes.TrimPrefix(rest, []byte(" "))
	return string(rest), true
}
