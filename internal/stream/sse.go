// Package stream is the tiered streaming transport for conversation
// turns. It prefers a live server-sent-event stream, falls back to a
// manually-read streaming fetch, and as a last resort degrades to one
// single-shot completion presented as a stream of one final chunk.
package stream

import (
	"bufio"
	"io"
	"strings"
)

// doneMarker terminates a stream. Everything after it is ignored.
const doneMarker = "[DONE]"

// frame is one server-sent event as read off the wire.
type frame struct {
	event string
	data  string
}

// sseReader incrementally parses server-sent events. Both streaming
// tiers speak the same framing; only the HTTP request differs.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReader(r)}
}

// next returns the next complete frame. A frame is dispatched on the
// blank line that ends it; multiple data lines join with newlines. At
// stream end a pending frame is flushed before the read error.
func (s *sseReader) next() (*frame, error) {
	var event string
	var data []string

	flush := func() *frame {
		if len(data) == 0 && event == "" {
			return nil
		}
		return &frame{event: event, data: strings.Join(data, "\n")}
	}

	for {
		line, err := s.r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if fr := flush(); fr != nil {
					return fr, nil
				}
			case strings.HasPrefix(line, ":"):
				// comment / keepalive
			case strings.HasPrefix(line, "event:"):
				event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}
		if err != nil {
			if fr := flush(); fr != nil {
				return fr, nil
			}
			return nil, err
		}
	}
}
