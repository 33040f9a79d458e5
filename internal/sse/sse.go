// Package sse implements the server-sent-events framing used on both
// legs of the bridge: decoding the upstream event stream and writing
// the client-facing one.
package sse

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// DefaultEvent is the event name assumed when a data block carries none.
const DefaultEvent = "message"

// Event is one decoded server-sent event.
type Event struct {
	Name string
	Data []byte
}

// Decoder incrementally parses an SSE byte stream fed in arbitrary
// chunks. It implements io.Writer so a read loop can simply io.Copy
// the response body into it; each complete event is handed to the emit
// callback in stream order.
type Decoder struct {
	emit func(Event)

	carry []byte // trailing partial line awaiting the next chunk
	name  string
	data  [][]byte
	open  bool // a data block is being accumulated
}

// NewDecoder returns a Decoder delivering events to emit.
func NewDecoder(emit func(Event)) *Decoder {
	return &Decoder{emit: emit}
}

// Write feeds the next chunk of the stream. Chunk boundaries need not
// align with lines or events.
func (d *Decoder) Write(p []byte) (int, error) {
	d.carry = append(d.carry, p...)
	for {
		i := bytes.IndexByte(d.carry, '\n')
		if i < 0 {
			return len(p), nil
		}
		line := d.carry[:i]
		d.carry = d.carry[i+1:]
		d.line(bytes.TrimSuffix(line, []byte("\r")))
	}
}

func (d *Decoder) line(line []byte) {
	switch {
	case len(line) == 0:
		d.flush()
	case line[0] == ':':
		// keep-alive comment
	case bytes.HasPrefix(line, []byte("event:")):
		// a new event marker terminates any block still open
		d.flush()
		d.name = string(trimField(line[len("event:"):]))
	case bytes.HasPrefix(line, []byte("data:")):
		d.open = true
		d.data = append(d.data, append([]byte(nil), trimField(line[len("data:"):])...))
	default:
		// id:, retry: and unknown fields are not meaningful here
	}
}

func (d *Decoder) flush() {
	if !d.open {
		d.name = ""
		return
	}
	name := d.name
	if name == "" {
		name = DefaultEvent
	}
	ev := Event{Name: name, Data: bytes.Join(d.data, []byte("\n"))}
	d.name = ""
	d.data = nil
	d.open = false
	d.emit(ev)
}

func trimField(b []byte) []byte {
	if len(b) > 0 && b[0] == ' ' {
		return b[1:]
	}
	return b
}

// WriteEvent writes an event to w and flushes when possible.
func WriteEvent(w io.Writer, ev Event) (int, error) {
	var b bytes.Buffer
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	fmt.Fprintf(&b, "data: %s\n\n", ev.Data)
	n, err := w.Write(b.Bytes())
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

// WriteComment writes a no-op comment line used as a keep-alive.
func WriteComment(w io.Writer, text string) (int, error) {
	n, err := fmt.Fprintf(w, ": %s\n\n", text)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
