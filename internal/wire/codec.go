package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineBytes bounds a single framed message to guard against a
// misbehaving peer sending an unbounded line.
const maxLineBytes = 16 << 20

// Decoder reads newline-delimited JSON envelopes from a stream. One Decoder
// must be owned by exactly one reader goroutine per connection, matching
// the duplex-stream model's "single task consumes inbound messages" rule.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps r in a line-oriented envelope reader.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Decoder{scanner: scanner}
}

// Next reads and decodes the next envelope, or returns io.EOF when the
// stream closes cleanly.
func (d *Decoder) Next() (*Envelope, error) {
	if !d.scanner.Scan() {
		if err := d.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	var env Envelope
	if err := json.Unmarshal(d.scanner.Bytes(), &env); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	return &env, nil
}

// Encoder writes newline-delimited JSON envelopes to a stream. Safe for
// concurrent use: outbound writes are serialized by an internal mutex so
// that the single writer task draining a connection's push queue (see
// internal/connregistry) never interleaves two envelopes on the wire.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder wraps w in a line-oriented envelope writer.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode serializes env as one JSON line and flushes it.
func (e *Encoder) Encode(env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return err
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return err
	}
	return e.w.Flush()
}
