package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// maxLineSize bounds a single encoded envelope.
const maxLineSize = 10 * 1024 * 1024

// Encoder writes envelopes to an io.Writer, one JSON document per line.
// It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	w   *bufio.Writer
	now func() time.Time
}

// NewEncoder creates a new protocol encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w:   bufio.NewWriter(w),
		now: time.Now,
	}
}

// WithClock replaces the timestamp source. Intended for deterministic output.
func (e *Encoder) WithClock(now func() time.Time) *Encoder {
	e.now = now
	return e
}

// Encode writes an envelope to the output stream. A zero Timestamp is stamped with the
// encoder's clock.
func (e *Encoder) Encode(env *Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("invalid envelope: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := *env
	if out.Timestamp.IsZero() {
		out.Timestamp = e.now().UTC()
	}

	msgBytes, err := json.Marshal(&out)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if _, err := e.w.Write(msgBytes); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}

	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	return nil
}

// EncodeData builds an envelope around data and writes it.
func (e *Encoder) EncodeData(msgType MessageType, plugin string, data interface{}) error {
	env, err := NewEnvelope(msgType, plugin, data)
	if err != nil {
		return err
	}
	return e.Encode(env)
}

// Decoder reads envelopes from an io.Reader.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a new protocol decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next envelope from the input stream. It returns io.EOF when the
// stream ends cleanly and an error wrapping ErrMalformedPayload for undecodable lines.
func (d *Decoder) Decode() (*Envelope, error) {
	for {
		if !d.r.Scan() {
			if err := d.r.Err(); err != nil {
				return nil, fmt.Errorf("scan error: %w", err)
			}
			return nil, io.EOF
		}

		line := d.r.Bytes()
		if len(line) == 0 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}

		return &env, nil
	}
}
