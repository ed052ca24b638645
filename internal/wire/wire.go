// Package wire defines the canonical payload encoding and the length-prefixed
// framing shared by the client protocol and the inter-node RPCs. Payloads are
// canonical JSON: encoding/json emits map keys in sorted order and struct
// fields in declaration order, so equal values always produce identical bytes.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single framed payload. Oversized frames indicate a
// corrupt stream or a misbehaving peer and abort the connection.
const MaxFrameSize = 16 * 1024 * 1024

var ErrFrameTooLarge = errors.New("wire: frame exceeds max size")

// Marshal encodes v as canonical JSON.
func Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes canonical JSON into v.
func Unmarshal(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// WriteFrame writes a [4B big-endian length][payload] frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame and returns the payload.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("wire: short frame: %w", err)
	}
	return payload, nil
}

// WriteMessage marshals v and writes it as one frame.
func WriteMessage(w io.Writer, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return WriteFrame(w, b)
}

// ReadMessage reads one frame and unmarshals it into v.
func ReadMessage(r io.Reader, v any) error {
	b, err := ReadFrame(r)
	if err != nil {
		return err
	}
	return Unmarshal(b, v)
}
