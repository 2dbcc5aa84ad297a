// Package protocol implements the binary frames exchanged between the session
// server and its observers. Every frame is a fixed header followed by exactly
// Size payload bytes, all in native byte order.
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message types.
const (
	TypeConfig          uint32 = 1
	TypeInteractiveStep uint32 = 2
	TypeSummaryData     uint32 = 3
	TypeObstacles       uint32 = 4
)

// HeaderSize is the encoded size of Header.
const HeaderSize = 8

// DefaultMaxPayload bounds ReadFrame when the caller passes 0.
const DefaultMaxPayload = 64 << 20

var ErrFrameTooLarge = errors.New("protocol: frame too large")

var order = binary.NativeEndian

type Header struct {
	Type uint32
	Size uint32
}

type Frame struct {
	Type    uint32
	Payload []byte
}

func TypeName(t uint32) string {
	switch t {
	case TypeConfig:
		return "CONFIG"
	case TypeInteractiveStep:
		return "INTERACTIVE_STEP"
	case TypeSummaryData:
		return "SUMMARY_DATA"
	case TypeObstacles:
		return "OBSTACLES"
	default:
		return fmt.Sprintf("TYPE_%d", t)
	}
}

// EncodeFrame returns header and payload in one buffer so the frame can go out
// in a single write.
func EncodeFrame(typ uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	order.PutUint32(out[0:4], typ)
	order.PutUint32(out[4:8], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

func WriteFrame(w io.Writer, typ uint32, payload []byte) error {
	_, err := w.Write(EncodeFrame(typ, payload))
	return err
}

// ReadFrame reads one frame. A short read anywhere in the frame is reported as
// io.ErrUnexpectedEOF; a clean EOF before the header is io.EOF.
func ReadFrame(r io.Reader, maxPayload uint32) (Frame, error) {
	if maxPayload == 0 {
		maxPayload = DefaultMaxPayload
	}
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	h := Header{Type: order.Uint32(hdr[0:4]), Size: order.Uint32(hdr[4:8])}
	if h.Size > maxPayload {
		return Frame{}, fmt.Errorf("%w: %s payload %d > %d", ErrFrameTooLarge, TypeName(h.Type), h.Size, maxPayload)
	}
	payload := make([]byte, h.Size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Frame{Type: h.Type, Payload: payload}, nil
}

// DecodeFrame parses a frame that arrived as one message (WebSocket).
func DecodeFrame(b []byte, maxPayload uint32) (Frame, error) {
	f, err := ReadFrame(bytes.NewReader(b), maxPayload)
	if err != nil {
		return Frame{}, err
	}
	if want := HeaderSize + len(f.Payload); want != len(b) {
		return Frame{}, fmt.Errorf("protocol: %d trailing bytes after %s frame", len(b)-want, TypeName(f.Type))
	}
	return f, nil
}
