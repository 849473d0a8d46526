// Package frame reads and writes the length-prefixed binary frames that carry
// every envelope between two endpoints.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire layout, big endian:
//
//	magic u32 | version u16 | flags u16 | type u32 | id u64 | payload_len u32
const HeaderLen = 24

const (
	// Magic spells "EIPC".
	Magic   uint32 = 0x45495043
	Version uint16 = 1
)

const (
	FlagIsError uint16 = 1 << 0

	knownFlags = FlagIsError
)

var (
	ErrShortHeader        = errors.New("frame: short header")
	ErrInvalidMagic       = errors.New("frame: invalid magic")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrUnknownFlags       = errors.New("frame: unknown flag bits")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrTruncatedPayload   = errors.New("frame: truncated payload")
)

type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	MessageType uint32
	MessageID   uint64
	PayloadLen  uint32
}

type Frame struct {
	Header  Header
	Payload []byte
}

// Limits caps what a reader will allocate for one payload.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 << 20}
}

// ReadFrame reads one frame. io.EOF is returned only when the stream ends
// cleanly on a frame boundary.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var hb [HeaderLen]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return Frame{}, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h := DecodeHeader(hb)
	if err := h.check(limits); err != nil {
		return Frame{}, err
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncatedPayload
		}
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame stamps magic, version and length onto f and writes it with a
// single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))
	if h.Flags&^knownFlags != 0 {
		return fmt.Errorf("%w: %#x", ErrUnknownFlags, h.Flags)
	}

	buf := make([]byte, HeaderLen, HeaderLen+len(f.Payload))
	h.put(buf)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func (h Header) check(limits Limits) error {
	if h.Magic != Magic {
		return ErrInvalidMagic
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	if h.Flags&^knownFlags != 0 {
		return fmt.Errorf("%w: %#x", ErrUnknownFlags, h.Flags)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	return nil
}

func (h Header) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	binary.BigEndian.PutUint16(b[4:6], h.Version)
	binary.BigEndian.PutUint16(b[6:8], h.Flags)
	binary.BigEndian.PutUint32(b[8:12], h.MessageType)
	binary.BigEndian.PutUint64(b[12:20], h.MessageID)
	binary.BigEndian.PutUint32(b[20:24], h.PayloadLen)
}

// EncodeHeader renders h exactly as given, without stamping.
func EncodeHeader(h Header) [HeaderLen]byte {
	var b [HeaderLen]byte
	h.put(b[:])
	return b
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MessageType: binary.BigEndian.Uint32(b[8:12]),
		MessageID:   binary.BigEndian.Uint64(b[12:20]),
		PayloadLen:  binary.BigEndian.Uint32(b[20:24]),
	}
}
