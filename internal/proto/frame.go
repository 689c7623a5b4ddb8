package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// Magic marks every moorgate control-channel frame.
	Magic uint32 = 0x4D4F4F52 // "MOOR"

	// Version is the current wire version.
	Version uint16 = 1

	// HeaderSize is the fixed frame header length in bytes.
	HeaderSize = 16
)

// Header is the fixed wire header preceding every frame payload.
type Header struct {
	Magic       uint32
	Version     uint16
	MessageType MessageType
	PayloadLen  uint64
}

// Frame is one complete wire message: header plus raw TLV payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

// DefaultLimits bounds a single frame to 1 MiB of payload.
func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

// ReadFrame reads one complete frame from r.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderSize]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrTruncated
		}
		return Frame{}, err
	}

	h, err := decodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, ErrTruncated
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// EncodeFrame builds the full wire bytes for one message type and field set.
func EncodeFrame(t MessageType, fields []Field) []byte {
	payload := EncodeFields(fields)
	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint16(buf[4:6], Version)
	binary.BigEndian.PutUint16(buf[6:8], uint16(t))
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(payload)))
	copy(buf[HeaderSize:], payload)
	return buf
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		MessageType: MessageType(binary.BigEndian.Uint16(b[6:8])),
		PayloadLen:  binary.BigEndian.Uint64(b[8:16]),
	}
	if h.Magic != Magic {
		return Header{}, ErrInvalidMagic
	}
	if h.Version != Version {
		return Header{}, ErrUnsupportedVersion
	}
	return h, nil
}
