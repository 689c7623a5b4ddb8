package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/duskmoor/moorgate/internal/testutil/testlog"
)

func TestReadFrameRoundTrip(t *testing.T) {
	testlog.Start(t)
	fields := []Field{
		NewFieldString(1, "sess.1"),
		NewFieldBytes(2, []byte("look north")),
	}
	wire := EncodeFrame(MsgData, fields)
	fr, err := ReadFrame(bytes.NewReader(wire), DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.MessageType != MsgData {
		t.Fatalf("unexpected message type=%d", fr.Header.MessageType)
	}
	got, err := DecodeFields(fr.Payload)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected field count=%d", len(got))
	}
	s, err := got[0].String()
	if err != nil || s != "sess.1" {
		t.Fatalf("field 1 got=%q err=%v", s, err)
	}
}

func TestReadFrameRejectsBadMagic(t *testing.T) {
	testlog.Start(t)
	wire := EncodeFrame(MsgHello, nil)
	binary.BigEndian.PutUint32(wire[0:4], 0xDEADBEEF)
	if _, err := ReadFrame(bytes.NewReader(wire), DefaultLimits()); !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic got=%v", err)
	}
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	testlog.Start(t)
	wire := EncodeFrame(MsgHello, nil)
	binary.BigEndian.PutUint16(wire[4:6], Version+1)
	if _, err := ReadFrame(bytes.NewReader(wire), DefaultLimits()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion got=%v", err)
	}
}

func TestReadFrameRejectsOversizedPayload(t *testing.T) {
	testlog.Start(t)
	wire := EncodeFrame(MsgData, []Field{NewFieldBytes(2, make([]byte, 64))})
	if _, err := ReadFrame(bytes.NewReader(wire), Limits{MaxPayloadBytes: 16}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge got=%v", err)
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	testlog.Start(t)
	wire := EncodeFrame(MsgData, []Field{NewFieldBytes(2, []byte("abcdef"))})
	if _, err := ReadFrame(bytes.NewReader(wire[:len(wire)-3]), DefaultLimits()); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated got=%v", err)
	}
}

func TestDecodeFieldsShortHeader(t *testing.T) {
	testlog.Start(t)
	if _, err := DecodeFields([]byte{0, 1, 6}); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated got=%v", err)
	}
}

func TestDecodeFieldsLengthOverrun(t *testing.T) {
	testlog.Start(t)
	raw := EncodeFields([]Field{NewFieldString(1, "hi")})
	binary.BigEndian.PutUint32(raw[3:7], 99)
	if _, err := DecodeFields(raw); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength got=%v", err)
	}
}

func TestFieldTypeMismatch(t *testing.T) {
	testlog.Start(t)
	f := NewFieldString(1, "text")
	if _, err := f.Uint32(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch got=%v", err)
	}
	if _, err := f.Bool(); !errors.Is(err, ErrFieldTypeMismatch) {
		t.Fatalf("expected ErrFieldTypeMismatch got=%v", err)
	}
}
