// Package codec implements the on-disk frame format for one logbuffers
// record: a fixed 20-byte header (type, timestamp, payload length)
// followed by the payload bytes.
//
// The layout is little-endian throughout.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/little-pan/logbuffers/types"
)

// HeaderLen is the fixed size, in bytes, of a frame header: 8 bytes
// type + 8 bytes timestamp + 4 bytes payload length.
const HeaderLen = 20

// MaxPayloadLen is the largest payload length representable by the
// 32-bit, non-negative length prefix.
const MaxPayloadLen = 1<<31 - 1

// Encode frames a record's type, timestamp and payload into a single
// byte slice ready for SegmentedStore.Append.
func Encode(typ uint64, timestampMs int64, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("logbuffers: payload of %d bytes exceeds max %d: %w", len(payload), MaxPayloadLen, types.ErrInvalidArgument)
	}
	buf := make([]byte, HeaderLen+len(payload))
	binary.LittleEndian.PutUint64(buf[0:8], typ)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(timestampMs))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(len(payload)))
	copy(buf[HeaderLen:], payload)
	return buf, nil
}

// Decode parses a full frame previously produced by Encode. It fails
// with types.ErrCorrupt if the embedded length disagrees with the
// number of bytes actually supplied.
func Decode(frame []byte) (typ uint64, timestampMs int64, payload []byte, err error) {
	if len(frame) < HeaderLen {
		return 0, 0, nil, fmt.Errorf("logbuffers: frame shorter than header (%d bytes): %w", len(frame), types.ErrCorrupt)
	}
	typ = binary.LittleEndian.Uint64(frame[0:8])
	timestampMs = int64(binary.LittleEndian.Uint64(frame[8:16]))
	payloadLen := binary.LittleEndian.Uint32(frame[16:20])
	if len(frame) != HeaderLen+int(payloadLen) {
		return 0, 0, nil, fmt.Errorf("logbuffers: frame declares payload of %d bytes but has %d available: %w", payloadLen, len(frame)-HeaderLen, types.ErrCorrupt)
	}
	payload = frame[HeaderLen:]
	return typ, timestampMs, payload, nil
}

// PeekHeader reads only the type and timestamp from the first
// HeaderLen bytes of a frame, without touching the payload. Scans that
// only need to filter by time or type use this to avoid materializing
// payloads they will discard.
func PeekHeader(header []byte) (typ uint64, timestampMs int64, err error) {
	if len(header) < HeaderLen {
		return 0, 0, fmt.Errorf("logbuffers: header shorter than %d bytes: %w", HeaderLen, types.ErrCorrupt)
	}
	typ = binary.LittleEndian.Uint64(header[0:8])
	timestampMs = int64(binary.LittleEndian.Uint64(header[8:16]))
	return typ, timestampMs, nil
}

// PayloadLen reads just the payload-length field out of a header,
// letting a caller size a read buffer before fetching the payload.
func PayloadLen(header []byte) (uint32, error) {
	if len(header) < HeaderLen {
		return 0, fmt.Errorf("logbuffers: header shorter than %d bytes: %w", HeaderLen, types.ErrCorrupt)
	}
	return binary.LittleEndian.Uint32(header[16:20]), nil
}

// ToRecord decodes a frame into a types.Record, stamping the supplied
// index (the frame itself never carries its own index; that's the
// caller's address for it in the store).
func ToRecord(index uint64, frame []byte) (types.Record, error) {
	typ, ts, payload, err := Decode(frame)
	if err != nil {
		return types.Record{}, err
	}
	return types.Record{Type: typ, Timestamp: ts, Index: index, Payload: payload}, nil
}
