// Package vacvision implements the native TCP protocol of the Leybold
// Vacvision vacuum-system controller, reverse engineered from the traffic
// of the vendor's OPC server. It provides framing, the request engine,
// chunked SDB schema download and a high-level client with batched typed
// reads and writes.
package vacvision

import (
	"encoding/binary"
	"fmt"
)

const (
	// DefaultPort is the controller's native protocol port.
	DefaultPort = 1202

	headerLen   = 24
	headerMagic = 0xCCCC0001

	dirCommand  = 0x23
	dirResponse = 0x27

	// maxPayloadLen bounds what we accept in a response header. The length
	// field is 16 bit so this is the wire maximum, not a policy choice.
	maxPayloadLen = 0xFFFF
)

// header is the fixed 24-byte preamble of every command and response frame.
// All fields are big-endian. The meaning of the poll flag is inferred from
// captures: the vendor server sets it on parameter read commands only.
type header struct {
	PayloadLen uint16
	PollFlag   uint32
	Direction  byte
}

func (h *header) encode() [headerLen]byte {
	var b [headerLen]byte
	binary.BigEndian.PutUint32(b[0:4], headerMagic)
	// b[4:6] zero
	binary.BigEndian.PutUint16(b[6:8], h.PayloadLen)
	// b[8:16] zero
	binary.BigEndian.PutUint32(b[16:20], h.PollFlag)
	// b[20] zero
	binary.BigEndian.PutUint16(b[21:23], h.PayloadLen)
	b[23] = h.Direction
	return b
}

// decodeHeader parses a received frame header. A bad magic means the stream
// is desynchronized, which the caller must treat as a connection fault.
func decodeHeader(b []byte) (header, error) {
	var h header
	if len(b) < headerLen {
		return h, fmt.Errorf("short frame header: %d bytes", len(b))
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != headerMagic {
		return h, fmt.Errorf("bad frame magic 0x%08X", magic)
	}
	h.PayloadLen = binary.BigEndian.Uint16(b[6:8])
	h.PollFlag = binary.BigEndian.Uint32(b[16:20])
	h.Direction = b[23]
	return h, nil
}

// The controller expects a fixed acknowledge exchange after every response.
// The frames were lifted verbatim from captures; byte 15 of the expected
// reply (0x19) varies on some firmware revisions, so a mismatch is logged
// by the engine rather than treated as an error.
var (
	ackRequest = [headerLen]byte{
		0x66, 0x66, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x01, 0x02, 0x00, 0x00, 0x04,
	}
	ackExpected = [headerLen]byte{
		0x66, 0x66, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x19,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04,
	}
)
