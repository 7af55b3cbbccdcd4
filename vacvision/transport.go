package vacvision

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/luksan/leybold-opc/logging"
)

// transport owns the TCP stream and the frame codec. It is not safe for
// concurrent use; the engine's request loop is its only caller.
type transport struct {
	conn    net.Conn
	timeout time.Duration
}

func dialTransport(address string, timeout time.Duration) (*transport, error) {
	// Add default port if not specified
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		address = fmt.Sprintf("%s:%d", address, DefaultPort)
	} else if port == "" {
		address = fmt.Sprintf("%s:%d", host, DefaultPort)
	}

	conn, err := net.DialTimeout("tcp", address, timeout)
	if err != nil {
		return nil, fmt.Errorf("TCP connect failed: %w", err)
	}
	return &transport{conn: conn, timeout: timeout}, nil
}

func (t *transport) close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// sendFrame writes one command frame. The poll flag is set on parameter
// read commands, matching the vendor server's traffic.
func (t *transport) sendFrame(payload []byte, poll bool) error {
	if len(payload) > maxPayloadLen {
		return fmt.Errorf("payload of %d bytes exceeds frame limit", len(payload))
	}
	h := header{PayloadLen: uint16(len(payload)), Direction: dirCommand}
	if poll {
		h.PollFlag = 1
	}
	hdr := h.encode()
	frame := append(hdr[:], payload...)
	logging.DebugHex("vacvision", "send", frame)

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.timeout)); err != nil {
		return fmt.Errorf("failed to set deadline: %w", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("frame write failed: %w", err)
	}
	return nil
}

// recvFrame reads one response frame and returns its payload. A header
// that fails to parse means the stream is desynchronized; the caller must
// fault the connection.
func (t *transport) recvFrame() ([]byte, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return nil, fmt.Errorf("failed to set deadline: %w", err)
	}

	var hdr [headerLen]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	h, err := decodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	if h.Direction != dirResponse {
		return nil, fmt.Errorf("bad direction tag 0x%02X in response header", h.Direction)
	}

	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame payload: %w", err)
	}
	logging.DebugHex("vacvision", "recv", append(hdr[:], payload...))
	return payload, nil
}

// staleDrainWait bounds the wait for a frame already owed by a timed-out
// request before the next command is sent. Long enough to pick up a frame
// sitting in the socket buffer, short enough not to stall healthy traffic.
const staleDrainWait = 50 * time.Millisecond

// discardStale reads and throws away one frame left over from a timed-out
// exchange. wait bounds the wait for the header; once one is in, the rest
// of the frame is consumed whole under the normal timeout. Returns false
// when nothing arrived inside the window. Ack replies owed by a timed-out
// acknowledge exchange are bare 24-byte frames with their own magic.
func (t *transport) discardStale(wait time.Duration) (bool, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return false, fmt.Errorf("failed to set deadline: %w", err)
	}
	var hdr [headerLen]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		if isTimeout(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read stale frame: %w", err)
	}
	if hdr[0] == 0x66 && hdr[1] == 0x66 {
		logging.DebugHex("vacvision", "discard stale ack", hdr[:])
		return true, nil
	}
	h, err := decodeHeader(hdr[:])
	if err != nil {
		return false, err
	}
	if h.Direction != dirResponse {
		return false, fmt.Errorf("bad direction tag 0x%02X in stale frame", h.Direction)
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(t.timeout)); err != nil {
		return false, fmt.Errorf("failed to set deadline: %w", err)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(t.conn, payload); err != nil {
		return false, fmt.Errorf("failed to read stale frame payload: %w", err)
	}
	logging.DebugHex("vacvision", "discard stale", append(hdr[:], payload...))
	return true, nil
}

// exchangeAck runs the fixed acknowledge exchange the controller expects
// after every response. An unexpected reply is reported but some firmware
// revisions vary one byte, so the caller only logs mismatches.
func (t *transport) exchangeAck() (mismatch bool, err error) {
	if err := t.conn.SetDeadline(time.Now().Add(t.timeout)); err != nil {
		return false, fmt.Errorf("failed to set deadline: %w", err)
	}
	if _, err := t.conn.Write(ackRequest[:]); err != nil {
		return false, fmt.Errorf("ack write failed: %w", err)
	}
	var reply [headerLen]byte
	if _, err := io.ReadFull(t.conn, reply[:]); err != nil {
		return false, fmt.Errorf("failed to read ack reply: %w", err)
	}
	return !bytes.Equal(reply[:], ackExpected[:]), nil
}

// isTimeout reports whether err came from an expired socket deadline.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
