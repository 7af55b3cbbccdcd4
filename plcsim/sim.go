// Package plcsim runs an in-process fake of a Vacvision controller for
// tests. It speaks the native framing protocol on a loopback listener,
// serves a caller-supplied SDB blob in configurable chunks, and answers
// batched parameter reads and writes from an id-keyed value table. It also
// injects transport faults on demand so connection handling can be tested
// without a real instrument.
package plcsim

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	frameMagic  = 0xCCCC0001
	ackMagic    = 0x66660001
	dirCommand  = 0x23
	dirResponse = 0x27
	headerLen   = 24

	cmdIdent       = 0x11
	cmdSdbVersion  = 0x34
	cmdSdbDownload = '1'
	cmdSdbContinue = '2'
	cmdParamRead   = 0x2E00
	cmdParamWrite  = 0x3C00
)

var ackReply = [headerLen]byte{
	0x66, 0x66, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x19,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x04,
}

// Sim is one simulated controller. All exported methods are safe to call
// while connections are being served.
type Sim struct {
	ln net.Listener

	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	ident     string
	blob      []byte
	chunkSize int
	values    map[uint32][]byte
	reject    map[uint32]bool
	writes    map[uint32][][]byte
	millis    uint32
	downloads int

	// Fault injection counters, decremented as they fire.
	silent   int           // swallow N responses without replying
	badMagic int           // corrupt the magic of the next N response headers
	slow     int           // stall N responses for delay before writing
	delay    time.Duration // stall applied while slow > 0

	wg sync.WaitGroup
}

// New starts a simulator on a loopback port serving ident and blob.
func New(ident string, blob []byte) (*Sim, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Sim{
		ln:        ln,
		conns:     make(map[net.Conn]struct{}),
		ident:     ident,
		blob:      blob,
		chunkSize: 1024,
		values:    make(map[uint32][]byte),
		reject:    make(map[uint32]bool),
		writes:    make(map[uint32][][]byte),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns the listener's host:port.
func (s *Sim) Addr() string {
	return s.ln.Addr().String()
}

// Close stops the listener, drops live connections and waits for the
// handlers to finish.
func (s *Sim) Close() {
	s.ln.Close()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// SetChunkSize sets the SDB download chunk size in bytes.
func (s *Sim) SetChunkSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > 0 {
		s.chunkSize = n
	}
}

// SetValue installs the raw wire bytes returned for reads of id.
func (s *Sim) SetValue(id uint32, raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = append([]byte(nil), raw...)
}

// SetReject makes reads of id answer with the rejected marker.
func (s *Sim) SetReject(id uint32, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[id] = reject
}

// Writes returns the raw payloads written to id, in order.
func (s *Sim) Writes(id uint32) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes[id]...)
}

// Downloads returns how many SDB transfers have been started.
func (s *Sim) Downloads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloads
}

// DropResponses makes the simulator read but not answer the next n
// commands, so the client sees request timeouts.
func (s *Sim) DropResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silent = n
}

// DelayResponses stalls the next n responses for d before writing them,
// emulating a controller that answers after the client's deadline.
func (s *Sim) DelayResponses(n int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slow = n
	s.delay = d
}

// CorruptNextHeader makes the next response carry a bad frame magic.
func (s *Sim) CorruptNextHeader() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badMagic++
}

func (s *Sim) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				conn.Close()
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.serve(conn)
		}()
	}
}

// serve runs the per-connection command loop. Download state is
// per-connection: a new connection restarts the transfer.
func (s *Sim) serve(conn net.Conn) {
	var downloadPos int
	var hdr [headerLen]byte
	for {
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		magic := binary.BigEndian.Uint32(hdr[0:4])
		if magic == ackMagic {
			if _, err := conn.Write(ackReply[:]); err != nil {
				return
			}
			continue
		}
		if magic != frameMagic || hdr[23] != dirCommand {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint16(hdr[6:8]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		resp, err := s.handle(payload, &downloadPos)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.silent > 0 {
			s.silent--
			s.mu.Unlock()
			continue
		}
		corrupt := s.badMagic > 0
		if corrupt {
			s.badMagic--
		}
		stall := time.Duration(0)
		if s.slow > 0 {
			s.slow--
			stall = s.delay
		}
		s.mu.Unlock()
		if stall > 0 {
			time.Sleep(stall)
		}
		if err := s.send(conn, resp, corrupt); err != nil {
			return
		}
	}
}

func (s *Sim) send(conn net.Conn, payload []byte, corrupt bool) error {
	frame := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], frameMagic)
	binary.BigEndian.PutUint16(frame[6:8], uint16(len(payload)))
	binary.BigEndian.PutUint16(frame[21:23], uint16(len(payload)))
	frame[23] = dirResponse
	if corrupt {
		frame[0] = 0xDE
	}
	copy(frame[headerLen:], payload)
	_, err := conn.Write(frame)
	return err
}

func (s *Sim) handle(payload []byte, downloadPos *int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	switch payload[0] {
	case cmdIdent:
		s.mu.Lock()
		ident := s.ident
		s.mu.Unlock()
		return []byte(ident + "\x00"), nil
	case cmdSdbVersion:
		s.mu.Lock()
		size := uint32(len(s.blob))
		s.mu.Unlock()
		resp := binary.BigEndian.AppendUint16(nil, 0)
		return binary.BigEndian.AppendUint32(resp, size), nil
	case cmdSdbDownload:
		s.mu.Lock()
		s.downloads++
		s.mu.Unlock()
		*downloadPos = 0
		return s.chunk(downloadPos), nil
	case cmdSdbContinue:
		return s.chunk(downloadPos), nil
	}
	if len(payload) < 2 {
		return nil, fmt.Errorf("short command payload")
	}
	switch binary.BigEndian.Uint16(payload) {
	case cmdParamRead:
		return s.handleRead(payload[2:])
	case cmdParamWrite:
		return s.handleWrite(payload[2:])
	}
	return nil, fmt.Errorf("unknown command 0x%02X", payload[0])
}

func (s *Sim) chunk(downloadPos *int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	rest := s.blob[*downloadPos:]
	n := s.chunkSize
	cont := uint32(1)
	if n >= len(rest) {
		n = len(rest)
		cont = 0
	}
	*downloadPos += n
	resp := binary.BigEndian.AppendUint32(nil, cont)
	resp = binary.BigEndian.AppendUint16(resp, uint16(n))
	return append(resp, rest[:n]...)
}

func (s *Sim) handleRead(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("short read command")
	}
	count := binary.BigEndian.Uint32(body)
	body = body[4:]

	s.mu.Lock()
	defer s.mu.Unlock()
	s.millis += 50
	resp := binary.BigEndian.AppendUint16(nil, 0)
	resp = binary.BigEndian.AppendUint32(resp, s.millis)
	for i := uint32(0); i < count; i++ {
		if len(body) < 10 {
			return nil, fmt.Errorf("truncated read item %d", i)
		}
		id := binary.BigEndian.Uint32(body[2:6])
		respLen := binary.BigEndian.Uint32(body[6:10])
		body = body[10:]

		if s.reject[id] {
			resp = append(resp, 0)
			continue
		}
		resp = append(resp, 1)
		// Pad or truncate the stored value to the length the client
		// asked for, like a permissive controller does.
		raw := make([]byte, respLen)
		copy(raw, s.values[id])
		resp = append(resp, raw...)
	}
	return resp, nil
}

func (s *Sim) handleWrite(body []byte) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("short write command")
	}
	count := binary.BigEndian.Uint32(body)
	body = body[4:]

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := uint32(0); i < count; i++ {
		if len(body) < 10 {
			return nil, fmt.Errorf("truncated write item %d", i)
		}
		id := binary.BigEndian.Uint32(body[2:6])
		n := int(binary.BigEndian.Uint32(body[6:10]))
		body = body[10:]
		if len(body) < n {
			return nil, fmt.Errorf("truncated write data for id 0x%X", id)
		}
		data := append([]byte(nil), body[:n]...)
		body = body[n:]
		s.writes[id] = append(s.writes[id], data)
		s.values[id] = data
	}
	return binary.BigEndian.AppendUint16(nil, 0), nil
}
