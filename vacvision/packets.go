package vacvision

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Command bytes and markers observed in captures of the vendor server.
const (
	cmdIdent        = 0x11 // firmware ident string, used as the handshake
	cmdSdbVersion   = 0x34 // SDB size and version info
	cmdSdbDownload  = '1'  // start SDB download
	cmdSdbContinue  = '2'  // next SDB chunk
	cmdParamRead    = 0x2E00
	cmdParamWrite   = 0x3C00
	paramItemTag    = 3
	paramEndMarker  = 0x00025334
	respValueMarker = 0x01

	sdbFileName = "DOWNLOAD.SDB"
)

// sdbNameField is the file-name field shared by the version query and the
// download start command: two zero bytes, a length byte covering the name
// plus two trailing NULs, the name, then the two NULs.
func sdbNameField() []byte {
	b := []byte{0, 0, byte(len(sdbFileName) + 2)}
	b = append(b, sdbFileName...)
	return append(b, 0, 0)
}

func identRequest() []byte { return []byte{cmdIdent} }

func sdbVersionRequest() []byte {
	return append([]byte{cmdSdbVersion}, sdbNameField()...)
}

func sdbDownloadRequest() []byte {
	return append([]byte{cmdSdbDownload}, sdbNameField()...)
}

func sdbContinueRequest() []byte { return []byte{cmdSdbContinue} }

// readItem is one parameter in a batched read command. RespLen tells the
// controller how many bytes to allocate for the value in its response.
type readItem struct {
	ID      uint32
	RespLen uint32
}

func paramReadRequest(items []readItem) []byte {
	b := binary.BigEndian.AppendUint16(nil, cmdParamRead)
	b = binary.BigEndian.AppendUint32(b, uint32(len(items)))
	for _, it := range items {
		b = binary.BigEndian.AppendUint16(b, paramItemTag)
		b = binary.BigEndian.AppendUint32(b, it.ID)
		b = binary.BigEndian.AppendUint32(b, it.RespLen)
	}
	return binary.BigEndian.AppendUint32(b, paramEndMarker)
}

// writeItem is one parameter plus its encoded value in a write command.
type writeItem struct {
	ID   uint32
	Data []byte
}

func paramWriteRequest(items []writeItem) []byte {
	b := binary.BigEndian.AppendUint16(nil, cmdParamWrite)
	b = binary.BigEndian.AppendUint32(b, uint32(len(items)))
	for _, it := range items {
		b = binary.BigEndian.AppendUint16(b, paramItemTag)
		b = binary.BigEndian.AppendUint32(b, it.ID)
		b = binary.BigEndian.AppendUint32(b, uint32(len(it.Data)))
		b = append(b, it.Data...)
	}
	return binary.BigEndian.AppendUint32(b, paramEndMarker)
}

// payloadReader walks a response payload and produces offset-carrying
// protocol errors on truncation, so a consumer can see exactly where an
// undocumented response stopped matching expectations.
type payloadReader struct {
	op  string
	buf []byte
	pos int
}

func (r *payloadReader) fail(msg string) error {
	return &ProtocolError{Op: r.op, Offset: r.pos, Msg: msg}
}

func (r *payloadReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.buf) {
		return nil, r.fail(fmt.Sprintf("need %d bytes, %d remain", n, len(r.buf)-r.pos))
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *payloadReader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *payloadReader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *payloadReader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// parseIdentResponse extracts the controller's ident string, a NUL-padded
// ASCII blob describing the firmware.
func parseIdentResponse(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", &ProtocolError{Op: "ident", Msg: "empty response"}
	}
	return strings.Trim(string(payload), "\x00"), nil
}

// parseSdbVersionResponse returns the controller-reported SDB blob size.
func parseSdbVersionResponse(payload []byte) (uint32, error) {
	r := &payloadReader{op: "sdb version", buf: payload}
	errCode, err := r.u16()
	if err != nil {
		return 0, err
	}
	if errCode != 0 {
		return 0, r.fail(fmt.Sprintf("controller error code 0x%04X", errCode))
	}
	return r.u32()
}

// sdbChunk is one piece of the downloaded SDB blob. Continues is false on
// the final chunk.
type sdbChunk struct {
	Continues bool
	Data      []byte
}

func parseSdbChunkResponse(payload []byte) (sdbChunk, error) {
	r := &payloadReader{op: "sdb download", buf: payload}
	cont, err := r.u32()
	if err != nil {
		return sdbChunk{}, err
	}
	if cont > 1 {
		return sdbChunk{}, r.fail(fmt.Sprintf("continues field is %d, want 0 or 1", cont))
	}
	n, err := r.u16()
	if err != nil {
		return sdbChunk{}, err
	}
	data, err := r.take(int(n))
	if err != nil {
		return sdbChunk{}, err
	}
	return sdbChunk{Continues: cont == 1, Data: data}, nil
}

// readResult is the raw outcome for one item of a batched read. A rejected
// item carries no bytes; the remaining items still parse.
type readResult struct {
	Rejected bool
	Raw      []byte
}

type readResponse struct {
	ErrCode uint16
	Millis  uint32 // controller uptime timestamp
	Items   []readResult
}

func parseReadResponse(payload []byte, items []readItem) (readResponse, error) {
	r := &payloadReader{op: "param read", buf: payload}
	var resp readResponse
	var err error
	if resp.ErrCode, err = r.u16(); err != nil {
		return resp, err
	}
	if resp.Millis, err = r.u32(); err != nil {
		return resp, err
	}
	resp.Items = make([]readResult, 0, len(items))
	for i, it := range items {
		marker, err := r.u8()
		if err != nil {
			return resp, err
		}
		switch marker {
		case respValueMarker:
			raw, err := r.take(int(it.RespLen))
			if err != nil {
				return resp, err
			}
			resp.Items = append(resp.Items, readResult{Raw: raw})
		case 0:
			resp.Items = append(resp.Items, readResult{Rejected: true})
		default:
			r.pos-- // report the offset of the marker itself
			return resp, r.fail(fmt.Sprintf("item %d: bad value marker 0x%02X", i, marker))
		}
	}
	return resp, nil
}

func parseWriteResponse(payload []byte) error {
	r := &payloadReader{op: "param write", buf: payload}
	errCode, err := r.u16()
	if err != nil {
		return err
	}
	if errCode != 0 {
		return r.fail(fmt.Sprintf("controller error code 0x%04X", errCode))
	}
	return nil
}
