package vacvision

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestSdbNameField(t *testing.T) {
	want := append([]byte{0, 0, 14}, "DOWNLOAD.SDB\x00\x00"...)
	if got := sdbNameField(); !bytes.Equal(got, want) {
		t.Errorf("sdbNameField() = %X, want %X", got, want)
	}
}

func TestRequestPayloads(t *testing.T) {
	if got := identRequest(); !bytes.Equal(got, []byte{0x11}) {
		t.Errorf("identRequest() = %X", got)
	}
	if got := sdbContinueRequest(); !bytes.Equal(got, []byte{'2'}) {
		t.Errorf("sdbContinueRequest() = %X", got)
	}
	if got := sdbVersionRequest(); got[0] != 0x34 || !bytes.Equal(got[1:], sdbNameField()) {
		t.Errorf("sdbVersionRequest() = %X", got)
	}
	if got := sdbDownloadRequest(); got[0] != '1' || !bytes.Equal(got[1:], sdbNameField()) {
		t.Errorf("sdbDownloadRequest() = %X", got)
	}
}

func TestParamReadRequest(t *testing.T) {
	got := paramReadRequest([]readItem{
		{ID: 0x1000, RespLen: 4},
		{ID: 0x2000, RespLen: 2},
	})
	want := []byte{
		0x2E, 0x00, // command
		0x00, 0x00, 0x00, 0x02, // item count
		0x00, 0x03, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x00, 0x04,
		0x00, 0x03, 0x00, 0x00, 0x20, 0x00, 0x00, 0x00, 0x00, 0x02,
		0x00, 0x02, 0x53, 0x34, // end marker
	}
	if !bytes.Equal(got, want) {
		t.Errorf("paramReadRequest()\n got %X\nwant %X", got, want)
	}
}

func TestParamWriteRequest(t *testing.T) {
	got := paramWriteRequest([]writeItem{{ID: 0x1008, Data: []byte{0x3F, 0x80, 0x00, 0x00}}})
	want := []byte{
		0x3C, 0x00,
		0x00, 0x00, 0x00, 0x01,
		0x00, 0x03, 0x00, 0x00, 0x10, 0x08, 0x00, 0x00, 0x00, 0x04,
		0x3F, 0x80, 0x00, 0x00,
		0x00, 0x02, 0x53, 0x34,
	}
	if !bytes.Equal(got, want) {
		t.Errorf("paramWriteRequest()\n got %X\nwant %X", got, want)
	}
}

func TestParseIdentResponse(t *testing.T) {
	got, err := parseIdentResponse([]byte("VACVISION V2.11\x00\x00"))
	if err != nil {
		t.Fatalf("parseIdentResponse: %v", err)
	}
	if got != "VACVISION V2.11" {
		t.Errorf("ident = %q", got)
	}
	if _, err := parseIdentResponse(nil); err == nil {
		t.Error("empty ident accepted")
	}
}

func TestParseSdbVersionResponse(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x86, 0xA0}
	size, err := parseSdbVersionResponse(payload)
	if err != nil {
		t.Fatalf("parseSdbVersionResponse: %v", err)
	}
	if size != 100000 {
		t.Errorf("size = %d, want 100000", size)
	}

	if _, err := parseSdbVersionResponse([]byte{0x00, 0x07, 0, 0, 0, 0}); err == nil {
		t.Error("controller error code accepted")
	}
	if _, err := parseSdbVersionResponse([]byte{0x00}); err == nil {
		t.Error("truncated response accepted")
	}
}

func TestParseSdbChunkResponse(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x03, 'a', 'b', 'c'}
	chunk, err := parseSdbChunkResponse(payload)
	if err != nil {
		t.Fatalf("parseSdbChunkResponse: %v", err)
	}
	if !chunk.Continues || string(chunk.Data) != "abc" {
		t.Errorf("chunk = %+v", chunk)
	}

	payload[3] = 0
	chunk, err = parseSdbChunkResponse(payload)
	if err != nil {
		t.Fatalf("final chunk: %v", err)
	}
	if chunk.Continues {
		t.Error("final chunk reports Continues")
	}

	payload[3] = 2
	if _, err := parseSdbChunkResponse(payload); err == nil {
		t.Error("continues value 2 accepted")
	}

	// Declared chunk length past the end of the payload.
	if _, err := parseSdbChunkResponse([]byte{0, 0, 0, 1, 0x10, 0x00}); err == nil {
		t.Error("oversized chunk length accepted")
	}
}

func TestParseReadResponse(t *testing.T) {
	items := []readItem{{ID: 1, RespLen: 4}, {ID: 2, RespLen: 2}, {ID: 3, RespLen: 1}}
	payload := []byte{
		0x00, 0x00, // error code
		0x00, 0x00, 0x4E, 0x20, // millis
		0x01, 0x3F, 0x80, 0x00, 0x00, // item 1: value
		0x00,             // item 2: rejected, no bytes follow
		0x01, 0x2A,       // item 3: value
	}
	resp, err := parseReadResponse(payload, items)
	if err != nil {
		t.Fatalf("parseReadResponse: %v", err)
	}
	if resp.Millis != 20000 {
		t.Errorf("Millis = %d, want 20000", resp.Millis)
	}
	if len(resp.Items) != 3 {
		t.Fatalf("item count = %d, want 3", len(resp.Items))
	}
	if resp.Items[0].Rejected || binary.BigEndian.Uint32(resp.Items[0].Raw) != 0x3F800000 {
		t.Errorf("item 1 = %+v", resp.Items[0])
	}
	if !resp.Items[1].Rejected || len(resp.Items[1].Raw) != 0 {
		t.Errorf("item 2 = %+v", resp.Items[1])
	}
	if resp.Items[2].Rejected || resp.Items[2].Raw[0] != 0x2A {
		t.Errorf("item 3 = %+v", resp.Items[2])
	}
}

func TestParseReadResponseBadMarker(t *testing.T) {
	payload := []byte{0, 0, 0, 0, 0, 0, 0x07, 0, 0, 0, 0}
	_, err := parseReadResponse(payload, []readItem{{ID: 1, RespLen: 4}})
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if pe.Offset != 6 {
		t.Errorf("offset = %d, want 6 (position of the marker)", pe.Offset)
	}
}

func TestParseReadResponseTruncated(t *testing.T) {
	// Value marker present but only 2 of the 4 declared bytes follow.
	payload := []byte{0, 0, 0, 0, 0, 0, 0x01, 0xAA, 0xBB}
	_, err := parseReadResponse(payload, []readItem{{ID: 1, RespLen: 4}})
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ProtocolError", err)
	}
	if pe.Op != "param read" {
		t.Errorf("Op = %q", pe.Op)
	}
}

func TestParseWriteResponse(t *testing.T) {
	if err := parseWriteResponse([]byte{0x00, 0x00}); err != nil {
		t.Fatalf("parseWriteResponse: %v", err)
	}
	if err := parseWriteResponse([]byte{0x00, 0x05}); err == nil {
		t.Error("controller error code accepted")
	}
	if err := parseWriteResponse([]byte{0x00}); err == nil {
		t.Error("truncated response accepted")
	}
}
