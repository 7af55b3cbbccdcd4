package sdb

import (
	"encoding/binary"
	"fmt"
)

// The SDB blob is little-endian, unlike the big-endian framing protocol that
// carries it. Record layout from capture analysis:
//
//	header:  magic 1, hdr len, magic 1, sdb id, checksum, total size,
//	         3 reserved words, type count
//	types:   magic 4 records, kind-specific payloads
//	middle:  magic 3 + length word, magic 0 + parameter count
//	params:  magic 5 records
//	trailer: magic 6 + length + opaque bytes
//
// Strings are u16-length-prefixed with up to 3 bytes of NUL padding included
// in the length.

const maxStringLen = 81

// DecodeError reports the field and byte offset at which the blob stopped
// making sense. The whole blob is rejected on the first invalid record; a
// corrupt database is unusable because any address may sit next to the
// corrupted region.
type DecodeError struct {
	Offset int
	Field  string
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("sdb: %s at offset 0x%X: %s", e.Field, e.Offset, e.Msg)
}

// blobReader walks the blob sequentially, tracking the offset for error
// reporting.
type blobReader struct {
	buf []byte
	off int
}

func (r *blobReader) fail(field, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Offset: r.off, Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (r *blobReader) remaining() int {
	return len(r.buf) - r.off
}

func (r *blobReader) u8(field string) (byte, error) {
	if r.remaining() < 1 {
		return 0, r.fail(field, "unexpected end of blob")
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *blobReader) u16(field string) (uint16, error) {
	if r.remaining() < 2 {
		return 0, r.fail(field, "unexpected end of blob")
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *blobReader) u32(field string) (uint32, error) {
	if r.remaining() < 4 {
		return 0, r.fail(field, "unexpected end of blob")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *blobReader) magic32(field string, want uint32) error {
	got, err := r.u32(field)
	if err != nil {
		return err
	}
	if got != want {
		r.off -= 4
		return r.fail(field, "bad magic: want 0x%X, got 0x%X", want, got)
	}
	return nil
}

func (r *blobReader) magic16(field string, want uint16) error {
	got, err := r.u16(field)
	if err != nil {
		return err
	}
	if got != want {
		r.off -= 2
		return r.fail(field, "bad magic: want 0x%X, got 0x%X", want, got)
	}
	return nil
}

func (r *blobReader) bytes(field string, n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, r.fail(field, "declared length %d exceeds remaining %d bytes", n, r.remaining())
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

// recordEnd validates a record's declared length and returns the offset one
// past the record. Record lengths count from the record's own magic, so 8
// covers an empty body.
func (r *blobReader) recordEnd(field string, start int, recLen uint32) (int, error) {
	if recLen < 8 {
		r.off -= 4
		return 0, r.fail(field, "declared %d, minimum 8", recLen)
	}
	end := start + int(recLen)
	if end > len(r.buf) {
		r.off -= 4
		return 0, r.fail(field, "declared %d exceeds remaining blob", recLen)
	}
	return end, nil
}

// skipTo verifies the decoded fields stayed inside the declared record
// length and steps over whatever trailing bytes the record still covers.
// Newer firmware appends fields there; they are forwarded unexamined.
func (r *blobReader) skipTo(field string, end int) error {
	if r.off > end {
		return r.fail(field, "fields run %d bytes past the declared record length", r.off-end)
	}
	r.off = end
	return nil
}

// str reads a u16-length-prefixed string and strips the trailing NUL padding
// the controller includes in the length.
func (r *blobReader) str(field string) (string, error) {
	n, err := r.u16(field)
	if err != nil {
		return "", err
	}
	if int(n) > maxStringLen {
		r.off -= 2
		return "", r.fail(field, "string length %d exceeds maximum %d", n, maxStringLen)
	}
	raw, err := r.bytes(field, int(n))
	if err != nil {
		return "", err
	}
	for len(raw) > 0 && raw[len(raw)-1] == 0 {
		raw = raw[:len(raw)-1]
	}
	return string(raw), nil
}

// Decode parses a downloaded SDB blob into a Schema. It rejects the whole
// blob on the first structurally invalid record; no partial schema is ever
// returned. Reserved fields it does not interpret are forwarded unexamined
// so newer firmware revisions with extra metadata still parse.
func Decode(blob []byte) (*Schema, error) {
	r := &blobReader{buf: blob}
	s := &Schema{byName: make(map[string]int)}

	// Header.
	if err := r.magic32("header magic", 1); err != nil {
		return nil, err
	}
	hdrLen, err := r.u32("header length")
	if err != nil {
		return nil, err
	}
	hdrEnd, err := r.recordEnd("header length", 0, hdrLen)
	if err != nil {
		return nil, err
	}
	if err := r.magic32("header magic 2", 1); err != nil {
		return nil, err
	}
	if s.ID, err = r.u32("sdb id"); err != nil {
		return nil, err
	}
	if s.Checksum, err = r.u32("checksum"); err != nil {
		return nil, err
	}
	if s.TotalSize, err = r.u32("total size"); err != nil {
		return nil, err
	}
	for i := 0; i < 3; i++ {
		// Reserved header words, meaning unknown.
		if _, err := r.u32("header reserved"); err != nil {
			return nil, err
		}
	}

	typeCount, err := r.u32("type count")
	if err != nil {
		return nil, err
	}
	if err := r.skipTo("header", hdrEnd); err != nil {
		return nil, err
	}
	if int(typeCount) > r.remaining() {
		return nil, r.fail("type count", "%d type records cannot fit in %d remaining bytes", typeCount, r.remaining())
	}

	s.types = make([]TypeDescription, 0, typeCount)
	for i := 0; i < int(typeCount); i++ {
		td, err := decodeTypeDescription(r, i)
		if err != nil {
			return nil, err
		}
		s.types = append(s.types, td)
	}

	// Middle section separating types from parameters.
	sectionStart := r.off
	if err := r.magic32("section magic", 3); err != nil {
		return nil, err
	}
	sectionLen, err := r.u32("section length")
	if err != nil {
		return nil, err
	}
	sectionEnd, err := r.recordEnd("section length", sectionStart, sectionLen)
	if err != nil {
		return nil, err
	}
	if err := r.skipTo("section", sectionEnd); err != nil {
		return nil, err
	}
	if err := r.magic32("parameter section magic", 0); err != nil {
		return nil, err
	}

	paramCount, err := r.u32("parameter count")
	if err != nil {
		return nil, err
	}
	if int(paramCount) > r.remaining() {
		return nil, r.fail("parameter count", "%d parameter records cannot fit in %d remaining bytes", paramCount, r.remaining())
	}

	s.params = make([]ParameterDefinition, 0, paramCount)
	for i := 0; i < int(paramCount); i++ {
		def, err := decodeParameter(r)
		if err != nil {
			return nil, err
		}
		if int(def.TypeIndex) >= len(s.types) {
			return nil, r.fail("parameter type index", "parameter %q references type %d of %d", def.Name, def.TypeIndex, len(s.types))
		}
		if _, dup := s.byName[def.Name]; dup {
			return nil, r.fail("parameter name", "duplicate parameter %q", def.Name)
		}
		s.byName[def.Name] = len(s.params)
		s.params = append(s.params, def)
	}

	// Trailer: opaque bytes we keep no interpretation for.
	if err := r.magic32("trailer magic", 6); err != nil {
		return nil, err
	}
	tailLen, err := r.u32("trailer length")
	if err != nil {
		return nil, err
	}
	if tailLen < 8 {
		return nil, r.fail("trailer length", "declared %d, minimum 8", tailLen)
	}
	if _, err := r.bytes("trailer", int(tailLen-8)); err != nil {
		return nil, err
	}

	// Bytes past the trailer are tolerated: future firmware appends there.
	return s, nil
}

func decodeTypeDescription(r *blobReader, index int) (TypeDescription, error) {
	td := TypeDescription{Index: index, Size: 0}

	start := r.off
	if err := r.magic32("type magic", 4); err != nil {
		return td, err
	}
	recLen, err := r.u32("type record length")
	if err != nil {
		return td, err
	}
	end, err := r.recordEnd("type record length", start, recLen)
	if err != nil {
		return td, err
	}

	kind, err := r.u32("type kind")
	if err != nil {
		return td, err
	}
	td.Kind = TypeKind(kind)
	if !td.Kind.known() {
		r.off -= 4
		return td, r.fail("type kind", "unsupported type kind 0x%X", kind)
	}
	if td.Size, err = r.u32("type size"); err != nil {
		return td, err
	}
	if td.Name, err = r.str("type name"); err != nil {
		return td, err
	}

	switch td.Kind {
	case KindArray:
		arr := &ArrayInfo{}
		if arr.TypeIndex, err = r.u32("array element type"); err != nil {
			return td, err
		}
		dims, err := r.u32("array dimension count")
		if err != nil {
			return td, err
		}
		if dims == 0 || dims > 2 {
			r.off -= 4
			return td, r.fail("array dimension count", "unsupported dimension count %d", dims)
		}
		for i := 0; i < int(dims); i++ {
			lo, err := r.u32("array lower bound")
			if err != nil {
				return td, err
			}
			hi, err := r.u32("array upper bound")
			if err != nil {
				return td, err
			}
			if hi < lo {
				r.off -= 4
				return td, r.fail("array bounds", "upper bound %d below lower bound %d", hi, lo)
			}
			arr.Dims = append(arr.Dims, [2]uint32{lo, hi})
		}
		td.Array = arr

	case KindData:
		memberCount, err := r.u32("struct member count")
		if err != nil {
			return td, err
		}
		if int(memberCount) > r.remaining() {
			r.off -= 4
			return td, r.fail("struct member count", "%d members cannot fit in remaining blob", memberCount)
		}
		for i := 0; i < int(memberCount); i++ {
			m, err := decodeStructMember(r)
			if err != nil {
				return td, err
			}
			td.Members = append(td.Members, m)
		}

	case KindPointer:
		if td.Pointer, err = r.u32("pointer target"); err != nil {
			return td, err
		}
	}

	return td, r.skipTo("type record", end)
}

func decodeStructMember(r *blobReader) (StructMember, error) {
	var m StructMember

	start := r.off
	if err := r.magic32("member magic", 5); err != nil {
		return m, err
	}
	recLen, err := r.u32("member record length")
	if err != nil {
		return m, err
	}
	end, err := r.recordEnd("member record length", start, recLen)
	if err != nil {
		return m, err
	}
	if m.TypeIndex, err = r.u32("member type index"); err != nil {
		return m, err
	}
	for i := 0; i < 2; i++ {
		if m.Reserved[i], err = r.u32("member reserved"); err != nil {
			return m, err
		}
	}
	if m.IDOffset, err = r.u32("member id offset"); err != nil {
		return m, err
	}
	if m.Name, err = r.str("member name"); err != nil {
		return m, err
	}
	return m, r.skipTo("member record", end)
}

func decodeParameter(r *blobReader) (ParameterDefinition, error) {
	def := ParameterDefinition{Scale: 1}

	start := r.off
	if err := r.magic32("parameter magic", 5); err != nil {
		return def, err
	}
	recLen, err := r.u32("parameter record length")
	if err != nil {
		return def, err
	}
	end, err := r.recordEnd("parameter record length", start, recLen)
	if err != nil {
		return def, err
	}
	if def.TypeIndex, err = r.u32("parameter type index"); err != nil {
		return def, err
	}
	for i := 0; i < 2; i++ {
		if def.Flags[i], err = r.u16("parameter flags"); err != nil {
			return def, err
		}
	}
	rw, err := r.u16("parameter access mode")
	if err != nil {
		return def, err
	}
	def.Access = AccessMode(rw)
	if err := r.magic16("parameter id magic", 3); err != nil {
		return def, err
	}
	if def.ID, err = r.u32("parameter id"); err != nil {
		return def, err
	}
	if def.Name, err = r.str("parameter name"); err != nil {
		return def, err
	}
	if def.Name == "" {
		return def, r.fail("parameter name", "empty parameter name")
	}
	return def, r.skipTo("parameter record", end)
}
