package plcsim

import (
	"encoding/binary"

	"github.com/luksan/leybold-opc/sdb"
)

// SdbBuilder assembles a syntactically valid DOWNLOAD.SDB blob for the
// simulator to serve. All multi-byte fields are little-endian, matching
// the controller's database format.
type SdbBuilder struct {
	id       uint32
	checksum uint32
	types    [][]byte
	params   [][]byte
	trailer  []byte
}

// NewSdbBuilder returns a builder with no types or parameters.
func NewSdbBuilder() *SdbBuilder {
	return &SdbBuilder{id: 1}
}

// SetID sets the database id reported in the blob header.
func (b *SdbBuilder) SetID(id uint32) *SdbBuilder {
	b.id = id
	return b
}

// SetChecksum sets the declared checksum. The client forwards it
// unverified, so any value produces a decodable blob.
func (b *SdbBuilder) SetChecksum(sum uint32) *SdbBuilder {
	b.checksum = sum
	return b
}

// SetTrailer sets the opaque trailer bytes appended after the parameter
// records.
func (b *SdbBuilder) SetTrailer(raw []byte) *SdbBuilder {
	b.trailer = append([]byte(nil), raw...)
	return b
}

func appendU16(buf []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(buf, v)
}

func appendU32(buf []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(buf, v)
}

// appendStr writes a length-prefixed string with a single NUL pad byte
// included in the length, the way captured blobs carry names.
func appendStr(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)+1))
	buf = append(buf, s...)
	return append(buf, 0)
}

// record prefixes a body with its magic and total record length.
func record(magic uint32, body []byte) []byte {
	rec := appendU32(nil, magic)
	rec = appendU32(rec, uint32(len(body)+8))
	return append(rec, body...)
}

// extendRecord appends raw bytes to a record and patches its declared
// length to cover them, the way newer firmware carries extra metadata.
func extendRecord(rec, extra []byte) []byte {
	rec = append(rec, extra...)
	binary.LittleEndian.PutUint32(rec[4:], uint32(len(rec)))
	return rec
}

// ExtendLastType appends declared-length-covered bytes to the most recent
// type record.
func (b *SdbBuilder) ExtendLastType(extra []byte) *SdbBuilder {
	b.types[len(b.types)-1] = extendRecord(b.types[len(b.types)-1], extra)
	return b
}

// ExtendLastParam appends declared-length-covered bytes to the most recent
// parameter record.
func (b *SdbBuilder) ExtendLastParam(extra []byte) *SdbBuilder {
	b.params[len(b.params)-1] = extendRecord(b.params[len(b.params)-1], extra)
	return b
}

// AddType appends a scalar type description and returns its table index.
func (b *SdbBuilder) AddType(kind sdb.TypeKind, size uint32, name string) uint32 {
	body := appendU32(nil, uint32(kind))
	body = appendU32(body, size)
	body = appendStr(body, name)
	b.types = append(b.types, record(4, body))
	return uint32(len(b.types) - 1)
}

// AddArrayType appends a one-dimensional array type over the element type
// at elem, with inclusive bounds lo..hi.
func (b *SdbBuilder) AddArrayType(name string, size uint32, elem, lo, hi uint32) uint32 {
	body := appendU32(nil, uint32(sdb.KindArray))
	body = appendU32(body, size)
	body = appendStr(body, name)
	body = appendU32(body, elem)
	body = appendU32(body, 1) // dimension count
	body = appendU32(body, lo)
	body = appendU32(body, hi)
	b.types = append(b.types, record(4, body))
	return uint32(len(b.types) - 1)
}

// Member is one field of a structure type built with AddStructType.
type Member struct {
	Name      string
	TypeIndex uint32
	IDOffset  uint32
}

// AddStructType appends a structure type with the given members.
func (b *SdbBuilder) AddStructType(name string, size uint32, members ...Member) uint32 {
	body := appendU32(nil, uint32(sdb.KindData))
	body = appendU32(body, size)
	body = appendStr(body, name)
	body = appendU32(body, uint32(len(members)))
	for _, m := range members {
		mb := appendU32(nil, m.TypeIndex)
		mb = appendU32(mb, 0) // reserved
		mb = appendU32(mb, 0)
		mb = appendU32(mb, m.IDOffset)
		mb = appendStr(mb, m.Name)
		body = append(body, record(5, mb)...)
	}
	b.types = append(b.types, record(4, body))
	return uint32(len(b.types) - 1)
}

// AddPointerType appends a pointer type targeting the type at target.
func (b *SdbBuilder) AddPointerType(name string, size uint32, target uint32) uint32 {
	body := appendU32(nil, uint32(sdb.KindPointer))
	body = appendU32(body, size)
	body = appendStr(body, name)
	body = appendU32(body, target)
	b.types = append(b.types, record(4, body))
	return uint32(len(b.types) - 1)
}

// AddParam appends a parameter record addressing wire id with the type at
// typeIdx.
func (b *SdbBuilder) AddParam(name string, id, typeIdx uint32, access sdb.AccessMode) *SdbBuilder {
	body := appendU32(nil, typeIdx)
	body = appendU16(body, 0) // flags
	body = appendU16(body, 0)
	body = appendU16(body, uint16(access))
	body = appendU16(body, 3) // id marker
	body = appendU32(body, id)
	body = appendStr(body, name)
	b.params = append(b.params, record(5, body))
	return b
}

// Build serializes header, type table, parameter table and trailer into a
// blob the schema decoder accepts.
func (b *SdbBuilder) Build() []byte {
	var typeBytes, paramBytes []byte
	for _, t := range b.types {
		typeBytes = append(typeBytes, t...)
	}
	for _, p := range b.params {
		paramBytes = append(paramBytes, p...)
	}

	blob := appendU32(nil, 1) // header magic
	blob = appendU32(blob, 40)
	blob = appendU32(blob, 1)
	blob = appendU32(blob, b.id)
	blob = appendU32(blob, b.checksum)
	sizeOff := len(blob)
	blob = appendU32(blob, 0) // total size, patched below
	blob = appendU32(blob, 0) // reserved
	blob = appendU32(blob, 0)
	blob = appendU32(blob, 0)

	blob = appendU32(blob, uint32(len(b.types)))
	blob = append(blob, typeBytes...)

	blob = appendU32(blob, 3) // section magic
	blob = appendU32(blob, 8)
	blob = appendU32(blob, 0) // parameter section magic
	blob = appendU32(blob, uint32(len(b.params)))
	blob = append(blob, paramBytes...)

	blob = appendU32(blob, 6) // trailer magic
	blob = appendU32(blob, uint32(len(b.trailer)+8))
	blob = append(blob, b.trailer...)

	binary.LittleEndian.PutUint32(blob[sizeOff:], uint32(len(blob)))
	return blob
}

// StandardBlob builds a blob with the scalar types and a handful of vacuum
// parameters most tests want, returning it alongside the id each parameter
// was given. Parameter ids start at 0x1000 and increment by 4.
func StandardBlob() []byte {
	b := NewSdbBuilder().SetID(0x2001)
	tBool := b.AddType(sdb.KindBool, 1, "BOOL")
	tInt := b.AddType(sdb.KindInt, 2, "INT")
	tReal := b.AddType(sdb.KindReal, 4, "REAL")
	tDword := b.AddType(sdb.KindDword, 4, "DWORD")
	tStr := b.AddType(sdb.KindString, 16, "STRING[16]")

	b.AddParam("ChamberPressure", 0x1000, tReal, sdb.AccessRead)
	b.AddParam("PumpSpeed", 0x1004, tDword, sdb.AccessRead)
	b.AddParam("TargetPressure", 0x1008, tReal, sdb.AccessReadWrite)
	b.AddParam("GateValveOpen", 0x100C, tBool, sdb.AccessReadWrite)
	b.AddParam("PumpStage", 0x1010, tInt, sdb.AccessRead)
	b.AddParam("RecipeName", 0x1014, tStr, sdb.AccessReadWrite)
	return b.Build()
}
