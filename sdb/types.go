// Package sdb decodes the Vacvision controller's self-describing parameter
// database ("SDB") into a queryable schema. The blob is downloaded once from
// the controller and maps human-readable parameter names to the numeric ids
// and type descriptors used by the wire protocol.
package sdb

import "fmt"

// TypeKind identifies the data type of a parameter as declared by the SDB.
// The codes come from capture analysis of the DOWNLOAD.SDB payload.
type TypeKind uint32

const (
	KindBool    TypeKind = 0    // single byte, 0 or 1
	KindInt     TypeKind = 1    // signed 16-bit
	KindByte    TypeKind = 2    // unsigned 8-bit
	KindWord    TypeKind = 3    // unsigned 16-bit
	KindDword   TypeKind = 5    // unsigned 32-bit
	KindReal    TypeKind = 6    // IEEE 754 single
	KindTime    TypeKind = 7    // unsigned 32-bit, milliseconds
	KindString  TypeKind = 8    // fixed-size, NUL padded
	KindArray   TypeKind = 9    // element type and dimensions in ArrayInfo
	KindData    TypeKind = 11   // structure, members in TypeDescription
	KindUint    TypeKind = 0x10 // unsigned 16-bit
	KindUdint   TypeKind = 0x11 // unsigned 32-bit
	KindPointer TypeKind = 0x17 // unsigned 32-bit, target index in Pointer
)

// String returns the instrument-side name of the type.
func (k TypeKind) String() string {
	switch k {
	case KindBool:
		return "BOOL"
	case KindInt:
		return "INT"
	case KindByte:
		return "BYTE"
	case KindWord:
		return "WORD"
	case KindDword:
		return "DWORD"
	case KindReal:
		return "REAL"
	case KindTime:
		return "TIME"
	case KindString:
		return "STRING"
	case KindArray:
		return "ARRAY"
	case KindData:
		return "DATA"
	case KindUint:
		return "UINT"
	case KindUdint:
		return "UDINT"
	case KindPointer:
		return "POINTER"
	default:
		return fmt.Sprintf("TypeKind(0x%X)", uint32(k))
	}
}

func (k TypeKind) known() bool {
	switch k {
	case KindBool, KindInt, KindByte, KindWord, KindDword, KindReal,
		KindTime, KindString, KindArray, KindData, KindUint, KindUdint,
		KindPointer:
		return true
	}
	return false
}

// numeric reports whether the kind decodes to a scalar number, meaning
// engineering-unit scaling can apply to it.
func (k TypeKind) numeric() bool {
	switch k {
	case KindInt, KindByte, KindWord, KindDword, KindReal, KindUint, KindUdint:
		return true
	}
	return false
}

// AccessMode is the controller-declared access right of a parameter.
type AccessMode uint16

const (
	AccessRead      AccessMode = 0x72
	AccessReadWrite AccessMode = 0x62
)

// CanWrite reports whether the controller accepts writes to the parameter.
func (a AccessMode) CanWrite() bool {
	return a == AccessReadWrite
}

func (a AccessMode) String() string {
	switch a {
	case AccessRead:
		return "R"
	case AccessReadWrite:
		return "RW"
	default:
		// Firmware revisions define modes we have not captured yet.
		return fmt.Sprintf("Access(0x%X)", uint16(a))
	}
}

// ArrayInfo describes the element type and dimensions of an array type.
type ArrayInfo struct {
	TypeIndex uint32      // index into the schema's type table
	Dims      [][2]uint32 // inclusive lower/upper bound per dimension
}

// Len returns the flat element count of dimension d.
func (a *ArrayInfo) Len(d int) int {
	if d >= len(a.Dims) {
		return 0
	}
	return int(a.Dims[d][1]-a.Dims[d][0]) + 1
}

// StructMember describes one member of a Data (structure) type.
type StructMember struct {
	Name      string
	TypeIndex uint32
	IDOffset  uint32 // added to the parent parameter id to address the member
	Reserved  [2]uint32
}

// TypeDescription is one entry of the schema's type table.
type TypeDescription struct {
	Index   int // position in the type table
	Kind    TypeKind
	Size    uint32 // bytes occupied in a read response
	Name    string
	Array   *ArrayInfo     // set when Kind == KindArray
	Members []StructMember // set when Kind == KindData
	Pointer uint32         // target type index when Kind == KindPointer
}

// ParameterDefinition is one named, addressable controller value.
type ParameterDefinition struct {
	Name      string
	ID        uint32 // wire address used in read/write requests
	TypeIndex uint32
	Flags     [2]uint16 // forwarded unexamined; meaning unknown
	Access    AccessMode

	// Scale and Unit convert raw readings into engineering units. The SDB
	// itself carries no scaling, so these default to identity and are
	// populated from configuration.
	Scale float64
	Unit  string
}

// Schema is the decoded, immutable form of the SDB. It is safe for
// concurrent readers once fully built.
type Schema struct {
	ID        uint32 // sdb_id, echoed by the controller in read exchanges
	Checksum  uint32
	TotalSize uint32 // declared size of the blob in bytes

	types  []TypeDescription
	params []ParameterDefinition
	byName map[string]int
}

// UnknownParameterError reports a name with no definition in the schema.
// It is a purely local error; no network I/O has been performed.
type UnknownParameterError struct {
	Name string
}

func (e *UnknownParameterError) Error() string {
	return fmt.Sprintf("sdb: unknown parameter %q", e.Name)
}

// Resolve returns the definition for name.
func (s *Schema) Resolve(name string) (*ParameterDefinition, error) {
	idx, ok := s.byName[name]
	if !ok {
		return nil, &UnknownParameterError{Name: name}
	}
	return &s.params[idx], nil
}

// Type returns the type description for a parameter definition.
func (s *Schema) Type(def *ParameterDefinition) *TypeDescription {
	return &s.types[def.TypeIndex]
}

// TypeAt returns the type table entry at index, or nil if out of range.
func (s *Schema) TypeAt(index uint32) *TypeDescription {
	if int(index) >= len(s.types) {
		return nil
	}
	return &s.types[index]
}

// ResponseLen returns the number of raw bytes the controller sends for a
// read of def.
func (s *Schema) ResponseLen(def *ParameterDefinition) int {
	return int(s.types[def.TypeIndex].Size)
}

// Parameters returns the definitions in SDB file order.
func (s *Schema) Parameters() []ParameterDefinition {
	return s.params
}

// NumParameters returns the number of parameter definitions.
func (s *Schema) NumParameters() int {
	return len(s.params)
}

// NumTypes returns the number of type table entries.
func (s *Schema) NumTypes() int {
	return len(s.types)
}

// ApplyScaling installs an engineering-unit conversion for a named
// parameter. It must be called during setup, before the schema is shared
// across goroutines. Scaling only applies to numeric scalar parameters.
func (s *Schema) ApplyScaling(name string, scale float64, unit string) error {
	idx, ok := s.byName[name]
	if !ok {
		return &UnknownParameterError{Name: name}
	}
	if scale == 0 {
		return fmt.Errorf("sdb: zero scale for parameter %q", name)
	}
	def := &s.params[idx]
	td := &s.types[def.TypeIndex]
	if !td.Kind.numeric() {
		return fmt.Errorf("sdb: cannot scale %s parameter %q", td.Kind, name)
	}
	def.Scale = scale
	def.Unit = unit
	return nil
}
