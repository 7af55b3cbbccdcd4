package sdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Value is the decoded form of one raw wire value. It is a closed tagged
// variant: Kind selects which field carries the payload, and every decode
// path handles each supported kind explicitly.
type Value struct {
	Kind TypeKind

	Bool    bool          // KindBool
	Int     int64         // integer kinds, KindTime (ms) and KindPointer
	Float   float64       // KindReal, and any scaled numeric parameter
	Str     string        // KindString
	Elems   []Value       // KindArray
	Members []MemberValue // KindData
}

// MemberValue is one named member of a decoded structure value.
type MemberValue struct {
	Name  string
	Value Value
}

// Go converts the value to a plain Go type suitable for JSON encoding:
// bool, int64, float64, string, []interface{} or map[string]interface{}.
func (v Value) Go() interface{} {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindReal:
		return v.Float
	case KindString:
		return v.Str
	case KindArray:
		out := make([]interface{}, len(v.Elems))
		for i, e := range v.Elems {
			out[i] = e.Go()
		}
		return out
	case KindData:
		out := make(map[string]interface{}, len(v.Members))
		for _, m := range v.Members {
			out[m.Name] = m.Value.Go()
		}
		return out
	default:
		return v.Int
	}
}

// Equal reports whether two decoded values are identical.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindBool:
		return v.Bool == o.Bool
	case KindReal:
		return v.Float == o.Float
	case KindString:
		return v.Str == o.Str
	case KindArray:
		if len(v.Elems) != len(o.Elems) {
			return false
		}
		for i := range v.Elems {
			if !v.Elems[i].Equal(o.Elems[i]) {
				return false
			}
		}
		return true
	case KindData:
		if len(v.Members) != len(o.Members) {
			return false
		}
		for i := range v.Members {
			if v.Members[i].Name != o.Members[i].Name ||
				!v.Members[i].Value.Equal(o.Members[i].Value) {
				return false
			}
		}
		return true
	default:
		return v.Int == o.Int
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindReal:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case KindString:
		return v.Str
	case KindArray:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case KindData:
		parts := make([]string, len(v.Members))
		for i, m := range v.Members {
			parts[i] = m.Name + "=" + m.Value.String()
		}
		return "{" + strings.Join(parts, " ") + "}"
	default:
		return strconv.FormatInt(v.Int, 10)
	}
}

// valueReader walks one parameter's raw response bytes. Wire values are
// big-endian. Fields wider than one byte are aligned to 2 bytes within the
// parameter's own buffer.
type valueReader struct {
	buf []byte
	pos int
}

func (r *valueReader) align() {
	if r.pos&1 == 1 {
		r.pos++
	}
}

func (r *valueReader) take(n int, kind TypeKind) ([]byte, error) {
	if n > 1 {
		r.align()
	}
	if r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("sdb: %s value needs %d bytes at offset %d, have %d",
			kind, n, r.pos, len(r.buf))
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// DecodeValue decodes the raw response bytes for def into a typed Value and
// applies the parameter's engineering-unit scaling. A scaled integer comes
// back as a KindReal value.
func (s *Schema) DecodeValue(def *ParameterDefinition, raw []byte) (Value, error) {
	td := s.TypeAt(def.TypeIndex)
	if td == nil {
		return Value{}, fmt.Errorf("sdb: parameter %q references missing type %d", def.Name, def.TypeIndex)
	}
	r := &valueReader{buf: raw}
	v, err := s.decodeTyped(r, td)
	if err != nil {
		return Value{}, fmt.Errorf("decoding %q: %w", def.Name, err)
	}
	if def.Scale != 1 && def.Scale != 0 && td.Kind.numeric() {
		if td.Kind == KindReal {
			v.Float *= def.Scale
		} else {
			v = Value{Kind: KindReal, Float: float64(v.Int) * def.Scale}
		}
	}
	return v, nil
}

func (s *Schema) decodeTyped(r *valueReader, td *TypeDescription) (Value, error) {
	switch td.Kind {
	case KindBool:
		b, err := r.take(1, KindBool)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: b[0] != 0}, nil

	case KindByte:
		b, err := r.take(1, KindByte)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindByte, Int: int64(b[0])}, nil

	case KindInt:
		b, err := r.take(2, KindInt)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt, Int: int64(int16(binary.BigEndian.Uint16(b)))}, nil

	case KindWord, KindUint:
		b, err := r.take(2, td.Kind)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: td.Kind, Int: int64(binary.BigEndian.Uint16(b))}, nil

	case KindDword, KindUdint, KindTime, KindPointer:
		b, err := r.take(4, td.Kind)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: td.Kind, Int: int64(binary.BigEndian.Uint32(b))}, nil

	case KindReal:
		b, err := r.take(4, KindReal)
		if err != nil {
			return Value{}, err
		}
		bits := binary.BigEndian.Uint32(b)
		return Value{Kind: KindReal, Float: float64(math.Float32frombits(bits))}, nil

	case KindString:
		b, err := r.take(int(td.Size), KindString)
		if err != nil {
			return Value{}, err
		}
		if i := strings.IndexByte(string(b), 0); i >= 0 {
			b = b[:i]
		}
		return Value{Kind: KindString, Str: string(b)}, nil

	case KindArray:
		elem := s.TypeAt(td.Array.TypeIndex)
		if elem == nil {
			return Value{}, fmt.Errorf("array type %q references missing element type %d", td.Name, td.Array.TypeIndex)
		}
		if len(td.Array.Dims) != 1 {
			return Value{}, fmt.Errorf("array type %q: only one-dimensional arrays are supported", td.Name)
		}
		n := td.Array.Len(0)
		v := Value{Kind: KindArray, Elems: make([]Value, 0, n)}
		for i := 0; i < n; i++ {
			e, err := s.decodeTyped(r, elem)
			if err != nil {
				return Value{}, fmt.Errorf("array element %d: %w", i, err)
			}
			v.Elems = append(v.Elems, e)
		}
		return v, nil

	case KindData:
		v := Value{Kind: KindData, Members: make([]MemberValue, 0, len(td.Members))}
		for _, m := range td.Members {
			mt := s.TypeAt(m.TypeIndex)
			if mt == nil {
				return Value{}, fmt.Errorf("struct type %q member %q references missing type %d", td.Name, m.Name, m.TypeIndex)
			}
			mv, err := s.decodeTyped(r, mt)
			if err != nil {
				return Value{}, fmt.Errorf("struct member %q: %w", m.Name, err)
			}
			v.Members = append(v.Members, MemberValue{Name: m.Name, Value: mv})
		}
		return v, nil

	default:
		return Value{}, fmt.Errorf("cannot decode type kind %s", td.Kind)
	}
}

// EncodeValue converts a typed value into the raw big-endian bytes the
// controller expects for a write of def. Engineering-unit scaling is
// inverted, so a scaled parameter accepts the same KindReal values that
// reads produce.
func (s *Schema) EncodeValue(def *ParameterDefinition, v Value) ([]byte, error) {
	td := s.TypeAt(def.TypeIndex)
	if td == nil {
		return nil, fmt.Errorf("sdb: parameter %q references missing type %d", def.Name, def.TypeIndex)
	}

	if def.Scale != 1 && def.Scale != 0 && td.Kind.numeric() && v.Kind == KindReal {
		raw := v.Float / def.Scale
		if td.Kind == KindReal {
			v = Value{Kind: KindReal, Float: raw}
		} else {
			v = Value{Kind: td.Kind, Int: int64(math.Round(raw))}
		}
	}

	intBytes := func(width int, min, max int64) ([]byte, error) {
		if v.Int < min || v.Int > max {
			return nil, fmt.Errorf("sdb: value %d out of range for %s parameter %q", v.Int, td.Kind, def.Name)
		}
		switch width {
		case 1:
			return []byte{byte(v.Int)}, nil
		case 2:
			return binary.BigEndian.AppendUint16(nil, uint16(v.Int)), nil
		default:
			return binary.BigEndian.AppendUint32(nil, uint32(v.Int)), nil
		}
	}

	switch td.Kind {
	case KindBool:
		if v.Kind != KindBool {
			return nil, encodeMismatch(def, td, v)
		}
		if v.Bool {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case KindByte:
		if v.Kind != td.Kind && !v.Kind.numeric() {
			return nil, encodeMismatch(def, td, v)
		}
		return intBytes(1, 0, math.MaxUint8)

	case KindInt:
		if !v.Kind.numeric() {
			return nil, encodeMismatch(def, td, v)
		}
		return intBytes(2, math.MinInt16, math.MaxInt16)

	case KindWord, KindUint:
		if !v.Kind.numeric() {
			return nil, encodeMismatch(def, td, v)
		}
		return intBytes(2, 0, math.MaxUint16)

	case KindDword, KindUdint, KindTime:
		if !v.Kind.numeric() && v.Kind != KindTime {
			return nil, encodeMismatch(def, td, v)
		}
		return intBytes(4, 0, math.MaxUint32)

	case KindReal:
		if v.Kind != KindReal {
			return nil, encodeMismatch(def, td, v)
		}
		bits := math.Float32bits(float32(v.Float))
		return binary.BigEndian.AppendUint32(nil, bits), nil

	case KindString:
		if v.Kind != KindString {
			return nil, encodeMismatch(def, td, v)
		}
		if len(v.Str) > int(td.Size) {
			return nil, fmt.Errorf("sdb: string of %d bytes exceeds %d-byte parameter %q", len(v.Str), td.Size, def.Name)
		}
		out := make([]byte, td.Size)
		copy(out, v.Str)
		return out, nil

	default:
		return nil, fmt.Errorf("sdb: writing %s parameters is not supported", td.Kind)
	}
}

func encodeMismatch(def *ParameterDefinition, td *TypeDescription, v Value) error {
	return fmt.Errorf("sdb: cannot encode %s value as %s parameter %q", v.Kind, td.Kind, def.Name)
}

// ValueFromString parses a human-entered string into a Value for the given
// scalar kind. Array, Data and Pointer kinds are not accepted.
func ValueFromString(s string, kind TypeKind) (Value, error) {
	switch kind {
	case KindBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Value{}, fmt.Errorf("sdb: parsing %q as BOOL: %w", s, err)
		}
		return Value{Kind: KindBool, Bool: b}, nil

	case KindReal:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Value{}, fmt.Errorf("sdb: parsing %q as REAL: %w", s, err)
		}
		return Value{Kind: KindReal, Float: f}, nil

	case KindString:
		return Value{Kind: KindString, Str: s}, nil

	case KindInt, KindByte, KindWord, KindDword, KindTime, KindUint, KindUdint:
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return Value{}, fmt.Errorf("sdb: parsing %q as %s: %w", s, kind, err)
		}
		return Value{Kind: kind, Int: i}, nil

	default:
		return Value{}, fmt.Errorf("sdb: cannot parse a %s value from a string", kind)
	}
}
