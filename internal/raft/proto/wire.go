package proto

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// encoder appends fields in protobuf wire format. Zero values are omitted, mirroring proto3 semantics.
type encoder struct {
	buf []byte
}

func (e *encoder) uint64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) bool(num protowire.Number, v bool) {
	if v {
		e.uint64(num, protowire.EncodeBool(v))
	}
}

func (e *encoder) fixed64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.Fixed64Type)
	e.buf = protowire.AppendFixed64(e.buf, v)
}

func (e *encoder) string(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

// embedded always writes the field, even when the nested message is empty, so repeated fields keep their length.
func (e *encoder) embedded(num protowire.Number, nested []byte) {
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, nested)
}

// field is a single decoded wire field. Only the member matching typ is set.
type field struct {
	num protowire.Number
	typ protowire.Type
	u   uint64
	b   []byte
}

func (f field) bool() bool {
	return protowire.DecodeBool(f.u)
}

// bytesCopy returns a copy of a length-delimited value so decoded messages never alias the transport's buffer.
func (f field) bytesCopy() []byte {
	if len(f.b) == 0 {
		return nil
	}
	return append([]byte(nil), f.b...)
}

// wireTypes maps each field number a message knows to the wire type it is encoded with.
type wireTypes map[protowire.Number]protowire.Type

// decode walks every field in b and hands the known ones to visit. Like generated code, a field whose number is
// unknown or whose wire type does not match its declaration is skipped.
func decode(b []byte, known wireTypes, visit func(f field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.u = v
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.u = v
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			f.b = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}

		if want, ok := known[num]; !ok || want != typ {
			continue
		}
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}
