package codec

import (
	"fmt"
	"math"
)

// cdrHeaderSize is the 4-byte representation-identifier/options header that
// precedes every top-level CDR-encoded message payload.
const cdrHeaderSize = 4

// Decode interprets plan against data, a complete message payload. For a
// CDR-dialect plan, data is expected to begin with the 4-byte encapsulation
// header; a ROS1-dialect plan has no such header and is always little
// endian.
func Decode(plan *Plan, data []byte) (*Value, error) {
	littleEndian := plan.LittleEndian
	body := data
	if plan.Dialect == CDR {
		if len(data) < cdrHeaderSize {
			return nil, fmt.Errorf("%w: payload shorter than CDR header", ErrMalformedCDR)
		}
		littleEndian = data[1]&0x01 != 0
		body = data[cdrHeaderSize:]
	}
	r := newReader(body, littleEndian, plan.Dialect)
	return decodeValue(plan, r)
}

func decodeValue(plan *Plan, r *reader) (*Value, error) {
	v := NewValue(plan.Schema)
	for i := range plan.Ops {
		if err := decodeOp(&plan.Ops[i], r, v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func decodeOp(o *op, r *reader, v *Value) error {
	switch o.kind {
	case opUnpackPrimitives:
		for _, name := range o.fields {
			val, err := decodeScalar(o.prim, r)
			if err != nil {
				return err
			}
			if name != "" {
				v.Set(name, val)
			}
		}
		return nil

	case opTime:
		if err := r.align(4); err != nil {
			return err
		}
		sec, err := r.readUint32()
		if err != nil {
			return err
		}
		nsec, err := r.readUint32()
		if err != nil {
			return err
		}
		v.Set(o.field, map[string]any{"sec": sec, "nsec": nsec})
		return nil

	case opString:
		s, err := r.readString()
		if err != nil {
			return err
		}
		v.Set(o.field, s)
		return nil

	case opArray, opSequence:
		n := o.length
		if o.kind == opSequence {
			u, err := r.readUint32()
			if err != nil {
				return err
			}
			n = int(u)
			if remaining := len(r.buf) - r.pos; n > remaining {
				return fmt.Errorf("%w: sequence length prefix %d exceeds %d remaining bytes", ErrSchemaMismatch, n, remaining)
			}
		}
		items := make([]any, 0, n)
		for i := 0; i < n; i++ {
			item, err := decodeElem(o.elem, r)
			if err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
			items = append(items, item)
		}
		v.Set(o.field, items)
		return nil

	case opComplex:
		sub, err := decodeValue(o.sub, r)
		if err != nil {
			return err
		}
		v.Set(o.field, sub)
		return nil

	default:
		return fmt.Errorf("codec: unhandled op kind %v", o.kind)
	}
}

// decodeElem decodes one container element, reusing the field-shaped op
// machinery but returning the bare value instead of setting it on a Value.
func decodeElem(o *op, r *reader) (any, error) {
	switch o.kind {
	case opUnpackPrimitives:
		return decodeScalar(o.prim, r)
	case opTime:
		if err := r.align(4); err != nil {
			return nil, err
		}
		sec, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		nsec, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		return map[string]any{"sec": sec, "nsec": nsec}, nil
	case opString:
		return r.readString()
	case opComplex:
		return decodeValue(o.sub, r)
	case opArray, opSequence:
		scratch := NewValue(nil)
		if err := decodeOp(o, r, scratch); err != nil {
			return nil, err
		}
		return scratch.Fields[o.field], nil
	default:
		return nil, fmt.Errorf("codec: unhandled element op kind %v", o.kind)
	}
}

func decodeScalar(kind primKind, r *reader) (any, error) {
	size := primitiveSize[kind]
	if err := r.align(size); err != nil {
		return nil, err
	}
	b, err := r.read(size)
	if err != nil {
		return nil, err
	}
	switch kind {
	case primBool:
		return b[0] != 0, nil
	case primInt8:
		return int8(b[0]), nil
	case primUint8:
		return uint8(b[0]), nil
	case primByte:
		return uint8(b[0]), nil
	case primChar:
		return string(rune(b[0])), nil
	case primInt16:
		return int16(r.order.Uint16(b)), nil
	case primUint16:
		return r.order.Uint16(b), nil
	case primInt32:
		return int32(r.order.Uint32(b)), nil
	case primUint32:
		return r.order.Uint32(b), nil
	case primInt64:
		return int64(r.order.Uint64(b)), nil
	case primUint64:
		return r.order.Uint64(b), nil
	case primFloat32:
		return math.Float32frombits(r.order.Uint32(b)), nil
	case primFloat64:
		return math.Float64frombits(r.order.Uint64(b)), nil
	default:
		return nil, fmt.Errorf("codec: unknown primitive kind %q", kind)
	}
}

// Encode interprets plan against v, producing a complete message payload.
// For a CDR-dialect plan, the returned buffer begins with the 4-byte
// encapsulation header (PLAIN_CDR, little or big endian per plan).
func Encode(plan *Plan, v *Value) ([]byte, error) {
	w := newWriter(plan.LittleEndian, plan.Dialect)
	if err := encodeValue(plan, w, v); err != nil {
		return nil, err
	}
	if plan.Dialect != CDR {
		return w.bytes(), nil
	}
	header := make([]byte, cdrHeaderSize)
	if plan.LittleEndian {
		header[1] = 0x01
	}
	return append(header, w.bytes()...), nil
}

func encodeValue(plan *Plan, w *writer, v *Value) error {
	for i := range plan.Ops {
		if err := encodeOp(&plan.Ops[i], w, v); err != nil {
			return fmt.Errorf("schema %q: %w", plan.SchemaName, err)
		}
	}
	return nil
}

func encodeOp(o *op, w *writer, v *Value) error {
	switch o.kind {
	case opUnpackPrimitives:
		for _, name := range o.fields {
			val, ok := v.Get(name)
			if !ok {
				return fmt.Errorf("%w: %q", ErrMissingField, name)
			}
			if err := encodeScalar(o.prim, w, val); err != nil {
				return fmt.Errorf("field %q: %w", name, err)
			}
		}
		return nil

	case opTime:
		val, ok := v.Get(o.field)
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, o.field)
		}
		m, ok := val.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: field %q expects a time/duration map", ErrValueOutOfRange, o.field)
		}
		w.writeUint32(toUint32(m["sec"]))
		w.writeUint32(toUint32(m["nsec"]))
		return nil

	case opString:
		val, ok := v.Get(o.field)
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, o.field)
		}
		s, ok := val.(string)
		if !ok {
			return fmt.Errorf("%w: field %q expects a string", ErrValueOutOfRange, o.field)
		}
		w.writeString(s)
		return nil

	case opArray, opSequence:
		val, ok := v.Get(o.field)
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, o.field)
		}
		items, ok := val.([]any)
		if !ok {
			return fmt.Errorf("%w: field %q expects a slice", ErrValueOutOfRange, o.field)
		}
		if o.kind == opArray && len(items) != o.length {
			return fmt.Errorf("%w: field %q expects %d elements, got %d", ErrValueOutOfRange, o.field, o.length, len(items))
		}
		if o.kind == opSequence {
			w.writeUint32(uint32(len(items)))
		}
		for i, item := range items {
			if err := encodeElem(o.elem, w, item); err != nil {
				return fmt.Errorf("element %d: %w", i, err)
			}
		}
		return nil

	case opComplex:
		val, ok := v.Get(o.field)
		if !ok {
			return fmt.Errorf("%w: %q", ErrMissingField, o.field)
		}
		sub, ok := val.(*Value)
		if !ok {
			return fmt.Errorf("%w: field %q expects a nested Value", ErrValueOutOfRange, o.field)
		}
		return encodeValue(o.sub, w, sub)

	default:
		return fmt.Errorf("codec: unhandled op kind %v", o.kind)
	}
}

func encodeElem(o *op, w *writer, item any) error {
	switch o.kind {
	case opUnpackPrimitives:
		return encodeScalar(o.prim, w, item)
	case opTime:
		m, ok := item.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: element expects a time/duration map", ErrValueOutOfRange)
		}
		w.writeUint32(toUint32(m["sec"]))
		w.writeUint32(toUint32(m["nsec"]))
		return nil
	case opString:
		s, ok := item.(string)
		if !ok {
			return fmt.Errorf("%w: element expects a string", ErrValueOutOfRange)
		}
		w.writeString(s)
		return nil
	case opComplex:
		sub, ok := item.(*Value)
		if !ok {
			return fmt.Errorf("%w: element expects a nested Value", ErrValueOutOfRange)
		}
		return encodeValue(o.sub, w, sub)
	default:
		return fmt.Errorf("codec: unhandled element op kind %v", o.kind)
	}
}

// encodeScalar is the inverse of decodeScalar, whose two fixed byte/char
// strategies are chosen at compile time from the schema's logical field
// type: a "byte" field always normalizes to a raw uint8, a "char" field
// always normalizes to a single-codepoint string. encodeScalar accepts those
// same shapes: any Go integer for byte/int8/uint8, and only a
// one-character string for char.
func encodeScalar(kind primKind, w *writer, val any) error {
	switch kind {
	case primBool:
		b, ok := val.(bool)
		if !ok {
			return fmt.Errorf("%w: expected bool", ErrValueOutOfRange)
		}
		w.align(1)
		if b {
			w.writeBytes([]byte{1})
		} else {
			w.writeBytes([]byte{0})
		}
		return nil
	case primChar:
		u, err := charToUint8(val)
		if err != nil {
			return err
		}
		w.align(1)
		w.writeBytes([]byte{u})
		return nil
	case primByte, primInt8, primUint8:
		u, err := byteToUint8(val)
		if err != nil {
			return err
		}
		w.align(1)
		w.writeBytes([]byte{u})
		return nil
	case primInt16:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		if n < math.MinInt16 || n > math.MaxInt16 {
			return fmt.Errorf("%w: %d does not fit in int16", ErrValueOutOfRange, n)
		}
		w.align(2)
		var b [2]byte
		w.order.PutUint16(b[:], uint16(int16(n)))
		w.writeBytes(b[:])
		return nil
	case primUint16:
		u, err := toUint64(val)
		if err != nil {
			return err
		}
		if u > math.MaxUint16 {
			return fmt.Errorf("%w: %d does not fit in uint16", ErrValueOutOfRange, u)
		}
		w.align(2)
		var b [2]byte
		w.order.PutUint16(b[:], uint16(u))
		w.writeBytes(b[:])
		return nil
	case primInt32:
		n, err := toInt64(val)
		if err != nil {
			return err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return fmt.Errorf("%w: %d does not fit in int32", ErrValueOutOfRange, n)
		}
		w.writeUint32(uint32(int32(n)))
		return nil
	case primUint32:
		u, err := toUint64(val)
		if err != nil {
			return err
		}
		if u > math.MaxUint32 {
			return fmt.Errorf("%w: %d does not fit in uint32", ErrValueOutOfRange, u)
		}
		w.writeUint32(uint32(u))
		return nil
	case primInt64, primUint64:
		u, err := toUint64(val)
		if err != nil {
			return err
		}
		w.align(8)
		var b [8]byte
		w.order.PutUint64(b[:], u)
		w.writeBytes(b[:])
		return nil
	case primFloat32:
		f, ok := toFloat64(val)
		if !ok {
			return fmt.Errorf("%w: expected float32", ErrValueOutOfRange)
		}
		w.writeUint32(math.Float32bits(float32(f)))
		return nil
	case primFloat64:
		f, ok := toFloat64(val)
		if !ok {
			return fmt.Errorf("%w: expected float64", ErrValueOutOfRange)
		}
		w.align(8)
		var b [8]byte
		w.order.PutUint64(b[:], math.Float64bits(f))
		w.writeBytes(b[:])
		return nil
	default:
		return fmt.Errorf("codec: unknown primitive kind %q", kind)
	}
}

// charToUint8 normalizes a "char" field value: a single-codepoint string.
func charToUint8(val any) (uint8, error) {
	s, ok := val.(string)
	if !ok {
		return 0, fmt.Errorf("%w: char field requires a single-character string", ErrValueOutOfRange)
	}
	r := []rune(s)
	if len(r) != 1 || r[0] > 0xff {
		return 0, fmt.Errorf("%w: char field requires exactly one character", ErrValueOutOfRange)
	}
	return uint8(r[0]), nil
}

// byteToUint8 normalizes a "byte"/int8/uint8 field value: a raw integer.
func byteToUint8(val any) (uint8, error) {
	n, err := toInt64(val)
	if err != nil {
		return 0, err
	}
	if n < math.MinInt8 || n > math.MaxUint8 {
		return 0, fmt.Errorf("%w: %d does not fit in a byte", ErrValueOutOfRange, n)
	}
	return uint8(n), nil
}

func toUint32(val any) uint32 {
	u, _ := toUint64(val)
	return uint32(u)
}

func toInt64(val any) (int64, error) {
	switch x := val.(type) {
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("%w: %d does not fit in int64", ErrValueOutOfRange, x)
		}
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("%w: expected an integer value, got %T", ErrValueOutOfRange, val)
	}
}

func toUint64(val any) (uint64, error) {
	switch x := val.(type) {
	case uint64:
		return x, nil
	case uint32:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case int64:
		return uint64(x), nil
	case int32:
		return uint64(x), nil
	case int16:
		return uint64(x), nil
	case int8:
		return uint64(x), nil
	case int:
		return uint64(x), nil
	default:
		return 0, fmt.Errorf("%w: expected an integer value, got %T", ErrValueOutOfRange, val)
	}
}

func toFloat64(val any) (float64, bool) {
	switch x := val.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	}
	return 0, false
}
