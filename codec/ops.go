package codec

import "github.com/robotic-data/mcap-engine/schema"

// opKind discriminates the micro-ops a Plan is built from. Each op either
// consumes/produces one field's worth of wire data, or establishes a
// container (array/sequence/complex) that the interpreter recurses into.
type opKind int

const (
	// opUnpackPrimitives decodes/encodes a run of consecutive scalar fields
	// of the same primitive kind in one pass, mirroring the struct-format
	// batching the schema compiler this package is grounded on performs.
	opUnpackPrimitives opKind = iota
	// opTime decodes/encodes the ROS1 two-uint32 time/duration primitive.
	opTime
	opString
	opArray
	opSequence
	opComplex
)

// primKind names the scalar wire representation an opUnpackPrimitives run
// shares. byte and char both occupy one wire byte but normalize to distinct
// Go-side representations (see decodeScalar/encodeScalar).
type primKind string

const (
	primBool    primKind = "bool"
	primInt8    primKind = "int8"
	primUint8   primKind = "uint8"
	primInt16   primKind = "int16"
	primUint16  primKind = "uint16"
	primInt32   primKind = "int32"
	primUint32  primKind = "uint32"
	primInt64   primKind = "int64"
	primUint64  primKind = "uint64"
	primFloat32 primKind = "float32"
	primFloat64 primKind = "float64"
	primByte    primKind = "byte"
	primChar    primKind = "char"
)

var primitiveSize = map[primKind]int{
	primBool: 1, primInt8: 1, primUint8: 1, primByte: 1, primChar: 1,
	primInt16: 2, primUint16: 2,
	primInt32: 4, primUint32: 4, primFloat32: 4,
	primInt64: 8, primUint64: 8, primFloat64: 8,
}

// op is one instruction in a compiled Plan.
type op struct {
	kind opKind

	// field is the struct-field name this op populates (decode) or reads
	// from (encode). Unused for container element ops, where the element
	// has no name of its own.
	field string

	// opUnpackPrimitives: the shared primitive kind and the ordered field
	// names in the run.
	prim   primKind
	fields []string

	// opArray/opSequence: how to decode/encode one element, and for
	// opArray the fixed length.
	elem   *op
	length int

	// opComplex, and opArray/opSequence when elem.kind == opComplex: the
	// nested schema's compiled plan.
	sub *Plan
}

// Plan is a compiled, ordered list of ops for one schema, plus the dialect
// and endianness it was compiled for.
type Plan struct {
	SchemaName   string
	Schema       *schema.Schema
	Dialect      Dialect
	LittleEndian bool
	Ops          []op
}
