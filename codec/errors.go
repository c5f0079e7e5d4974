package codec

import "errors"

// ErrMalformedCDR is returned when a decode runs off the end of the buffer
// or finds a zero-length CDR string (which lacks its NUL terminator).
var ErrMalformedCDR = errors.New("codec: malformed CDR data")

// ErrSchemaMismatch is returned when a decode finds a string or sequence
// length prefix that claims more bytes than remain in the buffer.
var ErrSchemaMismatch = errors.New("codec: value does not match schema")

// ErrValueOutOfRange is returned when an encode is given a value that
// cannot be represented in the target wire type (e.g. a string where a
// single-byte char field is required).
var ErrValueOutOfRange = errors.New("codec: value out of range for field type")

// ErrMissingField is returned when an encode's Value is missing a field
// the schema requires.
var ErrMissingField = errors.New("codec: missing required field")
