// Package errs defines the error taxonomy shared by every decoder in this
// module: cursor, bsa, ba2, schema, plugin and archive all return errors
// from this package so callers can dispatch on them with errors.As instead
// of matching strings.
package errs

import "fmt"

// TruncatedInput indicates a read exceeded the bounds of the buffer being
// decoded. It is fatal to the decoder that raised it.
type TruncatedInput struct {
	Want int
	Have int
	At   int
}

func (e *TruncatedInput) Error() string {
	return fmt.Sprintf("truncated input: want %d bytes, have %d at offset %d", e.Want, e.Have, e.At)
}

// UnsupportedFormat indicates a decoder's acceptance test failed. It is not
// fatal: the front door tries the next registered decoder.
type UnsupportedFormat struct {
	Magic   string
	Version int
}

func (e *UnsupportedFormat) Error() string {
	return fmt.Sprintf("unsupported format: magic %q version %d", e.Magic, e.Version)
}

// CodecError indicates zlib/LZ4 decompression failed or produced a length
// that didn't match the expected original size. Fatal to the entry it was
// raised for; recorded per-entry by callers that iterate many entries.
type CodecError struct {
	Codec string
	Cause error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("%s codec error: %v", e.Codec, e.Cause)
}

func (e *CodecError) Unwrap() error { return e.Cause }

// SchemaViolation indicates a structural invariant was broken: an
// out-of-range index, a path traversal attempt, an unknown group type.
// Fatal to the record/entry it was raised for.
type SchemaViolation struct {
	Detail string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf("schema violation: %s", e.Detail)
}

// UnexpectedSubrecord indicates the schema engine rejected a subrecord in
// strict mode: the target has no matching slot in what the schema still
// expects, or an ordering/required-slot rule was broken. In non-strict mode
// the ordering rules are not enforced, but it is still returned when the
// target matches no slot at all in what the schema still expects.
type UnexpectedSubrecord struct {
	Expected   string
	Got        string
	RecordType string
}

func (e *UnexpectedSubrecord) Error() string {
	return fmt.Sprintf("unexpected subrecord %q in record %q (expected %s)", e.Got, e.RecordType, e.Expected)
}

// EncodingError indicates invalid UTF-8 in a string field. Per-field: the
// caller substitutes the raw bytes in the returned container and continues.
type EncodingError struct {
	At int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("invalid encoding at offset %d", e.At)
}
