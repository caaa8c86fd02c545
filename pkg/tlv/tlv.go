// Package tlv implements the compact BER-TLV profile used on the wire by the
// security token: tags of one or two bytes, lengths of up to three bytes, and
// arbitrarily nested value fields.
//
// The package offers three levels of access:
//
//  1. Writer / Reader: incremental construction and probing of TLV streams,
//     including nested scopes (Writer) and non-failing optional-field reads
//     (Reader).
//  2. DecodeList / DecodeMap and their Encode inverses: whole-buffer
//     conversion between raw bytes and ordered or keyed element collections.
//  3. Describe: a human-readable dump of arbitrary BER payloads for traces.
//
// ENCODING RULES:
//   - Tag: 1 byte, or 2 bytes big-endian when the value does not fit in one
//     byte (e.g. 0x7F49). Decoding recognises a two-byte tag by the BER
//     "tag continues" pattern: the low 5 bits of the first byte all set.
//   - Length: n < 0x80 is encoded directly in 1 byte. Larger lengths use a
//     prefix byte: 0x81 + 1 byte, 0x82 + 2 bytes, or 0x83 + 3 bytes, all
//     big-endian. Lengths above 0xFFFFFF are rejected.
//
// These rules are a wire contract shared with the token and must stay
// bit-exact.
package tlv

import (
	"errors"
	"fmt"
	"sort"
)

const (
	// MaxTag is the largest encodable tag (two bytes).
	MaxTag = 0xFFFF

	// MaxLength is the largest encodable value length (three bytes).
	MaxLength = 0xFFFFFF
)

var (
	// ErrInvalidTag reports a tag that is negative or needs more than two bytes.
	ErrInvalidTag = errors.New("tag must fit in one or two bytes")

	// ErrInvalidLength reports a value length outside 0..MaxLength.
	ErrInvalidLength = errors.New("length out of range")

	// ErrIncompleteSchema reports an Encode attempt while nested scopes
	// remain open.
	ErrIncompleteSchema = errors.New("unclosed nested scope")

	// ErrTruncated reports a buffer that ends inside a tag, a length prefix,
	// or a declared value.
	ErrTruncated = errors.New("truncated element")
)

// Tag identifies a TLV element. Valid tags occupy one or two bytes.
type Tag int

// Valid reports whether the tag can be encoded canonically.
func (t Tag) Valid() bool {
	return t >= 0 && t <= MaxTag
}

// String renders the tag in the conventional hex form (e.g. "0x7F49").
func (t Tag) String() string {
	if t > 0xFF {
		return fmt.Sprintf("0x%04X", int(t))
	}
	return fmt.Sprintf("0x%02X", int(t))
}

// appendTag appends the canonical tag encoding: one byte when the value fits,
// two bytes big-endian otherwise. No superfluous leading zero byte is ever
// emitted.
func appendTag(dst []byte, t Tag) ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidTag, int(t))
	}
	if t > 0xFF {
		return append(dst, byte(t>>8), byte(t)), nil
	}
	return append(dst, byte(t)), nil
}

// appendLength appends the length encoding for n bytes of value.
func appendLength(dst []byte, n int) ([]byte, error) {
	switch {
	case n < 0 || n > MaxLength:
		return nil, fmt.Errorf("%w: %d", ErrInvalidLength, n)
	case n < 0x80:
		return append(dst, byte(n)), nil
	case n < 0x100:
		return append(dst, 0x81, byte(n)), nil
	case n < 0x10000:
		return append(dst, 0x82, byte(n>>8), byte(n)), nil
	default:
		return append(dst, 0x83, byte(n>>16), byte(n>>8), byte(n)), nil
	}
}

// readTag decodes the tag starting at buf[off]. It returns the tag and the
// offset of the first length byte. ok is false when the buffer is exhausted
// or the tag would not fit in two bytes.
func readTag(buf []byte, off int) (tag Tag, next int, ok bool) {
	if off >= len(buf) {
		return 0, off, false
	}

	first := buf[off]
	if first&0x1F != 0x1F {
		return Tag(first), off + 1, true
	}

	// Two-byte tag. A second byte with its continuation bit set would start
	// a three-byte tag, which this profile rejects.
	if off+1 >= len(buf) {
		return 0, off, false
	}
	second := buf[off+1]
	if second&0x80 != 0 {
		return 0, off, false
	}
	return Tag(int(first)<<8 | int(second)), off + 2, true
}

// readLength decodes the length field starting at buf[off]. It returns the
// value length and the offset of the first value byte. ok is false on a
// truncated prefix or an unsupported prefix byte.
func readLength(buf []byte, off int) (n, next int, ok bool) {
	if off >= len(buf) {
		return 0, off, false
	}

	first := buf[off]
	switch {
	case first < 0x80:
		return int(first), off + 1, true
	case first == 0x81:
		if off+1 >= len(buf) {
			return 0, off, false
		}
		return int(buf[off+1]), off + 2, true
	case first == 0x82:
		if off+2 >= len(buf) {
			return 0, off, false
		}
		return int(buf[off+1])<<8 | int(buf[off+2]), off + 3, true
	case first == 0x83:
		if off+3 >= len(buf) {
			return 0, off, false
		}
		return int(buf[off+1])<<16 | int(buf[off+2])<<8 | int(buf[off+3]), off + 4, true
	default:
		return 0, off, false
	}
}

// readElement decodes a complete element starting at buf[off]. ok is false
// when the buffer does not contain a full element at that position.
func readElement(buf []byte, off int) (tag Tag, value []byte, next int, ok bool) {
	tag, off, ok = readTag(buf, off)
	if !ok {
		return 0, nil, off, false
	}

	n, off, ok := readLength(buf, off)
	if !ok || off+n > len(buf) {
		return 0, nil, off, false
	}

	return tag, buf[off : off+n], off + n, true
}

// TagValue is a single decoded element.
type TagValue struct {
	Tag   Tag
	Value []byte
}

// Encode returns the element's canonical wire encoding.
func (tv TagValue) Encode() ([]byte, error) {
	buf, err := appendTag(nil, tv.Tag)
	if err != nil {
		return nil, err
	}
	if buf, err = appendLength(buf, len(tv.Value)); err != nil {
		return nil, err
	}
	return append(buf, tv.Value...), nil
}

// DecodeList decodes a concatenation of elements in arrival order.
// An empty input yields an empty list. A buffer that ends mid-element is a
// hard error: unlike the Reader's probe methods, DecodeList consumes input
// that is expected to be complete.
func DecodeList(buf []byte) ([]TagValue, error) {
	vs := []TagValue{}

	for off := 0; off < len(buf); {
		tag, value, next, ok := readElement(buf, off)
		if !ok {
			return nil, fmt.Errorf("%w at offset %d", ErrTruncated, off)
		}
		vs = append(vs, TagValue{Tag: tag, Value: value})
		off = next
	}

	return vs, nil
}

// DecodeMap decodes a concatenation of elements into a tag-keyed map.
// When a tag occurs more than once, the last occurrence wins.
func DecodeMap(buf []byte) (map[Tag][]byte, error) {
	vs, err := DecodeList(buf)
	if err != nil {
		return nil, err
	}

	m := make(map[Tag][]byte, len(vs))
	for _, tv := range vs {
		m[tv.Tag] = tv.Value
	}
	return m, nil
}

// EncodeList concatenates the canonical encodings of vs in order.
// For unique, valid tags it is the exact inverse of DecodeList.
func EncodeList(vs []TagValue) ([]byte, error) {
	var buf []byte
	for _, tv := range vs {
		enc, err := tv.Encode()
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tv.Tag, err)
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}

// EncodeMap concatenates the canonical encodings of m in ascending tag order
// so that the output is deterministic. For unique tags it is the inverse of
// DecodeMap.
func EncodeMap(m map[Tag][]byte) ([]byte, error) {
	tags := make([]Tag, 0, len(m))
	for tag := range m {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	var buf []byte
	for _, tag := range tags {
		enc, err := TagValue{Tag: tag, Value: m[tag]}.Encode()
		if err != nil {
			return nil, fmt.Errorf("tag %s: %w", tag, err)
		}
		buf = append(buf, enc...)
	}
	return buf, nil
}
