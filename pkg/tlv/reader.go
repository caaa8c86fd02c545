package tlv

import "encoding/binary"

// Reader consumes a TLV stream sequentially.
//
// Every Read method probes for one expected tag at the current position.
// On a match the cursor advances past the element and the value is returned
// with ok=true. On a tag mismatch, a truncated length prefix, or a declared
// length that exceeds the remaining bytes, the cursor is left where it was
// and ok=false is returned. Absence of an optional field is ordinary control
// flow here, not an error.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader over buf. The Reader aliases buf; callers must
// not mutate it while reading.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// More reports whether any bytes remain before the end of the stream.
func (r *Reader) More() bool {
	return r.off < len(r.buf)
}

// ReadValue returns the value of the next element if it carries tag.
func (r *Reader) ReadValue(tag Tag) ([]byte, bool) {
	got, value, next, ok := readElement(r.buf, r.off)
	if !ok || got != tag {
		return nil, false
	}

	r.off = next
	return value, true
}

// ReadNested returns a sub-Reader over the value of the next element if it
// carries tag.
func (r *Reader) ReadNested(tag Tag) (*Reader, bool) {
	value, ok := r.ReadValue(tag)
	if !ok {
		return nil, false
	}
	return NewReader(value), true
}

// ReadByte returns the next element's value as a single byte. An element of
// any other length is treated as absent.
func (r *Reader) ReadByte(tag Tag) (byte, bool) {
	value, ok := r.readFixed(tag, 1)
	if !ok {
		return 0, false
	}
	return value[0], true
}

// ReadUint16 returns the next element's two-byte value in the given order.
func (r *Reader) ReadUint16(tag Tag, order binary.ByteOrder) (uint16, bool) {
	value, ok := r.readFixed(tag, 2)
	if !ok {
		return 0, false
	}
	return order.Uint16(value), true
}

// ReadInt16 returns the next element's two-byte value in the given order.
func (r *Reader) ReadInt16(tag Tag, order binary.ByteOrder) (int16, bool) {
	v, ok := r.ReadUint16(tag, order)
	return int16(v), ok
}

// ReadInt32 returns the next element's four-byte value in the given order.
func (r *Reader) ReadInt32(tag Tag, order binary.ByteOrder) (int32, bool) {
	value, ok := r.readFixed(tag, 4)
	if !ok {
		return 0, false
	}
	return int32(order.Uint32(value)), true
}

// readFixed probes for tag with an exact value width, rewinding on any
// mismatch so a differently-sized element stays available to the caller.
func (r *Reader) readFixed(tag Tag, width int) ([]byte, bool) {
	start := r.off
	value, ok := r.ReadValue(tag)
	if !ok {
		return nil, false
	}
	if len(value) != width {
		r.off = start
		return nil, false
	}
	return value, true
}
