package tlv

import (
	"encoding/binary"
	"fmt"
)

// Writer builds a TLV encoding incrementally.
//
// Values are appended with WriteValue or one of the typed helpers. Nested
// elements are produced with Begin/End: Begin opens a scope whose length is
// not yet known, subsequent writes land inside it, and End seals the scope by
// backfilling the computed length into the parent. Scopes nest arbitrarily.
//
// Encode fails with ErrIncompleteSchema while any scope is still open.
// Once every scope is closed, Encode may be called repeatedly and always
// returns the same bytes.
//
// The first write that receives an invalid tag or length poisons the Writer:
// the error is returned immediately and again from every later call,
// so a malformed element can never be silently dropped from the output.
type Writer struct {
	stack []writerFrame
	err   error
}

type writerFrame struct {
	tag Tag // significant for every frame except the root
	buf []byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{stack: []writerFrame{{tag: -1}}}
}

func (w *Writer) top() *writerFrame {
	return &w.stack[len(w.stack)-1]
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = err
	}
	return w.err
}

// WriteValue appends one element carrying value under tag.
func (w *Writer) WriteValue(tag Tag, value []byte) error {
	if w.err != nil {
		return w.err
	}

	frame := w.top()
	buf, err := appendTag(frame.buf, tag)
	if err != nil {
		return w.fail(err)
	}
	if buf, err = appendLength(buf, len(value)); err != nil {
		return w.fail(err)
	}
	frame.buf = append(buf, value...)
	return nil
}

// WriteByte appends a one-byte element.
func (w *Writer) WriteByte(tag Tag, v byte) error {
	return w.WriteValue(tag, []byte{v})
}

// WriteUint16 appends a two-byte element in the given byte order.
func (w *Writer) WriteUint16(tag Tag, v uint16, order binary.ByteOrder) error {
	var b [2]byte
	order.PutUint16(b[:], v)
	return w.WriteValue(tag, b[:])
}

// WriteInt16 appends a two-byte element in the given byte order.
func (w *Writer) WriteInt16(tag Tag, v int16, order binary.ByteOrder) error {
	return w.WriteUint16(tag, uint16(v), order)
}

// WriteInt32 appends a four-byte element in the given byte order.
func (w *Writer) WriteInt32(tag Tag, v int32, order binary.ByteOrder) error {
	var b [4]byte
	order.PutUint32(b[:], uint32(v))
	return w.WriteValue(tag, b[:])
}

// WriteString appends the raw bytes of s as one element.
func (w *Writer) WriteString(tag Tag, s string) error {
	return w.WriteValue(tag, []byte(s))
}

// Begin opens a nested scope under tag. Every write until the matching End
// lands inside this scope.
func (w *Writer) Begin(tag Tag) error {
	if w.err != nil {
		return w.err
	}
	if !tag.Valid() {
		return w.fail(fmt.Errorf("%w: %#x", ErrInvalidTag, int(tag)))
	}

	w.stack = append(w.stack, writerFrame{tag: tag})
	return nil
}

// End closes the most recently opened scope, sealing its length into the
// parent buffer.
func (w *Writer) End() error {
	if w.err != nil {
		return w.err
	}
	if len(w.stack) < 2 {
		return w.fail(fmt.Errorf("end without matching begin"))
	}

	frame := w.top()
	w.stack = w.stack[:len(w.stack)-1]

	if err := w.WriteValue(frame.tag, frame.buf); err != nil {
		return err
	}
	return nil
}

// Encode returns the accumulated encoding. It fails while nested scopes are
// open or after any write has failed.
func (w *Writer) Encode() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	if len(w.stack) > 1 {
		return nil, fmt.Errorf("%w: %d open", ErrIncompleteSchema, len(w.stack)-1)
	}

	out := make([]byte, len(w.stack[0].buf))
	copy(out, w.stack[0].buf)
	return out, nil
}
