package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/daviddao/replimail/pkg/model"
)

var (
	// ErrShortPayload is returned when a payload ends before its layout does.
	ErrShortPayload = errors.New("short payload")
	// ErrTrailingBytes is returned when a payload is longer than its layout.
	ErrTrailingBytes = errors.New("trailing bytes in payload")
	// ErrInvalidText is returned for text that is not valid UTF-8.
	ErrInvalidText = errors.New("invalid utf-8 text")
)

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.BigEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)  { e.u64(uint64(v)) }

func (e *encoder) id(id model.CommandID) {
	e.u16(uint16(id.Origin))
	e.i64(id.Index)
}

// text writes a length-prefixed string. Callers validate bounds first.
func (e *encoder) text(s string) {
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

// fixedText writes a length prefix and pads the field to max bytes.
func (e *encoder) fixedText(s string, max int) {
	e.text(s)
	for i := len(s); i < max; i++ {
		e.buf = append(e.buf, 0)
	}
}

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if len(d.b)-d.off < n {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortPayload, n, d.off, len(d.b)-d.off)
		return nil
	}
	out := d.b[d.off : d.off+n]
	d.off += n
	return out
}

func (d *decoder) u8() uint8 {
	if b := d.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.take(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (d *decoder) i64() int64 { return int64(d.u64()) }

func (d *decoder) id() model.CommandID {
	origin := d.u16()
	index := d.i64()
	return model.CommandID{Origin: int(origin), Index: index}
}

func (d *decoder) text(field string, max int) string {
	n := int(d.u16())
	if d.err != nil {
		return ""
	}
	if n > max {
		d.err = fmt.Errorf("%s: %d bytes > %d: %w", field, n, max, model.ErrFieldTooLong)
		return ""
	}
	raw := d.take(n)
	if d.err != nil {
		return ""
	}
	if !utf8.Valid(raw) {
		d.err = fmt.Errorf("%s: %w", field, ErrInvalidText)
		return ""
	}
	return string(raw)
}

func (d *decoder) fixedText(field string, max int) string {
	s := d.text(field, max)
	if d.err != nil {
		return ""
	}
	d.take(max - len(s))
	return s
}

// username reads a bounded name and normalises it to NFC so that visually
// identical names address the same mailbox.
func (d *decoder) username(field string) string {
	s := d.text(field, model.MaxUsername)
	if d.err != nil {
		return ""
	}
	s = norm.NFC.String(s)
	if err := model.ValidateText(field, s, model.MaxUsername); err != nil {
		d.err = err
		return ""
	}
	return s
}

func (d *decoder) finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.b) {
		return fmt.Errorf("%w: %d extra", ErrTrailingBytes, len(d.b)-d.off)
	}
	return nil
}
