/*
   Copyright 2026 Cok authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package protocol

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/annurdien/cok/internal/errs"
)

// writer accumulates the little-endian primitives MessageCodec needs.
// It never fails to write; errors only arise on the read side when a
// payload has been truncated.
type writer struct {
	buf bytes.Buffer
}

func (w *writer) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *writer) u16(v uint16) { var b [2]byte; binary.LittleEndian.PutUint16(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); w.buf.Write(b[:]) }
func (w *writer) u64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); w.buf.Write(b[:]) }

func (w *writer) lpString(s string) {
	w.u32(uint32(len(s)))
	w.buf.WriteString(s)
}

func (w *writer) optString(s *string) {
	if s == nil {
		w.u8(0x00)
		return
	}
	w.u8(0x01)
	w.lpString(*s)
}

func (w *writer) lpBytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf.Write(b)
}

func (w *writer) uuid(id uuid.UUID) { w.buf.Write(id[:]) }

func (w *writer) date(t time.Time) { w.u64(uint64(t.UnixMilli())) }

func (w *writer) arrayHeader(n int) { w.u32(uint32(n)) }

func (w *writer) stringPair(a, b string) {
	w.lpString(a)
	w.lpString(b)
}

func (w *writer) stringMap(m map[string]string) {
	w.arrayHeader(len(m))
	for k, v := range m {
		w.stringPair(k, v)
	}
}

func (w *writer) bytes() []byte { return w.buf.Bytes() }

// reader unpacks the little-endian primitives out of a message
// payload, returning errs.ErrInsufficientData on any truncated read.
type reader struct {
	buf []byte
	off int
}

func newReader(b []byte) *reader { return &reader{buf: b} }

func (r *reader) need(n int) error {
	if len(r.buf)-r.off < n {
		return errs.Detailf(errs.ErrInsufficientData, "need %d bytes, have %d", n, len(r.buf)-r.off)
	}
	return nil
}

func (r *reader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *reader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) lpString() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	return s, nil
}

func (r *reader) optString() (*string, error) {
	present, err := r.u8()
	if err != nil {
		return nil, err
	}
	if present == 0 {
		return nil, nil
	}
	s, err := r.lpString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *reader) lpBytes() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return b, nil
}

func (r *reader) uuid() (uuid.UUID, error) {
	if err := r.need(16); err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	copy(id[:], r.buf[r.off:r.off+16])
	r.off += 16
	return id, nil
}

func (r *reader) date() (time.Time, error) {
	ms, err := r.u64()
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func (r *reader) arrayLen() (int, error) {
	n, err := r.u32()
	if err != nil {
		return 0, err
	}
	// Every element consumes at least one byte, so a count larger than
	// what remains in the buffer can only be a malformed or hostile
	// frame. Rejecting it here keeps every caller's make([]T, n) from
	// ever seeing an attacker-controlled allocation size.
	if remaining := len(r.buf) - r.off; int(n) > remaining {
		return 0, errs.Detailf(errs.ErrInsufficientData, "array length %d exceeds %d remaining bytes", n, remaining)
	}
	return int(n), nil
}

func (r *reader) stringPair() (string, string, error) {
	a, err := r.lpString()
	if err != nil {
		return "", "", err
	}
	b, err := r.lpString()
	if err != nil {
		return "", "", err
	}
	return a, b, nil
}

func (r *reader) stringMap() (map[string]string, error) {
	n, err := r.arrayLen()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k, v, err := r.stringPair()
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	return m, nil
}
