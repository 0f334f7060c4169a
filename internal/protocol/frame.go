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
	"encoding/binary"
	"hash/crc32"

	"github.com/docker/go-units"

	"github.com/annurdien/cok/internal/errs"
)

// Encode serializes f into its wire representation: the 7-byte header,
// the payload, and the trailing CRC32 over both. It always succeeds
// unless the payload exceeds MaxPayloadSize.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, errs.Detailf(errs.ErrPayloadTooLarge, "payload is %s, max is %s",
			units.BytesSize(float64(len(f.Payload))), units.BytesSize(float64(MaxPayloadSize)))
	}

	version := f.Version
	if version == 0 {
		version = Version
	}

	buf := make([]byte, HeaderSize+len(f.Payload)+TrailerSize)
	buf[0] = version
	buf[1] = byte(f.Type)
	buf[2] = byte(f.Flags)
	binary.LittleEndian.PutUint32(buf[3:7], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)

	crc := crc32.ChecksumIEEE(buf[:HeaderSize+len(f.Payload)])
	binary.LittleEndian.PutUint32(buf[HeaderSize+len(f.Payload):], crc)

	return buf, nil
}

// Decoder accumulates bytes read off the control connection and peels
// off complete frames, buffering partial frames across reads. It is
// not safe for concurrent use; each control connection owns exactly
// one Decoder, matching the connection's single-reader discipline.
type Decoder struct {
	buf []byte
	off int
}

// NewDecoder returns an empty streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends newly-read bytes to the decoder's rolling buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Decode attempts to pull one complete frame off the front of the
// buffer. It returns (frame, true, nil) on success, (zero, false, nil)
// when more bytes are needed, and (zero, false, err) on a fatal
// protocol error — the caller must close the connection in that case,
// since the stream is no longer frame-aligned.
func (d *Decoder) Decode() (Frame, bool, error) {
	d.compact()
	avail := len(d.buf) - d.off

	if avail < HeaderSize {
		return Frame{}, false, nil
	}

	header := d.buf[d.off : d.off+HeaderSize]
	payloadLen := binary.LittleEndian.Uint32(header[3:7])
	if payloadLen > MaxPayloadSize {
		return Frame{}, false, errs.Detailf(errs.ErrPayloadTooLarge, "declared payload is %s, max is %s",
			units.BytesSize(float64(payloadLen)), units.BytesSize(float64(MaxPayloadSize)))
	}

	total := HeaderSize + int(payloadLen) + TrailerSize
	if avail < total {
		return Frame{}, false, nil
	}

	frameBytes := d.buf[d.off : d.off+total]
	body := frameBytes[:HeaderSize+int(payloadLen)]
	wantCRC := binary.LittleEndian.Uint32(frameBytes[HeaderSize+int(payloadLen):])
	gotCRC := crc32.ChecksumIEEE(body)
	if gotCRC != wantCRC {
		return Frame{}, false, errs.ErrCRCMismatch
	}

	version := body[0]
	msgType := MessageType(body[1])
	flags := Flags(body[2])

	if MajorVersion(version) != MajorVersion(Version) {
		return Frame{}, false, errs.Detailf(errs.ErrIncompatibleVersion, "peer version 0x%02X", version)
	}
	if !msgType.Valid() {
		return Frame{}, false, errs.Detailf(errs.ErrUnknownType, "0x%02X", byte(msgType))
	}

	payload := make([]byte, payloadLen)
	copy(payload, body[HeaderSize:])

	d.off += total

	return Frame{Version: version, Type: msgType, Flags: flags, Payload: payload}, true, nil
}

// compact discards already-consumed bytes once the whole buffer has
// been consumed or more than 64 KiB of it has, so a long-lived
// connection doesn't retain an ever-growing slice.
func (d *Decoder) compact() {
	if d.off == 0 {
		return
	}
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
		return
	}
	if d.off > 64*1024 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
}
