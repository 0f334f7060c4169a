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

package controlserver

import (
	"crypto/rand"
	"encoding/hex"
	"net"

	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/protocol"
)

// readFrame blocks on conn until dec can produce a complete frame,
// feeding it more bytes as needed.
func readFrame(conn net.Conn, dec *protocol.Decoder) (protocol.Frame, error) {
	buf := make([]byte, 64*1024)
	for {
		frame, ok, err := dec.Decode()
		if err != nil {
			return protocol.Frame{}, err
		}
		if ok {
			return frame, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return protocol.Frame{}, errs.Detailf(errs.ErrRead, "%v", err)
		}
	}
}

// sender is the minimal write surface writeMessage needs; both a raw
// net.Conn (pre-registration, single-writer by construction) and a
// *connLink (post-registration, mutex-serialized) satisfy it.
type sender interface {
	Write(p []byte) (int, error)
}

func writeMessage(w sender, t protocol.MessageType, payload []byte) error {
	frame, err := protocol.EncodeMessage(t, payload)
	if err != nil {
		return err
	}
	encoded, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if _, err := w.Write(encoded); err != nil {
		return errs.Detailf(errs.ErrWrite, "%v", err)
	}
	return nil
}

// writeErrorFrame sends an Error message on a best-effort basis; the
// caller is about to close the connection regardless of whether this
// write succeeds.
func writeErrorFrame(conn net.Conn, code uint16, message string) {
	msg := protocol.ErrorMessage{Code: code, Message: message}
	_ = writeMessage(conn, protocol.MessageError, msg.Marshal())
}

// randomLabel generates a subdomain label for clients that didn't
// request one explicitly: 12 lowercase hex characters, which always
// satisfies the RFC-1123 shape and length rules.
func randomLabel() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
