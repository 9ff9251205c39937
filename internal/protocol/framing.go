// Package protocol implements the Control Protocol Endpoint's wire format
// (spec §4.4): explicit length-prefixed framing over the reliable stream,
// and the VERB[:ARG[:ARG...]] message vocabulary exchanged after framing.
//
// The source this spec was distilled from relied on "one read = one
// message", which spec §9 calls out as an unresolved Open Question. This
// package resolves it: every message, either direction, is preceded by a
// 4-byte big-endian length prefix.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageBytes bounds a single framed message to guard against a
// misbehaving peer claiming an enormous length prefix.
const MaxMessageBytes = 1 << 20 // 1 MiB; comfortably larger than any CONFIG JSON.

// ErrMessageTooLarge is returned by ReadMessage when a peer's length
// prefix exceeds MaxMessageBytes.
var ErrMessageTooLarge = errors.New("protocol: message exceeds maximum frame size")

// WriteMessage frames s as a 4-byte big-endian length prefix followed by
// its bytes, and writes it to w in a single Write call.
func WriteMessage(w io.Writer, s string) error {
	buf := make([]byte, 4+len(s))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(s)))
	copy(buf[4:], s)
	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("protocol: write message: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed message from r, handling short
// reads via io.ReadFull.
func ReadMessage(r io.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxMessageBytes {
		return "", ErrMessageTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return "", fmt.Errorf("protocol: read message body: %w", err)
	}
	return string(body), nil
}
