// Package eep decodes and encodes EnOcean Equipment Profile telegrams and
// holds the per-device state machines built on top of them.
//
// Everything in this package is pure: handlers take the current state and a
// telegram or command and return the next state plus the effects (telegrams
// to send, commands to forward, events, reports). Nothing here touches the
// radio or the logger.
package eep

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// RORG values (first payload byte) handled by this package.
const (
	RORGRPS    = 0xF6 // repeated switch communication
	RORG4BS    = 0xA5 // 4 byte communication
	RORGVLD    = 0xD2 // variable length data
	RORGSignal = 0xD0 // signal telegram
)

// ID is a 4-byte EnOcean device (sender) identifier.
type ID [4]byte

// String returns the id as upper-case hex without separators.
func (id ID) String() string {
	return fmt.Sprintf("%02X%02X%02X%02X", id[0], id[1], id[2], id[3])
}

// IsZero reports whether all id bytes are zero.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID parses "FEEA0DC9" or "FE:EA:0D:C9".
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.ReplaceAll(s, ":", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse device id: %w", err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("device id must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// IDFromInts converts a configured byte sequence (e.g. [0xFE, 0xEA, 0x0D, 0xC9]).
func IDFromInts(v []int) (ID, error) {
	var id ID
	if len(v) != len(id) {
		return id, fmt.Errorf("device id must be %d bytes, got %d", len(id), len(v))
	}
	for i, n := range v {
		if n < 0 || n > 0xFF {
			return id, fmt.Errorf("device id byte %d out of range: %d", i, n)
		}
		id[i] = byte(n)
	}
	return id, nil
}

// Telegram is the ERP1 radio payload of one received message:
// RORG, user data, sender id (4 bytes) and status (1 byte).
type Telegram []byte

// RORG returns the leading program id byte, or 0 for an empty telegram.
func (t Telegram) RORG() byte {
	if len(t) == 0 {
		return 0
	}
	return t[0]
}

// Sender returns the sender id that precedes the trailing status byte.
func (t Telegram) Sender() (ID, bool) {
	var id ID
	if len(t) < 1+len(id)+1 {
		return id, false
	}
	copy(id[:], t[len(t)-5:len(t)-1])
	return id, true
}

// Bits returns the read-only bitfield view of the telegram.
func (t Telegram) Bits() Bits {
	return Bits(t)
}
