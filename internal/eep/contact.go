package eep

import "fmt"

// contactTelegramLen is RORG + status + sender(4) + status2 of an F6 telegram.
const contactTelegramLen = 7

// ContactState is the retained value of a single-input contact.
type ContactState struct {
	IsOpen bool `json:"is_open"`
}

// NewContactState returns the initial contact state. Contacts start open
// until the first telegram says otherwise.
func NewContactState() ContactState {
	return ContactState{IsOpen: true}
}

// State returns "open" or "closed".
func (s ContactState) State() string {
	if s.IsOpen {
		return "open"
	}
	return "closed"
}

// Attributes returns the attribute snapshot published to the host.
func (s ContactState) Attributes() map[string]any {
	return map[string]any{
		"state":   s.State(),
		"is_open": s.IsOpen,
	}
}

// DecodeContact decodes an F6 single-input-contact telegram:
//
//	[0xF6, status, id0, id1, id2, id3, status2]
//
// The contact is open when status is zero.
func DecodeContact(t Telegram) (ContactState, Result, error) {
	var res Result
	if len(t) != contactTelegramLen {
		return ContactState{}, res, fmt.Errorf("contact telegram: length %d, want %d: %w",
			len(t), contactTelegramLen, ErrMalformedTelegram)
	}
	if t.RORG() != RORGRPS {
		return ContactState{}, res, fmt.Errorf("contact telegram: program 0x%02X: %w", t.RORG(), ErrUnexpectedProgramID)
	}

	s := ContactState{IsOpen: t[1] == 0}
	res.Events = append(res.Events, Event{
		Type: EventButtonPressed,
		Data: map[string]any{"is_open": s.IsOpen},
	})
	return s, res, nil
}
