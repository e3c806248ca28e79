package eep

import (
	"errors"
	"log/slog"
)

// Error kinds reported by the decoders and state machines.
var (
	ErrProfileMismatch         = errors.New("teach-in profile mismatch")
	ErrUnexpectedProgramID     = errors.New("unexpected program id")
	ErrSensorSelectionMismatch = errors.New("sensor selection mismatch")
	ErrHealthDegraded          = errors.New("health degraded")
	ErrInvalidArgument         = errors.New("invalid command argument")
	ErrMalformedTelegram       = errors.New("malformed telegram")
	ErrUnknownSignal           = errors.New("unknown signal type")
	ErrUnknownCommand          = errors.New("unknown command")
	ErrOffsetModeCleared       = errors.New("local offset mode not set")
)

// Report is a non-fatal condition found while handling a telegram. The
// caller decides how to surface it; Level is the suggested log severity.
type Report struct {
	Level slog.Level
	Err   error
}

// Kind returns the sentinel error the report wraps, or nil.
func (r Report) Kind() error {
	for _, k := range []error{
		ErrProfileMismatch,
		ErrUnexpectedProgramID,
		ErrSensorSelectionMismatch,
		ErrHealthDegraded,
		ErrInvalidArgument,
		ErrMalformedTelegram,
		ErrUnknownSignal,
		ErrOffsetModeCleared,
	} {
		if errors.Is(r.Err, k) {
			return k
		}
	}
	return nil
}
