package eep

import (
	"fmt"
	"strings"
)

// DutyCycle is the actuator's radio wake-up interval.
type DutyCycle uint8

const (
	DutyCycleAuto DutyCycle = iota
	DutyCycle2Min
	DutyCycle5Min
	DutyCycle10Min
	DutyCycle20Min
	DutyCycle30Min
	DutyCycle60Min
	DutyCycle120Min
)

var dutyCycleNames = [...]string{
	DutyCycleAuto:   "AUTO",
	DutyCycle2Min:   "2_MIN",
	DutyCycle5Min:   "5_MIN",
	DutyCycle10Min:  "10_MIN",
	DutyCycle20Min:  "20_MIN",
	DutyCycle30Min:  "30_MIN",
	DutyCycle60Min:  "60_MIN",
	DutyCycle120Min: "120_MIN",
}

// DutyCycleNames lists the accepted names in code order.
func DutyCycleNames() []string {
	out := make([]string, len(dutyCycleNames))
	copy(out, dutyCycleNames[:])
	return out
}

func (d DutyCycle) String() string {
	if !d.Valid() {
		return fmt.Sprintf("DutyCycle(%d)", uint8(d))
	}
	return dutyCycleNames[d]
}

// Valid reports whether d is one of the eight defined codes.
func (d DutyCycle) Valid() bool {
	return int(d) < len(dutyCycleNames)
}

// ParseDutyCycle accepts a name ("AUTO", "10_MIN") or a numeric code 0-7.
func ParseDutyCycle(v any) (DutyCycle, error) {
	if s, ok := v.(string); ok {
		name := strings.ToUpper(strings.TrimSpace(s))
		for i, n := range dutyCycleNames {
			if n == name {
				return DutyCycle(i), nil
			}
		}
		return 0, fmt.Errorf("duty cycle %q: %w", s, ErrInvalidArgument)
	}
	f, err := floatValue(v)
	if err != nil {
		return 0, fmt.Errorf("duty cycle: %w", err)
	}
	if f < 0 || f >= float64(len(dutyCycleNames)) || f != float64(int(f)) {
		return 0, fmt.Errorf("duty cycle %v: %w", v, ErrInvalidArgument)
	}
	return DutyCycle(f), nil
}

// MarshalText stores duty cycles by name.
func (d DutyCycle) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, fmt.Errorf("duty cycle %d: %w", uint8(d), ErrInvalidArgument)
	}
	return []byte(d.String()), nil
}

func (d *DutyCycle) UnmarshalText(b []byte) error {
	v, err := ParseDutyCycle(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
