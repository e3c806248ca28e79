package eep

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Command names accepted by Apply.
const (
	CommandSetTargetTemperature   = "set_target_temperature"
	CommandSetMode                = "set_mode"
	CommandTriggerStandby         = "trigger_standby"
	CommandTriggerReferenceRun    = "trigger_reference_run"
	CommandSetDutyCycle           = "set_duty_cycle"
	CommandSetExternalTemperature = "set_external_temperature"
)

// Command is a request addressed to one device.
type Command struct {
	Name  string `json:"command"`
	Value any    `json:"value,omitempty"`
}

// Forward is a command that must be delivered to another device.
type Forward struct {
	Target  ID
	Command Command
}

// Event names produced by the decoders.
const (
	EventButtonPressed = "button_pressed"
	EventTeachIn       = "teach_in"
)

// Event is a domain event raised while handling a telegram.
type Event struct {
	Type string
	Data map[string]any
}

// Result collects the effects of one telegram or command.
type Result struct {
	// Send holds outbound payloads in transmission order.
	Send    [][]byte
	Forward []Forward
	Events  []Event
	Reports []Report
}

func (r *Result) send(p []byte) {
	r.Send = append(r.Send, p)
}

func (r *Result) report(level slog.Level, err error) {
	r.Reports = append(r.Reports, Report{Level: level, Err: err})
}

// floatValue accepts the numeric shapes that arrive from JSON, YAML and Lua.
func floatValue(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number: %w", n, ErrInvalidArgument)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%v (%T) is not a number: %w", v, v, ErrInvalidArgument)
	}
}
