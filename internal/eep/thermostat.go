package eep

import (
	"fmt"
	"log/slog"
	"math"
)

// Teach-in profile of the Micropelt radiator valve actuator (A5-20-06).
const (
	ThermostatProgram      = 0xA5
	ThermostatFunction     = 0x20
	ThermostatType         = 0x06
	ThermostatManufacturer = 0x49
)

// Temperature limits of the actuator.
const (
	DefaultMinTemperature  = 4.0
	DefaultMaxTemperature  = 31.0
	TemperatureStep        = 0.5
	MaxExternalTemperature = 80.0

	defaultTargetTemperature = 20.0
)

// Thermostat response telegrams are RORG + 4 data bytes + sender(4) + status.
const responseLen = 10

// teachInAck answers a valid teach-in request (bidirectional, EEP accepted).
var teachInAck = [responseLen]byte{0xA5, 0x80, 0x30, 0x49, 0xF0}

// Bit layout of an actuator data telegram.
const (
	bitLearn            = 36
	bitLocalOffsetMode  = 16
	bitSensorSelection  = 32
	bitHarvesting       = 33
	bitChargeLevelOK    = 34
	bitWindowOpen       = 35
	bitCommunicationErr = 37
	bitSignalWeak       = 38
	bitActuatorBlocked  = 39
)

// respDataByte0 is DB0 of a response: data telegram, everything else reserved.
const respDataByte0 = 0x08

// maxExternalRaw bounds the encoded external temperature byte.
const maxExternalRaw = 80

// Mode is the protocol state of a thermostat actuator.
type Mode string

const (
	ModeOff         Mode = "off"
	ModeTeachIn     Mode = "teach_in"
	ModeOperational Mode = "operational"
	ModeError       Mode = "error"
)

// HVACMode is the user-selectable heating mode.
type HVACMode string

const (
	HVACOff  HVACMode = "off"
	HVACHeat HVACMode = "heat"
)

// ParseHVACMode accepts "off" or "heat" in any case.
func ParseHVACMode(v any) (HVACMode, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("hvac mode %v (%T): %w", v, v, ErrInvalidArgument)
	}
	switch HVACMode(lower(s)) {
	case HVACOff:
		return HVACOff, nil
	case HVACHeat:
		return HVACHeat, nil
	}
	return "", fmt.Errorf("hvac mode %q: %w", s, ErrInvalidArgument)
}

// ThermostatConfig holds per-device settings that do not change at runtime.
type ThermostatConfig struct {
	MinTemperature    float64
	MaxTemperature    float64
	UseExternalSensor bool
}

// DefaultThermostatConfig returns the actuator's hardware limits.
func DefaultThermostatConfig() ThermostatConfig {
	return ThermostatConfig{
		MinTemperature: DefaultMinTemperature,
		MaxTemperature: DefaultMaxTemperature,
	}
}

func (c ThermostatConfig) bounds() (float64, float64) {
	if c.MinTemperature == 0 && c.MaxTemperature == 0 {
		return DefaultMinTemperature, DefaultMaxTemperature
	}
	return c.MinTemperature, c.MaxTemperature
}

// Validate checks that explicit bounds lie within the actuator's range, sit
// on the 0.5 °C step and are ordered. Zero bounds select the defaults.
func (c ThermostatConfig) Validate() error {
	if c.MinTemperature == 0 && c.MaxTemperature == 0 {
		return nil
	}
	lo, hi := c.MinTemperature, c.MaxTemperature
	for _, b := range []struct {
		name string
		v    float64
	}{{"min_temperature", lo}, {"max_temperature", hi}} {
		if b.v < DefaultMinTemperature || b.v > DefaultMaxTemperature {
			return fmt.Errorf("%s %g outside %g..%g: %w", b.name, b.v, DefaultMinTemperature, DefaultMaxTemperature, ErrInvalidArgument)
		}
		if !onStep(b.v) {
			return fmt.Errorf("%s %g is not a multiple of %g: %w", b.name, b.v, TemperatureStep, ErrInvalidArgument)
		}
	}
	if lo >= hi {
		return fmt.Errorf("min_temperature %g must be below max_temperature %g: %w", lo, hi, ErrInvalidArgument)
	}
	return nil
}

func onStep(v float64) bool {
	return math.Abs(v/TemperatureStep-math.Round(v/TemperatureStep)) < 1e-9
}

// ClampTarget bounds a setpoint to [min, max] and snaps it to the 0.5 °C
// step. The result never leaves the bounds or the actuator's range: a bound
// off the step is rounded inward.
func (c ThermostatConfig) ClampTarget(v float64) float64 {
	lo, hi := c.bounds()
	lo = math.Max(lo, DefaultMinTemperature)
	hi = math.Min(hi, DefaultMaxTemperature)
	lo = math.Ceil(lo/TemperatureStep-1e-9) * TemperatureStep
	hi = math.Floor(hi/TemperatureStep+1e-9) * TemperatureStep
	if lo > hi {
		lo, hi = DefaultMinTemperature, DefaultMaxTemperature
	}
	v = math.Round(clamp(v, lo, hi)/TemperatureStep) * TemperatureStep
	return clamp(v, lo, hi)
}

// ThermostatState is the live mirror of one radiator valve actuator.
type ThermostatState struct {
	Mode                         Mode      `json:"mode"`
	SummerMode                   bool      `json:"summer_mode"`
	ValvePosition                int       `json:"valve_position"`
	TargetTemperature            float64   `json:"target_temperature"`
	CurrentTemperature           float64   `json:"current_temperature"`
	UseExternalTemperatureSensor bool      `json:"use_external_temperature_sensor"`
	ActualSensorSelection        bool      `json:"actual_sensor_selection"`
	ExternalTemperature          float64   `json:"external_temperature"`
	DutyCycle                    DutyCycle `json:"duty_cycle"`

	HarvestingActive bool `json:"harvesting_active"`
	ChargeLevelOK    bool `json:"chargelevel_ok"`
	WindowOpen       bool `json:"window_open"`
	CommunicationOK  bool `json:"communication_ok"`
	SignalStrengthOK bool `json:"signalstrength_ok"`
	ActuatorOK       bool `json:"actuator_ok"`

	// Fire-once flags, cleared when consumed.
	TriggerReferenceRun     bool `json:"trigger_reference_run"`
	TriggerStandby          bool `json:"trigger_standby"`
	PendingSetpointOverride bool `json:"pending_setpoint_override"`
}

// NewThermostatState returns the state of a freshly registered actuator.
func NewThermostatState(cfg ThermostatConfig) ThermostatState {
	return ThermostatState{
		Mode:                         ModeOff,
		TargetTemperature:            cfg.ClampTarget(defaultTargetTemperature),
		CurrentTemperature:           defaultTargetTemperature,
		UseExternalTemperatureSensor: cfg.UseExternalSensor,
		ActualSensorSelection:        cfg.UseExternalSensor,
		ExternalTemperature:          defaultTargetTemperature,
		DutyCycle:                    DutyCycleAuto,
		ChargeLevelOK:                true,
		CommunicationOK:              true,
		SignalStrengthOK:             true,
		ActuatorOK:                   true,
	}
}

// HVACMode reports the user-facing heating mode.
func (s ThermostatState) HVACMode() HVACMode {
	if s.SummerMode {
		return HVACOff
	}
	return HVACHeat
}

// Attributes returns the attribute snapshot published to the host.
func (s ThermostatState) Attributes() map[string]any {
	return map[string]any{
		"mode":                            string(s.Mode),
		"hvac_mode":                       string(s.HVACMode()),
		"summer_mode":                     s.SummerMode,
		"valve_position":                  s.ValvePosition,
		"target_temperature":              s.TargetTemperature,
		"current_temperature":             s.CurrentTemperature,
		"use_external_temperature_sensor": s.UseExternalTemperatureSensor,
		"actual_sensor_selection":         s.ActualSensorSelection,
		"external_temperature":            s.ExternalTemperature,
		"duty_cycle":                      s.DutyCycle.String(),
		"harvesting_active":               s.HarvestingActive,
		"chargelevel_ok":                  s.ChargeLevelOK,
		"window_open":                     s.WindowOpen,
		"communication_ok":                s.CommunicationOK,
		"signalstrength_ok":               s.SignalStrengthOK,
		"actuator_ok":                     s.ActuatorOK,
		"trigger_reference_run":           s.TriggerReferenceRun,
		"trigger_standby":                 s.TriggerStandby,
		"pending_setpoint_override":       s.PendingSetpointOverride,
	}
}

// HandleTelegram advances the protocol state for one inbound telegram.
// Bit 36 selects the path: 0 is a teach-in request, 1 a data telegram.
//
// A teach-in from a different profile leaves the state untouched and returns
// an error wrapping ErrProfileMismatch.
func (s ThermostatState) HandleTelegram(cfg ThermostatConfig, t Telegram) (ThermostatState, Result, error) {
	data, err := t.Bits().Bit(bitLearn)
	if err != nil {
		return s, Result{}, fmt.Errorf("thermostat telegram: %w", err)
	}
	if !data {
		return s.teachIn(cfg, t)
	}
	return s.data(cfg, t)
}

func (s ThermostatState) teachIn(cfg ThermostatConfig, t Telegram) (ThermostatState, Result, error) {
	var res Result
	r := bitReader{bits: t.Bits()}
	program := r.uint(0, 7)
	function := r.uint(8, 13)
	typ := r.uint(14, 20)
	manufacturer := r.uint(21, 31)
	if r.err != nil {
		return s, res, fmt.Errorf("thermostat teach-in: %w", r.err)
	}

	if program != ThermostatProgram || function != ThermostatFunction ||
		typ != ThermostatType || manufacturer != ThermostatManufacturer {
		return s, res, fmt.Errorf("thermostat teach-in %02X-%02X-%02X manufacturer 0x%03X: %w",
			program, function, typ, manufacturer, ErrProfileMismatch)
	}

	next := s
	next.Mode = ModeTeachIn
	ack := teachInAck
	res.send(ack[:])
	res.Events = append(res.Events, Event{
		Type: EventTeachIn,
		Data: map[string]any{
			"program":      program,
			"function":     function,
			"type":         typ,
			"manufacturer": manufacturer,
		},
	})

	next, resp := next.Respond(cfg)
	res.send(resp)
	return next, res, nil
}

func (s ThermostatState) data(cfg ThermostatConfig, t Telegram) (ThermostatState, Result, error) {
	var res Result
	if t.RORG() != RORG4BS {
		return s, res, fmt.Errorf("thermostat telegram: program 0x%02X: %w", t.RORG(), ErrUnexpectedProgramID)
	}
	r := bitReader{bits: t.Bits()}
	valve := r.uint(8, 15)
	offsetMode := r.bit(bitLocalOffsetMode)
	setpoint := r.uint(17, 23)
	current := r.uint(24, 31)
	sensorSelection := r.bit(bitSensorSelection)
	harvesting := r.bit(bitHarvesting)
	chargeOK := r.bit(bitChargeLevelOK)
	window := r.bit(bitWindowOpen)
	commErr := r.bit(bitCommunicationErr)
	signalWeak := r.bit(bitSignalWeak)
	blocked := r.bit(bitActuatorBlocked)
	if r.err != nil {
		return s, res, fmt.Errorf("thermostat data: %w", r.err)
	}

	next := s
	next.Mode = ModeOperational
	if valve > 100 {
		res.report(slog.LevelWarn, fmt.Errorf("valve position %d above 100%%: %w", valve, ErrMalformedTelegram))
		valve = 100
	}
	next.ValvePosition = int(valve)

	if !offsetMode {
		res.report(slog.LevelWarn, ErrOffsetModeCleared)
	}
	// The actuator echoes the setpoint it believes is active. A locally
	// issued setpoint wins over that echo for exactly one telegram.
	if offsetMode && !s.PendingSetpointOverride {
		next.TargetTemperature = cfg.ClampTarget(float64(setpoint) / 2)
	}
	next.PendingSetpointOverride = false

	next.CurrentTemperature = float64(current) / 2
	next.ActualSensorSelection = sensorSelection
	next.HarvestingActive = harvesting
	next.ChargeLevelOK = chargeOK
	next.WindowOpen = window
	next.CommunicationOK = !commErr
	next.SignalStrengthOK = !signalWeak
	next.ActuatorOK = !blocked

	if next.ActualSensorSelection != next.UseExternalTemperatureSensor {
		res.report(slog.LevelWarn, fmt.Errorf("actuator uses external sensor=%t, configured %t: %w",
			next.ActualSensorSelection, next.UseExternalTemperatureSensor, ErrSensorSelectionMismatch))
	}
	if !next.ChargeLevelOK {
		res.report(slog.LevelWarn, fmt.Errorf("energy storage low: %w", ErrHealthDegraded))
	}
	if !next.CommunicationOK {
		res.report(slog.LevelWarn, fmt.Errorf("radio communication error: %w", ErrHealthDegraded))
	}
	if !next.SignalStrengthOK {
		res.report(slog.LevelWarn, fmt.Errorf("radio signal weak: %w", ErrHealthDegraded))
	}
	if !next.ActuatorOK {
		res.report(slog.LevelError, fmt.Errorf("actuator blocked: %w", ErrHealthDegraded))
		next.Mode = ModeError
	}
	if next.SummerMode {
		next.Mode = ModeOff
	}

	next, resp := next.Respond(cfg)
	res.send(resp)
	return next, res, nil
}

// Respond encodes the response telegram for the current state and returns
// the state with the fire-once triggers cleared.
//
//	byte0  0xA5
//	byte1  setpoint × 2
//	byte2  external temperature × 4 (0 unless the external sensor is used)
//	byte3  RIN SPS2 SPS1 SPS0 SB 1 TSL SBY
//	byte4  0x08
//	byte5-9 sender id and status, filled in by the transport
func (s ThermostatState) Respond(cfg ThermostatConfig) (ThermostatState, []byte) {
	p := make([]byte, responseLen)
	p[0] = ThermostatProgram
	p[1] = byte(math.Round(cfg.ClampTarget(s.TargetTemperature) * 2))
	if s.UseExternalTemperatureSensor {
		p[2] = byte(math.Round(clamp(s.ExternalTemperature*4, 0, maxExternalRaw)))
	}
	d := s.DutyCycle
	p[3] = packBits(
		s.TriggerReferenceRun,
		d&4 != 0,
		d&2 != 0,
		d&1 != 0,
		s.SummerMode,
		true,
		s.UseExternalTemperatureSensor,
		s.TriggerStandby,
	)
	p[4] = respDataByte0

	next := s
	next.TriggerReferenceRun = false
	next.TriggerStandby = false
	return next, p
}

// ResponseFields are the logical values carried by a response telegram.
type ResponseFields struct {
	TargetTemperature   float64
	ExternalTemperature float64
	TriggerReferenceRun bool
	DutyCycle           DutyCycle
	SummerMode          bool
	UseExternalSensor   bool
	TriggerStandby      bool
}

// ParseResponse decodes a response telegram built by Respond.
func ParseResponse(p []byte) (ResponseFields, error) {
	var f ResponseFields
	if len(p) < 5 {
		return f, fmt.Errorf("response telegram: length %d: %w", len(p), ErrMalformedTelegram)
	}
	if p[0] != ThermostatProgram {
		return f, fmt.Errorf("response telegram: program 0x%02X: %w", p[0], ErrUnexpectedProgramID)
	}
	b := p[3]
	f.TargetTemperature = float64(p[1]) / 2
	f.ExternalTemperature = float64(p[2]) / 4
	f.TriggerReferenceRun = b&0x80 != 0
	f.DutyCycle = DutyCycle((b >> 4) & 0x07)
	f.SummerMode = b&0x08 != 0
	f.UseExternalSensor = b&0x02 != 0
	f.TriggerStandby = b&0x01 != 0
	return f, nil
}

// Apply executes a host command. set_target_temperature answers immediately
// with a response telegram; the other commands are carried by the next one.
func (s ThermostatState) Apply(cfg ThermostatConfig, cmd Command) (ThermostatState, Result, error) {
	var res Result
	next := s
	switch cmd.Name {
	case CommandSetTargetTemperature:
		v, err := finiteValue(cmd.Value)
		if err != nil {
			return s, res, fmt.Errorf("%s: %w", cmd.Name, err)
		}
		next.TargetTemperature = cfg.ClampTarget(v)
		if next.TargetTemperature != v {
			res.report(slog.LevelInfo, fmt.Errorf("target temperature %.2f clamped to %.1f: %w",
				v, next.TargetTemperature, ErrInvalidArgument))
		}
		next.PendingSetpointOverride = true
		var resp []byte
		next, resp = next.Respond(cfg)
		res.send(resp)

	case CommandSetMode:
		m, err := ParseHVACMode(cmd.Value)
		if err != nil {
			return s, res, fmt.Errorf("%s: %w", cmd.Name, err)
		}
		switch m {
		case HVACOff:
			next.SummerMode = true
			next.Mode = ModeOff
		case HVACHeat:
			next.SummerMode = false
			next.Mode = ModeOperational
		}

	case CommandTriggerStandby:
		next.TriggerStandby = true

	case CommandTriggerReferenceRun:
		next.TriggerReferenceRun = true

	case CommandSetDutyCycle:
		d, err := ParseDutyCycle(cmd.Value)
		if err != nil {
			return s, res, fmt.Errorf("%s: %w", cmd.Name, err)
		}
		next.DutyCycle = d

	case CommandSetExternalTemperature:
		v, err := finiteValue(cmd.Value)
		if err != nil {
			return s, res, fmt.Errorf("%s: %w", cmd.Name, err)
		}
		next.ExternalTemperature = clamp(v, 0, MaxExternalTemperature)

	default:
		return s, res, fmt.Errorf("thermostat: %q: %w", cmd.Name, ErrUnknownCommand)
	}
	return next, res, nil
}

func finiteValue(v any) (float64, error) {
	f, err := floatValue(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not finite: %w", f, ErrInvalidArgument)
	}
	return f, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
