package eep

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
)

// putBits writes v into the inclusive bit range [start, end], MSB first.
func putBits(b []byte, start, end int, v uint64) {
	for i := end; i >= start; i-- {
		mask := byte(1) << (7 - uint(i%8))
		if v&1 == 1 {
			b[i/8] |= mask
		} else {
			b[i/8] &^= mask
		}
		v >>= 1
	}
}

var valveID = ID{0x01, 0x9A, 0x2B, 0x3C}

func teachInTelegram(program, function, typ, manufacturer uint64) Telegram {
	t := make(Telegram, 10)
	putBits(t, 0, 7, program)
	putBits(t, 8, 13, function)
	putBits(t, 14, 20, typ)
	putBits(t, 21, 31, manufacturer)
	copy(t[5:9], valveID[:])
	return t
}

type dataFields struct {
	valve, setpoint, current       uint64
	offsetMode, sensorSel, charge  bool
	window, commErr, weak, blocked bool
}

func healthyData() dataFields {
	return dataFields{valve: 50, setpoint: 42, current: 44, offsetMode: true, charge: true}
}

func dataTelegram(f dataFields) Telegram {
	t := make(Telegram, 10)
	t[0] = RORG4BS
	bit := func(i int, v bool) {
		if v {
			putBits(t, i, i, 1)
		}
	}
	putBits(t, 8, 15, f.valve)
	bit(bitLocalOffsetMode, f.offsetMode)
	putBits(t, 17, 23, f.setpoint)
	putBits(t, 24, 31, f.current)
	bit(bitSensorSelection, f.sensorSel)
	bit(bitChargeLevelOK, f.charge)
	bit(bitWindowOpen, f.window)
	bit(bitLearn, true)
	bit(bitCommunicationErr, f.commErr)
	bit(bitSignalWeak, f.weak)
	bit(bitActuatorBlocked, f.blocked)
	copy(t[5:9], valveID[:])
	return t
}

func reportKinds(res Result) []error {
	var out []error
	for _, r := range res.Reports {
		out = append(out, r.Kind())
	}
	return out
}

func TestTeachInAccepted(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)

	next, res, err := s.HandleTelegram(cfg, teachInTelegram(0xA5, 0x20, 0x06, 0x49))
	if err != nil {
		t.Fatalf("HandleTelegram: %v", err)
	}
	if next.Mode != ModeTeachIn {
		t.Errorf("mode = %q, want %q", next.Mode, ModeTeachIn)
	}
	if len(res.Send) != 2 {
		t.Fatalf("sent %d telegrams, want 2", len(res.Send))
	}
	want := []byte{0xA5, 0x80, 0x30, 0x49, 0xF0, 0, 0, 0, 0, 0}
	if !bytes.Equal(res.Send[0], want) {
		t.Errorf("ack = % X, want % X", res.Send[0], want)
	}
	if res.Send[1][0] != 0xA5 || res.Send[1][4] != 0x08 {
		t.Errorf("second telegram is not a response: % X", res.Send[1])
	}
	if len(res.Events) != 1 || res.Events[0].Type != EventTeachIn {
		t.Errorf("events = %+v, want one teach_in", res.Events)
	}
}

func TestTeachInMismatch(t *testing.T) {
	tests := []struct {
		name                 string
		prog, fn, typ, manuf uint64
	}{
		{"program", 0x99, 0x20, 0x06, 0x49},
		{"function", 0xA5, 0x21, 0x06, 0x49},
		{"type", 0xA5, 0x20, 0x01, 0x49},
		{"manufacturer", 0xA5, 0x20, 0x06, 0x0B},
	}

	cfg := DefaultThermostatConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewThermostatState(cfg)
			s.TriggerStandby = true

			next, res, err := s.HandleTelegram(cfg, teachInTelegram(tt.prog, tt.fn, tt.typ, tt.manuf))
			if !errors.Is(err, ErrProfileMismatch) {
				t.Fatalf("err = %v, want ErrProfileMismatch", err)
			}
			if next != s {
				t.Errorf("state changed: %+v", next)
			}
			if len(res.Send) != 0 {
				t.Errorf("sent %d telegrams, want 0", len(res.Send))
			}
		})
	}
}

func TestDataTelegram(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)

	f := healthyData()
	f.window = true
	next, res, err := s.HandleTelegram(cfg, dataTelegram(f))
	if err != nil {
		t.Fatalf("HandleTelegram: %v", err)
	}
	if next.Mode != ModeOperational {
		t.Errorf("mode = %q, want %q", next.Mode, ModeOperational)
	}
	if next.ValvePosition != 50 {
		t.Errorf("valve_position = %d, want 50", next.ValvePosition)
	}
	if next.CurrentTemperature != 22.0 {
		t.Errorf("current_temperature = %v, want 22.0", next.CurrentTemperature)
	}
	if next.TargetTemperature != 21.0 {
		t.Errorf("target_temperature = %v, want 21.0", next.TargetTemperature)
	}
	if !next.WindowOpen {
		t.Error("window_open = false, want true")
	}
	if !next.CommunicationOK || !next.SignalStrengthOK || !next.ActuatorOK || !next.ChargeLevelOK {
		t.Errorf("health flags = %+v, want all ok", next)
	}
	if len(res.Send) != 1 {
		t.Errorf("sent %d telegrams, want 1", len(res.Send))
	}
	if len(res.Reports) != 0 {
		t.Errorf("reports = %v, want none", reportKinds(res))
	}
}

func TestDataTelegramSummerModeStaysOff(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)
	s.SummerMode = true

	next, _, err := s.HandleTelegram(cfg, dataTelegram(healthyData()))
	if err != nil {
		t.Fatal(err)
	}
	if next.Mode != ModeOff {
		t.Errorf("mode = %q, want %q", next.Mode, ModeOff)
	}
}

func TestDataTelegramHealthReports(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*dataFields)
		wantLevel slog.Level
		wantMode  Mode
	}{
		{"charge low", func(f *dataFields) { f.charge = false }, slog.LevelWarn, ModeOperational},
		{"comm error", func(f *dataFields) { f.commErr = true }, slog.LevelWarn, ModeOperational},
		{"signal weak", func(f *dataFields) { f.weak = true }, slog.LevelWarn, ModeOperational},
		{"actuator blocked", func(f *dataFields) { f.blocked = true }, slog.LevelError, ModeError},
	}

	cfg := DefaultThermostatConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := healthyData()
			tt.mutate(&f)
			next, res, err := NewThermostatState(cfg).HandleTelegram(cfg, dataTelegram(f))
			if err != nil {
				t.Fatal(err)
			}
			if len(res.Reports) != 1 {
				t.Fatalf("reports = %v, want one", reportKinds(res))
			}
			r := res.Reports[0]
			if r.Kind() != ErrHealthDegraded || r.Level != tt.wantLevel {
				t.Errorf("report = %v at %v, want ErrHealthDegraded at %v", r.Err, r.Level, tt.wantLevel)
			}
			if next.Mode != tt.wantMode {
				t.Errorf("mode = %q, want %q", next.Mode, tt.wantMode)
			}
			if len(res.Send) != 1 {
				t.Errorf("sent %d telegrams, want 1", len(res.Send))
			}
		})
	}
}

func TestDataTelegramSensorSelectionMismatch(t *testing.T) {
	cfg := DefaultThermostatConfig()
	cfg.UseExternalSensor = true
	s := NewThermostatState(cfg)

	next, res, err := s.HandleTelegram(cfg, dataTelegram(healthyData()))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Reports) != 1 || res.Reports[0].Kind() != ErrSensorSelectionMismatch {
		t.Fatalf("reports = %v, want ErrSensorSelectionMismatch", reportKinds(res))
	}
	if !next.UseExternalTemperatureSensor {
		t.Error("configured sensor selection was overwritten")
	}
}

func TestDataTelegramOffsetModeCleared(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)
	s.TargetTemperature = 18

	f := healthyData()
	f.offsetMode = false
	next, res, err := s.HandleTelegram(cfg, dataTelegram(f))
	if err != nil {
		t.Fatal(err)
	}
	if next.TargetTemperature != 18 {
		t.Errorf("target_temperature = %v, want 18 (echo ignored)", next.TargetTemperature)
	}
	if len(res.Reports) != 1 || res.Reports[0].Kind() != ErrOffsetModeCleared {
		t.Errorf("reports = %v, want ErrOffsetModeCleared", reportKinds(res))
	}
}

func TestPendingSetpointOverride(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)

	s, res, err := s.Apply(cfg, Command{Name: CommandSetTargetTemperature, Value: 25.0})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Send) != 1 || res.Send[0][1] != 50 {
		t.Fatalf("immediate response = %v, want byte1 50", res.Send)
	}
	if !s.PendingSetpointOverride {
		t.Fatal("pending_setpoint_override = false after set_target_temperature")
	}

	// The first echo still carries the old setpoint (21.0) and is ignored.
	s, _, err = s.HandleTelegram(cfg, dataTelegram(healthyData()))
	if err != nil {
		t.Fatal(err)
	}
	if s.TargetTemperature != 25 {
		t.Errorf("target after stale echo = %v, want 25", s.TargetTemperature)
	}
	if s.PendingSetpointOverride {
		t.Error("pending_setpoint_override not cleared after one telegram")
	}

	s, _, err = s.HandleTelegram(cfg, dataTelegram(healthyData()))
	if err != nil {
		t.Fatal(err)
	}
	if s.TargetTemperature != 21 {
		t.Errorf("target after second echo = %v, want 21", s.TargetTemperature)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		state ThermostatState
	}{
		{"defaults", ThermostatState{TargetTemperature: 20}},
		{"all flags", ThermostatState{
			TargetTemperature:            21.5,
			DutyCycle:                    DutyCycle120Min,
			SummerMode:                   true,
			UseExternalTemperatureSensor: true,
			TriggerReferenceRun:          true,
			TriggerStandby:               true,
		}},
		{"duty cycle only", ThermostatState{TargetTemperature: 4, DutyCycle: DutyCycle10Min}},
		{"reference run", ThermostatState{TargetTemperature: 31, DutyCycle: DutyCycle30Min, TriggerReferenceRun: true}},
	}

	cfg := DefaultThermostatConfig()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p := tt.state.Respond(cfg)
			got, err := ParseResponse(p)
			if err != nil {
				t.Fatal(err)
			}
			s := tt.state
			if got.TargetTemperature != s.TargetTemperature ||
				got.DutyCycle != s.DutyCycle ||
				got.SummerMode != s.SummerMode ||
				got.UseExternalSensor != s.UseExternalTemperatureSensor ||
				got.TriggerReferenceRun != s.TriggerReferenceRun ||
				got.TriggerStandby != s.TriggerStandby {
				t.Errorf("ParseResponse(% X) = %+v, want fields of %+v", p, got, s)
			}
			if p[3]&0x04 == 0 {
				t.Errorf("byte3 = %08b, constant bit not set", p[3])
			}
			if !bytes.Equal(p[5:], make([]byte, 5)) {
				t.Errorf("bytes 5-9 = % X, want zero", p[5:])
			}
		})
	}
}

func TestResponseEncoding(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := ThermostatState{
		TargetTemperature:            21.5,
		DutyCycle:                    DutyCycle30Min,
		UseExternalTemperatureSensor: true,
		ExternalTemperature:          12.5,
		TriggerReferenceRun:          true,
	}
	_, p := s.Respond(cfg)
	want := []byte{0xA5, 43, 50, 0xD6, 0x08, 0, 0, 0, 0, 0}
	if !bytes.Equal(p, want) {
		t.Errorf("Respond = % X, want % X", p, want)
	}

	s.UseExternalTemperatureSensor = false
	_, p = s.Respond(cfg)
	if p[2] != 0 {
		t.Errorf("byte2 = %d without external sensor, want 0", p[2])
	}

	s.UseExternalTemperatureSensor = true
	s.ExternalTemperature = 60
	_, p = s.Respond(cfg)
	if p[2] != maxExternalRaw {
		t.Errorf("byte2 = %d, want clamped %d", p[2], maxExternalRaw)
	}
}

func TestTriggersFireOnce(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)
	s.TriggerReferenceRun = true
	s.TriggerStandby = true

	s, first := s.Respond(cfg)
	_, second := s.Respond(cfg)

	if first[3]&0x80 == 0 || first[3]&0x01 == 0 {
		t.Errorf("first byte3 = %08b, want reference run and standby set", first[3])
	}
	if second[3]&0x80 != 0 || second[3]&0x01 != 0 {
		t.Errorf("second byte3 = %08b, want triggers cleared", second[3])
	}
}

func TestSetTargetTemperatureClamps(t *testing.T) {
	tests := []struct {
		in   any
		want float64
	}{
		{100, 31.0},
		{-5.0, 4.0},
		{21.3, 21.5},
		{"22", 22.0},
	}

	cfg := DefaultThermostatConfig()
	for _, tt := range tests {
		s, res, err := NewThermostatState(cfg).Apply(cfg, Command{Name: CommandSetTargetTemperature, Value: tt.in})
		if err != nil {
			t.Errorf("set_target_temperature(%v): %v", tt.in, err)
			continue
		}
		if s.TargetTemperature != tt.want {
			t.Errorf("set_target_temperature(%v) stored %v, want %v", tt.in, s.TargetTemperature, tt.want)
		}
		if got := res.Send[0][1]; got != byte(tt.want*2) {
			t.Errorf("set_target_temperature(%v) sent byte1 %d, want %d", tt.in, got, byte(tt.want*2))
		}
	}
}

func TestSetTargetTemperatureCustomBounds(t *testing.T) {
	tests := []struct {
		name string
		cfg  ThermostatConfig
		in   float64
		want float64
	}{
		{"above max", ThermostatConfig{MinTemperature: 10, MaxTemperature: 25}, 28, 25},
		{"below min", ThermostatConfig{MinTemperature: 10, MaxTemperature: 25}, 2, 10},
		{"max off step", ThermostatConfig{MinTemperature: 10, MaxTemperature: 25.3}, 150, 25},
		{"min off step", ThermostatConfig{MinTemperature: 10.2, MaxTemperature: 25}, 0, 10.5},
		{"inside off-step bounds", ThermostatConfig{MinTemperature: 10.2, MaxTemperature: 25.3}, 25.2, 25},
		{"max above hardware", ThermostatConfig{MinTemperature: 4, MaxTemperature: 200}, 150, 31},
		{"min below hardware", ThermostatConfig{MinTemperature: -10, MaxTemperature: 20}, -10, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, res, err := NewThermostatState(tt.cfg).Apply(tt.cfg, Command{Name: CommandSetTargetTemperature, Value: tt.in})
			if err != nil {
				t.Fatal(err)
			}
			if s.TargetTemperature != tt.want {
				t.Errorf("target = %v, want %v", s.TargetTemperature, tt.want)
			}
			if got, want := res.Send[0][1], byte(tt.want*2); got != want {
				t.Errorf("byte1 = %d, want %d", got, want)
			}
			f, err := ParseResponse(res.Send[0])
			if err != nil {
				t.Fatal(err)
			}
			if f.TargetTemperature != tt.want {
				t.Errorf("decoded target = %v, want %v", f.TargetTemperature, tt.want)
			}
		})
	}
}

func TestThermostatConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     ThermostatConfig
		wantErr bool
	}{
		{"defaults", ThermostatConfig{}, false},
		{"hardware range", DefaultThermostatConfig(), false},
		{"narrow", ThermostatConfig{MinTemperature: 8, MaxTemperature: 26.5}, false},
		{"max off step", ThermostatConfig{MinTemperature: 10, MaxTemperature: 25.3}, true},
		{"min off step", ThermostatConfig{MinTemperature: 10.2, MaxTemperature: 25}, true},
		{"max above hardware", ThermostatConfig{MinTemperature: 4, MaxTemperature: 200}, true},
		{"min below hardware", ThermostatConfig{MinTemperature: 2, MaxTemperature: 20}, true},
		{"inverted", ThermostatConfig{MinTemperature: 25, MaxTemperature: 18}, true},
		{"equal", ThermostatConfig{MinTemperature: 20, MaxTemperature: 20}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("err = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestDataTelegramWrongProgram(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)
	for _, rorg := range []byte{RORGSignal, RORGVLD, RORGRPS, 0xD4} {
		tg := dataTelegram(healthyData())
		tg[0] = rorg
		next, res, err := s.HandleTelegram(cfg, tg)
		if !errors.Is(err, ErrUnexpectedProgramID) {
			t.Errorf("rorg 0x%02X: err = %v, want ErrUnexpectedProgramID", rorg, err)
		}
		if next != s {
			t.Errorf("rorg 0x%02X: state changed to %+v", rorg, next)
		}
		if len(res.Send) != 0 {
			t.Errorf("rorg 0x%02X: sent %d telegrams, want 0", rorg, len(res.Send))
		}
	}
}

func TestApplyCommands(t *testing.T) {
	cfg := DefaultThermostatConfig()
	tests := []struct {
		name    string
		cmd     Command
		check   func(ThermostatState) bool
		wantErr error
	}{
		{"mode off", Command{CommandSetMode, "off"}, func(s ThermostatState) bool { return s.SummerMode && s.Mode == ModeOff }, nil},
		{"mode heat", Command{CommandSetMode, "HEAT"}, func(s ThermostatState) bool { return !s.SummerMode && s.Mode == ModeOperational }, nil},
		{"mode error rejected", Command{CommandSetMode, "error"}, nil, ErrInvalidArgument},
		{"standby", Command{CommandTriggerStandby, nil}, func(s ThermostatState) bool { return s.TriggerStandby }, nil},
		{"reference run", Command{CommandTriggerReferenceRun, nil}, func(s ThermostatState) bool { return s.TriggerReferenceRun }, nil},
		{"duty cycle name", Command{CommandSetDutyCycle, "10_MIN"}, func(s ThermostatState) bool { return s.DutyCycle == DutyCycle10Min }, nil},
		{"duty cycle code", Command{CommandSetDutyCycle, 7.0}, func(s ThermostatState) bool { return s.DutyCycle == DutyCycle120Min }, nil},
		{"duty cycle out of range", Command{CommandSetDutyCycle, 8}, nil, ErrInvalidArgument},
		{"duty cycle unknown name", Command{CommandSetDutyCycle, "3_MIN"}, nil, ErrInvalidArgument},
		{"external temperature", Command{CommandSetExternalTemperature, 19.5}, func(s ThermostatState) bool { return s.ExternalTemperature == 19.5 }, nil},
		{"external temperature clamped", Command{CommandSetExternalTemperature, 95}, func(s ThermostatState) bool { return s.ExternalTemperature == 80 }, nil},
		{"external temperature negative", Command{CommandSetExternalTemperature, -3}, func(s ThermostatState) bool { return s.ExternalTemperature == 0 }, nil},
		{"not a number", Command{CommandSetExternalTemperature, "warm"}, nil, ErrInvalidArgument},
		{"unknown", Command{"reboot", nil}, nil, ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := NewThermostatState(cfg)
			next, res, err := before.Apply(cfg, tt.cmd)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if next != before {
					t.Errorf("state changed on rejected command: %+v", next)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !tt.check(next) {
				t.Errorf("state after %s = %+v", tt.cmd.Name, next)
			}
			if len(res.Send) != 0 {
				t.Errorf("%s sent %d telegrams, want 0", tt.cmd.Name, len(res.Send))
			}
		})
	}
}

func TestHandleTelegramTooShort(t *testing.T) {
	cfg := DefaultThermostatConfig()
	s := NewThermostatState(cfg)
	_, _, err := s.HandleTelegram(cfg, Telegram{0xA5, 0x00, 0x00})
	if !errors.Is(err, ErrMalformedTelegram) {
		t.Errorf("err = %v, want ErrMalformedTelegram", err)
	}
}

func TestDutyCycleText(t *testing.T) {
	for i, name := range DutyCycleNames() {
		d := DutyCycle(i)
		b, err := d.MarshalText()
		if err != nil || string(b) != name {
			t.Errorf("MarshalText(%d) = %q, %v; want %q", i, b, err, name)
		}
		var back DutyCycle
		if err := back.UnmarshalText(b); err != nil || back != d {
			t.Errorf("UnmarshalText(%q) = %v, %v; want %v", b, back, err, d)
		}
	}
	if _, err := DutyCycle(9).MarshalText(); err == nil {
		t.Error("MarshalText(9) succeeded")
	}
}
