package eep

import (
	"fmt"
	"log/slog"
	"math"
)

// Signal telegram types understood by the multi-sensor.
const (
	SignalEnergyStatus      = 0x06
	SignalHarvesterDelivery = 0x0D
	SignalStandby           = 0x0E
	SignalBackupEnergy      = 0x10
)

// MultiSensorState is the last decoded reading of a combined temperature,
// humidity, light and acceleration sensor.
type MultiSensorState struct {
	Temperature        float64 `json:"temperature"`
	Humidity           float64 `json:"humidity"`
	Illumination       int     `json:"illumination"`
	AccelerationStatus int     `json:"acceleration_status"`
	AccelerationX      float64 `json:"acceleration_x"`
	AccelerationY      float64 `json:"acceleration_y"`
	AccelerationZ      float64 `json:"acceleration_z"`

	EnergyStatus      int  `json:"energy_status"`
	HarvesterDelivery int  `json:"harvester_delivery"`
	Standby           bool `json:"standby"`
	BackupEnergy      int  `json:"backup_energy"`
}

// Attributes returns the attribute snapshot published to the host.
func (s MultiSensorState) Attributes() map[string]any {
	return map[string]any{
		"temperature":         s.Temperature,
		"humidity":            s.Humidity,
		"illumination":        s.Illumination,
		"acceleration_status": s.AccelerationStatus,
		"acceleration_x":      s.AccelerationX,
		"acceleration_y":      s.AccelerationY,
		"acceleration_z":      s.AccelerationZ,
		"energy_status":       s.EnergyStatus,
		"harvester_delivery":  s.HarvesterDelivery,
		"standby":             s.Standby,
		"backup_energy":       s.BackupEnergy,
	}
}

// HandleTelegram decodes a D2 data or D0 signal telegram. When link is set,
// a decoded temperature is forwarded to that thermostat as its external
// sensor reading.
func (s MultiSensorState) HandleTelegram(link ID, t Telegram) (MultiSensorState, Result, error) {
	switch t.RORG() {
	case RORGVLD:
		return s.data(link, t)
	case RORGSignal:
		return s.signal(t)
	}
	return s, Result{}, fmt.Errorf("multi-sensor telegram: program 0x%02X: %w", t.RORG(), ErrUnexpectedProgramID)
}

func (s MultiSensorState) data(link ID, t Telegram) (MultiSensorState, Result, error) {
	var res Result
	r := bitReader{bits: t.Bits()}
	temp := r.uint(8, 17)
	hum := r.uint(18, 25)
	lux := r.uint(26, 42)
	accStatus := r.uint(43, 44)
	ax := r.uint(45, 54)
	ay := r.uint(55, 64)
	az := r.uint(65, 73)
	if r.err != nil {
		return s, res, fmt.Errorf("multi-sensor data: %w", r.err)
	}

	next := s
	next.Temperature = round(float64(temp)/10-40, 1)
	next.Humidity = float64(hum) * 0.5
	next.Illumination = int(lux)
	next.AccelerationStatus = int(accStatus)
	next.AccelerationX = acceleration(ax)
	next.AccelerationY = acceleration(ay)
	next.AccelerationZ = acceleration(az)

	if !link.IsZero() {
		res.Forward = append(res.Forward, Forward{
			Target:  link,
			Command: Command{Name: CommandSetExternalTemperature, Value: next.Temperature},
		})
	}
	return next, res, nil
}

func (s MultiSensorState) signal(t Telegram) (MultiSensorState, Result, error) {
	var res Result
	r := bitReader{bits: t.Bits()}
	typ := r.uint(8, 15)
	if r.err != nil {
		return s, res, fmt.Errorf("multi-sensor signal: %w", r.err)
	}

	next := s
	switch typ {
	case SignalStandby:
		next.Standby = true
		return next, res, nil
	case SignalEnergyStatus, SignalHarvesterDelivery, SignalBackupEnergy:
	default:
		res.report(slog.LevelWarn, fmt.Errorf("signal 0x%02X: %w", typ, ErrUnknownSignal))
		return s, res, nil
	}

	v := int(r.uint(16, 23))
	if r.err != nil {
		return s, res, fmt.Errorf("multi-sensor signal 0x%02X: %w", typ, r.err)
	}
	switch typ {
	case SignalEnergyStatus:
		next.EnergyStatus = v
	case SignalHarvesterDelivery:
		next.HarvesterDelivery = v
	case SignalBackupEnergy:
		next.BackupEnergy = v
	}
	return next, res, nil
}

func acceleration(raw uint64) float64 {
	return round(float64(raw)/200-2.5, 3)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
