package coordinator

import (
	"sync"
	"time"

	"enocean-go-home/internal/eep"
	"enocean-go-home/internal/store"
)

// profile is the capability set every device kind provides: decode a
// telegram, apply a command, describe its state.
type profile interface {
	handle(t eep.Telegram) (eep.Result, error)
	apply(cmd eep.Command) (eep.Result, error)
	attributes() map[string]any
	state() string
	save(rec *store.Device)
	load(rec *store.Device)
}

type contactProfile struct {
	s eep.ContactState
}

func (p *contactProfile) handle(t eep.Telegram) (eep.Result, error) {
	s, res, err := eep.DecodeContact(t)
	if err != nil {
		return res, err
	}
	p.s = s
	return res, nil
}

func (p *contactProfile) apply(cmd eep.Command) (eep.Result, error) {
	return eep.Result{}, unsupported(KindBinarySensor, cmd)
}

func (p *contactProfile) attributes() map[string]any { return p.s.Attributes() }
func (p *contactProfile) state() string              { return p.s.State() }

func (p *contactProfile) save(rec *store.Device) {
	s := p.s
	rec.Contact = &s
}

func (p *contactProfile) load(rec *store.Device) {
	if rec.Contact != nil {
		p.s = *rec.Contact
	}
}

type thermostatProfile struct {
	cfg eep.ThermostatConfig
	s   eep.ThermostatState
}

func (p *thermostatProfile) handle(t eep.Telegram) (eep.Result, error) {
	var (
		res eep.Result
		err error
	)
	p.s, res, err = p.s.HandleTelegram(p.cfg, t)
	return res, err
}

func (p *thermostatProfile) apply(cmd eep.Command) (eep.Result, error) {
	var (
		res eep.Result
		err error
	)
	p.s, res, err = p.s.Apply(p.cfg, cmd)
	return res, err
}

func (p *thermostatProfile) attributes() map[string]any {
	a := p.s.Attributes()
	a["min_temperature"] = p.cfg.MinTemperature
	a["max_temperature"] = p.cfg.MaxTemperature
	return a
}

func (p *thermostatProfile) state() string { return string(p.s.HVACMode()) }

func (p *thermostatProfile) save(rec *store.Device) {
	s := p.s
	rec.Thermostat = &s
}

// load restores a saved state. The configured sensor selection and bounds
// win over whatever was saved.
func (p *thermostatProfile) load(rec *store.Device) {
	if rec.Thermostat == nil {
		return
	}
	s := *rec.Thermostat
	s.UseExternalTemperatureSensor = p.cfg.UseExternalSensor
	s.TargetTemperature = p.cfg.ClampTarget(s.TargetTemperature)
	if !s.DutyCycle.Valid() {
		s.DutyCycle = eep.DutyCycleAuto
	}
	p.s = s
}

type multiSensorProfile struct {
	link eep.ID
	s    eep.MultiSensorState
}

func (p *multiSensorProfile) handle(t eep.Telegram) (eep.Result, error) {
	var (
		res eep.Result
		err error
	)
	p.s, res, err = p.s.HandleTelegram(p.link, t)
	return res, err
}

func (p *multiSensorProfile) apply(cmd eep.Command) (eep.Result, error) {
	return eep.Result{}, unsupported(KindMultiSensor, cmd)
}

func (p *multiSensorProfile) attributes() map[string]any { return p.s.Attributes() }

func (p *multiSensorProfile) state() string {
	return formatFloat(p.s.Temperature)
}

func (p *multiSensorProfile) save(rec *store.Device) {
	s := p.s
	rec.MultiSensor = &s
}

func (p *multiSensorProfile) load(rec *store.Device) {
	if rec.MultiSensor != nil {
		p.s = *rec.MultiSensor
	}
}

// Device is one configured device and its live state.
type Device struct {
	ID          eep.ID
	Name        string
	Kind        Kind
	DeviceClass string

	mu        sync.Mutex
	p         profile
	lastSeen  time.Time
	rssi      int
	telegrams uint64
}

func newDevice(cfg DeviceConfig, defaults eep.ThermostatConfig) *Device {
	d := &Device{
		ID:          cfg.DeviceID(),
		Name:        cfg.DisplayName(),
		Kind:        cfg.Type,
		DeviceClass: cfg.DeviceClass,
	}
	switch cfg.Type {
	case KindThermostat:
		tc := defaults
		if cfg.MinTemperature != 0 || cfg.MaxTemperature != 0 {
			tc.MinTemperature, tc.MaxTemperature = cfg.MinTemperature, cfg.MaxTemperature
		}
		if tc.MinTemperature == 0 && tc.MaxTemperature == 0 {
			tc.MinTemperature, tc.MaxTemperature = eep.DefaultMinTemperature, eep.DefaultMaxTemperature
		}
		tc.UseExternalSensor = cfg.UseExternalTemperatureSensor
		d.p = &thermostatProfile{cfg: tc, s: eep.NewThermostatState(tc)}
	case KindMultiSensor:
		d.p = &multiSensorProfile{link: cfg.Link()}
	default:
		d.p = &contactProfile{s: eep.NewContactState()}
	}
	return d
}

// DeviceSnapshot is a point-in-time copy of a device for the API, MQTT and
// scripts.
type DeviceSnapshot struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Kind        Kind           `json:"kind"`
	DeviceClass string         `json:"device_class,omitempty"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastSeen    time.Time      `json:"last_seen,omitempty"`
	RSSI        int            `json:"rssi,omitempty"`
	Telegrams   uint64         `json:"telegrams"`
}

// snapshotLocked must be called with d.mu held.
func (d *Device) snapshotLocked() DeviceSnapshot {
	return DeviceSnapshot{
		ID:          d.ID.String(),
		Name:        d.Name,
		Kind:        d.Kind,
		DeviceClass: d.DeviceClass,
		State:       d.p.state(),
		Attributes:  d.p.attributes(),
		LastSeen:    d.lastSeen,
		RSSI:        d.rssi,
		Telegrams:   d.telegrams,
	}
}

// Snapshot returns a copy of the device state.
func (d *Device) Snapshot() DeviceSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked()
}

// recordLocked must be called with d.mu held.
func (d *Device) recordLocked() *store.Device {
	rec := &store.Device{
		ID:        d.ID.String(),
		Name:      d.Name,
		Kind:      string(d.Kind),
		LastSeen:  d.lastSeen,
		RSSI:      d.rssi,
		Telegrams: d.telegrams,
	}
	d.p.save(rec)
	return rec
}

func (d *Device) restore(rec *store.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastSeen = rec.LastSeen
	d.rssi = rec.RSSI
	d.telegrams = rec.Telegrams
	d.p.load(rec)
}
