package coordinator

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"enocean-go-home/internal/eep"
)

// Kind selects the profile a device is decoded with.
type Kind string

const (
	KindBinarySensor Kind = "binary_sensor"
	KindThermostat   Kind = "thermostat"
	KindMultiSensor  Kind = "multisensor"
)

// Valid reports whether k is a supported device kind.
func (k Kind) Valid() bool {
	switch k {
	case KindBinarySensor, KindThermostat, KindMultiSensor:
		return true
	}
	return false
}

// ConfigID is a device id as written in YAML: either a byte list
// ([0xFE, 0xEA, 0x0D, 0xC9]) or a hex string ("FEEA0DC9").
type ConfigID eep.ID

func (c *ConfigID) UnmarshalYAML(n *yaml.Node) error {
	var (
		id  eep.ID
		err error
	)
	switch n.Kind {
	case yaml.ScalarNode:
		id, err = eep.ParseID(n.Value)
	case yaml.SequenceNode:
		var v []int
		if err := n.Decode(&v); err != nil {
			return fmt.Errorf("line %d: %w", n.Line, err)
		}
		id, err = eep.IDFromInts(v)
	default:
		err = errors.New("device id must be a byte list or hex string")
	}
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*c = ConfigID(id)
	return nil
}

func (c ConfigID) MarshalYAML() (any, error) {
	return eep.ID(c).String(), nil
}

// DeviceConfig describes one configured EnOcean device.
type DeviceConfig struct {
	ID          ConfigID `yaml:"id"`
	Name        string   `yaml:"name"`
	Type        Kind     `yaml:"type"`
	DeviceClass string   `yaml:"device_class,omitempty"`

	// Thermostat only.
	UseExternalTemperatureSensor bool    `yaml:"use_external_temperature_sensor,omitempty"`
	MinTemperature               float64 `yaml:"min_temperature,omitempty"`
	MaxTemperature               float64 `yaml:"max_temperature,omitempty"`

	// Multi-sensor only: thermostat that receives the temperature reading.
	Thermostat *ConfigID `yaml:"thermostat,omitempty"`
}

// DeviceID returns the configured id.
func (d DeviceConfig) DeviceID() eep.ID {
	return eep.ID(d.ID)
}

// Link returns the forwarding target, or the zero id.
func (d DeviceConfig) Link() eep.ID {
	if d.Thermostat == nil {
		return eep.ID{}
	}
	return eep.ID(*d.Thermostat)
}

// DisplayName returns the configured name or the id.
func (d DeviceConfig) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.DeviceID().String()
}

// DeviceDB holds the configured devices keyed by id.
type DeviceDB struct {
	defs  map[eep.ID]*DeviceConfig
	order []eep.ID
}

// NewDeviceDB creates an empty device database.
func NewDeviceDB() *DeviceDB {
	return &DeviceDB{defs: make(map[eep.ID]*DeviceConfig)}
}

// Add inserts a device. Ids must be unique and non-zero.
func (db *DeviceDB) Add(def DeviceConfig) error {
	id := def.DeviceID()
	if id.IsZero() {
		return fmt.Errorf("device %q: missing id", def.Name)
	}
	if !def.Type.Valid() {
		return fmt.Errorf("device %s: unknown type %q", id, def.Type)
	}
	if _, dup := db.defs[id]; dup {
		return fmt.Errorf("device %s: duplicate id", id)
	}
	cp := def
	db.defs[id] = &cp
	db.order = append(db.order, id)
	return nil
}

// Lookup finds a device by id.
func (db *DeviceDB) Lookup(id eep.ID) *DeviceConfig {
	return db.defs[id]
}

// List returns the devices in the order they were added.
func (db *DeviceDB) List() []DeviceConfig {
	out := make([]DeviceConfig, 0, len(db.order))
	for _, id := range db.order {
		out = append(out, *db.defs[id])
	}
	return out
}

// Len returns the number of devices.
func (db *DeviceDB) Len() int {
	return len(db.defs)
}

// Validate checks cross-device references.
func (db *DeviceDB) Validate() error {
	var errs []error
	for _, id := range db.order {
		d := db.defs[id]
		if d.Type == KindThermostat {
			tc := eep.ThermostatConfig{MinTemperature: d.MinTemperature, MaxTemperature: d.MaxTemperature}
			if err := tc.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("device %s: %w", id, err))
			}
		}
		if d.Thermostat == nil {
			continue
		}
		if d.Type != KindMultiSensor {
			errs = append(errs, fmt.Errorf("device %s: thermostat link is only valid for multisensor", id))
			continue
		}
		target := db.defs[d.Link()]
		if target == nil || target.Type != KindThermostat {
			errs = append(errs, fmt.Errorf("device %s: linked thermostat %s is not a configured thermostat", id, d.Link()))
		}
	}
	return errors.Join(errs...)
}

// deviceFile is the YAML structure for files in the devices directory.
type deviceFile struct {
	Devices []DeviceConfig `yaml:"devices"`
}

// LoadDeviceDir adds the devices of every *.yaml / *.yml file in dir to db.
// A missing or empty directory is not an error.
func LoadDeviceDir(dir string, db *DeviceDB, logger *slog.Logger) error {
	var matches []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		m, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("glob devices dir: %w", err)
		}
		matches = append(matches, m...)
	}
	if len(matches) == 0 {
		logger.Info("no device files found", "dir", dir)
		return nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		var df deviceFile
		if err := yaml.Unmarshal(data, &df); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
		for _, d := range df.Devices {
			if err := db.Add(d); err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
		}
		logger.Info("loaded device file", "path", filepath.Base(path), "devices", len(df.Devices))
	}

	logger.Info("device database loaded", "files", len(matches), "devices", db.Len())
	return nil
}
