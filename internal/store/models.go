package store

import (
	"time"

	"enocean-go-home/internal/eep"
)

// Device is the persisted snapshot of one configured EnOcean device. Exactly
// one of the state pointers is set, matching Kind.
type Device struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
	RSSI      int       `json:"rssi,omitempty"`
	Telegrams uint64    `json:"telegrams"`

	Contact     *eep.ContactState     `json:"contact,omitempty"`
	Thermostat  *eep.ThermostatState  `json:"thermostat,omitempty"`
	MultiSensor *eep.MultiSensorState `json:"multisensor,omitempty"`
}

// Gateway records the identity of the last attached gateway module.
type Gateway struct {
	BaseID     string    `json:"base_id"`
	SenderID   string    `json:"sender_id"`
	AppVersion string    `json:"app_version,omitempty"`
	ChipID     string    `json:"chip_id,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
