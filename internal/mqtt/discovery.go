//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"enocean-go-home/internal/coordinator"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/climate/enocean_019A2B3C/climate/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload. The climate fields are only
// set for thermostats.
type haDiscovery struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic,omitempty"`
	AvailabilityTopic string   `json:"availability_topic"`
	ValueTemplate     string   `json:"value_template,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	EntityCategory    string   `json:"entity_category,omitempty"`
	PayloadOn         string   `json:"payload_on,omitempty"`
	PayloadOff        string   `json:"payload_off,omitempty"`
	Modes             []string `json:"modes,omitempty"`

	ModeStateTopic           string  `json:"mode_state_topic,omitempty"`
	ModeStateTemplate        string  `json:"mode_state_template,omitempty"`
	ModeCommandTopic         string  `json:"mode_command_topic,omitempty"`
	ModeCommandTemplate      string  `json:"mode_command_template,omitempty"`
	TemperatureStateTopic    string  `json:"temperature_state_topic,omitempty"`
	TemperatureStateTemplate string  `json:"temperature_state_template,omitempty"`
	TemperatureCommandTopic  string  `json:"temperature_command_topic,omitempty"`
	TemperatureCommandTmpl   string  `json:"temperature_command_template,omitempty"`
	CurrentTemperatureTopic  string  `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTmpl   string  `json:"current_temperature_template,omitempty"`
	ActionTopic              string  `json:"action_topic,omitempty"`
	ActionTemplate           string  `json:"action_template,omitempty"`
	MinTemp                  float64 `json:"min_temp,omitempty"`
	MaxTemp                  float64 `json:"max_temp,omitempty"`
	TempStep                 float64 `json:"temp_step,omitempty"`
	TemperatureUnit          string  `json:"temperature_unit,omitempty"`

	Device haDevice `json:"device"`
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(snap coordinator.DeviceSnapshot) string {
	return "enocean_" + snap.ID
}

// deviceTopicName returns the topic name for a device: its sanitized name,
// or its hex id when the name is just the id.
func deviceTopicName(snap coordinator.DeviceSnapshot) string {
	if snap.Name == "" || snap.Name == snap.ID {
		return snap.ID
	}
	name := strings.ToLower(snap.Name)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

func deviceModel(kind coordinator.Kind) string {
	switch kind {
	case coordinator.KindThermostat:
		return "Radiator valve actuator (A5-20-06)"
	case coordinator.KindMultiSensor:
		return "Multi-sensor (D2-14-41)"
	}
	return "Single input contact (F6)"
}

// buildDiscovery generates HA discovery messages for a device by kind.
func buildDiscovery(snap coordinator.DeviceSnapshot, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	stateTopic := prefix + "/" + deviceTopicName(snap)
	cmdTopic := stateTopic + "/set"
	nodeID := deviceIdentifier(snap)

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: "EnOcean",
		Model:        deviceModel(snap.Kind),
		Name:         snap.Name,
	}
	e := entityBuilder{nodeID: nodeID, name: snap.Name, stateTopic: stateTopic, avail: avail, dev: haDev}

	var msgs []discoveryMsg
	switch snap.Kind {
	case coordinator.KindThermostat:
		msgs = append(msgs,
			buildClimate(e, cmdTopic, snap.Attributes),
			e.sensor("valve_position", "Valve", "", "%", "measurement", "{{ value_json.valve_position }}"),
			e.binarySensor("window_open", "Window", "window", "{{ 'ON' if value_json.window_open else 'OFF' }}"),
			e.binarySensor("battery_low", "Battery", "battery", "{{ 'OFF' if value_json.chargelevel_ok else 'ON' }}"),
			e.binarySensor("actuator_problem", "Actuator", "problem", "{{ 'OFF' if value_json.actuator_ok else 'ON' }}"),
		)
	case coordinator.KindMultiSensor:
		msgs = append(msgs,
			e.sensor("temperature", "Temperature", "temperature", "°C", "measurement", "{{ value_json.temperature }}"),
			e.sensor("humidity", "Humidity", "humidity", "%", "measurement", "{{ value_json.humidity }}"),
			e.sensor("illumination", "Illuminance", "illuminance", "lx", "measurement", "{{ value_json.illumination }}"),
		)
	default:
		class := snap.DeviceClass
		if class == "" {
			class = "opening"
		}
		msgs = append(msgs,
			e.binarySensor("contact", "Contact", class, "{{ 'ON' if value_json.is_open else 'OFF' }}"))
	}

	// Signal strength for all devices.
	rssi := e.sensor("rssi", "RSSI", "signal_strength", "dBm", "measurement", "{{ value_json.rssi }}")
	return append(msgs, rssi)
}

type entityBuilder struct {
	nodeID, name      string
	stateTopic, avail string
	dev               haDevice
}

func (e entityBuilder) sensor(objectID, suffix, deviceClass, unit, stateClass, valueTmpl string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/sensor/%s/%s/config", e.nodeID, objectID)
	payload := haDiscovery{
		Name:              e.name + " " + suffix,
		UniqueID:          e.nodeID + "_" + objectID,
		StateTopic:        e.stateTopic,
		AvailabilityTopic: e.avail,
		ValueTemplate:     valueTmpl,
		UnitOfMeasurement: unit,
		DeviceClass:       deviceClass,
		StateClass:        stateClass,
		Device:            e.dev,
	}
	if objectID == "rssi" {
		payload.EntityCategory = "diagnostic"
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func (e entityBuilder) binarySensor(objectID, suffix, deviceClass, valueTmpl string) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/binary_sensor/%s/%s/config", e.nodeID, objectID)
	payload := haDiscovery{
		Name:              e.name + " " + suffix,
		UniqueID:          e.nodeID + "_" + objectID,
		StateTopic:        e.stateTopic,
		AvailabilityTopic: e.avail,
		ValueTemplate:     valueTmpl,
		DeviceClass:       deviceClass,
		PayloadOn:         "ON",
		PayloadOff:        "OFF",
		Device:            e.dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}

func buildClimate(e entityBuilder, cmdTopic string, attrs map[string]any) discoveryMsg {
	topic := fmt.Sprintf("homeassistant/climate/%s/climate/config", e.nodeID)
	lo, _ := attrs["min_temperature"].(float64)
	hi, _ := attrs["max_temperature"].(float64)
	payload := haDiscovery{
		Name:                     e.name,
		UniqueID:                 e.nodeID + "_climate",
		AvailabilityTopic:        e.avail,
		Modes:                    []string{"off", "heat"},
		ModeStateTopic:           e.stateTopic,
		ModeStateTemplate:        "{{ value_json.hvac_mode }}",
		ModeCommandTopic:         cmdTopic,
		ModeCommandTemplate:      `{"mode": "{{ value }}"}`,
		TemperatureStateTopic:    e.stateTopic,
		TemperatureStateTemplate: "{{ value_json.target_temperature }}",
		TemperatureCommandTopic:  cmdTopic,
		TemperatureCommandTmpl:   `{"temperature": {{ value }}}`,
		CurrentTemperatureTopic:  e.stateTopic,
		CurrentTemperatureTmpl:   "{{ value_json.current_temperature }}",
		ActionTopic:              e.stateTopic,
		ActionTemplate:           "{{ 'off' if value_json.hvac_mode == 'off' else ('heating' if value_json.valve_position > 0 else 'idle') }}",
		MinTemp:                  lo,
		MaxTemp:                  hi,
		TempStep:                 0.5,
		TemperatureUnit:          "C",
		Device:                   e.dev,
	}
	return discoveryMsg{Topic: topic, Payload: mustJSON(payload)}
}
