//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"enocean-go-home/internal/coordinator"
	"enocean-go-home/internal/eep"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// client is the part of the paho client the bridge uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the EnOcean coordinator to MQTT with HA autodiscovery.
type Bridge struct {
	client client
	coord  *coordinator.Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord *coordinator.Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg.TopicPrefix, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "enocean-go-home"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.bridgeTopic(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The connect handler may fire before Connect returns, so the client is
	// assigned before connecting.
	c := pahomqtt.NewClient(opts)
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord *coordinator.Coordinator, prefix string, logger *slog.Logger) *Bridge {
	return &Bridge{
		coord:  coord,
		prefix: prefix,
		logger: logger.With("component", "mqtt"),
	}
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs after every (re)connect: the broker may have lost retained
// messages and subscriptions.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	for _, snap := range b.coord.Devices().List() {
		b.publishDeviceDiscovery(snap)
		b.subscribeDeviceCommands(snap)
		b.publishState(snap)
	}
}

func (b *Bridge) handleEvent(event coordinator.Event) {
	if event.DeviceID == "" {
		return
	}
	switch event.Type {
	case coordinator.EventStateChanged:
		snap, err := b.coord.Devices().Get(event.DeviceID)
		if err != nil {
			return
		}
		b.publishState(snap)
	case coordinator.EventButtonPressed, coordinator.EventTeachIn:
		snap, err := b.coord.Devices().Get(event.DeviceID)
		if err != nil {
			return
		}
		payload := map[string]any{"type": event.Type}
		for k, v := range event.Data {
			payload[k] = v
		}
		b.publish(b.deviceTopic(snap)+"/event", mustJSON(payload), false)
	}
}

// statePayload is the retained JSON document published for a device.
func statePayload(snap coordinator.DeviceSnapshot) map[string]any {
	state := make(map[string]any, len(snap.Attributes)+4)
	for k, v := range snap.Attributes {
		state[k] = v
	}
	state["state"] = snap.State
	state["rssi"] = snap.RSSI
	state["telegrams"] = snap.Telegrams
	if !snap.LastSeen.IsZero() {
		state["last_seen"] = snap.LastSeen.Format(time.RFC3339)
	}
	return state
}

func (b *Bridge) publishState(snap coordinator.DeviceSnapshot) {
	b.publish(b.deviceTopic(snap), mustJSON(statePayload(snap)), true)
}

func (b *Bridge) bridgeTopic() string {
	return b.prefix + "/bridge/state"
}

func (b *Bridge) deviceTopic(snap coordinator.DeviceSnapshot) string {
	return b.prefix + "/" + deviceTopicName(snap)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.bridgeTopic(), []byte(state), true)
}

func (b *Bridge) publishDeviceDiscovery(snap coordinator.DeviceSnapshot) {
	for _, msg := range buildDiscovery(snap, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Debug("published HA discovery", "id", snap.ID, "name", snap.Name)
}

func (b *Bridge) subscribeDeviceCommands(snap coordinator.DeviceSnapshot) {
	topic := b.deviceTopic(snap) + "/set"
	id := snap.ID
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(id, msg.Payload())
	})
}

func (b *Bridge) handleCommand(id string, payload []byte) {
	cmds, err := parseCommands(payload)
	if err != nil {
		b.logger.Warn("invalid command payload", "id", id, "payload", string(payload), "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(b.coord.Context(), 10*time.Second)
	defer cancel()
	for _, cmd := range cmds {
		if err := b.coord.Devices().Command(ctx, id, cmd); err != nil {
			b.logger.Warn("command failed", "id", id, "command", cmd.Name, "value", cmd.Value, "err", err)
		}
	}
}

// commandKeys maps /set JSON keys to device commands. The order is the
// order of application: the setpoint goes last because it transmits
// immediately and carries the other settings with it.
var commandKeys = []struct {
	key     string
	command string
	trigger bool
}{
	{"mode", eep.CommandSetMode, false},
	{"duty_cycle", eep.CommandSetDutyCycle, false},
	{"external_temperature", eep.CommandSetExternalTemperature, false},
	{"trigger_reference_run", eep.CommandTriggerReferenceRun, true},
	{"trigger_standby", eep.CommandTriggerStandby, true},
	{"temperature", eep.CommandSetTargetTemperature, false},
}

var errNoCommand = errors.New("no recognised command")

// parseCommands accepts either {"command": ..., "value": ...} or a
// key/value document such as {"mode": "heat", "temperature": 21}.
func parseCommands(payload []byte) ([]eep.Command, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, err
	}
	if name, ok := doc["command"].(string); ok {
		return []eep.Command{{Name: name, Value: doc["value"]}}, nil
	}

	var cmds []eep.Command
	for _, k := range commandKeys {
		v, ok := doc[k.key]
		if !ok {
			continue
		}
		if k.trigger {
			if on, _ := v.(bool); !on {
				continue
			}
			v = nil
		}
		cmds = append(cmds, eep.Command{Name: k.command, Value: v})
	}
	if len(cmds) == 0 {
		return nil, errNoCommand
	}
	return cmds, nil
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
