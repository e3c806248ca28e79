package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"enocean-go-home/internal/eep"
	"enocean-go-home/internal/esp3"
	"enocean-go-home/internal/store"
)

const (
	sendTimeout = 2 * time.Second
	queueSize   = 64
)

// Config holds coordinator configuration.
type Config struct {
	// Thermostat holds the default setpoint bounds for thermostats that do
	// not set their own.
	Thermostat eep.ThermostatConfig
}

// GatewayConfig holds gateway port settings for display purposes.
type GatewayConfig struct {
	Port string
	Baud int
}

// Coordinator ties the radio link to the configured devices.
type Coordinator struct {
	radio    esp3.Transceiver
	store    store.Store
	deviceDB *DeviceDB
	events   *EventBus
	devices  *DeviceManager
	metrics  *Metrics
	logger   *slog.Logger
	gwConfig GatewayConfig

	packets chan esp3.Packet
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Coordinator. metrics may be nil.
func New(radio esp3.Transceiver, st store.Store, deviceDB *DeviceDB, events *EventBus, metrics *Metrics, cfg Config, gwCfg GatewayConfig, logger *slog.Logger) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		radio:    radio,
		store:    st,
		deviceDB: deviceDB,
		events:   events,
		metrics:  metrics,
		logger:   logger,
		gwConfig: gwCfg,
		packets:  make(chan esp3.Packet, queueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.devices = NewDeviceManager(c, deviceDB, cfg.Thermostat)
	return c
}

// Context returns the coordinator's context, which is cancelled on Stop().
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Start initializes the gateway, restores saved device state and begins
// handling received telegrams.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing gateway...")
	if err := c.radio.Init(ctx); err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	c.saveGateway()

	c.devices.Restore()

	c.radio.OnPacket(c.enqueue)
	c.wg.Add(1)
	go c.run()

	c.logger.Info("coordinator started", "devices", c.deviceDB.Len())
	c.events.Emit(Event{Type: EventGatewayState, Data: map[string]any{"state": "started"}})
	return nil
}

func (c *Coordinator) saveGateway() {
	info := c.radio.Info()
	if prev, err := c.store.GetGateway(); err == nil && prev.BaseID != "" && prev.BaseID != info.BaseID {
		c.logger.Warn("gateway base id changed; taught-in actuators may need a new teach-in",
			"previous", prev.BaseID, "current", info.BaseID)
	}
	if err := c.store.SaveGateway(&store.Gateway{
		BaseID:     info.BaseID,
		SenderID:   info.SenderID,
		AppVersion: info.AppVersion,
		ChipID:     info.ChipID,
		UpdatedAt:  time.Now(),
	}); err != nil {
		c.logger.Error("save gateway state", "err", err)
	}
}

// enqueue runs on the transport's read goroutine, which also delivers the
// responses that Send waits for, so it must never block.
func (c *Coordinator) enqueue(p esp3.Packet) {
	select {
	case c.packets <- p:
	default:
		c.logger.Warn("telegram queue full, dropping", "data", fmt.Sprintf("%X", p.Data))
	}
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case p := <-c.packets:
			c.devices.HandlePacket(c.ctx, p)
		case <-c.ctx.Done():
			return
		}
	}
}

// Stop stops telegram handling and waits for the handler goroutine.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
	c.events.Emit(Event{Type: EventGatewayState, Data: map[string]any{"state": "stopped"}})
}

func (c *Coordinator) send(ctx context.Context, dest eep.ID, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return c.radio.Send(ctx, esp3.RadioPacket(payload, dest))
}

// GatewayInfo returns gateway identity and port settings.
func (c *Coordinator) GatewayInfo() map[string]any {
	info := c.radio.Info()
	return map[string]any{
		"port":        c.gwConfig.Port,
		"baud":        c.gwConfig.Baud,
		"base_id":     info.BaseID,
		"sender_id":   info.SenderID,
		"app_version": info.AppVersion,
		"api_version": info.APIVersion,
		"chip_id":     info.ChipID,
		"description": info.Description,
	}
}

// Store returns the store.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// DeviceDB returns the configured devices.
func (c *Coordinator) DeviceDB() *DeviceDB {
	return c.deviceDB
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Devices returns the device manager.
func (c *Coordinator) Devices() *DeviceManager {
	return c.devices
}
