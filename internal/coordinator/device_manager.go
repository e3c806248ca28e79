package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"enocean-go-home/internal/eep"
	"enocean-go-home/internal/esp3"
	"enocean-go-home/internal/store"
)

// ErrUnknownDevice is returned for ids that are not configured.
var ErrUnknownDevice = errors.New("unknown device")

// DeviceManager owns the configured devices, routes telegrams to them and
// applies commands.
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Built once in NewDeviceManager and read-only afterwards.
	devices map[eep.ID]*Device
	order   []eep.ID
}

// NewDeviceManager creates a device for every entry in db.
func NewDeviceManager(coord *Coordinator, db *DeviceDB, defaults eep.ThermostatConfig) *DeviceManager {
	dm := &DeviceManager{
		coord:   coord,
		logger:  coord.logger.With("component", "device_manager"),
		devices: make(map[eep.ID]*Device),
	}
	for _, cfg := range db.List() {
		d := newDevice(cfg, defaults)
		dm.devices[d.ID] = d
		dm.order = append(dm.order, d.ID)
	}
	return dm
}

// Restore loads saved state for every device. Devices without a saved
// record are stored with their initial state.
func (dm *DeviceManager) Restore() {
	restored := 0
	for _, id := range dm.order {
		dev := dm.devices[id]
		rec, err := dm.coord.Store().GetDevice(id.String())
		switch {
		case errors.Is(err, store.ErrNotFound):
			dm.persist(dev.record())
		case err != nil:
			dm.logger.Error("restore device", "id", id.String(), "name", dev.Name, "err", err)
		case rec.Kind != string(dev.Kind):
			dm.logger.Warn("saved state has a different kind, starting fresh",
				"id", id.String(), "name", dev.Name, "saved", rec.Kind, "configured", dev.Kind)
			dm.persist(dev.record())
		default:
			dev.restore(rec)
			restored++
		}
	}
	dm.logger.Info("device state restored", "devices", len(dm.order), "restored", restored)
}

func (d *Device) record() *store.Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recordLocked()
}

func (dm *DeviceManager) persist(rec *store.Device) {
	if err := dm.coord.Store().SaveDevice(rec); err != nil {
		dm.logger.Error("save device", "id", rec.ID, "name", rec.Name, "err", err)
	}
}

// HandlePacket decodes one received radio packet and applies its effects.
// Telegrams for the same device are handled one at a time.
func (dm *DeviceManager) HandlePacket(ctx context.Context, p esp3.Packet) {
	if p.Type != esp3.PacketRadioERP1 {
		return
	}
	t := eep.Telegram(p.Data)
	sender, ok := t.Sender()
	if !ok {
		dm.logger.Warn("short radio telegram", "data", fmt.Sprintf("%X", p.Data))
		dm.coord.metrics.telegramReceived("unknown", eep.ErrMalformedTelegram)
		return
	}
	dev := dm.devices[sender]
	if dev == nil {
		dm.logger.Debug("telegram from unconfigured device",
			"id", sender.String(), "rorg", fmt.Sprintf("%02X", t.RORG()), "data", fmt.Sprintf("%X", p.Data))
		dm.coord.metrics.telegramReceived("unknown", ErrUnknownDevice)
		return
	}
	rssi, _ := p.RSSI()

	dev.mu.Lock()
	dev.lastSeen = time.Now()
	dev.rssi = rssi
	dev.telegrams++
	res, err := dev.p.handle(t)
	sent := dm.transmitLocked(ctx, dev, res.Send)
	snap, rec := dev.snapshotLocked(), dev.recordLocked()
	dev.mu.Unlock()

	dm.coord.metrics.telegramReceived(dev.Kind, err)
	dm.coord.metrics.seen(dev, float64(snap.LastSeen.Unix()))
	dm.coord.Events().Emit(Event{
		Type:     EventTelegram,
		DeviceID: snap.ID,
		Name:     snap.Name,
		Data: map[string]any{
			"rorg": fmt.Sprintf("%02X", t.RORG()),
			"data": fmt.Sprintf("%X", p.Data),
			"rssi": rssi,
		},
	})

	if err != nil {
		dm.logger.Warn("telegram rejected", "id", snap.ID, "name", snap.Name, "data", fmt.Sprintf("%X", p.Data), "err", err)
		dm.persist(rec)
		return
	}
	dm.logger.Debug("telegram handled", "id", snap.ID, "name", snap.Name, "state", snap.State, "rssi", rssi)
	dm.publish(ctx, dev, res, sent, snap, rec)
}

// transmitLocked sends payloads in order to dev. It must be called with
// dev.mu held so responses go out in state order.
func (dm *DeviceManager) transmitLocked(ctx context.Context, dev *Device, payloads [][]byte) [][]byte {
	var sent [][]byte
	for _, payload := range payloads {
		err := dm.coord.send(ctx, dev.ID, payload)
		dm.coord.metrics.telegramSent(dev.Kind, err)
		if err != nil {
			dm.logger.Error("send telegram", "id", dev.ID.String(), "name", dev.Name, "data", fmt.Sprintf("%X", payload), "err", err)
			continue
		}
		sent = append(sent, payload)
	}
	return sent
}

func (dm *DeviceManager) publish(ctx context.Context, dev *Device, res eep.Result, sent [][]byte, snap DeviceSnapshot, rec *store.Device) {
	for _, r := range res.Reports {
		dm.logger.Log(ctx, r.Level, "device report", "id", snap.ID, "name", snap.Name, "err", r.Err)
		dm.coord.metrics.report(r)
	}

	dm.persist(rec)

	bus := dm.coord.Events()
	for _, payload := range sent {
		bus.Emit(Event{
			Type:     EventTelegramSent,
			DeviceID: snap.ID,
			Name:     snap.Name,
			Data:     map[string]any{"data": fmt.Sprintf("%X", payload)},
		})
	}
	for _, e := range res.Events {
		bus.Emit(Event{Type: e.Type, DeviceID: snap.ID, Name: snap.Name, Data: e.Data})
	}
	bus.Emit(Event{
		Type:     EventStateChanged,
		DeviceID: snap.ID,
		Name:     snap.Name,
		Data: map[string]any{
			"kind":       string(snap.Kind),
			"state":      snap.State,
			"attributes": snap.Attributes,
		},
	})

	// Forwards run after the source device's lock is released.
	for _, fw := range res.Forward {
		if err := dm.command(ctx, fw.Target, fw.Command); err != nil {
			dm.logger.Warn("forward command", "from", snap.ID, "to", fw.Target.String(), "command", fw.Command.Name, "err", err)
		}
	}
}

// Command applies a host command to the device identified by key (hex id
// or configured name).
func (dm *DeviceManager) Command(ctx context.Context, key string, cmd eep.Command) error {
	dev, err := dm.resolve(key)
	if err != nil {
		dm.coord.metrics.command(cmd.Name, err)
		return err
	}
	return dm.command(ctx, dev.ID, cmd)
}

func (dm *DeviceManager) command(ctx context.Context, id eep.ID, cmd eep.Command) error {
	dev := dm.devices[id]
	if dev == nil {
		err := fmt.Errorf("%s: %w", id, ErrUnknownDevice)
		dm.coord.metrics.command(cmd.Name, err)
		return err
	}

	dev.mu.Lock()
	res, err := dev.p.apply(cmd)
	var sent [][]byte
	if err == nil {
		sent = dm.transmitLocked(ctx, dev, res.Send)
	}
	snap, rec := dev.snapshotLocked(), dev.recordLocked()
	dev.mu.Unlock()

	dm.coord.metrics.command(cmd.Name, err)
	if err != nil {
		return fmt.Errorf("%s %s: %w", dev.Kind, id, err)
	}
	dm.logger.Info("command applied", "id", snap.ID, "name", snap.Name, "command", cmd.Name, "value", cmd.Value)
	dm.publish(ctx, dev, res, sent, snap, rec)
	return nil
}

func (dm *DeviceManager) resolve(key string) (*Device, error) {
	if id, err := eep.ParseID(key); err == nil {
		if dev := dm.devices[id]; dev != nil {
			return dev, nil
		}
	}
	for _, id := range dm.order {
		if strings.EqualFold(dm.devices[id].Name, key) {
			return dm.devices[id], nil
		}
	}
	return nil, fmt.Errorf("%q: %w", key, ErrUnknownDevice)
}

// Get returns the snapshot of one device by hex id or name.
func (dm *DeviceManager) Get(key string) (DeviceSnapshot, error) {
	dev, err := dm.resolve(key)
	if err != nil {
		return DeviceSnapshot{}, err
	}
	return dev.Snapshot(), nil
}

// List returns snapshots of all devices in configuration order.
func (dm *DeviceManager) List() []DeviceSnapshot {
	out := make([]DeviceSnapshot, 0, len(dm.order))
	for _, id := range dm.order {
		out = append(out, dm.devices[id].Snapshot())
	}
	return out
}

func unsupported(k Kind, cmd eep.Command) error {
	return fmt.Errorf("%s does not accept %q: %w", k, cmd.Name, eep.ErrUnknownCommand)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
