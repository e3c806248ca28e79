package coordinator

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"enocean-go-home/internal/eep"
)

// Metrics counts radio traffic and codec reports. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	reports  *prometheus.CounterVec
	commands *prometheus.CounterVec
	lastSeen *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enocean",
			Name:      "telegrams_received_total",
			Help:      "Received radio telegrams by device kind and outcome.",
		}, []string{"kind", "outcome"}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enocean",
			Name:      "telegrams_sent_total",
			Help:      "Transmitted radio telegrams by device kind and outcome.",
		}, []string{"kind", "outcome"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enocean",
			Name:      "reports_total",
			Help:      "Non-fatal decoder reports by kind.",
		}, []string{"kind"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "enocean",
			Name:      "commands_total",
			Help:      "Device commands by name and outcome.",
		}, []string{"command", "outcome"}),
		lastSeen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "enocean",
			Name:      "device_last_seen_timestamp_seconds",
			Help:      "Unix time of the last telegram from each device.",
		}, []string{"id", "name"}),
	}
	reg.MustRegister(m.received, m.sent, m.reports, m.commands, m.lastSeen)
	return m
}

func (m *Metrics) telegramReceived(kind Kind, err error) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(string(kind), outcome(err)).Inc()
}

func (m *Metrics) telegramSent(kind Kind, err error) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(string(kind), outcome(err)).Inc()
}

func (m *Metrics) report(r eep.Report) {
	if m == nil {
		return
	}
	kind := "other"
	if k := r.Kind(); k != nil {
		kind = k.Error()
	}
	m.reports.WithLabelValues(kind).Inc()
}

func (m *Metrics) command(name string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(name, outcome(err)).Inc()
}

func (m *Metrics) seen(d *Device, unix float64) {
	if m == nil {
		return
	}
	m.lastSeen.WithLabelValues(d.ID.String(), d.Name).Set(unix)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, eep.ErrProfileMismatch):
		return "profile_mismatch"
	case errors.Is(err, eep.ErrUnexpectedProgramID):
		return "unexpected_program"
	case errors.Is(err, eep.ErrMalformedTelegram):
		return "malformed"
	case errors.Is(err, eep.ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, eep.ErrUnknownCommand):
		return "unknown_command"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	}
	return "error"
}
