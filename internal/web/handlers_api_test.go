package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"enocean-go-home/internal/coordinator"
	"enocean-go-home/internal/eep"
	"enocean-go-home/internal/esp3"
	"enocean-go-home/internal/store"
)

// stubRadio records sent packets.
type stubRadio struct {
	mu   sync.Mutex
	sent []esp3.Packet
}

func (r *stubRadio) Init(context.Context) error { return nil }
func (r *stubRadio) OnPacket(func(esp3.Packet)) {}
func (r *stubRadio) Close() error               { return nil }

func (r *stubRadio) Info() esp3.GatewayInfo {
	return esp3.GatewayInfo{BaseID: "FF8A6C00", SenderID: "FF8A6C00", AppVersion: "2.11.1.0"}
}

func (r *stubRadio) Send(_ context.Context, p esp3.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

func (r *stubRadio) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

var (
	valveID = eep.ID{0x01, 0x9A, 0x2B, 0x3C}
	doorID  = eep.ID{0xFE, 0xEA, 0x0D, 0xC9}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T) (*coordinator.Coordinator, *stubRadio, *prometheus.Registry) {
	t.Helper()
	logger := testLogger()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	db := coordinator.NewDeviceDB()
	db.Add(coordinator.DeviceConfig{ID: coordinator.ConfigID(valveID), Name: "Living Room Valve", Type: coordinator.KindThermostat})
	db.Add(coordinator.DeviceConfig{ID: coordinator.ConfigID(doorID), Name: "Front Door", Type: coordinator.KindBinarySensor, DeviceClass: "door"})

	reg := prometheus.NewRegistry()
	radio := &stubRadio{}
	coord := coordinator.New(radio, st, db, coordinator.NewEventBus(logger), coordinator.NewMetrics(reg),
		coordinator.Config{Thermostat: eep.DefaultThermostatConfig()},
		coordinator.GatewayConfig{Port: "/dev/ttyUSB0", Baud: 57600}, logger)
	if err := coord.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(coord.Stop)
	return coord, radio, reg
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *coordinator.Coordinator, *stubRadio) {
	t.Helper()
	coord, radio, reg := newTestCoordinator(t)
	opts = append([]ServerOption{WithMetrics(reg), WithVersion("1.2.3")}, opts...)
	srv := NewServer(coord, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, coord, radio
}

func do(t *testing.T, srv http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestAPIListDevices(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/devices", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var devices []coordinator.DeviceSnapshot
	if err := json.NewDecoder(w.Body).Decode(&devices); err != nil {
		t.Fatal(err)
	}
	if len(devices) != 2 || devices[0].ID != "019A2B3C" || devices[1].Name != "Front Door" {
		t.Errorf("devices = %+v", devices)
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	for _, key := range []string{"FEEA0DC9", "Front%20Door"} {
		w := do(t, srv, "GET", "/api/devices/"+key, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want %d", key, w.Code, http.StatusOK)
		}
		var snap coordinator.DeviceSnapshot
		if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
			t.Fatal(err)
		}
		if snap.ID != "FEEA0DC9" || snap.Kind != coordinator.KindBinarySensor || snap.DeviceClass != "door" {
			t.Errorf("%s: snapshot = %+v", key, snap)
		}
	}
}

func TestAPIGetDeviceNotFound(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	if w := do(t, srv, "GET", "/api/devices/00000001", ""); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPICommand(t *testing.T) {
	srv, _, radio := setupTestServer(t)

	w := do(t, srv, "POST", "/api/devices/019A2B3C/command", `{"command":"set_target_temperature","value":21.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var snap coordinator.DeviceSnapshot
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Attributes["target_temperature"] != 21.5 {
		t.Errorf("target = %v, want 21.5", snap.Attributes["target_temperature"])
	}
	if radio.count() != 1 {
		t.Errorf("sent %d telegrams, want 1", radio.count())
	}

	w = do(t, srv, "POST", "/api/devices/Living%20Room%20Valve/command", `{"command":"set_duty_cycle","value":"30_MIN"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("by name: status = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestAPICommandErrors(t *testing.T) {
	srv, _, radio := setupTestServer(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown device", "/api/devices/00000001/command", `{"command":"set_mode","value":"off"}`, http.StatusNotFound},
		{"bad json", "/api/devices/019A2B3C/command", `{`, http.StatusBadRequest},
		{"missing command", "/api/devices/019A2B3C/command", `{"value":1}`, http.StatusBadRequest},
		{"unknown command", "/api/devices/019A2B3C/command", `{"command":"open_window"}`, http.StatusBadRequest},
		{"invalid value", "/api/devices/019A2B3C/command", `{"command":"set_target_temperature","value":"warm"}`, http.StatusBadRequest},
		{"contact", "/api/devices/FEEA0DC9/command", `{"command":"set_mode","value":"heat"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, srv, "POST", tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d, body = %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
	if radio.count() != 0 {
		t.Errorf("sent %d telegrams, want 0", radio.count())
	}
}

func TestAPICommandPayloadLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	big := `{"command":"set_mode","value":"` + strings.Repeat("x", maxBodyBytes) + `"}`
	req := httptest.NewRequest("POST", "/api/devices/019A2B3C/command", bytes.NewBufferString(big))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIGatewayAndVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/gateway", "")
	var info map[string]any
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info["base_id"] != "FF8A6C00" || info["port"] != "/dev/ttyUSB0" || info["baud"] != float64(57600) {
		t.Errorf("gateway = %v", info)
	}

	w = do(t, srv, "GET", "/api/version", "")
	if !strings.Contains(w.Body.String(), `"1.2.3"`) {
		t.Errorf("version body = %s", w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAPIKey("secret"))
	do(t, srv, "POST", "/api/devices/019A2B3C/command", `{"command":"set_mode","value":"off"}`, "X-API-Key", "secret")

	w := do(t, srv, "GET", "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `enocean_commands_total{command="set_mode",outcome="ok"} 1`) {
		t.Errorf("metrics body missing command counter:\n%s", w.Body.String())
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAPIKey("secret"))

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"valid key", "/api/devices", []string{"X-API-Key", "secret"}, http.StatusOK},
		{"missing key", "/api/devices", nil, http.StatusUnauthorized},
		{"wrong key", "/api/devices", []string{"X-API-Key", "guess"}, http.StatusUnauthorized},
		{"metrics unprotected", "/metrics", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := do(t, srv, "GET", tt.path, "", tt.header...); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://dash.local"}))

	w := do(t, srv, "OPTIONS", "/api/devices/019A2B3C/command", "", "Origin", "http://dash.local")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://dash.local" {
		t.Errorf("preflight: status = %d, headers = %v", w.Code, w.Header())
	}
	if w := do(t, srv, "OPTIONS", "/api/devices", "", "Origin", "http://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("foreign preflight: status = %d, want 403", w.Code)
	}
	if w := do(t, srv, "POST", "/api/devices/019A2B3C/command", `{"command":"set_mode","value":"off"}`, "Origin", "http://evil.example"); w.Code != http.StatusForbidden {
		t.Errorf("foreign POST: status = %d, want 403", w.Code)
	}
	if w := do(t, srv, "GET", "/api/devices", "", "Origin", "http://evil.example"); w.Code != http.StatusOK {
		t.Errorf("foreign GET: status = %d, want 200", w.Code)
	}
}
