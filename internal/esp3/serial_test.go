package esp3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

type fakeGateway struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestSerial(t *testing.T) (*Serial, *fakeGateway) {
	t.Helper()
	a, b := net.Pipe()
	s := newSerial(a, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		s.Close()
		b.Close()
	})
	return s, &fakeGateway{t: t, conn: b, r: bufio.NewReader(b)}
}

func (g *fakeGateway) expect() Packet {
	p, err := readFrame(g.r)
	if err != nil {
		g.t.Errorf("gateway read: %v", err)
	}
	return p
}

func (g *fakeGateway) reply(p Packet) {
	raw, err := encodeFrame(p)
	if err != nil {
		g.t.Errorf("gateway encode: %v", err)
		return
	}
	if _, err := g.conn.Write(raw); err != nil {
		g.t.Errorf("gateway write: %v", err)
	}
}

func versionResponse() Packet {
	data := []byte{0x00,
		2, 11, 1, 0,
		2, 5, 0, 1,
		0x01, 0x02, 0x03, 0x04,
		0x45, 0x4F, 0x01, 0x03,
	}
	desc := make([]byte, 16)
	copy(desc, "GATEWAYCTRL")
	return Packet{Type: PacketResponse, Data: append(data, desc...)}
}

func TestSerialInit(t *testing.T) {
	s, g := newTestSerial(t)

	go func() {
		if p := g.expect(); p.Type != PacketCommonCommand || p.Data[0] != cmdReadVersion {
			t.Errorf("first request = %+v, want CO_RD_VERSION", p)
		}
		g.reply(versionResponse())
		if p := g.expect(); p.Data[0] != cmdReadIDBase {
			t.Errorf("second request = %+v, want CO_RD_IDBASE", p)
		}
		g.reply(Packet{Type: PacketResponse, Data: []byte{0x00, 0xFF, 0x80, 0x12, 0x00}, Optional: []byte{0x0A}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}

	info := s.Info()
	want := GatewayInfo{
		AppVersion:  "2.11.1.0",
		APIVersion:  "2.5.0.1",
		ChipID:      "01020304",
		Description: "GATEWAYCTRL",
		BaseID:      "FF801200",
		SenderID:    "FF801200",
	}
	if info != want {
		t.Errorf("Info() = %+v, want %+v", info, want)
	}
}

func TestSerialSendFillsSender(t *testing.T) {
	s, g := newTestSerial(t)
	s.SetSenderID([4]byte{0xFF, 0x80, 0x12, 0x81})

	payload := []byte{0xA5, 0x28, 0x00, 0x0D, 0x08, 0, 0, 0, 0, 0}
	got := make(chan Packet, 1)
	go func() {
		got <- g.expect()
		g.reply(Packet{Type: PacketResponse, Data: []byte{0x00}})
	}()

	if err := s.Send(context.Background(), RadioPacket(payload, [4]byte{0x01, 0x9A, 0x2B, 0x3C})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	p := <-got
	want := []byte{0xA5, 0x28, 0x00, 0x0D, 0x08, 0xFF, 0x80, 0x12, 0x81, 0x00}
	if !bytes.Equal(p.Data, want) {
		t.Errorf("sent data = % X, want % X", p.Data, want)
	}
	if dest, _ := p.Destination(); dest != [4]byte{0x01, 0x9A, 0x2B, 0x3C} {
		t.Errorf("destination = %X", dest)
	}
	if payload[5] != 0 {
		t.Error("Send modified the caller's payload")
	}
}

func TestSerialSendReturnCode(t *testing.T) {
	s, g := newTestSerial(t)
	go func() {
		g.expect()
		g.reply(Packet{Type: PacketResponse, Data: []byte{byte(RetNotSupported)}})
	}()

	err := s.Send(context.Background(), Packet{Type: PacketCommonCommand, Data: []byte{0x99}})
	if !errors.Is(err, RetNotSupported) {
		t.Errorf("err = %v, want RetNotSupported", err)
	}
}

func TestSerialSendTimeout(t *testing.T) {
	s, g := newTestSerial(t)
	go g.expect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Send(ctx, Packet{Type: PacketCommonCommand, Data: []byte{cmdReadVersion}})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
}

func TestSerialOnPacket(t *testing.T) {
	s, g := newTestSerial(t)

	got := make(chan Packet, 1)
	s.OnPacket(func(p Packet) { got <- p })

	in := Packet{
		Type:     PacketRadioERP1,
		Data:     []byte{0xF6, 0x00, 0x00, 0x25, 0x83, 0x6A, 0x30},
		Optional: []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x3C, 0x00},
	}
	go g.reply(in)

	select {
	case p := <-got:
		if !bytes.Equal(p.Data, in.Data) {
			t.Errorf("data = % X, want % X", p.Data, in.Data)
		}
		if rssi, _ := p.RSSI(); rssi != -60 {
			t.Errorf("rssi = %d, want -60", rssi)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no packet delivered")
	}
}

func TestSerialSendAfterClose(t *testing.T) {
	s, _ := newTestSerial(t)
	s.Close()
	err := s.Send(context.Background(), Packet{Type: PacketCommonCommand, Data: []byte{cmdReadVersion}})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}
