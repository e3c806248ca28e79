package esp3

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestEncodeFrameKnown(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
		want []byte
	}{
		{
			"CO_RD_VERSION",
			Packet{Type: PacketCommonCommand, Data: []byte{cmdReadVersion}},
			[]byte{0x55, 0x00, 0x01, 0x00, 0x05, 0x70, 0x03, 0x09},
		},
		{
			"CO_RD_IDBASE",
			Packet{Type: PacketCommonCommand, Data: []byte{cmdReadIDBase}},
			[]byte{0x55, 0x00, 0x01, 0x00, 0x05, 0x70, 0x08, 0x38},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := encodeFrame(tt.p)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("encodeFrame = % X, want % X", got, tt.want)
			}
		})
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
	}{
		{"radio", RadioPacket([]byte{0xA5, 0x28, 0x00, 0x0D, 0x08, 0, 0, 0, 0, 0}, [4]byte{0x01, 0x9A, 0x2B, 0x3C})},
		{"response", Packet{Type: PacketResponse, Data: []byte{0x00}}},
		{"empty data", Packet{Type: PacketEvent}},
		{"contains sync", Packet{Type: PacketRadioERP1, Data: []byte{0x55, 0x55, 0x00}, Optional: []byte{0x55}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := encodeFrame(tt.p)
			if err != nil {
				t.Fatal(err)
			}
			got, err := readFrame(bufio.NewReader(bytes.NewReader(raw)))
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if got.Type != tt.p.Type || !bytes.Equal(got.Data, tt.p.Data) || !bytes.Equal(got.Optional, tt.p.Optional) {
				t.Errorf("round trip = %+v, want %+v", got, tt.p)
			}
		})
	}
}

func TestReadFrameResync(t *testing.T) {
	good, _ := encodeFrame(Packet{Type: PacketResponse, Data: []byte{0x00}})
	// Garbage including a stray sync byte with a bad header CRC.
	stream := append([]byte{0x00, 0x55, 0x01, 0x02, 0x03, 0x04, 0xEE, 0x9F}, good...)

	got, err := readFrame(bufio.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if got.Type != PacketResponse || !bytes.Equal(got.Data, []byte{0x00}) {
		t.Errorf("readFrame = %+v", got)
	}
}

func TestReadFrameDataCRC(t *testing.T) {
	raw, _ := encodeFrame(Packet{Type: PacketRadioERP1, Data: []byte{0xF6, 0x00, 1, 2, 3, 4, 0x30}})
	raw[len(raw)-1] ^= 0xFF

	r := bufio.NewReader(bytes.NewReader(raw))
	if _, err := readFrame(r); !errors.Is(err, ErrCRC) {
		t.Errorf("err = %v, want ErrCRC", err)
	}
	if _, err := readFrame(r); err != io.EOF {
		t.Errorf("after bad frame err = %v, want EOF", err)
	}
}

func TestEncodeFrameTooLarge(t *testing.T) {
	_, err := encodeFrame(Packet{Type: PacketRadioERP1, Optional: make([]byte, 256)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("err = %v, want ErrFrameTooLarge", err)
	}
}

func TestPacketRSSI(t *testing.T) {
	p := Packet{Type: PacketRadioERP1, Optional: []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0x4A, 0x00}}
	if rssi, ok := p.RSSI(); !ok || rssi != -74 {
		t.Errorf("RSSI() = %d, %v; want -74", rssi, ok)
	}
	dest, ok := p.Destination()
	if !ok || dest != Broadcast {
		t.Errorf("Destination() = %X, %v", dest, ok)
	}
	if _, ok := (Packet{Type: PacketResponse}).RSSI(); ok {
		t.Error("RSSI() on response reported ok")
	}
}

func TestReturnCodeError(t *testing.T) {
	var err error = RetWrongParam
	if err.Error() != "wrong parameter" {
		t.Errorf("Error() = %q", err.Error())
	}
	if ReturnCode(0x42).Error() != "return code 0x42" {
		t.Errorf("Error() = %q", ReturnCode(0x42).Error())
	}
}
