// Package esp3 implements the EnOcean Serial Protocol 3 link to a USB300-class
// gateway (TCM 310 over a serial port).
package esp3

import (
	"context"
	"errors"
	"fmt"
)

// Packet types.
const (
	PacketRadioERP1     byte = 0x01
	PacketResponse      byte = 0x02
	PacketRadioSubTel   byte = 0x03
	PacketEvent         byte = 0x04
	PacketCommonCommand byte = 0x05
	PacketSmartAck      byte = 0x06
	PacketRemoteMan     byte = 0x07
)

// Common commands.
const (
	cmdReadVersion byte = 0x03
	cmdReadIDBase  byte = 0x08
)

// Event codes carried by PacketEvent.
const (
	eventSAReclaimNotSuccessful byte = 0x01
	eventSAConfirmLearn         byte = 0x02
	eventSALearnAck             byte = 0x03
	eventCOReady                byte = 0x04
	eventCOEventSecureDevices   byte = 0x05
)

// ReturnCode is the first data byte of a RESPONSE packet.
type ReturnCode byte

const (
	RetOK              ReturnCode = 0x00
	RetError           ReturnCode = 0x01
	RetNotSupported    ReturnCode = 0x02
	RetWrongParam      ReturnCode = 0x03
	RetOperationDenied ReturnCode = 0x04
	RetLockSet         ReturnCode = 0x05
	RetBufferTooSmall  ReturnCode = 0x06
	RetNoFreeBuffer    ReturnCode = 0x07
)

func (c ReturnCode) Error() string {
	switch c {
	case RetOK:
		return "ok"
	case RetError:
		return "error"
	case RetNotSupported:
		return "not supported"
	case RetWrongParam:
		return "wrong parameter"
	case RetOperationDenied:
		return "operation denied"
	case RetLockSet:
		return "lock set"
	case RetBufferTooSmall:
		return "buffer too small"
	case RetNoFreeBuffer:
		return "no free buffer"
	}
	return fmt.Sprintf("return code 0x%02X", byte(c))
}

var (
	ErrClosed        = errors.New("esp3: transceiver closed")
	ErrCRC           = errors.New("esp3: crc mismatch")
	ErrFrameTooLarge = errors.New("esp3: frame too large")
	ErrShortResponse = errors.New("esp3: short response")
)

// Broadcast is the destination of unaddressed radio telegrams.
var Broadcast = [4]byte{0xFF, 0xFF, 0xFF, 0xFF}

// Packet is one ESP3 frame without sync byte and checksums.
type Packet struct {
	Type     byte
	Data     []byte
	Optional []byte
}

// RadioPacket wraps an ERP1 payload addressed to dest. The optional block is
// subtelegram count, destination, dBm (0xFF on send) and security level.
func RadioPacket(payload []byte, dest [4]byte) Packet {
	opt := make([]byte, 0, 7)
	opt = append(opt, 0x03)
	opt = append(opt, dest[:]...)
	opt = append(opt, 0xFF, 0x00)
	return Packet{Type: PacketRadioERP1, Data: payload, Optional: opt}
}

// RSSI returns the received signal strength in dBm of an ERP1 packet.
func (p Packet) RSSI() (int, bool) {
	if p.Type != PacketRadioERP1 || len(p.Optional) < 6 {
		return 0, false
	}
	return -int(p.Optional[5]), true
}

// Destination returns the addressed id of an ERP1 packet.
func (p Packet) Destination() ([4]byte, bool) {
	var id [4]byte
	if p.Type != PacketRadioERP1 || len(p.Optional) < 5 {
		return id, false
	}
	copy(id[:], p.Optional[1:5])
	return id, true
}

// GatewayInfo describes the attached gateway module.
type GatewayInfo struct {
	AppVersion  string `json:"app_version"`
	APIVersion  string `json:"api_version"`
	ChipID      string `json:"chip_id"`
	Description string `json:"description"`
	BaseID      string `json:"base_id"`
	SenderID    string `json:"sender_id"`
}

// Transceiver is the radio link used by the coordinator.
type Transceiver interface {
	// Init reads gateway version and base id and picks the sender id.
	Init(ctx context.Context) error
	// Send transmits a packet and waits for the gateway's RESPONSE.
	Send(ctx context.Context, p Packet) error
	OnPacket(handler func(Packet))
	Info() GatewayInfo
	Close() error
}
