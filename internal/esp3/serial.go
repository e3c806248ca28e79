package esp3

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the fixed ESP3 line speed.
	DefaultBaudRate = 57600

	responseTimeout = 1 * time.Second
)

// Serial is a Transceiver talking ESP3 over a serial port.
type Serial struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	// ESP3 responses carry no sequence number, so only one request may
	// be outstanding at a time.
	reqMu   sync.Mutex
	respMu  sync.Mutex
	pending chan Packet
	writeMu sync.Mutex

	handlerMu sync.RWMutex
	onPacket  func(Packet)

	infoMu   sync.RWMutex
	info     GatewayInfo
	senderID [4]byte

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the gateway's serial port and starts reading.
func Open(portName string, baudRate int, logger *slog.Logger) (*Serial, error) {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("esp3: open %s: %w", portName, err)
	}
	return newSerial(port, logger), nil
}

func newSerial(port io.ReadWriteCloser, logger *slog.Logger) *Serial {
	s := &Serial{
		port:   port,
		reader: bufio.NewReader(port),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s
}

// SetSenderID overrides the id placed in outgoing radio telegrams. A zero id
// keeps the gateway's base id.
func (s *Serial) SetSenderID(id [4]byte) {
	s.infoMu.Lock()
	defer s.infoMu.Unlock()
	s.senderID = id
	s.info.SenderID = fmt.Sprintf("%X", id[:])
}

// Init reads version and base id from the gateway.
func (s *Serial) Init(ctx context.Context) error {
	resp, err := s.request(ctx, Packet{Type: PacketCommonCommand, Data: []byte{cmdReadVersion}})
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	info, err := parseVersion(resp.Data)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}

	resp, err = s.request(ctx, Packet{Type: PacketCommonCommand, Data: []byte{cmdReadIDBase}})
	if err != nil {
		return fmt.Errorf("read base id: %w", err)
	}
	if len(resp.Data) < 5 {
		return fmt.Errorf("read base id: %w", ErrShortResponse)
	}
	var base [4]byte
	copy(base[:], resp.Data[1:5])
	info.BaseID = fmt.Sprintf("%X", base[:])

	s.infoMu.Lock()
	if s.senderID == ([4]byte{}) {
		s.senderID = base
	}
	info.SenderID = fmt.Sprintf("%X", s.senderID[:])
	s.info = info
	s.infoMu.Unlock()

	s.logger.Info("esp3 gateway ready",
		"app_version", info.AppVersion,
		"api_version", info.APIVersion,
		"chip_id", info.ChipID,
		"description", info.Description,
		"base_id", info.BaseID,
		"sender_id", info.SenderID)
	return nil
}

// parseVersion decodes a CO_RD_VERSION response:
// return code, app version(4), api version(4), chip id(4), chip version(4),
// description(16).
func parseVersion(data []byte) (GatewayInfo, error) {
	var info GatewayInfo
	if len(data) < 13 {
		return info, ErrShortResponse
	}
	v := func(b []byte) string { return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3]) }
	info.AppVersion = v(data[1:5])
	info.APIVersion = v(data[5:9])
	info.ChipID = fmt.Sprintf("%08X", binary.BigEndian.Uint32(data[9:13]))
	if len(data) >= 33 {
		info.Description = strings.TrimRight(string(data[17:33]), "\x00 ")
	}
	return info, nil
}

// Info returns what Init learned about the gateway.
func (s *Serial) Info() GatewayInfo {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.info
}

// Send transmits p. Radio telegrams whose sender field is zero get the
// configured sender id.
func (s *Serial) Send(ctx context.Context, p Packet) error {
	if p.Type == PacketRadioERP1 {
		p = s.withSender(p)
	}
	_, err := s.request(ctx, p)
	return err
}

func (s *Serial) withSender(p Packet) Packet {
	n := len(p.Data)
	if n < 6 {
		return p
	}
	field := p.Data[n-5 : n-1]
	if [4]byte(field) != ([4]byte{}) {
		return p
	}
	s.infoMu.RLock()
	id := s.senderID
	s.infoMu.RUnlock()

	data := make([]byte, n)
	copy(data, p.Data)
	copy(data[n-5:n-1], id[:])
	p.Data = data
	return p
}

func (s *Serial) request(ctx context.Context, p Packet) (Packet, error) {
	raw, err := encodeFrame(p)
	if err != nil {
		return Packet{}, err
	}

	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	ch := make(chan Packet, 1)
	s.respMu.Lock()
	s.pending = ch
	s.respMu.Unlock()
	defer func() {
		s.respMu.Lock()
		s.pending = nil
		s.respMu.Unlock()
	}()

	if err := s.write(raw); err != nil {
		return Packet{}, err
	}
	s.logger.Debug("esp3 TX", "type", p.Type, "data", fmt.Sprintf("%X", p.Data), "optional", fmt.Sprintf("%X", p.Optional))

	timer := time.NewTimer(responseTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if len(resp.Data) == 0 {
			return resp, ErrShortResponse
		}
		if code := ReturnCode(resp.Data[0]); code != RetOK {
			return resp, fmt.Errorf("esp3 type 0x%02X: %w", p.Type, code)
		}
		return resp, nil
	case <-timer.C:
		return Packet{}, fmt.Errorf("esp3 type 0x%02X: %w", p.Type, context.DeadlineExceeded)
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	case <-s.done:
		return Packet{}, ErrClosed
	}
}

func (s *Serial) write(raw []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(raw); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		p, err := readFrame(s.reader)
		if errors.Is(err, ErrCRC) {
			s.logger.Warn("esp3 frame dropped", "err", err)
			continue
		}
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("esp3 read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			if backoff < maxBackoff {
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}
		backoff = 10 * time.Millisecond

		s.dispatch(p)
	}
}

func (s *Serial) dispatch(p Packet) {
	switch p.Type {
	case PacketResponse:
		s.respMu.Lock()
		ch := s.pending
		s.respMu.Unlock()
		if ch == nil {
			s.logger.Warn("esp3 orphaned response", "data", fmt.Sprintf("%X", p.Data))
			return
		}
		select {
		case ch <- p:
		default:
		}

	case PacketRadioERP1:
		s.logger.Debug("esp3 RX", "data", fmt.Sprintf("%X", p.Data), "optional", fmt.Sprintf("%X", p.Optional))
		s.handlerMu.RLock()
		h := s.onPacket
		s.handlerMu.RUnlock()
		if h != nil {
			h(p)
		}

	case PacketEvent:
		if len(p.Data) == 0 {
			return
		}
		switch p.Data[0] {
		case eventCOReady:
			s.logger.Warn("esp3 gateway reset")
		case eventSAReclaimNotSuccessful, eventSAConfirmLearn, eventSALearnAck, eventCOEventSecureDevices:
			s.logger.Info("esp3 event", "code", p.Data[0], "data", fmt.Sprintf("%X", p.Data[1:]))
		default:
			s.logger.Warn("esp3 unknown event", "data", fmt.Sprintf("%X", p.Data))
		}

	default:
		s.logger.Debug("esp3 unhandled packet", "type", p.Type, "data", fmt.Sprintf("%X", p.Data))
	}
}

// OnPacket registers the handler for received radio telegrams. It runs on the
// read goroutine and must not call Send.
func (s *Serial) OnPacket(handler func(Packet)) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.onPacket = handler
}

// Close stops the read loop and closes the port.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}
