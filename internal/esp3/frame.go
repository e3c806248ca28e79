package esp3

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	syncByte  = 0x55
	headerLen = 4 // dataLen(2) + optLen(1) + type(1)
)

var crc8Table [256]uint8

func init() {
	const poly = 0x07
	for i := 0; i < 256; i++ {
		crc := uint8(i)
		for j := 0; j < 8; j++ {
			if crc&0x80 != 0 {
				crc = crc<<1 ^ poly
			} else {
				crc <<= 1
			}
		}
		crc8Table[i] = crc
	}
}

func crc8(data []byte) uint8 {
	var crc uint8
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

// encodeFrame builds sync, header, header CRC, data, optional and data CRC.
func encodeFrame(p Packet) ([]byte, error) {
	if len(p.Data) > 0xFFFF || len(p.Optional) > 0xFF {
		return nil, fmt.Errorf("%w: data %d optional %d", ErrFrameTooLarge, len(p.Data), len(p.Optional))
	}
	buf := make([]byte, 0, 1+headerLen+1+len(p.Data)+len(p.Optional)+1)
	buf = append(buf, syncByte)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Data)))
	buf = append(buf, byte(len(p.Optional)), p.Type)
	buf = append(buf, crc8(buf[1:1+headerLen]))
	buf = append(buf, p.Data...)
	buf = append(buf, p.Optional...)
	buf = append(buf, crc8(buf[2+headerLen:]))
	return buf, nil
}

// readFrame scans for the next valid frame. A sync byte whose header CRC
// fails is treated as noise and scanning resumes at the following byte.
func readFrame(r *bufio.Reader) (Packet, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if b != syncByte {
			continue
		}
		hdr, err := r.Peek(headerLen + 1)
		if err != nil {
			return Packet{}, err
		}
		if crc8(hdr[:headerLen]) != hdr[headerLen] {
			continue
		}
		dataLen := int(binary.BigEndian.Uint16(hdr[0:2]))
		optLen := int(hdr[2])
		typ := hdr[3]
		if _, err := r.Discard(headerLen + 1); err != nil {
			return Packet{}, err
		}

		body := make([]byte, dataLen+optLen+1)
		if _, err := io.ReadFull(r, body); err != nil {
			return Packet{}, err
		}
		if crc8(body[:dataLen+optLen]) != body[dataLen+optLen] {
			return Packet{}, fmt.Errorf("%w: type 0x%02X data %X", ErrCRC, typ, body[:dataLen+optLen])
		}
		return Packet{
			Type:     typ,
			Data:     body[:dataLen],
			Optional: body[dataLen : dataLen+optLen],
		}, nil
	}
}
