package eep

import "fmt"

// Bits is a payload viewed as one bit string: MSB first within each byte,
// bytes concatenated in order. Bit 0 is the top bit of byte 0, bit 8 the top
// bit of byte 1.
type Bits []byte

// Len returns the number of addressable bits.
func (b Bits) Len() int {
	return len(b) * 8
}

// Bit returns the single bit at index i.
func (b Bits) Bit(i int) (bool, error) {
	v, err := b.Uint(i, i)
	return v == 1, err
}

// Uint extracts the inclusive bit range [start, end] as an unsigned integer,
// most significant bit first.
func (b Bits) Uint(start, end int) (uint64, error) {
	if start < 0 || end < start || end-start >= 64 {
		return 0, fmt.Errorf("bit range [%d,%d]: %w", start, end, ErrInvalidArgument)
	}
	if end >= b.Len() {
		return 0, fmt.Errorf("bit range [%d,%d] exceeds %d bits: %w", start, end, b.Len(), ErrMalformedTelegram)
	}
	var v uint64
	for i := start; i <= end; i++ {
		bit := (b[i/8] >> (7 - uint(i%8))) & 1
		v = v<<1 | uint64(bit)
	}
	return v, nil
}

// bitReader collects the first error of a sequence of reads so decoders can
// read a whole layout and check once.
type bitReader struct {
	bits Bits
	err  error
}

func (r *bitReader) uint(start, end int) uint64 {
	if r.err != nil {
		return 0
	}
	v, err := r.bits.Uint(start, end)
	if err != nil {
		r.err = err
	}
	return v
}

func (r *bitReader) bit(i int) bool {
	return r.uint(i, i) == 1
}

// packBits packs flags MSB first into one byte. Extra flags are ignored.
func packBits(flags ...bool) byte {
	var v byte
	for i, f := range flags {
		if i >= 8 {
			break
		}
		if f {
			v |= 1 << (7 - uint(i))
		}
	}
	return v
}
