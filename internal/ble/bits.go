package ble

// bitReader consumes a byte slice LSB first, matching the packing of
// Victron extra-manufacturer-data records.
type bitReader struct {
	data []byte
	pos  int
}

func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// remaining returns how many unread bits are left.
func (r *bitReader) remaining() int {
	return len(r.data)*8 - r.pos
}

// readUnsigned reads width bits as an unsigned integer. Reading past the
// end returns ok=false.
func (r *bitReader) readUnsigned(width int) (uint32, bool) {
	if width <= 0 || width > 32 || r.remaining() < width {
		return 0, false
	}
	var out uint32
	for i := 0; i < width; i++ {
		byteIdx := r.pos / 8
		bitIdx := r.pos % 8
		if r.data[byteIdx]&(1<<bitIdx) != 0 {
			out |= 1 << i
		}
		r.pos++
	}
	return out, true
}

// readSigned reads width bits as a two's-complement integer.
func (r *bitReader) readSigned(width int) (int32, bool) {
	raw, ok := r.readUnsigned(width)
	if !ok {
		return 0, false
	}
	if raw&(1<<(width-1)) != 0 {
		return int32(raw) - (1 << width), true
	}
	return int32(raw), true
}

// unsignedSentinel is the all-ones "no reading" value for a width.
func unsignedSentinel(width int) uint32 {
	return (1 << width) - 1
}

// signedSentinel is the maximum positive value for a signed width.
func signedSentinel(width int) int32 {
	return (1 << (width - 1)) - 1
}
