package certification

import "fmt"

// DecodeULEB128 decodes an unsigned LEB128 value, rejecting encodings that
// overflow 64 bits.
func DecodeULEB128(data []byte) (uint64, error) {
	var value uint64
	var shift uint
	for i, b := range data {
		if shift >= 64 || (shift == 63 && b > 1) {
			return 0, fmt.Errorf("leb128 value overflows uint64")
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			if i != len(data)-1 {
				return 0, fmt.Errorf("leb128 value has %d trailing bytes", len(data)-1-i)
			}
			return value, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("leb128 value is truncated")
}

// AppendULEB128 appends the unsigned LEB128 encoding of value to dst.
func AppendULEB128(dst []byte, value uint64) []byte {
	for {
		b := byte(value & 0x7f)
		value >>= 7
		if value != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if value == 0 {
			return dst
		}
	}
}
