package util

import (
	"encoding/binary"
	"fmt"
)

// EncodeUint64Key encodes v as an 8-byte big-endian key so that the byte
// order of keys matches their numeric order.
func EncodeUint64Key(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeUint64Key decodes a key produced by EncodeUint64Key
func DecodeUint64Key(key []byte) (uint64, error) {
	if len(key) != 8 {
		return 0, fmt.Errorf("invalid key length %d, expected 8", len(key))
	}
	return binary.BigEndian.Uint64(key), nil
}
