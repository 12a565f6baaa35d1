package main

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

func parseUint32BEHex(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(hexStr))
	}
	var v uint32
	for i := 0; i < 8; i++ {
		c := hexStr[i]
		var nibble byte
		switch {
		case c >= '0' && c <= '9':
			nibble = c - '0'
		case c >= 'a' && c <= 'f':
			nibble = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			nibble = c - 'A' + 10
		default:
			return 0, fmt.Errorf("invalid hex digit %q in %q", c, hexStr)
		}
		v = (v << 4) | uint32(nibble)
	}
	return v, nil
}

func uint32ToBEHex(v uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return hex.EncodeToString(buf[:])
}

func int32ToBEHex(v int32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	return hex.EncodeToString(buf[:])
}

func hexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

// stratumPrevHashHex converts the RPC display form of a block hash into the
// Stratum notify form: the hash as 8 uint32 words in internal order, each
// word printed big-endian. Equivalent to "swap every 4 bytes" of the
// internal byte order.
func stratumPrevHashHex(display string) (string, error) {
	raw, err := hex.DecodeString(display)
	if err != nil {
		return "", fmt.Errorf("decode prevhash: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("prevhash must be 32 bytes, got %d", len(raw))
	}
	internal := reverseBytes(raw)
	var out [32]byte
	for i := 0; i < 8; i++ {
		j := i * 4
		out[j] = internal[j+3]
		out[j+1] = internal[j+2]
		out[j+2] = internal[j+1]
		out[j+3] = internal[j]
	}
	return hex.EncodeToString(out[:]), nil
}
