package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math/big"
	"slices"
	"strconv"
)

func doubleSHA256(b []byte) []byte {
	first := sha256Sum(b)
	second := sha256Sum(first[:])
	return second[:]
}

// doubleSHA256Array avoids slice allocation on hot paths.
func doubleSHA256Array(b []byte) [32]byte {
	first := sha256Sum(b)
	return sha256Sum(first[:])
}

func reverseBytes(in []byte) []byte {
	out := append([]byte(nil), in...)
	slices.Reverse(out)
	return out
}

// targetFromBits decodes the 4-byte compact form into the 256-bit target.
func targetFromBits(bits string) (*big.Int, error) {
	b, err := hex.DecodeString(bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("invalid bits length %d", len(b))
	}
	exp := b[0]
	mantissa := new(big.Int).SetBytes(b[1:])
	if exp <= 3 {
		return new(big.Int).Rsh(mantissa, 8*uint(3-exp)), nil
	}
	return new(big.Int).Lsh(mantissa, 8*uint(exp-3)), nil
}

// bitsFromTarget re-encodes a target into canonical compact form.
func bitsFromTarget(target *big.Int) (string, error) {
	if target == nil || target.Sign() <= 0 {
		return "", fmt.Errorf("target must be positive")
	}
	raw := target.Bytes()
	exp := len(raw)
	var mantissa uint32
	for i := 0; i < 3; i++ {
		mantissa <<= 8
		if i < len(raw) {
			mantissa |= uint32(raw[i])
		}
	}
	// The compact mantissa is signed; a high bit forces an extra exponent
	// byte so the value stays positive.
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		exp++
	}
	if exp > 0xff {
		return "", fmt.Errorf("target exponent overflow")
	}
	return fmt.Sprintf("%02x%06x", exp, mantissa), nil
}

var diff1Target = func() *big.Int {
	n, _ := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	return n
}()

var maxUint256 = func() *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), 256)
	return n.Sub(n, big.NewInt(1))
}()

// targetFromDifficulty returns floor(DIFF1_TARGET / d) clamped to the
// 256-bit range. Non-positive difficulties map to the easiest target.
func targetFromDifficulty(diff float64) *big.Int {
	if diff <= 0 {
		return new(big.Int).Set(maxUint256)
	}
	diffStr := strconv.FormatFloat(diff, 'g', -1, 64)
	r, ok := new(big.Rat).SetString(diffStr)
	if !ok || r.Sign() <= 0 {
		return new(big.Int).Set(maxUint256)
	}
	target := new(big.Rat).SetInt(diff1Target)
	target.Quo(target, r)
	tgt := new(big.Int).Quo(target.Num(), target.Denom())
	if tgt.Sign() == 0 {
		tgt = big.NewInt(1)
	}
	if tgt.Cmp(maxUint256) > 0 {
		tgt = new(big.Int).Set(maxUint256)
	}
	return tgt
}

func difficultyFromBits(bits uint32) float64 {
	target, err := targetFromBits(fmt.Sprintf("%08x", bits))
	if err != nil || target.Sign() == 0 {
		return 0
	}
	f := new(big.Float).SetPrec(256).SetInt(diff1Target)
	d := new(big.Float).SetPrec(256).SetInt(target)
	f.Quo(f, d)
	val, _ := f.Float64()
	return val
}

// difficultyFromHashLE returns the diff-1-relative difficulty implied by a
// header hash given in little-endian (dsha256 natural) byte order.
func difficultyFromHashLE(hash []byte) float64 {
	n := new(big.Int).SetBytes(reverseBytes(hash))
	if n.Sign() == 0 {
		return 0
	}
	f := new(big.Float).SetPrec(256).SetInt(diff1Target)
	d := new(big.Float).SetPrec(256).SetInt(n)
	f.Quo(f, d)
	val, _ := f.Float64()
	return val
}

func readVarInt(raw []byte) (uint64, int, error) {
	if len(raw) == 0 {
		return 0, 0, fmt.Errorf("varint empty")
	}
	switch raw[0] {
	case 0xff:
		if len(raw) < 9 {
			return 0, 0, fmt.Errorf("varint 0xff missing bytes")
		}
		var v uint64
		for i := 8; i >= 1; i-- {
			v = v<<8 | uint64(raw[i])
		}
		return v, 9, nil
	case 0xfe:
		if len(raw) < 5 {
			return 0, 0, fmt.Errorf("varint 0xfe missing bytes")
		}
		v := uint64(raw[1]) | uint64(raw[2])<<8 | uint64(raw[3])<<16 | uint64(raw[4])<<24
		return v, 5, nil
	case 0xfd:
		if len(raw) < 3 {
			return 0, 0, fmt.Errorf("varint 0xfd missing bytes")
		}
		return uint64(raw[1]) | uint64(raw[2])<<8, 3, nil
	default:
		return uint64(raw[0]), 1, nil
	}
}

// putVarInt encodes v into dst and returns the number of bytes written.
func putVarInt(dst *[9]byte, v uint64) int {
	switch {
	case v < 0xfd:
		dst[0] = byte(v)
		return 1
	case v <= 0xffff:
		dst[0] = 0xfd
		dst[1] = byte(v)
		dst[2] = byte(v >> 8)
		return 3
	case v <= 0xffffffff:
		dst[0] = 0xfe
		dst[1] = byte(v)
		dst[2] = byte(v >> 8)
		dst[3] = byte(v >> 16)
		dst[4] = byte(v >> 24)
		return 5
	default:
		dst[0] = 0xff
		for i := 0; i < 8; i++ {
			dst[1+i] = byte(v >> (8 * i))
		}
		return 9
	}
}

func writeVarInt(buf *bytes.Buffer, v uint64) {
	var tmp [9]byte
	n := putVarInt(&tmp, v)
	buf.Write(tmp[:n])
}

func writeUint32LE(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	tmp[0] = byte(v)
	tmp[1] = byte(v >> 8)
	tmp[2] = byte(v >> 16)
	tmp[3] = byte(v >> 24)
	buf.Write(tmp[:])
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (8 * i))
	}
	buf.Write(tmp[:])
}
