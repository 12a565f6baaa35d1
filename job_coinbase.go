package main

import (
	"bytes"
	"fmt"
)

// coinbaseParts holds one job's coinbase split at the extranonce position
// plus the pieces needed to re-serialize the transaction in witness form
// for block submission. Prefix ends with the push-length byte covering the
// 8 extranonce bytes; Suffix starts at the tag push. For any extranonce1
// and extranonce2, Prefix || en1 || en2 || Suffix is a well-formed
// non-witness coinbase serialization.
type coinbaseParts struct {
	Prefix []byte
	Suffix []byte

	heightPush []byte
	tagPush    []byte
	outputs    []byte
	hasWitness bool
}

const coinbaseExtranonceLen = coinbaseExtranonce1Size + coinbaseExtranonce2Size

// buildCoinbaseParts synthesizes the coinbase for one template. The
// scriptSig is BIP34 height push, a single push of the 8 extranonce bytes,
// then the pool tag, clamped so the whole scriptSig stays within 100
// bytes. Outputs are the payout followed by the template's witness
// commitment when present.
func buildCoinbaseParts(height int64, payoutScript []byte, coinbaseValue int64, commitmentScript []byte, tag string) (coinbaseParts, error) {
	if len(payoutScript) == 0 {
		return coinbaseParts{}, fmt.Errorf("payout script is required")
	}
	if coinbaseValue <= 0 {
		return coinbaseParts{}, fmt.Errorf("coinbase value must be positive, got %d", coinbaseValue)
	}
	if height < 0 {
		return coinbaseParts{}, fmt.Errorf("height cannot be negative")
	}

	heightPush := serializeNumberScript(height)
	fixedLen := len(heightPush) + 1 + coinbaseExtranonceLen
	if fixedLen > coinbaseScriptSigMaxBytes {
		return coinbaseParts{}, fmt.Errorf("scriptSig fixed part %d exceeds %d bytes", fixedLen, coinbaseScriptSigMaxBytes)
	}
	tagPush := clampTagPush(tag, coinbaseScriptSigMaxBytes-fixedLen)
	scriptSigLen := fixedLen + len(tagPush)

	var outputs bytes.Buffer
	outputCount := uint64(1)
	if len(commitmentScript) > 0 {
		outputCount++
	}
	writeVarInt(&outputs, outputCount)
	writeUint64LE(&outputs, uint64(coinbaseValue))
	writeVarInt(&outputs, uint64(len(payoutScript)))
	outputs.Write(payoutScript)
	if len(commitmentScript) > 0 {
		writeUint64LE(&outputs, 0)
		writeVarInt(&outputs, uint64(len(commitmentScript)))
		outputs.Write(commitmentScript)
	}

	// prefix: version | vin count | null prevout | scriptSig len |
	// height push | extranonce push opcode
	var prefix bytes.Buffer
	writeUint32LE(&prefix, 1)
	writeVarInt(&prefix, 1)
	prefix.Write(bytes.Repeat([]byte{0x00}, 32))
	writeUint32LE(&prefix, 0xffffffff)
	writeVarInt(&prefix, uint64(scriptSigLen))
	prefix.Write(heightPush)
	prefix.WriteByte(byte(coinbaseExtranonceLen))

	// suffix: tag push | sequence | outputs | locktime
	var suffix bytes.Buffer
	suffix.Write(tagPush)
	writeUint32LE(&suffix, 0xffffffff)
	suffix.Write(outputs.Bytes())
	writeUint32LE(&suffix, 0)

	return coinbaseParts{
		Prefix:     prefix.Bytes(),
		Suffix:     suffix.Bytes(),
		heightPush: heightPush,
		tagPush:    tagPush,
		outputs:    outputs.Bytes(),
		hasWitness: len(commitmentScript) > 0,
	}, nil
}

// serialize returns the non-witness coinbase for the given extranonces.
// Its double-SHA-256 is the TXID used throughout the Merkle tree.
func (cb *coinbaseParts) serialize(extranonce1, extranonce2 []byte) ([]byte, error) {
	if len(extranonce1) != coinbaseExtranonce1Size {
		return nil, fmt.Errorf("extranonce1 must be %d bytes, got %d", coinbaseExtranonce1Size, len(extranonce1))
	}
	if len(extranonce2) != coinbaseExtranonce2Size {
		return nil, fmt.Errorf("extranonce2 must be %d bytes, got %d", coinbaseExtranonce2Size, len(extranonce2))
	}
	out := make([]byte, 0, len(cb.Prefix)+coinbaseExtranonceLen+len(cb.Suffix))
	out = append(out, cb.Prefix...)
	out = append(out, extranonce1...)
	out = append(out, extranonce2...)
	out = append(out, cb.Suffix...)
	return out, nil
}

// serializeForBlock returns the coinbase as embedded in the submitted
// block: segwit marker/flag form with a single 32-byte zero witness when
// the template carried a witness commitment, plain form otherwise.
func (cb *coinbaseParts) serializeForBlock(extranonce1, extranonce2 []byte) ([]byte, error) {
	if !cb.hasWitness {
		return cb.serialize(extranonce1, extranonce2)
	}
	if len(extranonce1) != coinbaseExtranonce1Size || len(extranonce2) != coinbaseExtranonce2Size {
		return nil, fmt.Errorf("extranonce sizes must be %d+%d bytes", coinbaseExtranonce1Size, coinbaseExtranonce2Size)
	}

	scriptSigLen := len(cb.heightPush) + 1 + coinbaseExtranonceLen + len(cb.tagPush)

	var tx bytes.Buffer
	writeUint32LE(&tx, 1)
	tx.Write([]byte{0x00, 0x01}) // segwit marker + flag
	writeVarInt(&tx, 1)
	tx.Write(bytes.Repeat([]byte{0x00}, 32))
	writeUint32LE(&tx, 0xffffffff)
	writeVarInt(&tx, uint64(scriptSigLen))
	tx.Write(cb.heightPush)
	tx.WriteByte(byte(coinbaseExtranonceLen))
	tx.Write(extranonce1)
	tx.Write(extranonce2)
	tx.Write(cb.tagPush)
	writeUint32LE(&tx, 0xffffffff)
	tx.Write(cb.outputs)
	// one witness stack item: the 32-byte zero reserved value
	tx.WriteByte(0x01)
	tx.WriteByte(0x20)
	tx.Write(bytes.Repeat([]byte{0x00}, 32))
	writeUint32LE(&tx, 0)
	return tx.Bytes(), nil
}

// serializeNumberScript encodes n as a minimal script push of the signed
// little-endian integer, per the BIP34 height rule.
func serializeNumberScript(n int64) []byte {
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}
	}
	l := 1
	buf := make([]byte, 9)
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	return buf[:l+1]
}

func serializeStringScript(s string) []byte {
	b := []byte(s)
	if len(b) < 0x4c {
		return append([]byte{byte(len(b))}, b...)
	}
	return append([]byte{0x4c, byte(len(b))}, b...)
}

// clampTagPush trims the tag until its push fits in the remaining
// scriptSig budget. An empty push (single zero length byte) is the floor.
func clampTagPush(tag string, allowed int) []byte {
	if allowed <= 0 {
		return nil
	}
	for {
		push := serializeStringScript(tag)
		if len(push) <= allowed {
			return push
		}
		if len(tag) == 0 {
			return nil
		}
		tag = tag[:len(tag)-1]
	}
}
