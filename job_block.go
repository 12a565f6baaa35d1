package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// buildMerkleBranches computes the sibling path for the coinbase slot of a
// standard Bitcoin Merkle tree. txids are in internal (dsha256-natural)
// byte order; the returned hex strings are too. The path depends only on
// sibling positions, so it is valid for every coinbase variant.
func buildMerkleBranches(txids [][]byte) []string {
	if len(txids) == 0 {
		return []string{}
	}
	layer := make([][]byte, 1+len(txids))
	layer[0] = nil // coinbase placeholder
	copy(layer[1:], txids)

	steps := make([]string, 0, 16)
	for len(layer) > 1 {
		steps = append(steps, hex.EncodeToString(layer[1]))
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([][]byte, 0, len(layer)/2)
		next = append(next, nil)
		for i := 2; i+1 < len(layer); i += 2 {
			joined := append(append([]byte{}, layer[i]...), layer[i+1]...)
			next = append(next, doubleSHA256(joined))
		}
		layer = next
	}
	return steps
}

// computeMerkleRootFromBranches folds the coinbase txid through the
// sibling path. All byte orders are internal; the result goes into the
// header as-is.
func computeMerkleRootFromBranches(coinbaseTxid []byte, branches []string) []byte {
	root := coinbaseTxid
	var sibling [32]byte
	var concat [64]byte
	for _, b := range branches {
		if len(b) != 64 {
			return nil
		}
		if n, err := hex.Decode(sibling[:], []byte(b)); err != nil || n != 32 {
			return nil
		}
		copy(concat[:32], root)
		copy(concat[32:], sibling[:])
		root = doubleSHA256(concat[:])
	}
	return root
}

// merkleRootFromTxids computes the full-tree root over coinbase + txids,
// all internal byte order. Used by tests to cross-check the branch fold.
func merkleRootFromTxids(coinbaseTxid []byte, txids [][]byte) []byte {
	layer := make([][]byte, 0, 1+len(txids))
	layer = append(layer, coinbaseTxid)
	layer = append(layer, txids...)
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		next := make([][]byte, 0, len(layer)/2)
		for i := 0; i+1 < len(layer); i += 2 {
			joined := append(append([]byte{}, layer[i]...), layer[i+1]...)
			next = append(next, doubleSHA256(joined))
		}
		layer = next
	}
	return layer[0]
}

// buildBlockHeader assembles the 80-byte header from the job's pre-decoded
// fields plus the share's merkle root, ntime, nonce, and effective
// version. merkleRoot is internal byte order and is placed verbatim.
func (job *Job) buildBlockHeader(merkleRoot []byte, ntime, nonce uint32, version int32) ([]byte, error) {
	if len(merkleRoot) != 32 {
		return nil, fmt.Errorf("merkle root must be 32 bytes, got %d", len(merkleRoot))
	}
	var hdr [80]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(version))
	copy(hdr[4:36], job.prevHashBytes[:])
	copy(hdr[36:68], merkleRoot)
	binary.LittleEndian.PutUint32(hdr[68:72], ntime)
	copy(hdr[72:76], job.bitsBytes[:])
	binary.LittleEndian.PutUint32(hdr[76:80], nonce)
	return hdr[:], nil
}

// assembleBlockHex builds the full submitblock payload: header, tx count,
// coinbase (witness form when the template commits to one), then the
// template transactions verbatim.
func (job *Job) assembleBlockHex(header []byte, extranonce1, extranonce2 []byte) (string, error) {
	coinbase, err := job.Coinbase.serializeForBlock(extranonce1, extranonce2)
	if err != nil {
		return "", fmt.Errorf("coinbase build: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(header)
	writeVarInt(&buf, uint64(1+len(job.Template.Transactions)))
	buf.Write(coinbase)
	for i, tx := range job.Template.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return "", fmt.Errorf("decode tx %d data: %w", i, err)
		}
		buf.Write(raw)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
