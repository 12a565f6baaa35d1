package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"testing"
)

func fakeTxids(n int) [][]byte {
	txids := make([][]byte, n)
	for i := range txids {
		txids[i] = doubleSHA256([]byte(fmt.Sprintf("tx-%d", i)))
	}
	return txids
}

// TestMerkleBranchFoldMatchesFullTree verifies the published sibling path
// reproduces the root computed from scratch over the full transaction
// list, for every coinbase variant and a range of tree widths.
func TestMerkleBranchFoldMatchesFullTree(t *testing.T) {
	for _, n := range []int{0, 1, 2, 3, 4, 5, 7, 8, 13} {
		txids := fakeTxids(n)
		branches := buildMerkleBranches(txids)
		for variant := 0; variant < 3; variant++ {
			coinbaseTxid := doubleSHA256([]byte(fmt.Sprintf("coinbase-%d", variant)))
			folded := computeMerkleRootFromBranches(coinbaseTxid, branches)
			full := merkleRootFromTxids(coinbaseTxid, txids)
			if !bytes.Equal(folded, full) {
				t.Fatalf("n=%d variant=%d: branch fold %x != full tree %x", n, variant, folded, full)
			}
		}
	}
}

func TestMerkleBranchesEmptyTemplate(t *testing.T) {
	branches := buildMerkleBranches(nil)
	if len(branches) != 0 {
		t.Fatalf("expected no branches for empty template, got %d", len(branches))
	}
	cb := doubleSHA256([]byte("coinbase"))
	root := computeMerkleRootFromBranches(cb, branches)
	if !bytes.Equal(root, cb) {
		t.Fatalf("empty branch fold must return the coinbase txid")
	}
}

func testJob(t *testing.T, tpl GetBlockTemplateResult) *Job {
	t.Helper()
	jm := NewJobManager(nil, testConfig(), []byte{0x51})
	job, err := jm.buildJob(tpl)
	if err != nil {
		t.Fatalf("buildJob error: %v", err)
	}
	return job
}

func testTemplate() GetBlockTemplateResult {
	return GetBlockTemplateResult{
		Bits:          "1d00ffff",
		CurTime:       1700000000,
		Height:        840000,
		Version:       0x20000000,
		Previous:      "00000000000000000002c0cc73626b56fb3ee1ce605b0ce125cc4fb58775a0a9",
		CoinbaseValue: 625000000,
		Rules:         []string{"segwit"},
	}
}

func testConfig() Config {
	cfg := defaultConfig()
	cfg.PayoutAddress = "addr"
	cfg.RPCUser = "u"
	cfg.RPCPass = "p"
	return cfg
}

// TestBuildBlockHeaderLayout checks the 80-byte field layout of the
// assembled header.
func TestBuildBlockHeaderLayout(t *testing.T) {
	job := testJob(t, testTemplate())

	merkle := doubleSHA256([]byte("root"))
	ntime := uint32(1700000123)
	nonce := uint32(0xdeadbeef)
	version := int32(0x20000004)

	header, err := job.buildBlockHeader(merkle, ntime, nonce, version)
	if err != nil {
		t.Fatalf("buildBlockHeader error: %v", err)
	}
	if len(header) != 80 {
		t.Fatalf("header must be 80 bytes, got %d", len(header))
	}
	if got := int32(binary.LittleEndian.Uint32(header[0:4])); got != version {
		t.Fatalf("version field: got %08x want %08x", got, version)
	}
	prevDisplay, _ := hex.DecodeString(job.Template.Previous)
	if !bytes.Equal(header[4:36], reverseBytes(prevDisplay)) {
		t.Fatalf("prevhash field not in internal byte order")
	}
	if !bytes.Equal(header[36:68], merkle) {
		t.Fatalf("merkle field must be internal order verbatim")
	}
	if got := binary.LittleEndian.Uint32(header[68:72]); got != ntime {
		t.Fatalf("ntime field: got %d want %d", got, ntime)
	}
	bitsRaw, _ := hex.DecodeString(job.Template.Bits)
	if !bytes.Equal(header[72:76], reverseBytes(bitsRaw)) {
		t.Fatalf("bits field not little-endian")
	}
	if got := binary.LittleEndian.Uint32(header[76:80]); got != nonce {
		t.Fatalf("nonce field: got %08x want %08x", got, nonce)
	}
}

func TestAssembleBlockHex(t *testing.T) {
	txData := "0100000001aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" +
		"0000000000ffffffff0100e1f505000000000151" + "00000000"
	tpl := testTemplate()
	tpl.Transactions = []GBTTransaction{{
		Data: txData,
		Txid: "1111111111111111111111111111111111111111111111111111111111111111",
	}}
	job := testJob(t, tpl)

	en1 := []byte{1, 2, 3, 4}
	en2 := []byte{5, 6, 7, 8}
	coinbase, err := job.Coinbase.serialize(en1, en2)
	if err != nil {
		t.Fatalf("coinbase serialize error: %v", err)
	}
	root := computeMerkleRootFromBranches(doubleSHA256(coinbase), job.MerkleBranches)
	header, err := job.buildBlockHeader(root, uint32(tpl.CurTime), 42, tpl.Version)
	if err != nil {
		t.Fatalf("buildBlockHeader error: %v", err)
	}

	blockHex, err := job.assembleBlockHex(header, en1, en2)
	if err != nil {
		t.Fatalf("assembleBlockHex error: %v", err)
	}
	raw, err := hex.DecodeString(blockHex)
	if err != nil {
		t.Fatalf("block hex invalid: %v", err)
	}
	if !bytes.Equal(raw[:80], header) {
		t.Fatalf("block must start with the header")
	}
	count, n, err := readVarInt(raw[80:])
	if err != nil || count != 2 {
		t.Fatalf("tx count: got %d (err %v), want 2", count, err)
	}
	rest := raw[80+n:]
	if !bytes.Equal(rest[:len(coinbase)], coinbase) {
		t.Fatalf("coinbase must follow the tx count")
	}
	txRaw, _ := hex.DecodeString(txData)
	if !bytes.Equal(rest[len(coinbase):], txRaw) {
		t.Fatalf("template transactions must follow the coinbase verbatim")
	}
}
