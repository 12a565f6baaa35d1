package main

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

var (
	chainParamsMu  sync.RWMutex
	activeParams   = &chaincfg.MainNetParams
	chainParamsSet = map[string]*chaincfg.Params{
		"mainnet":  &chaincfg.MainNetParams,
		"testnet":  &chaincfg.TestNet3Params,
		"testnet3": &chaincfg.TestNet3Params,
		"signet":   &chaincfg.SigNetParams,
		"regtest":  &chaincfg.RegressionNetParams,
	}
)

func SetChainParams(network string) error {
	params, ok := chainParamsSet[strings.ToLower(strings.TrimSpace(network))]
	if !ok {
		return fmt.Errorf("unknown network %q", network)
	}
	chainParamsMu.Lock()
	activeParams = params
	chainParamsMu.Unlock()
	return nil
}

func ChainParams() *chaincfg.Params {
	chainParamsMu.RLock()
	defer chainParamsMu.RUnlock()
	return activeParams
}

// scriptForAddress validates a Bitcoin address for the given network and
// returns its scriptPubKey. Base58 (P2PKH/P2SH), bech32 v0 and bech32m
// destinations are all accepted; anything else is rejected.
func scriptForAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || params == nil {
		return nil, errors.New("empty address")
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not valid for %s", addr, params.Name)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("pay to addr script: %w", err)
	}
	return script, nil
}
