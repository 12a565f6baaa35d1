package main

import "time"

const (
	proxySoftwareName = "goStratum"

	maxStratumMessageSize = 64 * 1024
	stratumWriteTimeout   = 60 * time.Second

	// defaultVersionMask is the BIP310 mask offered to miners. Consensus
	// mandatory version bits are never part of it.
	defaultVersionMask = uint32(0x1fffe000)

	// Input validation limits for miner-provided fields.
	maxMinerClientIDLen = 256
	maxWorkerNameLen    = 256
	maxJobIDLen         = 128

	maxDuplicateShareKeyBytes = 64
	duplicateShareHistory     = 8192

	// coinbaseExtranonce1Size + coinbaseExtranonce2Size bytes are spliced
	// into the coinbase scriptSig between prefix and suffix.
	coinbaseExtranonce1Size = 4
	coinbaseExtranonce2Size = 4

	// coinbaseScriptSigMaxBytes caps the full scriptSig; the tag is
	// clamped to fit.
	coinbaseScriptSigMaxBytes = 100

	// staleJobGraceWindow is how long submits against jobs flushed by a
	// clean broadcast are answered with the stale code instead of
	// "unknown job".
	staleJobGraceWindow = 5 * time.Second

	// ntimeForwardSlack bounds how far a submitted ntime may run ahead of
	// the template's curtime.
	ntimeForwardSlack = 7200

	// handshakeTimeout is how long a connection may take to reach the
	// subscribed+authorized state before it is dropped.
	handshakeTimeout = 30 * time.Second

	// maxProtocolErrors closes the connection on the Nth consecutive
	// malformed request.
	maxProtocolErrors = 2
)

// Stratum error codes used by v1 pools.
const (
	errCodeOther        = 20
	errCodeStaleJob     = 21
	errCodeDuplicate    = 22
	errCodeInvalid      = 23
	errCodeUnauthorized = 24
	errCodeUnknownJob   = 25
)
