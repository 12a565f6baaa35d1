package main

import (
	"context"
	"encoding/hex"
	"math/big"
	"time"
)

type submitParams struct {
	worker      string
	jobID       string
	extranonce2 string
	ntime       string
	nonce       string
	versionHex  string
}

// parseSubmitParams extracts and shape-checks the mining.submit fields.
// It writes the rejection itself and returns ok=false when a response has
// already been sent.
func (mc *MinerConn) parseSubmitParams(req *StratumRequest, now time.Time) (submitParams, bool) {
	var out submitParams

	reject := func(msg string) (submitParams, bool) {
		mc.recordShare(false, 0, now)
		mc.writeErrorResponse(req.ID, errCodeInvalid, msg)
		return out, false
	}

	if len(req.Params) < 5 || len(req.Params) > 6 {
		return reject("Invalid submit")
	}
	fields := make([]string, 0, 6)
	for i, p := range req.Params {
		s, ok := p.(string)
		if !ok {
			return reject("Invalid submit")
		}
		if i == 0 && len(s) > maxWorkerNameLen {
			return reject("Worker name too long")
		}
		if i == 1 && (s == "" || len(s) > maxJobIDLen) {
			return reject("Invalid job id")
		}
		fields = append(fields, s)
	}

	out.worker = fields[0]
	out.jobID = fields[1]
	out.extranonce2 = fields[2]
	out.ntime = fields[3]
	out.nonce = fields[4]
	if len(fields) == 6 {
		out.versionHex = fields[5]
	}
	return out, true
}

// handleSubmit runs the share validation pipeline: session state, job
// lookup, field checks, version-rolling policy, duplicate detection,
// coinbase/merkle/header reconstruction, then target classification.
func (mc *MinerConn) handleSubmit(req *StratumRequest) {
	now := time.Now()

	if !mc.active() {
		mc.recordShare(false, 0, now)
		mc.writeErrorResponse(req.ID, errCodeUnauthorized, "Unauthorized worker")
		return
	}

	params, ok := mc.parseSubmitParams(req, now)
	if !ok {
		return
	}

	job, lookup := mc.jobForID(params.jobID)
	switch lookup {
	case jobStale:
		mc.recordShare(false, 0, now)
		mc.writeErrorResponse(req.ID, errCodeStaleJob, "Job not found")
		return
	case jobUnknown:
		mc.recordShare(false, 0, now)
		mc.writeErrorResponse(req.ID, errCodeUnknownJob, "Unknown job")
		return
	}

	if len(params.extranonce2) != mc.cfg.Extranonce2Size*2 {
		mc.rejectInvalid(req.ID, "Invalid extranonce2", now)
		return
	}
	en2, err := hex.DecodeString(params.extranonce2)
	if err != nil {
		mc.rejectInvalid(req.ID, "Invalid extranonce2", now)
		return
	}

	ntimeVal, err := parseUint32BEHex(params.ntime)
	if err != nil {
		mc.rejectInvalid(req.ID, "Invalid ntime", now)
		return
	}
	minNTime := job.Template.Mintime
	if minNTime <= 0 {
		minNTime = job.Template.CurTime
	}
	maxNTime := job.Template.CurTime + ntimeForwardSlack
	if int64(ntimeVal) < minNTime || int64(ntimeVal) > maxNTime {
		mc.rejectInvalid(req.ID, "Ntime out of range", now)
		return
	}

	nonceVal, err := parseUint32BEHex(params.nonce)
	if err != nil {
		mc.rejectInvalid(req.ID, "Invalid nonce", now)
		return
	}

	baseVersion := uint32(job.Template.Version)
	useVersion := baseVersion
	versionBits := uint32(0)
	if params.versionHex != "" {
		versionBits, err = parseUint32BEHex(params.versionHex)
		if err != nil {
			mc.rejectInvalid(req.ID, "Invalid version bits", now)
			return
		}
		mask, negotiated := mc.negotiatedVersionMask()
		if versionBits != 0 && !negotiated {
			mc.rejectInvalid(req.ID, "Version rolling not negotiated", now)
			return
		}
		if versionBits&^mask != 0 {
			mc.rejectInvalid(req.ID, "Version bits outside mask", now)
			return
		}
		useVersion = (baseVersion &^ mask) | (versionBits & mask)
	}

	if mc.isDuplicateShare(params.jobID, params.extranonce2, params.ntime, params.nonce, versionBits) {
		mc.recordShare(false, 0, now)
		mc.writeErrorResponse(req.ID, errCodeDuplicate, "Duplicate share")
		return
	}

	coinbase, err := job.Coinbase.serialize(mc.extranonce1, en2)
	if err != nil {
		mc.rejectInvalid(req.ID, "Invalid coinbase", now)
		return
	}
	coinbaseTxid := doubleSHA256(coinbase)
	merkleRoot := computeMerkleRootFromBranches(coinbaseTxid, job.MerkleBranches)
	header, err := job.buildBlockHeader(merkleRoot, ntimeVal, nonceVal, int32(useVersion))
	if err != nil {
		mc.rejectInvalid(req.ID, "Invalid header", now)
		return
	}

	headerHash := doubleSHA256Array(header)
	hashNum := new(big.Int).SetBytes(reverseBytes(headerHash[:]))
	hashHex := hex.EncodeToString(reverseBytes(headerHash[:]))
	shareDiff := difficultyFromHashLE(headerHash[:])

	shareTarget := mc.shareTarget.Load()
	if shareTarget == nil {
		shareTarget = targetFromDifficulty(mc.currentDifficulty())
	}
	if hashNum.Cmp(shareTarget) > 0 {
		if debugLogging {
			logger.Debug("share above target",
				"remote", mc.id,
				"share_diff", shareDiff,
				"required_diff", mc.currentDifficulty(),
				"hash", hashHex,
			)
		}
		mc.recordShare(false, shareDiff, now)
		mc.writeErrorResponse(req.ID, errCodeInvalid, "High-hash")
		return
	}

	mc.recordShare(true, shareDiff, now)

	if hashNum.Cmp(job.Target) <= 0 {
		mc.submitBlock(job, params.worker, en2, header, hashHex, shareDiff)
	}

	if logger.Enabled(logLevelInfo) {
		stats := mc.snapshotStats()
		logger.Info("share accepted",
			"worker", mc.currentWorker(),
			"difficulty", shareDiff,
			"hash", hashHex,
			"accepted_total", stats.Accepted,
			"rejected_total", stats.Rejected,
		)
	}
	mc.writeTrueResponse(req.ID)
}

func (mc *MinerConn) rejectInvalid(id any, msg string, now time.Time) {
	mc.recordShare(false, 0, now)
	mc.writeErrorResponse(id, errCodeInvalid, msg)
}

// submitBlock assembles and submits a network-target share as a full
// block. The share was valid work either way, so submission failures are
// logged loudly but never turn into a miner-facing rejection. A node
// acceptance forces an immediate template refresh.
func (mc *MinerConn) submitBlock(job *Job, worker string, en2 []byte, header []byte, hashHex string, shareDiff float64) {
	blockHex, err := job.assembleBlockHex(header, mc.extranonce1, en2)
	if err != nil {
		logger.Error("block assembly error", "remote", mc.id, "height", job.Template.Height, "error", err)
		return
	}

	// Detached from the session context: a disconnecting miner must not
	// cancel an in-flight block submission.
	ctx, cancel := context.WithTimeout(context.Background(), mc.cfg.RPCTimeout)
	defer cancel()

	accepted, reason, err := mc.rpc.SubmitBlock(ctx, blockHex)
	switch {
	case err != nil:
		logger.Error("submitblock error",
			"height", job.Template.Height,
			"hash", hashHex,
			"error", err,
		)
	case !accepted:
		logger.Error("block rejected by node",
			"height", job.Template.Height,
			"hash", hashHex,
			"reason", reason,
		)
	default:
		mc.recordBlock()
		logger.Info("block found",
			"worker", mc.currentWorker(),
			"height", job.Template.Height,
			"hash", hashHex,
			"share_diff", shareDiff,
		)
		if mc.notifier != nil {
			mc.notifier.enqueueBlockNotice(job.Template.Height, hashHex, worker)
		}
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), mc.cfg.RPCTimeout)
			defer cancel()
			if err := mc.jobMgr.ForceRefresh(refreshCtx); err != nil {
				logger.Error("refresh after block error", "error", err)
			}
		}()
	}
}
