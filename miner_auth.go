package main

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// handleSubscribe answers with the subscription tuple, the session's
// extranonce1, and the fixed extranonce2 size.
func (mc *MinerConn) handleSubscribe(req *StratumRequest) {
	clientID := ""
	if len(req.Params) > 0 {
		if id, ok := req.Params[0].(string); ok {
			clientID = strings.TrimSpace(id)
		}
	}
	if len(clientID) > maxMinerClientIDLen {
		mc.writeErrorResponse(req.ID, errCodeOther, "client identifier too long")
		mc.Close("client identifier too long")
		return
	}

	mc.stateMu.Lock()
	already := mc.subscribed
	if !already {
		mc.subscribed = true
		mc.minerClientID = clientID
	}
	mc.stateMu.Unlock()
	if already {
		mc.writeErrorResponse(req.ID, errCodeOther, "already subscribed")
		return
	}

	sid := mc.extranonce1Hex
	mc.writeResponse(StratumResponse{
		ID: req.ID,
		Result: []any{
			[][]any{
				{"mining.set_difficulty", sid},
				{"mining.notify", sid},
			},
			mc.extranonce1Hex,
			mc.cfg.Extranonce2Size,
		},
		Error: nil,
	})

	// authorize-before-subscribe miners reach ACTIVE here instead.
	mc.maybeStartWork()
}

// handleAuthorize records the worker name and acknowledges. Any non-empty
// name within maxWorkerNameLen is accepted; the name is opaque (the
// address-shaped prefix is not enforced).
func (mc *MinerConn) handleAuthorize(req *StratumRequest) {
	worker := ""
	if len(req.Params) > 0 {
		if w, ok := req.Params[0].(string); ok {
			worker = strings.TrimSpace(w)
		}
	}
	if worker == "" {
		mc.writeErrorResponse(req.ID, errCodeOther, "worker name required")
		return
	}
	if len(worker) > maxWorkerNameLen {
		mc.writeErrorResponse(req.ID, errCodeOther, "worker name too long")
		mc.Close("worker name too long")
		return
	}

	mc.stateMu.Lock()
	mc.workerName = worker
	mc.authorized = true
	mc.stateMu.Unlock()

	mc.statsMu.Lock()
	mc.stats.Worker = worker
	mc.stats.WorkerSHA256 = workerNameHash(worker)
	mc.statsMu.Unlock()

	mc.writeTrueResponse(req.ID)
	logger.Info("miner authorized", "remote", mc.id, "worker", worker)
	mc.maybeStartWork()
}

// maybeStartWork transitions the session to ACTIVE once both subscribe
// and authorize have landed: it starts the job listener, pushes the
// session difficulty, and sends the current job with clean_jobs=true. The
// set_difficulty always precedes the first notify.
func (mc *MinerConn) maybeStartWork() {
	mc.stateMu.Lock()
	ready := mc.subscribed && mc.authorized && !mc.listenerOn
	if ready {
		mc.listenerOn = true
	}
	mc.stateMu.Unlock()
	if !ready {
		return
	}

	// Drop any broadcasts buffered before the handshake finished; the
	// current job is sent explicitly below.
	for {
		select {
		case <-mc.jobCh:
		default:
			goto drained
		}
	}
drained:
	go mc.listenJobs()

	mc.sendSetDifficulty(mc.currentDifficulty())
	if job := mc.jobMgr.CurrentJob(); job != nil {
		mc.sendNotifyFor(job, true)
	} else {
		status := mc.jobMgr.FeedStatus()
		fields := []any{"remote", mc.id}
		if status.LastError != nil {
			fields = append(fields, "job_error", status.LastError.Error())
		}
		logger.Warn("miner active but no job ready", fields...)
	}
}

func (mc *MinerConn) setDifficulty(diff float64) {
	if diff <= 0 {
		return
	}
	atomicStoreFloat64(&mc.difficulty, diff)
	mc.shareTarget.Store(targetFromDifficulty(diff))
}

func (mc *MinerConn) sendSetDifficulty(diff float64) {
	if err := mc.writeJSON(StratumMessage{
		ID:     nil,
		Method: "mining.set_difficulty",
		Params: []any{diff},
	}); err != nil {
		logger.Error("set_difficulty write error", "remote", mc.id, "error", err)
	}
}

// handleSuggestDifficulty pins the session difficulty to the larger of
// the suggestion and the configured floor, then notifies the miner.
func (mc *MinerConn) handleSuggestDifficulty(req *StratumRequest) {
	if len(req.Params) == 0 {
		mc.writeTrueResponse(req.ID)
		return
	}
	diff, ok := parseSuggestedDifficulty(req.Params[0])
	if !ok || diff < 0 {
		mc.writeErrorResponse(req.ID, errCodeOther, "invalid params")
		return
	}
	mc.writeTrueResponse(req.ID)
	if diff == 0 {
		return
	}
	mc.applySuggestedDifficulty(diff)
}

// handleSuggestTarget converts a suggested target into the equivalent
// difficulty suggestion.
func (mc *MinerConn) handleSuggestTarget(req *StratumRequest) {
	if len(req.Params) == 0 {
		mc.writeTrueResponse(req.ID)
		return
	}
	targetHex, ok := req.Params[0].(string)
	if !ok || strings.TrimSpace(targetHex) == "" {
		mc.writeTrueResponse(req.ID)
		return
	}
	diff, ok := difficultyFromTargetHex(targetHex)
	if !ok {
		mc.writeErrorResponse(req.ID, errCodeOther, "invalid target")
		return
	}
	mc.writeTrueResponse(req.ID)
	if diff > 0 {
		mc.applySuggestedDifficulty(diff)
	}
}

func (mc *MinerConn) applySuggestedDifficulty(diff float64) {
	if floor := mc.cfg.MinDifficulty; floor > 0 && diff < floor {
		diff = floor
	}
	mc.setDifficulty(diff)
	mc.sendSetDifficulty(diff)
	if mc.active() {
		if job := mc.jobMgr.CurrentJob(); job != nil {
			mc.sendNotifyFor(job, true)
		}
	}
}

func parseSuggestedDifficulty(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

func difficultyFromTargetHex(targetHex string) (float64, bool) {
	targetHex = strings.TrimPrefix(strings.TrimPrefix(targetHex, "0x"), "0X")
	target, ok := new(big.Int).SetString(targetHex, 16)
	if !ok || target.Sign() <= 0 {
		return 0, false
	}
	diff1 := new(big.Float).SetInt(diff1Target)
	tgt := new(big.Float).SetInt(target)
	diff, _ := new(big.Float).Quo(diff1, tgt).Float64()
	if diff <= 0 || math.IsInf(diff, 0) || math.IsNaN(diff) {
		return 0, false
	}
	return diff, true
}

// handleConfigure negotiates BIP310-style extensions. Supported:
// version-rolling (mask intersected with the pool mask) and
// minimum-difficulty. Everything else is answered false.
func (mc *MinerConn) handleConfigure(req *StratumRequest) {
	if len(req.Params) == 0 {
		mc.writeErrorResponse(req.ID, errCodeOther, "invalid params")
		return
	}
	exts, ok := req.Params[0].([]any)
	if !ok {
		mc.writeErrorResponse(req.ID, errCodeOther, "invalid params")
		return
	}
	var opts map[string]any
	if len(req.Params) > 1 {
		opts, _ = req.Params[1].(map[string]any)
	}

	result := make(map[string]any)
	for _, extRaw := range exts {
		name, ok := extRaw.(string)
		if !ok {
			continue
		}
		switch strings.TrimSpace(name) {
		case "version-rolling":
			if mc.poolMask == 0 {
				result["version-rolling"] = false
				break
			}
			requestMask := mc.poolMask
			if opts != nil {
				if raw, ok := opts["version-rolling.mask"]; ok {
					if parsed, ok := parseMaskValue(raw); ok {
						requestMask = parsed
					}
				}
			}
			mask := requestMask & mc.poolMask
			if mask == 0 {
				result["version-rolling"] = false
				break
			}
			mc.stateMu.Lock()
			mc.versionRoll = true
			mc.versionMask = mask
			mc.stateMu.Unlock()
			result["version-rolling"] = true
			result["version-rolling.mask"] = fmt.Sprintf("%08x", mask)
		case "minimum-difficulty":
			result["minimum-difficulty"] = true
			if opts != nil {
				if raw, ok := opts["minimum-difficulty.value"]; ok {
					if minDiff, ok := parseSuggestedDifficulty(raw); ok && minDiff > 0 {
						if minDiff > mc.currentDifficulty() {
							mc.setDifficulty(minDiff)
						}
					}
				}
			}
		default:
			result[name] = false
		}
	}
	mc.writeResponse(StratumResponse{ID: req.ID, Result: result, Error: nil})
}

func parseMaskValue(value any) (uint32, bool) {
	switch v := value.(type) {
	case string:
		mask, err := parseHexUint32(v)
		if err != nil {
			return 0, false
		}
		return mask, true
	case float64:
		if v < 0 || v > math.MaxUint32 {
			return 0, false
		}
		return uint32(v), true
	default:
		return 0, false
	}
}

func (mc *MinerConn) negotiatedVersionMask() (uint32, bool) {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.versionMask, mc.versionRoll
}

// sendNotifyFor pushes one job to the miner. Parameters follow the
// Stratum v1 notify shape: job_id, prevhash (swapped-word hex), coinb1,
// coinb2, merkle branch, version, nbits, ntime, clean_jobs.
func (mc *MinerConn) sendNotifyFor(job *Job, forceClean bool) {
	if !mc.active() {
		return
	}

	clean := forceClean || job.Clean
	mc.trackJob(job, clean)

	params := []any{
		job.JobID,
		job.PrevHashNotify,
		hexEncode(job.Coinbase.Prefix),
		hexEncode(job.Coinbase.Suffix),
		job.MerkleBranches,
		int32ToBEHex(job.Template.Version),
		job.Template.Bits,
		uint32ToBEHex(uint32(job.Template.CurTime)),
		clean,
	}

	if err := mc.writeJSON(StratumMessage{
		ID:     nil,
		Method: "mining.notify",
		Params: params,
	}); err != nil {
		logger.Error("notify write error", "remote", mc.id, "error", err)
	}
}
