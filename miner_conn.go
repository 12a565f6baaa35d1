package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"time"
)

func NewMinerConn(ctx context.Context, c net.Conn, jobMgr *JobManager, rpc *RPCClient, cfg Config, notifier *discordNotifier) *MinerConn {
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = defaultConnectionTimeout
	}
	maxRecentJobs := cfg.MaxRecentJobs
	if maxRecentJobs < 2 {
		maxRecentJobs = defaultMaxRecentJobs
	}
	mask := cfg.VersionMask

	en1 := jobMgr.NextExtranonce1()
	mc := &MinerConn{
		ctx:            ctx,
		id:             c.RemoteAddr().String(),
		conn:           c,
		reader:         bufio.NewReaderSize(c, maxStratumMessageSize),
		jobMgr:         jobMgr,
		rpc:            rpc,
		cfg:            cfg,
		extranonce1:    en1,
		extranonce1Hex: hex.EncodeToString(en1),
		jobCh:          jobMgr.Subscribe(),
		poolMask:       mask,
		activeJobs:     make(map[string]*Job, maxRecentJobs),
		staleJobs:      make(map[string]staleJobEntry),
		shareCache:     make(map[string]*duplicateShareSet, maxRecentJobs),
		maxRecentJobs:  maxRecentJobs,
		connectedAt:    now,
		lastActivity:   now,
		notifier:       notifier,
	}

	initialDiff := cfg.DefaultDifficulty
	if initialDiff <= 0 {
		initialDiff = defaultDifficulty
	}
	atomicStoreFloat64(&mc.difficulty, initialDiff)
	mc.shareTarget.Store(targetFromDifficulty(initialDiff))
	return mc
}

func (mc *MinerConn) cleanup() {
	mc.cleanupOnce.Do(func() {
		if mc.jobMgr != nil && mc.jobCh != nil {
			mc.jobMgr.Unsubscribe(mc.jobCh)
		}
		if mc.conn != nil {
			_ = mc.conn.Close()
		}
	})
}

func (mc *MinerConn) Close(reason string) {
	if reason == "" {
		reason = "shutdown"
	}
	logger.Info("closing miner", "remote", mc.id, "reason", reason)
	mc.cleanup()
}

func (mc *MinerConn) active() bool {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.subscribed && mc.authorized
}

func (mc *MinerConn) currentWorker() string {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	return mc.workerName
}

// handle runs the session's read loop until disconnect, protocol abuse, or
// context cancellation.
func (mc *MinerConn) handle() {
	defer mc.cleanup()
	if debugLogging {
		logger.Debug("miner connected", "remote", mc.id, "extranonce1", mc.extranonce1Hex)
	}

	for {
		now := time.Now()
		if mc.ctx.Err() != nil {
			return
		}
		if !mc.active() && now.Sub(mc.connectedAt) > handshakeTimeout {
			logger.Warn("closing miner for handshake timeout", "remote", mc.id)
			mc.writeErrorResponse(nil, errCodeOther, "handshake timeout")
			return
		}
		if now.Sub(mc.lastActivity) > mc.cfg.ConnectionTimeout {
			logger.Warn("closing miner for idle timeout", "remote", mc.id)
			return
		}
		if err := mc.conn.SetReadDeadline(now.Add(mc.readDeadlineInterval())); err != nil {
			return
		}

		line, err := mc.reader.ReadBytes('\n')
		now = time.Now()
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				logger.Warn("closing miner for oversized message", "remote", mc.id, "limit_bytes", maxStratumMessageSize)
				return
			}
			if nErr, ok := err.(net.Error); ok && nErr.Timeout() {
				// Deadline tick: loop back to re-check idle/handshake
				// expiry without treating it as a dead socket.
				continue
			}
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				logger.Error("read error", "remote", mc.id, "error", err)
			}
			return
		}

		// Any bytes from the miner reset the idle clock.
		mc.lastActivity = now
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		var req StratumRequest
		if err := fastJSONUnmarshal(line, &req); err != nil {
			logger.Warn("json error from miner", "remote", mc.id, "error", err)
			mc.writeErrorResponse(nil, errCodeOther, "parse error")
			if mc.noteProtocolViolation() {
				return
			}
			continue
		}

		if !mc.dispatch(&req) {
			return
		}
	}
}

// dispatch routes one request. Returns false when the connection must
// close.
func (mc *MinerConn) dispatch(req *StratumRequest) bool {
	switch req.Method {
	case "mining.subscribe":
		mc.handleSubscribe(req)
	case "mining.authorize":
		mc.handleAuthorize(req)
	case "mining.submit":
		mc.handleSubmit(req)
	case "mining.configure":
		mc.handleConfigure(req)
	case "mining.suggest_difficulty":
		mc.handleSuggestDifficulty(req)
	case "mining.suggest_target":
		mc.handleSuggestTarget(req)
	case "mining.extranonce.subscribe":
		mc.writeTrueResponse(req.ID)
	case "mining.ping":
		mc.writeResponse(StratumResponse{ID: req.ID, Result: "pong", Error: nil})
	case "mining.get_transactions":
		mc.writeResponse(StratumResponse{ID: req.ID, Result: []any{}, Error: nil})
	default:
		logger.Warn("unknown stratum method", "remote", mc.id, "method", req.Method)
		mc.writeErrorResponse(req.ID, errCodeOther, "Unknown method")
		return !mc.noteProtocolViolation()
	}
	mc.resetProtocolViolations()
	return true
}

// readDeadlineInterval keeps read deadlines short enough that handshake
// and idle expiry are noticed promptly.
func (mc *MinerConn) readDeadlineInterval() time.Duration {
	if !mc.active() {
		return 5 * time.Second
	}
	return time.Minute
}

func (mc *MinerConn) noteProtocolViolation() bool {
	mc.stateMu.Lock()
	defer mc.stateMu.Unlock()
	mc.protoViolations++
	if mc.protoViolations >= maxProtocolErrors {
		logger.Warn("closing miner for repeated protocol errors", "remote", mc.id, "count", mc.protoViolations)
		return true
	}
	return false
}

func (mc *MinerConn) resetProtocolViolations() {
	mc.stateMu.Lock()
	mc.protoViolations = 0
	mc.stateMu.Unlock()
}

// listenJobs forwards job-manager broadcasts to this session until the
// subscription channel closes in cleanup.
func (mc *MinerConn) listenJobs() {
	for job := range mc.jobCh {
		mc.sendNotifyFor(job, false)
	}
}

// trackJob records a job so later submits can be matched to it. A clean
// job flushes every prior job into the stale set (grace-window handling);
// otherwise the oldest entries are evicted once the ring is full, always
// retaining at least two.
func (mc *MinerConn) trackJob(job *Job, clean bool) {
	now := time.Now()
	mc.jobMu.Lock()
	defer mc.jobMu.Unlock()

	if clean {
		for id := range mc.activeJobs {
			mc.staleJobs[id] = staleJobEntry{evictedAt: now}
			delete(mc.shareCache, id)
		}
		mc.activeJobs = make(map[string]*Job, mc.maxRecentJobs)
		mc.jobOrder = mc.jobOrder[:0]
	}
	if _, ok := mc.activeJobs[job.JobID]; !ok {
		mc.activeJobs[job.JobID] = job
		mc.jobOrder = append(mc.jobOrder, job.JobID)
	}
	for len(mc.jobOrder) > mc.maxRecentJobs {
		oldest := mc.jobOrder[0]
		mc.jobOrder = mc.jobOrder[1:]
		delete(mc.activeJobs, oldest)
		delete(mc.shareCache, oldest)
	}

	for id, entry := range mc.staleJobs {
		if now.Sub(entry.evictedAt) > staleJobGraceWindow {
			delete(mc.staleJobs, id)
		}
	}
}

type jobLookup int

const (
	jobFound jobLookup = iota
	jobStale
	jobUnknown
)

func (mc *MinerConn) jobForID(id string) (*Job, jobLookup) {
	mc.jobMu.Lock()
	defer mc.jobMu.Unlock()
	if job, ok := mc.activeJobs[id]; ok {
		return job, jobFound
	}
	if entry, ok := mc.staleJobs[id]; ok {
		if time.Since(entry.evictedAt) <= staleJobGraceWindow {
			return nil, jobStale
		}
		delete(mc.staleJobs, id)
	}
	return nil, jobUnknown
}

func (mc *MinerConn) currentDifficulty() float64 {
	return atomicLoadFloat64(&mc.difficulty)
}

func (mc *MinerConn) recordShare(accepted bool, shareDiff float64, now time.Time) {
	mc.statsMu.Lock()
	if accepted {
		mc.stats.Accepted++
		mc.stats.TotalDifficulty += mc.currentDifficulty()
		if shareDiff > mc.stats.BestShareDiff {
			mc.stats.BestShareDiff = shareDiff
		}
	} else {
		mc.stats.Rejected++
	}
	mc.stats.LastShare = now
	mc.statsMu.Unlock()
}

func (mc *MinerConn) recordBlock() {
	mc.statsMu.Lock()
	mc.stats.Blocks++
	mc.statsMu.Unlock()
}

func (mc *MinerConn) snapshotStats() MinerStats {
	mc.statsMu.Lock()
	defer mc.statsMu.Unlock()
	return mc.stats
}
