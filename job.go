package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/remeh/sizedwaitgroup"
)

// GetBlockTemplateResult mirrors the BIP22/23 getblocktemplate fields the
// proxy consumes.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Mintime                  int64            `json:"mintime"`
	Target                   string           `json:"target"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment"`
	Transactions             []GBTTransaction `json:"transactions"`
	Rules                    []string         `json:"rules"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
}

// Job is the immutable unit of work broadcast to sessions. A session may
// keep a reference after the manager moves on; nothing here is mutated
// after publish.
type Job struct {
	JobID          string
	Template       GetBlockTemplateResult
	Target         *big.Int
	CreatedAt      time.Time
	Clean          bool
	Coinbase       coinbaseParts
	MerkleBranches []string
	PrevHashNotify string

	// Pre-decoded header fields, internal byte order.
	prevHashBytes [32]byte
	bitsBytes     [4]byte
}

const jobSubscriberBuffer = 4

type JobManager struct {
	rpc          *RPCClient
	cfg          Config
	payoutScript []byte

	mu     sync.RWMutex
	curJob *Job

	jobSeq  atomic.Uint64
	extraID atomic.Uint32

	subs   map[chan *Job]struct{}
	subsMu sync.Mutex

	lastErrMu      sync.RWMutex
	lastErr        error
	lastErrAt      time.Time
	lastJobSuccess time.Time

	zmqHealthy atomic.Bool

	refreshMu          sync.Mutex
	lastRefreshAttempt time.Time

	notifyQueue chan *Job
	notifyWg    sizedwaitgroup.SizedWaitGroup
}

func NewJobManager(rpc *RPCClient, cfg Config, payoutScript []byte) *JobManager {
	return &JobManager{
		rpc:          rpc,
		cfg:          cfg,
		payoutScript: payoutScript,
		subs:         make(map[chan *Job]struct{}),
		notifyQueue:  make(chan *Job, 100),
	}
}

type JobFeedStatus struct {
	Ready       bool
	LastSuccess time.Time
	LastError   error
	LastErrorAt time.Time
	ZMQHealthy  bool
}

func (jm *JobManager) FeedStatus() JobFeedStatus {
	jm.lastErrMu.RLock()
	lastErr := jm.lastErr
	lastErrAt := jm.lastErrAt
	lastSuccess := jm.lastJobSuccess
	jm.lastErrMu.RUnlock()

	jm.mu.RLock()
	cur := jm.curJob
	jm.mu.RUnlock()

	if lastSuccess.IsZero() && cur != nil {
		lastSuccess = cur.CreatedAt
	}
	return JobFeedStatus{
		Ready:       cur != nil,
		LastSuccess: lastSuccess,
		LastError:   lastErr,
		LastErrorAt: lastErrAt,
		ZMQHealthy:  jm.zmqHealthy.Load(),
	}
}

func (jm *JobManager) recordJobError(err error) {
	if err == nil {
		return
	}
	jm.lastErrMu.Lock()
	jm.lastErr = err
	jm.lastErrAt = time.Now()
	jm.lastErrMu.Unlock()
}

func (jm *JobManager) recordJobSuccess(at time.Time) {
	jm.lastErrMu.Lock()
	jm.lastErr = nil
	jm.lastErrAt = time.Time{}
	jm.lastJobSuccess = at
	jm.lastErrMu.Unlock()
}

func (jm *JobManager) Start(ctx context.Context) {
	workers := runtime.NumCPU()
	jm.notifyWg = sizedwaitgroup.New(workers)
	for i := 0; i < workers; i++ {
		jm.notifyWg.Add()
		go jm.notificationWorker(ctx, i)
	}

	if err := jm.refreshJobCtx(ctx, false); err != nil {
		logger.Error("initial job refresh error", "error", err)
	}

	go jm.pollLoop(ctx)
	if jm.cfg.ZMQBlockAddr != "" {
		go jm.zmqBlockLoop(ctx)
	}
}

// pollLoop periodically re-fetches the template. Change detection inside
// refreshJobCtx keeps identical templates from producing new jobs.
func (jm *JobManager) pollLoop(ctx context.Context) {
	interval := jm.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := jm.refreshJobCtx(ctx, false); err != nil {
				logger.Error("job refresh error", "error", err)
			}
		}
	}
}

// ForceRefresh re-fetches the template immediately; used after a block is
// accepted by the node and on ZMQ tip notifications.
func (jm *JobManager) ForceRefresh(ctx context.Context) error {
	return jm.refreshJobCtx(ctx, true)
}

func (jm *JobManager) refreshJobCtx(ctx context.Context, force bool) error {
	jm.refreshMu.Lock()
	if !force && time.Since(jm.lastRefreshAttempt) < 100*time.Millisecond {
		jm.refreshMu.Unlock()
		return nil
	}
	jm.lastRefreshAttempt = time.Now()
	jm.refreshMu.Unlock()

	tpl, err := jm.rpc.GetBlockTemplate(ctx)
	if err != nil {
		jm.recordJobError(err)
		return err
	}
	return jm.refreshFromTemplate(tpl, force)
}

func (jm *JobManager) refreshFromTemplate(tpl GetBlockTemplateResult, force bool) error {
	changed, clean := jm.templateChanged(tpl)
	if !changed && !force {
		// Same tip and transaction set: keep the published job.
		jm.recordJobSuccess(time.Now())
		return nil
	}

	job, err := jm.buildJob(tpl)
	if err != nil {
		jm.recordJobError(err)
		return err
	}
	job.Clean = clean

	jm.mu.Lock()
	jm.curJob = job
	jm.mu.Unlock()

	jm.recordJobSuccess(job.CreatedAt)
	logger.Info("new job",
		"job_id", job.JobID,
		"height", tpl.Height,
		"bits", tpl.Bits,
		"txs", len(tpl.Transactions),
		"clean", clean,
	)
	jm.broadcastJob(job)
	return nil
}

// templateChanged reports whether tpl differs from the current job's
// template and whether the difference invalidates prior work. A new
// previous hash (or height) means clean; a changed transaction set alone
// does not.
func (jm *JobManager) templateChanged(tpl GetBlockTemplateResult) (changed bool, clean bool) {
	jm.mu.RLock()
	cur := jm.curJob
	jm.mu.RUnlock()

	if cur == nil {
		return true, true
	}
	prev := cur.Template
	if tpl.Previous != prev.Previous || tpl.Height != prev.Height || tpl.Bits != prev.Bits {
		return true, true
	}
	if len(tpl.Transactions) != len(prev.Transactions) {
		return true, false
	}
	for i, tx := range tpl.Transactions {
		if tx.Txid != prev.Transactions[i].Txid {
			return true, false
		}
	}
	return false, false
}

func (jm *JobManager) buildJob(tpl GetBlockTemplateResult) (*Job, error) {
	if len(jm.payoutScript) == 0 {
		return nil, fmt.Errorf("payout script not configured")
	}
	if tpl.CurTime <= 0 {
		return nil, fmt.Errorf("template curtime invalid: %d", tpl.CurTime)
	}

	target, err := validateBits(tpl.Bits, tpl.Target)
	if err != nil {
		return nil, err
	}

	var prevBytes [32]byte
	if len(tpl.Previous) != 64 {
		return nil, fmt.Errorf("previousblockhash hex must be 64 chars")
	}
	prevDisplay, err := hex.DecodeString(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("decode previousblockhash: %w", err)
	}
	copy(prevBytes[:], reverseBytes(prevDisplay))

	var bitsBytes [4]byte
	bitsRaw, err := hex.DecodeString(tpl.Bits)
	if err != nil || len(bitsRaw) != 4 {
		return nil, fmt.Errorf("decode bits %q", tpl.Bits)
	}
	copy(bitsBytes[:], reverseBytes(bitsRaw))

	var commitScript []byte
	if tpl.DefaultWitnessCommitment != "" {
		commitScript, err = hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, fmt.Errorf("decode witness commitment: %w", err)
		}
	}

	txids, err := templateTxids(tpl.Transactions)
	if err != nil {
		return nil, err
	}
	branches := buildMerkleBranches(txids)

	coinbase, err := buildCoinbaseParts(tpl.Height, jm.payoutScript, tpl.CoinbaseValue, commitScript, jm.cfg.CoinbaseTag)
	if err != nil {
		return nil, fmt.Errorf("coinbase: %w", err)
	}

	prevNotify, err := stratumPrevHashHex(tpl.Previous)
	if err != nil {
		return nil, err
	}

	return &Job{
		JobID:          strconv.FormatUint(jm.jobSeq.Add(1), 16),
		Template:       tpl,
		Target:         target,
		CreatedAt:      time.Now(),
		Coinbase:       coinbase,
		MerkleBranches: branches,
		PrevHashNotify: prevNotify,
		prevHashBytes:  prevBytes,
		bitsBytes:      bitsBytes,
	}, nil
}

// templateTxids converts GBT txid strings (RPC display order) into
// internal byte order for the Merkle tree.
func templateTxids(txs []GBTTransaction) ([][]byte, error) {
	txids := make([][]byte, len(txs))
	for i, tx := range txs {
		id := tx.Txid
		if id == "" {
			id = tx.Hash
		}
		if len(id) != chainhash.MaxHashStringSize {
			return nil, fmt.Errorf("tx %d txid must be %d hex chars, got %d", i, chainhash.MaxHashStringSize, len(id))
		}
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return nil, fmt.Errorf("tx %d txid: %w", i, err)
		}
		if tx.Data == "" {
			return nil, fmt.Errorf("tx %d data empty", i)
		}
		txids[i] = h.CloneBytes()
	}
	return txids, nil
}

func validateBits(bitsStr, targetStr string) (*big.Int, error) {
	if len(bitsStr) != 8 {
		return nil, fmt.Errorf("bits must be 8 hex characters, got %d", len(bitsStr))
	}
	target, err := targetFromBits(bitsStr)
	if err != nil {
		return nil, err
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("bits produced non-positive target")
	}
	if targetStr == "" {
		return target, nil
	}
	tplTarget, ok := new(big.Int).SetString(targetStr, 16)
	if !ok || tplTarget.Sign() <= 0 {
		return nil, fmt.Errorf("invalid template target %s", targetStr)
	}
	if tplTarget.Cmp(target) != 0 {
		return nil, fmt.Errorf("bits target %s mismatches template target %s", target.Text(16), tplTarget.Text(16))
	}
	return target, nil
}

func (jm *JobManager) CurrentJob() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.curJob
}

// NextExtranonce1 hands out a process-unique 4-byte extranonce1. Values
// are never reused while the proxy runs, which keeps concurrent sessions
// pairwise disjoint.
func (jm *JobManager) NextExtranonce1() []byte {
	id := jm.extraID.Add(1)
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return buf[:]
}

func (jm *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, jobSubscriberBuffer)
	jm.subsMu.Lock()
	jm.subs[ch] = struct{}{}
	jm.subsMu.Unlock()
	return ch
}

func (jm *JobManager) Unsubscribe(ch chan *Job) {
	jm.subsMu.Lock()
	delete(jm.subs, ch)
	close(ch)
	jm.subsMu.Unlock()
}

func (jm *JobManager) SessionCount() int {
	jm.subsMu.Lock()
	defer jm.subsMu.Unlock()
	return len(jm.subs)
}

func (jm *JobManager) broadcastJob(job *Job) {
	select {
	case jm.notifyQueue <- job:
	default:
		logger.Warn("notification queue full, broadcasting synchronously")
		jm.fanOut(job, -1)
	}
}

func (jm *JobManager) notificationWorker(ctx context.Context, workerID int) {
	defer jm.notifyWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jm.notifyQueue:
			if !ok {
				return
			}
			jm.fanOut(job, workerID)
		}
	}
}

func (jm *JobManager) fanOut(job *Job, workerID int) {
	jm.subsMu.Lock()
	blocked := 0
	subscribers := len(jm.subs)
	for ch := range jm.subs {
		select {
		case ch <- job:
		default:
			blocked++
		}
	}
	jm.subsMu.Unlock()
	if blocked > 0 {
		logger.Warn("job broadcast blocked; dropping update",
			"worker", workerID, "subscribers", subscribers, "blocked", blocked)
	}
}
