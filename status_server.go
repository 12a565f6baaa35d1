package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hako/durafmt"
)

// StatusServer serves a small operator-facing JSON surface: /status for
// humans poking with curl and /healthz for supervisors.
type StatusServer struct {
	jobMgr    *JobManager
	rpc       *RPCClient
	cfg       Config
	startTime time.Time
}

type statusPayload struct {
	Software       string  `json:"software"`
	Uptime         string  `json:"uptime"`
	Network        string  `json:"network"`
	NodeHealthy    bool    `json:"node_healthy"`
	NodeLastError  string  `json:"node_last_error,omitempty"`
	JobReady       bool    `json:"job_ready"`
	JobID          string  `json:"job_id,omitempty"`
	Height         int64   `json:"height,omitempty"`
	Bits           string  `json:"bits,omitempty"`
	JobAge         string  `json:"job_age,omitempty"`
	Sessions       int     `json:"sessions"`
	ZMQHealthy     bool    `json:"zmq_healthy"`
	SHA256Impl     string  `json:"sha256_implementation"`
	NetworkDiff    float64 `json:"network_difficulty,omitempty"`
	WitnessCommits bool    `json:"segwit_template,omitempty"`
}

func NewStatusServer(jobMgr *JobManager, rpc *RPCClient, cfg Config, startTime time.Time) *StatusServer {
	return &StatusServer{jobMgr: jobMgr, rpc: rpc, cfg: cfg, startTime: startTime}
}

func (s *StatusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	payload := statusPayload{
		Software:    proxySoftwareName,
		Uptime:      durafmt.Parse(now.Sub(s.startTime).Truncate(time.Second)).LimitFirstN(2).String(),
		Network:     s.cfg.Network,
		NodeHealthy: s.rpc.Healthy(),
		Sessions:    s.jobMgr.SessionCount(),
		SHA256Impl:  sha256ImplementationName(),
	}
	if err := s.rpc.LastError(); err != nil {
		payload.NodeLastError = err.Error()
	}
	fs := s.jobMgr.FeedStatus()
	payload.ZMQHealthy = fs.ZMQHealthy
	if job := s.jobMgr.CurrentJob(); job != nil {
		payload.JobReady = true
		payload.JobID = job.JobID
		payload.Height = job.Template.Height
		payload.Bits = job.Template.Bits
		payload.JobAge = durafmt.Parse(now.Sub(job.CreatedAt).Truncate(time.Second)).LimitFirstN(1).String()
		if bits, err := parseHexUint32(job.Template.Bits); err == nil {
			payload.NetworkDiff = difficultyFromBits(bits)
		}
		payload.WitnessCommits = job.Template.DefaultWitnessCommitment != ""
	}

	body, err := fastJSONMarshal(payload)
	if err != nil {
		http.Error(w, "encode error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(append(body, '\n'))
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	health := stratumHealthStatus(s.jobMgr, time.Now())
	if !health.Healthy {
		detail := health.Reason
		if health.Detail != "" {
			detail += ": " + health.Detail
		}
		http.Error(w, detail, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Start runs the status listener until ctx is done. When the status
// address is empty, nothing is started.
func (s *StatusServer) Start(ctx context.Context) {
	if s.cfg.StatusAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/healthz", s.handleHealthz)

	srv := &http.Server{
		Addr:              s.cfg.StatusAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		logger.Info("status server listening", "addr", s.cfg.StatusAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
