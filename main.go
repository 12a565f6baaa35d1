package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

const (
	exitOK          = 0
	exitConfigError = 2
	exitNodeFailure = 3
)

// startupProbeWindow bounds how long startup waits for the node before
// giving up with exit code 3.
const startupProbeWindow = 30 * time.Second

func main() {
	configFlag := flag.String("config", "", "path to config.toml (optional; env vars also apply)")
	networkFlag := flag.String("network", "", "override network: mainnet, testnet, signet, regtest")
	logLevelFlag := flag.String("log-level", "", "override log level (debug/info/warn/error)")
	flag.Parse()

	cfg, err := loadConfig(*configFlag)
	if err != nil {
		fatal(exitConfigError, "config", err)
	}
	if *networkFlag != "" {
		cfg.Network = *networkFlag
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if err := validateConfig(cfg); err != nil {
		fatal(exitConfigError, "config", err)
	}

	level, err := parseLogLevel(cfg.LogLevel)
	if err != nil {
		fatal(exitConfigError, "log level", err)
	}
	setLogLevel(level)

	if err := SetChainParams(cfg.Network); err != nil {
		fatal(exitConfigError, "network", err)
	}

	// Payout script derivation is purely local; a bad address is a config
	// error, not a node failure.
	payoutScript, err := scriptForAddress(cfg.PayoutAddress, ChainParams())
	if err != nil {
		fatal(exitConfigError, "payout address", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting stratum proxy",
		"listen_addr", cfg.ListenAddr,
		"rpc_url", cfg.RPCURL,
		"network", cfg.Network,
	)
	logger.Info("sha256 implementation", "implementation", sha256ImplementationName())

	rpcClient := NewRPCClient(cfg)
	if err := probeNode(ctx, rpcClient); err != nil {
		fatal(exitNodeFailure, "node unreachable at startup", err)
	}

	startTime := time.Now()
	jobMgr := NewJobManager(rpcClient, cfg, payoutScript)
	jobMgr.Start(ctx)

	statusServer := NewStatusServer(jobMgr, rpcClient, cfg, startTime)
	statusServer.Start(ctx)

	notifier := newDiscordNotifier(cfg)
	if notifier != nil {
		if err := notifier.start(ctx, cfg); err != nil {
			logger.Warn("discord notifier start failed", "error", err)
			notifier = nil
		} else {
			defer notifier.close()
		}
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		fatal(exitConfigError, "listen error", err, "addr", cfg.ListenAddr)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown requested; closing stratum listener")
		ln.Close()
	}()

	var connWg sync.WaitGroup
	connMu := sync.Mutex{}
	conns := make(map[*MinerConn]struct{})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error("accept error", "error", err)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		connMu.Lock()
		atCapacity := cfg.MaxConns > 0 && len(conns) >= cfg.MaxConns
		connMu.Unlock()
		if atCapacity {
			logger.Warn("rejecting miner: at capacity", "remote", conn.RemoteAddr().String(), "max_conns", cfg.MaxConns)
			_ = conn.Close()
			continue
		}

		mc := NewMinerConn(ctx, conn, jobMgr, rpcClient, cfg, notifier)
		connMu.Lock()
		conns[mc] = struct{}{}
		connMu.Unlock()

		connWg.Add(1)
		go func(mc *MinerConn) {
			defer connWg.Done()
			defer func() {
				connMu.Lock()
				delete(conns, mc)
				connMu.Unlock()
			}()
			mc.handle()
		}(mc)
	}

	logger.Info("shutdown requested; draining active miners")
	connMu.Lock()
	for mc := range conns {
		mc.Close("shutdown")
	}
	connMu.Unlock()

	done := make(chan struct{})
	go func() {
		connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("timed out waiting for miners to drain")
	}

	logger.Info("shutdown complete", "uptime", time.Since(startTime))
	logger.Stop()
	os.Exit(exitOK)
}

// probeNode verifies the node answers RPC before serving miners. The RPC
// client already retries transient errors with backoff; the outer window
// caps total startup wait.
func probeNode(ctx context.Context, rpc *RPCClient) error {
	probeCtx, cancel := context.WithTimeout(ctx, startupProbeWindow)
	defer cancel()
	hash, err := rpc.GetBestBlockHash(probeCtx)
	if err != nil {
		return err
	}
	logger.Info("connected to node", "tip", hash)
	return nil
}
