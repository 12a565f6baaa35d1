package main

import (
	"fmt"
	"net/url"
	"strings"
)

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("listen address is required")
	}
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return fmt.Errorf("rpc_url is required")
	}
	if parsed, err := url.Parse(cfg.RPCURL); err != nil {
		return fmt.Errorf("rpc_url parse error: %w", err)
	} else if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("rpc_url %q must use http or https scheme", cfg.RPCURL)
	}
	if strings.TrimSpace(cfg.RPCCookiePath) == "" &&
		(strings.TrimSpace(cfg.RPCUser) == "" || strings.TrimSpace(cfg.RPCPass) == "") {
		return fmt.Errorf("rpc credentials are missing (set rpc_user/rpc_pass or rpc_cookie_path)")
	}
	if strings.TrimSpace(cfg.PayoutAddress) == "" {
		return fmt.Errorf("payout_address is required for coinbase outputs")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Network)) {
	case "mainnet", "testnet", "testnet3", "signet", "regtest":
	default:
		return fmt.Errorf("unknown network %q (want mainnet, testnet, signet, or regtest)", cfg.Network)
	}
	if cfg.Extranonce2Size != coinbaseExtranonce2Size {
		return fmt.Errorf("extranonce2_size is fixed at %d, got %d", coinbaseExtranonce2Size, cfg.Extranonce2Size)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if cfg.DefaultDifficulty <= 0 {
		return fmt.Errorf("default_difficulty must be > 0, got %v", cfg.DefaultDifficulty)
	}
	if cfg.MinDifficulty < 0 {
		return fmt.Errorf("min_difficulty cannot be negative")
	}
	if cfg.MaxRecentJobs < 2 {
		return fmt.Errorf("max_recent_jobs must be >= 2, got %d", cfg.MaxRecentJobs)
	}
	if cfg.ConnectionTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if cfg.MaxConns < 0 {
		return fmt.Errorf("max_conns cannot be negative")
	}
	if (cfg.DiscordBotToken == "") != (cfg.DiscordChannelID == "") {
		return fmt.Errorf("discord bot_token and channel_id must be set together")
	}
	return nil
}
