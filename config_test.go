package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaultsAndEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "127.0.0.1:4444")
	t.Setenv("RPC_URL", "http://10.0.0.5:8332")
	t.Setenv("RPC_USER", "alice")
	t.Setenv("RPC_PASS", "hunter2")
	t.Setenv("PAYOUT_ADDRESS", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	t.Setenv("TESTNET", "1")
	t.Setenv("POLL_INTERVAL_SECONDS", "15")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:4444" {
		t.Errorf("ListenAddr = %s", cfg.ListenAddr)
	}
	if cfg.RPCURL != "http://10.0.0.5:8332" || cfg.RPCUser != "alice" || cfg.RPCPass != "hunter2" {
		t.Errorf("rpc settings not applied: %+v", cfg)
	}
	if cfg.Network != "testnet" {
		t.Errorf("TESTNET=1 must select testnet, got %s", cfg.Network)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollInterval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
	if err := validateConfig(cfg); err != nil {
		t.Errorf("config from env must validate: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	content := `
log_level = "warn"

[server]
listen = "0.0.0.0:3335"
status_listen = "127.0.0.1:8080"

[node]
rpc_url = "http://127.0.0.1:18443"
rpc_user = "rt"
rpc_pass = "rt"
network = "regtest"

[mining]
payout_address = "bcrt1qexample"
coinbase_tag = "mytag"
poll_interval_seconds = 5
default_difficulty = 0.25
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig error: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:3335" || cfg.StatusAddr != "127.0.0.1:8080" {
		t.Errorf("server section not applied: %+v", cfg)
	}
	if cfg.Network != "regtest" || cfg.RPCURL != "http://127.0.0.1:18443" {
		t.Errorf("node section not applied: %+v", cfg)
	}
	if cfg.CoinbaseTag != "/mytag/" {
		t.Errorf("coinbase tag must be normalized with slashes, got %q", cfg.CoinbaseTag)
	}
	if cfg.PollInterval != 5*time.Second || cfg.DefaultDifficulty != 0.25 {
		t.Errorf("mining section not applied: %+v", cfg)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestLoadConfigMissingFileIsNotAnError(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml")); err != nil {
		t.Fatalf("missing config file must fall back to defaults: %v", err)
	}
}

func TestValidateConfigErrors(t *testing.T) {
	base := func() Config {
		cfg := defaultConfig()
		cfg.RPCUser = "u"
		cfg.RPCPass = "p"
		cfg.PayoutAddress = "addr"
		return cfg
	}

	cfg := base()
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("base config must validate: %v", err)
	}

	cfg = base()
	cfg.PayoutAddress = ""
	if err := validateConfig(cfg); err == nil {
		t.Errorf("missing payout address must fail")
	}

	cfg = base()
	cfg.RPCURL = "ftp://example"
	if err := validateConfig(cfg); err == nil {
		t.Errorf("non-http rpc_url must fail")
	}

	cfg = base()
	cfg.RPCUser, cfg.RPCPass, cfg.RPCCookiePath = "", "", ""
	if err := validateConfig(cfg); err == nil {
		t.Errorf("missing credentials must fail")
	}

	cfg = base()
	cfg.Network = "moonnet"
	if err := validateConfig(cfg); err == nil {
		t.Errorf("unknown network must fail")
	}

	cfg = base()
	cfg.DefaultDifficulty = 0
	if err := validateConfig(cfg); err == nil {
		t.Errorf("zero default difficulty must fail")
	}

	cfg = base()
	cfg.DiscordBotToken = "token"
	if err := validateConfig(cfg); err == nil {
		t.Errorf("discord token without channel must fail")
	}
}

func TestSanitizeCoinbaseTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "/" + proxySoftwareName + "/"},
		{"tag", "/tag/"},
		{"/tag/", "/tag/"},
		{"  spaced  ", "/spaced/"},
		{"bad\x01bytes", "/badbytes/"},
	}
	for _, tt := range tests {
		if got := sanitizeCoinbaseTag(tt.in); got != tt.want {
			t.Errorf("sanitizeCoinbaseTag(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
