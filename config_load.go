package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

// loadConfig builds the effective configuration from defaults, an optional
// TOML file, and environment variable overrides (env wins).
func loadConfig(configPath string) (Config, error) {
	cfg := defaultConfig()

	if configPath != "" {
		fc, ok, err := loadConfigFile(configPath)
		if err != nil {
			return Config{}, err
		}
		if ok {
			applyFileConfig(&cfg, *fc)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	cfg.PayoutAddress = strings.TrimSpace(cfg.PayoutAddress)
	cfg.CoinbaseTag = sanitizeCoinbaseTag(cfg.CoinbaseTag)
	return cfg, nil
}

func loadConfigFile(path string) (*fileConfig, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &fc, true, nil
}

func applyFileConfig(cfg *Config, fc fileConfig) {
	if fc.Server.Listen != "" {
		cfg.ListenAddr = fc.Server.Listen
	}
	if fc.Server.StatusListen != "" {
		cfg.StatusAddr = fc.Server.StatusListen
	}
	if fc.Node.RPCURL != "" {
		cfg.RPCURL = fc.Node.RPCURL
	}
	if fc.Node.RPCUser != "" {
		cfg.RPCUser = fc.Node.RPCUser
	}
	if fc.Node.RPCPass != "" {
		cfg.RPCPass = fc.Node.RPCPass
	}
	if fc.Node.RPCCookiePath != "" {
		cfg.RPCCookiePath = fc.Node.RPCCookiePath
	}
	if fc.Node.RPCTimeoutSecs > 0 {
		cfg.RPCTimeout = time.Duration(fc.Node.RPCTimeoutSecs) * time.Second
	}
	if fc.Node.ZMQBlockAddr != "" {
		cfg.ZMQBlockAddr = fc.Node.ZMQBlockAddr
	}
	if fc.Node.Network != "" {
		cfg.Network = fc.Node.Network
	}
	if fc.Mining.PayoutAddress != "" {
		cfg.PayoutAddress = fc.Mining.PayoutAddress
	}
	if fc.Mining.CoinbaseTag != "" {
		cfg.CoinbaseTag = fc.Mining.CoinbaseTag
	}
	if fc.Mining.PollIntervalSecs > 0 {
		cfg.PollInterval = time.Duration(fc.Mining.PollIntervalSecs) * time.Second
	}
	if fc.Mining.DefaultDifficulty > 0 {
		cfg.DefaultDifficulty = fc.Mining.DefaultDifficulty
	}
	if fc.Mining.MinDifficulty > 0 {
		cfg.MinDifficulty = fc.Mining.MinDifficulty
	}
	if fc.Mining.VersionMask != "" {
		if mask, err := parseHexUint32(fc.Mining.VersionMask); err == nil {
			cfg.VersionMask = mask
		}
	}
	if fc.Mining.MaxRecentJobs > 0 {
		cfg.MaxRecentJobs = fc.Mining.MaxRecentJobs
	}
	if fc.Mining.IdleTimeoutSecs > 0 {
		cfg.ConnectionTimeout = time.Duration(fc.Mining.IdleTimeoutSecs) * time.Second
	}
	if fc.Mining.MaxConns > 0 {
		cfg.MaxConns = fc.Mining.MaxConns
	}
	if fc.Discord.BotToken != "" {
		cfg.DiscordBotToken = fc.Discord.BotToken
	}
	if fc.Discord.ChannelID != "" {
		cfg.DiscordChannelID = fc.Discord.ChannelID
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
}

func applyEnvOverrides(cfg *Config) error {
	setStr := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setStr("LISTEN_ADDR", &cfg.ListenAddr)
	setStr("STATUS_ADDR", &cfg.StatusAddr)
	setStr("RPC_URL", &cfg.RPCURL)
	setStr("RPC_USER", &cfg.RPCUser)
	setStr("RPC_PASS", &cfg.RPCPass)
	setStr("RPC_COOKIE_PATH", &cfg.RPCCookiePath)
	setStr("ZMQ_BLOCK_ADDR", &cfg.ZMQBlockAddr)
	setStr("NETWORK", &cfg.Network)
	setStr("PAYOUT_ADDRESS", &cfg.PayoutAddress)
	setStr("COINBASE_TAG", &cfg.CoinbaseTag)
	setStr("DISCORD_BOT_TOKEN", &cfg.DiscordBotToken)
	setStr("DISCORD_CHANNEL_ID", &cfg.DiscordChannelID)
	setStr("LOG_LEVEL", &cfg.LogLevel)

	if v, ok := os.LookupEnv("TESTNET"); ok {
		on, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("TESTNET: %w", err)
		}
		if on {
			cfg.Network = "testnet"
		}
	}
	if v, ok := os.LookupEnv("POLL_INTERVAL_SECONDS"); ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs <= 0 {
			return fmt.Errorf("POLL_INTERVAL_SECONDS: invalid value %q", v)
		}
		cfg.PollInterval = time.Duration(secs) * time.Second
	}
	if v, ok := os.LookupEnv("DEFAULT_DIFFICULTY"); ok {
		d, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || d <= 0 {
			return fmt.Errorf("DEFAULT_DIFFICULTY: invalid value %q", v)
		}
		cfg.DefaultDifficulty = d
	}
	return nil
}

func parseHexUint32(s string) (uint32, error) {
	s = strings.TrimPrefix(strings.TrimSpace(strings.ToLower(s)), "0x")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// sanitizeCoinbaseTag keeps only printable ASCII so the tag stays within
// standard coinbase scriptSig expectations. Length clamping against the
// scriptSig budget happens at job build time.
func sanitizeCoinbaseTag(tag string) string {
	tag = strings.TrimSpace(tag)
	var buf []byte
	for i := 0; i < len(tag); i++ {
		b := tag[i]
		if b >= 0x20 && b <= 0x7e {
			buf = append(buf, b)
		}
	}
	if len(buf) == 0 {
		return "/" + proxySoftwareName + "/"
	}
	out := string(buf)
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	if !strings.HasSuffix(out, "/") {
		out = out + "/"
	}
	return out
}
