package main

import "time"

type Config struct {
	// Server addresses.
	ListenAddr string
	StatusAddr string

	// Bitcoin node RPC.
	RPCURL        string
	RPCUser       string
	RPCPass       string
	RPCCookiePath string
	RPCTimeout    time.Duration

	// Optional bitcoind -zmqpubhashblock endpoint for instant tip updates.
	ZMQBlockAddr string

	// Network selects btcd chain params: mainnet, testnet, signet, regtest.
	Network string

	// Payout.
	PayoutAddress string

	// Mining parameters.
	CoinbaseTag       string
	Extranonce2Size   int
	PollInterval      time.Duration
	DefaultDifficulty float64
	MinDifficulty     float64
	VersionMask       uint32
	MaxRecentJobs     int
	ConnectionTimeout time.Duration
	MaxConns          int

	// Discord found-block notices (optional).
	DiscordBotToken  string
	DiscordChannelID string

	LogLevel string
}

// fileConfig mirrors the TOML layout of the config file. Every field is
// optional; zero values leave the compiled-in defaults untouched.
type fileConfig struct {
	Server struct {
		Listen       string `toml:"listen"`
		StatusListen string `toml:"status_listen"`
	} `toml:"server"`
	Node struct {
		RPCURL         string `toml:"rpc_url"`
		RPCUser        string `toml:"rpc_user"`
		RPCPass        string `toml:"rpc_pass"`
		RPCCookiePath  string `toml:"rpc_cookie_path"`
		RPCTimeoutSecs int    `toml:"rpc_timeout_seconds"`
		ZMQBlockAddr   string `toml:"zmq_block_addr"`
		Network        string `toml:"network"`
	} `toml:"node"`
	Mining struct {
		PayoutAddress     string  `toml:"payout_address"`
		CoinbaseTag       string  `toml:"coinbase_tag"`
		PollIntervalSecs  int     `toml:"poll_interval_seconds"`
		DefaultDifficulty float64 `toml:"default_difficulty"`
		MinDifficulty     float64 `toml:"min_difficulty"`
		VersionMask       string  `toml:"version_mask"`
		MaxRecentJobs     int     `toml:"max_recent_jobs"`
		IdleTimeoutSecs   int     `toml:"idle_timeout_seconds"`
		MaxConns          int     `toml:"max_conns"`
	} `toml:"mining"`
	Discord struct {
		BotToken  string `toml:"bot_token"`
		ChannelID string `toml:"channel_id"`
	} `toml:"discord"`
	LogLevel string `toml:"log_level"`
}
