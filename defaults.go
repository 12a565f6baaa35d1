package main

import "time"

const (
	defaultListenAddr        = "0.0.0.0:3333"
	defaultStatusAddr        = ""
	defaultRPCURL            = "http://127.0.0.1:8332"
	defaultNetwork           = "mainnet"
	defaultPollInterval      = 30 * time.Second
	defaultDifficulty        = 1.0
	defaultMinDifficulty     = 0.001
	defaultMaxRecentJobs     = 4
	defaultConnectionTimeout = 10 * time.Minute
	defaultMaxConns          = 0
	defaultRPCTimeout        = 10 * time.Second
	defaultCoinbaseTag       = proxySoftwareName
)

func defaultConfig() Config {
	return Config{
		ListenAddr:        defaultListenAddr,
		StatusAddr:        defaultStatusAddr,
		RPCURL:            defaultRPCURL,
		Network:           defaultNetwork,
		PollInterval:      defaultPollInterval,
		DefaultDifficulty: defaultDifficulty,
		MinDifficulty:     defaultMinDifficulty,
		Extranonce2Size:   coinbaseExtranonce2Size,
		MaxRecentJobs:     defaultMaxRecentJobs,
		ConnectionTimeout: defaultConnectionTimeout,
		MaxConns:          defaultMaxConns,
		RPCTimeout:        defaultRPCTimeout,
		VersionMask:       defaultVersionMask,
		CoinbaseTag:       defaultCoinbaseTag,
		LogLevel:          "info",
	}
}
