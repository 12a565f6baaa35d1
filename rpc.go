package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const rpcRetryDelay = 100 * time.Millisecond

var (
	rpcRetryMaxDelay   = 60 * time.Second
	rpcRetryJitterFrac = 0.2
)

// errNodeMalformed flags responses that parse as JSON but do not match the
// expected getblocktemplate schema.
var errNodeMalformed = errors.New("malformed node response")

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type httpStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *httpStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rpc http status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rpc http status %s", e.Status)
}

type RPCClient struct {
	url    string
	client *http.Client
	idMu   sync.Mutex
	nextID int

	connected atomic.Bool
	unhealthy atomic.Bool

	authMu        sync.RWMutex
	user          string
	pass          string
	cookiePath    string
	cookieModTime time.Time

	lastErrMu sync.RWMutex
	lastErr   error
}

func NewRPCClient(cfg Config) *RPCClient {
	// A shared Transport keeps the connection to bitcoind alive across
	// calls instead of paying a TCP handshake per request.
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.RPCTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	timeout := cfg.RPCTimeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}

	c := &RPCClient{
		url: cfg.RPCURL,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		nextID:     1,
		user:       strings.TrimSpace(cfg.RPCUser),
		pass:       strings.TrimSpace(cfg.RPCPass),
		cookiePath: strings.TrimSpace(cfg.RPCCookiePath),
	}
	c.reloadCookieIfChanged()
	return c
}

// reloadCookieIfChanged re-reads bitcoind's auth cookie whenever the file's
// mtime moves, so node restarts do not strand the proxy on stale creds.
func (c *RPCClient) reloadCookieIfChanged() {
	if c.cookiePath == "" {
		return
	}
	info, err := os.Stat(c.cookiePath)
	if err != nil {
		return
	}
	c.authMu.RLock()
	modTime := c.cookieModTime
	credsEmpty := c.user == "" && c.pass == ""
	c.authMu.RUnlock()
	if info.ModTime().Equal(modTime) && !credsEmpty {
		return
	}
	data, err := os.ReadFile(c.cookiePath)
	if err != nil {
		logger.Warn("reload rpc cookie", "path", c.cookiePath, "error", err)
		return
	}
	user, pass, ok := strings.Cut(strings.TrimSpace(string(data)), ":")
	if !ok {
		logger.Warn("rpc cookie malformed", "path", c.cookiePath)
		return
	}
	c.authMu.Lock()
	c.user = user
	c.pass = pass
	c.cookieModTime = info.ModTime()
	c.authMu.Unlock()
	logger.Info("rpc cookie loaded", "path", c.cookiePath)
}

func (c *RPCClient) Healthy() bool {
	if c == nil {
		return false
	}
	return c.connected.Load() && !c.unhealthy.Load()
}

func (c *RPCClient) LastError() error {
	c.lastErrMu.RLock()
	defer c.lastErrMu.RUnlock()
	return c.lastErr
}

func (c *RPCClient) recordLastError(err error) {
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
}

// callCtx performs a JSON-RPC call, retrying transient failures with
// exponential backoff capped at rpcRetryMaxDelay. Retries stop when the
// context is cancelled; RPC-level errors are returned immediately.
func (c *RPCClient) callCtx(ctx context.Context, method string, params interface{}, out interface{}) error {
	retryCount := 0
	for {
		if ctx.Err() != nil {
			c.recordLastError(ctx.Err())
			return ctx.Err()
		}
		err := c.performCall(ctx, method, params, out)
		if err == nil {
			if c.unhealthy.Swap(false) {
				logger.Info("node rpc reconnected", "url", c.url)
			}
			c.connected.Store(true)
			c.recordLastError(nil)
			return nil
		}
		c.recordLastError(err)
		if isRPCConnectivityError(err) {
			if !c.unhealthy.Swap(true) {
				logger.Warn("node rpc unavailable", "url", c.url, "error", err)
			}
		}
		if !c.shouldRetry(err) {
			return err
		}
		retryCount++
		c.reloadCookieIfChanged()
		if err := sleepContext(ctx, rpcRetryDelayWithBackoff(retryCount)); err != nil {
			return err
		}
	}
}

// callOnce performs a single attempt with no retry loop. Used for
// submitblock, where racing the network matters more than robustness.
func (c *RPCClient) callOnce(ctx context.Context, method string, params interface{}, out interface{}) error {
	err := c.performCall(ctx, method, params, out)
	if err != nil {
		c.recordLastError(err)
		return err
	}
	c.connected.Store(true)
	c.unhealthy.Store(false)
	c.recordLastError(nil)
	return nil
}

func (c *RPCClient) performCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	c.idMu.Lock()
	id := c.nextID
	c.nextID++
	c.idMu.Unlock()

	body, err := fastJSONMarshal(rpcRequest{
		Jsonrpc: "1.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	c.authMu.RLock()
	user, pass := c.user, c.pass
	c.authMu.RUnlock()
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		// bitcoind includes a JSON-RPC error body with some non-200
		// statuses; surface it instead of the bare HTTP status.
		var rpcResp rpcResponse
		if err := fastJSONUnmarshal(data, &rpcResp); err == nil && rpcResp.Error != nil {
			return rpcResp.Error
		}
		return &httpStatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(bytes.TrimSpace(data)),
		}
	}

	if len(data) == 0 {
		return fmt.Errorf("%w: empty response body", errNodeMalformed)
	}
	var rpcResp rpcResponse
	if err := fastJSONUnmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("%w: %v", errNodeMalformed, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if err := fastJSONUnmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("%w: %v", errNodeMalformed, err)
	}
	return nil
}

func isRPCConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode >= 500
	}
	return false
}

func (c *RPCClient) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if statusErr.StatusCode == http.StatusUnauthorized {
			return c.cookiePath != ""
		}
		return statusErr.StatusCode >= 500
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func rpcRetryDelayWithBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return rpcRetryDelay
	}
	delay := rpcRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= rpcRetryMaxDelay {
			delay = rpcRetryMaxDelay
			break
		}
	}
	if rpcRetryJitterFrac > 0 {
		low := 1 - rpcRetryJitterFrac
		high := 1 + rpcRetryJitterFrac
		delay = time.Duration(float64(delay) * (low + (high-low)*rand.Float64()))
		if delay <= 0 {
			delay = time.Millisecond
		}
	}
	return delay
}

// GetBlockTemplate fetches a segwit block template.
func (c *RPCClient) GetBlockTemplate(ctx context.Context) (GetBlockTemplateResult, error) {
	var tpl GetBlockTemplateResult
	params := []interface{}{map[string]interface{}{"rules": []string{"segwit"}}}
	if err := c.callCtx(ctx, "getblocktemplate", params, &tpl); err != nil {
		return GetBlockTemplateResult{}, err
	}
	return tpl, nil
}

// GetBestBlockHash returns the tip hash; used as a cheap startup probe.
func (c *RPCClient) GetBestBlockHash(ctx context.Context) (string, error) {
	var hash string
	err := c.callCtx(ctx, "getbestblockhash", nil, &hash)
	return hash, err
}

// SubmitBlock submits a serialized block. Bitcoin Core returns null on
// acceptance or a short reason string on rejection; both are passed
// through verbatim.
func (c *RPCClient) SubmitBlock(ctx context.Context, blockHex string) (accepted bool, reason string, err error) {
	var res json.RawMessage
	if err := c.callOnce(ctx, "submitblock", []interface{}{blockHex}, &res); err != nil {
		return false, "", err
	}
	trimmed := strings.TrimSpace(string(res))
	if trimmed == "" || trimmed == "null" {
		return true, "", nil
	}
	var s string
	if err := fastJSONUnmarshal(res, &s); err != nil {
		return false, trimmed, nil
	}
	return false, s, nil
}
