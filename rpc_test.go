package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testRPCConfig(url string) Config {
	cfg := defaultConfig()
	cfg.RPCURL = url
	cfg.RPCUser = "user"
	cfg.RPCPass = "pass"
	cfg.RPCTimeout = 2 * time.Second
	return cfg
}

func TestRPCBasicAuthAndTemplateDecode(t *testing.T) {
	var gotAuth, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("request body not JSON: %v", err)
		}
		gotMethod = req.Method
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":{"bits":"1d00ffff","curtime":1700000000,"height":840000,` +
			`"version":536870912,"previousblockhash":"` + testTemplate().Previous + `",` +
			`"coinbasevalue":625000000,"transactions":[],"rules":["segwit"]},"error":null,"id":1}`))
	}))
	defer srv.Close()

	c := NewRPCClient(testRPCConfig(srv.URL))
	tpl, err := c.GetBlockTemplate(context.Background())
	if err != nil {
		t.Fatalf("GetBlockTemplate error: %v", err)
	}

	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	if gotAuth != wantAuth {
		t.Errorf("Authorization header = %q, want %q", gotAuth, wantAuth)
	}
	if gotMethod != "getblocktemplate" {
		t.Errorf("method = %q", gotMethod)
	}
	if tpl.Height != 840000 || tpl.Bits != "1d00ffff" || tpl.CoinbaseValue != 625000000 {
		t.Errorf("template fields mismatch: %+v", tpl)
	}
	if !c.Healthy() {
		t.Errorf("client must be healthy after success")
	}
}

func TestSubmitBlockResults(t *testing.T) {
	var response string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(response))
	}))
	defer srv.Close()

	c := NewRPCClient(testRPCConfig(srv.URL))

	response = `{"result":null,"error":null,"id":1}`
	accepted, reason, err := c.SubmitBlock(context.Background(), "00")
	if err != nil || !accepted || reason != "" {
		t.Fatalf("null result must mean accepted, got accepted=%v reason=%q err=%v", accepted, reason, err)
	}

	response = `{"result":"high-hash","error":null,"id":2}`
	accepted, reason, err = c.SubmitBlock(context.Background(), "00")
	if err != nil {
		t.Fatalf("SubmitBlock error: %v", err)
	}
	if accepted || reason != "high-hash" {
		t.Fatalf("rejection reason must surface verbatim, got accepted=%v reason=%q", accepted, reason)
	}
}

func TestRPCErrorSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":1}`))
	}))
	defer srv.Close()

	c := NewRPCClient(testRPCConfig(srv.URL))
	_, err := c.GetBestBlockHash(context.Background())
	if err == nil {
		t.Fatalf("rpc error must propagate")
	}
	var rpcErr *rpcError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("expected rpc error -32601, got %v", err)
	}
}

func TestRPCMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json at all"))
	}))
	defer srv.Close()

	c := NewRPCClient(testRPCConfig(srv.URL))
	_, err := c.GetBestBlockHash(context.Background())
	if err == nil {
		t.Fatalf("malformed response must error")
	}
}

func TestRPCRetryStopsOnContextCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewRPCClient(testRPCConfig(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.GetBestBlockHash(ctx)
	if err == nil {
		t.Fatalf("expected failure while server returns 502")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("retry loop did not respect context cancellation")
	}
}

func TestRPCRetryDelayBackoffCap(t *testing.T) {
	prev := rpcRetryJitterFrac
	rpcRetryJitterFrac = 0
	defer func() { rpcRetryJitterFrac = prev }()

	if d := rpcRetryDelayWithBackoff(1); d != rpcRetryDelay {
		t.Errorf("attempt 1 delay = %v", d)
	}
	if d := rpcRetryDelayWithBackoff(50); d != rpcRetryMaxDelay {
		t.Errorf("backoff must cap at %v, got %v", rpcRetryMaxDelay, d)
	}
}
