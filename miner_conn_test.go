package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

// testSession wires a MinerConn to the client end of a net.Pipe, with a
// reader goroutine feeding server->client lines into a channel.
type testSession struct {
	mc     *MinerConn
	jm     *JobManager
	client net.Conn
	lines  chan []byte
	cancel context.CancelFunc
}

func newTestSession(t *testing.T, cfg Config) *testSession {
	t.Helper()
	jm := NewJobManager(nil, cfg, []byte{0x51})
	if err := jm.refreshFromTemplate(testTemplate(), false); err != nil {
		t.Fatalf("seed job error: %v", err)
	}

	server, client := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	mc := NewMinerConn(ctx, server, jm, nil, cfg, nil)
	go mc.handle()

	lines := make(chan []byte, 64)
	go func() {
		scanner := bufio.NewScanner(client)
		scanner.Buffer(make([]byte, 0, maxStratumMessageSize), maxStratumMessageSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			lines <- line
		}
		close(lines)
	}()

	ts := &testSession{mc: mc, jm: jm, client: client, lines: lines, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		mc.cleanup()
	})
	return ts
}

func (ts *testSession) send(t *testing.T, line string) {
	t.Helper()
	if err := ts.client.SetWriteDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set write deadline: %v", err)
	}
	if _, err := ts.client.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("client write: %v", err)
	}
}

func (ts *testSession) recv(t *testing.T) map[string]any {
	t.Helper()
	select {
	case line, ok := <-ts.lines:
		if !ok {
			t.Fatalf("connection closed while awaiting a message")
		}
		var msg map[string]any
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("bad JSON from server: %v (%s)", err, line)
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out awaiting a message")
		return nil
	}
}

func errorCode(t *testing.T, msg map[string]any) int {
	t.Helper()
	arr, ok := msg["error"].([]any)
	if !ok || len(arr) < 2 {
		t.Fatalf("expected an error object, got %v", msg)
	}
	code, ok := arr[0].(float64)
	if !ok {
		t.Fatalf("error code not numeric: %v", arr)
	}
	return int(code)
}

func (ts *testSession) handshake(t *testing.T) {
	t.Helper()
	ts.send(t, `{"id":1,"method":"mining.subscribe","params":["cgminer/4.10"]}`)
	sub := ts.recv(t)
	result, ok := sub["result"].([]any)
	if !ok || len(result) != 3 {
		t.Fatalf("subscribe result shape: %v", sub)
	}
	en1, ok := result[1].(string)
	if !ok || len(en1) != 8 {
		t.Fatalf("extranonce1 must be 8 hex chars, got %v", result[1])
	}
	if size, ok := result[2].(float64); !ok || int(size) != 4 {
		t.Fatalf("extranonce2_size must be 4, got %v", result[2])
	}

	ts.send(t, `{"id":2,"method":"mining.authorize","params":["bc1qexampleworker.worker1","x"]}`)
	auth := ts.recv(t)
	if auth["result"] != true || auth["error"] != nil {
		t.Fatalf("authorize must return true, got %v", auth)
	}

	setDiff := ts.recv(t)
	if setDiff["method"] != "mining.set_difficulty" {
		t.Fatalf("expected mining.set_difficulty before notify, got %v", setDiff)
	}
	notify := ts.recv(t)
	if notify["method"] != "mining.notify" {
		t.Fatalf("expected mining.notify, got %v", notify)
	}
	params, ok := notify["params"].([]any)
	if !ok || len(params) != 9 {
		t.Fatalf("notify must carry 9 params, got %v", notify)
	}
	if clean, ok := params[8].(bool); !ok || !clean {
		t.Fatalf("first notify must have clean_jobs=true, got %v", params[8])
	}
}

func TestHandshakeSubscribeAuthorize(t *testing.T) {
	ts := newTestSession(t, testConfig())
	ts.handshake(t)
}

func TestSubmitBeforeAuthorize(t *testing.T) {
	ts := newTestSession(t, testConfig())
	ts.send(t, `{"id":1,"method":"mining.subscribe","params":[]}`)
	_ = ts.recv(t)
	ts.send(t, `{"id":3,"method":"mining.submit","params":["w","1","00000000","65000000","00000000"]}`)
	resp := ts.recv(t)
	if code := errorCode(t, resp); code != 24 {
		t.Fatalf("submit before authorize must return 24, got %d", code)
	}
}

func TestUnknownMethodThenSecondErrorCloses(t *testing.T) {
	ts := newTestSession(t, testConfig())
	ts.send(t, `{"id":1,"method":"mining.frobnicate","params":[]}`)
	resp := ts.recv(t)
	if code := errorCode(t, resp); code != 20 {
		t.Fatalf("unknown method must return 20, got %d", code)
	}
	ts.send(t, `{"id":2,"method":"mining.frobnicate","params":[]}`)
	resp = ts.recv(t)
	if code := errorCode(t, resp); code != 20 {
		t.Fatalf("second unknown method must return 20, got %d", code)
	}
	// Two consecutive protocol errors close the connection.
	select {
	case _, ok := <-ts.lines:
		if ok {
			t.Fatalf("expected connection close after two protocol errors")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("connection not closed after two protocol errors")
	}
}

func TestProtocolErrorCounterResets(t *testing.T) {
	ts := newTestSession(t, testConfig())
	ts.send(t, `{"id":1,"method":"mining.frobnicate","params":[]}`)
	_ = ts.recv(t)
	// A valid request in between resets the strike counter.
	ts.send(t, `{"id":2,"method":"mining.ping","params":[]}`)
	pong := ts.recv(t)
	if pong["result"] != "pong" {
		t.Fatalf("expected pong, got %v", pong)
	}
	ts.send(t, `{"id":3,"method":"mining.frobnicate","params":[]}`)
	resp := ts.recv(t)
	if code := errorCode(t, resp); code != 20 {
		t.Fatalf("expected error 20, got %d", code)
	}
	ts.send(t, `{"id":4,"method":"mining.ping","params":[]}`)
	pong = ts.recv(t)
	if pong["result"] != "pong" {
		t.Fatalf("connection must survive non-consecutive protocol errors, got %v", pong)
	}
}

func TestConfigureVersionRolling(t *testing.T) {
	ts := newTestSession(t, testConfig())
	ts.send(t, `{"id":1,"method":"mining.configure","params":[["version-rolling","unknown-ext"],{"version-rolling.mask":"ffffffff"}]}`)
	resp := ts.recv(t)
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("configure result shape: %v", resp)
	}
	if result["version-rolling"] != true {
		t.Fatalf("version-rolling must negotiate true, got %v", result)
	}
	if result["version-rolling.mask"] != "1fffe000" {
		t.Fatalf("mask must intersect with the pool mask, got %v", result["version-rolling.mask"])
	}
	if result["unknown-ext"] != false {
		t.Fatalf("unknown extensions must answer false, got %v", result)
	}

	mask, on := ts.mc.negotiatedVersionMask()
	if !on || mask != defaultVersionMask {
		t.Fatalf("negotiated mask not stored: %08x on=%v", mask, on)
	}
}

func TestSuggestDifficultyFloorAndNotify(t *testing.T) {
	cfg := testConfig()
	cfg.MinDifficulty = 0.5
	ts := newTestSession(t, cfg)
	ts.handshake(t)

	ts.send(t, `{"id":5,"method":"mining.suggest_difficulty","params":[0.0001]}`)
	ack := ts.recv(t)
	if ack["result"] != true {
		t.Fatalf("suggest_difficulty must ack true, got %v", ack)
	}
	setDiff := ts.recv(t)
	if setDiff["method"] != "mining.set_difficulty" {
		t.Fatalf("expected set_difficulty notification, got %v", setDiff)
	}
	params := setDiff["params"].([]any)
	if diff, ok := params[0].(float64); !ok || diff != 0.5 {
		t.Fatalf("suggestion below floor must clamp to the floor, got %v", params[0])
	}
	notify := ts.recv(t)
	if notify["method"] != "mining.notify" {
		t.Fatalf("expected a fresh notify after difficulty change, got %v", notify)
	}
	if got := ts.mc.currentDifficulty(); got != 0.5 {
		t.Fatalf("session difficulty = %v, want 0.5", got)
	}
}
