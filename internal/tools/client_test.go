package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
)

// memTransport is an in-memory stand-in for a child process: the client
// writes requests into one pipe and reads replies from another, and a
// test-owned server goroutine sits on the far ends.
type memTransport struct {
	reqR  *io.PipeReader
	reqW  *io.PipeWriter
	respR *io.PipeReader
	respW *io.PipeWriter
	done  chan struct{}
	once  sync.Once
}

func newMemTransport() *memTransport {
	t := &memTransport{done: make(chan struct{})}
	t.reqR, t.reqW = io.Pipe()
	t.respR, t.respW = io.Pipe()
	return t
}

func (t *memTransport) Write(p []byte) (int, error) { return t.reqW.Write(p) }
func (t *memTransport) Reader() io.Reader           { return t.respR }
func (t *memTransport) Done() <-chan struct{}       { return t.done }

func (t *memTransport) Kill() error {
	t.exit()
	return nil
}

// exit simulates the child terminating: both child-side pipe ends close.
func (t *memTransport) exit() {
	t.once.Do(func() {
		close(t.done)
		t.reqR.Close()
		t.respW.Close()
	})
}

func (t *memTransport) reply(resp response) {
	line, _ := json.Marshal(resp)
	line = append(line, '\n')
	_, _ = t.respW.Write(line)
}

// handler answers one decoded request. Returning ok=false suppresses the
// reply entirely.
type handler func(req request) (result any, werr *WireError, ok bool)

// serve runs a scripted provider on the far side of the transport. It
// answers listTools with the given capabilities and delegates everything
// else to h. A zero-length line makes it exit, matching the protocol.
func serve(t *memTransport, caps []string, h handler) {
	go func() {
		scanner := bufio.NewScanner(t.reqR)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				t.exit()
				return
			}
			var req request
			if err := json.Unmarshal(line, &req); err != nil {
				t.exit()
				return
			}
			if req.Method == methodListTools {
				t.reply(response{ID: req.ID, Result: mustRaw(listToolsResult{Tools: caps})})
				continue
			}
			result, werr, ok := h(req)
			if !ok {
				continue
			}
			if werr != nil {
				t.reply(response{ID: req.ID, Error: werr})
				continue
			}
			t.reply(response{ID: req.ID, Result: mustRaw(result)})
		}
		t.exit()
	}()
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func newTestClient(t *testing.T, tr transport, cfg *config.ToolConfig) *Client {
	t.Helper()
	if cfg == nil {
		cfg = &config.ToolConfig{MaxAttempts: 1, PendingCap: 32, CallTimeout: 5 * time.Second}
	}
	c := NewClient("literature-index", cfg, nil, zap.NewNop(), nil)
	c.spawnTransport = func() (transport, error) { return tr, nil }
	return c
}

func echoHandler(req request) (any, *WireError, bool) {
	return map[string]any{"echo": req.Method, "params": req.Params}, nil, true
}

func TestConnectHandshake(t *testing.T) {
	tr := newMemTransport()
	serve(tr, []string{"search", "summarize"}, echoHandler)
	c := newTestClient(t, tr, nil)
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	assert.True(t, c.IsConnected())
	assert.Equal(t, []string{"search", "summarize"}, c.Capabilities())

	info := c.Status()
	assert.Equal(t, StateConnected, info.State)
	assert.Empty(t, info.LastError)
	assert.False(t, info.ConnectedAt.IsZero())
}

func TestCallRoundTrip(t *testing.T) {
	tr := newMemTransport()
	serve(tr, []string{"search"}, echoHandler)
	c := newTestClient(t, tr, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	raw, err := c.Call(context.Background(), "search", map[string]any{"query": "statin myopathy"})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "search", got["echo"])
}

func TestOutOfOrderReplies(t *testing.T) {
	tr := newMemTransport()

	// Hold the first request's reply until the second has been answered,
	// so replies arrive in reverse id order.
	var mu sync.Mutex
	var held *request
	serve(tr, []string{"a", "b"}, func(req request) (any, *WireError, bool) {
		mu.Lock()
		defer mu.Unlock()
		if held == nil {
			cp := req
			held = &cp
			return nil, nil, false
		}
		tr.reply(response{ID: req.ID, Result: mustRaw(map[string]any{"method": req.Method})})
		tr.reply(response{ID: held.ID, Result: mustRaw(map[string]any{"method": held.Method})})
		return nil, nil, false
	})

	c := newTestClient(t, tr, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	type res struct {
		raw json.RawMessage
		err error
	}
	first := make(chan res, 1)
	go func() {
		raw, err := c.Call(context.Background(), "a", nil)
		first <- res{raw, err}
	}()

	// Give the first call time to reach the provider before the second.
	time.Sleep(50 * time.Millisecond)
	raw2, err := c.Call(context.Background(), "b", nil)
	require.NoError(t, err)

	r1 := <-first
	require.NoError(t, r1.err)

	var m1, m2 map[string]any
	require.NoError(t, json.Unmarshal(r1.raw, &m1))
	require.NoError(t, json.Unmarshal(raw2, &m2))
	assert.Equal(t, "a", m1["method"], "reply routed by id, not arrival order")
	assert.Equal(t, "b", m2["method"])
}

func TestToolLevelErrorKeepsConnection(t *testing.T) {
	tr := newMemTransport()
	serve(tr, []string{"search"}, func(req request) (any, *WireError, bool) {
		return nil, &WireError{Code: 42, Message: "index unavailable"}, true
	})
	c := newTestClient(t, tr, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Call(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Equal(t, apperrCode(err), "TOOL_RETURNED_ERROR")
	assert.Contains(t, err.Error(), "index unavailable")

	// A tool-level error is not a transport failure.
	assert.True(t, c.IsConnected())
	_, err = c.Call(context.Background(), "search", nil)
	require.Error(t, err)
	assert.True(t, c.IsConnected())
}

func TestCallDeadlineAndLateReplyDiscard(t *testing.T) {
	tr := newMemTransport()
	release := make(chan struct{})
	serve(tr, []string{"slow", "fast"}, func(req request) (any, *WireError, bool) {
		if req.Method == "slow" {
			go func() {
				<-release
				tr.reply(response{ID: req.ID, Result: mustRaw(map[string]any{"late": true})})
			}()
			return nil, nil, false
		}
		return map[string]any{"fast": true}, nil, true
	})

	c := newTestClient(t, tr, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", nil)
	require.Error(t, err)
	assert.Equal(t, "TOOL_TIMEOUT", apperrCode(err))

	// The late reply must be silently discarded and not corrupt the
	// connection or get delivered to a later call.
	close(release)
	raw, err := c.Call(context.Background(), "fast", nil)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, true, got["fast"])
	assert.True(t, c.IsConnected())
}

func TestTransportFailureFailsPending(t *testing.T) {
	tr := newMemTransport()
	serve(tr, []string{"search"}, func(req request) (any, *WireError, bool) {
		// Die mid-call without replying.
		tr.exit()
		return nil, nil, false
	})

	c := newTestClient(t, tr, nil)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.Call(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Equal(t, "TOOL_UNAVAILABLE", apperrCode(err))

	require.Eventually(t, func() bool {
		return c.Status().State == StateFailed
	}, time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, c.Status().LastError)
}

func TestCallFailsFastWhenDisconnected(t *testing.T) {
	c := newTestClient(t, newMemTransport(), nil)

	start := time.Now()
	_, err := c.Call(context.Background(), "search", nil)
	require.Error(t, err)
	assert.Equal(t, "TOOL_UNAVAILABLE", apperrCode(err))
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestPendingCap(t *testing.T) {
	tr := newMemTransport()
	serve(tr, []string{"slow"}, func(req request) (any, *WireError, bool) {
		return nil, nil, false // never reply
	})
	cfg := &config.ToolConfig{MaxAttempts: 1, PendingCap: 2, CallTimeout: 5 * time.Second}
	c := newTestClient(t, tr, cfg)
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	for i := 0; i < 2; i++ {
		go func() { _, _ = c.Call(ctx, "slow", nil) }()
	}
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 2
	}, time.Second, 5*time.Millisecond)

	_, err := c.Call(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Equal(t, "TOOL_UNAVAILABLE", apperrCode(err))
	assert.Contains(t, err.Error(), "pending-call cap")
}

func TestCloseCompletesPendingAndTerminatesChild(t *testing.T) {
	tr := newMemTransport()
	serve(tr, []string{"slow"}, func(req request) (any, *WireError, bool) {
		return nil, nil, false
	})
	c := newTestClient(t, tr, nil)
	require.NoError(t, c.Connect(context.Background()))

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "slow", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, time.Second, 5*time.Millisecond)

	c.Close()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrShutdown)
	case <-time.After(time.Second):
		t.Fatal("pending call not completed by Close")
	}

	// The scripted provider exits on the zero-length terminator line.
	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("child did not exit after graceful terminator")
	}
	assert.Equal(t, StateDisconnected, c.Status().State)
}

func TestHandshakeFailure(t *testing.T) {
	tr := newMemTransport()
	// Provider that answers the handshake with garbage.
	go func() {
		scanner := bufio.NewScanner(tr.reqR)
		if scanner.Scan() {
			var req request
			_ = json.Unmarshal(scanner.Bytes(), &req)
			tr.reply(response{ID: req.ID, Error: &WireError{Code: 1, Message: "no tools"}})
		}
	}()

	c := newTestClient(t, tr, nil)
	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, "TOOL_UNAVAILABLE", apperrCode(err))
	assert.Equal(t, StateFailed, c.Status().State)
	assert.Equal(t, 1, c.Status().RetryCount)
}

func TestPool(t *testing.T) {
	trA := newMemTransport()
	serve(trA, []string{"search", "fetch"}, echoHandler)
	trB := newMemTransport()
	serve(trB, []string{"lookup", "search"}, echoHandler)

	cfg := &config.ToolConfig{MaxAttempts: 1, PendingCap: 8, CallTimeout: time.Second}
	p := &Pool{
		logger: zap.NewNop(),
		clients: map[string]*Client{
			"literature-index": NewClient("literature-index", cfg, nil, zap.NewNop(), nil),
			"citations":        NewClient("citations", cfg, nil, zap.NewNop(), nil),
		},
	}
	p.clients["literature-index"].spawnTransport = func() (transport, error) { return trA, nil }
	p.clients["citations"].spawnTransport = func() (transport, error) { return trB, nil }
	defer p.Close()

	require.NoError(t, p.Connect(context.Background()))
	assert.Equal(t, []string{"citations", "literature-index"}, p.Connected())
	assert.Equal(t, []string{"fetch", "lookup", "search"}, p.Capabilities())
	assert.True(t, p.Has("citations"))
	assert.False(t, p.Has("imaging"))

	_, err := p.Call(context.Background(), "clinical-trials", "search", nil)
	require.Error(t, err)
	assert.Equal(t, "TOOL_UNAVAILABLE", apperrCode(err))

	raw, err := p.Call(context.Background(), "citations", "lookup", map[string]any{"doi": "10.1000/x"})
	require.NoError(t, err)
	assert.Contains(t, string(raw), "lookup")
}

func TestFilterEnv(t *testing.T) {
	environ := []string{"PATH=/usr/bin", "HOME=/root", "API_KEY=secret", "MALFORMED"}

	assert.Empty(t, filterEnv(environ, nil), "no allow list means empty child env")
	got := filterEnv(environ, []string{"PATH", "API_KEY", "MISSING"})
	assert.ElementsMatch(t, []string{"PATH=/usr/bin", "API_KEY=secret"}, got)
}

// apperrCode extracts the taxonomy code string for assertions.
func apperrCode(err error) string {
	return string(apperr.CodeOf(err))
}
