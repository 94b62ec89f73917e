package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/config"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
)

const (
	// shutdownGrace is how long Close waits for the child to exit after
	// the graceful terminator before force-killing it.
	shutdownGrace = 2 * time.Second

	// maxLineSize bounds one wire envelope.
	maxLineSize = 4 << 20
)

// ErrShutdown completes pending calls when the client is closed.
var ErrShutdown = errors.New("tool client shutting down")

type callOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	done   chan callOutcome // buffered; completed exactly once
}

// conn is one live transport plus its writer bookkeeping. A client has at
// most one conn at a time; reconnecting replaces it.
type conn struct {
	tr       transport
	writeCh  chan []byte
	closing  chan struct{}
	teardown sync.Once
}

// Client is one supervised tool-provider connection. All methods are safe
// for concurrent use; the write side is owned by a single goroutine.
type Client struct {
	name   string
	cfg    *config.ToolConfig
	logger *zap.Logger
	m      *metrics.Set
	sm     *stateManager

	// spawnTransport is swappable so tests can run against in-memory
	// pipes instead of a child process.
	spawnTransport func() (transport, error)

	mu      sync.Mutex
	conn    *conn
	pending map[uint64]*pendingCall
	nextID  uint64
	caps    []string

	closed      atomic.Bool
	reconnectMu sync.Mutex
}

// NewClient builds a client for one provider; it does not connect.
func NewClient(name string, cfg *config.ToolConfig, m *metrics.Set, logger *zap.Logger, toolLog *zap.Logger) *Client {
	c := &Client{
		name:    name,
		cfg:     cfg,
		logger:  logger.Named("tools").With(zap.String("tool", name)),
		m:       m,
		sm:      newStateManager(cfg.MaxAttempts),
		pending: make(map[uint64]*pendingCall),
	}
	c.spawnTransport = func() (transport, error) {
		var stderr io.Writer
		if toolLog != nil {
			stderr = &zapStderrWriter{logger: toolLog}
		}
		return spawn(cfg.Command, cfg.Args, cfg.Env, stderr)
	}
	return c
}

// Name returns the provider name.
func (c *Client) Name() string { return c.name }

// Status returns the current connection status including capabilities.
func (c *Client) Status() StatusInfo {
	info := c.sm.info()
	c.mu.Lock()
	info.Capabilities = append([]string(nil), c.caps...)
	c.mu.Unlock()
	return info
}

// IsConnected reports whether calls may flow.
func (c *Client) IsConnected() bool { return c.sm.isConnected() }

// Capabilities returns the method names advertised at handshake.
func (c *Client) Capabilities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.caps...)
}

// Connect spawns the child, runs the listTools handshake, and transitions
// to connected. Any failure records a cause and leaves the client failed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return apperr.Newf(apperr.CodeToolUnavailable, "tool %s is closed", c.name)
	}
	if err := c.sm.transitionTo(StateConnecting); err != nil {
		c.logger.Warn("connect skipped", zap.Error(err))
		return err
	}

	tr, err := c.spawnTransport()
	if err != nil {
		c.sm.setFailed(err)
		c.logger.Error("failed to spawn tool provider", zap.Error(err))
		return apperr.Wrap(err, apperr.CodeToolUnavailable, fmt.Sprintf("tool %s failed to start", c.name))
	}

	cn := &conn{
		tr:      tr,
		writeCh: make(chan []byte, 16),
		closing: make(chan struct{}),
	}
	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()

	go c.writeLoop(cn)
	go c.readLoop(cn)

	// Handshake with a bounded deadline regardless of the caller's ctx.
	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	raw, err := c.doCall(hsCtx, cn, methodListTools, nil)
	if err != nil {
		c.failConn(cn, fmt.Errorf("handshake: %w", err))
		return apperr.Wrap(err, apperr.CodeToolUnavailable, fmt.Sprintf("tool %s handshake failed", c.name))
	}

	var lt listToolsResult
	if err := json.Unmarshal(raw, &lt); err != nil {
		c.failConn(cn, fmt.Errorf("handshake decode: %w", err))
		return apperr.Wrap(err, apperr.CodeToolUnavailable, fmt.Sprintf("tool %s handshake malformed", c.name))
	}

	c.mu.Lock()
	c.caps = append([]string(nil), lt.Tools...)
	c.mu.Unlock()

	if err := c.sm.transitionTo(StateConnected); err != nil {
		return err
	}
	c.logger.Info("tool provider connected", zap.Strings("capabilities", lt.Tools))
	return nil
}

// Call issues one request and waits for its reply or deadline. It fails
// fast with ToolUnavailable while the client is not connected.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	if !c.sm.isConnected() {
		return nil, apperr.Newf(apperr.CodeToolUnavailable, "tool %s is %s", c.name, c.sm.state())
	}
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return nil, apperr.Newf(apperr.CodeToolUnavailable, "tool %s has no transport", c.name)
	}

	if c.cfg.CallTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
		}
	}

	start := time.Now()
	raw, err := c.doCall(ctx, cn, method, params)
	if c.m != nil {
		c.m.ToolCallDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
		c.m.ToolCalls.WithLabelValues(c.name, outcomeLabel(err)).Inc()
	}
	return raw, err
}

// doCall installs a pending entry, hands the frame to the writer, and
// waits. On deadline the entry is completed with ToolTimeout and removed;
// the eventual late reply is discarded by the reader. The wire call is
// never cancelled remotely.
func (c *Client) doCall(ctx context.Context, cn *conn, method string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if cap := c.cfg.PendingCap; cap > 0 && len(c.pending) >= cap {
		c.mu.Unlock()
		return nil, apperr.Newf(apperr.CodeToolUnavailable, "tool %s pending-call cap reached", c.name)
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{method: method, done: make(chan callOutcome, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	frame, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.removePending(id)
		return nil, apperr.Wrap(err, apperr.CodeInternal, "failed to encode tool request")
	}
	frame = append(frame, '\n')

	select {
	case cn.writeCh <- frame:
	case <-cn.closing:
		c.removePending(id)
		return nil, apperr.Newf(apperr.CodeToolUnavailable, "tool %s transport closed", c.name)
	case <-ctx.Done():
		c.removePending(id)
		return nil, c.ctxError(ctx, method)
	}

	select {
	case out := <-pc.done:
		return out.result, out.err
	case <-ctx.Done():
		// Abandon the entry; do not touch the transport.
		c.removePending(id)
		return nil, c.ctxError(ctx, method)
	}
}

// Close performs the graceful shutdown protocol: terminator line, bounded
// wait, then force-kill. Pending calls complete with ErrShutdown.
func (c *Client) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if cn != nil {
		// Graceful terminator: a zero-length line.
		select {
		case cn.writeCh <- []byte("\n"):
		default:
		}
		if !waitExit(cn.tr, shutdownGrace) {
			c.logger.Warn("tool did not exit within grace, killing")
			_ = cn.tr.Kill()
		}
		cn.teardown.Do(func() { close(cn.closing) })
	}

	c.failPending(apperr.Wrap(ErrShutdown, apperr.CodeToolUnavailable, fmt.Sprintf("tool %s shut down", c.name)))
	if c.sm.state() != StateDisconnected {
		if err := c.sm.transitionTo(StateDisconnected); err != nil {
			c.sm.setFailed(ErrShutdown)
		}
	}
}

func (c *Client) writeLoop(cn *conn) {
	for {
		select {
		case frame := <-cn.writeCh:
			if _, err := cn.tr.Write(frame); err != nil {
				c.transportFailure(cn, fmt.Errorf("write: %w", err))
				return
			}
		case <-cn.closing:
			return
		}
	}
}

func (c *Client) readLoop(cn *conn) {
	scanner := bufio.NewScanner(cn.tr.Reader())
	scanner.Buffer(make([]byte, 64<<10), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.transportFailure(cn, fmt.Errorf("decode reply: %w", err))
			return
		}
		c.deliver(resp)
	}

	err := scanner.Err()
	if err == nil {
		err = errors.New("tool transport EOF")
	}
	if c.closed.Load() {
		// Expected during shutdown.
		return
	}
	c.transportFailure(cn, err)
}

// deliver routes a reply to its pending call. Replies whose id has no
// entry (late replies after a deadline) are discarded.
func (c *Client) deliver(resp response) {
	c.mu.Lock()
	pc, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("discarding reply with no pending call", zap.Uint64("id", resp.ID))
		return
	}

	if resp.Error != nil {
		pc.done <- callOutcome{err: apperr.Wrap(resp.Error, apperr.CodeToolReturnedError,
			fmt.Sprintf("tool %s returned an error for %s", c.name, pc.method))}
		return
	}
	pc.done <- callOutcome{result: resp.Result}
}

// transportFailure transitions the client to failed, completes every
// pending call with a terminal error, and starts the reconnect task.
func (c *Client) transportFailure(cn *conn, cause error) {
	cn.teardown.Do(func() {
		close(cn.closing)
		_ = cn.tr.Kill()

		c.logger.Warn("tool transport failed", zap.Error(cause))
		c.sm.setFailed(cause)
		c.failPending(apperr.Wrap(cause, apperr.CodeToolUnavailable, fmt.Sprintf("tool %s transport failed", c.name)))

		if !c.closed.Load() {
			go c.reconnectLoop()
		}
	})
}

// failConn is transportFailure for a handshake-stage connection.
func (c *Client) failConn(cn *conn, cause error) {
	cn.teardown.Do(func() {
		close(cn.closing)
		_ = cn.tr.Kill()
		c.sm.setFailed(cause)
		c.failPending(apperr.Wrap(cause, apperr.CodeToolUnavailable, fmt.Sprintf("tool %s connect failed", c.name)))
	})
}

// reconnectLoop retries Connect with exponential backoff until it
// succeeds, the attempt cap is reached, or the client closes. It runs in
// its own goroutine and never blocks callers.
func (c *Client) reconnectLoop() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	for !c.closed.Load() && !c.sm.exhausted() {
		time.Sleep(c.sm.backoffDelay())
		if c.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			c.logger.Info("tool reconnected")
			return
		}
		c.logger.Warn("reconnect attempt failed",
			zap.Int("attempt", c.sm.info().RetryCount),
			zap.Error(err))
	}
}

func (c *Client) removePending(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()
	for _, pc := range pending {
		pc.done <- callOutcome{err: err}
	}
}

func (c *Client) ctxError(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Wrap(ctx.Err(), apperr.CodeToolTimeout,
			fmt.Sprintf("tool %s call %s deadline exceeded", c.name, method))
	}
	return apperr.Wrap(ctx.Err(), apperr.CodeToolUnavailable,
		fmt.Sprintf("tool %s call %s cancelled", c.name, method))
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperr.CodeOf(err) == apperr.CodeToolTimeout:
		return "timeout"
	case apperr.CodeOf(err) == apperr.CodeToolReturnedError:
		return "tool_error"
	default:
		return "error"
	}
}

// zapStderrWriter forwards a child's stderr lines into its tool log.
type zapStderrWriter struct {
	logger *zap.Logger
}

func (w *zapStderrWriter) Write(p []byte) (int, error) {
	w.logger.Info(string(p))
	return len(p), nil
}
