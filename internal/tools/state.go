package tools

import (
	"fmt"
	"sync"
	"time"
)

// State represents the connection state of a tool client.
type State int

const (
	// StateDisconnected indicates the client has no transport.
	StateDisconnected State = iota
	// StateConnecting indicates a connect attempt is in progress.
	StateConnecting
	// StateConnected indicates the handshake completed and calls may flow.
	StateConnected
	// StateFailed indicates the transport died or connect failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form on API surfaces.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// StatusInfo is the externally visible connection status of one client.
type StatusInfo struct {
	State        State     `json:"state"`
	LastError    string    `json:"lastError,omitempty"`
	RetryCount   int       `json:"retryCount"`
	LastRetry    time.Time `json:"lastRetry,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// stateManager tracks state transitions for one client. Transitions are
// validated; an invalid transition is a programmer error surfaced loudly
// in logs rather than a panic.
type stateManager struct {
	mu          sync.RWMutex
	current     State
	lastError   error
	retryCount  int
	lastRetry   time.Time
	connectedAt time.Time
	maxAttempts int
}

func newStateManager(maxAttempts int) *stateManager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &stateManager{current: StateDisconnected, maxAttempts: maxAttempts}
}

var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateFailed, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

func (sm *stateManager) transitionTo(next State) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	allowed := false
	for _, s := range validTransitions[sm.current] {
		if s == next {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("invalid transition from %s to %s", sm.current, next)
	}

	sm.current = next
	if next == StateConnected {
		sm.lastError = nil
		sm.retryCount = 0
		sm.connectedAt = time.Now()
	}
	return nil
}

func (sm *stateManager) setFailed(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.current = StateFailed
	sm.lastError = err
	sm.retryCount++
	sm.lastRetry = time.Now()
}

func (sm *stateManager) state() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

func (sm *stateManager) isConnected() bool {
	return sm.state() == StateConnected
}

// shouldRetry reports whether a reconnect should run now, applying
// exponential backoff (1s, 2s, 4s, ...) and the attempt cap.
func (sm *stateManager) shouldRetry() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.current != StateFailed {
		return false
	}
	if sm.retryCount >= sm.maxAttempts {
		return false
	}
	if sm.retryCount == 0 {
		return true
	}

	shift := sm.retryCount - 1
	if shift > 6 {
		shift = 6
	}
	backoff := time.Duration(1<<uint(shift)) * time.Second
	return time.Since(sm.lastRetry) >= backoff
}

// backoffDelay returns the wait before the next reconnect attempt.
func (sm *stateManager) backoffDelay() time.Duration {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	if sm.retryCount == 0 {
		return 0
	}
	shift := sm.retryCount - 1
	if shift > 6 {
		shift = 6
	}
	return time.Duration(1<<uint(shift)) * time.Second
}

func (sm *stateManager) exhausted() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.retryCount >= sm.maxAttempts
}

func (sm *stateManager) info() StatusInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	info := StatusInfo{
		State:       sm.current,
		RetryCount:  sm.retryCount,
		LastRetry:   sm.lastRetry,
		ConnectedAt: sm.connectedAt,
	}
	if sm.lastError != nil {
		info.LastError = sm.lastError.Error()
	}
	return info
}
