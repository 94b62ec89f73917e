// Package session implements the in-memory session substrate every
// protected endpoint depends on: creation, token validation with activity
// touch, monotone deactivation, and a bounded background sweeper.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/audit"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/hash"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/metrics"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tokens"
)

// sweepBatch bounds per-cycle sweeper progress so a large expired
// population cannot hold the store lock for long.
const sweepBatch = 512

// purgeGrace is how long a deactivated record is retained so its audit
// emission is never raced by deletion.
const purgeGrace = time.Minute

// MedicalContext accumulates per-session usage counters.
type MedicalContext struct {
	Interactions      int      `json:"interactions"`
	ToolsUsed         []string `json:"toolsUsed"`         // sorted multiset
	ResourcesAccessed []string `json:"resourcesAccessed"` // sorted multiset
}

// Fingerprint carries the client attributes hashed into a session record.
type Fingerprint struct {
	UserAgent string
	PeerAddr  string
}

// State is one session record. Fields are guarded by mu; LastActivity only
// advances, and Active never returns to true once false.
type State struct {
	mu sync.Mutex

	ID            string
	CreatedAt     time.Time
	LastActivity  time.Time
	ExpiresAt     time.Time
	UserAgentHash string
	PeerHash      string
	Active        bool
	Medical       MedicalContext

	deactivatedAt time.Time
}

// Snapshot is a lock-free copy of a session's observable state.
type Snapshot struct {
	ID            string         `json:"id"`
	CreatedAt     time.Time      `json:"createdAt"`
	LastActivity  time.Time      `json:"lastActivity"`
	ExpiresAt     time.Time      `json:"expiresAt"`
	UserAgentHash string         `json:"userAgentHash"`
	PeerHash      string         `json:"peerHash"`
	Active        bool           `json:"active"`
	Medical       MedicalContext `json:"medicalContext"`
}

// Store holds the session map and the sweeper.
type Store struct {
	issuer  *tokens.Issuer
	sink    *audit.Sink
	logger  *zap.Logger
	metrics *metrics.Set

	ttl           time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*State
}

// NewStore creates a session store backed by the given token issuer.
func NewStore(issuer *tokens.Issuer, sink *audit.Sink, m *metrics.Set, logger *zap.Logger, ttl, sweepInterval time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	return &Store{
		issuer:        issuer,
		sink:          sink,
		logger:        logger.Named("session"),
		metrics:       m,
		ttl:           ttl,
		sweepInterval: sweepInterval,
		now:           time.Now,
		sessions:      make(map[string]*State),
	}
}

// WithClock overrides the store's clock source for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create registers a fresh session and returns its signed token.
func (s *Store) Create(fp Fingerprint) (Snapshot, string, error) {
	now := s.now()
	state := &State{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		LastActivity:  now,
		ExpiresAt:     now.Add(s.ttl),
		UserAgentHash: hash.Identifier(fp.UserAgent),
		PeerHash:      hash.Identifier(fp.PeerAddr),
		Active:        true,
	}

	token, err := s.issuer.Issue(state.ID, state.ExpiresAt)
	if err != nil {
		return Snapshot{}, "", err
	}

	s.mu.Lock()
	s.sessions[state.ID] = state
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
	s.emit(audit.Record{
		Kind:        audit.KindAccess,
		Severity:    audit.SeverityInfo,
		SessionHash: hash.Identifier(state.ID),
		Resource:    "session",
		Action:      "create",
		Outcome:     audit.OutcomeSuccess,
	})

	return state.snapshot(), token, nil
}

// Validate checks the token, then the session's liveness, and touches
// LastActivity. It is the only operation that advances LastActivity; the
// advance is monotone under the per-session lock.
func (s *Store) Validate(token string) (Snapshot, error) {
	sid, _, err := s.issuer.Verify(token)
	if err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	state, ok := s.sessions[sid]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, apperr.New(apperr.CodeInvalidSession, "unknown session")
	}

	now := s.now()
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.Active {
		return Snapshot{}, apperr.New(apperr.CodeInvalidSession, "session is inactive")
	}
	if now.After(state.ExpiresAt) {
		return Snapshot{}, apperr.New(apperr.CodeSessionExpired, "session expired")
	}
	if now.After(state.LastActivity) {
		state.LastActivity = now
	}
	return state.snapshotLocked(), nil
}

// RecordUsage appends to the session's medical context. Tool and resource
// lists stay sorted so repeated snapshots are deterministic.
func (s *Store) RecordUsage(sessionID string, toolsUsed, resources []string) {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	state.Medical.Interactions++
	state.Medical.ToolsUsed = append(state.Medical.ToolsUsed, toolsUsed...)
	sort.Strings(state.Medical.ToolsUsed)
	state.Medical.ResourcesAccessed = append(state.Medical.ResourcesAccessed, resources...)
	sort.Strings(state.Medical.ResourcesAccessed)
}

// Deactivate transitions a session to inactive. The transition is monotone
// and idempotent; the record is purged later by the sweeper.
func (s *Store) Deactivate(sessionID string) {
	s.mu.RLock()
	state, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	state.mu.Lock()
	wasActive := state.Active
	if wasActive {
		state.Active = false
		state.deactivatedAt = s.now()
	}
	state.mu.Unlock()

	if !wasActive {
		return
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
	s.emit(audit.Record{
		Kind:        audit.KindAccess,
		Severity:    audit.SeverityInfo,
		SessionHash: hash.Identifier(sessionID),
		Resource:    "session",
		Action:      "deactivate",
		Outcome:     audit.OutcomeSuccess,
	})
}

// Sweep deactivates expired sessions and purges deactivated ones past the
// grace window. Progress per cycle is bounded.
func (s *Store) Sweep() (deactivated, purged int) {
	now := s.now()

	// Snapshot candidates under the read lock, then re-check each under
	// its own lock before acting.
	s.mu.RLock()
	candidates := make([]*State, 0, sweepBatch)
	for _, state := range s.sessions {
		candidates = append(candidates, state)
		if len(candidates) >= sweepBatch {
			break
		}
	}
	s.mu.RUnlock()

	var purgeIDs []string
	for _, state := range candidates {
		state.mu.Lock()
		switch {
		case state.Active && now.After(state.ExpiresAt):
			state.Active = false
			state.deactivatedAt = now
			deactivated++
			state.mu.Unlock()
			if s.metrics != nil {
				s.metrics.SessionsActive.Dec()
			}
			s.emit(audit.Record{
				Kind:        audit.KindAccess,
				Severity:    audit.SeverityInfo,
				SessionHash: hash.Identifier(state.ID),
				Resource:    "session",
				Action:      "expire",
				Outcome:     audit.OutcomeSuccess,
			})
		case !state.Active && now.Sub(state.deactivatedAt) > purgeGrace:
			purgeIDs = append(purgeIDs, state.ID)
			state.mu.Unlock()
		default:
			state.mu.Unlock()
		}
	}

	if len(purgeIDs) > 0 {
		s.mu.Lock()
		for _, id := range purgeIDs {
			delete(s.sessions, id)
			purged++
		}
		s.mu.Unlock()
	}
	return deactivated, purged
}

// Run sweeps on the configured cadence until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deactivated, purged := s.Sweep()
			if deactivated > 0 || purged > 0 {
				s.logger.Debug("session sweep",
					zap.Int("deactivated", deactivated),
					zap.Int("purged", purged))
			}
		}
	}
}

// Len reports the number of resident session records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) emit(rec audit.Record) {
	if s.sink != nil {
		s.sink.Emit(rec)
	}
}

func (st *State) snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.snapshotLocked()
}

func (st *State) snapshotLocked() Snapshot {
	return Snapshot{
		ID:            st.ID,
		CreatedAt:     st.CreatedAt,
		LastActivity:  st.LastActivity,
		ExpiresAt:     st.ExpiresAt,
		UserAgentHash: st.UserAgentHash,
		PeerHash:      st.PeerHash,
		Active:        st.Active,
		Medical: MedicalContext{
			Interactions:      st.Medical.Interactions,
			ToolsUsed:         append([]string(nil), st.Medical.ToolsUsed...),
			ResourcesAccessed: append([]string(nil), st.Medical.ResourcesAccessed...),
		},
	}
}
