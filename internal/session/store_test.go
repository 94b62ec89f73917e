package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/apperr"
	"github.com/Klyne-Labs-LLC/medintel-gateway/internal/tokens"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	issuer, err := tokens.NewIssuer("session-test-secret")
	require.NoError(t, err)
	issuer = issuer.WithClock(clock.Now)
	store := NewStore(issuer, nil, nil, zap.NewNop(), ttl, time.Minute).WithClock(clock.Now)
	return store, clock
}

func TestCreateAndValidate(t *testing.T) {
	store, clock := newTestStore(t, 30*time.Minute)

	snap, token, err := store.Create(Fingerprint{UserAgent: "test-agent", PeerAddr: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, snap.Active)
	assert.NotEmpty(t, snap.UserAgentHash)
	assert.NotContains(t, snap.PeerHash, "10.0.0.1")
	assert.Equal(t, snap.CreatedAt.Add(30*time.Minute), snap.ExpiresAt)

	clock.Advance(time.Minute)
	got, err := store.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, clock.Now(), got.LastActivity, "validate advances lastActivity")
	assert.Equal(t, snap.ExpiresAt, got.ExpiresAt, "activity does not extend expiry")
}

func TestValidateTTLBoundary(t *testing.T) {
	store, clock := newTestStore(t, 30*time.Minute)
	_, token, err := store.Create(Fingerprint{})
	require.NoError(t, err)

	clock.Advance(30*time.Minute - time.Millisecond)
	_, err = store.Validate(token)
	assert.NoError(t, err, "expiry-1ms validates")

	clock.Advance(2 * time.Millisecond)
	_, err = store.Validate(token)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSessionExpired, apperr.CodeOf(err), "expiry+1ms fails with SessionExpired")
}

func TestDeactivateIsMonotone(t *testing.T) {
	store, _ := newTestStore(t, 30*time.Minute)
	snap, token, err := store.Create(Fingerprint{})
	require.NoError(t, err)

	store.Deactivate(snap.ID)
	store.Deactivate(snap.ID) // idempotent

	_, err = store.Validate(token)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidSession, apperr.CodeOf(err))
}

func TestValidateFailureModes(t *testing.T) {
	store, clock := newTestStore(t, 30*time.Minute)

	_, err := store.Validate("")
	assert.Equal(t, apperr.CodeNoSessionToken, apperr.CodeOf(err))

	_, err = store.Validate("bogus.token.value")
	assert.Equal(t, apperr.CodeInvalidSession, apperr.CodeOf(err))

	// Token signed for a session the store never created.
	issuer, err2 := tokens.NewIssuer("session-test-secret")
	require.NoError(t, err2)
	orphan, err2 := issuer.Issue("ghost-session", clock.Now().Add(time.Hour))
	require.NoError(t, err2)
	_, err = store.Validate(orphan)
	assert.Equal(t, apperr.CodeInvalidSession, apperr.CodeOf(err))
}

func TestLastActivityMonotoneUnderConcurrency(t *testing.T) {
	store, clock := newTestStore(t, 30*time.Minute)
	_, token, err := store.Create(Fingerprint{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				snap, verr := store.Validate(token)
				if verr != nil {
					continue
				}
				if snap.LastActivity.After(clock.Now()) {
					t.Errorf("lastActivity %v ahead of clock %v", snap.LastActivity, clock.Now())
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		clock.Advance(time.Millisecond)
	}
	wg.Wait()

	snap, err := store.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), snap.LastActivity)
}

func TestRecordUsageSorted(t *testing.T) {
	store, _ := newTestStore(t, 30*time.Minute)
	snap, _, err := store.Create(Fingerprint{})
	require.NoError(t, err)

	store.RecordUsage(snap.ID, []string{"knowledge-base", "citations"}, []string{"chat"})
	store.RecordUsage(snap.ID, []string{"citations"}, []string{"chat"})

	got, err := store.Validate(mustToken(t, store, snap.ID))
	require.NoError(t, err)
	assert.Equal(t, 2, got.Medical.Interactions)
	assert.Equal(t, []string{"citations", "citations", "knowledge-base"}, got.Medical.ToolsUsed)
	assert.Equal(t, []string{"chat", "chat"}, got.Medical.ResourcesAccessed)
}

func TestSweepExpiresAndPurges(t *testing.T) {
	store, clock := newTestStore(t, 10*time.Minute)
	snap, token, err := store.Create(Fingerprint{})
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	clock.Advance(11 * time.Minute)
	deactivated, purged := store.Sweep()
	assert.Equal(t, 1, deactivated)
	assert.Zero(t, purged)
	assert.Equal(t, 1, store.Len(), "record retained through the grace window")

	_, err = store.Validate(token)
	require.Error(t, err)

	clock.Advance(2 * time.Minute)
	deactivated, purged = store.Sweep()
	assert.Zero(t, deactivated)
	assert.Equal(t, 1, purged)
	assert.Zero(t, store.Len())

	_ = snap
}

func mustToken(t *testing.T, store *Store, sessionID string) string {
	t.Helper()
	issuer, err := tokens.NewIssuer("session-test-secret")
	require.NoError(t, err)
	issuer = issuer.WithClock(store.now)
	token, err := issuer.Issue(sessionID, store.now().Add(time.Hour))
	require.NoError(t, err)
	return token
}
