package chatsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func presenceOf(t *testing.T, store RemoteStore, userID string) *Presence {
	t.Helper()
	doc, err := store.Get(context.Background(), CollectionPresence, userID)
	if IsNotFound(err) {
		return nil
	}
	require.NoError(t, err)
	p, err := ParsePresence(*doc)
	require.NoError(t, err)
	return p
}

func (f *faultStore) presenceWrites(userID string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []map[string]any
	for i, target := range f.setTargets {
		if target == CollectionPresence+"/"+userID {
			out = append(out, f.setWrites[i])
		}
	}
	return out
}

func TestPresence_PrivacyGatesOnline(t *testing.T) {
	store := newFaultStore()
	conn := NewConnectivityMonitor(PathStatus{Connected: true})
	p := NewPresenceEngine(store, conn, WithHeartbeatInterval(5*time.Millisecond))

	require.NoError(t, p.Start("alice", false))
	require.Eventually(t, func() bool { return len(store.presenceWrites("alice")) >= 3 }, time.Second, time.Millisecond)
	for _, w := range store.presenceWrites("alice") {
		assert.Equal(t, false, w["online"], "hidden users never announce online")
	}
	pr := presenceOf(t, store, "alice")
	require.NotNil(t, pr)
	assert.False(t, pr.Online)
	assert.False(t, pr.LastHeartbeat.IsZero(), "heartbeats continue while hidden")

	p.SetAllowOnline(true)
	require.Eventually(t, func() bool {
		pr := presenceOf(t, store, "alice")
		return pr != nil && pr.Online
	}, time.Second, time.Millisecond)
	state := p.State()
	assert.True(t, state.Active)
	assert.True(t, state.AllowOnline)
	assert.False(t, state.LastHeartbeat.IsZero())

	p.Stop(context.Background())
	pr = presenceOf(t, store, "alice")
	assert.False(t, pr.Online)
	assert.False(t, pr.LastSeen.IsZero())
	assert.False(t, p.State().Active)

	// no heartbeats after stop
	n := len(store.presenceWrites("alice"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, store.presenceWrites("alice"), n)
	p.Stop(context.Background())
}

func TestPresence_NoWritesWhileOffline(t *testing.T) {
	store := newFaultStore()
	conn := NewConnectivityMonitor(PathStatus{Connected: false})
	p := NewPresenceEngine(store, conn, WithHeartbeatInterval(5*time.Millisecond))
	defer p.Stop(context.Background())

	require.NoError(t, p.Start("alice", true))
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, store.presenceWrites("alice"))

	conn.SetConnected(true)
	require.Eventually(t, func() bool {
		pr := presenceOf(t, store, "alice")
		return pr != nil && pr.Online
	}, time.Second, time.Millisecond)
	assert.True(t, presenceOf(t, store, "alice").LastSeen.IsZero())

	// a dropped path is stamped as last seen on the next heartbeat
	conn.SetConnected(false)
	conn.SetConnected(true)
	require.Eventually(t, func() bool {
		pr := presenceOf(t, store, "alice")
		return pr != nil && !pr.LastSeen.IsZero()
	}, time.Second, time.Millisecond)
}

func TestPresence_WriteFailuresAreSwallowed(t *testing.T) {
	store := newFaultStore()
	store.setErr = errUnavailable
	conn := NewConnectivityMonitor(PathStatus{Connected: true})
	p := NewPresenceEngine(store, conn, WithHeartbeatInterval(5*time.Millisecond))

	require.NoError(t, p.Start("alice", true))
	require.Eventually(t, func() bool { return len(store.presenceWrites("alice")) >= 2 }, time.Second, time.Millisecond)
	state := p.State()
	assert.True(t, state.Active)
	assert.True(t, state.LastHeartbeat.IsZero())

	assert.NotPanics(t, func() { p.Stop(context.Background()) })
}

func TestPresence_SwitchUser(t *testing.T) {
	store := newFaultStore()
	conn := NewConnectivityMonitor(PathStatus{Connected: true})
	p := NewPresenceEngine(store, conn, WithHeartbeatInterval(time.Hour))
	defer p.Stop(context.Background())

	require.NoError(t, p.Start("alice", true))
	require.Eventually(t, func() bool {
		pr := presenceOf(t, store, "alice")
		return pr != nil && pr.Online
	}, time.Second, time.Millisecond)

	require.NoError(t, p.Start("bob", true))
	assert.False(t, presenceOf(t, store, "alice").Online)
	assert.Equal(t, "bob", p.State().UserID)
	require.Eventually(t, func() bool {
		pr := presenceOf(t, store, "bob")
		return pr != nil && pr.Online
	}, time.Second, time.Millisecond)

	assert.Error(t, p.Start("", true))
}

func TestPresence_ObserveAppliesStaleness(t *testing.T) {
	store := NewMemoryStore()
	conn := NewConnectivityMonitor(PathStatus{Connected: true})
	alice := NewPresenceEngine(store, conn, WithHeartbeatInterval(time.Hour))
	require.NoError(t, alice.Start("alice", true))
	defer alice.Stop(context.Background())

	observe := func(opts ...Option) func() (bool, bool) {
		var mu sync.Mutex
		var seen, online bool
		viewer := NewPresenceEngine(store, conn, opts...)
		sub, err := viewer.Observe(context.Background(), "alice", func(_ *Presence, on bool) {
			mu.Lock()
			seen, online = true, on
			mu.Unlock()
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = sub.Close() })
		return func() (bool, bool) {
			mu.Lock()
			defer mu.Unlock()
			return seen, online
		}
	}

	fresh := observe(WithPresenceStaleAfter(time.Minute))
	later := observe(WithNow(func() time.Time { return time.Now().Add(time.Hour) }))

	require.Eventually(t, func() bool {
		seen, online := fresh()
		return seen && online
	}, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		seen, _ := later()
		return seen
	}, time.Second, time.Millisecond)
	_, online := later()
	assert.False(t, online, "a heartbeat an hour old is offline")
}
