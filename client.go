package chatsync

import (
	"context"
	"errors"
	"time"
)

// Client bundles the sync and liveness components over one remote store and
// local cache. Each component stays usable on its own; Client only owns
// their shared lifecycle.
type Client struct {
	Remote       RemoteStore
	Cache        LocalCache
	Connectivity *ConnectivityMonitor
	Directory    *Directory
	Sync         *SyncEngine
	Presence     *PresenceEngine
	Typing       *TypingCoordinator
}

// New wires the components. A nil monitor starts connected.
func New(remote RemoteStore, cache LocalCache, monitor *ConnectivityMonitor, opts ...Option) *Client {
	if monitor == nil {
		monitor = NewConnectivityMonitor(PathStatus{Connected: true})
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	o := buildOptions(opts)
	shared := func(p *Options) { *p = o }
	dir := NewDirectory(remote, shared)
	return &Client{
		Remote:       remote,
		Cache:        cache,
		Connectivity: monitor,
		Directory:    dir,
		Sync:         NewSyncEngine(cache, remote, monitor, dir, shared),
		Presence:     NewPresenceEngine(remote, monitor, shared),
		Typing:       NewTypingCoordinator(remote, shared),
	}
}

// Start begins connectivity-driven syncing and, when userID is set, presence.
func (c *Client) Start(userID string, allowOnline bool) error {
	c.Sync.Start()
	if userID == "" {
		return nil
	}
	return c.Presence.Start(userID, allowOnline)
}

// StartAs starts the client for auth's signed-in user. Without a user only
// syncing starts.
func (c *Client) StartAs(auth Auth, allowOnline bool) error {
	userID, ok := auth.CurrentUserID()
	if !ok {
		userID = ""
	}
	return c.Start(userID, allowOnline)
}

// Close stops every component and closes the cache. Best-effort offline and
// typing-clear writes get a few seconds.
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.Presence.Stop(ctx)
	c.Typing.Close(ctx)
	return errors.Join(c.Sync.Close(), c.Cache.Close())
}
