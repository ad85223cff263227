package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/prismer-ai/chatsync"
)

const (
	DefaultTimeout        = 15 * time.Second
	defaultReconnectBase  = 500 * time.Millisecond
	defaultReconnectMax   = 30 * time.Second
	defaultPingInterval   = 25 * time.Second
	stableConnectionReset = 60 * time.Second
)

// Client is a chatsync.RemoteStore backed by a gateway Server. RPCs go over
// HTTP; subscriptions share one websocket that reconnects with backoff and
// resubscribes, replaying each query's snapshot.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
	backoff    chatsync.Backoff
	pingEvery  time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	connecting  chan struct{}
	subs        map[string]*clientSub
	nextSub     int
	attempt     int
	connectedAt time.Time
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
}

var _ chatsync.RemoteStore = (*Client)(nil)

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithClientToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithReconnectDelay bounds the websocket reconnect backoff.
func WithReconnectDelay(base, maxDelay time.Duration) ClientOption {
	return func(c *Client) { c.backoff = chatsync.Backoff{Base: base, Max: maxDelay} }
}

// WithPingInterval sets the websocket keepalive period.
func WithPingInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.pingEvery = d }
}

// NewClient creates a client for the gateway at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
		backoff:    chatsync.Backoff{Base: defaultReconnectBase, Max: defaultReconnectMax},
		pingEvery:  defaultPingInterval,
		subs:       make(map[string]*clientSub),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============================================================================
// RPC
// ============================================================================

func (c *Client) doRequest(ctx context.Context, op, path string, body any) (json.RawMessage, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeMalformed, op, "marshal request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeMalformed, op, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeUnavailable, op, "request failed", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeUnavailable, op, "read response", err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		code := chatsync.CodeUnavailable
		if resp.StatusCode < 500 {
			code = chatsync.CodeMalformed
		}
		return nil, chatsync.NewStoreError(code, op, "bad response (HTTP "+strconv.Itoa(resp.StatusCode)+")", err)
	}
	if !env.OK {
		if env.Error == nil {
			return nil, chatsync.NewStoreError(chatsync.CodeUnavailable, op, "HTTP "+strconv.Itoa(resp.StatusCode), nil)
		}
		return nil, chatsync.NewStoreError(env.Error.Code, op, env.Error.Message, nil)
	}
	return env.Data, nil
}

func decodeJSON[T any](op string, data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeMalformed, op, "unmarshal response", err)
	}
	return &result, nil
}

func (c *Client) Get(ctx context.Context, collection, id string) (*chatsync.Document, error) {
	raw, err := c.doRequest(ctx, "get", "/v1/get", getRequest{Collection: collection, ID: id})
	if err != nil {
		return nil, err
	}
	doc, err := decodeJSON[chatsync.Document]("get", raw)
	if err != nil {
		return nil, err
	}
	d, err := decodeDoc(*doc)
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeMalformed, "get", err.Error(), nil)
	}
	return &d, nil
}

func (c *Client) Query(ctx context.Context, q chatsync.Query) ([]chatsync.Document, error) {
	raw, err := c.doRequest(ctx, "query", "/v1/query", queryRequest{Query: encodeQuery(q)})
	if err != nil {
		return nil, err
	}
	docs, err := decodeJSON[[]chatsync.Document]("query", raw)
	if err != nil {
		return nil, err
	}
	out := make([]chatsync.Document, 0, len(*docs))
	for _, d := range *docs {
		dd, err := decodeDoc(d)
		if err != nil {
			return nil, chatsync.NewStoreError(chatsync.CodeMalformed, "query", err.Error(), nil)
		}
		out = append(out, dd)
	}
	return out, nil
}

func (c *Client) Batch(ctx context.Context, writes []chatsync.Write) error {
	if len(writes) == 0 {
		return nil
	}
	_, err := c.doRequest(ctx, "batch", "/v1/batch", batchRequest{Writes: encodeWrites(writes)})
	return err
}

func (c *Client) Set(ctx context.Context, collection, id string, data map[string]any, merge bool) error {
	kind := chatsync.WriteSet
	if merge {
		kind = chatsync.WriteMerge
	}
	return c.Batch(ctx, []chatsync.Write{{Kind: kind, Collection: collection, ID: id, Data: data}})
}

func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return c.Batch(ctx, []chatsync.Write{{Kind: chatsync.WriteUpdate, Collection: collection, ID: id, Data: fields}})
}

func (c *Client) Delete(ctx context.Context, collection, id string) error {
	return c.Batch(ctx, []chatsync.Write{{Kind: chatsync.WriteDelete, Collection: collection, ID: id}})
}

// ============================================================================
// Change feed
// ============================================================================

type clientSub struct {
	id     string
	query  chatsync.Query
	fn     chatsync.ChangeHandler
	client *Client
	once   sync.Once
}

func (s *clientSub) Close() error {
	s.once.Do(func() { s.client.unsubscribe(s.id) })
	return nil
}

// Subscribe registers q on the shared websocket, connecting it if needed.
// The subscription ends with Close or when ctx ends.
func (c *Client) Subscribe(ctx context.Context, q chatsync.Query, fn chatsync.ChangeHandler) (chatsync.Subscription, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.nextSub++
	sub := &clientSub{id: "s" + strconv.Itoa(c.nextSub), query: q, fn: fn, client: c}
	c.subs[sub.id] = sub
	c.mu.Unlock()

	if err := c.send(ctx, conn, Frame{Type: FrameSubscribe, SubscriptionID: sub.id, Query: ptr(encodeQuery(q))}); err != nil {
		c.mu.Lock()
		delete(c.subs, sub.id)
		c.mu.Unlock()
		return nil, chatsync.NewStoreError(chatsync.CodeUnavailable, "subscribe", "send subscribe", err)
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-c.ctx.Done():
		}
	}()
	return sub, nil
}

func ptr[T any](v T) *T { return &v }

func (c *Client) unsubscribe(id string) {
	c.mu.Lock()
	delete(c.subs, id)
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
		defer cancel()
		_ = c.send(ctx, conn, Frame{Type: FrameUnsubscribe, SubscriptionID: id})
	}
}

func (c *Client) send(ctx context.Context, conn *websocket.Conn, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) watchURL() string {
	u := strings.Replace(c.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/v1/watch"
}

// ensureConn returns the live websocket, dialing it when there is none.
// Concurrent callers share one dial.
func (c *Client) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, chatsync.NewStoreError(chatsync.CodeUnavailable, "subscribe", "client closed", nil)
		}
		if c.conn != nil {
			conn := c.conn
			c.mu.Unlock()
			return conn, nil
		}
		if wait := c.connecting; wait != nil {
			c.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		done := make(chan struct{})
		c.connecting = done
		c.mu.Unlock()

		conn, err := c.dial(ctx)
		c.mu.Lock()
		c.connecting = nil
		if err == nil {
			c.conn = conn
			c.connectedAt = time.Now()
		}
		c.mu.Unlock()
		close(done)
		if err != nil {
			return nil, chatsync.NewStoreError(chatsync.CodeUnavailable, "subscribe", "connect change feed", err)
		}
		connCtx, cancel := context.WithCancel(c.ctx)
		go c.readLoop(connCtx, cancel, conn)
		go c.pingLoop(connCtx, conn)
		return conn, nil
	}
}

// dial opens the websocket and waits for the server's authenticated frame.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var opts *websocket.DialOptions
	if c.token != "" {
		opts = &websocket.DialOptions{HTTPHeader: http.Header{"Authorization": []string{"Bearer " + c.token}}}
	}
	conn, _, err := websocket.Dial(ctx, c.watchURL(), opts)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxBodyBytes)
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth frame: %w", err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil || f.Type != FrameAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected %q, got %q", FrameAuthenticated, f.Type)
	}
	return conn, nil
}

func (c *Client) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f Frame) {
	switch f.Type {
	case FrameChange:
		if f.Change == nil {
			return
		}
		c.mu.Lock()
		sub := c.subs[f.SubscriptionID]
		c.mu.Unlock()
		if sub == nil {
			return
		}
		doc, err := decodeDoc(f.Change.Doc)
		if err != nil {
			c.log.Warn().Err(err).Str("subscription", f.SubscriptionID).Msg("dropping undecodable change")
			return
		}
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			sub.fn(chatsync.Change{Kind: f.Change.Kind, Doc: doc})
		}()
	case FrameError:
		ev := c.log.Warn().Str("subscription", f.SubscriptionID)
		if f.Error != nil {
			ev = ev.Str("code", string(f.Error.Code)).Str("message", f.Error.Message)
		}
		ev.Msg("gateway reported error")
	case FramePong:
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if c.pingEvery <= 0 {
		return
	}
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.pingEvery)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				c.log.Debug().Err(err).Msg("keepalive failed")
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				return
			}
		}
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	closed := c.closed
	hasSubs := len(c.subs) > 0
	if !c.connectedAt.IsZero() && time.Since(c.connectedAt) > stableConnectionReset {
		c.attempt = 0
	}
	c.mu.Unlock()
	if closed {
		return
	}
	c.log.Info().Err(cause).Bool("resubscribe", hasSubs).Msg("change feed disconnected")
	if hasSubs {
		go c.reconnect()
	}
}

// reconnect redials with backoff until it succeeds or the client closes, then
// replays every live subscription.
func (c *Client) reconnect() {
	for {
		c.mu.Lock()
		attempt := c.attempt
		c.attempt++
		c.mu.Unlock()
		if err := c.backoff.Sleep(c.ctx, attempt); err != nil {
			return
		}
		conn, err := c.ensureConn(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("reconnect failed")
			continue
		}

		c.mu.Lock()
		subs := make([]*clientSub, 0, len(c.subs))
		for _, s := range c.subs {
			subs = append(subs, s)
		}
		c.mu.Unlock()
		for _, s := range subs {
			ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
			err := c.send(ctx, conn, Frame{Type: FrameSubscribe, SubscriptionID: s.id, Query: ptr(encodeQuery(s.query))})
			cancel()
			if err != nil {
				c.log.Warn().Err(err).Str("subscription", s.id).Msg("resubscribe failed")
			}
		}
		c.log.Info().Int("subscriptions", len(subs)).Msg("change feed restored")
		return
	}
}

// Close drops every subscription and the websocket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.subs = make(map[string]*clientSub)
	c.mu.Unlock()
	c.cancel()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}
