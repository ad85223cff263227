package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/prismer-ai/chatsync"
)

const maxBodyBytes = 1 << 20

// Server serves a RemoteStore to gateway clients.
type Server struct {
	store chatsync.RemoteStore
	token string
	log   zerolog.Logger
	reg   *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	watchers prometheus.Gauge
	frames   *prometheus.CounterVec
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every request.
func WithToken(token string) ServerOption {
	return func(s *Server) { s.token = token }
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithRegistry exposes reg on /metrics in place of a fresh registry, so
// callers can add their own collectors.
func WithRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) { s.reg = reg }
}

func NewServer(store chatsync.RemoteStore, opts ...ServerOption) *Server {
	s := &Server{store: store, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}
	f := promauto.With(s.reg)
	s.requests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_gateway_requests_total",
		Help: "Gateway RPCs by route and status",
	}, []string{"route", "status"})
	s.latency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatsync_gateway_request_duration_seconds",
		Help:    "Gateway RPC latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	s.watchers = f.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_gateway_watchers",
		Help: "Open change-feed connections",
	})
	s.frames = f.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_gateway_frames_total",
		Help: "Change-feed frames sent by type",
	}, []string{"type"})
	return s
}

// Registry returns the registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry { return s.reg }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/get", s.instrument("get", s.handleGet))
		r.Post("/query", s.instrument("query", s.handleQuery))
		r.Post("/batch", s.instrument("batch", s.handleBatch))
		r.Get("/watch", s.handleWatch)
	})
	return r
}

// ListenAndServe serves on addr until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("gateway listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info().Msg("gateway stopped")
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			s.log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("latency", time.Since(start)).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request completed")
		}()
		next.ServeHTTP(ww, r)
	})
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got == "" {
				got = r.URL.Query().Get("token")
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
				writeError(w, chatsync.NewStoreError(chatsync.CodePermissionDenied, "auth", "invalid token", nil))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(route string, h func(r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		data, err := h(r)
		s.latency.WithLabelValues(route).Observe(time.Since(start).Seconds())
		if err != nil {
			status := writeError(w, err)
			s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			if status >= 500 {
				s.log.Error().Err(err).Str("route", route).Msg("request failed")
			}
			return
		}
		writeJSON(w, http.StatusOK, data)
		s.requests.WithLabelValues(route, "200").Inc()
	}
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return chatsync.NewStoreError(chatsync.CodeMalformed, "decode request", err.Error(), nil)
	}
	return nil
}

func (s *Server) handleGet(r *http.Request) (any, error) {
	var req getRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	doc, err := s.store.Get(r.Context(), req.Collection, req.ID)
	if err != nil {
		return nil, err
	}
	return encodeDoc(*doc), nil
}

func (s *Server) handleQuery(r *http.Request) (any, error) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	q, err := decodeQuery(req.Query)
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeMalformed, "decode query", err.Error(), nil)
	}
	docs, err := s.store.Query(r.Context(), q)
	if err != nil {
		return nil, err
	}
	out := make([]chatsync.Document, len(docs))
	for i, d := range docs {
		out[i] = encodeDoc(d)
	}
	return out, nil
}

func (s *Server) handleBatch(r *http.Request) (any, error) {
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	writes, err := decodeWrites(req.Writes)
	if err != nil {
		return nil, chatsync.NewStoreError(chatsync.CodeMalformed, "decode writes", err.Error(), nil)
	}
	return nil, s.store.Batch(r.Context(), writes)
}

// handleWatch upgrades to a websocket and multiplexes subscriptions over it.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}
	s.watchers.Inc()
	defer s.watchers.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	ws := &watchSession{server: s, conn: conn, subs: make(map[string]chatsync.Subscription)}
	defer ws.closeAll()

	if err := ws.send(ctx, Frame{Type: FrameAuthenticated}); err != nil {
		return
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				s.log.Debug().Err(err).Msg("watch connection ended")
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			_ = ws.send(ctx, Frame{Type: FrameError, Error: &ErrorBody{Code: chatsync.CodeMalformed, Message: "bad frame"}})
			continue
		}
		ws.handle(ctx, f)
	}
}

type watchSession struct {
	server *Server
	conn   *websocket.Conn

	mu   sync.Mutex
	subs map[string]chatsync.Subscription
}

func (ws *watchSession) send(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ws.server.frames.WithLabelValues(f.Type).Inc()
	return ws.conn.Write(wctx, websocket.MessageText, data)
}

func (ws *watchSession) handle(ctx context.Context, f Frame) {
	switch f.Type {
	case FramePing:
		_ = ws.send(ctx, Frame{Type: FramePong})
	case FrameSubscribe:
		if f.SubscriptionID == "" || f.Query == nil {
			_ = ws.send(ctx, Frame{Type: FrameError, SubscriptionID: f.SubscriptionID,
				Error: &ErrorBody{Code: chatsync.CodeMalformed, Message: "subscribe needs subscriptionId and query"}})
			return
		}
		q, err := decodeQuery(*f.Query)
		if err != nil {
			_ = ws.send(ctx, Frame{Type: FrameError, SubscriptionID: f.SubscriptionID,
				Error: &ErrorBody{Code: chatsync.CodeMalformed, Message: err.Error()}})
			return
		}
		id := f.SubscriptionID
		ws.unsubscribe(id)
		sub, err := ws.server.store.Subscribe(ctx, q, func(ch chatsync.Change) {
			ch.Doc = encodeDoc(ch.Doc)
			_ = ws.send(ctx, Frame{Type: FrameChange, SubscriptionID: id, Change: &ch})
		})
		if err != nil {
			_ = ws.send(ctx, Frame{Type: FrameError, SubscriptionID: id, Error: errorBody(err)})
			return
		}
		ws.mu.Lock()
		ws.subs[id] = sub
		ws.mu.Unlock()
	case FrameUnsubscribe:
		ws.unsubscribe(f.SubscriptionID)
	default:
		_ = ws.send(ctx, Frame{Type: FrameError, Error: &ErrorBody{Code: chatsync.CodeMalformed, Message: "unknown frame " + f.Type}})
	}
}

func (ws *watchSession) unsubscribe(id string) {
	ws.mu.Lock()
	sub, ok := ws.subs[id]
	delete(ws.subs, id)
	ws.mu.Unlock()
	if ok {
		_ = sub.Close()
	}
}

func (ws *watchSession) closeAll() {
	ws.mu.Lock()
	subs := ws.subs
	ws.subs = make(map[string]chatsync.Subscription)
	ws.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	ws.conn.Close(websocket.StatusNormalClosure, "")
}

func errorBody(err error) *ErrorBody {
	var se *chatsync.StoreError
	if errors.As(err, &se) {
		return &ErrorBody{Code: se.Code, Message: se.Message}
	}
	return &ErrorBody{Code: chatsync.CodeUnavailable, Message: err.Error()}
}

func httpStatus(code chatsync.ErrorCode) int {
	switch code {
	case chatsync.CodePermissionDenied:
		return http.StatusForbidden
	case chatsync.CodeNotFound:
		return http.StatusNotFound
	case chatsync.CodeMalformed:
		return http.StatusBadRequest
	case chatsync.CodeConflict:
		return http.StatusConflict
	case chatsync.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) int {
	body := errorBody(err)
	status := httpStatus(body.Code)
	var se *chatsync.StoreError
	if !errors.As(err, &se) {
		status = http.StatusInternalServerError
	}
	writeEnvelope(w, status, Envelope{OK: false, Error: body})
	return status
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	env := Envelope{OK: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			writeError(w, err)
			return
		}
		env.Data = raw
	}
	writeEnvelope(w, status, env)
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
