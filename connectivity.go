package chatsync

import (
	"context"
	"net"
	"sync"
	"time"
)

// ConnectionClass hints at the kind of network path.
type ConnectionClass string

const (
	ClassWifi     ConnectionClass = "wifi"
	ClassCellular ConnectionClass = "cellular"
	ClassWired    ConnectionClass = "wired"
	ClassUnknown  ConnectionClass = "unknown"
)

// PathStatus is a snapshot of the device network path.
type PathStatus struct {
	Connected bool            `json:"connected"`
	Class     ConnectionClass `json:"class"`
}

// ConnectivityMonitor tracks the network path and tells listeners when the
// connected flag flips. Reads never block on the network.
type ConnectivityMonitor struct {
	mu        sync.RWMutex
	status    PathStatus
	nextID    int
	listeners map[int]func(PathStatus)

	// serializes notifications so listeners see flips in order
	notifyMu sync.Mutex
}

// NewConnectivityMonitor starts from initial.
func NewConnectivityMonitor(initial PathStatus) *ConnectivityMonitor {
	if initial.Class == "" {
		initial.Class = ClassUnknown
	}
	return &ConnectivityMonitor{
		status:    initial,
		listeners: make(map[int]func(PathStatus)),
	}
}

func (m *ConnectivityMonitor) Connected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Connected
}

func (m *ConnectivityMonitor) Class() ConnectionClass {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Class
}

func (m *ConnectivityMonitor) Status() PathStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// OnChange registers fn for connected flips. fn runs on the updating
// goroutine and must not block. The returned func removes the listener.
func (m *ConnectivityMonitor) OnChange(fn func(PathStatus)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Update records a new path status, typically pushed by the platform's path
// monitor. Listeners fire only when Connected changes.
func (m *ConnectivityMonitor) Update(status PathStatus) {
	if status.Class == "" {
		status.Class = ClassUnknown
	}
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	flipped := m.status.Connected != status.Connected
	m.status = status
	var handlers []func(PathStatus)
	if flipped {
		for _, h := range m.listeners {
			handlers = append(handlers, h)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(status)
		}()
	}
}

// SetConnected is Update keeping the current class.
func (m *ConnectivityMonitor) SetConnected(connected bool) {
	m.Update(PathStatus{Connected: connected, Class: m.Class()})
}

// ============================================================================
// Probing
// ============================================================================

// PathProbe reports the current network path on demand.
type PathProbe interface {
	Probe(ctx context.Context) PathStatus
}

// Watch polls probe every interval and feeds the monitor until ctx ends.
// It is the fallback for platforms without a push-based path monitor.
func (m *ConnectivityMonitor) Watch(ctx context.Context, probe PathProbe, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.Update(probe.Probe(ctx))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Update(probe.Probe(ctx))
		}
	}
}

// DialProbe treats the path as connected when a TCP dial to Address succeeds.
type DialProbe struct {
	Address string
	Timeout time.Duration
	Class   ConnectionClass
}

func (p DialProbe) Probe(ctx context.Context) PathStatus {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	class := p.Class
	if class == "" {
		class = ClassUnknown
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return PathStatus{Connected: false, Class: class}
	}
	conn.Close()
	return PathStatus{Connected: true, Class: class}
}
