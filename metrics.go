package wsclient

import (
	"sync"
	"sync/atomic"
	"time"
)

// MetricsRegistry holds runtime counters for sessions created under one
// Client: a string-keyed, thread-safe map with dynamic registration,
// grounded directly on the teacher's control/metrics.go. Supplements
// spec.md with the observability the teacher's codebase carries as
// ambient infrastructure even though spec.md's scope excludes a metrics
// subsystem of its own.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time

	sessionsOpened int64
	sessionsClosed int64
	bytesSent      int64
	bytesReceived  int64
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{metrics: make(map[string]any)}
}

// Set sets or updates an arbitrary metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns a copy of the latest named metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

func (mr *MetricsRegistry) incSessionsOpened() { atomic.AddInt64(&mr.sessionsOpened, 1) }
func (mr *MetricsRegistry) incSessionsClosed() { atomic.AddInt64(&mr.sessionsClosed, 1) }
func (mr *MetricsRegistry) addBytesSent(n int64)     { atomic.AddInt64(&mr.bytesSent, n) }
func (mr *MetricsRegistry) addBytesReceived(n int64) { atomic.AddInt64(&mr.bytesReceived, n) }

// SessionsOpened returns the number of sessions this client has opened.
func (mr *MetricsRegistry) SessionsOpened() int64 { return atomic.LoadInt64(&mr.sessionsOpened) }

// SessionsClosed returns the number of sessions this client has closed.
func (mr *MetricsRegistry) SessionsClosed() int64 { return atomic.LoadInt64(&mr.sessionsClosed) }

// BytesSent returns the cumulative encoded frame bytes (headers, mask keys
// and post-extension payload) queued for the wire by SendText/SendBinary.
// Control frames and PartialWriter fragments are not counted.
func (mr *MetricsRegistry) BytesSent() int64 { return atomic.LoadInt64(&mr.bytesSent) }

// BytesReceived returns the cumulative payload bytes delivered to the
// handler after extension decoding.
func (mr *MetricsRegistry) BytesReceived() int64 { return atomic.LoadInt64(&mr.bytesReceived) }
