// Package metrics provides collection and reporting of RPC/proxy metrics.
// Adapted from the mining-proxy teacher's share/connection counters: an
// atomic-counter Collector that Prometheus reads through Func collectors at
// scrape time (prometheus.go), re-themed from mining shares to RPC calls,
// streams, and proxy splices.
package metrics

import (
	"sync/atomic"
	"time"
)

// Collector holds all process-wide proxy/RPC metrics.
type Collector struct {
	// Connection metrics
	ConnectionsActive  atomic.Int64
	StreamsActive      atomic.Int64
	ProxySplicesActive atomic.Int64

	// Call metrics
	CallsTotal       atomic.Uint64
	CallErrorsTotal  atomic.Uint64
	CallTimeoutTotal atomic.Uint64

	// Pub/sub metrics
	SubscriptionsActive atomic.Int64
	PublishesTotal      atomic.Uint64

	// Proxy metrics
	ProxyBytesForwarded atomic.Uint64
	ProxyConnectFailed  atomic.Uint64

	// Write back-pressure (spec §9 "connection-level write queue counter")
	RPCWriteQueueDepth atomic.Int64

	LastActivityUnix atomic.Int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

func (m *Collector) ConnectionOpened() {
	m.ConnectionsActive.Add(1)
	m.touch()
}

func (m *Collector) ConnectionClosed() {
	m.ConnectionsActive.Add(-1)
}

func (m *Collector) StreamOpened() {
	m.StreamsActive.Add(1)
}

func (m *Collector) StreamClosed() {
	m.StreamsActive.Add(-1)
}

func (m *Collector) ProxySpliceOpened() {
	m.ProxySplicesActive.Add(1)
}

func (m *Collector) ProxySpliceClosed() {
	m.ProxySplicesActive.Add(-1)
}

func (m *Collector) IncrementCalls() {
	m.CallsTotal.Add(1)
	m.touch()
}

func (m *Collector) IncrementCallErrors() {
	m.CallErrorsTotal.Add(1)
}

func (m *Collector) IncrementCallTimeouts() {
	m.CallTimeoutTotal.Add(1)
}

func (m *Collector) SubscriptionAdded() {
	m.SubscriptionsActive.Add(1)
}

func (m *Collector) SubscriptionRemoved() {
	m.SubscriptionsActive.Add(-1)
}

func (m *Collector) IncrementPublishes() {
	m.PublishesTotal.Add(1)
}

func (m *Collector) AddProxyBytesForwarded(n uint64) {
	m.ProxyBytesForwarded.Add(n)
}

func (m *Collector) IncrementProxyConnectFailed() {
	m.ProxyConnectFailed.Add(1)
}

func (m *Collector) touch() {
	m.LastActivityUnix.Store(time.Now().Unix())
}

// Snapshot is a point-in-time view of metrics (the teacher's HttpServe
// reporting pattern, re-themed from mining shares to RPC/proxy counters).
// No HTTP endpoint serves it; cmd/karoocd exposes only /metrics.
type Snapshot struct {
	ConnectionsActive   int64  `json:"connections_active"`
	StreamsActive       int64  `json:"streams_active"`
	ProxySplicesActive  int64  `json:"proxy_splices_active"`
	CallsTotal          uint64 `json:"calls_total"`
	CallErrorsTotal     uint64 `json:"call_errors_total"`
	CallTimeoutTotal    uint64 `json:"call_timeouts_total"`
	SubscriptionsActive int64  `json:"subscriptions_active"`
	PublishesTotal      uint64 `json:"publishes_total"`
	ProxyBytesForwarded uint64 `json:"proxy_bytes_forwarded"`
	ProxyConnectFailed  uint64 `json:"proxy_connect_failed"`
	RPCWriteQueueDepth  int64  `json:"rpc_write_queue_depth"`
}

func (m *Collector) Snapshot() Snapshot {
	return Snapshot{
		ConnectionsActive:   m.ConnectionsActive.Load(),
		StreamsActive:       m.StreamsActive.Load(),
		ProxySplicesActive:  m.ProxySplicesActive.Load(),
		CallsTotal:          m.CallsTotal.Load(),
		CallErrorsTotal:     m.CallErrorsTotal.Load(),
		CallTimeoutTotal:    m.CallTimeoutTotal.Load(),
		SubscriptionsActive: m.SubscriptionsActive.Load(),
		PublishesTotal:      m.PublishesTotal.Load(),
		ProxyBytesForwarded: m.ProxyBytesForwarded.Load(),
		ProxyConnectFailed:  m.ProxyConnectFailed.Load(),
		RPCWriteQueueDepth:  m.RPCWriteQueueDepth.Load(),
	}
}
