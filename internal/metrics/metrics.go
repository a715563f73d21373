package metrics

import "sync"

// Relay event names. Each routing outcome increments exactly one of these.
const (
	ConnectionOpened = "connection_opened"
	ConnectionClosed = "connection_closed"

	Registered               = "registered"
	RegistrationRejected     = "registration_rejected"
	SignalForwarded          = "signal_forwarded"
	SignalDroppedNoTarget    = "signal_dropped_no_target"
	SignalDroppedMissingAddr = "signal_dropped_missing_target_ip"
	ChatStored               = "chat_stored"
	ChatDelivered            = "chat_delivered"
	ChatUndelivered          = "chat_undelivered"
	ChatDroppedInvalid       = "chat_dropped_invalid"
	HistoryServed            = "history_served"
	HistoryDroppedInvalid    = "history_dropped_invalid"
	Disconnected             = "disconnected"
	Broadcast                = "broadcast"

	DropReasonMalformed   = "dropped_malformed"
	DropReasonRateLimited = "dropped_rate_limited"
	DropReasonTooLarge    = "dropped_too_large"
	SendFailure           = "send_failure"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics is valid and
// discards all increments.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	out := make(map[string]uint64)
	if m == nil {
		return out
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
