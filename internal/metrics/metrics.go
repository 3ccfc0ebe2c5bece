package metrics

import "sync"

// Event names recorded by the signaling server.
const (
	EventConnectionOpened = "connection_opened"
	EventConnectionClosed = "connection_closed"

	EventRoomCreated = "room_created"
	EventRoomDeleted = "room_deleted"
	EventRoomSwept   = "room_swept"
	EventRoomJoin    = "room_join"
	EventRoomLeave   = "room_leave"
	EventRoomFull    = "room_full"

	EventSignalRelayed  = "signal_relayed"
	EventInvalidPayload = "invalid_payload"
	EventPeerNotFound   = "peer_not_found"

	EventSendQueueDrop = "send_queue_drop"
	EventRateLimited   = "rate_limited"

	EventTurnCredentialsIssued = "turn_credentials_issued"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// Counters exist so routing and overflow decisions stay observable and
// testable without committing to a metrics backend; the Prometheus handler
// exposes them for scraping.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
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
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
