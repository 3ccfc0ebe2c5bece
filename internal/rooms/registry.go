// Package rooms owns the room membership state of the signaling server.
//
// The Registry is the single writer of membership. Sessions never mutate room
// state directly; they request mutations here, and the Registry enforces its
// invariants (no duplicate members, no empty rooms) atomically per room.
// Cross-room exclusivity is the Session's responsibility.
package rooms

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/DeclanJeon/ponswarp-signaling/internal/metrics"
)

var (
	// ErrAlreadyJoined is returned when a peer id is inserted twice into the
	// same room. Cross-room exclusivity is the Session's job; this is the
	// Registry's defensive backstop.
	ErrAlreadyJoined = errors.New("peer already joined")

	// ErrRoomFull is returned when a join would exceed the room size cap.
	ErrRoomFull = errors.New("room is full")

	// ErrPeerNotFound is returned by Unicast when the target peer is not a
	// member of the room.
	ErrPeerNotFound = errors.New("peer not found in room")
)

// Sink is a connection's outbound message queue. TrySend must never block;
// it reports false when the message was dropped (queue full or closed).
type Sink interface {
	TrySend(msg []byte) bool
}

// Registry maps room ids to member sets.
//
// The top-level mutex guards only the map; every room carries its own lock, so
// joins, leaves and broadcasts on one room serialize against each other while
// traffic on unrelated rooms never contends.
type Registry struct {
	maxRoomSize int
	now         func() time.Time
	metrics     *metrics.Metrics

	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	id        string
	createdAt time.Time

	mu sync.Mutex
	// closed marks a room that has been removed from the map. A join racing
	// with the removal observes the tombstone and retries against a fresh
	// entry instead of resurrecting this one.
	closed  bool
	members map[string]Sink
}

// NewRegistry creates an empty registry. maxRoomSize <= 0 means unlimited.
// A nil metrics registry disables counting; a nil now defaults to time.Now.
func NewRegistry(maxRoomSize int, m *metrics.Metrics, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		maxRoomSize: maxRoomSize,
		now:         now,
		metrics:     m,
		rooms:       make(map[string]*room),
	}
}

// Join atomically inserts the peer into the room, creating the room if
// absent, and returns the member ids present before the insert (sorted).
//
// Fails with ErrAlreadyJoined if the peer is already a member, and with
// ErrRoomFull if the cap would be exceeded; neither case changes any state.
func (r *Registry) Join(roomID, peerID string, sink Sink) ([]string, error) {
	for {
		rm, created := r.getOrCreate(roomID)

		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			// Help the concurrent removal along so the retry observes a fresh
			// map entry instead of spinning on the tombstone.
			r.delete(rm)
			continue
		}
		if _, ok := rm.members[peerID]; ok {
			rm.mu.Unlock()
			return nil, ErrAlreadyJoined
		}
		if r.maxRoomSize > 0 && len(rm.members) >= r.maxRoomSize {
			rm.mu.Unlock()
			r.metrics.Inc(metrics.EventRoomFull)
			return nil, ErrRoomFull
		}

		existing := make([]string, 0, len(rm.members))
		for id := range rm.members {
			existing = append(existing, id)
		}
		sort.Strings(existing)

		rm.members[peerID] = sink
		rm.mu.Unlock()

		if created {
			r.metrics.Inc(metrics.EventRoomCreated)
		}
		r.metrics.Inc(metrics.EventRoomJoin)
		return existing, nil
	}
}

// Leave removes the peer from the room and deletes the room once empty.
// It is a no-op (not an error) when the room or the peer is already gone,
// which makes disconnect cleanup idempotent under races.
//
// It returns whether the peer was actually removed and how many members
// remain.
func (r *Registry) Leave(roomID, peerID string) (removed bool, remaining int) {
	rm := r.get(roomID)
	if rm == nil {
		return false, 0
	}

	rm.mu.Lock()
	if rm.closed {
		rm.mu.Unlock()
		return false, 0
	}
	if _, ok := rm.members[peerID]; !ok {
		remaining = len(rm.members)
		rm.mu.Unlock()
		return false, remaining
	}
	delete(rm.members, peerID)
	remaining = len(rm.members)
	if remaining == 0 {
		rm.closed = true
	}
	rm.mu.Unlock()

	if remaining == 0 {
		r.delete(rm)
		r.metrics.Inc(metrics.EventRoomDeleted)
	}
	r.metrics.Inc(metrics.EventRoomLeave)
	return true, remaining
}

// Broadcast delivers msg to every member's sink except exclude (pass "" to
// deliver to all). Delivery to each sink is independent: a full or closed
// sink does not stop delivery to the rest. Returns how many sinks accepted.
func (r *Registry) Broadcast(roomID, exclude string, msg []byte) int {
	rm := r.get(roomID)
	if rm == nil {
		return 0
	}

	rm.mu.Lock()
	sinks := make([]Sink, 0, len(rm.members))
	for id, sink := range rm.members {
		if id == exclude {
			continue
		}
		sinks = append(sinks, sink)
	}
	rm.mu.Unlock()

	delivered := 0
	for _, sink := range sinks {
		if sink.TrySend(msg) {
			delivered++
		}
	}
	return delivered
}

// Unicast delivers msg to a single member of the room.
func (r *Registry) Unicast(roomID, target string, msg []byte) error {
	rm := r.get(roomID)
	if rm == nil {
		return ErrPeerNotFound
	}

	rm.mu.Lock()
	sink, ok := rm.members[target]
	rm.mu.Unlock()
	if !ok {
		return ErrPeerNotFound
	}

	sink.TrySend(msg)
	return nil
}

// Members returns the sorted member ids of the room, or nil if it is absent.
func (r *Registry) Members(roomID string) []string {
	rm := r.get(roomID)
	if rm == nil {
		return nil
	}

	rm.mu.Lock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	rm.mu.Unlock()

	sort.Strings(out)
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SweepStale removes rooms older than maxAge regardless of membership and
// returns how many were removed. Sessions still pointing at a swept room
// degrade to no-op broadcasts and idempotent leaves.
func (r *Registry) SweepStale(maxAge time.Duration) int {
	now := r.now()

	r.mu.RLock()
	candidates := make([]*room, 0)
	for _, rm := range r.rooms {
		if now.Sub(rm.createdAt) > maxAge {
			candidates = append(candidates, rm)
		}
	}
	r.mu.RUnlock()

	swept := 0
	for _, rm := range candidates {
		rm.mu.Lock()
		if rm.closed {
			rm.mu.Unlock()
			continue
		}
		rm.closed = true
		rm.members = nil
		rm.mu.Unlock()

		r.delete(rm)
		swept++
	}
	r.metrics.Add(metrics.EventRoomSwept, uint64(swept))
	return swept
}

func (r *Registry) get(roomID string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

func (r *Registry) getOrCreate(roomID string) (rm *room, created bool) {
	r.mu.RLock()
	rm = r.rooms[roomID]
	r.mu.RUnlock()
	if rm != nil {
		return rm, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if rm = r.rooms[roomID]; rm != nil {
		return rm, false
	}
	rm = &room{
		id:        roomID,
		createdAt: r.now(),
		members:   make(map[string]Sink),
	}
	r.rooms[roomID] = rm
	return rm, true
}

// delete removes rm from the map if it is still the registered entry for its
// id. The identity check keeps a stale deletion from clobbering a room that
// was recreated under the same id.
func (r *Registry) delete(rm *room) {
	r.mu.Lock()
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	r.mu.Unlock()
}
