// Package room holds the in-memory signaling room registry: the mapping from
// session id to room state, the one-sharer invariant, and idle-room cleanup.
package room

import (
	"regexp"
	"sync"
	"time"

	"github.com/tabcast/signaling-server/internal/ratelimit"
)

// Role is a peer's function within a room.
type Role string

const (
	RoleSharer Role = "sharer"
	RoleViewer Role = "viewer"
)

// Peer is one connection's membership record in a room.
type Peer struct {
	ID       string
	Role     Role
	JoinedAt time.Time
}

// room is the per-session state. members is the sole source of truth for
// membership; sharerID is a denormalized pointer into members and the two are
// only ever updated together, under the registry lock.
type room struct {
	sessionID string
	sharerID  string
	members   map[string]Peer
	createdAt time.Time
}

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// IsValidSessionID reports whether s is a well-formed session identifier:
// 8-64 characters over [A-Za-z0-9_-].
func IsValidSessionID(s string) bool {
	return sessionIDPattern.MatchString(s)
}

// Registry owns every live room. All operations are synchronous in-memory map
// work under a single mutex; nothing blocks on I/O while the lock is held.
type Registry struct {
	clock ratelimit.Clock

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry constructs an empty registry. A nil clock means time.Now.
func NewRegistry(clock ratelimit.Clock) *Registry {
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &Registry{
		clock: clock,
		rooms: make(map[string]*room),
	}
}

func (r *Registry) getOrCreateLocked(sessionID string) *room {
	rm := r.rooms[sessionID]
	if rm == nil {
		rm = &room{
			sessionID: sessionID,
			members:   make(map[string]Peer),
			createdAt: r.clock.Now(),
		}
		r.rooms[sessionID] = rm
	}
	return rm
}

// deleteIfEmptyLocked removes a room that has neither a sharer nor any
// members. Such a room has no reason to exist and must not wait for the
// sweeper.
func (r *Registry) deleteIfEmptyLocked(rm *room) {
	if rm.sharerID == "" && len(rm.members) == 0 {
		delete(r.rooms, rm.sessionID)
	}
}

// ClaimSharer atomically takes the room's single sharer slot for connID,
// creating the room if needed. It fails without mutation when the slot is
// already held.
func (r *Registry) ClaimSharer(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.getOrCreateLocked(sessionID)
	if rm.sharerID != "" {
		r.deleteIfEmptyLocked(rm)
		return false
	}
	rm.sharerID = connID
	rm.members[connID] = Peer{ID: connID, Role: RoleSharer, JoinedAt: r.clock.Now()}
	return true
}

// ReleaseSharer frees the sharer slot if connID currently holds it. A stale
// caller (slot empty, or held by someone else) is a no-op returning false.
func (r *Registry) ReleaseSharer(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil || rm.sharerID != connID {
		return false
	}
	rm.sharerID = ""
	delete(rm.members, connID)
	r.deleteIfEmptyLocked(rm)
	return true
}

// AddViewer registers connID as a viewer, creating the room if needed.
// Returns false (no-op) when connID is already a member.
func (r *Registry) AddViewer(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.getOrCreateLocked(sessionID)
	if _, ok := rm.members[connID]; ok {
		return false
	}
	rm.members[connID] = Peer{ID: connID, Role: RoleViewer, JoinedAt: r.clock.Now()}
	return true
}

// JoinResult describes the outcome of a viewer join attempt.
type JoinResult int

const (
	Joined JoinResult = iota
	AlreadyMember
	AtCapacity
)

// JoinViewer performs the viewer join as one critical section: idempotent
// re-join detection, the capacity check, and registration cannot interleave
// with other joins. maxViewers <= 0 means unlimited. The returned count is the
// room's viewer count after the operation.
func (r *Registry) JoinViewer(sessionID, connID string, maxViewers int) (JoinResult, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.getOrCreateLocked(sessionID)
	if _, ok := rm.members[connID]; ok {
		return AlreadyMember, viewerCountLocked(rm)
	}
	if maxViewers > 0 && viewerCountLocked(rm) >= maxViewers {
		r.deleteIfEmptyLocked(rm)
		return AtCapacity, viewerCountLocked(rm)
	}
	rm.members[connID] = Peer{ID: connID, Role: RoleViewer, JoinedAt: r.clock.Now()}
	return Joined, viewerCountLocked(rm)
}

// RemoveViewer drops connID's membership if present. The room is deleted once
// it has neither a sharer nor any members.
func (r *Registry) RemoveViewer(sessionID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil {
		return
	}
	delete(rm.members, connID)
	r.deleteIfEmptyLocked(rm)
}

func viewerCountLocked(rm *room) int {
	n := 0
	for _, p := range rm.members {
		if p.Role == RoleViewer {
			n++
		}
	}
	return n
}

// ViewerCount returns the number of viewer-role members. The sharer's own
// entry never counts, even though it lives in the same map.
func (r *Registry) ViewerCount(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil {
		return 0
	}
	return viewerCountLocked(rm)
}

// ViewerIDs returns the connection ids of all viewer-role members. Used to
// tell a newly-joined sharer which viewers are already waiting.
func (r *Registry) ViewerIDs(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil {
		return nil
	}
	ids := make([]string, 0, len(rm.members))
	for _, p := range rm.members {
		if p.Role == RoleViewer {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// MemberIDs returns every member's connection id, sharer included. This is
// the broadcast group for the session.
func (r *Registry) MemberIDs(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil {
		return nil
	}
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether connID belongs to the room in any role.
func (r *Registry) IsMember(sessionID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil {
		return false
	}
	_, ok := rm.members[connID]
	return ok
}

// HasSharer reports whether the room's sharer slot is held.
func (r *Registry) HasSharer(sessionID string) bool {
	_, ok := r.SharerID(sessionID)
	return ok
}

// SharerID returns the current sharer's connection id, if any.
func (r *Registry) SharerID(sessionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm := r.rooms[sessionID]
	if rm == nil || rm.sharerID == "" {
		return "", false
	}
	return rm.sharerID, true
}

// Has reports whether a room exists for sessionID.
func (r *Registry) Has(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rooms[sessionID]
	return ok
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// SweepIdleRooms deletes rooms idle for longer than idleThreshold and returns
// how many were removed. A room with an active sharer is never swept: the
// sharer's presence counts as continuous activity, so a silent but
// still-sharing broadcaster is not evicted. For sharer-less rooms the last
// activity is the most recent viewer join (or room creation).
func (r *Registry) SweepIdleRooms(now time.Time, idleThreshold time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for sessionID, rm := range r.rooms {
		if rm.sharerID != "" {
			continue
		}
		lastActivity := rm.createdAt
		for _, p := range rm.members {
			if p.JoinedAt.After(lastActivity) {
				lastActivity = p.JoinedAt
			}
		}
		if now.Sub(lastActivity) > idleThreshold {
			delete(r.rooms, sessionID)
			removed++
		}
	}
	return removed
}
