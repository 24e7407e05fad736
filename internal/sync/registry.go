package sync

import (
	stdsync "sync"
	"time"
)

// tenantRoom holds every piece of mutable state for one tenant: live
// sessions, offline queues, open conflicts, and sync-state bookkeeping.
// All access goes through the room mutex. Rooms for different tenants never
// share state, so cross-tenant operations never contend.
type tenantRoom struct {
	mu       stdsync.Mutex
	tenantID string

	sessions map[string]*Session // connID -> session
	conns    map[string]Conn     // connID -> conn

	queues    map[string][]*QueueItem // userID -> FIFO pending items
	conflicts []*Conflict             // open conflicts, detection order

	lastSync  time.Time
	locations map[string]time.Time // locationID -> last update time
}

func newTenantRoom(tenantID string) *tenantRoom {
	return &tenantRoom{
		tenantID:  tenantID,
		sessions:  make(map[string]*Session),
		conns:     make(map[string]Conn),
		queues:    make(map[string][]*QueueItem),
		locations: make(map[string]time.Time),
	}
}

func (r *tenantRoom) empty() bool {
	if len(r.sessions) > 0 || len(r.conflicts) > 0 {
		return false
	}
	for _, q := range r.queues {
		if len(q) > 0 {
			return false
		}
	}
	return true
}

// Registry is the arena of per-tenant rooms. Nothing is reachable without a
// tenant key except the connID reverse index needed for Leave.
type Registry struct {
	mu     stdsync.RWMutex
	rooms  map[string]*tenantRoom
	byConn map[string]string // connID -> tenantID
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*tenantRoom),
		byConn: make(map[string]string),
	}
}

func (g *Registry) room(tenantID string) *tenantRoom {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[tenantID]
}

func (g *Registry) roomOrCreate(tenantID string) *tenantRoom {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[tenantID]
	if !ok {
		r = newTenantRoom(tenantID)
		g.rooms[tenantID] = r
	}
	return r
}

// Admit adds a connection to its tenant room. Membership must already have
// been verified by the caller. A connection admitted again is first removed
// from whichever room it was in, so no room ever holds a stale entry.
func (g *Registry) Admit(conn Conn, sess *Session) {
	g.Leave(sess.ConnID)

	room := g.roomOrCreate(sess.TenantID)

	room.mu.Lock()
	room.sessions[sess.ConnID] = sess
	room.conns[sess.ConnID] = conn
	room.mu.Unlock()

	g.mu.Lock()
	g.byConn[sess.ConnID] = sess.TenantID
	g.mu.Unlock()
}

// Leave removes a connection from everything it belonged to. Idempotent.
// The tenant's room is dropped once it holds no sessions, no pending queue
// items and no open conflicts; queues and conflicts outlive connections.
func (g *Registry) Leave(connID string) *Session {
	g.mu.Lock()
	tenantID, ok := g.byConn[connID]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	delete(g.byConn, connID)
	room := g.rooms[tenantID]
	g.mu.Unlock()

	if room == nil {
		return nil
	}

	room.mu.Lock()
	sess := room.sessions[connID]
	delete(room.sessions, connID)
	delete(room.conns, connID)
	drop := room.empty()
	room.mu.Unlock()

	if drop {
		g.mu.Lock()
		if r, ok := g.rooms[tenantID]; ok {
			r.mu.Lock()
			if r.empty() {
				delete(g.rooms, tenantID)
			}
			r.mu.Unlock()
		}
		g.mu.Unlock()
	}

	return sess
}

// Session looks up the session for a connection.
func (g *Registry) Session(connID string) (*Session, bool) {
	g.mu.RLock()
	tenantID, ok := g.byConn[connID]
	g.mu.RUnlock()
	if !ok {
		return nil, false
	}

	room := g.room(tenantID)
	if room == nil {
		return nil, false
	}

	room.mu.Lock()
	defer room.mu.Unlock()
	sess, ok := room.sessions[connID]
	return sess, ok
}

// SetLocation moves a connection into a tenant+location sub-room.
func (g *Registry) SetLocation(connID, locationID string) bool {
	sess, ok := g.Session(connID)
	if !ok {
		return false
	}
	room := g.room(sess.TenantID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	if s, ok := room.sessions[connID]; ok {
		s.LocationID = locationID
	}
	room.mu.Unlock()
	return true
}

// SetOnline flips the online flag for a connection's session.
func (g *Registry) SetOnline(connID string, online bool) {
	sess, ok := g.Session(connID)
	if !ok {
		return
	}
	room := g.room(sess.TenantID)
	if room == nil {
		return
	}
	room.mu.Lock()
	if s, ok := room.sessions[connID]; ok {
		s.Online = online
	}
	room.mu.Unlock()
}

// CountOnline returns the number of distinct online users in a tenant.
func (g *Registry) CountOnline(tenantID string) int {
	room := g.room(tenantID)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	users := make(map[string]struct{})
	for _, s := range room.sessions {
		if s.Online {
			users[s.UserID] = struct{}{}
		}
	}
	return len(users)
}

// CountOnlineAtLocation returns distinct online users at one location.
func (g *Registry) CountOnlineAtLocation(tenantID, locationID string) int {
	room := g.room(tenantID)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	users := make(map[string]struct{})
	for _, s := range room.sessions {
		if s.Online && s.LocationID == locationID {
			users[s.UserID] = struct{}{}
		}
	}
	return len(users)
}

// ActiveTenants returns tenants with at least one live connection.
func (g *Registry) ActiveTenants() []string {
	g.mu.RLock()
	rooms := make([]*tenantRoom, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.RUnlock()

	var out []string
	for _, r := range rooms {
		r.mu.Lock()
		if len(r.conns) > 0 {
			out = append(out, r.tenantID)
		}
		r.mu.Unlock()
	}
	return out
}

// connSnapshot returns the connections to deliver to, filtered by fn,
// without holding the room lock during delivery.
func (g *Registry) connSnapshot(tenantID string, fn func(*Session) bool) []Conn {
	room := g.room(tenantID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]Conn, 0, len(room.conns))
	for connID, c := range room.conns {
		if fn == nil || fn(room.sessions[connID]) {
			out = append(out, c)
		}
	}
	return out
}

// AddConflict appends to the tenant's open-conflict list.
func (g *Registry) AddConflict(c *Conflict) {
	room := g.roomOrCreate(c.TenantID)
	room.mu.Lock()
	room.conflicts = append(room.conflicts, c)
	room.mu.Unlock()
}

// TakeConflict removes and returns an open conflict, claiming it for
// resolution. Returns false when the id is stale or already claimed.
func (g *Registry) TakeConflict(tenantID, conflictID string) (*Conflict, bool) {
	room := g.room(tenantID)
	if room == nil {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	for i, c := range room.conflicts {
		if c.ID == conflictID {
			room.conflicts = append(room.conflicts[:i], room.conflicts[i+1:]...)
			return c, true
		}
	}
	return nil, false
}

// RestoreConflict puts a claimed conflict back after a failed resolution.
func (g *Registry) RestoreConflict(c *Conflict) {
	g.AddConflict(c)
}

// Conflicts returns a snapshot of the tenant's open conflicts.
func (g *Registry) Conflicts(tenantID string) []*Conflict {
	room := g.room(tenantID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]*Conflict, len(room.conflicts))
	copy(out, room.conflicts)
	return out
}

// PushQueueItem appends to a user's pending offline queue. Accepted even
// while the owning user has no live connection.
func (g *Registry) PushQueueItem(tenantID string, item *QueueItem, maxPerUser int) error {
	room := g.roomOrCreate(tenantID)
	room.mu.Lock()
	defer room.mu.Unlock()
	if maxPerUser > 0 && len(room.queues[item.UserID]) >= maxPerUser {
		return ErrQueueFull
	}
	room.queues[item.UserID] = append(room.queues[item.UserID], item)
	return nil
}

// TakeQueue removes and returns a user's pending items in submission order.
func (g *Registry) TakeQueue(tenantID, userID string) []*QueueItem {
	room := g.room(tenantID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	items := room.queues[userID]
	delete(room.queues, userID)
	return items
}

// PendingCount returns the number of queued items for a user.
func (g *Registry) PendingCount(tenantID, userID string) int {
	room := g.room(tenantID)
	if room == nil {
		return 0
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.queues[userID])
}

// TouchLocation records an update time for a location and bumps the
// tenant's last-sync timestamp.
func (g *Registry) TouchLocation(tenantID, locationID string) {
	room := g.roomOrCreate(tenantID)
	room.mu.Lock()
	now := time.Now()
	room.lastSync = now
	if locationID != "" {
		room.locations[locationID] = now
	}
	room.mu.Unlock()
}

// ComputeState recomputes the tenant's sync state from the room contents.
func (g *Registry) ComputeState(tenantID string) *TenantSyncState {
	room := g.room(tenantID)
	if room == nil {
		return &TenantSyncState{TenantID: tenantID, Locations: map[string]LocationSyncState{}}
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	state := &TenantSyncState{
		TenantID:      tenantID,
		LastSync:      room.lastSync,
		OpenConflicts: len(room.conflicts),
		Locations:     make(map[string]LocationSyncState),
	}

	users := make(map[string]struct{})
	locUsers := make(map[string]map[string]struct{})
	for _, s := range room.sessions {
		if !s.Online {
			continue
		}
		users[s.UserID] = struct{}{}
		if s.LocationID != "" {
			if locUsers[s.LocationID] == nil {
				locUsers[s.LocationID] = make(map[string]struct{})
			}
			locUsers[s.LocationID][s.UserID] = struct{}{}
		}
	}
	state.OnlineUsers = len(users)

	pendingByLoc := make(map[string]int)
	for _, q := range room.queues {
		state.PendingOperations += len(q)
		for _, item := range q {
			if item.LocationID != "" {
				pendingByLoc[item.LocationID]++
			}
		}
	}

	for loc, last := range room.locations {
		state.Locations[loc] = LocationSyncState{
			LastUpdate:  last,
			ActiveUsers: len(locUsers[loc]),
			PendingSync: pendingByLoc[loc] > 0,
		}
	}
	for loc, us := range locUsers {
		if _, ok := state.Locations[loc]; !ok {
			state.Locations[loc] = LocationSyncState{
				ActiveUsers: len(us),
				PendingSync: pendingByLoc[loc] > 0,
			}
		}
	}

	return state
}
