// Package presence tracks which relay connection belongs to which user and
// which rooms each connection has joined. All mutations are linearized under
// one mutex so no caller ever observes a partial membership view.
package presence

import (
	"sort"
	"sync"
)

// RoomDeparture describes one room a disconnecting connection was removed
// from, carrying enough identity for the remaining members to clean up.
type RoomDeparture struct {
	Room      string
	UserID    string
	PeerID    string
	Remaining []string // connection ids still in the room
}

type connState struct {
	userID string
	rooms  map[string]string // room id -> peer id ("" for plain rooms)
}

// Registry is the relay-side presence table.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*connState
	users map[string]map[string]struct{} // user id -> conn ids
	rooms map[string]map[string]struct{} // room id -> conn ids
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*connState),
		users: make(map[string]map[string]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

// Register associates a connection with a logical user. A connection may
// re-register (identity refresh); the old association is dropped.
func (r *Registry) Register(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := r.conn(connID)
	if cs.userID != "" && cs.userID != userID {
		r.dropUserConn(cs.userID, connID)
	}
	cs.userID = userID
	set, ok := r.users[userID]
	if !ok {
		set = make(map[string]struct{})
		r.users[userID] = set
	}
	set[connID] = struct{}{}
}

// Resolve returns every active connection for a user, sorted for
// deterministic fan-out. Empty when the user is offline.
func (r *Registry) Resolve(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.users[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserOf returns the user id a connection registered as, if any.
func (r *Registry) UserOf(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cs, ok := r.conns[connID]; ok {
		return cs.userID
	}
	return ""
}

// JoinRoom adds the connection to a room, creating the room implicitly.
// Joining a room the connection is already in is a no-op that returns false.
func (r *Registry) JoinRoom(connID, roomID string) bool {
	return r.joinRoom(connID, roomID, "")
}

// JoinRoomAsPeer is JoinRoom with a caller-chosen peer id attached to the
// membership, used by random-call discovery rooms.
func (r *Registry) JoinRoomAsPeer(connID, roomID, peerID string) bool {
	return r.joinRoom(connID, roomID, peerID)
}

func (r *Registry) joinRoom(connID, roomID, peerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs := r.conn(connID)
	if _, already := cs.rooms[roomID]; already {
		cs.rooms[roomID] = peerID
		return false
	}
	cs.rooms[roomID] = peerID
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]struct{})
		r.rooms[roomID] = members
	}
	members[connID] = struct{}{}
	return true
}

// LeaveRoom removes the connection from a room; the room is deleted once its
// last member leaves. Returns the peer id the connection joined with.
func (r *Registry) LeaveRoom(connID, roomID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveRoomLocked(connID, roomID)
}

func (r *Registry) leaveRoomLocked(connID, roomID string) string {
	cs, ok := r.conns[connID]
	if !ok {
		return ""
	}
	peerID, member := cs.rooms[roomID]
	if !member {
		return ""
	}
	delete(cs.rooms, roomID)
	if members, ok := r.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.rooms, roomID)
		}
	}
	return peerID
}

// RoomMembers returns the connections currently joined to a room, sorted.
func (r *Registry) RoomMembers(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomMembersLocked(roomID)
}

func (r *Registry) roomMembersLocked(roomID string) []string {
	members := r.rooms[roomID]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether a connection has joined a room.
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cs, ok := r.conns[connID]; ok {
		_, member := cs.rooms[roomID]
		return member
	}
	return false
}

// PeerIDIn returns the peer id a connection joined a room with.
func (r *Registry) PeerIDIn(connID, roomID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cs, ok := r.conns[connID]; ok {
		return cs.rooms[roomID]
	}
	return ""
}

// Disconnect removes the connection from every room and from its user
// association in one critical section, returning a departure per room so the
// caller can notify the remaining members.
func (r *Registry) Disconnect(connID string) []RoomDeparture {
	r.mu.Lock()
	defer r.mu.Unlock()

	cs, ok := r.conns[connID]
	if !ok {
		return nil
	}

	roomIDs := make([]string, 0, len(cs.rooms))
	for roomID := range cs.rooms {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	departures := make([]RoomDeparture, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		peerID := r.leaveRoomLocked(connID, roomID)
		departures = append(departures, RoomDeparture{
			Room:      roomID,
			UserID:    cs.userID,
			PeerID:    peerID,
			Remaining: r.roomMembersLocked(roomID),
		})
	}

	if cs.userID != "" {
		r.dropUserConn(cs.userID, connID)
	}
	delete(r.conns, connID)
	return departures
}

func (r *Registry) conn(connID string) *connState {
	cs, ok := r.conns[connID]
	if !ok {
		cs = &connState{rooms: make(map[string]string)}
		r.conns[connID] = cs
	}
	return cs
}

func (r *Registry) dropUserConn(userID, connID string) {
	if set, ok := r.users[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, userID)
		}
	}
}
