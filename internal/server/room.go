package server

import (
	"encoding/json"
	"sort"
	"sync"
)

type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*sessionRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*sessionRoom)}
}

func (h *roomHub) room(sessionID string) *sessionRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[sessionID]
	if ok {
		return room
	}
	room = newSessionRoom(sessionID)
	h.rooms[sessionID] = room
	return room
}

type member struct {
	playerID string
	name     string
	conns    int
}

// sessionRoom is the set of live participants attached to one session.
// genMu serializes generation cycles: exactly one cycle is open per room
// so chunks from different cycles never interleave.
type sessionRoom struct {
	mu        sync.Mutex
	sessionID string
	members   map[string]*member
	peers     map[*wsPeer]string

	genMu sync.Mutex
}

func newSessionRoom(sessionID string) *sessionRoom {
	return &sessionRoom{
		sessionID: sessionID,
		members:   make(map[string]*member),
		peers:     make(map[*wsPeer]string),
	}
}

// join adds a connection for the player. It reports whether the player
// is newly present, so re-joins never produce a duplicate member-joined
// broadcast.
func (r *sessionRoom) join(peer *wsPeer, playerID, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.peers[peer]; ok && existing == playerID {
		return false
	}
	r.peers[peer] = playerID

	seat, ok := r.members[playerID]
	if ok {
		seat.conns++
		return false
	}
	r.members[playerID] = &member{playerID: playerID, name: name, conns: 1}
	return true
}

// leave drops a connection. It reports whether the player fully left the
// room with it.
func (r *sessionRoom) leave(peer *wsPeer) (playerID string, departed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	playerID, ok := r.peers[peer]
	if !ok {
		return "", false
	}
	delete(r.peers, peer)

	seat, ok := r.members[playerID]
	if !ok {
		return playerID, false
	}
	seat.conns--
	if seat.conns > 0 {
		return playerID, false
	}
	delete(r.members, playerID)
	return playerID, true
}

func (r *sessionRoom) memberName(playerID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seat, ok := r.members[playerID]; ok {
		return seat.name
	}
	return ""
}

func (r *sessionRoom) memberNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.members))
	for _, seat := range r.members {
		names = append(names, seat.name)
	}
	sort.Strings(names)
	return names
}

// broadcast delivers a frame to every subscriber, optionally excluding
// one peer. Delivery failures are the departed client's problem, not the
// room's.
func (r *sessionRoom) broadcast(frame wsFrame, exclude *wsPeer) {
	r.mu.Lock()
	peers := make([]*wsPeer, 0, len(r.peers))
	for peer := range r.peers {
		if peer == exclude {
			continue
		}
		peers = append(peers, peer)
	}
	r.mu.Unlock()

	for _, peer := range peers {
		_ = peer.writeFrame(frame)
	}
}
