package realtime

import (
	"sync"
)

// Peer is one websocket participant in a sheet room. Implementations
// wrap the underlying connection; Send must be safe to call from the
// broadcasting goroutine.
type Peer interface {
	ID() string
	Name() string
	Send(message []byte) error
}

// Rooms groups peers by sheet so cell edits relay only to collaborators
// looking at the same sheet.
type Rooms struct {
	mu    sync.Mutex
	rooms map[string]map[string]Peer
}

func NewRooms() *Rooms {
	return &Rooms{rooms: make(map[string]map[string]Peer)}
}

// Join adds the peer to a sheet room and returns the names of everyone
// already present.
func (r *Rooms) Join(sheet string, peer Peer) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[sheet]
	if room == nil {
		room = make(map[string]Peer)
		r.rooms[sheet] = room
	}
	present := make([]string, 0, len(room))
	for _, p := range room {
		present = append(present, p.Name())
	}
	room[peer.ID()] = peer
	return present
}

// Leave removes the peer; empty rooms are discarded.
func (r *Rooms) Leave(sheet, peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[sheet]
	if room == nil {
		return
	}
	delete(room, peerID)
	if len(room) == 0 {
		delete(r.rooms, sheet)
	}
}

// Relay sends the message to every peer in the room except the sender.
// Peers whose Send fails are evicted.
func (r *Rooms) Relay(sheet, senderID string, message []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[sheet]
	for id, p := range room {
		if id == senderID {
			continue
		}
		if err := p.Send(message); err != nil {
			delete(room, id)
		}
	}
	if len(room) == 0 {
		delete(r.rooms, sheet)
	}
}

// Presence lists the display names currently in a room.
func (r *Rooms) Presence(sheet string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[sheet]
	names := make([]string, 0, len(room))
	for _, p := range room {
		names = append(names, p.Name())
	}
	return names
}
