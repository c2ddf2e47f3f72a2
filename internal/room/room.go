package room

import (
	"context"
	"sync"

	"github.com/lox/cryptoroulette/internal/protocol"
)

// member is one connection watching a room.
type member struct {
	id        string
	sessionID string
	userID    string
	ip        string
	sender    Sender
}

// Room is the set of connections watching one session. Everything in it is
// guarded by mu.
type Room struct {
	mu        sync.Mutex
	sessionID string
	members   map[string]*member
	pending   []protocol.LiveBet
	stats     stats
	seqCancel context.CancelFunc
	closed    bool
}

func newRoom(sessionID string) *Room {
	return &Room{
		sessionID: sessionID,
		members:   make(map[string]*member),
	}
}

// broadcastLocked enqueues msg for every member except the one named by
// except and returns the ids of members whose send failed.
func (r *Room) broadcastLocked(msg *protocol.Message, except string) []string {
	var failed []string
	for id, m := range r.members {
		if id == except {
			continue
		}
		if err := m.sender.Send(msg); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

// sendToLocked enqueues msg for a single member.
func (r *Room) sendToLocked(connID string, msg *protocol.Message) []string {
	m, ok := r.members[connID]
	if !ok {
		return nil
	}
	if err := m.sender.Send(msg); err != nil {
		return []string{connID}
	}
	return nil
}

// sendToUserLocked enqueues msg for every connection of userID.
func (r *Room) sendToUserLocked(userID string, msg *protocol.Message) []string {
	var failed []string
	for id, m := range r.members {
		if m.userID != userID {
			continue
		}
		if err := m.sender.Send(msg); err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

func (r *Room) cancelSequenceLocked() {
	if r.seqCancel != nil {
		r.seqCancel()
		r.seqCancel = nil
	}
}
