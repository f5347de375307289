package http

import (
	"sync"

	"quizlive/internal/app"
)

// client is one websocket connection. Writes happen only on the writer
// goroutine; everyone else queues into send.
type client struct {
	id   string
	send chan []byte

	kickOnce sync.Once
	kicked   chan struct{}

	mu     sync.Mutex
	joined map[groupKey]app.Membership
}

func newClient(id string, buffer int) *client {
	return &client{
		id:     id,
		send:   make(chan []byte, buffer),
		kicked: make(chan struct{}),
		joined: make(map[groupKey]app.Membership),
	}
}

// enqueue reports false when the buffer is full or the client is gone.
func (c *client) enqueue(msg []byte) bool {
	if msg == nil {
		return true
	}
	select {
	case <-c.kicked:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *client) kick() {
	c.kickOnce.Do(func() { close(c.kicked) })
}

func (c *client) remember(m app.Membership) {
	c.mu.Lock()
	c.joined[groupKey{code: m.Code, role: m.Role}] = m
	c.mu.Unlock()
}

func (c *client) forget(room app.RoomRef) {
	c.mu.Lock()
	for key, m := range c.joined {
		if key.code == room.Code && (room.ID == "" || m.RoomID == "" || m.RoomID == room.ID) {
			delete(c.joined, key)
		}
	}
	c.mu.Unlock()
}

func (c *client) memberships() []app.Membership {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]app.Membership, 0, len(c.joined))
	for _, m := range c.joined {
		out = append(out, m)
	}
	return out
}

func (c *client) participantMemberships() []app.Membership {
	var out []app.Membership
	for _, m := range c.memberships() {
		if m.Role == app.RoleParticipant && m.ParticipantID != "" {
			out = append(out, m)
		}
	}
	return out
}

// participantIn returns the participant this connection joined code as.
func (c *client) participantIn(code string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[groupKey{code: code, role: app.RoleParticipant}].ParticipantID
}
