package http

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"quizlive/internal/app"
)

// closedRetention bounds how long a closed room is remembered for turning away
// joins that were resolved before it closed.
const closedRetention = 10 * time.Minute

type groupKey struct {
	code string
	role app.Role
}

// Hub fans events out to the channel groups of every room. Sends never block:
// a client whose buffer is full is disconnected instead of stalling the room.
// Group members are keyed by the room ID they joined, so a room that is closed
// never disconnects or keeps a later room reusing its code.
type Hub struct {
	mu     sync.RWMutex
	groups map[groupKey]map[*client]string
	closed map[string]time.Time
	log    *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		groups: make(map[groupKey]map[*client]string),
		closed: make(map[string]time.Time),
		log:    logger,
	}
}

// joinAndSend subscribes c and queues its replies in one step, so no broadcast
// delivered after the join can overtake the snapshot. A join into a room that
// has already been closed is answered with quiz_not_running and disconnected.
func (h *Hub) joinAndSend(c *client, m *app.Membership, replies []app.Event) {
	h.mu.Lock()
	if m != nil && h.isClosedLocked(m.RoomID) {
		h.mu.Unlock()
		c.enqueue(encode(notRunning(m.Code, "room has ended"), h.log))
		c.kick()
		h.log.Debug("turned away join into closed room", "conn", c.id, "room", m.Code, "role", m.Role)
		return
	}
	defer h.mu.Unlock()
	if m != nil {
		key := groupKey{code: m.Code, role: m.Role}
		members, ok := h.groups[key]
		if !ok {
			members = make(map[*client]string)
			h.groups[key] = members
		}
		members[c] = m.RoomID
		c.remember(*m)
	}
	for _, ev := range replies {
		c.enqueue(encode(ev, h.log))
	}
}

func (h *Hub) isClosedLocked(roomID string) bool {
	if roomID == "" {
		return false
	}
	_, ok := h.closed[roomID]
	return ok
}

// remove drops c from every group and returns its participant memberships.
func (h *Hub) remove(c *client) []app.Membership {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, m := range c.memberships() {
		h.unlinkLocked(c, groupKey{code: m.Code, role: m.Role})
	}
	return c.participantMemberships()
}

func (h *Hub) unlinkLocked(c *client, key groupKey) {
	members, ok := h.groups[key]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(h.groups, key)
	}
}

// Broadcast delivers one event to every member of a group.
func (h *Hub) Broadcast(b app.Broadcast) {
	msg := encode(b.Event, h.log)
	if msg == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.groups[groupKey{code: b.Code, role: b.Role}] {
		if !c.enqueue(msg) {
			h.log.Warn("dropping slow client", "conn", c.id, "room", b.Code, "role", b.Role)
			c.kick()
		}
	}
}

// CloseRoom disconnects every member of the room's groups after their queued
// messages are written, and turns away later joins into the same room. Members
// of another room that reuses the code are left alone. An empty ID closes
// every member of the code.
func (h *Hub) CloseRoom(room app.RoomRef) {
	h.mu.Lock()
	now := time.Now()
	for id, at := range h.closed {
		if now.Sub(at) > closedRetention {
			delete(h.closed, id)
		}
	}
	if room.ID != "" {
		h.closed[room.ID] = now
	}
	var victims []*client
	for _, role := range app.AllRoles {
		key := groupKey{code: room.Code, role: role}
		members := h.groups[key]
		for c, id := range members {
			if room.ID != "" && id != "" && id != room.ID {
				continue
			}
			victims = append(victims, c)
			c.forget(room)
			delete(members, c)
		}
		if len(members) == 0 {
			delete(h.groups, key)
		}
	}
	h.mu.Unlock()

	for _, c := range victims {
		c.kick()
	}
	if len(victims) > 0 {
		h.log.Debug("room connections closed", "room", room.Code, "count", len(victims))
	}
}

// Expire tells every subscriber that the room stopped running, then disconnects them.
func (h *Hub) Expire(room app.RoomRef) {
	for _, role := range app.AllRoles {
		h.Broadcast(app.Broadcast{Code: room.Code, Role: role, Event: notRunning(room.Code, "room expired after inactivity")})
	}
	h.CloseRoom(room)
}

func notRunning(code, message string) app.Event {
	return app.Event{
		Name:    app.EventNotRunning,
		Payload: app.ErrorPayload{Message: message, RoomCode: code},
	}
}

// Members reports how many connections a group holds.
func (h *Hub) Members(code string, role app.Role) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupKey{code: code, role: role}])
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
	Version uint64 `json:"version,omitempty"`
}

func encode(ev app.Event, log *slog.Logger) []byte {
	msg, err := json.Marshal(outboundMessage[any]{Type: ev.Name, Payload: ev.Payload, Version: ev.Version})
	if err != nil {
		log.Error("encode event failed", "event", ev.Name, "err", err)
		return nil
	}
	return msg
}
