package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"quizlive/internal/app"
)

const (
	maxMessageSize    = 64 << 10
	defaultSendBuffer = 64
	closeGracePeriod  = time.Second
)

// WSOptions tunes the connection pumps. Zero values select defaults.
type WSOptions struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	SendBuffer   int
}

type WSHandler struct {
	service  *app.Service
	hub      *Hub
	auth     *Authenticator
	opts     WSOptions
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(service *app.Service, hub *Hub, auth *Authenticator, opts WSOptions, logger *slog.Logger) *WSHandler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{
		service: service,
		hub:     hub,
		auth:    auth,
		opts:    opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// ServeWS upgrades the request and runs the connection until either side
// closes it. A token, when given, identifies the quizmaster; without one the
// connection may only act as a display or participant.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	var ownerID string
	if token := tokenFrom(r); token != "" {
		if h.auth == nil {
			writeError(w, http.StatusUnauthorized, "owner tokens are not accepted")
			return
		}
		id, err := h.auth.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ownerID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}

	c := newClient(uuid.NewString(), h.opts.SendBuffer)
	caller := app.Caller{ConnID: c.id, OwnerID: ownerID}
	log := h.log.With("conn", c.id)
	log.Debug("connection opened", "owner", ownerID)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(conn, c, log)
	}()

	h.readPump(r.Context(), conn, c, caller, log)

	h.disconnect(c, caller)
	c.kick()
	<-writerDone
	log.Debug("connection closed")
}

func (h *WSHandler) readPump(ctx context.Context, conn *websocket.Conn, c *client, caller app.Caller, log *slog.Logger) {
	conn.SetReadLimit(maxMessageSize)
	if h.opts.PingInterval > 0 {
		pongWait := 2 * h.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug("ws read error", "err", err)
			}
			return
		}

		var in inboundMessage
		if err := json.Unmarshal(data, &in); err != nil {
			h.sendError(c, "malformed message: expected {\"type\": ..., \"payload\": {...}}", "")
			continue
		}
		cmd, err := decodeCommand(in)
		if err != nil {
			h.sendError(c, err.Error(), "")
			continue
		}

		call := caller
		call.ParticipantID = c.participantIn(app.RoomOf(cmd))
		res, err := h.service.Handle(ctx, call, cmd)
		if err != nil {
			h.hub.joinAndSend(c, nil, []app.Event{app.ErrorEvent(cmd, err)})
			continue
		}
		h.apply(c, res)
	}
}

// apply delivers a command result: the caller's join and replies first, then
// the room broadcasts, then any room teardown.
func (h *WSHandler) apply(c *client, res app.Result) {
	if res.Join != nil || len(res.Reply) > 0 {
		h.hub.joinAndSend(c, res.Join, res.Reply)
	}
	for _, b := range res.Broadcasts {
		h.hub.Broadcast(b)
	}
	if res.Terminate != nil {
		h.hub.CloseRoom(*res.Terminate)
	}
}

// disconnect unsubscribes c and marks any participant it carried as gone.
func (h *WSHandler) disconnect(c *client, caller app.Caller) {
	ctx := context.Background()
	for _, m := range h.hub.remove(c) {
		call := caller
		call.ParticipantID = m.ParticipantID
		res, err := h.service.Handle(ctx, call, app.Leave{Code: m.Code, ParticipantID: m.ParticipantID})
		if err != nil {
			continue
		}
		h.apply(c, res)
	}
}

func (h *WSHandler) sendError(c *client, message, code string) {
	h.hub.joinAndSend(c, nil, []app.Event{{
		Name:    app.EventError,
		Payload: app.ErrorPayload{Message: message, RoomCode: code},
	}})
}

// writePump is the only writer on conn. After a kick it flushes what is
// already queued, sends a close frame and closes the socket.
func (h *WSHandler) writePump(conn *websocket.Conn, c *client, log *slog.Logger) {
	defer conn.Close()

	var ping <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	write := func(msg []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debug("ws write error", "err", err)
			c.kick()
			return false
		}
		return true
	}

	for {
		select {
		case msg := <-c.send:
			if !write(msg) {
				return
			}
		case <-ping:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.opts.WriteTimeout)); err != nil {
				c.kick()
				return
			}
		case <-c.kicked:
		drain:
			for {
				select {
				case msg := <-c.send:
					if !write(msg) {
						return
					}
				default:
					break drain
				}
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(closeGracePeriod))
			return
		}
	}
}
