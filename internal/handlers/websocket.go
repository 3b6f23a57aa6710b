package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/call-signaling/internal/call"
	"github.com/mossy-p/call-signaling/internal/models"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

// Hub fans call notifications out to every connected UI. It implements
// call.Listener and never blocks the controller: a client that cannot keep
// up loses events.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	last    models.Event
	log     zerolog.Logger
}

// Client is one UI connection.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

var _ call.Listener = (*Hub)(nil)

func NewHub(participantID string, logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		last: models.Event{
			Type:  models.EventTypeState,
			State: call.StateIdle.String(),
		},
		log: logger.With().Str("component", "event-hub").Str("participant_id", participantID).Logger(),
	}
}

// HandleEvents upgrades the request and streams events until the client
// goes away. The current state is sent first.
func (h *Hub) HandleEvents(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to upgrade connection")
		return
	}

	client := &Client{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	// The current state goes out before any broadcast can reach the client.
	h.mu.Lock()
	h.clients[client] = struct{}{}
	client.enqueue(h.last)
	h.mu.Unlock()

	h.log.Info().Str("client_id", client.ID).Msg("UI connected")

	go client.writePump()
	go client.readPump()
}

// Clients is the number of connected UIs.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) broadcast(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ev.Type == models.EventTypeState {
		h.last = ev
	}
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.log.Warn().Str("client_id", client.ID).Str("event", string(ev.Type)).Msg("Dropped event, client buffer full")
		}
	}
}

func (h *Hub) OnIncomingCallDetected(in call.IncomingCall) {
	h.broadcast(models.Event{
		Type:   models.EventTypeIncoming,
		CallID: in.CallID,
		From:   in.From,
		Mode:   in.Mode,
	})
}

func (h *Hub) OnRemoteMediaAvailable(callID string, media models.RemoteMedia) {
	h.broadcast(models.Event{
		Type:   models.EventTypeRemoteMedia,
		CallID: callID,
		Stream: &media,
	})
}

func (h *Hub) OnCallEnded(callID string, reason call.EndReason) {
	h.broadcast(models.Event{
		Type:   models.EventTypeEnded,
		CallID: callID,
		Reason: string(reason),
	})
}

func (h *Hub) OnError(kind call.ErrorKind, detail string) {
	h.broadcast(models.Event{
		Type:   models.EventTypeError,
		Error:  string(kind),
		Detail: detail,
	})
}

func (h *Hub) OnStateChange(status models.CallStatus) {
	h.broadcast(models.Event{
		Type:   models.EventTypeState,
		State:  status.State,
		CallID: status.CallID,
		From:   status.Peer,
		Mode:   status.Mode,
	})
}

func (c *Client) enqueue(ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump only watches for the connection closing; the UI sends commands
// over HTTP.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.log.Info().Str("client_id", c.ID).Msg("UI disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug().Err(err).Str("client_id", c.ID).Msg("WebSocket error")
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.log.Debug().Err(err).Str("client_id", c.ID).Msg("Failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
