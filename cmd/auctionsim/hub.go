package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"auctionpulse/internal/transport"
)

// hub keeps connected clients per topic and routes frames between them.
type hub struct {
	mu     sync.RWMutex
	topics map[string]map[*client]bool

	upgrader websocket.Upgrader
	store    *store
	feed     *feed
}

// client is one websocket connection to the simulator.
type client struct {
	id     string
	user   string
	conn   *websocket.Conn
	send   chan transport.Frame
	hub    *hub
	topics map[string]bool
	mu     sync.Mutex
}

func newHub(store *store, feed *feed) *hub {
	return &hub{
		topics: make(map[string]map[*client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		store: store,
		feed:  feed,
	}
}

// handleWS upgrades the connection. The bearer token doubles as the user
// name so several simulated bidders can be driven from different terminals.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	user := bearerToken(r)
	if user == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	c := &client{
		id:     uuid.New().String(),
		user:   user,
		conn:   conn,
		send:   make(chan transport.Frame, 64),
		hub:    h,
		topics: make(map[string]bool),
	}

	log.Info().Str("connection_id", c.id).Str("user", user).Msg("client connected")
	go c.writePump()
	go c.readPump()
}

func (h *hub) subscribe(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*client]bool)
	}
	h.topics[topic][c] = true
}

func (h *hub) unsubscribe(topic string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.topics[topic]; ok {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
}

func (h *hub) drop(c *client) {
	h.mu.Lock()
	for topic, clients := range h.topics {
		delete(clients, c)
		if len(clients) == 0 {
			delete(h.topics, topic)
		}
	}
	h.mu.Unlock()
	close(c.send)
	log.Info().Str("connection_id", c.id).Msg("client disconnected")
}

// broadcast delivers a message frame to every subscriber of a topic.
func (h *hub) broadcast(topic string, payload interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to marshal broadcast")
		return
	}
	frame := transport.Frame{Type: transport.FrameMessage, Topic: topic, Body: body}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[topic] {
		select {
		case c.send <- frame:
		default:
			log.Warn().Str("connection_id", c.id).Msg("send buffer full, dropping frame")
		}
	}
}

// sendError delivers a plain-text reason on the user-scoped error topic.
func (c *client) sendError(topic, reason string) {
	body, _ := json.Marshal(reason)
	select {
	case c.send <- transport.Frame{Type: transport.FrameError, Topic: topic, Body: body}:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected close")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var frame transport.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.handleFrame(frame)
	}
}

func (c *client) handleFrame(frame transport.Frame) {
	switch frame.Type {
	case transport.FrameSubscribe:
		c.mu.Lock()
		c.topics[frame.Topic] = true
		c.mu.Unlock()
		c.hub.subscribe(frame.Topic, c)
		log.Debug().Str("user", c.user).Str("topic", frame.Topic).Msg("subscribed")
	case transport.FrameUnsubscribe:
		c.mu.Lock()
		delete(c.topics, frame.Topic)
		c.mu.Unlock()
		c.hub.unsubscribe(frame.Topic, c)
	case transport.FrameSend:
		c.hub.route(c, frame)
	default:
		log.Warn().Str("type", string(frame.Type)).Msg("dropping unexpected frame")
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return r.URL.Query().Get("token")
}
