package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotConnected is returned when a publish is attempted while the
	// channel is disconnected. Callers gate bids on Connected() first.
	ErrNotConnected = errors.New("transport: channel not connected")

	// ErrAlreadyConnected is returned by Connect on a live channel.
	ErrAlreadyConnected = errors.New("transport: channel already connected")
)

// MessageHandler receives the raw body of a message frame for a topic.
type MessageHandler func(body json.RawMessage)

// DisconnectHandler is invoked once when the connection is lost, with the
// error that caused it (nil on a deliberate Disconnect).
type DisconnectHandler func(err error)

// ChannelConfig holds configuration for the bidirectional channel.
type ChannelConfig struct {
	URL             string
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	SendBufferSize  int
	ReadBufferSize  int
	WriteBufferSize int

	// CloseWhenIdle tears the connection down when the last subscription
	// goes away. Teardown is counted by subscriber, not by view.
	CloseWhenIdle bool
}

// DefaultChannelConfig returns the default channel configuration.
func DefaultChannelConfig(url string) ChannelConfig {
	return ChannelConfig{
		URL:             url,
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		SendBufferSize:  256,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CloseWhenIdle:   true,
	}
}

// Subscription is a live registration on one topic. Unsubscribe releases it.
type Subscription struct {
	ID      string
	Topic   string
	channel *Channel
	handler MessageHandler
}

// Unsubscribe removes this subscription. When it is the channel's last one
// and CloseWhenIdle is set, the connection is torn down too.
func (s *Subscription) Unsubscribe() {
	s.channel.unsubscribe(s)
}

// Channel is a single shared bidirectional topic channel. One instance
// serves every topic subscription of a logged-in session; connection state
// may only be mutated through Connect and Disconnect.
type Channel struct {
	config ChannelConfig

	mu           sync.RWMutex
	conn         *websocket.Conn
	connected    bool
	sendCh       chan Frame
	subs         map[string]map[string]*Subscription // topic -> sub ID -> sub
	onDisconnect DisconnectHandler
}

// NewChannel creates a disconnected channel. Connection is established
// lazily by the first caller that needs it.
func NewChannel(config ChannelConfig) *Channel {
	return &Channel{
		config: config,
		subs:   make(map[string]map[string]*Subscription),
	}
}

// OnDisconnect registers the handler invoked when the connection drops.
func (c *Channel) OnDisconnect(fn DisconnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = fn
}

// Connected reports whether the channel currently holds a live connection.
// Publishing is only permitted while this is true.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Connect dials the server and authenticates with the given token. Any
// subscriptions registered before the connection completed are flushed to
// the server on success. There is no automatic reconnection: on failure the
// channel reports disconnected and callers re-invoke Connect.
func (c *Channel) Connect(ctx context.Context, authToken string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	header := http.Header{}
	if authToken != "" {
		header.Set("Authorization", "Bearer "+authToken)
	}

	dialer := websocket.Dialer{
		ReadBufferSize:  c.config.ReadBufferSize,
		WriteBufferSize: c.config.WriteBufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}

	c.mu.Lock()
	if c.connected {
		// A concurrent Connect won the dial race; keep its connection.
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.conn = conn
	c.connected = true
	c.sendCh = make(chan Frame, c.config.SendBufferSize)

	// Flush subscriptions queued before the connection completed.
	topics := make([]string, 0, len(c.subs))
	for topic := range c.subs {
		topics = append(topics, topic)
	}
	c.mu.Unlock()

	go c.writePump(conn, c.sendCh)
	go c.readPump(conn)

	for _, topic := range topics {
		c.enqueue(Frame{Type: FrameSubscribe, Topic: topic})
	}

	log.Info().Str("url", c.config.URL).Int("queued_topics", len(topics)).Msg("channel connected")
	return nil
}

// Subscribe registers a handler for a topic. Subscribing before Connect
// completes queues the registration; it is flushed on connect success, never
// dropped. The returned handle releases the registration.
func (c *Channel) Subscribe(topic string, fn MessageHandler) *Subscription {
	sub := &Subscription{
		ID:      uuid.New().String(),
		Topic:   topic,
		channel: c,
		handler: fn,
	}

	c.mu.Lock()
	first := c.subs[topic] == nil
	if first {
		c.subs[topic] = make(map[string]*Subscription)
	}
	c.subs[topic][sub.ID] = sub
	connected := c.connected
	c.mu.Unlock()

	if connected && first {
		c.enqueue(Frame{Type: FrameSubscribe, Topic: topic})
	}

	log.Debug().Str("topic", topic).Bool("connected", connected).Msg("subscribed")
	return sub
}

// Publish sends a payload to a destination. Publishing while disconnected is
// a usage error, not a silent queue.
func (c *Channel) Publish(destination string, payload interface{}) error {
	c.mu.RLock()
	connected := c.connected
	c.mu.RUnlock()
	if !connected {
		return ErrNotConnected
	}

	frame, err := NewSendFrame(destination, payload)
	if err != nil {
		return fmt.Errorf("encode publish payload: %w", err)
	}
	c.enqueue(frame)
	return nil
}

// Disconnect tears the connection down deliberately (logout or last view
// gone). Subscriptions registered on the channel are terminated.
func (c *Channel) Disconnect() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	c.teardown(conn, nil)
}

func (c *Channel) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	topicSubs, ok := c.subs[sub.Topic]
	if !ok {
		c.mu.Unlock()
		return
	}
	if _, ok := topicSubs[sub.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(topicSubs, sub.ID)
	lastForTopic := len(topicSubs) == 0
	if lastForTopic {
		delete(c.subs, sub.Topic)
	}
	remaining := 0
	for _, m := range c.subs {
		remaining += len(m)
	}
	connected := c.connected
	conn := c.conn
	closeIdle := c.config.CloseWhenIdle && remaining == 0
	c.mu.Unlock()

	if connected && lastForTopic && !closeIdle {
		c.enqueue(Frame{Type: FrameUnsubscribe, Topic: sub.Topic})
	}

	log.Debug().Str("topic", sub.Topic).Int("remaining_subs", remaining).Msg("unsubscribed")

	if connected && closeIdle {
		log.Info().Msg("last subscriber gone, closing channel")
		c.teardown(conn, nil)
	}
}

func (c *Channel) enqueue(frame Frame) {
	// The read lock is held across the send: teardown closes sendCh under
	// the write lock, so the channel cannot close mid-send. The send is
	// non-blocking, so holding the lock here never stalls teardown.
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected || c.sendCh == nil {
		return
	}
	select {
	case c.sendCh <- frame:
	default:
		log.Warn().Str("type", string(frame.Type)).Msg("send buffer full, dropping frame")
	}
}

// teardown closes the connection and terminates all subscriptions. A
// connection-level error terminates everything on the channel; recovery is a
// fresh Connect plus new Subscribe calls. The conn argument identifies which
// connection the caller belongs to: both pumps of a dead connection report
// the same failure, and a stale report must not tear down a successor
// established by a manual reconnect in between.
func (c *Channel) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if !c.connected || conn != c.conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	close(c.sendCh)
	c.sendCh = nil
	c.subs = make(map[string]map[string]*Subscription)
	handler := c.onDisconnect
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	if cause != nil {
		log.Error().Err(cause).Msg("channel disconnected")
	} else {
		log.Info().Msg("channel disconnected")
	}

	if handler != nil {
		handler(cause)
	}
}

func (c *Channel) writePump(conn *websocket.Conn, sendCh chan Frame) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-sendCh:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				log.Error().Err(err).Str("type", string(frame.Type)).Msg("failed to write frame")
				c.teardown(conn, err)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown(conn, err)
				return
			}
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(c.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("unexpected channel close")
			}
			c.teardown(conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Protocol anomaly: drop at the boundary, never applied.
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(frame Frame) {
	switch frame.Type {
	case FrameMessage, FrameError:
		c.mu.RLock()
		topicSubs := c.subs[frame.Topic]
		handlers := make([]MessageHandler, 0, len(topicSubs))
		for _, sub := range topicSubs {
			handlers = append(handlers, sub.handler)
		}
		c.mu.RUnlock()

		if len(handlers) == 0 {
			log.Debug().Str("topic", frame.Topic).Msg("no subscribers for topic, dropping")
			return
		}
		for _, fn := range handlers {
			fn(frame.Body)
		}
	default:
		log.Warn().Str("type", string(frame.Type)).Msg("dropping unexpected frame type")
	}
}
