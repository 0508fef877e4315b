package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"auctionpulse/internal/transport"
)

// Message is one chat message. Identity, sender attribution and timestamp
// are assigned by the server; the client only ever publishes a body.
type Message struct {
	MessageID  int64     `json:"messageId"`
	RoomID     int64     `json:"roomId"`
	SenderID   int64     `json:"senderId"`
	SenderName string    `json:"senderName"`
	Body       string    `json:"message"`
	SentAt     time.Time `json:"sentAt"`
}

// outbound is the publish payload: body only.
type outbound struct {
	Message string `json:"message"`
}

// History is the REST capability for the full room refetch. There is no
// gap-filling replay on the push protocol: a message missed while
// disconnected is only recoverable through this.
type History interface {
	FetchChatHistory(ctx context.Context, roomID int64) ([]Message, error)
}

// Transport is the slice of the shared channel a stream uses.
type Transport interface {
	Connected() bool
	Publish(destination string, payload interface{}) error
	Subscribe(topic string, fn transport.MessageHandler) *transport.Subscription
}

// OnMessage is invoked for every appended message, in append order.
type OnMessage func(Message)

// Stream is one room's append-only message sequence, fed by a per-room
// topic subscription that shares the channel's lifecycle rules.
type Stream struct {
	roomID    int64
	history   History
	transport Transport
	onMessage OnMessage

	mu       sync.RWMutex
	messages []Message
	sub      *transport.Subscription
	open     bool
}

// NewStream creates a closed stream for a room.
func NewStream(roomID int64, history History, tr Transport, onMessage OnMessage) *Stream {
	return &Stream{
		roomID:    roomID,
		history:   history,
		transport: tr,
		onMessage: onMessage,
	}
}

// Open refetches the room history and then subscribes to the room topic.
func (s *Stream) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return fmt.Errorf("chat: room %d stream already open", s.roomID)
	}
	s.open = true
	s.mu.Unlock()

	messages, err := s.history.FetchChatHistory(ctx, s.roomID)
	if err != nil {
		s.mu.Lock()
		s.open = false
		s.mu.Unlock()
		return fmt.Errorf("fetch chat history for room %d: %w", s.roomID, err)
	}

	s.mu.Lock()
	s.messages = messages
	s.sub = s.transport.Subscribe(Topic(s.roomID), s.onInbound)
	s.mu.Unlock()

	log.Info().Int64("room_id", s.roomID).Int("history", len(messages)).Msg("chat stream opened")
	return nil
}

// Close drops the room subscription. The shared channel stays connected if
// other subscribers remain.
func (s *Stream) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.open = false
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	log.Debug().Int64("room_id", s.roomID).Msg("chat stream closed")
}

// Send publishes a message body to the room. The message appears in the
// stream only when the server echoes it back on the topic.
func (s *Stream) Send(body string) error {
	if body == "" {
		return fmt.Errorf("chat: empty message body")
	}
	if !s.transport.Connected() {
		return transport.ErrNotConnected
	}
	return s.transport.Publish(MessageDestination(s.roomID), outbound{Message: body})
}

// Messages returns a copy of the room's messages in arrival order.
func (s *Stream) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Stream) onInbound(body json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Warn().Err(err).Int64("room_id", s.roomID).Msg("dropping malformed chat message")
		return
	}

	s.mu.Lock()
	s.messages = append(s.messages, msg)
	onMessage := s.onMessage
	s.mu.Unlock()

	if onMessage != nil {
		onMessage(msg)
	}
}

// Topic returns the push topic carrying a room's messages.
func Topic(roomID int64) string {
	return fmt.Sprintf("chat/room/%d", roomID)
}

// MessageDestination returns the publish destination for a room.
func MessageDestination(roomID int64) string {
	return fmt.Sprintf("chat/room/%d/message", roomID)
}
