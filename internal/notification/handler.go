package notification

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Category classifies a notification.
type Category string

const (
	CategoryBid     Category = "BID"
	CategoryChat    Category = "CHAT"
	CategoryKeyword Category = "KEYWORD"
)

// Notification is one entry in the persistent feed. ID is the deduplication
// key: the push stream delivers at least once, so ingestion must be
// idempotent under redelivery. For CHAT the UnreadCount coalesces several
// messages into one entry that gets refreshed in place.
type Notification struct {
	ID          int64     `json:"id"`
	Content     string    `json:"content"`
	TargetURL   string    `json:"url"`
	Read        bool      `json:"isRead"`
	CreatedAt   time.Time `json:"createdAt"`
	Category    Category  `json:"type"`
	UnreadCount int       `json:"unreadCount"`
}

// API is the REST capability the handler consumes.
type API interface {
	FetchNotifications(ctx context.Context) ([]Notification, error)
	FetchUnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, id int64) error
	MarkAllRead(ctx context.Context) error
}

// ToastFunc surfaces a transient UI event. A toast is a side effect only:
// the persistent list is the source of truth for a reload, so a toast
// firing is never the only record of a notification.
type ToastFunc func(n Notification)

// Handler maintains the notification feed and its unread counter from the
// push stream and the REST list.
type Handler struct {
	api   API
	toast ToastFunc

	mu     sync.RWMutex
	list   []Notification
	byID   map[int64]int // id -> index into list
	unread int
}

// NewHandler creates an empty handler. The toast hook may be nil.
func NewHandler(api API, toast ToastFunc) *Handler {
	return &Handler{
		api:   api,
		toast: toast,
		byID:  make(map[int64]int),
	}
}

// Load replaces the list from the authoritative REST endpoints.
func (h *Handler) Load(ctx context.Context) error {
	list, err := h.api.FetchNotifications(ctx)
	if err != nil {
		return err
	}
	count, err := h.api.FetchUnreadCount(ctx)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.list = list
	h.byID = make(map[int64]int, len(list))
	for i, n := range list {
		h.byID[n.ID] = i
	}
	h.unread = count
	h.mu.Unlock()

	log.Debug().Int("notifications", len(list)).Int("unread", count).Msg("notification list loaded")
	return nil
}

// OnEvent ingests a new notification. A duplicate id is a no-op, so
// redelivery leaves the list and the counter exactly as one delivery would.
func (h *Handler) OnEvent(n Notification) {
	h.mu.Lock()
	if _, exists := h.byID[n.ID]; exists {
		h.mu.Unlock()
		log.Debug().Int64("notification_id", n.ID).Msg("duplicate notification dropped")
		return
	}
	h.list = append([]Notification{n}, h.list...)
	h.reindexLocked()
	h.unread++
	toast := h.toast
	h.mu.Unlock()

	if toast != nil {
		toast(n)
	}
}

// OnUpdate replaces the stored notification with the same id. Whether the
// refresh changes read status is not knowable client-side, so the unread
// counter is re-derived from the authoritative count instead of adjusted
// heuristically.
func (h *Handler) OnUpdate(ctx context.Context, n Notification) {
	h.mu.Lock()
	if i, exists := h.byID[n.ID]; exists {
		h.list[i] = n
	} else {
		h.list = append([]Notification{n}, h.list...)
		h.reindexLocked()
	}
	toast := h.toast
	h.mu.Unlock()

	if count, err := h.api.FetchUnreadCount(ctx); err != nil {
		log.Error().Err(err).Msg("unread count refetch failed")
	} else {
		h.mu.Lock()
		h.unread = count
		h.mu.Unlock()
	}

	if toast != nil {
		toast(n)
	}
}

// MarkRead flips the entry locally first so the UI responds without
// latency; the confirming REST call is fire-and-forget. On failure the
// optimistic flip is not rolled back (observed behavior, a known gap).
func (h *Handler) MarkRead(ctx context.Context, id int64) {
	h.mu.Lock()
	i, exists := h.byID[id]
	if !exists || h.list[i].Read {
		h.mu.Unlock()
		return
	}
	h.list[i].Read = true
	if h.unread > 0 {
		h.unread--
	}
	h.mu.Unlock()

	go func() {
		if err := h.api.MarkRead(ctx, id); err != nil {
			log.Error().Err(err).Int64("notification_id", id).Msg("mark-read confirmation failed")
		}
	}()
}

// MarkAllRead confirms with the server first, then flips every local entry.
func (h *Handler) MarkAllRead(ctx context.Context) error {
	if err := h.api.MarkAllRead(ctx); err != nil {
		return err
	}
	h.mu.Lock()
	for i := range h.list {
		h.list[i].Read = true
	}
	h.unread = 0
	h.mu.Unlock()
	return nil
}

// RefreshUnreadCount re-derives the counter from the server.
func (h *Handler) RefreshUnreadCount(ctx context.Context) error {
	count, err := h.api.FetchUnreadCount(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.unread = count
	h.mu.Unlock()
	return nil
}

// UnreadCount returns the current unread counter.
func (h *Handler) UnreadCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.unread
}

// Notifications returns a copy of the feed, newest first.
func (h *Handler) Notifications() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Notification, len(h.list))
	copy(out, h.list)
	return out
}

// HandleStreamEvent adapts a raw "notification" push payload.
func (h *Handler) HandleStreamEvent(data json.RawMessage) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		log.Warn().Err(err).Msg("dropping malformed notification event")
		return
	}
	h.OnEvent(n)
}

// HandleStreamUpdate adapts a raw "notificationUpdate" push payload.
func (h *Handler) HandleStreamUpdate(ctx context.Context) func(json.RawMessage) {
	return func(data json.RawMessage) {
		var n Notification
		if err := json.Unmarshal(data, &n); err != nil {
			log.Warn().Err(err).Msg("dropping malformed notification update")
			return
		}
		h.OnUpdate(ctx, n)
	}
}

// reindexLocked rebuilds the id index. Caller holds mu.
func (h *Handler) reindexLocked() {
	h.byID = make(map[int64]int, len(h.list))
	for i, n := range h.list {
		h.byID[n.ID] = i
	}
}
