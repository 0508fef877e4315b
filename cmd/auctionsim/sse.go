package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// feed is the unidirectional push stream: one long-lived response per
// logged-in session, keyed by token, carrying named JSON events.
type feed struct {
	mu      sync.RWMutex
	clients map[string]map[string]chan feedEvent // user -> stream id -> channel
}

type feedEvent struct {
	name string
	data interface{}
}

func newFeed() *feed {
	return &feed{clients: make(map[string]map[string]chan feedEvent)}
}

// publish delivers a named event to every open stream of a user.
func (f *feed) publish(user, name string, data interface{}) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, ch := range f.clients[user] {
		select {
		case ch <- feedEvent{name: name, data: data}:
		default:
			log.Warn().Str("user", user).Msg("feed buffer full, dropping event")
		}
	}
}

// handle serves the text/event-stream response.
func (f *feed) handle(w http.ResponseWriter, r *http.Request) {
	user := bearerToken(r)
	if user == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id := uuid.New().String()
	ch := make(chan feedEvent, 32)

	f.mu.Lock()
	if f.clients[user] == nil {
		f.clients[user] = make(map[string]chan feedEvent)
	}
	f.clients[user][id] = ch
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		delete(f.clients[user], id)
		if len(f.clients[user]) == 0 {
			delete(f.clients, user)
		}
		f.mu.Unlock()
		log.Info().Str("user", user).Msg("push stream closed")
	}()

	log.Info().Str("user", user).Msg("push stream opened")

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			data, err := json.Marshal(event.data)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal feed event")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.name, data)
			flusher.Flush()
		}
	}
}
