package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// StreamEvent is one named event from the unidirectional push stream.
type StreamEvent struct {
	Name string
	Data json.RawMessage
}

// StreamHandler receives the payload of a named stream event.
type StreamHandler func(data json.RawMessage)

// StreamConfig holds configuration for the server push stream.
type StreamConfig struct {
	URL            string
	ConnectTimeout time.Duration
}

// DefaultStreamConfig returns the default push stream configuration.
func DefaultStreamConfig(url string) StreamConfig {
	return StreamConfig{
		URL:            url,
		ConnectTimeout: 10 * time.Second,
	}
}

// StreamClient consumes the token-authenticated server push stream. One
// instance exists per logged-in session, independent of which views are
// open. Delivery is at-least-once; consumers deduplicate by event id.
type StreamClient struct {
	config StreamConfig
	client *http.Client

	mu       sync.RWMutex
	handlers map[string][]StreamHandler
	onClosed func(err error)
	cancel   context.CancelFunc
	open     bool
}

// NewStreamClient creates a closed stream client.
func NewStreamClient(config StreamConfig) *StreamClient {
	return &StreamClient{
		config:   config,
		client:   &http.Client{}, // no overall timeout: the stream is long-lived
		handlers: make(map[string][]StreamHandler),
	}
}

// On registers a handler for a named event ("notification",
// "notificationUpdate").
func (s *StreamClient) On(event string, fn StreamHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

// OnClosed registers the handler invoked when the stream ends. There is no
// automatic reopen; the owner decides whether to call Open again.
func (s *StreamClient) OnClosed(fn func(err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClosed = fn
}

// Open connects the stream keyed by the auth token and starts delivering
// events until the context is cancelled, Close is called, or the server
// drops the connection.
func (s *StreamClient) Open(ctx context.Context, authToken string) error {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		return fmt.Errorf("transport: stream already open")
	}
	s.mu.Unlock()

	streamCtx, cancel := context.WithCancel(ctx)

	dialCtx, dialCancel := context.WithTimeout(streamCtx, s.config.ConnectTimeout)
	req, err := http.NewRequestWithContext(dialCtx, http.MethodGet, s.config.URL+"?token="+authToken, nil)
	if err != nil {
		dialCancel()
		cancel()
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	dialCancel()
	if err != nil {
		cancel()
		return fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return fmt.Errorf("open stream: unexpected status %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.cancel = cancel
	s.open = true
	s.mu.Unlock()

	go func() {
		err := s.read(streamCtx, resp)
		resp.Body.Close()

		s.mu.Lock()
		s.open = false
		s.cancel = nil
		closed := s.onClosed
		s.mu.Unlock()

		if err != nil {
			log.Error().Err(err).Msg("push stream closed")
		} else {
			log.Info().Msg("push stream closed")
		}
		if closed != nil {
			closed(err)
		}
	}()

	log.Info().Str("url", s.config.URL).Msg("push stream opened")
	return nil
}

// Opened reports whether the stream is currently delivering events.
func (s *StreamClient) Opened() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.open
}

// Close ends the stream. Safe to call on a closed client.
func (s *StreamClient) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// read parses the text/event-stream wire format: "event:" and "data:" lines
// terminated by a blank line per event. Multiple "data:" lines in one event
// are joined with newlines.
func (s *StreamClient) read(ctx context.Context, resp *http.Response) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)

	var name string
	var dataLines []string
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := scanner.Text()
		switch {
		case line == "":
			if name != "" && len(dataLines) > 0 {
				s.dispatch(StreamEvent{
					Name: name,
					Data: json.RawMessage(strings.Join(dataLines, "\n")),
				})
			}
			name = ""
			dataLines = nil
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return scanner.Err()
}

func (s *StreamClient) dispatch(event StreamEvent) {
	s.mu.RLock()
	handlers := make([]StreamHandler, len(s.handlers[event.Name]))
	copy(handlers, s.handlers[event.Name])
	s.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debug().Str("event", event.Name).Msg("no handlers for stream event")
		return
	}
	for _, fn := range handlers {
		fn(event.Data)
	}
}
