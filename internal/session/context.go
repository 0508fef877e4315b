package session

import (
	"sync"
)

// User identifies the logged-in user as reported by the backend.
type User struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Listener is notified whenever the session changes (login, logout,
// token refresh). Listeners run on the caller's goroutine.
type Listener func(token string, user *User)

// Context holds the process-wide session state: the current auth token and
// the user it belongs to. Components receive a *Context instead of reading
// ambient globals so tests can inject a fresh one per case.
type Context struct {
	mu        sync.RWMutex
	token     string
	user      *User
	listeners []Listener
}

func NewContext() *Context {
	return &Context{}
}

// Token returns the current auth token, or "" when logged out.
func (c *Context) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// User returns the current user, or nil when unknown.
func (c *Context) User() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// LoggedIn reports whether a session token is present.
func (c *Context) LoggedIn() bool {
	return c.Token() != ""
}

// Set stores a new token and user and notifies listeners.
func (c *Context) Set(token string, user *User) {
	c.mu.Lock()
	c.token = token
	c.user = user
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(token, user)
	}
}

// Clear drops the session (logout) and notifies listeners.
func (c *Context) Clear() {
	c.Set("", nil)
}

// Subscribe registers a listener for session changes.
func (c *Context) Subscribe(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}
