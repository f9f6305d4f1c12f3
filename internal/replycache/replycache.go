// Package replycache tracks which admins are mid-reply. An admin may answer
// through several hosted bots, so sessions are keyed by the (admin, bot)
// pair; a reply in one persona never shadows another.
package replycache

import (
	"sync"
	"time"
)

// Key identifies one reply session.
type Key struct {
	AdminID     int64
	BotUsername string
}

// Session is the pending reply target. WaitMessageID is the prompt shown to
// the admin; it is deleted or rewritten when the session ends.
type Session struct {
	SenderID      int64
	MessageID     int
	WaitMessageID int
	StartedAt     time.Time
}

type Cache struct {
	mu       sync.Mutex
	sessions map[Key]Session
}

func New() *Cache {
	return &Cache{sessions: make(map[Key]Session)}
}

// Begin opens a session for key. It reports false without overwriting when a
// session is already active: the admin must cancel or finish first.
func (c *Cache) Begin(key Key, s Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, active := c.sessions[key]; active {
		return false
	}
	c.sessions[key] = s
	return true
}

// Get returns the active session for key, if any.
func (c *Cache) Get(key Key) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// Active reports whether key has an open session.
func (c *Cache) Active(key Key) bool {
	_, ok := c.Get(key)
	return ok
}

// End closes and returns the session for key.
func (c *Cache) End(key Key) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	if ok {
		delete(c.sessions, key)
	}
	return s, ok
}

// Expire closes the session for key only if it is still the one started at
// startedAt. Timeout timers use this so a stale timer firing after the admin
// began a new reply leaves the new session alone.
func (c *Cache) Expire(key Key, startedAt time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	if !ok || !s.StartedAt.Equal(startedAt) {
		return false
	}
	delete(c.sessions, key)
	return true
}
