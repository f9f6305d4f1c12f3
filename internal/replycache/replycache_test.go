package replycache

import (
	"testing"
	"time"
)

func TestBeginIsExclusivePerKey(t *testing.T) {
	c := New()
	key := Key{AdminID: 1, BotUsername: "helper_bot"}

	if !c.Begin(key, Session{SenderID: 10, MessageID: 100}) {
		t.Fatal("first begin refused")
	}
	if c.Begin(key, Session{SenderID: 20, MessageID: 200}) {
		t.Fatal("second begin overwrote an active session")
	}
	s, ok := c.Get(key)
	if !ok || s.SenderID != 10 {
		t.Fatalf("session = %+v ok=%v", s, ok)
	}
}

func TestSessionsAreScopedPerBot(t *testing.T) {
	c := New()
	a := Key{AdminID: 1, BotUsername: "first_bot"}
	b := Key{AdminID: 1, BotUsername: "second_bot"}

	if !c.Begin(a, Session{SenderID: 10}) {
		t.Fatal("begin a refused")
	}
	if !c.Begin(b, Session{SenderID: 20}) {
		t.Fatal("same admin on another bot refused")
	}
	if s, _ := c.Get(a); s.SenderID != 10 {
		t.Fatalf("a = %+v", s)
	}
	if s, _ := c.Get(b); s.SenderID != 20 {
		t.Fatalf("b = %+v", s)
	}
}

func TestEnd(t *testing.T) {
	c := New()
	key := Key{AdminID: 1, BotUsername: "helper_bot"}

	if _, ok := c.End(key); ok {
		t.Fatal("ended a session that never began")
	}
	c.Begin(key, Session{SenderID: 10, MessageID: 100})
	s, ok := c.End(key)
	if !ok || s.MessageID != 100 {
		t.Fatalf("session = %+v ok=%v", s, ok)
	}
	if c.Active(key) {
		t.Fatal("session survived End")
	}
}

func TestExpireOnlyRemovesSameSession(t *testing.T) {
	c := New()
	key := Key{AdminID: 1, BotUsername: "helper_bot"}
	first := time.Now()

	c.Begin(key, Session{SenderID: 10, StartedAt: first})
	c.End(key)
	// Admin starts a fresh reply before the old timer fires.
	second := first.Add(time.Minute)
	c.Begin(key, Session{SenderID: 20, StartedAt: second})

	if c.Expire(key, first) {
		t.Fatal("stale timer removed the new session")
	}
	if !c.Active(key) {
		t.Fatal("new session gone")
	}
	if !c.Expire(key, second) {
		t.Fatal("matching expire refused")
	}
	if c.Active(key) {
		t.Fatal("session survived expire")
	}
}
