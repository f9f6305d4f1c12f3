package botruntime

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/411A/anonrelay/internal/botruntime/worker"
	"github.com/411A/anonrelay/internal/telegram"
)

var (
	// ErrOverloaded means the runtime's update queue is full; the webhook
	// caller reports it so Telegram redelivers later.
	ErrOverloaded = errors.New("botruntime: update queue overloaded")
	// ErrStopped is returned by Stop after the first call.
	ErrStopped = errors.New("botruntime: already stopped")
)

// Runtime is one live bot persona: its API client plus an ordered update
// queue. Updates for one bot are handled sequentially so callback edits never
// race the messages they refer to.
type Runtime struct {
	token      string
	username   string
	botID      int64
	dispatcher bool
	client     *telegram.Client
	logger     *slog.Logger

	updates chan telegram.Update
	ctx     context.Context
	cancel  context.CancelFunc

	stopOnce sync.Once
}

func (r *Runtime) Token() string            { return r.token }
func (r *Runtime) Username() string         { return r.username }
func (r *Runtime) BotID() int64             { return r.botID }
func (r *Runtime) IsDispatcher() bool       { return r.dispatcher }
func (r *Runtime) Client() *telegram.Client { return r.client }

// Enqueue offers an update to the runtime's queue without blocking.
func (r *Runtime) Enqueue(upd telegram.Update) error {
	if !worker.TryEnqueue(r.ctx, r.updates, upd) {
		return ErrOverloaded
	}
	return nil
}

// Stop ends the update loop. The first call returns nil, later calls
// ErrStopped; eviction and explicit revocation may both try.
func (r *Runtime) Stop() error {
	err := ErrStopped
	r.stopOnce.Do(func() {
		r.cancel()
		err = nil
	})
	return err
}
