// Package router turns incoming bot updates into relay actions. It is the
// single handler behind every runtime: the dispatcher bot only understands
// commands, while hosted tenant bots run the anonymous send, block and reply
// flows.
package router

import (
	"context"
	"log/slog"
	"time"

	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/correlator"
	"github.com/411A/anonrelay/internal/metrics"
	"github.com/411A/anonrelay/internal/replycache"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/store"
	"github.com/411A/anonrelay/internal/telegram"
)

// Send-mode callback payloads and the session-cancel payload. These are fixed
// wire values baked into delivered keyboards, so they never change.
const (
	cbAnonNoHistory   = "SendAnon|NoHistory"
	cbAnonWithHistory = "SendAnon|WithHistory"
	cbAnonForward     = "SendAnon|Forward"
	cbCancelReply     = "CancelReplyAnswer"
)

const (
	// DefaultReplyTimeout bounds how long an admin reply session stays open.
	DefaultReplyTimeout = 20 * time.Minute

	blockedMarker = "#BLOCKED"
)

type Router struct {
	store        *store.Store
	corr         *correlator.Correlator
	replies      *replycache.Cache
	manager      *botruntime.Manager
	logger       *slog.Logger
	replyTimeout time.Duration

	// adminControls is the header line separating relayed content from the
	// control keyboard. The block toggle rewrites message text around it, so
	// it is resolved once and reused verbatim.
	adminControls string
}

func New(st *store.Store, corr *correlator.Correlator, replies *replycache.Cache, logger *slog.Logger, replyTimeout time.Duration) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	return &Router{
		store:         st,
		corr:          corr,
		replies:       replies,
		logger:        logger,
		replyTimeout:  replyTimeout,
		adminControls: responses.Text(responses.DefaultLang, responses.AdminControls, nil),
	}
}

// AttachManager wires the runtime manager in after construction. The manager
// needs the router's Handle at build time, so the dependency closes here.
func (r *Router) AttachManager(m *botruntime.Manager) { r.manager = m }

// Handle processes one update on the runtime's worker goroutine. It matches
// botruntime.Handler.
func (r *Router) Handle(ctx context.Context, rt *botruntime.Runtime, upd telegram.Update) {
	switch {
	case upd.Message != nil:
		metrics.UpdatesReceived.WithLabelValues("message").Inc()
		r.handleMessage(ctx, rt, upd.Message)
	case upd.CallbackQuery != nil:
		metrics.UpdatesReceived.WithLabelValues("callback_query").Inc()
		r.handleCallback(ctx, rt, upd.CallbackQuery)
	}
}

func (r *Router) handleCallback(ctx context.Context, rt *botruntime.Runtime, cb *telegram.CallbackQuery) {
	if cb.From == nil || cb.Message == nil {
		return
	}
	lang := responses.Lang(cb.From.LanguageCode)

	switch cb.Data {
	case cbAnonNoHistory:
		r.handleAnonChoice(ctx, rt, cb, modeNoHistory)
		return
	case cbAnonWithHistory:
		r.handleAnonChoice(ctx, rt, cb, modeWithHistory)
		return
	case cbAnonForward:
		r.handleAnonChoice(ctx, rt, cb, modeForward)
		return
	case cbCancelReply:
		r.handleCancelReply(ctx, rt, cb, lang)
		return
	}

	tok, err := correlator.ParseCallback(cb.Data)
	if err != nil {
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.UnknownOperation, nil), true)
		return
	}
	switch tok.Op {
	case correlator.OpRead:
		r.handleReadReceipt(ctx, rt, cb, tok)
	case correlator.OpAnswer:
		r.handleAnswer(ctx, rt, cb, tok, lang)
	case correlator.OpBlock:
		r.handleBlockToggle(ctx, rt, cb, lang)
	}
}

// answer acknowledges a callback query, logging instead of failing: a missed
// toast never blocks the flow that triggered it.
func (r *Router) answer(ctx context.Context, rt *botruntime.Runtime, callbackID, text string, alert bool) {
	if err := rt.Client().AnswerCallbackQuery(ctx, callbackID, text, alert); err != nil {
		r.logger.Debug("callback_answer_failed", "bot_username", rt.Username(), "error", err.Error())
	}
}
