package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/correlator"
	"github.com/411A/anonrelay/internal/replycache"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/telegram"
)

// handleAnswer opens a reply session for the admin who pressed the answer
// button. One session per (admin, bot) pair; a second press is rejected until
// the first reply is sent, canceled or timed out.
func (r *Router) handleAnswer(ctx context.Context, rt *botruntime.Runtime, cb *telegram.CallbackQuery, tok correlator.Token, lang string) {
	client := rt.Client()
	key := replycache.Key{AdminID: cb.From.ID, BotUsername: rt.Username()}
	if r.replies.Active(key) {
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.OngoingReply, nil), true)
		return
	}

	rec, err := r.corr.ResolveControl(ctx, tok)
	if err != nil {
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.InvalidMessageData, nil), true)
		return
	}

	// The controls message replies to the relayed copy; the wait prompt
	// threads under that copy so the admin sees what they are answering.
	replyAnchor := cb.Message.MessageID
	if cb.Message.ReplyTo != nil {
		replyAnchor = cb.Message.ReplyTo.MessageID
	}
	minutes := int(r.replyTimeout.Round(time.Minute) / time.Minute)
	waitMsg, err := client.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           cb.Message.ChatID(),
		Text:             responses.Text(lang, responses.ReplyWait, map[string]string{"minutes": strconv.Itoa(minutes)}),
		ReplyToMessageID: replyAnchor,
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			{{Text: responses.Text(lang, responses.BtnCancelReply, nil), CallbackData: cbCancelReply}},
		}},
	})
	if err != nil {
		r.logger.Error("wait_prompt_failed", "bot_username", rt.Username(), "error", err.Error())
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.ReplyError, nil), true)
		return
	}

	session := replycache.Session{
		SenderID:      rec.SenderID,
		MessageID:     rec.MessageID,
		WaitMessageID: waitMsg.MessageID,
		StartedAt:     time.Now(),
	}
	if !r.replies.Begin(key, session) {
		// Lost a race with another press of the same button.
		if derr := client.DeleteMessage(ctx, cb.Message.ChatID(), waitMsg.MessageID); derr != nil {
			r.logger.Debug("wait_prompt_delete_failed", "bot_username", rt.Username(), "error", derr.Error())
		}
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.OngoingReply, nil), true)
		return
	}

	chatID := cb.Message.ChatID()
	time.AfterFunc(r.replyTimeout, func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("timeout_handler_panic", "bot_username", rt.Username(), "panic", fmt.Sprint(rec))
			}
		}()
		if !r.replies.Expire(key, session.StartedAt) {
			return
		}
		tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.EditMessageText(tctx, chatID, waitMsg.MessageID,
			responses.Text(lang, responses.ReplyTimeout, nil), nil); err != nil {
			r.logger.Debug("timeout_edit_failed", "bot_username", rt.Username(), "error", err.Error())
		}
		r.logger.Info("reply_session_expired", "bot_username", rt.Username())
	})

	r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.ReplyAwaiting, nil), false)
}

// handleCancelReply closes the admin's open session from the wait prompt's
// cancel button.
func (r *Router) handleCancelReply(ctx context.Context, rt *botruntime.Runtime, cb *telegram.CallbackQuery, lang string) {
	key := replycache.Key{AdminID: cb.From.ID, BotUsername: rt.Username()}
	if _, ok := r.replies.End(key); ok {
		if err := rt.Client().EditMessageText(ctx, cb.Message.ChatID(), cb.Message.MessageID,
			responses.Text(lang, responses.ReplyCanceled, nil), nil); err != nil {
			r.logger.Debug("cancel_edit_failed", "bot_username", rt.Username(), "error", err.Error())
		}
	}
	r.answer(ctx, rt, cb.ID, "", false)
}

// handleBlockToggle flips the sender's block state. The controls message is
// rewritten in place: a blocked marker line above the controls header and the
// block button swapped for an unblock one, so the keyboard itself records the
// current state.
func (r *Router) handleBlockToggle(ctx context.Context, rt *botruntime.Runtime, cb *telegram.CallbackQuery, lang string) {
	client := rt.Client()
	invalid := func() {
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.InvalidMessageData, nil), true)
	}

	readPayload, blockPayload, answerPayload, ok := controlPayloads(cb.Message.ReplyMarkup)
	if !ok || cb.Message.Text == "" {
		invalid()
		return
	}
	tok, err := correlator.ParseCallback(blockPayload)
	if err != nil {
		invalid()
		return
	}
	rec, err := r.corr.ResolveControl(ctx, tok)
	if err != nil {
		invalid()
		return
	}

	blocked, err := r.store.IsUserBlocked(ctx, rec.SenderID, rt.Username())
	if err != nil {
		r.logger.Error("block_check_failed", "bot_username", rt.Username(), "error", err.Error())
		r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.BlockProcessError, nil), true)
		return
	}

	text := cb.Message.Text
	var (
		newText   string
		toggleKey responses.Key
		toast     responses.Key
	)
	if blocked {
		if !r.store.UnblockUser(ctx, rec.SenderID, rt.Username()) {
			r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.UnblockError, nil), true)
			return
		}
		newText = strings.Replace(text, blockedMarker+"\n", "", 1)
		toggleKey = responses.BtnBlock
		toast = responses.UserUnblockedOK
	} else {
		if !r.store.BlockUser(ctx, rec.SenderID, rt.Username()) {
			r.answer(ctx, rt, cb.ID, responses.Text(lang, responses.BlockError, nil), true)
			return
		}
		newText = text
		if !strings.Contains(text, blockedMarker) {
			newText = strings.Replace(text, r.adminControls, blockedMarker+"\n"+r.adminControls, 1)
		}
		toggleKey = responses.BtnUnblock
		toast = responses.UserBlockedOK
	}

	rows := [][]telegram.InlineKeyboardButton{}
	if readPayload != "" {
		rows = append(rows, []telegram.InlineKeyboardButton{
			{Text: responses.Text(lang, responses.BtnRead, nil), CallbackData: readPayload},
		})
	}
	rows = append(rows, []telegram.InlineKeyboardButton{
		{Text: responses.Text(lang, toggleKey, nil), CallbackData: blockPayload},
		{Text: responses.Text(lang, responses.BtnAnswer, nil), CallbackData: answerPayload},
	})

	if err := client.EditMessageText(ctx, cb.Message.ChatID(), cb.Message.MessageID, newText,
		&telegram.InlineKeyboardMarkup{InlineKeyboard: rows}); err != nil {
		r.logger.Warn("block_edit_failed", "bot_username", rt.Username(), "error", err.Error())
	}
	r.answer(ctx, rt, cb.ID, responses.Text(lang, toast, nil), true)
	r.logger.Info("block_toggled", "bot_username", rt.Username(), "now_blocked", !blocked)
}

// handleReadReceipt reacts to the sender's original message and retires the
// one-shot read token, removing its button from the keyboard.
func (r *Router) handleReadReceipt(ctx context.Context, rt *botruntime.Runtime, cb *telegram.CallbackQuery, tok correlator.Token) {
	client := rt.Client()
	defer r.answer(ctx, rt, cb.ID, "", false)

	if markup := cb.Message.ReplyMarkup; markup != nil {
		rows := make([][]telegram.InlineKeyboardButton, 0, len(markup.InlineKeyboard))
		for i, row := range markup.InlineKeyboard {
			if i == 0 && len(row) > 0 {
				row = row[1:]
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
		}
		var replacement *telegram.InlineKeyboardMarkup
		if len(rows) > 0 {
			replacement = &telegram.InlineKeyboardMarkup{InlineKeyboard: rows}
		}
		if err := client.EditMessageReplyMarkup(ctx, cb.Message.ChatID(), cb.Message.MessageID, replacement); err != nil {
			r.logger.Debug("read_button_remove_failed", "bot_username", rt.Username(), "error", err.Error())
		}
	}

	rec, err := r.corr.ResolveRead(ctx, tok)
	if err != nil {
		return
	}
	// The original may be deleted by now; the receipt is best effort.
	if err := client.SetMessageReaction(ctx, rec.SenderID, rec.MessageID, "👀"); err != nil {
		r.logger.Debug("read_reaction_failed", "bot_username", rt.Username(), "error", err.Error())
	}
	r.corr.ConsumeRead(ctx, tok)
}

// controlPayloads extracts the callback payloads from a controls keyboard.
// Two shapes exist: the full one with a read row above block and answer, and
// the one left after the read button was consumed.
func controlPayloads(markup *telegram.InlineKeyboardMarkup) (read, block, answer string, ok bool) {
	if markup == nil {
		return "", "", "", false
	}
	kb := markup.InlineKeyboard
	switch {
	case len(kb) > 1 && len(kb[0]) > 0 && len(kb[1]) > 1:
		return kb[0][0].CallbackData, kb[1][0].CallbackData, kb[1][1].CallbackData, true
	case len(kb) > 0 && len(kb[0]) > 1:
		return "", kb[0][0].CallbackData, kb[0][1].CallbackData, true
	default:
		return "", "", "", false
	}
}

