package router

import (
	"context"
	"strings"
	"time"

	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/correlator"
	"github.com/411A/anonrelay/internal/replycache"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/telegram"
)

func (r *Router) handleMessage(ctx context.Context, rt *botruntime.Runtime, msg *telegram.Message) {
	if msg.From == nil || msg.Chat == nil || msg.From.IsBot {
		return
	}
	if rt.IsDispatcher() {
		r.handleDispatcherMessage(ctx, rt, msg)
		return
	}

	lang := responses.Lang(msg.From.LanguageCode)
	client := rt.Client()

	if cmd, _ := splitCommand(msg.Text, rt.Username()); cmd != "" {
		var key responses.Key
		switch cmd {
		case "start":
			key = responses.StartCommand
		case "privacy":
			key = responses.PrivacyCommand
		default:
			return
		}
		if _, err := client.SendMessageHTML(ctx, telegram.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text:   responses.Text(lang, key, nil),
		}); err != nil {
			r.logger.Warn("command_reply_failed", "bot_username", rt.Username(), "command", cmd, "error", err.Error())
		}
		return
	}

	userID := msg.From.ID
	isAdmin, err := r.store.IsAdmin(ctx, userID, rt.Username())
	if err != nil {
		r.logger.Error("admin_check_failed", "bot_username", rt.Username(), "error", err.Error())
		return
	}
	if isAdmin {
		r.handleAdminMessage(ctx, rt, msg, lang)
		return
	}

	blocked, err := r.store.IsUserBlocked(ctx, userID, rt.Username())
	if err != nil {
		r.logger.Error("block_check_failed", "bot_username", rt.Username(), "error", err.Error())
		return
	}
	if blocked {
		if _, err := client.SendMessage(ctx, telegram.SendMessageParams{
			ChatID: msg.Chat.ID,
			Text:   responses.Text(lang, responses.UserBlocked, nil),
		}); err != nil {
			r.logger.Warn("blocked_notice_failed", "bot_username", rt.Username(), "error", err.Error())
		}
		return
	}

	// Anyone else gets the three delivery choices, anchored to the message
	// they just sent so the choice survives further typing.
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: responses.Text(lang, responses.BtnAnonNoHistory, nil), CallbackData: cbAnonNoHistory}},
		{{Text: responses.Text(lang, responses.BtnAnonWithHistory, nil), CallbackData: cbAnonWithHistory}},
		{{Text: responses.Text(lang, responses.BtnAnonForward, nil), CallbackData: cbAnonForward}},
	}}
	if _, err := client.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           msg.Chat.ID,
		Text:             responses.Text(lang, responses.ChooseSendMode, nil),
		ReplyToMessageID: msg.MessageID,
		ReplyMarkup:      markup,
	}); err != nil {
		r.logger.Warn("choice_prompt_failed", "bot_username", rt.Username(), "error", err.Error())
	}
}

// handleAdminMessage delivers an admin's pending reply, or reminds the admin
// to open one with the answer button.
func (r *Router) handleAdminMessage(ctx context.Context, rt *botruntime.Runtime, msg *telegram.Message, lang string) {
	client := rt.Client()
	key := replycache.Key{AdminID: msg.From.ID, BotUsername: rt.Username()}

	session, active := r.replies.Get(key)
	if !active {
		if _, err := client.SendMessage(ctx, telegram.SendMessageParams{
			ChatID:           msg.Chat.ID,
			Text:             responses.Text(lang, responses.MustUseAnswerButton, nil),
			ReplyToMessageID: msg.MessageID,
		}); err != nil {
			r.logger.Warn("answer_reminder_failed", "bot_username", rt.Username(), "error", err.Error())
		}
		return
	}

	// The reply carries its own read receipt so the sender can show the
	// admin their answer was seen.
	readPayload, err := r.corr.MintRead(ctx, msg.From.ID, msg.MessageID)
	if err != nil {
		r.logger.Error("read_token_mint_failed", "bot_username", rt.Username(), "error", err.Error())
		r.sendReplyFailure(ctx, rt, msg, lang, responses.ReplyFailed)
		r.replies.End(key)
		return
	}
	markup := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: responses.Text(lang, responses.BtnRead, nil), CallbackData: readPayload}},
	}}

	_, err = client.CopyMessage(ctx, session.SenderID, msg.Chat.ID, msg.MessageID, session.MessageID, markup)
	if err != nil {
		// The read row is orphaned on failure; drop it with the session.
		if tok, perr := correlator.ParseCallback(readPayload); perr == nil {
			r.corr.ConsumeRead(ctx, tok)
		}
		failure := responses.ReplyFailed
		if telegram.IsForbidden(err) {
			failure = responses.ReplyFailedUserBlockedBot
		} else {
			r.logger.Error("reply_delivery_failed", "bot_username", rt.Username(), "error", err.Error())
		}
		r.sendReplyFailure(ctx, rt, msg, lang, failure)
		r.replies.End(key)
		return
	}

	if _, err := client.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           msg.Chat.ID,
		Text:             responses.Text(lang, responses.ReplySent, nil),
		ReplyToMessageID: msg.MessageID,
	}); err != nil {
		r.logger.Warn("reply_confirmation_failed", "bot_username", rt.Username(), "error", err.Error())
	}
	if session.WaitMessageID != 0 {
		if err := client.DeleteMessage(ctx, msg.Chat.ID, session.WaitMessageID); err != nil {
			r.logger.Debug("wait_prompt_delete_failed", "bot_username", rt.Username(), "error", err.Error())
		}
	}
	r.replies.End(key)
	r.logger.Info("admin_reply_delivered",
		"bot_username", rt.Username(),
		"elapsed", time.Since(session.StartedAt).Round(time.Second).String())
}

func (r *Router) sendReplyFailure(ctx context.Context, rt *botruntime.Runtime, msg *telegram.Message, lang string, key responses.Key) {
	if _, err := rt.Client().SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           msg.Chat.ID,
		Text:             responses.Text(lang, key, nil),
		ReplyToMessageID: msg.MessageID,
	}); err != nil {
		r.logger.Warn("reply_failure_notice_failed", "bot_username", rt.Username(), "error", err.Error())
	}
}

// splitCommand parses a leading bot command, stripping an @mention addressed
// to this bot. It returns empty strings for non-command text.
func splitCommand(text, botUsername string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", ""
	}
	cmd, args, _ = strings.Cut(text[1:], " ")
	if name, mention, ok := strings.Cut(cmd, "@"); ok {
		if botUsername != "" && !strings.EqualFold(mention, botUsername) {
			return "", ""
		}
		cmd = name
	}
	return strings.ToLower(cmd), strings.TrimSpace(args)
}
