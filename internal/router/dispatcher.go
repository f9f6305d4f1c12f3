package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/telegram"
)

// handleDispatcherMessage serves the creator bot. It understands commands
// only; everything else is ignored so the creator chat never relays content.
func (r *Router) handleDispatcherMessage(ctx context.Context, rt *botruntime.Runtime, msg *telegram.Message) {
	cmd, args := splitCommand(msg.Text, rt.Username())
	if cmd == "" {
		return
	}
	lang := responses.Lang(msg.From.LanguageCode)

	switch cmd {
	case "start":
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.Welcome, nil))
	case "privacy":
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.PrivacyCommand, nil))
	case "about":
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.AboutCommand, nil))
	case "register":
		r.handleRegister(ctx, rt, msg, args, lang)
	case "revoke":
		r.handleRevoke(ctx, rt, msg, lang)
	}
}

// handleRegister spins up a runtime for the supplied token, records the
// sender as the tenant's admin and pins the registration receipt. The pinned
// message doubles as the revocation handle later.
func (r *Router) handleRegister(ctx context.Context, rt *botruntime.Runtime, msg *telegram.Message, args, lang string) {
	client := rt.Client()
	if strings.TrimSpace(args) == "" {
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.ProvideToken, nil))
		return
	}
	token := ExtractBotToken(args)
	if token == "" {
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.InvalidToken, nil))
		return
	}

	progress, err := client.SendMessage(ctx, telegram.SendMessageParams{
		ChatID:           msg.Chat.ID,
		Text:             responses.Text(lang, responses.WaitRegisteringBot, nil),
		ReplyToMessageID: msg.MessageID,
	})
	if err != nil {
		r.logger.Warn("register_progress_failed", "error", err.Error())
		return
	}
	editProgress := func(text string) {
		if err := client.EditMessageText(ctx, msg.Chat.ID, progress.MessageID, text, nil); err != nil {
			r.logger.Debug("register_edit_failed", "error", err.Error())
		}
	}

	tenant, err := r.manager.GetOrCreate(ctx, token)
	if err != nil {
		r.logger.Warn("tenant_creation_failed", "bot_token", ShortenToken(token), "error", err.Error())
		editProgress(fmt.Sprintf("Error registering bot:\n%s", err))
		return
	}

	added, err := r.store.AddTenantRegistration(ctx, token, tenant.Username(), msg.From.ID)
	if err != nil {
		r.logger.Error("registration_store_failed", "bot_username", tenant.Username(), "error", err.Error())
		editProgress(responses.Text(lang, responses.DatabaseError, nil))
		return
	}
	if added {
		editProgress(responses.Text(lang, responses.AdminRegistered, nil))
	} else {
		// The token is already on file. Only its own admin gets the receipt
		// again; anyone else holding the token learns nothing more.
		owner, oerr := r.store.TenantAdminForToken(ctx, token)
		if oerr != nil || owner != msg.From.ID {
			editProgress(responses.Text(lang, responses.AlreadyRegistered, nil))
			return
		}
		editProgress(responses.Text(lang, responses.AlreadyAdmin, nil))
	}

	regMsg, err := client.SendMessageHTML(ctx, telegram.SendMessageParams{
		ChatID: msg.Chat.ID,
		Text: responses.Text(lang, responses.BotRegisteredSuccess, map[string]string{
			"username": tenant.Username(),
			"token":    token,
		}),
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
			{{
				Text: responses.Text(lang, responses.BotRegisteredButton, nil),
				URL:  fmt.Sprintf("https://t.me/%s?start=start", tenant.Username()),
			}},
		}},
	})
	if err != nil {
		r.logger.Warn("registration_receipt_failed", "bot_username", tenant.Username(), "error", err.Error())
		return
	}
	if err := client.PinChatMessage(ctx, msg.Chat.ID, regMsg.MessageID); err != nil {
		r.logger.Warn("registration_pin_failed", "bot_username", tenant.Username(), "error", err.Error())
	}
	r.logger.Info("tenant_registered", "bot_username", tenant.Username(), "bot_token", ShortenToken(token))
}

// handleRevoke tears a tenant down. The command must reply to the chat's
// current pinned registration receipt, which proves the caller still holds
// the chat where the token was registered.
func (r *Router) handleRevoke(ctx context.Context, rt *botruntime.Runtime, msg *telegram.Message, lang string) {
	client := rt.Client()
	instruct := func() {
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.RevokeInstructions, nil))
	}

	if msg.ReplyTo == nil {
		instruct()
		return
	}
	chat, err := client.GetChat(ctx, msg.Chat.ID)
	if err != nil {
		r.logger.Warn("chat_lookup_failed", "error", err.Error())
		instruct()
		return
	}
	if chat.PinnedMessage == nil || chat.PinnedMessage.MessageID != msg.ReplyTo.MessageID {
		instruct()
		return
	}

	_, after, found := strings.Cut(msg.ReplyTo.Text, "Token:")
	if !found {
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.InvalidPinnedMessage, nil))
		return
	}
	token := ExtractBotToken(after)
	if token == "" {
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.InvalidToken, nil))
		return
	}
	owner, err := r.store.TenantAdminForToken(ctx, token)
	if err == nil && owner != msg.From.ID {
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.NotAuthorizedToRevoke, nil))
		return
	}

	removed, err := r.manager.Revoke(ctx, token)
	if err != nil || !removed {
		if err != nil {
			r.logger.Error("revoke_failed", "bot_token", ShortenToken(token), "error", err.Error())
		}
		r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.RevokeError, nil))
		return
	}
	if err := client.UnpinChatMessage(ctx, msg.Chat.ID, msg.ReplyTo.MessageID); err != nil {
		r.logger.Debug("unpin_failed", "error", err.Error())
	}
	r.sendDispatcherText(ctx, rt, msg.Chat.ID, responses.Text(lang, responses.RevokeSuccess, nil))
	r.logger.Info("tenant_revoked", "bot_token", ShortenToken(token))
}

func (r *Router) sendDispatcherText(ctx context.Context, rt *botruntime.Runtime, chatID int64, text string) {
	if _, err := rt.Client().SendMessageHTML(ctx, telegram.SendMessageParams{
		ChatID:                chatID,
		Text:                  text,
		DisableWebPagePreview: true,
	}); err != nil {
		r.logger.Warn("dispatcher_reply_failed", "error", err.Error())
	}
}
