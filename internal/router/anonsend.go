package router

import (
	"context"
	"errors"
	"fmt"

	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/metrics"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/store"
	"github.com/411A/anonrelay/internal/telegram"
)

// Delivery modes, also the first field of the control record.
const (
	modeNoHistory   = "NoHistory"
	modeWithHistory = "WithHistory"
	modeForward     = "Forward"
)

// handleAnonChoice relays the message the choice prompt replies to, in the
// mode the sender picked. Progress is reported by editing the prompt in
// place, so the sender's chat never accumulates status messages.
func (r *Router) handleAnonChoice(ctx context.Context, rt *botruntime.Runtime, cb *telegram.CallbackQuery, mode string) {
	client := rt.Client()
	lang := responses.Lang(cb.From.LanguageCode)
	prompt := cb.Message
	edit := func(key responses.Key) {
		if err := client.EditMessageText(ctx, prompt.ChatID(), prompt.MessageID, responses.Text(lang, key, nil), nil); err != nil {
			r.logger.Debug("choice_edit_failed", "bot_username", rt.Username(), "error", err.Error())
		}
	}
	r.answer(ctx, rt, cb.ID, "", false)

	original := prompt.ReplyTo
	if original == nil {
		edit(responses.OriginalMessageDeleted)
		return
	}
	edit(responses.EncryptingMessage)

	adminID, err := r.store.AdminIDForTenant(ctx, rt.Username())
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			edit(responses.BotError)
		} else {
			r.logger.Error("admin_lookup_failed", "bot_username", rt.Username(), "error", err.Error())
			edit(responses.ErrorSendingMessage)
		}
		return
	}
	sender := cb.From
	if sender.ID == adminID {
		edit(responses.CantSendToSelf)
		return
	}

	answerPayload, blockPayload, err := r.corr.MintControl(ctx, mode, adminID, sender.ID, original.MessageID)
	if err != nil {
		r.logger.Error("control_token_mint_failed", "bot_username", rt.Username(), "error", err.Error())
		edit(responses.ErrorSendingMessage)
		return
	}
	readPayload, err := r.corr.MintRead(ctx, sender.ID, original.MessageID)
	if err != nil {
		r.logger.Error("read_token_mint_failed", "bot_username", rt.Username(), "error", err.Error())
		edit(responses.ErrorSendingMessage)
		return
	}
	controls := &telegram.InlineKeyboardMarkup{InlineKeyboard: [][]telegram.InlineKeyboardButton{
		{{Text: responses.Text(lang, responses.BtnRead, nil), CallbackData: readPayload}},
		{
			{Text: responses.Text(lang, responses.BtnBlock, nil), CallbackData: blockPayload},
			{Text: responses.Text(lang, responses.BtnAnswer, nil), CallbackData: answerPayload},
		},
	}}

	var (
		header  string
		confirm responses.Key
	)
	deliveredID := 0
	switch mode {
	case modeWithHistory:
		deliveredID, err = client.CopyMessage(ctx, adminID, original.ChatID(), original.MessageID, 0, nil)
		header = "😶‍🌫️💬 " + anonymousID(sender.ID, sender.FirstName)
		confirm = responses.MessageSentWithHistory
	case modeForward:
		var fwd *telegram.Message
		fwd, err = client.ForwardMessage(ctx, adminID, original.ChatID(), original.MessageID)
		if fwd != nil {
			deliveredID = fwd.MessageID
		}
		header = fmt.Sprintf("😎 <code>%s</code>", sender.DisplayName())
		confirm = responses.MessageForwarded
	default:
		deliveredID, err = client.CopyMessage(ctx, adminID, original.ChatID(), original.MessageID, 0, nil)
		header = "😶‍🌫️"
		confirm = responses.MessageSentNoHistory
	}
	if err != nil {
		r.logger.Error("relay_delivery_failed", "bot_username", rt.Username(), "mode", mode, "error", err.Error())
		edit(responses.ErrorSendingMessage)
		return
	}

	// The control keyboard rides a separate message threaded under the
	// delivered one, so media and long texts keep their native rendering.
	if _, err := client.SendMessageHTML(ctx, telegram.SendMessageParams{
		ChatID:              adminID,
		Text:                header + "\n" + r.adminControls,
		DisableNotification: true,
		ReplyToMessageID:    deliveredID,
		ReplyMarkup:         controls,
	}); err != nil {
		r.logger.Error("controls_delivery_failed", "bot_username", rt.Username(), "error", err.Error())
		edit(responses.ErrorSendingMessage)
		return
	}

	edit(confirm)
	metrics.RelayDelivered.WithLabelValues(mode).Inc()
	r.logger.Info("anonymous_message_relayed", "bot_username", rt.Username(), "mode", mode)
}
