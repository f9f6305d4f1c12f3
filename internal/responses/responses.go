// Package responses holds the localized user-facing texts, embedded as YAML
// catalogs. Unknown languages fall back to English, so callers can pass the
// sender's language_code straight through.
package responses

import (
	"embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed catalog/*.yaml
var catalogFS embed.FS

// DefaultLang is the fallback for unknown or empty language codes.
const DefaultLang = "en"

// Key names one catalog text. The constants below cover every text the
// router and dispatcher emit; Text panics in tests (via the catalog check)
// rather than at runtime when a key is missing.
type Key string

const (
	InvalidToken              Key = "invalid_token"
	WaitRegisteringBot        Key = "wait_registering_bot"
	EncryptingMessage         Key = "encrypting_message"
	UserBlocked               Key = "user_blocked"
	MessageSentNoHistory      Key = "message_sent_no_history"
	MessageSentWithHistory    Key = "message_sent_with_history"
	MessageForwarded          Key = "message_forwarded"
	ErrorSendingMessage       Key = "error_sending_message"
	Welcome                   Key = "welcome"
	ProvideToken              Key = "provide_token"
	AlreadyRegistered         Key = "already_registered"
	AlreadyAdmin              Key = "already_admin"
	AdminRegistered           Key = "admin_registered"
	OriginalMessageDeleted    Key = "original_message_deleted"
	RevokeInstructions        Key = "revoke_instructions"
	NotAuthorizedToRevoke     Key = "not_authorized_to_revoke"
	InvalidPinnedMessage      Key = "invalid_pinned_message"
	RevokeSuccess             Key = "revoke_success"
	RevokeError               Key = "revoke_error"
	BotRegisteredSuccess      Key = "bot_registered_success"
	BotRegisteredButton       Key = "bot_registered_button"
	CantSendToSelf            Key = "cant_send_to_self"
	BotError                  Key = "bot_error"
	BtnAnonNoHistory          Key = "btn_anon_no_history"
	BtnAnonWithHistory        Key = "btn_anon_with_history"
	BtnAnonForward            Key = "btn_anon_forward"
	ChooseSendMode            Key = "choose_send_mode"
	BtnRead                   Key = "btn_read"
	BtnBlock                  Key = "btn_block"
	BtnUnblock                Key = "btn_unblock"
	BtnAnswer                 Key = "btn_answer"
	BtnCancelReply            Key = "btn_cancel_reply"
	AdminControls             Key = "admin_controls"
	InvalidMessageData        Key = "invalid_message_data"
	UnknownOperation          Key = "unknown_operation"
	DatabaseError             Key = "database_error"
	OngoingReply              Key = "ongoing_reply"
	ReplyCanceled             Key = "reply_canceled"
	ReplyWait                 Key = "reply_wait"
	ReplyAwaiting             Key = "reply_awaiting"
	ReplyError                Key = "reply_error"
	ReplyTimeout              Key = "reply_timeout"
	MustUseAnswerButton       Key = "must_use_answer_button"
	ReplySent                 Key = "reply_sent"
	ReplyFailed               Key = "reply_failed"
	ReplyFailedUserBlockedBot Key = "reply_failed_user_blocked_bot"
	UserBlockedOK             Key = "user_blocked_ok"
	UserUnblockedOK           Key = "user_unblocked_ok"
	BlockError                Key = "block_error"
	UnblockError              Key = "unblock_error"
	BlockProcessError         Key = "block_process_error"
	CreatedBotName            Key = "created_bot_name"
	CreatedBotShortDesc       Key = "created_bot_short_description"
	BotName                   Key = "bot_name"
	BotShortDescription       Key = "bot_short_description"
	BotDescription            Key = "bot_description"
	StartCommand              Key = "start_command"
	PrivacyCommand            Key = "privacy_command"
	AboutCommand              Key = "about_command"
)

// Command is one entry for setMyCommands.
type Command struct {
	Command     string `yaml:"command"`
	Description string `yaml:"description"`
}

type catalog struct {
	Texts    map[string]string    `yaml:"texts"`
	Commands map[string][]Command `yaml:"commands"`
}

var catalogs = mustLoad()

func mustLoad() map[string]catalog {
	entries, err := catalogFS.ReadDir("catalog")
	if err != nil {
		panic(fmt.Sprintf("responses: read catalog dir: %v", err))
	}
	out := make(map[string]catalog, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		lang := strings.TrimSuffix(name, ".yaml")
		if lang == name {
			continue
		}
		raw, err := catalogFS.ReadFile("catalog/" + name)
		if err != nil {
			panic(fmt.Sprintf("responses: read %s: %v", name, err))
		}
		var c catalog
		if err := yaml.Unmarshal(raw, &c); err != nil {
			panic(fmt.Sprintf("responses: parse %s: %v", name, err))
		}
		out[lang] = c
	}
	if _, ok := out[DefaultLang]; !ok {
		panic("responses: missing default catalog")
	}
	return out
}

// Languages lists the loaded catalog languages.
func Languages() []string {
	langs := make([]string, 0, len(catalogs))
	for lang := range catalogs {
		langs = append(langs, lang)
	}
	return langs
}

// Lang normalizes a Telegram language_code to a loaded catalog language.
func Lang(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if i := strings.IndexByte(code, '-'); i > 0 {
		code = code[:i]
	}
	if _, ok := catalogs[code]; ok {
		return code
	}
	return DefaultLang
}

// Text returns the catalog text for key in lang, interpolating {name}
// placeholders from args. A key absent from a localized catalog falls back
// to the English text; a key absent everywhere returns its own name so the
// breakage is visible rather than silent.
func Text(lang string, key Key, args map[string]string) string {
	text, ok := catalogs[Lang(lang)].Texts[string(key)]
	if !ok {
		text, ok = catalogs[DefaultLang].Texts[string(key)]
	}
	if !ok {
		return string(key)
	}
	for name, value := range args {
		text = strings.ReplaceAll(text, "{"+name+"}", value)
	}
	return text
}

// Commands returns the command list named set ("dispatcher" or "tenant") for
// lang, falling back to English.
func Commands(lang, set string) []Command {
	if cmds, ok := catalogs[Lang(lang)].Commands[set]; ok {
		return cmds
	}
	return catalogs[DefaultLang].Commands[set]
}
