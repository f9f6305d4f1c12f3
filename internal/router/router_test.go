package router

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/411A/anonrelay/db"
	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/correlator"
	"github.com/411A/anonrelay/internal/cryptoutil"
	"github.com/411A/anonrelay/internal/replycache"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/store"
	"github.com/411A/anonrelay/internal/telegram"
)

const (
	tenantToken    = "111:aaa"
	tenantUsername = "bot_111"
	adminID        = int64(900)
	senderID       = int64(100)
)

type apiCall struct {
	method string
	params map[string]any
}

// relayAPI fakes the Bot API, recording every call with its decoded body.
type relayAPI struct {
	mu        sync.Mutex
	calls     []apiCall
	nextMsgID int
	overrides map[string]string
	statuses  map[string]int
}

func newRelayAPI() *relayAPI {
	return &relayAPI{nextMsgID: 1000, overrides: map[string]string{}, statuses: map[string]int{}}
}

func (a *relayAPI) setResponse(method, body string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overrides[method] = body
}

func (a *relayAPI) setStatus(method string, status int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statuses[method] = status
}

func (a *relayAPI) callsFor(method string) []apiCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []apiCall
	for _, c := range a.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (a *relayAPI) lastCall(t *testing.T, method string) apiCall {
	t.Helper()
	calls := a.callsFor(method)
	if len(calls) == 0 {
		t.Fatalf("no %s calls recorded", method)
	}
	return calls[len(calls)-1]
}

func (a *relayAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if len(parts) != 2 || !strings.HasPrefix(parts[0], "bot") {
			t.Errorf("unexpected path %q", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		token := strings.TrimPrefix(parts[0], "bot")
		method := parts[1]

		params := map[string]any{}
		if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
			_ = json.Unmarshal(body, &params)
		}

		a.mu.Lock()
		a.calls = append(a.calls, apiCall{method: method, params: params})
		override, hasOverride := a.overrides[method]
		status := a.statuses[method]
		a.nextMsgID++
		msgID := a.nextMsgID
		a.mu.Unlock()

		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"ok":false,"error_code":%d,"description":"Forbidden: bot was blocked by the user"}`, status)
			return
		}
		if hasOverride {
			_, _ = w.Write([]byte(override))
			return
		}
		switch method {
		case "getMe":
			username := "bot_" + strings.SplitN(token, ":", 2)[0]
			fmt.Fprintf(w, `{"ok":true,"result":{"id":%d,"is_bot":true,"username":%q}}`, len(token), username)
		case "getWebhookInfo":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"url":""}}`))
		case "sendMessage", "forwardMessage", "editMessageText":
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d}}`, msgID)
		case "copyMessage":
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d}}`, msgID)
		case "getChat":
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":true,"result":true}`))
		}
	}
}

type rig struct {
	api     *relayAPI
	store   *store.Store
	corr    *correlator.Correlator
	replies *replycache.Cache
	router  *Router
	manager *botruntime.Manager
	tenant  *botruntime.Runtime
}

func newTestRig(t *testing.T, replyTimeout time.Duration) *rig {
	t.Helper()
	api := newRelayAPI()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "relay.sqlite")
	gdb, err := db.Open(cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	enc, err := cryptoutil.NewEncryptor("router-test-pass")
	if err != nil {
		t.Fatalf("encryptor: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := store.New(gdb, enc, logger)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	replies := replycache.New()
	corr := correlator.New(enc, st, logger)
	rtr := New(st, corr, replies, logger, replyTimeout)

	m, err := botruntime.NewManager(botruntime.Config{
		WebhookBaseURL:  "https://relay.example",
		MainBotToken:    "999:main",
		TelegramBaseURL: srv.URL,
		HTTPClient:      srv.Client(),
	}, st, rtr.Handle, logger)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(m.Shutdown)
	rtr.AttachManager(m)

	ctx := context.Background()
	if _, err := st.AddTenantRegistration(ctx, tenantToken, tenantUsername, adminID); err != nil {
		t.Fatalf("seed registration: %v", err)
	}
	tenant, err := m.GetOrCreate(ctx, tenantToken)
	if err != nil {
		t.Fatalf("tenant runtime: %v", err)
	}
	return &rig{api: api, store: st, corr: corr, replies: replies, router: rtr, manager: m, tenant: tenant}
}

func userMessage(from int64, msgID int, text string) *telegram.Message {
	return &telegram.Message{
		MessageID: msgID,
		Chat:      &telegram.Chat{ID: from, Type: "private"},
		From:      &telegram.User{ID: from, FirstName: "Pat"},
		Text:      text,
	}
}

func callbackUpdate(from int64, msg *telegram.Message, data string) telegram.Update {
	return telegram.Update{CallbackQuery: &telegram.CallbackQuery{
		ID:      "cb-1",
		From:    &telegram.User{ID: from, FirstName: "Pat"},
		Message: msg,
		Data:    data,
	}}
}

func keyboardFrom(t *testing.T, params map[string]any) [][]telegram.InlineKeyboardButton {
	t.Helper()
	raw, ok := params["reply_markup"]
	if !ok {
		t.Fatal("call carried no reply_markup")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		t.Fatalf("re-encode markup: %v", err)
	}
	var markup telegram.InlineKeyboardMarkup
	if err := json.Unmarshal(encoded, &markup); err != nil {
		t.Fatalf("decode markup: %v", err)
	}
	return markup.InlineKeyboard
}

func englishText(key responses.Key) string {
	return responses.Text(responses.DefaultLang, key, nil)
}

// relayAnonymous drives the full sender-side flow and returns the control
// keyboard delivered to the admin.
func relayAnonymous(t *testing.T, r *rig, mode string) [][]telegram.InlineKeyboardButton {
	t.Helper()
	prompt := &telegram.Message{
		MessageID: 10,
		Chat:      &telegram.Chat{ID: senderID, Type: "private"},
		ReplyTo:   userMessage(senderID, 9, "hello admin"),
	}
	r.router.Handle(context.Background(), r.tenant, callbackUpdate(senderID, prompt, "SendAnon|"+mode))
	return keyboardFrom(t, r.api.lastCall(t, "sendMessage").params)
}

func TestNewSenderGetsChoicePrompt(t *testing.T) {
	r := newTestRig(t, 0)
	r.router.Handle(context.Background(), r.tenant, telegram.Update{Message: userMessage(senderID, 9, "hello")})

	call := r.api.lastCall(t, "sendMessage")
	if got := call.params["text"]; got != englishText(responses.ChooseSendMode) {
		t.Fatalf("text = %v", got)
	}
	if got := call.params["reply_to_message_id"]; got != float64(9) {
		t.Fatalf("reply_to_message_id = %v", got)
	}
	kb := keyboardFrom(t, call.params)
	if len(kb) != 3 {
		t.Fatalf("keyboard rows = %d", len(kb))
	}
	want := []string{cbAnonNoHistory, cbAnonWithHistory, cbAnonForward}
	for i, row := range kb {
		if len(row) != 1 || row[0].CallbackData != want[i] {
			t.Fatalf("row %d = %+v", i, row)
		}
	}
}

func TestBlockedSenderGetsNotice(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	if !r.store.BlockUser(ctx, senderID, tenantUsername) {
		t.Fatal("seed block failed")
	}
	r.router.Handle(ctx, r.tenant, telegram.Update{Message: userMessage(senderID, 9, "hello")})

	call := r.api.lastCall(t, "sendMessage")
	if got := call.params["text"]; got != englishText(responses.UserBlocked) {
		t.Fatalf("text = %v", got)
	}
	if _, hasMarkup := call.params["reply_markup"]; hasMarkup {
		t.Fatal("blocked notice carried a keyboard")
	}
}

func TestAnonymousSendModes(t *testing.T) {
	cases := []struct {
		mode    string
		method  string
		confirm responses.Key
	}{
		{modeNoHistory, "copyMessage", responses.MessageSentNoHistory},
		{modeWithHistory, "copyMessage", responses.MessageSentWithHistory},
		{modeForward, "forwardMessage", responses.MessageForwarded},
	}
	for _, tc := range cases {
		t.Run(tc.mode, func(t *testing.T) {
			r := newTestRig(t, 0)
			ctx := context.Background()
			kb := relayAnonymous(t, r, tc.mode)

			delivery := r.api.lastCall(t, tc.method)
			if got := delivery.params["chat_id"]; got != float64(adminID) {
				t.Fatalf("delivered to chat %v", got)
			}

			controls := r.api.lastCall(t, "sendMessage")
			text, _ := controls.params["text"].(string)
			if !strings.Contains(text, englishText(responses.AdminControls)) {
				t.Fatalf("controls text = %q", text)
			}
			if len(kb) != 2 || len(kb[0]) != 1 || len(kb[1]) != 2 {
				t.Fatalf("keyboard shape = %+v", kb)
			}

			// The answer button resolves back to the exact participants.
			tok, err := correlator.ParseCallback(kb[1][1].CallbackData)
			if err != nil {
				t.Fatalf("parse answer payload: %v", err)
			}
			rec, err := r.corr.ResolveControl(ctx, tok)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if rec.Mode != tc.mode || rec.AdminID != adminID || rec.SenderID != senderID || rec.MessageID != 9 {
				t.Fatalf("record = %+v", rec)
			}

			edit := r.api.lastCall(t, "editMessageText")
			if got := edit.params["text"]; got != englishText(tc.confirm) {
				t.Fatalf("confirmation = %v", got)
			}
		})
	}
}

func TestAnonymousSendWithHistoryTagIsStable(t *testing.T) {
	r := newTestRig(t, 0)
	relayAnonymous(t, r, modeWithHistory)
	first, _ := r.api.lastCall(t, "sendMessage").params["text"].(string)

	prompt := &telegram.Message{
		MessageID: 20,
		Chat:      &telegram.Chat{ID: senderID, Type: "private"},
		ReplyTo:   userMessage(senderID, 19, "second message"),
	}
	r.router.Handle(context.Background(), r.tenant, callbackUpdate(senderID, prompt, cbAnonWithHistory))
	second, _ := r.api.lastCall(t, "sendMessage").params["text"].(string)

	if first != second {
		t.Fatalf("pseudonym drifted: %q vs %q", first, second)
	}
	if !strings.Contains(first, "#") {
		t.Fatalf("no hashtag pseudonym in %q", first)
	}
}

func TestAnonymousSendOriginalDeleted(t *testing.T) {
	r := newTestRig(t, 0)
	prompt := &telegram.Message{MessageID: 10, Chat: &telegram.Chat{ID: senderID}}
	r.router.Handle(context.Background(), r.tenant, callbackUpdate(senderID, prompt, cbAnonNoHistory))

	edit := r.api.lastCall(t, "editMessageText")
	if got := edit.params["text"]; got != englishText(responses.OriginalMessageDeleted) {
		t.Fatalf("text = %v", got)
	}
	if calls := r.api.callsFor("copyMessage"); len(calls) != 0 {
		t.Fatal("deleted original still relayed")
	}
}

func TestAdminCannotMessageSelf(t *testing.T) {
	r := newTestRig(t, 0)
	prompt := &telegram.Message{
		MessageID: 10,
		Chat:      &telegram.Chat{ID: adminID},
		ReplyTo:   userMessage(adminID, 9, "note to self"),
	}
	r.router.Handle(context.Background(), r.tenant, callbackUpdate(adminID, prompt, cbAnonNoHistory))

	edit := r.api.lastCall(t, "editMessageText")
	if got := edit.params["text"]; got != englishText(responses.CantSendToSelf) {
		t.Fatalf("text = %v", got)
	}
}

func TestAnswerOpensSessionAndDeliversReply(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	kb := relayAnonymous(t, r, modeNoHistory)
	answerPayload := kb[1][1].CallbackData

	controlsMsg := &telegram.Message{
		MessageID:   30,
		Chat:        &telegram.Chat{ID: adminID},
		ReplyTo:     &telegram.Message{MessageID: 29, Chat: &telegram.Chat{ID: adminID}},
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: kb},
	}
	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, answerPayload))

	wait := r.api.lastCall(t, "sendMessage")
	if got := wait.params["reply_to_message_id"]; got != float64(29) {
		t.Fatalf("wait prompt anchored to %v", got)
	}
	key := replycache.Key{AdminID: adminID, BotUsername: tenantUsername}
	session, active := r.replies.Get(key)
	if !active {
		t.Fatal("no session after answer")
	}
	if session.SenderID != senderID || session.MessageID != 9 {
		t.Fatalf("session = %+v", session)
	}

	r.router.Handle(ctx, r.tenant, telegram.Update{Message: userMessage(adminID, 40, "here is my answer")})

	delivery := r.api.lastCall(t, "copyMessage")
	if got := delivery.params["chat_id"]; got != float64(senderID) {
		t.Fatalf("reply delivered to %v", got)
	}
	if got := delivery.params["reply_to_message_id"]; got != float64(9) {
		t.Fatalf("reply threaded on %v", got)
	}
	replyKb := keyboardFrom(t, delivery.params)
	if len(replyKb) != 1 || len(replyKb[0]) != 1 {
		t.Fatalf("reply keyboard = %+v", replyKb)
	}
	if _, err := correlator.ParseCallback(replyKb[0][0].CallbackData); err != nil {
		t.Fatalf("reply read payload: %v", err)
	}
	if r.replies.Active(key) {
		t.Fatal("session survived delivery")
	}
	if len(r.api.callsFor("deleteMessage")) == 0 {
		t.Fatal("wait prompt not deleted")
	}
	confirm := r.api.lastCall(t, "sendMessage")
	if got := confirm.params["text"]; got != englishText(responses.ReplySent) {
		t.Fatalf("confirmation = %v", got)
	}
}

func TestSecondAnswerRejectedWhileSessionActive(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	kb := relayAnonymous(t, r, modeNoHistory)
	controlsMsg := &telegram.Message{
		MessageID:   30,
		Chat:        &telegram.Chat{ID: adminID},
		ReplyTo:     &telegram.Message{MessageID: 29, Chat: &telegram.Chat{ID: adminID}},
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: kb},
	}
	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, kb[1][1].CallbackData))
	before := len(r.api.callsFor("sendMessage"))

	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, kb[1][1].CallbackData))

	if got := len(r.api.callsFor("sendMessage")); got != before {
		t.Fatalf("second answer sent %d new prompts", got-before)
	}
	toast := r.api.lastCall(t, "answerCallbackQuery")
	if got := toast.params["text"]; got != englishText(responses.OngoingReply) {
		t.Fatalf("toast = %v", got)
	}
}

func TestCancelReplyEndsSession(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	key := replycache.Key{AdminID: adminID, BotUsername: tenantUsername}
	r.replies.Begin(key, replycache.Session{SenderID: senderID, MessageID: 9, StartedAt: time.Now()})

	waitMsg := &telegram.Message{MessageID: 31, Chat: &telegram.Chat{ID: adminID}}
	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, waitMsg, cbCancelReply))

	if r.replies.Active(key) {
		t.Fatal("session survived cancel")
	}
	edit := r.api.lastCall(t, "editMessageText")
	if got := edit.params["text"]; got != englishText(responses.ReplyCanceled) {
		t.Fatalf("text = %v", got)
	}
}

func TestReplySessionTimesOut(t *testing.T) {
	r := newTestRig(t, 50*time.Millisecond)
	ctx := context.Background()
	kb := relayAnonymous(t, r, modeNoHistory)
	controlsMsg := &telegram.Message{
		MessageID:   30,
		Chat:        &telegram.Chat{ID: adminID},
		ReplyTo:     &telegram.Message{MessageID: 29, Chat: &telegram.Chat{ID: adminID}},
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: kb},
	}
	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, kb[1][1].CallbackData))

	key := replycache.Key{AdminID: adminID, BotUsername: tenantUsername}
	deadline := time.Now().Add(2 * time.Second)
	for r.replies.Active(key) {
		if time.Now().After(deadline) {
			t.Fatal("session never expired")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for time.Now().Before(deadline) {
		edit := r.api.callsFor("editMessageText")
		if len(edit) > 0 && edit[len(edit)-1].params["text"] == englishText(responses.ReplyTimeout) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("wait prompt never rewritten with the timeout text")
}

func TestReplyDeliveryToDepartedUser(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	key := replycache.Key{AdminID: adminID, BotUsername: tenantUsername}
	r.replies.Begin(key, replycache.Session{SenderID: senderID, MessageID: 9, StartedAt: time.Now()})
	r.api.setStatus("copyMessage", http.StatusForbidden)

	r.router.Handle(ctx, r.tenant, telegram.Update{Message: userMessage(adminID, 40, "answer")})

	if r.replies.Active(key) {
		t.Fatal("session survived failed delivery")
	}
	notice := r.api.lastCall(t, "sendMessage")
	if got := notice.params["text"]; got != englishText(responses.ReplyFailedUserBlockedBot) {
		t.Fatalf("notice = %v", got)
	}
}

func TestBlockToggleRoundTrip(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	kb := relayAnonymous(t, r, modeNoHistory)
	controlsText := "😶‍🌫️\n" + englishText(responses.AdminControls)
	controlsMsg := &telegram.Message{
		MessageID:   30,
		Chat:        &telegram.Chat{ID: adminID},
		Text:        controlsText,
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: kb},
	}

	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, kb[1][0].CallbackData))

	blocked, err := r.store.IsUserBlocked(ctx, senderID, tenantUsername)
	if err != nil || !blocked {
		t.Fatalf("blocked = %v err = %v", blocked, err)
	}
	edit := r.api.lastCall(t, "editMessageText")
	newText, _ := edit.params["text"].(string)
	if !strings.HasPrefix(newText, "😶‍🌫️\n"+blockedMarker+"\n") {
		t.Fatalf("blocked text = %q", newText)
	}
	editedKb := keyboardFrom(t, edit.params)
	if editedKb[1][0].Text != englishText(responses.BtnUnblock) {
		t.Fatalf("toggle button = %q", editedKb[1][0].Text)
	}

	// Press again from the updated message to unblock.
	controlsMsg.Text = newText
	controlsMsg.ReplyMarkup = &telegram.InlineKeyboardMarkup{InlineKeyboard: editedKb}
	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, editedKb[1][0].CallbackData))

	blocked, err = r.store.IsUserBlocked(ctx, senderID, tenantUsername)
	if err != nil || blocked {
		t.Fatalf("blocked after unblock = %v err = %v", blocked, err)
	}
	edit = r.api.lastCall(t, "editMessageText")
	newText, _ = edit.params["text"].(string)
	if strings.Contains(newText, blockedMarker) {
		t.Fatalf("marker survived unblock: %q", newText)
	}
	editedKb = keyboardFrom(t, edit.params)
	if editedKb[1][0].Text != englishText(responses.BtnBlock) {
		t.Fatalf("toggle button = %q", editedKb[1][0].Text)
	}
}

func TestBlockToggleAfterReadButtonConsumed(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	kb := relayAnonymous(t, r, modeNoHistory)

	// Single-row shape left behind once the read button is gone.
	shortKb := [][]telegram.InlineKeyboardButton{kb[1]}
	controlsMsg := &telegram.Message{
		MessageID:   30,
		Chat:        &telegram.Chat{ID: adminID},
		Text:        "😶‍🌫️\n" + englishText(responses.AdminControls),
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: shortKb},
	}
	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, shortKb[0][0].CallbackData))

	blocked, err := r.store.IsUserBlocked(ctx, senderID, tenantUsername)
	if err != nil || !blocked {
		t.Fatalf("blocked = %v err = %v", blocked, err)
	}
	editedKb := keyboardFrom(t, r.api.lastCall(t, "editMessageText").params)
	if len(editedKb) != 1 || len(editedKb[0]) != 2 {
		t.Fatalf("keyboard shape = %+v", editedKb)
	}
}

func TestReadReceiptConsumedOnce(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	kb := relayAnonymous(t, r, modeNoHistory)
	controlsMsg := &telegram.Message{
		MessageID:   30,
		Chat:        &telegram.Chat{ID: adminID},
		ReplyMarkup: &telegram.InlineKeyboardMarkup{InlineKeyboard: kb},
	}

	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, kb[0][0].CallbackData))

	reaction := r.api.lastCall(t, "setMessageReaction")
	if got := reaction.params["chat_id"]; got != float64(senderID) {
		t.Fatalf("reacted in chat %v", got)
	}
	if got := reaction.params["message_id"]; got != float64(9) {
		t.Fatalf("reacted on message %v", got)
	}
	remaining := keyboardFrom(t, r.api.lastCall(t, "editMessageReplyMarkup").params)
	if len(remaining) != 1 || len(remaining[0]) != 2 {
		t.Fatalf("keyboard after read = %+v", remaining)
	}

	r.router.Handle(ctx, r.tenant, callbackUpdate(adminID, controlsMsg, kb[0][0].CallbackData))
	if got := len(r.api.callsFor("setMessageReaction")); got != 1 {
		t.Fatalf("reactions = %d, read token replayed", got)
	}
}

func TestNonAdminCommands(t *testing.T) {
	r := newTestRig(t, 0)
	r.router.Handle(context.Background(), r.tenant, telegram.Update{Message: userMessage(senderID, 5, "/start")})

	call := r.api.lastCall(t, "sendMessage")
	if got := call.params["text"]; got != englishText(responses.StartCommand) {
		t.Fatalf("text = %v", got)
	}
}

func TestAdminWithoutSessionIsReminded(t *testing.T) {
	r := newTestRig(t, 0)
	r.router.Handle(context.Background(), r.tenant, telegram.Update{Message: userMessage(adminID, 40, "stray text")})

	call := r.api.lastCall(t, "sendMessage")
	if got := call.params["text"]; got != englishText(responses.MustUseAnswerButton) {
		t.Fatalf("text = %v", got)
	}
}

func TestDispatcherRegisterAndRevoke(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	dispatcher, err := r.manager.GetOrCreate(ctx, "999:main")
	if err != nil {
		t.Fatalf("dispatcher runtime: %v", err)
	}

	const newToken = "222:bbbCCC_ddd"
	r.router.Handle(ctx, dispatcher, telegram.Update{Message: userMessage(adminID, 50, "/register "+newToken)})

	isAdmin, err := r.store.IsAdmin(ctx, adminID, "bot_222")
	if err != nil || !isAdmin {
		t.Fatalf("isAdmin = %v err = %v", isAdmin, err)
	}
	receipt := r.api.lastCall(t, "sendMessage")
	receiptText, _ := receipt.params["text"].(string)
	if !strings.Contains(receiptText, newToken) {
		t.Fatalf("receipt = %q", receiptText)
	}
	receiptKb := keyboardFrom(t, receipt.params)
	if receiptKb[0][0].URL != "https://t.me/bot_222?start=start" {
		t.Fatalf("receipt URL = %q", receiptKb[0][0].URL)
	}
	if len(r.api.callsFor("pinChatMessage")) != 1 {
		t.Fatal("receipt not pinned")
	}

	pinned := &telegram.Message{MessageID: 60, Chat: &telegram.Chat{ID: adminID}, Text: receiptText}
	r.api.setResponse("getChat", fmt.Sprintf(
		`{"ok":true,"result":{"id":%d,"pinned_message":{"message_id":60,"text":%q}}}`, adminID, receiptText))

	revoke := userMessage(adminID, 61, "/revoke")
	revoke.ReplyTo = pinned
	r.router.Handle(ctx, dispatcher, telegram.Update{Message: revoke})

	isAdmin, err = r.store.IsAdmin(ctx, adminID, "bot_222")
	if err != nil || isAdmin {
		t.Fatalf("registration survived revoke: %v err = %v", isAdmin, err)
	}
	if len(r.api.callsFor("unpinChatMessage")) != 1 {
		t.Fatal("receipt not unpinned")
	}
	final := r.api.lastCall(t, "sendMessage")
	if got := final.params["text"]; got != englishText(responses.RevokeSuccess) {
		t.Fatalf("text = %v", got)
	}
}

func TestRevokeRequiresPinnedReply(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	dispatcher, err := r.manager.GetOrCreate(ctx, "999:main")
	if err != nil {
		t.Fatalf("dispatcher runtime: %v", err)
	}

	r.router.Handle(ctx, dispatcher, telegram.Update{Message: userMessage(adminID, 61, "/revoke")})

	call := r.api.lastCall(t, "sendMessage")
	if got := call.params["text"]; got != englishText(responses.RevokeInstructions) {
		t.Fatalf("text = %v", got)
	}
}

func TestRegisterOfForeignTokenRejected(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	dispatcher, err := r.manager.GetOrCreate(ctx, "999:main")
	if err != nil {
		t.Fatalf("dispatcher runtime: %v", err)
	}

	// tenantToken is registered to adminID; a different user supplies it.
	r.router.Handle(ctx, dispatcher, telegram.Update{Message: userMessage(901, 50, "/register "+tenantToken)})

	edit := r.api.lastCall(t, "editMessageText")
	if got := edit.params["text"]; got != englishText(responses.AlreadyRegistered) {
		t.Fatalf("text = %v", got)
	}
	if calls := r.api.callsFor("pinChatMessage"); len(calls) != 0 {
		t.Fatal("foreign registration pinned a receipt")
	}
	if ok, err := r.store.IsAdmin(ctx, 901, tenantUsername); err != nil || ok {
		t.Fatalf("foreign user became admin: ok=%v err=%v", ok, err)
	}
}

func TestRevokeByNonAdminRejected(t *testing.T) {
	r := newTestRig(t, 0)
	ctx := context.Background()
	dispatcher, err := r.manager.GetOrCreate(ctx, "999:main")
	if err != nil {
		t.Fatalf("dispatcher runtime: %v", err)
	}

	receiptText := "Token: " + tenantToken
	r.api.setResponse("getChat", fmt.Sprintf(
		`{"ok":true,"result":{"id":901,"pinned_message":{"message_id":60,"text":%q}}}`, receiptText))
	revoke := userMessage(901, 61, "/revoke")
	revoke.ReplyTo = &telegram.Message{MessageID: 60, Chat: &telegram.Chat{ID: 901}, Text: receiptText}
	r.router.Handle(ctx, dispatcher, telegram.Update{Message: revoke})

	call := r.api.lastCall(t, "sendMessage")
	if got := call.params["text"]; got != englishText(responses.NotAuthorizedToRevoke) {
		t.Fatalf("text = %v", got)
	}
	if ok, err := r.store.IsAdmin(ctx, adminID, tenantUsername); err != nil || !ok {
		t.Fatalf("registration lost: ok=%v err=%v", ok, err)
	}
}

func TestExtractBotToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"123456:ABC-def_GHI", "123456:ABC-def_GHI"},
		{"please register 123:abc now", "123:abc"},
		{"no token here", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := ExtractBotToken(tc.in); got != tc.want {
			t.Fatalf("ExtractBotToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestAnonymousIDShape(t *testing.T) {
	id := anonymousID(12345, "Pat")
	if id != anonymousID(12345, "Pat") {
		t.Fatal("pseudonym not deterministic")
	}
	if len(id) != 11 || id[0] != '#' {
		t.Fatalf("pseudonym = %q", id)
	}
	first := id[1]
	if !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		t.Fatalf("pseudonym starts with %q", first)
	}
	if anonymousID(12345, "Pat") == anonymousID(54321, "Pat") {
		t.Fatal("distinct senders collided")
	}
}
