// Package botruntime manages the live bot personas. Runtimes are created on
// demand from the webhook path, held in a bounded LRU, and torn down
// asynchronously on eviction, revocation, or shutdown.
package botruntime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/411A/anonrelay/internal/botruntime/worker"
	"github.com/411A/anonrelay/internal/metrics"
	"github.com/411A/anonrelay/internal/responses"
	"github.com/411A/anonrelay/internal/retryutil"
	"github.com/411A/anonrelay/internal/telegram"
)

const (
	DefaultMaxActiveBots   = 100
	DefaultUpdateQueueSize = 64
	DefaultWorkers         = 16

	creationAttempts     = 3
	creationInitialDelay = 500 * time.Millisecond
)

// AllowedUpdates is what every webhook subscribes to.
var AllowedUpdates = []string{"message", "callback_query"}

// Handler processes one update on a runtime's worker.
type Handler func(ctx context.Context, rt *Runtime, upd telegram.Update)

// RegistrationRemover is the slice of the store Revoke needs.
type RegistrationRemover interface {
	RemoveTenantRegistration(ctx context.Context, botToken string) (bool, error)
}

type Config struct {
	MaxActiveBots   int
	UpdateQueueSize int
	// Workers bounds concurrent update handling across all runtimes.
	Workers int

	// WebhookBaseURL is the public https origin updates arrive on.
	WebhookBaseURL string
	WebhookSecret  string

	// MainBotToken marks the dispatcher persona.
	MainBotToken string
	// CreatorUsername appears in tenant-bot profile texts.
	CreatorUsername string

	// TelegramBaseURL and HTTPClient override the Bot API endpoint in tests.
	TelegramBaseURL string
	HTTPClient      *http.Client
}

type Manager struct {
	cfg     Config
	logger  *slog.Logger
	handler Handler
	regs    RegistrationRemover

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}

	cache  *lru.Cache[string, *Runtime]
	locks  sync.Map // token -> *sync.Mutex
	closed atomic.Bool
}

func NewManager(cfg Config, regs RegistrationRemover, handler Handler, logger *slog.Logger) (*Manager, error) {
	if handler == nil {
		return nil, fmt.Errorf("botruntime: nil handler")
	}
	if strings.TrimSpace(cfg.WebhookBaseURL) == "" {
		return nil, fmt.Errorf("botruntime: missing webhook base url")
	}
	if cfg.MaxActiveBots <= 0 {
		cfg.MaxActiveBots = DefaultMaxActiveBots
	}
	if cfg.UpdateQueueSize <= 0 {
		cfg.UpdateQueueSize = DefaultUpdateQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		regs:    regs,
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, cfg.Workers),
	}
	cache, err := lru.NewWithEvict(cfg.MaxActiveBots, m.onEvict)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("botruntime: runtime cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// onEvict fires on Add overflow, Remove and Purge, while the cache lock is
// held; it must not touch the cache itself. Teardown happens off the caller's
// goroutine so inserting a new runtime never waits on an old one.
func (m *Manager) onEvict(token string, rt *Runtime) {
	if m.closed.Load() {
		return
	}
	metrics.RuntimeEvictions.Inc()
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				m.logger.Error("runtime_teardown_panic", "bot_username", rt.Username(), "panic", fmt.Sprint(rec))
			}
		}()
		if err := rt.Stop(); err != nil {
			m.logger.Info("runtime_teardown_skipped", "bot_username", rt.Username(), "reason", err.Error())
			return
		}
		m.logger.Info("runtime_stopped", "bot_username", rt.Username())
	}()
}

// GetOrCreate returns the live runtime for token, creating and caching it on
// first use. Creation failures leave no cache entry behind.
func (m *Manager) GetOrCreate(ctx context.Context, token string) (*Runtime, error) {
	if rt, ok := m.cache.Get(token); ok {
		return rt, nil
	}

	lock := m.tokenLock(token)
	lock.Lock()
	defer lock.Unlock()

	if rt, ok := m.cache.Get(token); ok {
		return rt, nil
	}

	rt, err := m.create(ctx, token)
	if err != nil {
		return nil, err
	}
	m.cache.Add(token, rt)
	metrics.ActiveRuntimes.Set(float64(m.cache.Len()))
	m.logger.Info("runtime_started",
		"bot_username", rt.Username(),
		"dispatcher", rt.IsDispatcher(),
		"active", m.cache.Len(),
	)
	return rt, nil
}

// Peek returns a cached runtime without creating one and without refreshing
// its recency.
func (m *Manager) Peek(token string) (*Runtime, bool) {
	return m.cache.Peek(token)
}

func (m *Manager) create(ctx context.Context, token string) (*Runtime, error) {
	client := telegram.NewClient(m.cfg.HTTPClient, m.cfg.TelegramBaseURL, token)

	var me *telegram.User
	err := retryutil.Do(ctx, creationAttempts, creationInitialDelay, func(ctx context.Context) error {
		var err error
		me, err = client.GetMe(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("botruntime: getMe: %w", err)
	}

	wantURL := strings.TrimRight(m.cfg.WebhookBaseURL, "/") + "/webhook/" + token
	info, err := client.GetWebhookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("botruntime: getWebhookInfo: %w", err)
	}
	freshBinding := info.URL != wantURL
	if freshBinding {
		if err := client.DeleteWebhook(ctx, false); err != nil {
			m.logger.Warn("webhook_delete_failed", "bot_username", me.Username, "error", err.Error())
		}
		if err := client.SetWebhook(ctx, wantURL, m.cfg.WebhookSecret, AllowedUpdates); err != nil {
			return nil, fmt.Errorf("botruntime: setWebhook: %w", err)
		}
		m.logger.Info("webhook_bound", "bot_username", me.Username)
	}

	dispatcher := token == m.cfg.MainBotToken
	if freshBinding && !dispatcher {
		m.configureTenantProfile(ctx, client, me.Username, me.FirstName)
	}

	runtimeCtx, cancel := context.WithCancel(m.ctx)
	rt := &Runtime{
		token:      token,
		username:   me.Username,
		botID:      me.ID,
		dispatcher: dispatcher,
		client:     client,
		logger:     m.logger.With("bot_username", me.Username),
		updates:    make(chan telegram.Update, m.cfg.UpdateQueueSize),
		ctx:        runtimeCtx,
		cancel:     cancel,
	}
	worker.Start(worker.StartOptions[telegram.Update]{
		Ctx:    runtimeCtx,
		Sem:    m.sem,
		Jobs:   rt.updates,
		Logger: rt.logger,
		Handle: func(ctx context.Context, upd telegram.Update) {
			m.handler(ctx, rt, upd)
		},
	})
	return rt, nil
}

// configureTenantProfile sets the hosted bot's name, command list and short
// description once, when its webhook is first bound. Failures are logged
// only: the relay works without profile cosmetics.
func (m *Manager) configureTenantProfile(ctx context.Context, client *telegram.Client, username, firstName string) {
	for _, lang := range responses.Languages() {
		code := lang
		if lang == responses.DefaultLang {
			code = ""
		}
		name := responses.Text(lang, responses.CreatedBotName, map[string]string{"name": firstName})
		if err := client.SetMyName(ctx, name, code); err != nil {
			m.logger.Warn("tenant_name_setup_failed", "bot_username", username, "lang", lang, "error", err.Error())
		}
		commands := make([]telegram.BotCommand, 0, 2)
		for _, c := range responses.Commands(lang, "tenant") {
			commands = append(commands, telegram.BotCommand{Command: c.Command, Description: c.Description})
		}
		if err := client.SetMyCommands(ctx, commands, code); err != nil {
			m.logger.Warn("tenant_commands_setup_failed", "bot_username", username, "lang", lang, "error", err.Error())
		}
		short := responses.Text(lang, responses.CreatedBotShortDesc,
			map[string]string{"creator": m.cfg.CreatorUsername})
		if err := client.SetMyShortDescription(ctx, short, code); err != nil {
			m.logger.Warn("tenant_description_setup_failed", "bot_username", username, "lang", lang, "error", err.Error())
		}
	}
}

// Revoke tears down the runtime for token, unbinds its webhook and deletes
// the tenant registration. It reports whether a registration row existed.
func (m *Manager) Revoke(ctx context.Context, token string) (bool, error) {
	if rt, ok := m.cache.Peek(token); ok {
		m.cache.Remove(token)
		metrics.ActiveRuntimes.Set(float64(m.cache.Len()))
		if err := rt.Stop(); err != nil {
			m.logger.Info("runtime_teardown_skipped", "bot_username", rt.Username(), "reason", err.Error())
		}
	}

	client := telegram.NewClient(m.cfg.HTTPClient, m.cfg.TelegramBaseURL, token)
	if err := client.DeleteWebhook(ctx, true); err != nil {
		m.logger.Warn("webhook_unbind_failed", "error", err.Error())
		// Telegram keeps delivering while the webhook stays bound.
		retryutil.Async(m.logger, "webhook_unbind", creationInitialDelay, 0, func(ctx context.Context) error {
			return client.DeleteWebhook(ctx, true)
		})
	}

	if m.regs == nil {
		return false, nil
	}
	removed, err := m.regs.RemoveTenantRegistration(ctx, token)
	if err != nil {
		return false, fmt.Errorf("botruntime: remove registration: %w", err)
	}
	return removed, nil
}

// Shutdown stops every runtime and the shared worker context. Per-runtime
// stop errors are logged independently.
func (m *Manager) Shutdown() {
	m.closed.Store(true)
	for _, token := range m.cache.Keys() {
		rt, ok := m.cache.Peek(token)
		if !ok {
			continue
		}
		if err := rt.Stop(); err != nil {
			m.logger.Info("runtime_teardown_skipped", "bot_username", rt.Username(), "reason", err.Error())
		}
	}
	m.cache.Purge()
	m.cancel()
	metrics.ActiveRuntimes.Set(0)
}

// Active reports how many runtimes are resident.
func (m *Manager) Active() int {
	return m.cache.Len()
}

func (m *Manager) tokenLock(token string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(token, &sync.Mutex{})
	return v.(*sync.Mutex)
}
