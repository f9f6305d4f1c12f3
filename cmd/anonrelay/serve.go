package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/411A/anonrelay/db"
	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/correlator"
	"github.com/411A/anonrelay/internal/cryptoutil"
	"github.com/411A/anonrelay/internal/logutil"
	"github.com/411A/anonrelay/internal/passprompt"
	"github.com/411A/anonrelay/internal/replycache"
	"github.com/411A/anonrelay/internal/router"
	"github.com/411A/anonrelay/internal/store"
	"github.com/411A/anonrelay/internal/webhookserver"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			mainToken := strings.TrimSpace(viper.GetString("main_bot.token"))
			if mainToken == "" {
				return errors.New("missing main_bot.token (set via config or ANONRELAY_MAIN_BOT_TOKEN)")
			}
			webhookBase := strings.TrimSpace(viper.GetString("webhook.base_url"))
			if webhookBase == "" {
				return errors.New("missing webhook.base_url (the public HTTPS base Telegram delivers to)")
			}

			dbCfg := db.DefaultConfig()
			dbCfg.DSN = strings.TrimSpace(viper.GetString("db.dsn"))
			dbPath, err := db.ResolveDSN(dbCfg.DSN)
			if err != nil {
				return err
			}

			// The passphrase never comes from the environment; the operator
			// types it at startup.
			passphrase, err := passprompt.New(filepath.Join(filepath.Dir(dbPath), "config.secure")).Obtain()
			if err != nil {
				return err
			}
			enc, err := cryptoutil.NewEncryptor(passphrase)
			if err != nil {
				return err
			}

			gdb, err := db.Open(dbCfg)
			if err != nil {
				return err
			}
			st, err := store.New(gdb, enc, logger)
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			corr := correlator.New(enc, st, logger)
			rtr := router.New(st, corr, replycache.New(), logger, viper.GetDuration("runtime.reply_timeout"))

			secret := strings.TrimSpace(viper.GetString("webhook.secret_token"))
			manager, err := botruntime.NewManager(botruntime.Config{
				MaxActiveBots:   viper.GetInt("runtime.max_active_bots"),
				UpdateQueueSize: viper.GetInt("runtime.update_queue_size"),
				Workers:         viper.GetInt("runtime.workers"),
				WebhookBaseURL:  webhookBase,
				WebhookSecret:   secret,
				MainBotToken:    mainToken,
			}, st, rtr.Handle, logger)
			if err != nil {
				return err
			}
			rtr.AttachManager(manager)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			warmStart(ctx, manager, st, mainToken, logger)

			srv, err := webhookserver.New(webhookserver.Config{
				Addr:             fmt.Sprintf("%s:%d", viper.GetString("server.bind"), viper.GetInt("server.port")),
				SecretToken:      secret,
				MainBotToken:     mainToken,
				TrustProxyHeader: viper.GetBool("webhook.trust_proxy_header"),
				TrustedNets:      viper.GetStringSlice("webhook.trusted_nets"),
			}, manager, st, logger)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case err := <-errCh:
				manager.Shutdown()
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting_down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("server_shutdown_error", "error", err.Error())
			}
			manager.Shutdown()
			return nil
		},
	}
	return cmd
}

// warmStart rebinds webhooks for the dispatcher and every registered tenant
// so a restart needs no operator action per bot. Failures are per-bot and
// non-fatal; the webhook path creates runtimes lazily as a fallback.
func warmStart(ctx context.Context, manager *botruntime.Manager, st *store.Store, mainToken string, logger *slog.Logger) {
	if _, err := manager.GetOrCreate(ctx, mainToken); err != nil {
		logger.Error("dispatcher_start_failed", "error", err.Error())
	}
	tokens, err := st.DecryptedBotTokens(ctx)
	if err != nil {
		logger.Error("tenant_enumeration_failed", "error", err.Error())
		return
	}
	started := 0
	for _, token := range tokens {
		if _, err := manager.GetOrCreate(ctx, token); err != nil {
			logger.Warn("tenant_start_failed", "bot_token", router.ShortenToken(token), "error", err.Error())
			continue
		}
		started++
	}
	logger.Info("tenants_started", "count", started, "registered", len(tokens))
}
