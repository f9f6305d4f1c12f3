// Package webhookserver terminates Telegram's webhook deliveries and feeds
// them to the per-bot runtimes. One HTTP listener serves every hosted bot;
// the token in the path selects the runtime.
package webhookserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/411A/anonrelay/internal/botruntime"
	"github.com/411A/anonrelay/internal/metrics"
	"github.com/411A/anonrelay/internal/router"
	"github.com/411A/anonrelay/internal/telegram"
)

// telegramNets are the published source ranges for Bot API webhook traffic.
var telegramNets = []string{"149.154.160.0/20", "91.108.4.0/22"}

const maxUpdateBody = 1 << 20

// TokenAuthorizer decides whether a webhook path token belongs to a known
// tenant.
type TokenAuthorizer interface {
	HasTenantRegistration(ctx context.Context, botToken string) (bool, error)
}

type Config struct {
	Addr string
	// SecretToken, when set, must match the X-Telegram-Bot-Api-Secret-Token
	// header on every delivery.
	SecretToken string
	// MainBotToken is always accepted regardless of registration state.
	MainBotToken string
	// TrustedNets overrides the Telegram source ranges. Deliveries from
	// elsewhere are rejected before the body is read.
	TrustedNets []string
	// TrustProxyHeader reads the client address from X-Forwarded-For, for
	// deployments behind a reverse proxy that sets it.
	TrustProxyHeader bool
}

type Server struct {
	cfg     Config
	manager *botruntime.Manager
	auth    TokenAuthorizer
	logger  *slog.Logger
	nets    []*net.IPNet
	httpSrv *http.Server
}

func New(cfg Config, manager *botruntime.Manager, auth TokenAuthorizer, logger *slog.Logger) (*Server, error) {
	if manager == nil {
		return nil, errors.New("webhookserver: nil manager")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cidrs := cfg.TrustedNets
	if len(cidrs) == 0 {
		cidrs = telegramNets
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("webhookserver: bad trusted net %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}

	s := &Server{cfg: cfg, manager: manager, auth: auth, logger: logger, nets: nets}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/webhook/{botToken}", s.handleWebhook)
	return r
}

// Handler exposes the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("webhook_server_listening", "addr", s.cfg.Addr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := uuid.NewString()
	token := chi.URLParam(r, "botToken")
	logger := s.logger.With("request_id", reqID, "bot_token", router.ShortenToken(token))

	if ip := s.clientIP(r); ip != nil && !s.trusted(ip) {
		metrics.WebhookRejected.WithLabelValues("source_ip").Inc()
		logger.Warn("webhook_rejected", "reason", "source_ip", "remote", ip.String())
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "error", "message": "forbidden"})
		return
	}
	if s.cfg.SecretToken != "" {
		header := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(header), []byte(s.cfg.SecretToken)) != 1 {
			metrics.WebhookRejected.WithLabelValues("secret_token").Inc()
			logger.Warn("webhook_rejected", "reason", "secret_token")
			writeJSON(w, http.StatusForbidden, map[string]string{"status": "error", "message": "forbidden"})
			return
		}
	}

	if !s.tokenAllowed(ctx, token) {
		metrics.WebhookRejected.WithLabelValues("unknown_token").Inc()
		logger.Warn("webhook_rejected", "reason", "unknown_token")
		writeJSON(w, http.StatusNotFound, map[string]string{"status": "error", "message": "unknown bot"})
		return
	}

	var upd telegram.Update
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUpdateBody)).Decode(&upd); err != nil {
		metrics.WebhookRejected.WithLabelValues("bad_payload").Inc()
		logger.Warn("webhook_rejected", "reason", "bad_payload", "error", err.Error())
		writeJSON(w, http.StatusBadRequest, map[string]string{"status": "error", "message": "bad payload"})
		return
	}

	rt, err := s.manager.GetOrCreate(ctx, token)
	if err != nil {
		logger.Error("runtime_unavailable", "error", err.Error())
		writeJSON(w, http.StatusBadGateway, map[string]string{"status": "error", "message": "bot unavailable"})
		return
	}
	if err := rt.Enqueue(upd); err != nil {
		metrics.UpdatesDropped.Inc()
		logger.Warn("update_dropped", "update_id", upd.UpdateID, "error", err.Error())
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "message": "queue overloaded"})
		return
	}

	logger.Debug("update_accepted", "update_id", upd.UpdateID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tokenAllowed accepts the dispatcher token unconditionally and everything
// else only when a registration row exists.
func (s *Server) tokenAllowed(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	if s.cfg.MainBotToken != "" && token == s.cfg.MainBotToken {
		return true
	}
	if s.auth == nil {
		return true
	}
	ok, err := s.auth.HasTenantRegistration(ctx, token)
	if err != nil {
		s.logger.Error("registration_lookup_failed", "error", err.Error())
		return false
	}
	return ok
}

func (s *Server) clientIP(r *http.Request) net.IP {
	if s.cfg.TrustProxyHeader {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func (s *Server) trusted(ip net.IP) bool {
	for _, n := range s.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

