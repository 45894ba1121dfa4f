// Локальный bridge чата приёма: держит сессию с чат-сервером и отдаёт её состояние
// интерфейсу по HTTP на loopback.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/appointmentchat/internal/channel"
	"github.com/appointmentchat/internal/config"
	"github.com/appointmentchat/internal/handler"
	"github.com/appointmentchat/internal/logger"
	"github.com/appointmentchat/internal/middleware"
	"github.com/appointmentchat/internal/notify"
	"github.com/appointmentchat/internal/session"
	"github.com/appointmentchat/internal/startup"
	"github.com/appointmentchat/internal/unread"
)

const (
	redisMaxWait    = 30 * time.Second
	sendRateLimit   = 30
	sendRateWindow  = time.Minute
	shutdownTimeout = 10 * time.Second
)

func main() {
	logger.SetPrefix("bridge")
	logger.Info("starting chat bridge")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	defer logger.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notifiers := notify.Multi{notify.LogNotifier{}}
	var redisPub *notify.RedisPublisher
	if cfg.Notify.RedisURL != "" {
		redisPub = startup.ConnectRedisWithRetry(ctx, cfg.Notify.RedisURL, cfg.Notify.Channel, redisMaxWait)
		if redisPub != nil {
			logger.Infof("redis notifications on channel %s", redisPub.Channel())
			notifiers = append(notifiers, redisPub)
			defer redisPub.Close()
		}
	}
	if cfg.Notify.PushServiceURL != "" {
		notifiers = append(notifiers, notify.NewPushClient(cfg.Notify.PushServiceURL, cfg.UserID))
	}

	chat := session.New(session.Config{
		Endpoint:      cfg.ChatEndpoint,
		CurrentUserID: cfg.UserID,
		Dial: channel.WSFactory(channel.Options{
			DialTimeout:    cfg.WS.DialTimeout,
			WriteWait:      cfg.WS.WriteTimeout,
			PongWait:       cfg.WS.PongTimeout,
			MaxMessageSize: cfg.WS.MaxMessageSize,
			SendBuffer:     cfg.WS.SendBufferSize,
		}),
		Notifier:    notifiers,
		JoinTimeout: cfg.JoinTimeout,
	})
	tracker := unread.New(cfg.UserID)
	detach := tracker.Attach(chat)
	stopLog := chat.OnChange(func(s session.Snapshot) {
		logger.Debugf("chat: state=%s messages=%d sending=%v", s.State, len(s.Messages), s.Sending)
	})

	if cfg.AppointmentID != "" && cfg.Token != "" {
		logger.Infof("chat: auto-activating appointment %s token=%s", cfg.AppointmentID, middleware.MaskToken(cfg.Token))
		chat.Activate(session.Params{AppointmentID: cfg.AppointmentID, Token: cfg.Token, Enabled: true})
	}

	chatH := handler.NewChatHandler(chat, tracker)

	r := chi.NewRouter()
	// Без chimw.RealIP: LoopbackOnly должен видеть настоящий адрес соединения.
	r.Use(chimw.RequestID)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(middleware.LoopbackOnly)
	r.Use(chimw.NoCache)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", chatH.Health)
	r.Route("/api/chat", func(r chi.Router) {
		r.Get("/", chatH.GetState)
		r.Put("/activation", chatH.PutActivation)
		r.With(middleware.RateLimit(sendRateLimit, sendRateWindow)).Post("/messages", chatH.PostMessage)
		r.Put("/view", chatH.PutView)
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("bridge listening on %s, chat endpoint %s", cfg.ServerAddr, cfg.ChatEndpoint)
		errCh <- srv.ListenAndServe()
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			exitCode = 1
		}
	}

	// Сначала закрыть сессию: ожидающие отправки получат ErrSessionClosed и HTTP-запросы завершатся.
	stopLog()
	detach()
	chat.Close()
	logger.Info("chat session closed")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("server stopped")
	if exitCode != 0 {
		logger.Flush()
		os.Exit(exitCode)
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
