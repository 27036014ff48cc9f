package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/spf13/cobra"

	"github.com/Vovarama1992/wa-gateway/internal/chatid"
	"github.com/Vovarama1992/wa-gateway/internal/config"
	"github.com/Vovarama1992/wa-gateway/internal/gateway"
	"github.com/Vovarama1992/wa-gateway/internal/live"
	"github.com/Vovarama1992/wa-gateway/internal/logger"
	"github.com/Vovarama1992/wa-gateway/internal/whatsapp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.SetLevel(cfg.LogLevel)
	log := logger.L

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- DB ---
	db, err := openDB(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := gateway.Migrate(ctx, db); err != nil {
		return err
	}
	repo := gateway.NewRepo(db)

	if rec, err := repo.GetSession(ctx); err != nil {
		log.Warn("could not read stored session", "err", err)
	} else if rec != nil {
		log.Info("previous session on record", "jid", rec.JID, "push_name", rec.PushName)
	}

	// --- gateway wiring ---
	hub := live.NewHub(log.With("component", "live"))

	targets := gateway.Targets(cfg.Webhook.TestURL, cfg.Webhook.ProdURL)
	if len(targets) == 0 {
		log.Warn("no webhook targets configured, inbound messages are stored only")
	}
	relay := gateway.NewRelay(
		repo,
		hub,
		gateway.NewWebhookForwarder(cfg.Webhook.Timeout),
		targets,
		log.With("component", "relay"),
	)

	connector := whatsapp.NewConnector(cfg.Session, log.With("component", "whatsapp"))
	defer connector.Close()

	session := gateway.NewSession(
		connector,
		repo,
		hub,
		log.With("component", "session"),
		gateway.WithResetDelay(cfg.Session.ResetDelay),
		gateway.WithInboundHandler(relay),
	)
	hub.SetGreeting(session.Greeting)

	if cfg.Webhook.Token == "" {
		log.Warn("WEBHOOK_TOKEN is empty, webhook send endpoints accept any caller")
	}
	dispatcher := gateway.NewDispatcher(
		session,
		repo,
		hub,
		chatid.Normalizer{CountryCode: cfg.Session.CountryCode},
		cfg.Webhook.Token,
		cfg.Webhook.TokenPolicy,
		log.With("component", "dispatcher"),
	)
	history := gateway.NewHistory(repo, hub, cfg.Server.RecentLimit, log.With("component", "history"))
	handler := gateway.NewHandler(dispatcher, session, history, log.With("component", "http"))

	// --- Router ---
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	gateway.RegisterRoutes(r, handler)
	r.Handle("/ws", hub)

	// --- health ---
	r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("pong"))
	})

	r.Handle("/*", http.FileServer(http.Dir(cfg.Server.PublicDir)))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if err := session.Initialize(ctx); err != nil {
		log.Error("whatsapp client failed to start", "err", err)
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server error", "err", err)
		_ = session.Close(context.Background())
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	closeErr := session.Close(shutdownCtx)
	if err := relay.Wait(shutdownCtx); err != nil {
		log.Warn("webhook deliveries still in flight", "err", err)
	}
	return closeErr
}
