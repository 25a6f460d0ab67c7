package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"splitpay/pkg/db"
	"splitpay/pkg/split"
	"splitpay/services/settlement/internal/eventsink"
	"splitpay/services/settlement/internal/ledgerclient"
	"splitpay/services/settlement/internal/store"
)

func main() {
	_ = godotenv.Load()
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	port := envDefault("SERVICE_PORT", "8090")
	apiToken := strings.TrimSpace(os.Getenv("SPLITPAY_API_TOKEN"))
	ledgerBase := strings.TrimSpace(os.Getenv("LEDGER_BASE_URL"))
	webhookURL := strings.TrimSpace(os.Getenv("SPLITPAY_WEBHOOK_URL"))
	webhookSecret := strings.TrimSpace(os.Getenv("SPLITPAY_WEBHOOK_SECRET"))
	maxParticipants := envIntDefault("SPLITPAY_MAX_PARTICIPANTS", split.DefaultMaxParticipants)
	createRate := envIntDefault("SPLITPAY_CREATE_RATE_PER_MINUTE", 60)
	policy := split.SettleAggregate
	if strings.EqualFold(strings.TrimSpace(os.Getenv("SPLITPAY_SETTLEMENT_POLICY")), string(split.SettleExact)) {
		policy = split.SettleExact
	}

	ctx := context.Background()

	var st *store.Store
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		pool, err := db.Connect(ctx, dsn)
		if err != nil {
			log.Error("database connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		st = store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			log.Error("schema setup failed", "err", err)
			os.Exit(1)
		}
	} else {
		log.Warn("DATABASE_URL not set, sessions are not persisted")
	}

	var sinks eventsink.Fanout
	if st != nil {
		sinks = append(sinks, eventsink.NewRecorder(st, log))
	}
	if webhookURL != "" {
		sinks = append(sinks, eventsink.NewWebhook(webhookURL, webhookSecret, log))
	}
	var emitter split.EventEmitter = split.NopEmitter{}
	if len(sinks) > 0 {
		emitter = sinks
	}

	var ledger split.Ledger = split.NopLedger{}
	if ledgerBase != "" {
		ledger = ledgerAdapter{client: ledgerclient.New(ledgerBase), log: log}
	} else {
		log.Warn("LEDGER_BASE_URL not set, transfers are recorded without moving value")
	}

	reg := split.NewRegistry(split.Options{
		Ledger:          ledger,
		Emitter:         emitter,
		MaxParticipants: maxParticipants,
		Policy:          policy,
	})
	if st != nil {
		views, err := st.LoadActiveSessions(ctx)
		if err != nil {
			log.Error("session rehydration failed", "err", err)
			os.Exit(1)
		}
		for _, v := range views {
			reg.Restore(v)
		}
		log.Info("sessions rehydrated", "count", len(views))
	}

	srv := &server{
		reg:           reg,
		log:           log,
		apiToken:      apiToken,
		createLimiter: newFixedWindowLimiter(createRate, time.Minute),
	}
	if st != nil {
		srv.st = st
	}

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Actor-Id"},
	}).Handler(srv.routes())

	httpSrv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("settlement service listening", "port", port, "policy", policy)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown failed", "err", err)
	}
	log.Info("settlement service stopped")
}

// ledgerAdapter narrows the typed client to the core Ledger interface.
// The transfer id only matters for operator logs.
type ledgerAdapter struct {
	client *ledgerclient.Client
	log    *slog.Logger
}

func (a ledgerAdapter) Transfer(ctx context.Context, from, to string, amount int64) error {
	transferID, err := a.client.Transfer(ctx, from, to, amount)
	if err != nil {
		return err
	}
	a.log.Info("ledger transfer completed", "transfer_id", transferID, "from", from, "to", to, "amount", amount)
	return nil
}

func envDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
