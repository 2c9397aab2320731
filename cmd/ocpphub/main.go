package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ocpphub/internal/config"
	"ocpphub/internal/db"
	"ocpphub/internal/httpapi"
	"ocpphub/internal/logging"
	"ocpphub/internal/ocpp"
	"ocpphub/internal/payments"
	"ocpphub/internal/repo"
	"ocpphub/internal/services"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	d, err := db.Connect(connectCtx, cfg.DatabaseURL)
	if err == nil {
		err = d.Migrate(connectCtx)
	}
	cancel()
	if err != nil {
		log.Error("database", "err", err)
		os.Exit(1)
	}
	defer d.Close()

	chargers := repo.NewChargersRepo(d.Pool)
	events := repo.NewEventsRepo(d.Pool)
	state := repo.NewStateRepo(d.Pool)
	tariffs := repo.NewTariffsRepo(d.Pool)
	transactions := repo.NewTransactionsRepo(d.Pool)
	reservations := repo.NewReservationsRepo(d.Pool)
	commands := repo.NewCommandsRepo(d.Pool)

	stripe := payments.NewStripeProcessor(payments.StripeConfig{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
		SuccessURL:    cfg.PaymentSuccessURL,
		CancelURL:     cfg.PaymentCancelURL,
	})
	if cfg.StripeSecretKey == "" {
		log.Warn("STRIPE_SECRET_KEY not set, payments will fail")
	}

	registry := ocpp.NewRegistry()
	resolver := services.NewResolver(registry, transactions, reservations, state)
	holds := services.NewHoldKeeper(stripe, reservations, log)
	starter := &services.Orchestrator{
		Conns:         registry,
		Resolver:      resolver,
		Reservations:  reservations,
		Holds:         holds,
		UseReserveNow: cfg.UseReserveNow,
		StartWindow:   cfg.StartWindow,
		Logger:        log,
	}
	reservationSvc := &services.ReservationService{
		Chargers:     chargers,
		Tariffs:      tariffs,
		Reservations: reservations,
		Transactions: transactions,
		Processor:    stripe,
		Resolver:     resolver,
		Holds:        holds,
		Starter:      starter,
		Config: services.ReservationConfig{
			Currency:         cfg.Currency,
			DefaultChargeTag: cfg.DefaultChargeTag,
			Limits:           services.HoldLimits{Kwh: cfg.HoldKwh, Minutes: cfg.HoldMinutes},
			StartWindow:      cfg.StartWindow,
		},
		Logger: log,
	}
	processor := &services.EventsProcessor{
		Events:       events,
		Chargers:     chargers,
		State:        state,
		Transactions: transactions,
		Tariffs:      tariffs,
		Reservations: reservations,
		Hooks:        reservationSvc,
		MaxSkew:      cfg.MaxEventSkew,
		Logger:       log,
	}

	gw := ocpp.NewGateway(ctx, ocpp.GatewayConfig{
		Registry:      registry,
		Chargers:      chargers,
		Dispatchers:   ocpp.Dispatchers(processor),
		Logger:        log,
		AcceptUnknown: cfg.AcceptUnknownChargers,
		CallTimeout:   cfg.CallTimeout,
	})

	sweeper := &services.Sweeper{
		Reservations:   reservations,
		Holds:          holds,
		Interval:       cfg.SweepInterval,
		PendingTimeout: cfg.PendingTimeout,
		Logger:         log,
	}
	go sweeper.Run(ctx)

	srv := &httpapi.Server{
		Cfg:          cfg,
		Chargers:     chargers,
		Tariffs:      tariffs,
		State:        state,
		Transactions: transactions,
		CommandLog:   commands,
		Registry:     registry,
		Gateway:      gw,
		Resolver:     resolver,
		Reservations: reservationSvc,
		Commands: &services.CommandService{
			Conns:            registry,
			Commands:         commands,
			Resolver:         resolver,
			DefaultChargeTag: cfg.DefaultChargeTag,
			Logger:           log,
		},
		Webhooks: &services.WebhookProcessor{
			Parser:       stripe,
			Events:       events,
			Reservations: reservations,
			Service:      reservationSvc,
			Logger:       log,
		},
		Logger: log,
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("ocpphub listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error("http server", "err", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	gw.Close()
	log.Info("ocpphub shutdown complete")
}
