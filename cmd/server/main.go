package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/payloops/backend/internal/config"
	httpd "github.com/payloops/backend/internal/delivery/http"
	"github.com/payloops/backend/internal/domain"
	"github.com/payloops/backend/internal/outbox"
	"github.com/payloops/backend/internal/processor"
	"github.com/payloops/backend/internal/repository"
	"github.com/payloops/backend/internal/usecase"
	"github.com/payloops/backend/internal/workflow"
)

func main() {
	cfg := config.Load()

	store, err := repository.NewStore(cfg.SQLiteDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.SeedMerchantID != "" {
		err := store.UpsertMerchant(ctx, &domain.Merchant{
			ID:            cfg.SeedMerchantID,
			Name:          cfg.SeedMerchantID,
			WebhookURL:    cfg.SeedMerchantURL,
			WebhookSecret: cfg.SeedMerchantSecret,
		})
		if err != nil {
			log.Fatalf("seed merchant: %v", err)
		}
	}

	wf := workflow.NewRestateClient(cfg.RestateIngressURL, cfg.SignalTimeout)

	orders := usecase.NewOrderUsecase(store, wf)
	reconciler := usecase.NewReconciler(store, wf)

	procs := processor.NewRegistry(
		processor.NewStripe(cfg.StripeWebhookSecret, cfg.SigMaxAgeSeconds),
		processor.NewRazorpay(cfg.RazorpayWebhookSecret),
	)

	dispatcher := outbox.NewDispatcher(store, outbox.Config{
		Workers:     cfg.DeliveryWorkers,
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Timeout:     cfg.DeliveryTimeout,
		PollEvery:   cfg.DeliveryPollEvery,
		BackoffBase: cfg.DeliveryBackoffBase,
		BackoffCap:  cfg.DeliveryBackoffCap,
	})
	go dispatcher.Run(ctx)

	h := httpd.NewHandler(orders, reconciler, store, procs)
	r := h.Routes(httpd.SigConfig{
		Secret:        cfg.HMACSecret,
		MaxAgeSeconds: cfg.SigMaxAgeSeconds,
	})

	srv := &http.Server{Addr: ":" + cfg.AppPort, Handler: r}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("Server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
