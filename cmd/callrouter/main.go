package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"callrouter/config"
	"callrouter/engine"
	"callrouter/events"
	"callrouter/gateway"
	"callrouter/registry"
	"callrouter/storage"
	"callrouter/telemetry"
	"callrouter/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath(), "path to settings file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	newLog, err := initLogging(cfg)
	if err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	defer closeLogging()

	log := newLog("core")
	log.WithField("callback_base_url", cfg.CallbackBaseURL).Info("starting callrouter")

	dispatcher := events.NewDispatcher(newLog("dispatch"))
	reg := registry.New(newLog("registry"))
	gw := gateway.NewRESTGateway(cfg.ProviderEndpoint, cfg.ProviderAccessKey, newLog("gateway"))
	sink := telemetry.NewHTTPSink(cfg.TelemetryIngestURL, cfg.TelemetryEnv, cfg.TelemetryRegion, newLog("telemetry"))

	store, err := storage.NewLocalStore(cfg.RecordingsDir, newLog("storage"))
	if err != nil {
		return err
	}

	eng := engine.New(engine.Config{
		CallbackBaseURL:   cfg.CallbackBaseURL,
		SharedSecret:      cfg.SharedSecret,
		TargetParticipant: cfg.TargetParticipant,
		AcceptedRoutes:    cfg.AcceptedRoutes,
		AudioFileURI:      cfg.AudioFileURI,
		PauseOnStart:      cfg.PauseOnStart,
		HangupWhenDone:    cfg.HangupWhenDone,
	}, dispatcher, reg, gw,
		engine.WithTelemetry(sink),
		engine.WithLogger(newLog("engine")),
	)

	srv := webhook.NewServer(cfg.ListenAddr, eng, dispatcher, store, cfg.SharedSecret, cfg.AudioDir, newLog("webhook"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("webhook shutdown")
		}
		return eng.Close()
	})

	return g.Wait()
}

func defaultConfigPath() string {
	if path := os.Getenv("CALLROUTER_CONFIG"); path != "" {
		return path
	}
	return "settings.ini"
}
