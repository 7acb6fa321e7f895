// cmd/screener: live EMA crossover screener.
//
// Streams candles from the exchange WebSocket, backfills history over REST,
// recomputes the 9/20 EMA crossover per (symbol, timeframe), alerts on
// confirmed trend changes and fans live updates out on /ws.
//
// Configuration: .env, then the YAML file named by SCREENER_CONFIG, then
// environment variables (see config.Load).
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ema-screener/config"
	"ema-screener/internal/feed"
	"ema-screener/internal/fetcher"
	"ema-screener/internal/hub"
	"ema-screener/internal/logger"
	"ema-screener/internal/manager"
	"ema-screener/internal/metrics"
	"ema-screener/internal/model"
	"ema-screener/internal/notification"
	"ema-screener/internal/registry"
	"ema-screener/internal/scheduler"
	"ema-screener/internal/screener"
	"ema-screener/internal/store"
	redisstore "ema-screener/internal/store/redis"
	sqlitestore "ema-screener/internal/store/sqlite"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("[screener] config: %v", err)
	}
	logger.Init("ema-screener", logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[screener] config: %v", err)
	}
	tfs, _ := cfg.Timeframes()
	symbols := cfg.Symbols()
	log.Printf("[screener] starting: symbols=%v timeframes=%v ema=%d/%d", symbols, tfs, cfg.Signal.ShortPeriod, cfg.Signal.LongPeriod)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Metrics & health ----
	prom := metrics.NewMetrics(nil)
	health := metrics.NewHealthStatus(cfg.Cache.Backend)
	tfNames := make([]string, len(tfs))
	for i, tf := range tfs {
		tfNames[i] = tf.String()
	}
	health.SetTimeframes(tfNames)
	metricsSrv := metrics.NewServer(cfg.Server.MetricsAddr, health, nil)
	metricsSrv.Start()

	// ---- State cache (optional: runs uncached if unreachable) ----
	cache, err := store.Open(store.Config{
		Backend:       cfg.Cache.Backend,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
		SQLitePath:    cfg.Cache.SQLitePath,
		TTL:           cfg.Cache.TTL,
	})
	if err != nil {
		log.Fatalf("[screener] cache: %v", err)
	}
	defer cache.Close()

	var purger scheduler.Purger
	switch c := cache.(type) {
	case *redisstore.Cache:
		c.OnError = func(op string) { prom.CacheErrors.WithLabelValues(op).Inc() }
		c.OnBreakerState = func(st redisstore.State) {
			prom.CacheBreakerState.Set(float64(st))
			if st == redisstore.StateOpen {
				prom.CacheBreakerTrips.Inc()
			}
		}
		health.SetCacheOK(true)
		health.StartLivenessChecker(ctx, c.Client(), nil, 10*time.Second)
	case *sqlitestore.Cache:
		purger = c
		health.SetCacheOK(true)
		health.StartLivenessChecker(ctx, nil, c.DB(), 10*time.Second)
	}

	// ---- REST history ----
	hist, err := fetcher.New(fetcher.Config{
		BaseURL:           cfg.Upstream.RESTURL,
		MaxConcurrent:     cfg.Fetch.MaxConcurrent,
		RequestsPerSecond: cfg.Fetch.RequestsPerSecond,
		Timeout:           cfg.Fetch.Timeout,
	})
	if err != nil {
		log.Fatalf("[screener] fetcher: %v", err)
	}
	hist.OnRequest = func(int64) { prom.FetchRequests.Inc() }
	hist.OnFailure = func(model.SubscriptionKey) { prom.FetchFailures.Inc() }
	prom.Sample("screener_fetch_in_flight", "REST history requests currently in flight",
		func() float64 { return float64(hist.InFlight()) })

	// ---- Alert delivery ----
	notifiers := notification.Multi{notification.NewLogNotifier()}
	if cfg.Notify.TelegramToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
		log.Println("[screener] telegram alerts enabled")
	}
	if cfg.Notify.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
		log.Println("[screener] webhook alerts enabled")
	}
	sink := notification.NewSink(notifiers, 0)
	sink.OnSent = prom.AlertsDelivered.Inc
	sink.OnFailed = prom.AlertDeliveryFailures.Inc
	sinkDone := make(chan struct{})
	go func() {
		sink.Run(ctx)
		close(sinkDone)
	}()

	// ---- Downstream hub ----
	commands := registry.NewCommands(0)
	prom.Sample("screener_commands_pending", "Watch-list commands waiting to be applied",
		func() float64 { return float64(commands.Pending()) })
	h := hub.New(commands)
	h.OnDrop = prom.HubDrops.Inc
	h.OnCount = func(n int) { prom.HubSubscribers.Set(float64(n)) }
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Handler())
	hubSrv := &http.Server{Addr: cfg.Server.HubAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("[screener] hub listening on %s (ws://localhost%s/ws)", cfg.Server.HubAddr, cfg.Server.HubAddr)
		if err := hubSrv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[screener] hub server error: %v", err)
		}
	}()

	// ---- Service ----
	policy := manager.DefaultAlertPolicy()
	policy.Cooldown = cfg.Signal.Cooldown
	policy.VolumeFactor = cfg.Signal.VolumeFactor

	svc, err := screener.New(screener.Config{
		Feed: feed.Config{
			URL:            cfg.Upstream.WSURL,
			APIKey:         cfg.Upstream.APIKey,
			APISecret:      cfg.Upstream.APISecret,
			ReconnectDelay: cfg.Upstream.ReconnectDelay,
		},
		Symbols:     symbols,
		Timeframes:  tfs,
		Short:       cfg.Signal.ShortPeriod,
		Long:        cfg.Signal.LongPeriod,
		MaxBars:     cfg.Signal.MaxBars,
		HistoryBars: cfg.Signal.HistoryBars,
		Policy:      policy,
		Fetcher:     hist,
		Cache:       cache,
		Sink:        sink,
		Hub:         h,
		Commands:    commands,
		Metrics:     prom,
		Health:      health,
	})
	if err != nil {
		log.Fatalf("[screener] %v", err)
	}

	// ---- Maintenance jobs ----
	sched, err := scheduler.New(ctx, scheduler.Config{
		RetryCron:     cfg.Schedule.RetryCron,
		ReconcileCron: cfg.Schedule.ReconcileCron,
		PurgeCron:     cfg.Schedule.PurgeCron,
	}, svc.Registry(), purger)
	if err != nil {
		log.Fatalf("[screener] scheduler: %v", err)
	}
	sched.OnRetryFailed = func(model.SubscriptionKey) { prom.RetryFailures.Inc() }
	sched.OnReconcileFailed = func(model.SubscriptionKey) { prom.ReconcileFailures.Inc() }
	sched.OnPurged = func(n int64) { prom.CachePurgedEntries.Add(float64(n)) }
	sched.Start()

	svcDone := make(chan error, 1)
	go func() { svcDone <- svc.Run(ctx) }()
	slog.Info("screener running", "watchlist", svc.Watchlist(), "timeframes", len(tfs), "cache", cfg.Cache.Backend)

	// ---- Wait for shutdown signal ----
	stopped := false
	select {
	case <-sigCh:
		log.Println("[screener] shutdown signal received, cleaning up...")
	case err := <-svcDone:
		log.Printf("[screener] service stopped: %v", err)
		stopped = true
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if !stopped {
		select {
		case <-svcDone:
		case <-shutdownCtx.Done():
			log.Println("[screener] timed out waiting for the service")
		}
	}
	sched.Stop()
	select {
	case <-sinkDone:
	case <-shutdownCtx.Done():
		log.Println("[screener] timed out draining alerts")
	}
	hubSrv.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)

	log.Println("[screener] shutdown complete.")
}
