// Package screener wires the live feed, the series managers and the
// downstream hub into one running service. It owns the watch-list, rebuilds
// every subscription when a feed session starts and applies watch-list
// commands in order.
package screener

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ema-screener/internal/feed"
	"ema-screener/internal/hub"
	"ema-screener/internal/logger"
	"ema-screener/internal/manager"
	"ema-screener/internal/metrics"
	"ema-screener/internal/model"
	"ema-screener/internal/registry"
)

// upstream is the part of feed.Client the service drives.
type upstream interface {
	Run(ctx context.Context) error
	Subscribe(symbols []string, tfs []model.Timeframe) error
	Unsubscribe(symbols []string, tfs []model.Timeframe) error
}

// Config configures a Service.
type Config struct {
	Feed feed.Config

	// Initial watch-list and the timeframes tracked for every symbol.
	Symbols    []string
	Timeframes []model.Timeframe

	Short       int
	Long        int
	MaxBars     int
	HistoryBars int
	Policy      manager.AlertPolicy

	Fetcher  model.HistoryFetcher
	Cache    model.StateCache
	Sink     model.AlertSink
	Hub      *hub.Hub
	Commands *registry.Commands // created when nil

	// Optional.
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Now     func() time.Time
}

// Service is the running screener.
type Service struct {
	cfg  Config
	reg  *registry.Registry
	feed upstream

	runCtx context.Context

	mu          sync.Mutex // serialises session rebuilds and commands
	watch       []string
	sessionCtx  context.Context
	endSession  context.CancelFunc
	initializer sync.WaitGroup
}

var _ feed.Handler = (*Service)(nil)

// New creates a Service and its feed client.
func New(cfg Config) (*Service, error) {
	if len(cfg.Timeframes) == 0 {
		return nil, errors.New("screener: at least one timeframe is required")
	}
	if cfg.Fetcher == nil || cfg.Cache == nil || cfg.Sink == nil || cfg.Hub == nil {
		return nil, errors.New("screener: fetcher, cache, sink and hub are required")
	}
	if cfg.Commands == nil {
		cfg.Commands = registry.NewCommands(0)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Service{
		cfg:        cfg,
		reg:        registry.New(),
		runCtx:     context.Background(),
		sessionCtx: context.Background(),
		endSession: func() {},
	}
	for _, sym := range cfg.Symbols {
		if sym = normalize(sym); sym != "" && !slices.Contains(s.watch, sym) {
			s.watch = append(s.watch, sym)
		}
	}

	client, err := feed.New(cfg.Feed, s)
	if err != nil {
		return nil, fmt.Errorf("screener: %w", err)
	}
	s.instrumentFeed(client)
	s.feed = client

	s.reg.OnChange = func(n int) {
		if cfg.Metrics != nil {
			cfg.Metrics.ActivePairs.Set(float64(n))
		}
		if cfg.Health != nil {
			cfg.Health.SetActivePairs(n)
		}
	}
	return s, nil
}

// Registry exposes the manager registry, e.g. to the scheduler.
func (s *Service) Registry() *registry.Registry { return s.reg }

// Commands returns the watch-list command queue.
func (s *Service) Commands() *registry.Commands { return s.cfg.Commands }

// Watchlist returns the symbols currently tracked.
func (s *Service) Watchlist() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.watch)
}

// Run streams the feed and consumes commands until ctx is cancelled. It
// waits for in-flight initializations before returning.
func (s *Service) Run(ctx context.Context) error {
	s.runCtx = ctx
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.feed.Run(gctx) })
	g.Go(func() error { return s.consume(gctx) })
	err := g.Wait()

	s.mu.Lock()
	s.endSession()
	s.mu.Unlock()
	s.initializer.Wait()
	return err
}

// OnSession rebuilds the registry from the watch-list, sends one bulk
// subscribe and initializes every pair in the background.
func (s *Service) OnSession(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.endSession()
	s.sessionCtx, s.endSession = context.WithCancel(ctx)

	s.reg.Clear()
	var ms []*manager.Manager
	for _, sym := range s.watch {
		for _, tf := range s.cfg.Timeframes {
			m, _, err := s.reg.Ensure(model.SubscriptionKey{Symbol: sym, Timeframe: tf}, s.newManager)
			if err != nil {
				log.Printf("[screener] %v", err)
				continue
			}
			ms = append(ms, m)
		}
	}
	if err := s.feed.Subscribe(s.watch, s.cfg.Timeframes); err != nil {
		log.Printf("[screener] bulk subscribe failed: %v", err)
	}
	log.Printf("[screener] session started: %d symbols, %d pairs", len(s.watch), len(ms))
	s.initializeLocked(ms)
}

// OnTick routes a decoded candle to its manager.
func (s *Service) OnTick(tick model.Tick) {
	m, ok := s.reg.Lookup(tick.Key)
	if !ok {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.UnknownPairTicks.Inc()
		}
		log.Printf("[screener] dropping tick for unknown pair %s", tick.Key)
		return
	}

	start := time.Now()
	if err := m.ApplyLiveTick(s.runCtx, tick); err != nil {
		log.Printf("[screener] %v", err)
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.TicksTotal.Inc()
		s.cfg.Metrics.TickApplyDuration.Observe(time.Since(start).Seconds())
	}
	if s.cfg.Health != nil {
		s.cfg.Health.SetLastTickTime(start)
	}
}

// consume applies commands strictly in arrival order.
func (s *Service) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.cfg.Commands.C():
			if err := s.apply(cmd); err != nil {
				log.Printf("[screener] command %s %s: %v", cmd.Action, cmd.Symbol, err)
			}
		}
	}
}

func (s *Service) apply(cmd model.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.CommandsTotal.WithLabelValues(string(cmd.Action)).Inc()
	}
	sym := normalize(cmd.Symbol)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Action {
	case model.ActionSubscribe:
		return s.subscribeLocked(sym)
	case model.ActionUnsubscribe:
		return s.unsubscribeLocked(sym)
	}
	return nil
}

func (s *Service) subscribeLocked(sym string) error {
	if !slices.Contains(s.watch, sym) {
		s.watch = append(s.watch, sym)
	}

	var created []*manager.Manager
	var errs []error
	for _, tf := range s.cfg.Timeframes {
		m, isNew, err := s.reg.Ensure(model.SubscriptionKey{Symbol: sym, Timeframe: tf}, s.newManager)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if isNew {
			created = append(created, m)
		}
	}
	if len(created) == 0 {
		return errors.Join(errs...)
	}

	// Without a session the frame is dropped; the next session subscribes
	// from the watch-list.
	if err := s.feed.Subscribe([]string{sym}, s.cfg.Timeframes); err != nil {
		log.Printf("[screener] subscribe %s deferred to next session: %v", sym, err)
	}
	log.Printf("[screener] subscribed %s on %d timeframes", sym, len(created))
	s.initializeLocked(created)
	return errors.Join(errs...)
}

func (s *Service) unsubscribeLocked(sym string) error {
	i := slices.Index(s.watch, sym)
	if i < 0 {
		return fmt.Errorf("%s is not on the watch-list", sym)
	}
	s.watch = slices.Delete(s.watch, i, i+1)

	if err := s.feed.Unsubscribe([]string{sym}, s.cfg.Timeframes); err != nil {
		log.Printf("[screener] unsubscribe %s not sent: %v", sym, err)
	}
	keys := s.reg.Remove(sym)
	for _, k := range keys {
		s.cfg.Hub.Forget(k)
	}
	log.Printf("[screener] unsubscribed %s (%d pairs removed)", sym, len(keys))
	return nil
}

// initializeLocked starts initialization of ms without blocking. The
// fetcher semaphore bounds the actual REST concurrency.
func (s *Service) initializeLocked(ms []*manager.Manager) {
	if len(ms) == 0 {
		return
	}
	ctx := s.sessionCtx
	s.initializer.Add(1)
	go func() {
		defer s.initializer.Done()
		var g errgroup.Group
		for _, m := range ms {
			m := m
			g.Go(func() error {
				if err := m.Initialize(ctx); err != nil {
					log.Printf("[screener] %v (will retry)", err)
				}
				return nil
			})
		}
		g.Wait()
		live := 0
		for _, m := range ms {
			if m.Phase() == manager.PhaseLive {
				live++
			}
		}
		log.Printf("[screener] initialized %d/%d pairs", live, len(ms))
	}()
}

func (s *Service) newManager(key model.SubscriptionKey) (*manager.Manager, error) {
	m, err := manager.New(manager.Config{
		Key:         key,
		Short:       s.cfg.Short,
		Long:        s.cfg.Long,
		MaxBars:     s.cfg.MaxBars,
		HistoryBars: s.cfg.HistoryBars,
		Fetcher:     s.cfg.Fetcher,
		Cache:       s.cfg.Cache,
		Sink:        s.cfg.Sink,
		Broadcaster: s.cfg.Hub,
		Policy:      s.cfg.Policy,
		Now:         s.cfg.Now,
	})
	if err != nil {
		return nil, err
	}

	m.OnAlert = func(key model.SubscriptionKey, trend model.Trend) {
		ctx := logger.WithTraceID(context.Background(), logger.GenerateTraceID(key.String(), time.Now()))
		slog.InfoContext(ctx, "crossover alert",
			append(logger.LogWithTrace(ctx), slog.String("pair", key.String()), slog.String("trend", string(trend)))...)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.AlertsTotal.WithLabelValues(string(trend)).Inc()
		}
	}
	if met := s.cfg.Metrics; met != nil {
		m.OnSuppressed = func(_ model.SubscriptionKey, reason string) {
			met.AlertsSuppressed.WithLabelValues(reason).Inc()
		}
		m.OnInitFailed = func(model.SubscriptionKey) { met.InitFailures.Inc() }
	}
	return m, nil
}

func (s *Service) instrumentFeed(c *feed.Client) {
	met, health := s.cfg.Metrics, s.cfg.Health
	c.OnStateChange = func(st feed.State) {
		if met != nil {
			met.FeedState.Set(float64(st))
		}
		if health != nil {
			health.SetFeedState(st.String(), st == feed.StateStreaming)
		}
	}
	if met != nil {
		c.OnReconnect = met.FeedReconnects.Inc
		c.OnMalformed = met.MalformedTicks.Inc
	}
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
