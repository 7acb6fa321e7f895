// Package manager owns one candle series per (symbol, timeframe) pair. A
// Manager loads the cached snapshot, backfills history over REST, applies
// live ticks, recomputes the crossover signal and emits alerts and
// broadcast events.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ema-screener/internal/indicator"
	"ema-screener/internal/model"
	"ema-screener/internal/series"
)

// Phase is the lifecycle stage of a Manager.
type Phase int

const (
	PhaseInitializing Phase = iota // history not loaded yet; ticks are buffered
	PhaseLive                      // ticks are applied and analysed
	PhaseFailed                    // last initialization failed; retryable
	PhaseClosed                    // discarded; nothing is emitted any more
)

func (p Phase) String() string {
	switch p {
	case PhaseInitializing:
		return "initializing"
	case PhaseLive:
		return "live"
	case PhaseFailed:
		return "failed"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StatusUnavailable is the event status of a live pair without a signal yet.
const StatusUnavailable = "unavailable"

// epoch is the history start used on a cold cache: everything the upstream has.
var epoch = time.Unix(1, 0).UTC()

// Config configures a Manager.
type Config struct {
	Key         model.SubscriptionKey
	Short       int // short EMA period (default 9)
	Long        int // long EMA period (default 20)
	MaxBars     int // series window, 0 = unbounded (default 2000)
	HistoryBars int // cold-cache backfill depth in bars, 0 = from epoch

	Fetcher     model.HistoryFetcher
	Cache       model.StateCache
	Sink        model.AlertSink
	Broadcaster model.Broadcaster
	Policy      AlertPolicy

	// Now defaults to time.Now.
	Now func() time.Time
}

func (c *Config) defaults() {
	if c.Short <= 0 {
		c.Short = indicator.DefaultShortPeriod
	}
	if c.Long <= 0 {
		c.Long = indicator.DefaultLongPeriod
	}
	if c.MaxBars < 0 {
		c.MaxBars = 0
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Manager is safe for concurrent use. Ticks, reconciles and the final merge
// of an initialization are serialised by one mutex; REST fetches run
// outside it so ticks keep buffering while history loads.
type Manager struct {
	cfg Config
	sf  singleflight.Group

	// life is cancelled by Close and aborts in-flight fetches.
	life context.Context
	kill context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	series    series.Series
	state     model.SignalState
	crossedAt time.Time     // bar time of the confirmed crossover
	pending   series.Series // ticks received while not live
	lastAlert time.Time

	// Optional hooks, used for metrics. Set before the first call.
	OnAlert      func(key model.SubscriptionKey, trend model.Trend)
	OnSuppressed func(key model.SubscriptionKey, reason string)
	OnInitFailed func(key model.SubscriptionKey)
}

// New creates a Manager in the Initializing phase with an unavailable state.
func New(cfg Config) (*Manager, error) {
	cfg.defaults()
	if cfg.Key.Symbol == "" || cfg.Key.Timeframe.Seconds() <= 0 {
		return nil, fmt.Errorf("manager: invalid key %q", cfg.Key)
	}
	if cfg.Short >= cfg.Long {
		return nil, fmt.Errorf("manager %s: short period %d must be below long period %d", cfg.Key, cfg.Short, cfg.Long)
	}
	if cfg.Fetcher == nil || cfg.Cache == nil || cfg.Sink == nil || cfg.Broadcaster == nil {
		return nil, fmt.Errorf("manager %s: fetcher, cache, sink and broadcaster are required", cfg.Key)
	}
	life, kill := context.WithCancel(context.Background())
	return &Manager{
		cfg:   cfg,
		life:  life,
		kill:  kill,
		state: model.UnavailableState(),
	}, nil
}

// Close discards the manager. A running initialization or reconcile is
// cancelled and its result dropped, and later ticks are ignored. Once Close
// returns the manager never broadcasts, alerts or persists again.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		return
	}
	m.phase = PhaseClosed
	m.pending = nil
	m.kill()
}

// bound returns ctx, additionally cancelled when the manager is closed.
func (m *Manager) bound(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Key returns the pair this manager owns.
func (m *Manager) Key() model.SubscriptionKey { return m.cfg.Key }

// Initialize loads the cached snapshot, fetches the missing history and
// switches the manager to Live. Concurrent calls share one run. A Live
// manager returns nil immediately.
func (m *Manager) Initialize(ctx context.Context) error {
	_, err, _ := m.sf.Do("init", func() (interface{}, error) {
		return nil, m.initialize(ctx)
	})
	return err
}

func (m *Manager) initialize(ctx context.Context) error {
	key := m.cfg.Key
	tf := key.Timeframe.Duration()

	m.mu.Lock()
	if m.phase == PhaseLive || m.phase == PhaseClosed {
		m.mu.Unlock()
		return nil
	}
	m.phase = PhaseInitializing
	m.mu.Unlock()

	ctx, release := m.bound(ctx)
	defer release()

	now := m.cfg.Now()
	var cached series.Series
	candles, _, found, err := m.cfg.Cache.Load(ctx, key)
	switch {
	case err != nil:
		log.Printf("[manager] %s: cache load failed, fetching full history: %v", key, err)
	case found:
		cached = series.FromCandles(candles)
	}

	start := epoch
	if last, ok := cached.Last(); ok {
		start = last.Time.Add(tf)
	} else if m.cfg.HistoryBars > 0 {
		start = now.Add(-time.Duration(m.cfg.HistoryBars) * tf)
	}

	var fetched []model.Candle
	if start.Before(now) {
		fetched, err = m.cfg.Fetcher.Fetch(ctx, key, start, now)
		if err != nil {
			m.mu.Lock()
			if m.phase == PhaseClosed {
				m.mu.Unlock()
				return nil
			}
			m.phase = PhaseFailed
			m.mu.Unlock()
			if m.OnInitFailed != nil {
				m.OnInitFailed(key)
			}
			return fmt.Errorf("initializing %s: %w", key, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseClosed {
		log.Printf("[manager] %s: closed during initialization, discarding history", key)
		return nil
	}

	buffered := len(m.pending)
	m.series = cached.Merge(series.FromCandles(fetched)).Merge(m.pending).Trim(m.cfg.MaxBars)
	m.pending = nil
	m.state = indicator.Analyze(m.series, m.cfg.Short, m.cfg.Long)
	m.crossedAt = m.crossoverTimeLocked()
	m.phase = PhaseLive

	log.Printf("[manager] %s: live with %d bars (cached=%d fetched=%d buffered=%d) trend=%s",
		key, len(m.series), len(cached), len(fetched), buffered, m.state.TrendLabel())
	if err := indicator.Check(m.series, m.cfg.Long); err != nil {
		log.Printf("[manager] %s: signal unavailable: %v", key, err)
	}

	m.persistLocked(ctx, true)
	m.broadcastLocked(model.EventLiveUpdate)
	return nil
}

// ApplyLiveTick applies one candle revision. Before the manager is Live
// the candle is buffered and merged when initialization completes.
func (m *Manager) ApplyLiveTick(ctx context.Context, tick model.Tick) error {
	if tick.Key != m.cfg.Key {
		return fmt.Errorf("tick for %s routed to manager %s", tick.Key, m.cfg.Key)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case PhaseClosed:
		return nil
	case PhaseInitializing, PhaseFailed:
		m.pending = m.pending.Upsert(tick.Candle).Trim(m.cfg.MaxBars)
		return nil
	}

	newBar := !m.series.Contains(tick.Candle.Time)
	m.series = m.series.Upsert(tick.Candle).Trim(m.cfg.MaxBars)
	m.recomputeLocked(ctx, tick.Candle.Time, newBar)
	return nil
}

// Reconcile fetches bars that closed since the last one held and merges
// them. It heals gaps left by dropped ticks or a lost connection. A manager
// that is not Live is left alone.
func (m *Manager) Reconcile(ctx context.Context) error {
	key := m.cfg.Key
	tf := key.Timeframe

	m.mu.Lock()
	if m.phase != PhaseLive {
		m.mu.Unlock()
		return nil
	}
	now := m.cfg.Now()
	start := epoch
	if last, ok := m.series.ClosedOnly(now, tf).Last(); ok {
		start = last.Time.Add(tf.Duration())
	}
	m.mu.Unlock()

	if !start.Before(now) {
		return nil
	}
	ctx, release := m.bound(ctx)
	defer release()
	fetched, err := m.cfg.Fetcher.Fetch(ctx, key, start, now)
	if err != nil {
		if m.Phase() == PhaseClosed {
			return nil
		}
		return fmt.Errorf("reconciling %s: %w", key, err)
	}
	closed := series.FromCandles(fetched).ClosedOnly(now, tf)
	if len(closed) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseLive {
		return nil
	}
	m.series = m.series.Merge(closed).Trim(m.cfg.MaxBars)
	last, _ := m.series.Last()
	log.Printf("[manager] %s: reconciled %d closed bars", key, len(closed))
	m.recomputeLocked(ctx, last.Time, true)
	return nil
}

// recomputeLocked re-runs the analysis and emits the resulting alert or
// live update. full forces a full snapshot write.
func (m *Manager) recomputeLocked(ctx context.Context, barTime time.Time, full bool) {
	prev, prevAt := m.state, m.crossedAt
	m.state = indicator.Analyze(m.series, m.cfg.Short, m.cfg.Long)
	m.crossedAt = m.crossoverTimeLocked()

	// A later crossover in the same direction, e.g. after a reconcile merged
	// a missed reversal, is a change too.
	changed := !m.state.SameConfirmed(prev) || !m.crossedAt.Equal(prevAt)
	// The first available state is a baseline, not a change.
	if changed && prev.Available && m.state.ConfirmedTrend != model.TrendNone {
		now := m.cfg.Now()
		bar := len(m.series) - 2 - *m.state.BarsSinceConfirmed
		ok, reason := m.cfg.Policy.Allow(now, m.lastAlert, m.series, bar, m.cfg.Long)
		if ok {
			m.lastAlert = now
			m.alertLocked(barTime)
			m.persistLocked(ctx, true)
			return
		}
		log.Printf("[manager] %s: %s crossover suppressed (%s)", m.cfg.Key, m.state.ConfirmedTrend, reason)
		if m.OnSuppressed != nil {
			m.OnSuppressed(m.cfg.Key, reason)
		}
	}

	m.broadcastLocked(model.EventLiveUpdate)
	m.persistLocked(ctx, full || changed)
}

// crossoverTimeLocked returns the time of the confirmed crossover bar, or
// the zero time when there is none.
func (m *Manager) crossoverTimeLocked() time.Time {
	if m.state.BarsSinceConfirmed == nil {
		return time.Time{}
	}
	i := len(m.series) - 2 - *m.state.BarsSinceConfirmed
	if i < 0 || i >= len(m.series) {
		return time.Time{}
	}
	return m.series[i].Time
}

func (m *Manager) alertLocked(barTime time.Time) {
	trend := m.state.ConfirmedTrend
	log.Printf("[manager] %s: confirmed %s crossover", m.cfg.Key, trend)
	m.cfg.Sink.SendAlert(FormatAlert(m.cfg.Key, barTime, trend))
	m.broadcastLocked(model.EventCrossoverAlert)
	if m.OnAlert != nil {
		m.OnAlert(m.cfg.Key, trend)
	}
}

func (m *Manager) broadcastLocked(typ model.EventType) {
	ev := model.Event{
		Type:      typ,
		Symbol:    m.cfg.Key.Symbol,
		Timeframe: m.cfg.Key.Timeframe,
		Signal:    m.state,
		Status:    m.statusLocked(),
		TS:        m.cfg.Now().UTC(),
	}
	if last, ok := m.series.Last(); ok {
		ev.Price = last.Close.String()
		ev.BarTime = last.Time
	}
	m.cfg.Broadcaster.Broadcast(ev)
}

// statusLocked is the phase, or "unavailable" for a live pair whose series
// is still too short for a signal.
func (m *Manager) statusLocked() string {
	if m.phase == PhaseLive && !m.state.Available {
		return StatusUnavailable
	}
	return m.phase.String()
}

// persistLocked writes closed bars only, so a restored series never holds
// a half-formed bar. Cache failures are logged, never propagated.
func (m *Manager) persistLocked(ctx context.Context, full bool) {
	var err error
	if full {
		closed := m.series.ClosedOnly(m.cfg.Now(), m.cfg.Key.Timeframe)
		err = m.cfg.Cache.Save(ctx, m.cfg.Key, closed, m.state)
	} else {
		err = m.cfg.Cache.SaveState(ctx, m.cfg.Key, m.state)
	}
	if err != nil {
		log.Printf("[manager] %s: persist failed: %v", m.cfg.Key, err)
	}
}

// State returns the current signal state.
func (m *Manager) State() model.SignalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Series returns a copy of the current series.
func (m *Manager) Series() series.Series {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.series.Tail(len(m.series))
}
