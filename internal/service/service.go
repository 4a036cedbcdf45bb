// Package service assembles the daemon: it opens the state store, builds the
// resource monitor, cache store and scheduler, and runs them alongside an
// HTTP control surface, a periodic stats log and sitemap discovery.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"prefetchd/internal/cache"
	"prefetchd/internal/config"
	"prefetchd/internal/kv"
	"prefetchd/internal/logger"
	"prefetchd/internal/metrics"
	"prefetchd/internal/monitor"
	"prefetchd/internal/prefetch"
	"prefetchd/internal/signals"
	"prefetchd/internal/tier"
)

type options struct {
	probe  monitor.Probe
	store  kv.Store
	client *http.Client
	now    func() time.Time
}

type Option func(*options)

// WithProbe replaces the host probe, mainly for tests.
func WithProbe(p monitor.Probe) Option { return func(o *options) { o.probe = p } }

// WithStore supplies an already opened state store. The service takes
// ownership and closes it.
func WithStore(st kv.Store) Option { return func(o *options) { o.store = st } }

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

type Service struct {
	cfg config.Config

	store     kv.Store
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	monitor   *monitor.Monitor
	cache     *cache.Store
	signals   *signals.Store
	scheduler *prefetch.Scheduler

	httpClient *http.Client
	traffic    *traffic

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

func New(cfg config.Config, opts ...Option) (*Service, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = kv.Open(cfg.Storage.Backend, cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		store:      store,
		httpClient: o.client,
		ctx:        ctx,
		cancel:     cancel,
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: cfg.Scheduler.FetchTimeout.D()}
	}

	if cfg.Server.Metrics {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		s.metrics = metrics.New(s.registry)
	}
	s.traffic = newTraffic(s.metrics)

	probe := o.probe
	if probe == nil {
		network, err := monitor.ParseNetwork(cfg.Resources.Network)
		if err != nil {
			cancel()
			_ = store.Close()
			return nil, err
		}
		probe = &monitor.HostProbe{
			PowerSupplyPath:    cfg.Resources.PowerSupplyPath,
			Network:            network,
			CellularGeneration: cfg.Resources.CellularGeneration,
		}
	}

	r := cfg.Resources
	s.monitor = monitor.New(monitor.Config{
		MinBattery:            r.MinBattery,
		MaxMemoryPressure:     r.MaxMemoryPressure,
		DailyBudget:           r.DailyBudget.Int64(),
		MinCellularGeneration: r.MinCellularGeneration,
		MemoryPressureHold:    r.MemoryPressureHold.D(),
	}, probe, monitor.WithClock(o.now), monitor.WithMetrics(s.metrics))

	c := cfg.Cache
	cs, err := cache.Open(cache.Config{
		Dir:        c.Dir,
		MaxSize:    c.Max.Int64(),
		MaxItem:    c.MaxItem.Int64(),
		MaxAge:     c.MaxAge.D(),
		SweepEvery: c.SweepEvery.D(),
		Disabled:   c.Disabled,
	}, store, cache.WithClock(o.now), cache.WithMetrics(s.metrics))
	if err != nil {
		cancel()
		_ = store.Close()
		return nil, err
	}
	s.cache = cs

	s.signals = signals.New(nil, "")
	if cfg.Signals.File != "" {
		if err := s.signals.LoadFile(cfg.Signals.File); err != nil {
			logger.Warn("signals file not loaded", logger.KeyPath, cfg.Signals.File, logger.KeyError, err)
		}
	}

	sc := cfg.Scheduler
	s.scheduler = prefetch.New(prefetch.Config{
		Workers:       sc.Workers,
		QueueSize:     sc.QueueSize,
		Tick:          sc.Tick.D(),
		FetchTimeout:  sc.FetchTimeout.D(),
		TaskExpiry:    sc.TaskExpiry.D(),
		MinConfidence: sc.MinConfidence,
		SearchURL:     sc.SearchURL,
	}, s.fetch, s.monitor,
		prefetch.WithRules(prefetch.DefaultRules(sc.Weights.DomainAffinity, sc.Weights.TimeOfDay, sc.Weights.SearchRelevance)),
		prefetch.WithClock(o.now),
		prefetch.WithCache(s.cache),
		prefetch.WithSignals(s.signals),
		prefetch.WithStore(store),
		prefetch.WithMetrics(s.metrics),
	)
	return s, nil
}

// Start launches the scheduler and the background loops. It does not listen;
// see Run.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.scheduler.Start()

		if every := s.cfg.Logging.StatsEvery.D(); every > 0 {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.statsLoop(every)
			}()
		}

		s.startDiscover()
	})
}

// Run starts the service and serves the control API until ctx is cancelled,
// then shuts the listener down gracefully. Close is still the caller's job.
func (s *Service) Run(ctx context.Context) error {
	addr := s.cfg.Server.Listen
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.Start()

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("prefetchd listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if s.cfg.Signals.File != "" && s.cfg.Signals.Watch {
		g.Go(func() error {
			if err := s.signals.Watch(gctx, s.cfg.Signals.File); err != nil {
				logger.Warn("signals watch stopped", logger.KeyPath, s.cfg.Signals.File, logger.KeyError, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Close stops background work, persists state and closes the store.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.scheduler.Close()
		s.cache.Close()
		if err := s.store.Close(); err != nil {
			logger.Warn("close state store", logger.KeyError, err)
		}
	})
}

// Submit proposes a URL for prefetching. See prefetch.Scheduler.Submit.
func (s *Service) Submit(rawURL, title string, t prefetch.ContentType, requested tier.Tier) error {
	return s.scheduler.Submit(rawURL, title, t, requested)
}

// Has reports whether url is cached and fresh.
func (s *Service) Has(url string) bool { return s.cache.Has(url) }

// Get serves url from the cache. A hit is counted as bytes saved and as
// positive feedback for the prefetch that brought it in, and its host is
// learned as a preferred domain.
func (s *Service) Get(url string) ([]byte, string, bool) {
	body, mimeType, ok := s.cache.Get(url)
	if !ok {
		return nil, "", false
	}
	s.monitor.RecordSaved(int64(len(body)), "cache_hit")
	s.scheduler.MarkUseful(url, true)
	s.signals.RecordVisit(url)
	s.traffic.Served(len(body))
	return body, mimeType, true
}

// Preloaded reports whether url was fetched by a recent prefetch rather than
// an older one or an explicit cache fill.
func (s *Service) Preloaded(url string) bool { return s.scheduler.IsPreloaded(url) }

// AddDomain records d as a preferred domain for affinity scoring.
func (s *Service) AddDomain(d string) { s.signals.AddDomain(d) }

// Savings is the breakdown of bytes saved.
type Savings struct {
	Total    int64                  `json:"total"`
	ByReason map[string]int64       `json:"by_reason"`
	Recent   []monitor.SavingRecord `json:"recent"`
}

func (s *Service) Savings() Savings {
	return Savings{
		Total:    s.monitor.Saved(),
		ByReason: s.monitor.SavedByReason(),
		Recent:   s.monitor.RecentSavings(),
	}
}

func (s *Service) Clear() error { return s.cache.Clear() }

func (s *Service) SetPermanent(url string, permanent bool) bool {
	return s.cache.SetPermanent(url, permanent)
}

func (s *Service) PrefetchAllowed() bool { return s.monitor.PrefetchAllowed() }

func (s *Service) Gates() monitor.Gates { return s.monitor.Gates() }

// Predict submits recommender candidates and related-search suggestions.
func (s *Service) Predict(candidates []prefetch.Suggestion, related []string) []prefetch.Outcome {
	return s.scheduler.Predict(candidates, related)
}

// SetLastQuery records the user's most recent search for relevance scoring.
func (s *Service) SetLastQuery(q string) { s.signals.SetLastQuery(q) }

func (s *Service) Pending() []prefetch.Task { return s.scheduler.Pending() }

func (s *Service) Pause()  { s.scheduler.Pause() }
func (s *Service) Resume() { s.scheduler.Resume() }

// OnMemoryPressure closes the memory gate for the configured hold period.
func (s *Service) OnMemoryPressure() { s.monitor.OnMemoryPressure() }

// Report is the operator summary returned by GetReport.
type Report struct {
	prefetch.Report
	Saved         int64
	SavedByReason map[string]int64
	CacheStats    cache.Stats
	Gates         monitor.Gates
	Traffic       trafficSnapshot
}

func (s *Service) GetReport() Report {
	return Report{
		Report:        s.scheduler.Report(),
		Saved:         s.monitor.Saved(),
		SavedByReason: s.monitor.SavedByReason(),
		CacheStats:    s.cache.Stats(),
		Gates:         s.monitor.Gates(),
		Traffic:       s.traffic.Snapshot(),
	}
}

func (r Report) String() string {
	var b strings.Builder
	b.WriteString(r.Report.String())
	fmt.Fprintf(&b, "saved:           %s\n", humanize.IBytes(uint64(r.Saved)))
	fmt.Fprintf(&b, "cache:           %s\n", r.CacheStats)
	fmt.Fprintf(&b, "traffic:         fetched %s, served %s (payoff %.2f)\n",
		humanize.IBytes(uint64(r.Traffic.FetchedBytes)), humanize.IBytes(uint64(r.Traffic.ServedBytes)), r.Traffic.Payoff())
	fmt.Fprintf(&b, "gates:           battery=%t network=%t memory=%t budget=%t\n",
		r.Gates.Battery, r.Gates.Network, r.Gates.Memory, r.Gates.Budget)
	return b.String()
}
