// Package prefetch admits, ranks and executes speculative fetches.
//
// Submit scores a URL against a small rule set and, when it clears the
// confidence threshold, places it on a bounded queue. A fixed pool of workers
// drains the queue in (tier, confidence) order whenever the resource gate
// allows, calling a FetchFunc supplied by the host. Queue and statistics are
// persisted to a kv.Store so work survives restarts.
package prefetch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"prefetchd/internal/kv"
	"prefetchd/internal/logger"
	"prefetchd/internal/metrics"
	"prefetchd/internal/monitor"
	"prefetchd/internal/tier"
)

var (
	ErrInvalidURL    = errors.New("invalid url")
	ErrResourceGated = errors.New("prefetch not allowed by resource gate")
	ErrDuplicate     = errors.New("already queued or running")
	ErrAlreadyCached = errors.New("already cached")
	ErrLowConfidence = errors.New("confidence below threshold")
	ErrQueueFull     = errors.New("queue full")
	ErrClosed        = errors.New("scheduler closed")
)

// FetchFunc retrieves url. The returned body is used for accounting; when it
// is empty the per-type estimate is charged instead. Implementations should
// honour ctx, but the scheduler enforces its timeout regardless.
type FetchFunc func(ctx context.Context, url string, t ContentType) ([]byte, string, error)

// Gate is the resource monitor as seen by the scheduler.
type Gate interface {
	PrefetchAllowed() bool
	AdjustPriority(tier.Tier) tier.Tier
	RecordConsumed(int64)
	Budget() monitor.BudgetState
	RestoreBudget(monitor.BudgetState)
}

// Presence reports whether a URL is already held locally.
type Presence interface {
	Has(url string) bool
}

// Signals supplies behavioural hints to the rules.
type Signals interface {
	DomainAffinity() []string
	LastSearchQuery() string
}

type Config struct {
	Workers       int
	QueueSize     int
	Tick          time.Duration
	FetchTimeout  time.Duration
	TaskExpiry    time.Duration
	MinConfidence float64
	SearchURL     string // Predict template, %s is the escaped query
}

type Option func(*Scheduler)

// WithRules replaces the default scoring rules.
func WithRules(rules []Rule) Option {
	return func(s *Scheduler) { s.rules = rules }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithCache lets Submit reject URLs that are already cached.
func WithCache(p Presence) Option {
	return func(s *Scheduler) { s.cache = p }
}

func WithSignals(sig Signals) Option {
	return func(s *Scheduler) { s.signals = sig }
}

// WithStore persists the queue and statistics to st.
func WithStore(st kv.Store) Option {
	return func(s *Scheduler) { s.store = st }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

type Scheduler struct {
	cfg     Config
	fetch   FetchFunc
	gate    Gate
	cache   Presence
	signals Signals
	rules   []Rule
	store   kv.Store
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	queue  []*Task
	active map[string]*Task
	recent map[string]*completion // by URL
	stats  Stats
	paused bool
	closed bool

	jobs    chan *Task
	trigger chan struct{}
	stopCh  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once

	rejectLog *logger.RateLimited
}

// completion remembers a successful fetch until it is used or ages out.
type completion struct {
	at   time.Time
	used bool
}

func New(cfg Config, fetch FetchFunc, gate Gate, opts ...Option) *Scheduler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		fetch:     fetch,
		gate:      gate,
		rules:     DefaultRules(0.4, 0.2, 0.4),
		now:       time.Now,
		active:    map[string]*Task{},
		recent:    map[string]*completion{},
		jobs:      make(chan *Task, cfg.Workers),
		trigger:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		rejectLog: logger.NewRateLimited(10 * time.Second),
	}
	for _, o := range opts {
		o(s)
	}
	s.load()
	return s
}

// Start launches the workers and the scheduling loop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.worker()
		}
		s.wg.Add(1)
		go s.loop()
		logger.Info("prefetch scheduler started", "workers", s.cfg.Workers, "queue", s.cfg.QueueSize, "tick", s.cfg.Tick)
	})
}

func (s *Scheduler) reject(err error, result, rawURL string) error {
	s.metrics.Admission(result)
	s.rejectLog.Info("prefetch rejected", logger.KeyURL, rawURL, logger.KeyReason, err.Error())
	return err
}

// Submit proposes url for prefetching. A nil error means the task was queued.
// Rejections wrap one of the Err* sentinels.
func (s *Scheduler) Submit(rawURL, title string, t ContentType, requested tier.Tier) error {
	host := hostOf(rawURL)
	if host == "" {
		return s.reject(fmt.Errorf("%w: %q", ErrInvalidURL, rawURL), "invalid_url", rawURL)
	}
	if !requested.Valid() {
		return s.reject(fmt.Errorf("%w: priority %d", ErrInvalidURL, int(requested)), "invalid_url", rawURL)
	}
	if t == "" {
		t = InferContentType(rawURL)
	}
	if title == "" {
		title = rawURL
	}

	if requested != tier.Critical && !s.gate.PrefetchAllowed() {
		return s.reject(ErrResourceGated, "gated", rawURL)
	}

	id := TaskID(rawURL)
	s.mu.Lock()
	closed := s.closed
	dup := s.indexLocked(id) >= 0 || s.active[id] != nil
	s.mu.Unlock()
	if closed {
		return s.reject(ErrClosed, "closed", rawURL)
	}
	if dup {
		return s.reject(ErrDuplicate, "duplicate", rawURL)
	}
	if s.cache != nil && s.cache.Has(rawURL) {
		return s.reject(ErrAlreadyCached, "cached", rawURL)
	}

	prio := s.gate.AdjustPriority(requested)
	conf := Confidence(s.rules, Candidate{URL: rawURL, Host: host, Title: title, Type: t}, s.scoreContext())
	if conf < s.cfg.MinConfidence {
		return s.reject(fmt.Errorf("%w: %.2f < %.2f", ErrLowConfidence, conf, s.cfg.MinConfidence), "low_confidence", rawURL)
	}

	task := &Task{
		ID:         id,
		URL:        rawURL,
		Title:      title,
		Type:       t,
		Priority:   prio,
		Requested:  requested,
		Confidence: conf,
		CreatedAt:  s.now(),
		Status:     StatusPending,
	}

	s.mu.Lock()
	// Re-check under the lock; the scoring above ran unlocked.
	if s.closed {
		s.mu.Unlock()
		return s.reject(ErrClosed, "closed", rawURL)
	}
	if s.indexLocked(id) >= 0 || s.active[id] != nil {
		s.mu.Unlock()
		return s.reject(ErrDuplicate, "duplicate", rawURL)
	}
	var displaced *Task
	if len(s.queue) >= s.cfg.QueueSize {
		i := s.lowestLocked()
		low := s.queue[i]
		if !outranks(task, low) {
			s.mu.Unlock()
			return s.reject(ErrQueueFull, "queue_full", rawURL)
		}
		s.removeLocked(i)
		low.Status = StatusCancelled
		low.CompletedAt = s.now()
		s.stats.Cancelled++
		displaced = low
	}
	s.queue = append(s.queue, task)
	pending, active := len(s.queue), len(s.active)
	s.mu.Unlock()

	s.metrics.QueueState(pending, active)
	s.metrics.Admission("admitted")
	if displaced != nil {
		s.metrics.TaskFinished(string(StatusCancelled), 0)
		logger.Info("prefetch task displaced", logger.KeyURL, displaced.URL, logger.KeyTier, displaced.Priority, "by", rawURL)
	}
	logger.Debug("prefetch task admitted", logger.KeyTaskID, id, logger.KeyURL, rawURL, logger.KeyTier, prio,
		logger.KeyType, t, logger.KeyConfidence, conf)

	if prio >= tier.High {
		s.kick()
	}
	return nil
}

func (s *Scheduler) scoreContext() Context {
	ctx := Context{Now: s.now()}
	if s.signals != nil {
		ctx.Domains = s.signals.DomainAffinity()
		ctx.LastQuery = s.signals.LastSearchQuery()
	}
	return ctx
}

// ranksBefore orders tasks for dispatch: tier desc, confidence desc, older
// first, then id.
func ranksBefore(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func sortTasks(ts []*Task) {
	sort.Slice(ts, func(i, j int) bool { return ranksBefore(ts[i], ts[j]) })
}

// outranks is the strict (tier, confidence) comparison used for displacement.
func outranks(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Confidence > b.Confidence
}

func (s *Scheduler) indexLocked(id string) int {
	for i, t := range s.queue {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// lowestLocked returns the index of the task that would be dispatched last.
func (s *Scheduler) lowestLocked() int {
	low := 0
	for i := 1; i < len(s.queue); i++ {
		if ranksBefore(s.queue[low], s.queue[i]) {
			low = i
		}
	}
	return low
}

// nextLocked returns the index of the best task eligible for dispatch, or -1.
func (s *Scheduler) nextLocked(criticalOnly bool) int {
	best := -1
	for i, t := range s.queue {
		if criticalOnly && t.Requested != tier.Critical {
			continue
		}
		if best < 0 || ranksBefore(t, s.queue[best]) {
			best = i
		}
	}
	return best
}

func (s *Scheduler) removeLocked(i int) {
	copy(s.queue[i:], s.queue[i+1:])
	s.queue[len(s.queue)-1] = nil
	s.queue = s.queue[:len(s.queue)-1]
}

func (s *Scheduler) kick() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// schedule moves queued tasks to the workers while capacity and the gate
// allow. With the gate closed only critical tasks are dispatched.
func (s *Scheduler) schedule() {
	s.mu.Lock()
	if s.paused || s.closed || len(s.queue) == 0 || len(s.active) >= s.cfg.Workers {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	criticalOnly := !s.gate.PrefetchAllowed()

	s.mu.Lock()
	dispatched := 0
	for len(s.active) < s.cfg.Workers && !s.paused && !s.closed {
		i := s.nextLocked(criticalOnly)
		if i < 0 {
			break
		}
		t := s.queue[i]
		select {
		case s.jobs <- t:
		default:
			// jobs holds at most Workers tasks, all counted in active.
			i = -1
		}
		if i < 0 {
			break
		}
		s.removeLocked(i)
		t.Status = StatusInProgress
		t.StartedAt = s.now()
		t.EstimatedSize = EstimateSize(t.Type)
		s.active[t.ID] = t
		dispatched++
	}
	pending, active := len(s.queue), len(s.active)
	s.mu.Unlock()

	s.metrics.QueueState(pending, active)
	if dispatched > 0 {
		logger.Debug("prefetch dispatched", logger.KeyCount, dispatched, "pending", pending, "critical_only", criticalOnly)
	}
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.Tick)
	defer t.Stop()
	s.schedule()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.Sweep()
			s.saveQueue()
			s.schedule()
		case <-s.trigger:
			s.schedule()
		}
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t := <-s.jobs:
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.run(t)
		}
	}
}

type fetchResult struct {
	body []byte
	mime string
	err  error
}

func (s *Scheduler) run(t *Task) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.FetchTimeout)
	defer cancel()

	ch := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- fetchResult{err: fmt.Errorf("fetch panic: %v", r)}
			}
		}()
		body, mime, err := s.fetch(ctx, t.URL, t.Type)
		ch <- fetchResult{body: body, mime: mime, err: err}
	}()

	var res fetchResult
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = fmt.Errorf("fetch timed out after %s: %w", s.cfg.FetchTimeout, ctx.Err())
	}
	s.finish(t, res)
}

// transferred is the budget charge for a successful fetch of t.
func transferred(t *Task, body []byte) int64 {
	if n := int64(len(body)); n > 0 {
		return n
	}
	return EstimateSize(t.Type)
}

// finish performs the terminal transition of t. When t is no longer the
// active task for its id (expired by the sweep meanwhile) only the budget is
// charged for a successful fetch.
func (s *Scheduler) finish(t *Task, res fetchResult) {
	now := s.now()
	s.mu.Lock()
	if s.active[t.ID] != t {
		s.mu.Unlock()
		if res.err == nil {
			s.gate.RecordConsumed(transferred(t, res.body))
		}
		return
	}
	if s.closed && errors.Is(res.err, context.Canceled) {
		// Left in the active set so Close persists it as pending.
		s.mu.Unlock()
		return
	}
	delete(s.active, t.ID)
	t.CompletedAt = now
	s.stats.Total++
	var size int64
	if res.err != nil {
		t.Status = StatusFailed
		t.Error = res.err.Error()
		s.stats.Failed++
	} else {
		t.Status = StatusCompleted
		size = transferred(t, res.body)
		t.EstimatedSize = size
		s.stats.Successful++
		s.stats.BytesPreloaded += size
		s.stats.TotalDuration += t.Duration()
		s.recent[t.URL] = &completion{at: now}
	}
	pending, active := len(s.queue), len(s.active)
	s.mu.Unlock()

	s.metrics.TaskFinished(string(t.Status), t.Duration())
	s.metrics.QueueState(pending, active)
	if res.err != nil {
		logger.Warn("prefetch failed", logger.KeyURL, t.URL, logger.KeyError, t.Error)
	} else {
		s.gate.RecordConsumed(size)
		logger.Debug("prefetch completed", logger.KeyURL, t.URL, logger.KeyBytes, size,
			"mime", res.mime, logger.KeyDurationMs, t.Duration().Milliseconds())
	}
	s.saveStats()
	s.kick()
}

// Sweep expires pending tasks older than the expiry window and in-progress
// tasks running longer than it. It also ages out completion records.
func (s *Scheduler) Sweep() int {
	now := s.now()
	exp := s.cfg.TaskExpiry
	var expired []*Task

	s.mu.Lock()
	kept := s.queue[:0]
	for _, t := range s.queue {
		if now.Sub(t.CreatedAt) > exp {
			expired = append(expired, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
	for id, t := range s.active {
		if now.Sub(t.StartedAt) > exp {
			delete(s.active, id)
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		t.Status = StatusExpired
		t.CompletedAt = now
	}
	s.stats.Expired += len(expired)
	for u, c := range s.recent {
		if now.Sub(c.at) > exp {
			if !c.used {
				s.stats.Accuracy *= 0.9
			}
			delete(s.recent, u)
		}
	}
	pending, active := len(s.queue), len(s.active)
	s.mu.Unlock()

	for range expired {
		s.metrics.TaskFinished(string(StatusExpired), 0)
	}
	s.metrics.QueueState(pending, active)
	if len(expired) > 0 {
		logger.Info("prefetch tasks expired", logger.KeyCount, len(expired))
		s.kick()
	}
	return len(expired)
}

// MarkUseful feeds back whether a prefetched URL was used. Only URLs with a
// recent completion affect the accuracy estimate, once each.
func (s *Scheduler) MarkUseful(url string, useful bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.recent[url]
	if !ok || c.used {
		return
	}
	c.used = true
	if useful {
		s.stats.Accuracy = (s.stats.Accuracy + 1) / 2
	} else {
		s.stats.Accuracy *= 0.9
	}
}

// IsPreloaded reports whether url completed recently.
func (s *Scheduler) IsPreloaded(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.recent[url]
	return ok
}

// Pending returns copies of the queued tasks in dispatch order.
func (s *Scheduler) Pending() []Task {
	s.mu.Lock()
	out := make([]*Task, len(s.queue))
	copy(out, s.queue)
	s.mu.Unlock()
	sortTasks(out)
	res := make([]Task, len(out))
	for i, t := range out {
		res[i] = *t
	}
	return res
}

// Lookup returns a copy of the queued or running task for url.
func (s *Scheduler) Lookup(url string) (Task, bool) {
	id := TaskID(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.active[id]; t != nil {
		return *t, true
	}
	if i := s.indexLocked(id); i >= 0 {
		return *s.queue[i], true
	}
	return Task{}, false
}

// Pause stops dispatching. Admission continues.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	s.saveQueue()
	logger.Info("prefetch paused")
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	logger.Info("prefetch resumed")
	s.kick()
}

// Close stops the loop and workers, cancels in-flight fetches and persists
// state. Tasks that were running are saved as pending.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
		s.cancel()
		s.wg.Wait()
		s.saveQueue()
		s.saveStats()
		logger.Info("prefetch scheduler stopped")
	})
}
