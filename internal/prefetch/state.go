package prefetch

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"prefetchd/internal/kv"
	"prefetchd/internal/logger"
	"prefetchd/internal/monitor"
)

const (
	statsKey = "preload_stats"
	queueKey = "preload_queue"
)

// Stats are cumulative counters over the scheduler's lifetime, persisted
// across restarts.
type Stats struct {
	Total          int // completed + failed
	Successful     int
	Failed         int
	Cancelled      int
	Expired        int
	BytesPreloaded int64
	TotalDuration  time.Duration // of successful tasks
	Accuracy       float64
}

func (st Stats) SuccessRate() float64 {
	if st.Total == 0 {
		return 0
	}
	return float64(st.Successful) / float64(st.Total)
}

func (st Stats) AverageDuration() time.Duration {
	if st.Successful == 0 {
		return 0
	}
	return st.TotalDuration / time.Duration(st.Successful)
}

type persistedStats struct {
	Stats  Stats
	Budget monitor.BudgetState
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) saveStats() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	ps := persistedStats{Stats: s.stats}
	s.mu.Unlock()
	ps.Budget = s.gate.Budget()
	if err := kv.PutGob(s.store, statsKey, ps); err != nil {
		logger.Warn("save prefetch stats failed", logger.KeyError, err)
	}
}

// saveQueue persists pending and running tasks. Running tasks are written as
// pending so they are retried after a restart.
func (s *Scheduler) saveQueue() {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	tasks := make([]Task, 0, len(s.queue)+len(s.active))
	for _, t := range s.queue {
		tasks = append(tasks, *t)
	}
	for _, t := range s.active {
		tasks = append(tasks, *t)
	}
	s.mu.Unlock()
	if err := kv.PutGob(s.store, queueKey, tasks); err != nil {
		logger.Warn("save prefetch queue failed", logger.KeyError, err)
	}
}

func (s *Scheduler) load() {
	if s.store == nil {
		return
	}
	var ps persistedStats
	switch err := kv.GetGob(s.store, statsKey, &ps); {
	case err == nil:
		s.stats = ps.Stats
		s.gate.RestoreBudget(ps.Budget)
	case !errors.Is(err, kv.ErrNotFound):
		logger.Warn("discarding unreadable prefetch stats", logger.KeyError, err)
		_ = s.store.Delete(statsKey)
	}

	var tasks []Task
	switch err := kv.GetGob(s.store, queueKey, &tasks); {
	case errors.Is(err, kv.ErrNotFound):
		return
	case err != nil:
		logger.Warn("discarding unreadable prefetch queue", logger.KeyError, err)
		_ = s.store.Delete(queueKey)
		return
	}

	now := s.now()
	seen := map[string]bool{}
	for i := range tasks {
		t := tasks[i]
		if seen[t.ID] || now.Sub(t.CreatedAt) > s.cfg.TaskExpiry {
			continue
		}
		switch t.Status {
		case StatusInProgress:
			t.Status = StatusPending
			t.StartedAt = time.Time{}
			t.EstimatedSize = 0
		case StatusPending:
		default:
			continue
		}
		seen[t.ID] = true
		s.queue = append(s.queue, &t)
	}
	if len(s.queue) > s.cfg.QueueSize {
		// Keep the best-ranked tasks.
		ranked := s.queue
		sortTasks(ranked)
		s.queue = ranked[:s.cfg.QueueSize]
	}
	if len(s.queue) > 0 {
		logger.Info("prefetch queue restored", logger.KeyCount, len(s.queue))
	}
}

// Report is a point-in-time summary for operators.
type Report struct {
	Stats
	Queued  int
	Active  int
	Allowed bool
	Budget  monitor.BudgetState
}

func (s *Scheduler) Report() Report {
	s.mu.Lock()
	r := Report{Stats: s.stats, Queued: len(s.queue), Active: len(s.active)}
	s.mu.Unlock()
	r.Allowed = s.gate.PrefetchAllowed()
	r.Budget = s.gate.Budget()
	return r
}

func (r Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "tasks:           %d\n", r.Total)
	fmt.Fprintf(&b, "success rate:    %.1f%%\n", r.SuccessRate()*100)
	fmt.Fprintf(&b, "accuracy:        %.1f%%\n", r.Accuracy*100)
	fmt.Fprintf(&b, "avg duration:    %dms\n", r.AverageDuration().Milliseconds())
	fmt.Fprintf(&b, "preloaded:       %s\n", humanize.IBytes(uint64(r.BytesPreloaded)))
	fmt.Fprintf(&b, "today:           %s / %s\n", humanize.IBytes(uint64(r.Budget.Consumed)), humanize.IBytes(uint64(r.Budget.Cap)))
	fmt.Fprintf(&b, "queued / active: %d / %d\n", r.Queued, r.Active)
	fmt.Fprintf(&b, "cancelled:       %d\n", r.Cancelled)
	fmt.Fprintf(&b, "expired:         %d\n", r.Expired)
	state := "allowed"
	if !r.Allowed {
		state = "restricted"
	}
	fmt.Fprintf(&b, "prefetch:        %s\n", state)
	return b.String()
}
