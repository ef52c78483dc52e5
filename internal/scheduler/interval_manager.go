// Package scheduler implements base spec §4.7's cooperative background
// loops: a usage poller, an auto-refresh sweep, and a retention sweep, all
// registered on a shared interval manager.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Callback is one interval job. It receives a context canceled at shutdown.
type Callback func(ctx context.Context)

type job struct {
	id            string
	interval      time.Duration
	immediate     bool
	maxConcurrent int
	fn            Callback

	sem    chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Handle lets a caller unregister a job it previously registered.
type Handle struct {
	id      string
	manager *IntervalManager
}

func (h Handle) Unregister() { h.manager.unregister(h.id) }

// IntervalManager runs named periodic callbacks on independent tickers,
// grounded on the donor health monitor's ticker-goroutine-per-concern shape
// (internal/health/monitor.go's backgroundCheck/backgroundRefresh pair),
// generalized so any component can register its own loop instead of the
// monitor hardcoding exactly two.
type IntervalManager struct {
	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup
}

func NewIntervalManager() *IntervalManager {
	return &IntervalManager{jobs: make(map[string]*job)}
}

// Register starts a new periodic callback. Double-registration under the
// same id replaces the previous job (base §4.7). maxConcurrent <= 0 means 1
// (no overlapping invocations of the same job).
func (m *IntervalManager) Register(id string, fn Callback, interval time.Duration, immediate bool, maxConcurrent int) Handle {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	m.mu.Lock()
	if existing, ok := m.jobs[id]; ok {
		existing.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	j := &job{
		id:            id,
		interval:      interval,
		immediate:     immediate,
		maxConcurrent: maxConcurrent,
		fn:            fn,
		sem:           make(chan struct{}, maxConcurrent),
		cancel:        cancel,
		done:          make(chan struct{}),
	}
	m.jobs[id] = j
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx, j)

	return Handle{id: id, manager: m}
}

func (m *IntervalManager) run(ctx context.Context, j *job) {
	defer m.wg.Done()
	defer close(j.done)

	if j.immediate {
		m.invoke(ctx, j)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.invoke(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (m *IntervalManager) invoke(ctx context.Context, j *job) {
	select {
	case j.sem <- struct{}{}:
	default:
		log.Warn().Str("job_id", j.id).Msg("scheduler: skipping tick, previous invocation still running at max concurrency")
		return
	}
	go func() {
		defer func() { <-j.sem }()
		j.fn(ctx)
	}()
}

func (m *IntervalManager) unregister(id string) {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if ok {
		delete(m.jobs, id)
	}
	m.mu.Unlock()
	if ok {
		j.cancel()
	}
}

// Shutdown stops every registered job's ticker loop. It does not await
// in-flight callback invocations (base §4.7: "shutdown stops all without
// awaiting pending callbacks").
func (m *IntervalManager) Shutdown() {
	m.mu.Lock()
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.jobs = make(map[string]*job)
	m.mu.Unlock()

	for _, j := range jobs {
		j.cancel()
	}
	m.wg.Wait()
}
