package store

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// WriteJob is a unit of deferred persistence work submitted by a hot-path
// component (the Dispatcher/Stream Pipeline recording a RequestRecord, a
// scheduler touching account counters, …). The async writer runs jobs off the
// request path, in enqueue order, on a single goroutine.
type WriteJob func(*Store) error

// asyncWriter is the single asynchronous worker described in base spec §4.1:
// a bounded FIFO of write jobs drained by one goroutine, so all Store writes
// for a given RequestRecord are ordered by enqueue point. Overflow drops the
// oldest pending job and counts the drop, logged — the donor codebase has no
// equivalent queue (it writes synchronously inline in handlers), so this is
// new code built in the donor's goroutine+channel idiom
// (internal/concurrency/manager.go).
type asyncWriter struct {
	store *Store

	mu      sync.Mutex
	queue   []WriteJob
	cap     int
	dropped int64

	notify chan struct{}
	done   chan struct{}
	stopped chan struct{}
}

func newAsyncWriter(store *Store, capacity int) *asyncWriter {
	return &asyncWriter{
		store:  store,
		cap:    capacity,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (w *asyncWriter) Start() {
	go w.run()
}

// Enqueue never blocks the caller. When the queue is at capacity the oldest
// job is dropped (documented choice: recent telemetry is more useful than
// stale telemetry for an operator watching live traffic) and the drop is
// counted via DroppedCount.
func (w *asyncWriter) Enqueue(job WriteJob) {
	w.mu.Lock()
	if len(w.queue) >= w.cap {
		w.queue = w.queue[1:]
		w.dropped++
		log.Warn().Int64("total_dropped", w.dropped).Msg("store write queue at capacity, dropped oldest job")
	}
	w.queue = append(w.queue, job)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *asyncWriter) DroppedCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *asyncWriter) run() {
	defer close(w.stopped)
	for {
		w.drainOnce()
		select {
		case <-w.notify:
		case <-w.done:
			w.drainOnce()
			return
		}
	}
}

func (w *asyncWriter) drainOnce() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		job := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if err := job(w.store); err != nil {
			log.Error().Err(err).Msg("store async write failed")
		}
	}
}

// Stop signals the writer to drain remaining jobs and exit, waiting up to
// timeout for the drain to finish. On graceful shutdown the queue is drained
// before the database handle closes; retries beyond that are best-effort.
func (w *asyncWriter) Stop(timeout time.Duration) {
	close(w.done)
	select {
	case <-w.stopped:
	case <-time.After(timeout):
		log.Warn().Msg("store async writer drain timed out during shutdown")
	}
}
