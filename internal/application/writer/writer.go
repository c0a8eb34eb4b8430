// Package writer is the single path for ledger mutations. Every write is
// audited per attempt, retried with exponential backoff when the failure is
// transient, and escalated when it is rejected or retries run out. Nothing
// else in the engine calls ports.LedgerWriter directly.
package writer

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/SecondOrder-fun/probsync/internal/domain"
	"github.com/SecondOrder-fun/probsync/internal/metrics"
	"github.com/SecondOrder-fun/probsync/internal/ports"
)

// Config carries the retry and queue knobs.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Cooldown    time.Duration // per-target escalation dedup window
	Workers     int
	QueueSize   int // bounds tasks queued plus in flight
}

type task struct {
	req     domain.WriteRequest
	attempt int // 1-based, the attempt about to run
	nextAt  time.Time
	done    func(domain.Outcome)
}

// Writer schedules write tasks on a min-heap keyed by next attempt time.
// One scheduler goroutine dispatches due tasks to a bounded worker pool, so
// a task backing off never blocks another task's submission.
type Writer struct {
	cfg      Config
	ledger   ports.LedgerWriter
	store    ports.Store
	notifier ports.Notifier

	mu      sync.Mutex
	heap    taskHeap
	count   int // tasks in heap or in flight
	stopped bool

	wake   chan struct{}
	workCh chan *task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	escMu   sync.Mutex
	lastEsc map[string]time.Time
}

func New(cfg Config, ledger ports.LedgerWriter, store ports.Store, notifier ports.Notifier) *Writer {
	return &Writer{
		cfg:      cfg,
		ledger:   ledger,
		store:    store,
		notifier: notifier,
		wake:     make(chan struct{}, 1),
		workCh:   make(chan *task),
		lastEsc:  make(map[string]time.Time),
	}
}

func (w *Writer) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.runScheduler()

	for i := 0; i < w.cfg.Workers; i++ {
		w.wg.Add(1)
		go w.runWorker()
	}

	slog.Info("writer: started",
		"workers", w.cfg.Workers,
		"max_attempts", w.cfg.MaxAttempts,
		"backoff_base", w.cfg.BackoffBase,
		"backoff_cap", w.cfg.BackoffCap)
}

// Stop rejects new tasks, cancels in-flight attempts, and waits for every
// goroutine to exit. Records already appended stay pending or terminal,
// never half-written.
func (w *Writer) Stop() {
	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	slog.Info("writer: stopped")
}

// Enqueue adds a write task. done, when non-nil, runs on a writer goroutine
// once the task reaches a terminal outcome; it must hand off and return.
// Returns false when the writer is stopped or the queue is full.
func (w *Writer) Enqueue(req domain.WriteRequest, done func(domain.Outcome)) bool {
	w.mu.Lock()
	if w.stopped || w.count >= w.cfg.QueueSize {
		w.mu.Unlock()
		return false
	}
	w.count++
	depth := w.count
	heap.Push(&w.heap, &task{req: req, attempt: 1, nextAt: time.Now(), done: done})
	w.mu.Unlock()

	metrics.WriteQueueDepth.Set(float64(depth))
	w.poke()
	return true
}

// WriteAndWait enqueues and blocks until the task finishes or ctx expires.
func (w *Writer) WriteAndWait(ctx context.Context, req domain.WriteRequest) domain.Outcome {
	ch := make(chan domain.Outcome, 1)
	ok := w.Enqueue(req, func(o domain.Outcome) { ch <- o })
	if !ok {
		return domain.Outcome{
			Status: domain.WriteStatusFailed,
			Err:    fmt.Errorf("writer: queue full or stopped"),
		}
	}

	select {
	case o := <-ch:
		return o
	case <-ctx.Done():
		return domain.Outcome{Status: domain.WriteStatusFailed, Err: ctx.Err()}
	}
}

// poke nudges the scheduler without blocking; a full wake channel means a
// recompute is already owed.
func (w *Writer) poke() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// runScheduler owns the heap and the single timer. It dispatches every due
// task, then sleeps until the next deadline or the next poke.
func (w *Writer) runScheduler() {
	defer w.wg.Done()

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		w.mu.Lock()
		var due *task
		wait := time.Hour // idle: nothing queued
		if len(w.heap) > 0 {
			now := time.Now()
			if w.heap[0].nextAt.After(now) {
				wait = w.heap[0].nextAt.Sub(now)
			} else {
				due = heap.Pop(&w.heap).(*task)
			}
		}
		w.mu.Unlock()

		if due != nil {
			select {
			case w.workCh <- due:
			case <-w.ctx.Done():
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-w.ctx.Done():
			return
		case <-w.wake:
		case <-timer.C:
		}
	}
}

func (w *Writer) runWorker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case t := <-w.workCh:
			w.attempt(t)
		}
	}
}

// attempt runs one submission: append the audit row, submit, finalize the
// row, then retry, succeed, or fail the task.
func (w *Writer) attempt(t *task) {
	rec := domain.WriteRecord{
		ID:        uuid.NewString(),
		Target:    t.req.Target,
		Op:        t.req.Op,
		Attempt:   t.attempt,
		Status:    domain.WriteStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.store.AppendWriteRecord(w.ctx, rec); err != nil {
		slog.Error("writer: append record", "target", t.req.Target, "err", err)
	}

	ref, err := w.ledger.Submit(w.ctx, t.req)
	if err == nil {
		metrics.WriteAttempts.WithLabelValues(string(t.req.Op), "success").Inc()
		w.finalize(rec.ID, domain.WriteStatusSuccess, ref, "")
		slog.Info("writer: write confirmed",
			"op", t.req.Op, "target", t.req.Target, "ref", ref, "attempt", t.attempt)
		w.complete(t, domain.Outcome{
			Status:    domain.WriteStatusSuccess,
			Reference: ref,
			Attempts:  t.attempt,
		})
		return
	}

	metrics.WriteAttempts.WithLabelValues(string(t.req.Op), "failed").Inc()
	w.finalize(rec.ID, domain.WriteStatusFailed, ref, err.Error())

	if domain.IsTransient(err) && t.attempt < w.cfg.MaxAttempts {
		delay := w.backoff(t.attempt)
		slog.Warn("writer: transient failure, backing off",
			"op", t.req.Op, "target", t.req.Target,
			"attempt", t.attempt, "delay", delay, "err", err)

		t.attempt++
		t.nextAt = time.Now().Add(delay)

		w.mu.Lock()
		if !w.stopped {
			heap.Push(&w.heap, t)
			w.mu.Unlock()
			w.poke()
			return
		}
		w.mu.Unlock()
		// stopping: the retry becomes a failure
	}

	reason := "rejected"
	if domain.IsTransient(err) {
		reason = "retries exhausted"
	}
	slog.Error("writer: write failed",
		"op", t.req.Op, "target", t.req.Target,
		"attempts", t.attempt, "reason", reason, "err", err)

	if w.ctx.Err() == nil {
		w.escalate(t, err, reason)
	}
	w.complete(t, domain.Outcome{
		Status:   domain.WriteStatusFailed,
		Attempts: t.attempt,
		Err:      err,
	})
}

// finalize moves the audit row to its terminal status. A canceled run ctx
// must not lose the terminal state, so this uses its own deadline.
func (w *Writer) finalize(id string, status domain.WriteStatus, ref, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.store.FinalizeWriteRecord(ctx, id, status, ref, detail); err != nil {
		slog.Error("writer: finalize record", "id", id, "err", err)
	}
}

// backoff returns min(base·2^(failed−1), cap) without shift overflow.
func (w *Writer) backoff(failed int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= w.cfg.BackoffCap {
			return w.cfg.BackoffCap
		}
	}
	if d > w.cfg.BackoffCap {
		return w.cfg.BackoffCap
	}
	return d
}

func (w *Writer) complete(t *task, o domain.Outcome) {
	w.mu.Lock()
	w.count--
	depth := w.count
	w.mu.Unlock()

	metrics.WriteQueueDepth.Set(float64(depth))
	metrics.WritesTotal.WithLabelValues(string(t.req.Op), string(o.Status)).Inc()

	if t.done != nil {
		t.done(o)
	}
}

// escalate notifies once per target per cooldown window. A sustained outage
// produces one burst, not one alert per attempt.
func (w *Writer) escalate(t *task, err error, reason string) {
	now := time.Now()

	w.escMu.Lock()
	if last, seen := w.lastEsc[t.req.Target]; seen && now.Sub(last) < w.cfg.Cooldown {
		w.escMu.Unlock()
		return
	}
	w.lastEsc[t.req.Target] = now
	w.escMu.Unlock()

	metrics.EscalationsTotal.WithLabelValues(string(domain.SeverityCritical)).Inc()
	w.notifier.Notify(domain.Escalation{
		Severity: domain.SeverityCritical,
		Subject:  "ledger write failed: " + reason,
		Context: map[string]string{
			"target":   t.req.Target,
			"op":       string(t.req.Op),
			"attempts": strconv.Itoa(t.attempt),
			"error":    err.Error(),
		},
		At: now,
	})
}

// taskHeap orders tasks by next attempt time.
type taskHeap []*task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].nextAt.Before(h[j].nextAt) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
