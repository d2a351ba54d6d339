// Package worker owns the event queue, rename correlation, and CSV
// formatting stage between the listener (C2) and the log sink (C4). It is
// grounded on event_logger.c's worker_thread_func and its handle_rename_event
// pairing logic, with the unbounded GHashTable of pending renames replaced by
// a bounded LRU so a flood of unmatched rename-from events can't grow the
// daemon's memory without bound (see DESIGN.md).
package worker

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/linuxdeepin/anything-logger/internal/fsevent"
	"go.uber.org/zap"
)

// maxPendingRenames bounds the rename-from pending set. A from-half that
// never sees its to-half (process killed mid-rename, event dropped by the
// kernel) ages out via LRU eviction rather than living forever.
const maxPendingRenames = 4096

// Sink is the append-only destination for formatted CSV lines, satisfied by
// internal/sink.Sink.
type Sink interface {
	WriteLine(line string) error
}

// PolicyFilter is an optional supplementary gate applied after the mandatory
// action mask (already applied by the listener); nil means "accept
// everything that reached the queue". Satisfied by internal/policy.Engine.
type PolicyFilter interface {
	Allow(fsevent.FileEvent) bool
}

// Worker dequeues FileEvents in order, correlates rename pairs, formats CSV
// lines, and calls Sink.WriteLine. It owns a dedicated goroutine; use
// New followed by Run in a goroutine, and Stop to shut down.
type Worker struct {
	queue   chan fsevent.FileEvent
	pending *lru.Cache
	sink    Sink
	policy  PolicyFilter
	log     *zap.Logger
	done    chan struct{}

	// removingPending is set around the explicit pending.Remove call in
	// handleRename, which fires the same eviction callback an over-capacity
	// Add does; without the guard, every successfully paired rename would
	// also log as an eviction. Safe unguarded: the worker's queue is
	// drained by a single goroutine.
	removingPending bool
}

// New returns a Worker with a bounded queue of the given capacity and a
// pending-rename cache bounded at maxPendingRenames. policy may be nil.
func New(queueSize int, sink Sink, policy PolicyFilter, log *zap.Logger) (*Worker, error) {
	return newWithPendingCapacity(queueSize, maxPendingRenames, sink, policy, log)
}

// newWithPendingCapacity is New with the pending-rename cache's capacity
// exposed, so tests can force eviction without queuing thousands of events.
func newWithPendingCapacity(queueSize, pendingCapacity int, sink Sink, policy PolicyFilter, log *zap.Logger) (*Worker, error) {
	w := &Worker{
		queue:  make(chan fsevent.FileEvent, queueSize),
		sink:   sink,
		policy: policy,
		log:    log,
		done:   make(chan struct{}),
	}

	pending, err := lru.NewWithEvict(pendingCapacity, func(key, value interface{}) {
		if w.removingPending {
			return
		}
		ev := value.(fsevent.FileEvent)
		w.log.Warn("worker: evicting unpaired rename-from event under sustained load",
			zap.Uint32("cookie", key.(uint32)), zap.String("path", ev.EventPath))
	})
	if err != nil {
		return nil, fmt.Errorf("worker: new pending cache: %w", err)
	}
	w.pending = pending

	return w, nil
}

// Push enqueues an event for processing. It never blocks the caller: if the
// queue is full, the event is dropped and logged, matching the "push never
// blocks the producer" requirement.
func (w *Worker) Push(ev fsevent.FileEvent) {
	select {
	case w.queue <- ev:
	default:
		w.log.Warn("worker: queue full, dropping event",
			zap.String("action", ev.Action.Name()), zap.String("path", ev.EventPath))
	}
}

// Stop pushes the terminate sentinel, unblocking Run once it has drained
// everything queued ahead of the sentinel.
func (w *Worker) Stop() {
	w.queue <- fsevent.FileEvent{Action: fsevent.ActTerminate}
}

// Run drains the queue until the terminate sentinel is received, then
// returns. Any rename-from entries still pending at that point are dropped
// without emission, per spec.
func (w *Worker) Run() {
	defer close(w.done)
	for ev := range w.queue {
		if ev.Action == fsevent.ActTerminate {
			if n := w.pending.Len(); n > 0 {
				w.log.Info("worker: dropping unpaired rename events at shutdown", zap.Int("count", n))
			}
			return
		}
		w.process(ev)
	}
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) process(ev fsevent.FileEvent) {
	if w.policy != nil && !w.policy.Allow(ev) {
		return
	}

	if !ev.Action.IsRename() {
		w.emit(formatSingle(ev))
		return
	}
	w.handleRename(ev)
}

func (w *Worker) handleRename(ev fsevent.FileEvent) {
	prevVal, ok := w.pending.Get(ev.Cookie)
	w.removingPending = true
	w.pending.Remove(ev.Cookie)
	w.removingPending = false

	if !ok {
		if ev.Action.IsRenameFrom() {
			w.pending.Add(ev.Cookie, ev)
		}
		// orphan "to" half with no matching "from": dropped.
		return
	}

	prev := prevVal.(fsevent.FileEvent)
	if prev.Action.IsRenameFrom() && ev.Action.IsRenameTo() {
		w.emit(formatRename(prev, ev))
		return
	}
	// mismatched pair kinds (e.g. two "from" halves sharing a cookie): drop both.
}

func (w *Worker) emit(line string) {
	if err := w.sink.WriteLine(line); err != nil {
		w.log.Error("worker: sink write failed", zap.Error(err))
	}
}

func timestamp() string {
	now := time.Now()
	return now.Format("2006-01-02 15:04:05") + fmt.Sprintf(".%03d", now.Nanosecond()/1e6)
}

// escapeCSV applies RFC 4180 escaping: fields containing a comma, quote, or
// line break are quoted, with internal quotes doubled.
func escapeCSV(field string) string {
	if !strings.ContainsAny(field, ",\"\n\r") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

func formatSingle(ev fsevent.FileEvent) string {
	return fmt.Sprintf("%s,%s,%d,%d,%s,%s\n",
		timestamp(), escapeCSV(ev.ProcessPath), ev.UID, ev.PID, ev.Action.Name(), escapeCSV(ev.EventPath))
}

func formatRename(from, to fsevent.FileEvent) string {
	return fmt.Sprintf("%s,%s,%d,%d,%s,%s,%s\n",
		timestamp(), escapeCSV(from.ProcessPath), from.UID, from.PID, to.Action.Name(),
		escapeCSV(from.EventPath), escapeCSV(to.EventPath))
}
