package analytics

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/procyon/internal/observability"
)

const (
	defaultQueueSize = 256
	defaultWorkers   = 2
)

// Worker consumes step IDs off a bounded queue and refreshes their analytics
// on a small goroutine pool. The queue is the hard boundary between the
// engine's critical path and analytics: Enqueue never blocks, and refresh
// failures are logged and counted but never propagate.
type Worker struct {
	agg     *Aggregator
	queue   chan string
	workers int
	logger  *zap.Logger
	metrics *observability.Metrics

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueueSize overrides the queue capacity.
func WithQueueSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.queue = make(chan string, n)
		}
	}
}

// WithWorkers overrides the number of consumer goroutines.
func WithWorkers(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

// WithWorkerMetrics attaches metric instruments to the worker.
func WithWorkerMetrics(m *observability.Metrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// NewWorker creates a new analytics worker.
func NewWorker(agg *Aggregator, logger *zap.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		agg:     agg,
		queue:   make(chan string, defaultQueueSize),
		workers: defaultWorkers,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the consumer goroutines. They stop when ctx is cancelled or
// the worker is stopped.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx)
	}
}

// Enqueue submits a step for an analytics refresh. Returns false when the
// queue is full or the worker is stopped; the step is dropped, costing only
// freshness until its next completion.
func (w *Worker) Enqueue(stepID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	select {
	case w.queue <- stepID:
		return true
	default:
		if w.metrics != nil {
			w.metrics.RecordAnalyticsDrop()
		}
		return false
	}
}

// Stop closes the queue, drains outstanding refreshes, and waits for the
// consumers to exit.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case stepID, ok := <-w.queue:
			if !ok {
				return
			}
			w.refresh(ctx, stepID)
		}
	}
}

func (w *Worker) refresh(ctx context.Context, stepID string) {
	err := w.agg.RefreshStepAnalytics(ctx, stepID)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordAnalyticsRefresh("error")
		}
		w.logger.Error("step analytics refresh failed",
			zap.String("step_id", stepID),
			zap.Error(err),
		)
		return
	}
	if w.metrics != nil {
		w.metrics.RecordAnalyticsRefresh("ok")
	}
}
