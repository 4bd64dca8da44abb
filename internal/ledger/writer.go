package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize     = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = time.Second
)

const (
	QueuePressureOK        = "ok"
	QueuePressureElevated  = "elevated"
	QueuePressureHigh      = "high"
	QueuePressureSaturated = "saturated"
)

// Diagnostics is a point-in-time view of the writer queue and its drops.
type Diagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	WrittenTotal            int64            `json:"written_total"`
	WriteDroppedTotal       int64            `json:"write_dropped_total"`
	LastWriteDropAt         *time.Time       `json:"last_write_drop_at,omitempty"`
	LastWriteDropOperation  string           `json:"last_write_drop_operation,omitempty"`
	WriteFailuresByClass    map[string]int64 `json:"write_failures_by_class,omitempty"`
}

// WriteFailure describes records that could not be persisted.
type WriteFailure struct {
	Operation   string
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

type WriteFailureHandler func(WriteFailure)

// WriterMetrics holds optional callbacks invoked by the writer.
type WriterMetrics struct {
	// OnDrop is called when a record is rejected because the queue is full.
	OnDrop func(record *Record)
	// OnFlush is called after each batch reaches the store.
	OnFlush func(batchSize int, duration time.Duration)
}

type WriterOptions struct {
	QueueSize int
	BatchSize int
	// FlushInterval bounds how long a partial batch waits for more records.
	FlushInterval time.Duration
}

// queueItem carries either a record or a flush marker.
type queueItem struct {
	record  *Record
	flushed chan struct{}
}

// Writer persists records asynchronously in batches. Enqueue never blocks;
// records that do not fit in the queue are dropped and counted.
type Writer struct {
	store         Store
	queue         chan queueItem
	batchSize     int
	flushInterval time.Duration
	wg            sync.WaitGroup

	started      atomic.Bool
	stopped      atomic.Bool
	stopOnce     sync.Once
	doneOnce     sync.Once
	done         chan struct{}
	queueMu      sync.RWMutex
	lifecycleMu  sync.Mutex
	workerCancel context.CancelFunc

	writeFailureHandler atomic.Value // WriteFailureHandler
	metrics             atomic.Pointer[WriterMetrics]

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	writtenTotal            atomic.Int64
	writeDroppedTotal       atomic.Int64
	lastWriteDropUnixNano   atomic.Int64

	failureMu              sync.Mutex
	lastWriteDropOperation string
	failuresByClass        map[string]int64
}

func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	w := &Writer{
		store:           store,
		queue:           make(chan queueItem, opts.QueueSize),
		batchSize:       opts.BatchSize,
		flushInterval:   opts.FlushInterval,
		done:            make(chan struct{}),
		failuresByClass: make(map[string]int64),
	}
	w.writeFailureHandler.Store(WriteFailureHandler(func(WriteFailure) {}))
	w.metrics.Store(&WriterMetrics{})
	return w
}

func (w *Writer) SetWriteFailureHandler(handler WriteFailureHandler) {
	if w == nil {
		return
	}
	if handler == nil {
		handler = func(WriteFailure) {}
	}
	w.writeFailureHandler.Store(handler)
}

func (w *Writer) SetMetrics(m *WriterMetrics) {
	if w == nil {
		return
	}
	if m == nil {
		m = &WriterMetrics{}
	}
	w.metrics.Store(m)
}

func (w *Writer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	w.lifecycleMu.Lock()
	w.workerCancel = cancel
	w.lifecycleMu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case item, ok := <-w.queue:
				if !ok {
					return
				}
				batch, waiters, closed := w.collect(workerCtx, item)
				flushCtx := workerCtx
				if closed {
					// The worker is going away; write what was drained anyway.
					flushCtx = context.Background()
				}
				w.flushBatch(flushCtx, batch)
				for _, ch := range waiters {
					close(ch)
				}
				if closed {
					return
				}
			}
		}
	}()
}

// collect gathers records after first until the batch is full, a flush
// marker arrives or the flush interval elapses.
func (w *Writer) collect(ctx context.Context, first queueItem) (batch []*Record, waiters []chan struct{}, closed bool) {
	batch = make([]*Record, 0, w.batchSize)
	add := func(item queueItem) bool {
		if item.flushed != nil {
			waiters = append(waiters, item.flushed)
			return true
		}
		if item.record != nil {
			batch = append(batch, item.record)
		}
		return false
	}
	if add(first) {
		return batch, waiters, false
	}

	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()
	for len(batch) < w.batchSize {
		select {
		case <-ctx.Done():
			return batch, waiters, true
		case <-timer.C:
			return batch, waiters, false
		case item, ok := <-w.queue:
			if !ok {
				return batch, waiters, true
			}
			if add(item) {
				return batch, waiters, false
			}
		}
	}
	return batch, waiters, false
}

// Enqueue reports whether record was accepted.
func (w *Writer) Enqueue(record *Record) bool {
	if w == nil || record == nil || w.stopped.Load() {
		return false
	}
	w.queueMu.RLock()
	defer w.queueMu.RUnlock()
	if w.stopped.Load() {
		return false
	}

	select {
	case w.queue <- queueItem{record: record}:
		w.enqueueAcceptedTotal.Add(1)
		w.observeQueueDepth(len(w.queue))
		return true
	default:
		w.enqueueDroppedTotal.Add(1)
		w.observeQueueDepth(cap(w.queue))
		if m := w.metrics.Load(); m != nil && m.OnDrop != nil {
			m.OnDrop(record)
		}
		return false
	}
}

// Flush waits until every record enqueued before the call has been handed
// to the store.
func (w *Writer) Flush(ctx context.Context) error {
	if w == nil || !w.started.Load() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	flushed := make(chan struct{})
	w.queueMu.RLock()
	if w.stopped.Load() {
		w.queueMu.RUnlock()
		return nil
	}
	select {
	case w.queue <- queueItem{flushed: flushed}:
		w.queueMu.RUnlock()
	case <-ctx.Done():
		w.queueMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting records and waits for the queue to drain.
func (w *Writer) Shutdown(ctx context.Context) error {
	if w == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.stopOnce.Do(func() {
		w.stopped.Store(true)
		w.queueMu.Lock()
		close(w.queue)
		w.queueMu.Unlock()
		if !w.started.Load() {
			w.markDone()
		}
	})

	select {
	case <-w.done:
		w.wg.Wait()
		w.cancelWorker()
		return nil
	case <-ctx.Done():
		w.cancelWorker()
		return ctx.Err()
	}
}

func (w *Writer) cancelWorker() {
	w.lifecycleMu.Lock()
	cancel := w.workerCancel
	w.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Writer) markDone() {
	w.doneOnce.Do(func() {
		close(w.done)
	})
}

func (w *Writer) flushBatch(ctx context.Context, batch []*Record) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := w.metrics.Load(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if len(batch) == 1 {
		if err := w.store.WriteRecord(ctx, batch[0]); err != nil {
			w.reportWriteFailure(WriteFailure{Operation: "write_record", BatchSize: 1, FailedCount: 1, Err: err})
			return
		}
		w.writtenTotal.Add(1)
		return
	}

	if err := w.store.WriteBatch(ctx, batch); err != nil {
		// Retry one by one so a single bad record does not drop the batch.
		failed := 0
		var fallbackErr error
		for _, record := range batch {
			if recordErr := w.store.WriteRecord(ctx, record); recordErr != nil {
				failed++
				if fallbackErr == nil {
					fallbackErr = recordErr
				}
			}
		}
		w.writtenTotal.Add(int64(len(batch) - failed))
		if failed > 0 {
			w.reportWriteFailure(WriteFailure{
				Operation:   "write_batch_fallback",
				BatchSize:   len(batch),
				FailedCount: failed,
				Err:         errors.Join(err, fallbackErr),
			})
		}
		return
	}
	w.writtenTotal.Add(int64(len(batch)))
}

func (w *Writer) reportWriteFailure(failure WriteFailure) {
	if failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	w.writeDroppedTotal.Add(int64(failure.FailedCount))
	w.lastWriteDropUnixNano.Store(time.Now().UTC().UnixNano())

	w.failureMu.Lock()
	w.lastWriteDropOperation = failure.Operation
	w.failuresByClass[failure.ErrorClass] += int64(failure.FailedCount)
	w.failureMu.Unlock()

	if handler, ok := w.writeFailureHandler.Load().(WriteFailureHandler); ok && handler != nil {
		handler(failure)
	}
}

func (w *Writer) Diagnostics() Diagnostics {
	if w == nil {
		return Diagnostics{}
	}
	capacity := cap(w.queue)
	depth := len(w.queue)
	watermark := int(w.queueDepthHighWatermark.Load())
	if depth > watermark {
		watermark = depth
	}

	snapshot := Diagnostics{
		QueueCapacity:           capacity,
		QueueDepth:              depth,
		QueueDepthHighWatermark: watermark,
		QueuePressureState:      queuePressureState(queueUtilizationPct(depth, capacity)),
		EnqueueAcceptedTotal:    w.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     w.enqueueDroppedTotal.Load(),
		WrittenTotal:            w.writtenTotal.Load(),
		WriteDroppedTotal:       w.writeDroppedTotal.Load(),
	}
	if ts := w.lastWriteDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastWriteDropAt = &last
	}

	w.failureMu.Lock()
	snapshot.LastWriteDropOperation = w.lastWriteDropOperation
	if len(w.failuresByClass) > 0 {
		snapshot.WriteFailuresByClass = make(map[string]int64, len(w.failuresByClass))
		for class, count := range w.failuresByClass {
			snapshot.WriteFailuresByClass[class] = count
		}
	}
	w.failureMu.Unlock()
	return snapshot
}

func (w *Writer) observeQueueDepth(depth int) {
	value := int64(depth)
	for {
		current := w.queueDepthHighWatermark.Load()
		if value <= current || w.queueDepthHighWatermark.CompareAndSwap(current, value) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return QueuePressureSaturated
	case utilizationPct >= 80:
		return QueuePressureHigh
	case utilizationPct >= 50:
		return QueuePressureElevated
	default:
		return QueuePressureOK
	}
}
