package bulk

import (
	"context"
	"fmt"
	"sync"

	"github.com/mind-engage/mindengage-results/internal/academic"
)

const (
	DefaultBatchSize = 500
	MinBatchSize     = 100
	MaxBatchSize     = 1000
)

// Sink executes one batch of student updates with unordered semantics.
type Sink interface {
	ApplyStudentUpdates(ctx context.Context, updates []academic.StudentUpdate) ([]academic.UpdateFailure, error)
}

// Result summarises one or more flushed batches.
type Result struct {
	Succeeded []string
	Failures  []academic.UpdateFailure
}

func (r Result) SucceededCount() int { return len(r.Succeeded) }
func (r Result) FailedCount() int    { return len(r.Failures) }

// Writer accumulates per-student updates and writes them in bounded batches.
type Writer struct {
	sink      Sink
	batchSize int

	mu      sync.Mutex
	pending []academic.StudentUpdate
}

// ClampBatchSize bounds n to [MinBatchSize, MaxBatchSize]; zero selects
// DefaultBatchSize.
func ClampBatchSize(n int) int {
	switch {
	case n == 0:
		return DefaultBatchSize
	case n < MinBatchSize:
		return MinBatchSize
	case n > MaxBatchSize:
		return MaxBatchSize
	}
	return n
}

func NewWriter(sink Sink, batchSize int) *Writer {
	batchSize = ClampBatchSize(batchSize)
	return &Writer{sink: sink, batchSize: batchSize, pending: make([]academic.StudentUpdate, 0, batchSize)}
}

// Add queues an update. It never blocks on I/O.
func (w *Writer) Add(u academic.StudentUpdate) {
	w.mu.Lock()
	w.pending = append(w.pending, u)
	w.mu.Unlock()
}

func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Full reports whether a batch worth of updates is queued.
func (w *Writer) Full() bool { return w.Pending() >= w.batchSize }

// Flush writes every queued update in chunks of the batch size. Per-student
// failures are reported in the result; the error is returned only when the
// sink could not be reached at all, in which case the unwritten updates are
// dropped from the queue and counted as failures too.
func (w *Writer) Flush(ctx context.Context) (Result, error) {
	w.mu.Lock()
	queued := w.pending
	w.pending = make([]academic.StudentUpdate, 0, w.batchSize)
	w.mu.Unlock()

	var res Result
	for start := 0; start < len(queued); start += w.batchSize {
		end := start + w.batchSize
		if end > len(queued) {
			end = len(queued)
		}
		chunk := queued[start:end]
		failures, err := w.sink.ApplyStudentUpdates(ctx, chunk)
		if err != nil {
			for _, u := range queued[start:] {
				res.Failures = append(res.Failures, academic.UpdateFailure{StudentID: u.StudentID, Err: err})
			}
			return res, fmt.Errorf("flush %d updates: %w", len(queued)-start, err)
		}
		failed := make(map[string]bool, len(failures))
		for _, f := range failures {
			failed[f.StudentID] = true
		}
		res.Failures = append(res.Failures, failures...)
		for _, u := range chunk {
			if !failed[u.StudentID] {
				res.Succeeded = append(res.Succeeded, u.StudentID)
			}
		}
	}
	return res, nil
}
