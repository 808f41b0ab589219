package dataworker

import (
	"context"

	"example.com/btengine/lib/core/service/pieces"
	"example.com/btengine/lib/logger"

	"golang.org/x/sync/semaphore"
)

var l_dataworker = logger.Named("dataworker")

// BlockRead is the outcome of one storage read: data on success, the
// Rejected flag when the worker was saturated, or the I/O error.
type BlockRead struct {
	PieceNo int
	Offset  int
	Length  int

	Data     []byte
	Rejected bool
	Err      error
}

// Worker is a bounded pool for storage I/O. Requests return a future
// channel; the caller never blocks on storage from a connection worker.
type Worker struct {
	store *pieces.Store
	sem   *semaphore.Weighted
}

func New(store *pieces.Store, parallelism int64) *Worker {
	return &Worker{
		store: store,
		sem:   semaphore.NewWeighted(parallelism),
	}
}

// AddBlockRequest schedules a read. The returned channel resolves with
// exactly one BlockRead; saturation resolves immediately as rejected.
func (w *Worker) AddBlockRequest(pieceNo, offset, length int) <-chan BlockRead {
	out := make(chan BlockRead, 1)
	if !w.sem.TryAcquire(1) {
		l_dataworker.Sugar().Warnw("read rejected, worker saturated", "piece", pieceNo, "offset", offset)
		out <- BlockRead{PieceNo: pieceNo, Offset: offset, Length: length, Rejected: true}
		return out
	}
	go func() {
		defer w.sem.Release(1)
		data, err := w.store.ReadBlock(pieceNo, offset, length)
		out <- BlockRead{PieceNo: pieceNo, Offset: offset, Length: length, Data: data, Err: err}
	}()
	return out
}

// Drain waits for in-flight reads; used on torrent stop so results can
// be discarded in an orderly way.
func (w *Worker) Drain(ctx context.Context, parallelism int64) error {
	if err := w.sem.Acquire(ctx, parallelism); err != nil {
		return err
	}
	w.sem.Release(parallelism)
	return nil
}
