package searchindex

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"

	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metrics"
)

// writeOp is one buffered mutation. A nil doc means "delete this id";
// anything else means "replace this id with doc" (spec.md §4.5: delete
// then add, so re-indexing the same id within a batch simply replaces the
// map entry — there is never more than one pending op per id).
type writeOp struct {
	id  string
	doc map[string]interface{}
}

// batchWriter is the shared async batched writer both the envelope index
// and the EML index embed: a bounded channel feeding a single dedicated
// goroutine that flushes on size, on a wall-clock interval, or on
// shutdown, whichever comes first.
type batchWriter struct {
	name          string
	idx           bleve.Index
	batchSize     int
	flushInterval time.Duration
	log           *logging.Logger

	queue    chan writeOp
	shutdown chan struct{}
	done     chan struct{}
}

func newBatchWriter(name string, idx bleve.Index, batchSize int, flushInterval time.Duration, log *logging.Logger) *batchWriter {
	w := &batchWriter{
		name:          name,
		idx:           idx,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		log:           log.Index(),
		queue:         make(chan writeOp, batchSize*4),
		shutdown:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	go w.run()
	return w
}

// Put enqueues a replace. A nil doc enqueues a delete; see Delete.
func (w *batchWriter) Put(id string, doc map[string]interface{}) {
	w.queue <- writeOp{id: id, doc: doc}
}

// Delete enqueues a delete-by-id.
func (w *batchWriter) Delete(id string) {
	w.queue <- writeOp{id: id}
}

// Shutdown drains whatever is still queued, flushes it, and waits for the
// writer goroutine to exit before returning (spec.md §4.5: the lifecycle
// controller waits for index termination before the process exits).
func (w *batchWriter) Shutdown() {
	close(w.shutdown)
	<-w.done
}

func (w *batchWriter) run() {
	defer close(w.done)

	buf := make(map[string]writeOp)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	flush := func(trigger string) {
		if len(buf) == 0 {
			return
		}
		w.commit(buf, trigger)
		buf = make(map[string]writeOp)
	}

	for {
		metrics.IndexQueueDepth.WithLabelValues(w.name).Set(float64(len(w.queue)))
		select {
		case op := <-w.queue:
			buf[op.id] = op
			if len(buf) >= w.batchSize {
				flush("size")
			}
		case <-ticker.C:
			flush("interval")
		case <-w.shutdown:
			for drained := false; !drained; {
				select {
				case op := <-w.queue:
					buf[op.id] = op
				default:
					drained = true
				}
			}
			flush("shutdown")
			return
		}
	}
}

// commit performs the delete-then-add transaction and retries transient
// I/O errors with linear backoff (1s, 2s, 3s) before giving up fatally —
// spec.md §4.5 treats silent index divergence as worse than a crash.
func (w *batchWriter) commit(buf map[string]writeOp, trigger string) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		batch := w.idx.NewBatch()
		for id, op := range buf {
			batch.Delete(id)
			if op.doc != nil {
				if err := batch.Index(id, op.doc); err != nil {
					lastErr = err
				}
			}
		}
		if err := w.idx.Batch(batch); err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		metrics.RecordIndexFlush(w.name, trigger, len(buf))
		return
	}
	metrics.IndexBatchFailures.WithLabelValues(w.name).Inc()
	w.log.ErrorContext(context.Background(),
		fmt.Sprintf("%s index commit failed after retries, aborting", w.name), lastErr,
		"batch_size", len(buf))
	os.Exit(1)
}
