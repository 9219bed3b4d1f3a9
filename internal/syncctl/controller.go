// Package syncctl owns the per-account sync state machine (spec.md §4.6):
// one worker goroutine per enabled account, coordinated under a global
// concurrency cap.
package syncctl

import (
	"context"
	"runtime"
	"sync"

	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/searchindex"
)

// Controller owns at most one worker per account and a semaphore bounding
// how many accounts may be mid-cycle (i.e. holding an IMAP connection)
// at once, independent of how many accounts are configured.
type Controller struct {
	store  *metastore.Store
	box    *cryptutil.SecretBox
	envIdx *searchindex.EnvelopeIndex
	emlIdx *searchindex.EMLIndex
	log    *logging.Logger

	sem chan struct{}

	mu      sync.Mutex
	workers map[uint64]*worker
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a controller with its concurrency cap sized from
// config.SyncConfig.SyncConcurrency (0 means "default to NumCPU").
func New(store *metastore.Store, box *cryptutil.SecretBox, envIdx *searchindex.EnvelopeIndex,
	emlIdx *searchindex.EMLIndex, log *logging.Logger, concurrency int) *Controller {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:   store,
		box:     box,
		envIdx:  envIdx,
		emlIdx:  emlIdx,
		log:     log.Sync(),
		sem:     make(chan struct{}, concurrency),
		workers: make(map[uint64]*worker),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// TriggerStart idempotently ensures a worker is running for accountID: a
// second call while one is already running just nudges it to wake early
// rather than spawning a duplicate (spec.md §4.6 "trigger_start").
func (c *Controller) TriggerStart(accountID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.workers[accountID]; ok {
		w.trigger()
		return
	}

	w := newWorker(accountID, c.store, c.box, c.envIdx, c.emlIdx, c.log, c.sem)
	c.workers[accountID] = w
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		w.run(c.ctx)
		c.mu.Lock()
		delete(c.workers, accountID)
		c.mu.Unlock()
	}()
}

// Stop tears down one account's worker, closing its IMAP pool, and waits
// for its goroutine to exit (spec.md §4.6 "stop").
func (c *Controller) Stop(accountID uint64) {
	c.mu.Lock()
	w, ok := c.workers[accountID]
	c.mu.Unlock()
	if !ok {
		return
	}
	w.stop()
	w.shutdown()
}

// StartAll triggers every enabled account — called once at process
// startup so existing accounts resume syncing without a manual trigger.
func (c *Controller) StartAll(ctx context.Context) error {
	accounts, err := c.store.ListAccounts(ctx, nil)
	if err != nil {
		return err
	}
	for _, a := range accounts {
		if a.Enabled {
			c.TriggerStart(a.ID)
		}
	}
	return nil
}

// Shutdown stops every running worker and waits for their goroutines to
// exit, part of the lifecycle controller's ordered shutdown sequence
// (spec.md §4.5 / §4.12): sync stops before the search indexes close.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	workers := make([]*worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	for _, w := range workers {
		w.shutdown()
	}
}
