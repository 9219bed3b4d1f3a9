package syncctl

import (
	"context"
	"strconv"
	"time"

	"github.com/rustmailer/bichon/internal/cryptutil"
	"github.com/rustmailer/bichon/internal/envelope"
	"github.com/rustmailer/bichon/internal/imapexec"
	"github.com/rustmailer/bichon/internal/imappool"
	"github.com/rustmailer/bichon/internal/logging"
	"github.com/rustmailer/bichon/internal/metastore"
	"github.com/rustmailer/bichon/internal/metrics"
	"github.com/rustmailer/bichon/internal/searchindex"
)

const (
	defaultBatchSize   = 50
	minSyncInterval    = time.Minute
	backoffBase        = 5 * time.Second
	backoffCap         = 10 * time.Minute
)

// worker runs one account's state machine: Idle -> ListFolders ->
// PerFolder{Select -> Catchup -> Drain} -> Sleep -> Idle (spec.md §4.6).
type worker struct {
	accountID uint64
	store     *metastore.Store
	box       *cryptutil.SecretBox
	envIdx    *searchindex.EnvelopeIndex
	emlIdx    *searchindex.EMLIndex
	log       *logging.Logger
	sem       chan struct{}

	pool *imappool.Pool
	exec *imapexec.Executor

	triggerCh chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}

	attempt int
}

func newWorker(accountID uint64, store *metastore.Store, box *cryptutil.SecretBox,
	envIdx *searchindex.EnvelopeIndex, emlIdx *searchindex.EMLIndex, log *logging.Logger, sem chan struct{}) *worker {
	return &worker{
		accountID: accountID,
		store:     store,
		box:       box,
		envIdx:    envIdx,
		emlIdx:    emlIdx,
		log:       log.Sync(),
		sem:       sem,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

func (w *worker) trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

func (w *worker) stop() {
	close(w.stopCh)
	<-w.doneCh
}

func (w *worker) run(ctx context.Context) {
	defer close(w.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		account, err := w.store.GetAccount(ctx, w.accountID)
		if err != nil || !account.Enabled {
			return
		}

		select {
		case w.sem <- struct{}{}:
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
		metrics.SyncWorkersActive.Inc()
		cycleErr := w.runCycle(ctx, account)
		metrics.SyncWorkersActive.Dec()
		<-w.sem

		if cycleErr != nil {
			w.log.ErrorContext(ctx, "sync cycle failed", cycleErr, "account_id", w.accountID)
			w.recordError(ctx, cycleErr)
			w.attempt++
			metrics.RecordSyncRun("failure")
		} else {
			w.attempt = 0
			metrics.RecordSyncRun("success")
		}

		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-w.triggerCh:
		case <-time.After(w.nextDelay(account)):
		}
	}
}

func (w *worker) nextDelay(account *metastore.Account) time.Duration {
	id := strconv.FormatUint(w.accountID, 10)
	if w.attempt > 0 {
		d := backoffBase << uint(w.attempt-1)
		if d <= 0 || d > backoffCap {
			d = backoffCap
		}
		metrics.SyncBackoffSeconds.WithLabelValues(id).Set(d.Seconds())
		return d
	}
	metrics.SyncBackoffSeconds.WithLabelValues(id).Set(0)
	interval := time.Duration(account.SyncIntervalMinutes) * time.Minute
	if interval < minSyncInterval {
		interval = minSyncInterval
	}
	return interval
}

func (w *worker) recordError(ctx context.Context, err error) {
	rs, _ := w.store.GetRunningState(ctx, w.accountID)
	if rs == nil {
		rs = &metastore.AccountRunningState{AccountID: w.accountID}
	}
	rs.LastError = err.Error()
	rs.LastSyncEndAt = time.Now()
	_ = w.store.UpsertRunningState(ctx, rs)
}

// runCycle is one full pass: ensure the pool/executor exist, ListFolders,
// then PerFolder for every known or newly discovered mailbox.
func (w *worker) runCycle(ctx context.Context, account *metastore.Account) error {
	if w.pool == nil {
		creds, err := buildCredentials(ctx, w.store, w.box, account)
		if err != nil {
			return err
		}
		w.pool = imappool.New(w.accountID, creds, imappool.DefaultConfig(), w.log)
		w.exec = imapexec.New(w.pool, w.log)
	}

	rs, _ := w.store.GetRunningState(ctx, w.accountID)
	if rs == nil {
		rs = &metastore.AccountRunningState{AccountID: w.accountID}
	}
	rs.LastSyncStartAt = time.Now()
	rs.LastError = ""
	_ = w.store.UpsertRunningState(ctx, rs)

	mailboxes, err := w.listFolders(ctx, account)
	if err != nil {
		return err
	}

	batchSize := account.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	for _, mb := range mailboxes {
		if err := w.perFolder(ctx, account, mb, batchSize); err != nil {
			w.log.ErrorContext(ctx, "per-folder sync failed", err, "mailbox", mb.Name)
			continue
		}
	}

	rs.LastSyncEndAt = time.Now()
	rs.CurrentFolder = ""
	_ = w.store.UpsertRunningState(ctx, rs)
	return nil
}

// listFolders implements spec.md §4.6 step 1: LIST, diff against
// known_folders, respecting an optional sync_folders allow-list.
func (w *worker) listFolders(ctx context.Context, account *metastore.Account) ([]*metastore.Mailbox, error) {
	remote, err := w.exec.ListAllMailboxes(ctx)
	if err != nil {
		return nil, err
	}

	allow := toSet(account.FolderAllowList)
	known := make(map[string]*metastore.Mailbox)
	existing, err := w.store.ListMailboxes(ctx, account.ID)
	if err != nil {
		return nil, err
	}
	for _, mb := range existing {
		known[mb.Name] = mb
	}

	var newKnown []string
	var out []*metastore.Mailbox
	for _, r := range remote {
		if isNoSelect(r.Attributes) {
			continue
		}
		if len(allow) > 0 && !allow[r.Name] {
			continue
		}
		mb, ok := known[r.Name]
		if !ok {
			mb = &metastore.Mailbox{AccountID: account.ID, Name: r.Name, Delimiter: r.Delimiter, Attributes: r.Attributes}
			if err := w.store.UpsertMailbox(ctx, mb); err != nil {
				return nil, err
			}
			newKnown = append(newKnown, r.Name)
		}
		out = append(out, mb)
	}

	if len(newKnown) > 0 {
		account.KnownFolders = append(account.KnownFolders, newKnown...)
		_ = w.store.UpdateAccount(ctx, account.ID, func(a *metastore.Account) error {
			a.KnownFolders = account.KnownFolders
			return nil
		})
	}

	return out, nil
}

func isNoSelect(attrs []string) bool {
	for _, a := range attrs {
		if a == `\Noselect` {
			return true
		}
	}
	return false
}

func toSet(items []string) map[string]bool {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]bool, len(items))
	for _, i := range items {
		set[i] = true
	}
	return set
}

// perFolder implements spec.md §4.6 steps 2-4: Select, detect UID-VALIDITY
// changes, determine the catchup start UID, then drain new mail.
func (w *worker) perFolder(ctx context.Context, account *metastore.Account, mb *metastore.Mailbox, batchSize int) error {
	_ = w.store.UpdateProgress(ctx, w.accountID, mb.Name, 0, 0)

	info, err := w.exec.Examine(ctx, mb.Name)
	if err != nil {
		return err
	}

	if mb.UIDValidity != 0 && info.UIDValidity != mb.UIDValidity {
		if err := w.envIdx.DeleteMailboxEnvelopes(ctx, account.ID, []uint64{mb.ID}); err != nil {
			return err
		}
		if err := w.emlIdx.DeleteMailboxMessages(ctx, account.ID, []uint64{mb.ID}); err != nil {
			return err
		}
		mb.UIDNext = 0
	}
	if err := w.store.ResetMailboxUIDValidity(ctx, mb.ID, info.UIDValidity); err != nil {
		return err
	}
	mb.UIDValidity = info.UIDValidity
	mb.Exists = int(info.NumMessages)
	if err := w.store.UpsertMailbox(ctx, mb); err != nil {
		return err
	}

	startUID, err := w.envIdx.GetMaxUID(ctx, account.ID, mb.ID)
	if err != nil {
		return err
	}
	startUID++

	var before *time.Time
	if startUID == 1 && account.DateBefore != nil {
		t := time.UnixMilli(*account.DateBefore)
		before = &t
	}

	return w.drain(ctx, account, mb, startUID, before, batchSize)
}

// drain implements spec.md §4.6 step 4 via C3's FetchNewMail, extracting
// and indexing every batch; a single message's fatal extraction failure
// is logged and recorded in the skip-set rather than retried forever
// (DESIGN.md Open Question #2).
func (w *worker) drain(ctx context.Context, account *metastore.Account, mb *metastore.Mailbox, startUID uint32, before *time.Time, batchSize int) error {
	return w.exec.FetchNewMail(ctx, mb.Name, startUID, before, batchSize,
		func(msgs []imapexec.RawMessage) error {
			for _, msg := range msgs {
				if skipped, _ := w.store.IsSkipped(ctx, account.ID, mb.ID, msg.UID); skipped {
					continue
				}
				rec, err := envelope.Extract(msg.Body, msg.InternalDate, msg.Size)
				if err != nil {
					w.log.ErrorContext(ctx, "message extraction failed, skipping permanently", err,
						"mailbox", mb.Name, "uid", msg.UID)
					_ = w.store.AddSkippedUID(ctx, account.ID, mb.ID, msg.UID, err.Error())
					continue
				}
				id := w.envIdx.IndexEnvelope(account.ID, mb.ID, msg.UID, nil, rec)
				w.emlIdx.PutInline(id, account.ID, mb.ID, msg.Body)
				metrics.SyncEnvelopesIndexed.WithLabelValues(strconv.FormatUint(account.ID, 10)).Inc()
			}
			return nil
		},
		func(batchNum, total int) {
			_ = w.store.UpdateProgress(ctx, account.ID, mb.Name, batchNum, total)
		},
	)
}

// shutdown closes this worker's connection pool, if one was opened.
func (w *worker) shutdown() {
	if w.pool != nil {
		_ = w.pool.Close()
	}
}
