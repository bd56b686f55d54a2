package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/sessionpool/internal/common"
	"github.com/ternarybob/sessionpool/internal/interfaces"
	"github.com/ternarybob/sessionpool/internal/models"
)

const (
	maxPendingRecords   = 1024
	transitionRetryTime = 30 * time.Minute
	recordMaxTries      = 3
)

type accountWrite struct {
	account     *models.Account
	transition  bool
	firstFailed time.Time
}

func (aw *accountWrite) kind() string {
	if aw.transition {
		return "transition"
	}
	return "counters"
}

type recordWrite struct {
	record   *models.ValidationRecord
	attempts int
}

// writeBatch is everything the worker takes in one pass
type writeBatch struct {
	accounts []*accountWrite
	records  []*recordWrite
	barriers []chan struct{}
}

func (b *writeBatch) empty() bool {
	return len(b.accounts) == 0 && len(b.records) == 0 && len(b.barriers) == 0
}

// Writer persists pool state to the credential store off the allocation path.
// Submitting never blocks: account snapshots are coalesced per account so the
// newest one wins, and only the audit trail is bounded. Status transitions
// are retried with exponential backoff until transitionRetryTime; counter-only
// writes get one attempt since the next write carries the full engine state
// anyway.
type Writer struct {
	store   interfaces.CredentialStore
	logger  arbor.ILogger
	metrics *Metrics

	mu       sync.Mutex
	pending  map[string]*accountWrite
	order    []string
	records  []*recordWrite
	barriers []chan struct{}
	closed   bool

	signal chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a writer and starts its worker
func NewWriter(store interfaces.CredentialStore, logger arbor.ILogger, metrics *Metrics) *Writer {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:   store,
		logger:  logger,
		metrics: metrics,
		pending: make(map[string]*accountWrite),
		signal:  make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}

	w.wg.Add(1)
	common.SafeGo(logger, "pool.writer", func() {
		defer w.wg.Done()
		w.run()
	})

	return w
}

// PersistAccount queues an engine-state write for the account snapshot. A
// snapshot still waiting for the same account is replaced.
func (w *Writer) PersistAccount(account *models.Account, transition bool) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn().Str("account_id", account.ID).Msg("Writer closed, dropping store write")
		return
	}
	w.mergeLocked(&accountWrite{account: account, transition: transition})
	w.mu.Unlock()
	w.notify()
}

// AppendRecord queues a validation record for the audit trail. When the
// backlog is full the oldest queued record is dropped.
func (w *Writer) AppendRecord(record *models.ValidationRecord) {
	var dropped *recordWrite

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.logger.Warn().Str("record_id", record.ID).Msg("Writer closed, dropping validation record")
		return
	}
	if len(w.records) >= maxPendingRecords {
		dropped = w.records[0]
		w.records = w.records[1:]
	}
	w.records = append(w.records, &recordWrite{record: record})
	w.mu.Unlock()

	if dropped != nil {
		w.metrics.TrackStoreError("dropped")
		w.logger.Warn().
			Str("account_id", dropped.record.AccountID).
			Str("record_id", dropped.record.ID).
			Msg("Validation record backlog full, dropping oldest record")
	}
	w.notify()
}

// Flush blocks until everything queued before the call has been persisted
// or given up on
func (w *Writer) Flush(ctx context.Context) error {
	done := make(chan struct{})
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.barriers = append(w.barriers, done)
	w.mu.Unlock()
	w.notify()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting writes and lets the worker drain what is queued.
// When ctx expires first the remaining writes are abandoned.
func (w *Writer) Close(ctx context.Context) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()
	w.notify()

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		w.logger.Warn().Msg("Store writer close deadline reached, abandoning pending writes")
	}
	w.cancel()
}

func (w *Writer) notify() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// mergeLocked keeps the newest snapshot per account. A pending transition
// stays a transition even when a counter write replaces its snapshot.
func (w *Writer) mergeLocked(aw *accountWrite) {
	existing, ok := w.pending[aw.account.ID]
	if !ok {
		w.pending[aw.account.ID] = aw
		w.order = append(w.order, aw.account.ID)
		return
	}
	existing.account = aw.account
	existing.transition = existing.transition || aw.transition
	if existing.firstFailed.IsZero() {
		existing.firstFailed = aw.firstFailed
	}
}

func (w *Writer) take() (writeBatch, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := writeBatch{
		accounts: make([]*accountWrite, 0, len(w.order)),
		records:  w.records,
		barriers: w.barriers,
	}
	for _, id := range w.order {
		batch.accounts = append(batch.accounts, w.pending[id])
	}
	w.pending = make(map[string]*accountWrite)
	w.order = nil
	w.records = nil
	w.barriers = nil
	return batch, w.closed
}

// requeue puts failed writes back. Newer snapshots submitted meanwhile win
// but inherit the retry deadline.
func (w *Writer) requeue(retry writeBatch) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, aw := range retry.accounts {
		if newer, ok := w.pending[aw.account.ID]; ok {
			newer.transition = true
			newer.firstFailed = aw.firstFailed
			continue
		}
		w.pending[aw.account.ID] = aw
		w.order = append(w.order, aw.account.ID)
	}
	w.records = append(retry.records, w.records...)
	w.barriers = append(retry.barriers, w.barriers...)
}

func (w *Writer) run() {
	expback := backoff.NewExponentialBackOff()
	expback.InitialInterval = 500 * time.Millisecond
	expback.MaxInterval = 30 * time.Second

	for {
		batch, closing := w.take()
		if batch.empty() {
			if closing {
				return
			}
			select {
			case <-w.signal:
			case <-w.ctx.Done():
				w.abandon()
				return
			}
			continue
		}

		retry := w.process(batch)
		if retry.empty() {
			expback.Reset()
			continue
		}

		w.requeue(retry)
		wait := expback.NextBackOff()
		w.logger.Warn().
			Int("accounts", len(retry.accounts)).
			Int("records", len(retry.records)).
			Dur("retry_in", wait).
			Msg("Store writes failed, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-w.ctx.Done():
			timer.Stop()
			w.abandon()
			return
		}
	}
}

// process attempts every write in the batch once and returns what should be
// retried. Barriers are released only once nothing before them is left.
func (w *Writer) process(batch writeBatch) writeBatch {
	var retry writeBatch

	for _, aw := range batch.accounts {
		err := w.store.Persist(w.ctx, aw.account)
		if err == nil {
			continue
		}
		if errors.Is(err, interfaces.ErrAccountNotFound) {
			w.logger.Debug().Str("account_id", aw.account.ID).Msg("Account no longer in store, write skipped")
			continue
		}

		w.metrics.TrackStoreError(aw.kind())
		if !aw.transition {
			w.logger.Warn().Err(err).Str("account_id", aw.account.ID).Msg("Failed to persist account counters")
			continue
		}
		if aw.firstFailed.IsZero() {
			aw.firstFailed = time.Now()
		}
		if time.Since(aw.firstFailed) >= transitionRetryTime {
			w.logger.Error().Err(err).
				Str("account_id", aw.account.ID).
				Str("status", string(aw.account.Status)).
				Msg("Giving up on store write")
			continue
		}
		retry.accounts = append(retry.accounts, aw)
	}

	for _, rw := range batch.records {
		err := w.store.AppendValidationRecord(w.ctx, rw.record)
		if err == nil {
			continue
		}
		w.metrics.TrackStoreError("record")
		rw.attempts++
		if rw.attempts >= recordMaxTries {
			w.logger.Error().Err(err).
				Str("account_id", rw.record.AccountID).
				Str("record_id", rw.record.ID).
				Msg("Giving up on validation record write")
			continue
		}
		retry.records = append(retry.records, rw)
	}

	if len(retry.accounts) == 0 && len(retry.records) == 0 {
		for _, done := range batch.barriers {
			close(done)
		}
		return retry
	}
	retry.barriers = batch.barriers
	return retry
}

// abandon drops whatever is still queued once the worker is cancelled
func (w *Writer) abandon() {
	batch, _ := w.take()
	for _, done := range batch.barriers {
		close(done)
	}
	if n := len(batch.accounts) + len(batch.records); n > 0 {
		w.metrics.TrackStoreError("dropped")
		w.logger.Warn().Int("writes", n).Msg("Store writer stopped with writes pending")
	}
}
