package dsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Connectivity reports whether the remote is believed reachable.
type Connectivity interface {
	Online() bool
}

// Outcome describes how a drain pass ended.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeAuthRequired Outcome = "auth_required"
	OutcomeAborted      Outcome = "aborted"
	OutcomeSkipped      Outcome = "skipped"
	OutcomeRunning      Outcome = "running"
)

// DrainResult summarizes one call to Engine.Sync.
type DrainResult struct {
	Outcome   Outcome
	Processed int
	Failed    int
	Conflicts int
	Pending   int
}

// Engine drains the sync queue against the remote, one intent at a time.
// Only one drain runs at a time, and only while Connectivity reports online.
type Engine struct {
	store     *Store
	queue     *Queue
	remote    Remote
	conn      Connectivity
	clock     Clock
	logger    Logger
	backoff   []time.Duration
	listeners *listenerSet

	mu      sync.Mutex
	syncing bool
	cancel  context.CancelFunc
}

// NewEngine creates an Engine. A nil backoff table selects DefaultBackoff.
func NewEngine(store *Store, queue *Queue, remote Remote, conn Connectivity, clock Clock, logger Logger, backoff []time.Duration) *Engine {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	if backoff == nil {
		backoff = DefaultBackoff
	}
	return &Engine{
		store:     store,
		queue:     queue,
		remote:    remote,
		conn:      conn,
		clock:     clock,
		logger:    logger,
		backoff:   backoff,
		listeners: newListenerSet(logger),
	}
}

// Subscribe registers a listener and returns a function that removes it.
func (e *Engine) Subscribe(l Listener) (unsubscribe func()) {
	return e.listeners.add(l)
}

// IsSyncing reports whether a drain pass is in progress.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Cancel aborts the drain pass in progress, if any. In-flight requests are cancelled
// and the loop stops before claiming the next intent.
func (e *Engine) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// Recover resets intents orphaned in processing by a previous crash. Call once at
// startup before the first Sync.
func (e *Engine) Recover() (int64, error) {
	return e.queue.Recover()
}

// Sync drains the queue. It is a no-op returning OutcomeSkipped when offline or when
// another drain is running. Per-intent failures are reported through events and the
// result, never as an error; the only error returned is ErrReauthenticate.
func (e *Engine) Sync(ctx context.Context) (*DrainResult, error) {
	if e.conn != nil && !e.conn.Online() {
		e.logger.Debug("sync skipped", "reason", "offline")
		return &DrainResult{Outcome: OutcomeSkipped}, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		e.logger.Debug("sync skipped", "reason", "already syncing")
		return &DrainResult{Outcome: OutcomeSkipped}, nil
	}
	e.syncing = true
	e.cancel = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.cancel = nil
		e.mu.Unlock()
	}()

	return e.drain(ctx)
}

func (e *Engine) drain(ctx context.Context) (*DrainResult, error) {
	started := e.clock.Now()
	res := &DrainResult{Outcome: OutcomeRunning}

	runID, err := e.store.db.CreateSyncRun(started)
	if err != nil {
		e.logger.Warn("recording sync run", "error", err)
	}
	e.logger.Info("sync started")
	e.listeners.emit(StartEvent{At: started})

	var fatal error
	for res.Outcome == OutcomeRunning {
		if ctx.Err() != nil {
			res.Outcome = OutcomeCancelled
			break
		}

		in, err := e.queue.Claim()
		if err != nil {
			e.logger.Error("sync aborted", "error", err)
			res.Outcome = OutcomeAborted
			break
		}
		if in == nil {
			res.Outcome = OutcomeCompleted
			break
		}

		sent, serr := e.process(ctx, in)
		if serr == nil {
			if sent {
				res.Processed++
				e.listeners.emit(ProgressEvent{RecordID: in.RecordID, Op: in.Op, Pending: e.pendingCount()})
			}
			continue
		}

		switch serr.Kind {
		case KindConflict:
			res.Conflicts++
			e.release(in)
			e.logger.Warn("record in conflict", "record", in.RecordID, "reason", serr.Err)
			e.listeners.emit(ConflictEvent{RecordID: in.RecordID, Reason: serr.Err.Error()})

		case KindFatal:
			e.release(in)
			e.logger.Error("sync aborted", "record", in.RecordID, "error", serr.Err)
			e.listeners.emit(ErrorEvent{RecordID: in.RecordID, Kind: KindFatal, Message: serr.Err.Error()})
			res.Outcome = OutcomeAuthRequired
			fatal = ErrReauthenticate

		case KindRetryable:
			if ctx.Err() != nil {
				e.release(in)
				res.Outcome = OutcomeCancelled
				break
			}
			res.Failed++
			if err := e.retryLater(ctx, in, serr); err != nil {
				res.Outcome = OutcomeCancelled
			}
		}
	}

	res.Pending = e.pendingCount()
	if res.Outcome == OutcomeCompleted {
		now := e.clock.Now()
		if err := e.store.SetLastSyncTime(now); err != nil {
			e.logger.Error("stamping last sync time", "error", err)
		}
		e.listeners.emit(CompleteEvent{Pending: res.Pending, At: now})
	}
	e.finishRun(runID, started, res)
	e.logger.Info("sync finished", "outcome", res.Outcome, "processed", res.Processed,
		"failed", res.Failed, "conflicts", res.Conflicts, "pending", res.Pending)

	return res, fatal
}

// retryLater books a retryable failure and waits out the backoff delay. It returns
// an error only when the wait was cancelled.
func (e *Engine) retryLater(ctx context.Context, in *Intent, serr *SyncError) error {
	cur, exhausted, err := e.queue.Fail(in.ID, serr.Err)
	if err != nil {
		e.logger.Error("recording intent failure", "intent", in.ID, "error", err)
		return nil
	}
	retries := in.RetryCount + 1
	if cur != nil {
		retries = cur.RetryCount
	}

	if exhausted {
		if _, err := e.store.MarkError(in.RecordID); err != nil {
			e.logger.Error("marking record error", "record", in.RecordID, "error", err)
		}
		e.logger.Error("intent failed permanently", "intent", in.ID, "record", in.RecordID,
			"retries", retries, "error", serr.Err)
	} else {
		e.logger.Warn("intent failed", "intent", in.ID, "record", in.RecordID,
			"retries", retries, "error", serr.Err)
	}
	e.listeners.emit(ErrorEvent{
		RecordID:   in.RecordID,
		Kind:       KindRetryable,
		Message:    serr.Err.Error(),
		RetryCount: retries,
		Exhausted:  exhausted,
	})

	if exhausted {
		return nil
	}
	return e.wait(ctx, backoffDelay(e.backoff, retries))
}

func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-e.clock.After(d):
		return nil
	}
}

func (e *Engine) release(in *Intent) {
	if err := e.queue.Release(in.ID); err != nil {
		e.logger.Error("releasing intent", "intent", in.ID, "error", err)
	}
}

func (e *Engine) pendingCount() int {
	n, err := e.queue.PendingCount()
	if err != nil {
		e.logger.Error("counting pending intents", "error", err)
	}
	return n
}

func (e *Engine) finishRun(id int64, started time.Time, res *DrainResult) {
	if id == 0 {
		return
	}
	run := &SyncRun{
		ID:         id,
		StartedAt:  started,
		FinishedAt: Ptr(e.clock.Now()),
		Outcome:    res.Outcome,
		Processed:  res.Processed,
		Failed:     res.Failed,
		Conflicts:  res.Conflicts,
	}
	if err := e.store.db.FinishSyncRun(run); err != nil {
		e.logger.Warn("recording sync run", "error", err)
	}
}

// process performs the remote effect of one intent. A nil error means the intent
// was handled and removed (or kept for a follow-up, see Queue.Settle). sent is false
// when the intent was dropped without a request.
func (e *Engine) process(ctx context.Context, in *Intent) (sent bool, serr *SyncError) {
	rec, err := e.store.db.FindRecord(in.RecordID)
	if err != nil {
		return false, &SyncError{Kind: KindRetryable, RecordID: in.RecordID, Err: fmt.Errorf("loading record: %w", err)}
	}

	switch in.Op {
	case OpCreate:
		if rec == nil {
			e.logger.Debug("dropping create for deleted record", "record", in.RecordID)
			e.drop(in)
			return false, nil
		}
		if rec.RemoteID != "" {
			// Created by an earlier pass that crashed before settling.
			return true, e.processUpdate(ctx, in, rec)
		}
		return true, e.processCreate(ctx, in, rec)
	case OpUpdate:
		if rec == nil || rec.RemoteID == "" {
			e.logger.Debug("dropping update without remote copy", "record", in.RecordID)
			e.drop(in)
			return false, nil
		}
		return true, e.processUpdate(ctx, in, rec)
	case OpDelete:
		return e.processDelete(ctx, in, rec)
	default:
		e.logger.Error("dropping intent with unknown operation", "intent", in.ID, "op", in.Op)
		e.drop(in)
		return false, nil
	}
}

func (e *Engine) processCreate(ctx context.Context, in *Intent, rec *Record) *SyncError {
	ack, err := e.remote.Create(ctx, rec.LocalID, rec.Design)
	if err != nil {
		return &SyncError{Kind: classify(OpCreate, err), RecordID: rec.LocalID, Err: err}
	}
	if ack.Replayed {
		e.adoptReplay(in, rec, ack)
		return nil
	}
	e.confirm(in, rec, ack)
	return nil
}

func (e *Engine) processUpdate(ctx context.Context, in *Intent, rec *Record) *SyncError {
	current, err := e.remote.Get(ctx, rec.RemoteID)
	if err != nil {
		kind := classify(OpUpdate, err)
		if kind == KindConflict {
			e.markConflict(rec)
			err = fmt.Errorf("remote copy deleted: %w", err)
		}
		return &SyncError{Kind: kind, RecordID: rec.LocalID, Err: err}
	}

	known := rec.KnownRemoteVersion()
	if current.Version > known {
		e.markConflict(rec)
		return &SyncError{
			Kind:     KindConflict,
			RecordID: rec.LocalID,
			Err:      fmt.Errorf("server version %d is newer than known version %d", current.Version, known),
		}
	}

	ack, err := e.remote.Update(ctx, rec.RemoteID, known, in.Payload)
	if err != nil {
		kind := classify(OpUpdate, err)
		if kind == KindConflict {
			e.markConflict(rec)
		}
		return &SyncError{Kind: kind, RecordID: rec.LocalID, Err: err}
	}
	if ack.ID == "" {
		ack.ID = rec.RemoteID
	}
	e.confirm(in, rec, ack)
	return nil
}

func (e *Engine) processDelete(ctx context.Context, in *Intent, rec *Record) (sent bool, serr *SyncError) {
	if rec == nil {
		e.drop(in)
		return false, nil
	}
	if rec.RemoteID != "" {
		sent = true
		err := e.remote.Delete(ctx, rec.RemoteID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return true, &SyncError{Kind: classify(OpDelete, err), RecordID: rec.LocalID, Err: err}
		}
	}
	if err := e.store.Purge(rec.LocalID); err != nil {
		e.logger.Error("purging deleted record", "record", rec.LocalID, "error", err)
	}
	e.drop(in)
	return sent, nil
}

// confirm settles the intent and records the acknowledged remote version on the
// record. Edits that landed while the request was in flight keep both pending.
func (e *Engine) confirm(in *Intent, rec *Record, ack *RemoteAck) {
	kept, err := e.queue.Settle(in)
	if err != nil {
		e.logger.Error("settling intent", "intent", in.ID, "error", err)
	}
	updated, synced, err := e.store.ConfirmSync(rec.LocalID, ack.ID, ack.Version, rec.LocalVersion)
	if err != nil {
		e.logger.Error("confirming sync", "record", rec.LocalID, "error", err)
		return
	}
	if updated == nil {
		e.logger.Warn("record deleted while its request was in flight", "record", rec.LocalID, "remote_id", ack.ID)
		return
	}
	if kept && synced {
		if _, err := e.store.MarkPending(rec.LocalID); err != nil {
			e.logger.Error("marking record pending", "record", rec.LocalID, "error", err)
		}
	}
	if kept || !synced {
		e.logger.Debug("record changed during sync, follow-up queued", "record", rec.LocalID)
		return
	}
	e.logger.Debug("record synced", "record", rec.LocalID, "remote_id", ack.ID, "version", ack.Version)
}

// adoptReplay handles a create the server answered with a record an earlier,
// unacknowledged request already made. That copy holds the payload of the first
// request, so the intent stays queued as an update against the adopted version.
func (e *Engine) adoptReplay(in *Intent, rec *Record, ack *RemoteAck) {
	if _, err := e.queue.KeepAsUpdate(in.ID); err != nil {
		e.logger.Error("requeueing replayed create", "intent", in.ID, "error", err)
	}
	updated, err := e.store.AdoptRemote(rec.LocalID, ack.ID, ack.Version)
	if err != nil {
		e.logger.Error("adopting replayed create", "record", rec.LocalID, "error", err)
		return
	}
	if updated == nil {
		e.logger.Warn("record deleted while its request was in flight", "record", rec.LocalID, "remote_id", ack.ID)
		return
	}
	e.logger.Debug("create replayed, update queued", "record", rec.LocalID, "remote_id", ack.ID, "version", ack.Version)
}

func (e *Engine) markConflict(rec *Record) {
	if _, err := e.store.MarkConflict(rec.LocalID); err != nil {
		e.logger.Error("marking record conflict", "record", rec.LocalID, "error", err)
	}
}

func (e *Engine) drop(in *Intent) {
	if err := e.queue.Drop(in.ID); err != nil {
		e.logger.Error("dropping intent", "intent", in.ID, "error", err)
	}
}
