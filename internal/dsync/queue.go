package dsync

import (
	"fmt"
	"time"
)

// DefaultMaxRetries is the retry budget of an intent before it becomes failed.
const DefaultMaxRetries = 5

// Queue is the durable sync queue. Each record owns at most one intent; later
// mutations coalesce into it.
type Queue struct {
	db         Database
	clock      Clock
	idgen      IDGenerator
	logger     Logger
	maxRetries int
}

// NewQueue creates a Queue. A non-positive maxRetries selects DefaultMaxRetries.
func NewQueue(db Database, clock Clock, idgen IDGenerator, logger Logger, maxRetries int) *Queue {
	if clock == nil {
		clock = RealClock{}
	}
	if idgen == nil {
		idgen = UUIDGenerator{}
	}
	if logger == nil {
		logger = NewNopLogger()
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Queue{db: db, clock: clock, idgen: idgen, logger: logger, maxRetries: maxRetries}
}

// MaxRetries returns the retry budget.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// Enqueue records a mutation of recordID, coalescing it into the record's existing
// intent when there is one.
func (q *Queue) Enqueue(op Operation, recordID string, payload Patch) (*Intent, error) {
	now := q.clock.Now()
	in, err := q.db.MergeIntent(recordID, func(existing *Intent) (*Intent, error) {
		if existing == nil {
			in := &Intent{
				ID:        q.idgen.New(),
				RecordID:  recordID,
				Op:        op,
				Payload:   payload,
				Timestamp: now,
				Status:    IntentPending,
				Revision:  1,
			}
			if op == OpDelete {
				in.Payload = Patch{}
			}
			return in, nil
		}
		coalesce(existing, op, payload, now)
		return existing, nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueueing %s for record %s: %w", op, recordID, err)
	}
	q.logger.Debug("intent enqueued", "intent", in.ID, "record", recordID, "op", in.Op, "revision", in.Revision)
	return in, nil
}

// coalesce folds an incoming mutation into the record's existing intent.
//
// A delete supersedes whatever was queued and moves to the back of the queue. An
// update merges its fields into a queued create or update, keeping the operation.
// Updates behind a queued delete are dropped. A failed intent is revived by the new
// mutation with a fresh retry budget.
func coalesce(in *Intent, op Operation, payload Patch, now time.Time) {
	if in.Status == IntentFailed {
		in.Status = IntentPending
		in.RetryCount = 0
		in.LastError = ""
		in.Timestamp = now
		in.Seq = 0
	}

	switch {
	case op == OpDelete:
		in.Op = OpDelete
		in.Payload = Patch{}
		in.Timestamp = now
		in.Seq = 0
	case in.Op == OpDelete:
		return
	default:
		in.Payload = in.Payload.Merge(payload)
	}
	in.Revision++
}

// Claim marks the oldest pending intent as processing and returns it, or nil when
// the queue holds no pending work.
func (q *Queue) Claim() (*Intent, error) {
	in, err := q.db.ClaimNextIntent()
	if err != nil {
		return nil, fmt.Errorf("claiming next intent: %w", err)
	}
	return in, nil
}

// Settle finishes a successfully processed intent. If a later mutation merged into it
// while it was in flight, it is kept as pending (a create becomes an update) and kept
// is true. Otherwise it is removed.
func (q *Queue) Settle(dispatched *Intent) (kept bool, err error) {
	in, err := q.db.ModifyIntent(dispatched.ID, func(cur *Intent) (bool, error) {
		if cur.Revision == dispatched.Revision {
			return false, nil
		}
		if cur.Op == OpCreate {
			cur.Op = OpUpdate
		}
		cur.Status = IntentPending
		return true, nil
	})
	if err != nil {
		return false, fmt.Errorf("settling intent %s: %w", dispatched.ID, err)
	}
	return in != nil, nil
}

// KeepAsUpdate returns a dispatched create to pending as an update, keeping its
// merged payload. Other operations only return to pending.
func (q *Queue) KeepAsUpdate(id string) (*Intent, error) {
	in, err := q.db.ModifyIntent(id, func(cur *Intent) (bool, error) {
		if cur.Op == OpCreate {
			cur.Op = OpUpdate
		}
		cur.Status = IntentPending
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("requeueing intent %s as update: %w", id, err)
	}
	return in, nil
}

// Fail records a retryable failure. Once the retry budget is spent the intent becomes
// failed and exhausted is true; otherwise it returns to pending.
func (q *Queue) Fail(id string, cause error) (in *Intent, exhausted bool, err error) {
	in, err = q.db.ModifyIntent(id, func(cur *Intent) (bool, error) {
		cur.RetryCount++
		cur.LastError = cause.Error()
		if cur.RetryCount >= q.maxRetries {
			cur.Status = IntentFailed
			exhausted = true
		} else {
			cur.Status = IntentPending
		}
		return true, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("recording failure of intent %s: %w", id, err)
	}
	return in, exhausted, nil
}

// Release returns a processing intent to pending without consuming a retry.
func (q *Queue) Release(id string) error {
	_, err := q.db.ModifyIntent(id, func(cur *Intent) (bool, error) {
		if cur.Status == IntentProcessing {
			cur.Status = IntentPending
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("releasing intent %s: %w", id, err)
	}
	return nil
}

// Drop removes an intent.
func (q *Queue) Drop(id string) error {
	if err := q.db.DeleteIntent(id); err != nil {
		return fmt.Errorf("dropping intent %s: %w", id, err)
	}
	return nil
}

// Remove drops whatever intent recordID owns.
func (q *Queue) Remove(recordID string) error {
	if err := q.db.DeleteIntentForRecord(recordID); err != nil {
		return fmt.Errorf("removing intent for record %s: %w", recordID, err)
	}
	return nil
}

// RetryFailedItem resets a failed intent's retry budget and moves it to the back of
// the queue.
func (q *Queue) RetryFailedItem(id string) (*Intent, error) {
	now := q.clock.Now()
	var notFailed bool
	in, err := q.db.ModifyIntent(id, func(cur *Intent) (bool, error) {
		if cur.Status != IntentFailed {
			notFailed = true
			return true, nil
		}
		cur.Status = IntentPending
		cur.RetryCount = 0
		cur.LastError = ""
		cur.Timestamp = now
		cur.Seq = 0
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrying intent %s: %w", id, err)
	}
	if in == nil {
		return nil, fmt.Errorf("intent %s not found", id)
	}
	if notFailed {
		return nil, fmt.Errorf("intent %s is %s, not failed", id, in.Status)
	}
	return in, nil
}

// Recover resets intents left processing by an abnormal termination.
func (q *Queue) Recover() (int64, error) {
	n, err := q.db.ResetProcessingIntents()
	if err != nil {
		return 0, fmt.Errorf("resetting orphaned intents: %w", err)
	}
	if n > 0 {
		q.logger.Warn("orphaned intents reset", "count", n)
	}
	return n, nil
}

// Get returns the intent with the given id, or nil.
func (q *Queue) Get(id string) (*Intent, error) {
	in, err := q.db.FindIntent(id)
	if err != nil {
		return nil, fmt.Errorf("finding intent: %w", err)
	}
	return in, nil
}

// ForRecord returns the intent owned by recordID, or nil.
func (q *Queue) ForRecord(recordID string) (*Intent, error) {
	in, err := q.db.FindIntentForRecord(recordID)
	if err != nil {
		return nil, fmt.Errorf("finding intent for record: %w", err)
	}
	return in, nil
}

// List returns intents in drain order, optionally filtered by status.
func (q *Queue) List(statuses ...IntentStatus) ([]*Intent, error) {
	ins, err := q.db.ListIntents(statuses...)
	if err != nil {
		return nil, fmt.Errorf("listing intents: %w", err)
	}
	return ins, nil
}

// PendingCount counts work the next drain would attempt: pending or processing
// intents whose record is not parked in conflict.
func (q *Queue) PendingCount() (int, error) {
	n, err := q.db.CountIntents(IntentFilter{
		Statuses:          []IntentStatus{IntentPending, IntentProcessing},
		ExcludeConflicted: true,
	})
	if err != nil {
		return 0, fmt.Errorf("counting pending intents: %w", err)
	}
	return n, nil
}

// FailedCount counts intents that exhausted their retry budget.
func (q *Queue) FailedCount() (int, error) {
	n, err := q.db.CountIntents(IntentFilter{Statuses: []IntentStatus{IntentFailed}})
	if err != nil {
		return 0, fmt.Errorf("counting failed intents: %w", err)
	}
	return n, nil
}
