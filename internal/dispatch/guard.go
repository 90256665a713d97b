// Package dispatch is the idempotency guard: acquire-before-send over the
// persisted dispatch-record store. The engine may be invoked repeatedly and
// concurrently; this guard is the sole mechanism preventing double sends.
package dispatch

import (
	"context"
	"time"

	"apptnotify/internal/domain"
	"apptnotify/internal/store"
)

// RecordStore is the persistence the guard needs. Claim must behave as an
// atomic check-and-set: only one caller wins a pending record, and a sending
// claim is reclaimable once stale.
type RecordStore interface {
	EnsureRecord(ctx context.Context, appointmentID, stepID string, now time.Time) error
	ClaimRecord(ctx context.Context, appointmentID, stepID string, now time.Time, staleAfter time.Duration) (bool, store.DispatchRecord, error)
	GetRecord(ctx context.Context, appointmentID, stepID string) (store.DispatchRecord, bool, error)
	FinishRecord(ctx context.Context, in store.DispatchFinish) error
	SkipRecord(ctx context.Context, appointmentID, stepID, reason string, now time.Time) (bool, error)
}

type Result int

const (
	ResultSent Result = iota
	ResultTransient
	ResultPermanent
	ResultRequeue // infrastructure backpressure; no attempt consumed
)

type Outcome struct {
	Result        Result
	ProviderMsgID string
	Err           error
}

type Begin struct {
	Acquired bool
	Attempts int
	Status   domain.DispatchStatus
}

type Guard struct {
	Store       RecordStore
	MaxAttempts int
	Backoff     time.Duration
	BackoffMax  time.Duration
	StaleClaim  time.Duration
}

// TryBegin acquires the (appointment, step) record for a send attempt.
// A record already in a terminal state is never re-acquired.
func (g *Guard) TryBegin(ctx context.Context, appointmentID, stepID string, now time.Time) (Begin, error) {
	if err := g.Store.EnsureRecord(ctx, appointmentID, stepID, now); err != nil {
		return Begin{}, err
	}
	claimed, rec, err := g.Store.ClaimRecord(ctx, appointmentID, stepID, now, g.staleClaim())
	if err != nil {
		return Begin{}, err
	}
	if !claimed {
		cur, _, err := g.Store.GetRecord(ctx, appointmentID, stepID)
		if err != nil {
			return Begin{}, err
		}
		return Begin{Acquired: false, Attempts: cur.Attempts, Status: cur.Status}, nil
	}
	return Begin{Acquired: true, Attempts: rec.Attempts, Status: domain.DispatchSending}, nil
}

// Commit atomically transitions a claimed record according to the outcome.
// Returns the status the record ended up in.
func (g *Guard) Commit(ctx context.Context, appointmentID, stepID string, attempts int, out Outcome, now time.Time) (domain.DispatchStatus, error) {
	fin := store.DispatchFinish{
		AppointmentID: appointmentID,
		StepID:        stepID,
		Attempts:      attempts,
		ProviderMsgID: out.ProviderMsgID,
		Now:           now,
	}
	if out.Err != nil {
		fin.LastError = out.Err.Error()
	}

	switch out.Result {
	case ResultSent:
		fin.Status = domain.DispatchSent
	case ResultPermanent:
		fin.Status = domain.DispatchFailed
		fin.Attempts = attempts + 1
	case ResultRequeue:
		fin.Status = domain.DispatchPending
		fin.NextAttemptAt = now
	case ResultTransient:
		fin.Attempts = attempts + 1
		if fin.Attempts >= g.MaxAttempts {
			fin.Status = domain.DispatchFailed
		} else {
			fin.Status = domain.DispatchPending
			fin.NextAttemptAt = now.Add(g.backoffFor(fin.Attempts))
		}
	}

	if err := g.Store.FinishRecord(ctx, fin); err != nil {
		return "", err
	}
	return fin.Status, nil
}

// Skip freezes a not-yet-sent record as skipped. Terminal records are left
// untouched; returns whether a transition happened.
func (g *Guard) Skip(ctx context.Context, appointmentID, stepID, reason string, now time.Time) (bool, error) {
	if err := g.Store.EnsureRecord(ctx, appointmentID, stepID, now); err != nil {
		return false, err
	}
	return g.Store.SkipRecord(ctx, appointmentID, stepID, reason, now)
}

func (g *Guard) staleClaim() time.Duration {
	if g.StaleClaim > 0 {
		return g.StaleClaim
	}
	return 5 * time.Minute
}

// backoffFor grows exponentially from Backoff, capped at BackoffMax.
func (g *Guard) backoffFor(attempts int) time.Duration {
	d := g.Backoff
	if d <= 0 {
		d = time.Minute
	}
	for i := 1; i < attempts; i++ {
		d *= 2
		if g.BackoffMax > 0 && d >= g.BackoffMax {
			return g.BackoffMax
		}
	}
	if g.BackoffMax > 0 && d > g.BackoffMax {
		d = g.BackoffMax
	}
	return d
}
