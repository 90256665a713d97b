// Package flow decides which steps of an appointment's flow are due at a
// given instant.
package flow

import (
	"time"

	"apptnotify/internal/domain"
	"apptnotify/internal/store"
)

// SkipReasonCancelled marks steps invalidated by an appointment cancellation;
// SkipReasonCompleted marks event steps overtaken by the appointment ending;
// SkipReasonStale marks reminders whose window has passed.
const (
	SkipReasonCancelled = "appointment_cancelled"
	SkipReasonCompleted = "appointment_completed"
	SkipReasonStale     = "stale_reminder"
)

type Skip struct {
	Step   domain.Step
	Reason string
}

// Decision lists due steps in the flow's declared order, plus steps that must
// be permanently skipped.
type Decision struct {
	Due  []domain.Step
	Skip []Skip
}

type Evaluator struct {
	// GraceWindow bounds how long after the appointment start a
	// negative-offset reminder may still fire. Prevents "reminder" messages
	// for elapsed appointments after a backlog catch-up run.
	GraceWindow time.Duration
}

// Evaluate inspects every step of fl against the appointment state, now, and
// the existing dispatch records (keyed by step id). Terminal records and
// records inside their retry backoff are left alone.
func (e *Evaluator) Evaluate(appt domain.Appointment, fl domain.Flow, recs map[string]store.DispatchRecord, now time.Time) Decision {
	var d Decision
	for _, step := range fl.Steps {
		if rec, ok := recs[step.ID]; ok {
			if rec.Status.Terminal() {
				continue
			}
			if rec.NextAttemptAt.After(now) {
				continue
			}
		}

		if appt.Status == domain.StatusCancelled {
			if step.Trigger == domain.TriggerCancel {
				d.Due = append(d.Due, step)
			} else {
				d.Skip = append(d.Skip, Skip{Step: step, Reason: SkipReasonCancelled})
			}
			continue
		}

		// A completed appointment no longer needs its lifecycle messages;
		// only follow-up reminders may still fire.
		if appt.Status == domain.StatusCompleted {
			switch step.Trigger {
			case domain.TriggerCreate, domain.TriggerUpdate, domain.TriggerAssign:
				d.Skip = append(d.Skip, Skip{Step: step, Reason: SkipReasonCompleted})
				continue
			}
		}

		switch step.Trigger {
		case domain.TriggerCreate:
			d.Due = append(d.Due, step)
		case domain.TriggerCancel:
			// fires only on cancellation, handled above
		case domain.TriggerUpdate:
			if appt.RescheduledAt != nil {
				d.Due = append(d.Due, step)
			}
		case domain.TriggerAssign:
			if appt.StaffID != "" {
				d.Due = append(d.Due, step)
			}
		case domain.TriggerReminder:
			fireAt := appt.Start.Add(step.Offset)
			if now.Before(fireAt) {
				continue
			}
			if step.Offset < 0 && now.After(appt.Start.Add(e.GraceWindow)) {
				d.Skip = append(d.Skip, Skip{Step: step, Reason: SkipReasonStale})
				continue
			}
			d.Due = append(d.Due, step)
		}
	}
	return d
}
