package store

import (
	"time"

	"apptnotify/internal/domain"
)

// DispatchRecord tracks send state for one (appointment, step) pair. At most
// one record per pair ever reaches sent; terminal records are frozen.
type DispatchRecord struct {
	AppointmentID string
	StepID        string
	Status        domain.DispatchStatus
	Attempts      int
	LastError     string
	ProviderMsgID string
	// DeliveryStatus mirrors provider callbacks (delivered, read, failed);
	// informational only, never part of the dispatch state machine.
	DeliveryStatus string
	NextAttemptAt  time.Time
	LastAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// schema reference (owned by the external storage surface):
//
//	dispatch_records(appointment_id, step_id, status, attempts, last_error,
//	    provider_msg_id, delivery_status, next_attempt_at, last_attempt_at,
//	    created_at, updated_at, PRIMARY KEY (appointment_id, step_id))

// DispatchFinish moves a claimed record out of sending.
type DispatchFinish struct {
	AppointmentID string
	StepID        string
	Status        domain.DispatchStatus
	Attempts      int
	LastError     string
	ProviderMsgID string
	NextAttemptAt time.Time
	Now           time.Time
}

// MessageLogEntry is one append-only audit row per committed dispatch outcome.
type MessageLogEntry struct {
	ID            string
	AppointmentID string
	StepID        string
	Channel       string
	Recipient     string
	Subject       string
	Body          string
	Outcome       string
	ProviderMsgID string
	Error         string
	Now           time.Time
}

// DeliveryEvent is one provider callback, stored verbatim.
type DeliveryEvent struct {
	ID            string
	Provider      string
	ProviderMsgID string
	VendorStatus  string
	ErrorCode     string
	Payload       any
	OccurredAt    *time.Time
}

// ProviderMsgUpdate records a delivery callback against the sent record that
// produced the provider message id.
type ProviderMsgUpdate struct {
	Provider      string
	ProviderMsgID string
	NewStatus     string
	LastError     string
	Now           time.Time
}
