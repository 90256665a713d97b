package domain

import "time"

type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
)

// Appointment is read-only to the engine; the booking flow owns it.
type Appointment struct {
	ID            string
	FlowID        string
	StaffID       string
	Start         time.Time
	Status        AppointmentStatus
	Type          string
	CustomerName  string
	CustomerPhone string
	CustomerEmail string
	CustomerNote  string
	RescheduledAt *time.Time
	CreatedAt     time.Time
}

type Staff struct {
	ID    string
	Name  string
	Phone string
	Email string
}

type TriggerKind string

const (
	TriggerCreate   TriggerKind = "create"
	TriggerCancel   TriggerKind = "cancel"
	TriggerUpdate   TriggerKind = "update"
	TriggerAssign   TriggerKind = "assign"
	TriggerReminder TriggerKind = "reminder"
)

// Step is one (trigger, channel, template, offset) unit within a Flow.
// Offset is only meaningful for reminder steps and is signed relative to
// the appointment start (negative = before start).
type Step struct {
	ID         string
	Trigger    TriggerKind
	Channel    Channel
	TemplateID string
	Offset     time.Duration
}

// Flow is an ordered sequence of steps; Steps holds declared order.
type Flow struct {
	ID     string
	Name   string
	Active bool
	Steps  []Step
}

// Template bodies use {{snake_case}} tokens. WhatsApp templates additionally
// carry the pre-approved Meta template name and the ordered token list mapped
// onto the Cloud API's positional {{1}}..{{n}} parameters.
type Template struct {
	ID               string
	Channel          Channel
	Subject          string
	Body             string
	MetaTemplateName string
	ParamOrder       []string
}

type DispatchStatus string

const (
	DispatchPending DispatchStatus = "pending"
	DispatchSending DispatchStatus = "sending"
	DispatchSent    DispatchStatus = "sent"
	DispatchFailed  DispatchStatus = "failed"
	DispatchSkipped DispatchStatus = "skipped"
)

// Terminal reports whether no further dispatch attempt may happen.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchSent || s == DispatchFailed || s == DispatchSkipped
}

// BusinessInfo holds the business-wide template variables. Loaded once at
// startup and treated as read-only for the lifetime of the process.
type BusinessInfo struct {
	Name    string
	Address string
	Phone   string
	Email   string
}

// StepError is one operator-visible failure from a notification pass.
type StepError struct {
	AppointmentID string `json:"appointmentId"`
	StepID        string `json:"stepId"`
	Channel       string `json:"channel,omitempty"`
	Kind          string `json:"kind"`
	Message       string `json:"message"`
}

// PassResult aggregates the outcomes of one notification pass.
type PassResult struct {
	Sent    int         `json:"sent"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []StepError `json:"errors,omitempty"`
}
