package pg

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"apptnotify/internal/domain"
	"apptnotify/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// --- engine reads ---

// AppointmentsDue returns the pass candidates. The start_at window only
// bounds time-based reminders; event-triggered steps fire on lifecycle
// changes regardless of how far out the appointment starts, so the query
// also pulls in recently created or rescheduled appointments, cancellations
// past the window, and anything still holding an open dispatch record.
func (s *Store) AppointmentsDue(ctx context.Context, from, to time.Time) ([]domain.Appointment, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, flow_id, COALESCE(staff_id,''), start_at, status, COALESCE(type,''),
		       customer_name, COALESCE(customer_phone,''), COALESCE(customer_email,''),
		       COALESCE(customer_note,''), rescheduled_at, created_at
		FROM appointments a
		WHERE (a.start_at >= $1 AND a.start_at <= $2)
		   OR a.created_at >= $1
		   OR (a.rescheduled_at IS NOT NULL AND a.rescheduled_at >= $1)
		   OR (a.status = 'cancelled' AND a.start_at > $2)
		   OR EXISTS (
		        SELECT 1 FROM dispatch_records r
		        WHERE r.appointment_id = a.id AND r.status IN ('pending','sending')
		      )
		ORDER BY a.start_at
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Appointment
	for rows.Next() {
		var a domain.Appointment
		var status string
		if err := rows.Scan(&a.ID, &a.FlowID, &a.StaffID, &a.Start, &status, &a.Type,
			&a.CustomerName, &a.CustomerPhone, &a.CustomerEmail,
			&a.CustomerNote, &a.RescheduledAt, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Status = domain.AppointmentStatus(status)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) StaffByID(ctx context.Context, id string) (domain.Staff, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, name, COALESCE(phone,''), COALESCE(email,'') FROM staff WHERE id=$1
	`, id)
	var st domain.Staff
	err := row.Scan(&st.ID, &st.Name, &st.Phone, &st.Email)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Staff{}, false, nil
	}
	if err != nil {
		return domain.Staff{}, false, err
	}
	return st, true, nil
}

func (s *Store) FlowByID(ctx context.Context, id string) (domain.Flow, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT id, name, active FROM flows WHERE id=$1`, id)
	var f domain.Flow
	err := row.Scan(&f.ID, &f.Name, &f.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Flow{}, false, nil
	}
	if err != nil {
		return domain.Flow{}, false, err
	}

	rows, err := s.DB.Query(ctx, `
		SELECT id, trigger_kind, channel, template_id, offset_seconds
		FROM flow_steps WHERE flow_id=$1 ORDER BY position
	`, id)
	if err != nil {
		return domain.Flow{}, false, err
	}
	defer rows.Close()
	for rows.Next() {
		var st domain.Step
		var trigger, channel string
		var offsetSec int64
		if err := rows.Scan(&st.ID, &trigger, &channel, &st.TemplateID, &offsetSec); err != nil {
			return domain.Flow{}, false, err
		}
		st.Trigger = domain.TriggerKind(trigger)
		st.Channel = domain.Channel(channel)
		st.Offset = time.Duration(offsetSec) * time.Second
		f.Steps = append(f.Steps, st)
	}
	return f, true, rows.Err()
}

func (s *Store) TemplateByID(ctx context.Context, id string) (domain.Template, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, channel, COALESCE(subject,''), body, COALESCE(meta_template_name,''), param_order
		FROM templates WHERE id=$1
	`, id)
	var t domain.Template
	var channel string
	var paramJSON []byte
	err := row.Scan(&t.ID, &channel, &t.Subject, &t.Body, &t.MetaTemplateName, &paramJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, false, nil
	}
	if err != nil {
		return domain.Template{}, false, err
	}
	t.Channel = domain.Channel(channel)
	if len(paramJSON) > 0 {
		_ = json.Unmarshal(paramJSON, &t.ParamOrder)
	}
	return t, true, nil
}

// --- dispatch records ---

func (s *Store) EnsureRecord(ctx context.Context, appointmentID, stepID string, now time.Time) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_records (appointment_id, step_id, status, attempts, created_at, updated_at)
		VALUES ($1,$2,'pending',0,$3,$3)
		ON CONFLICT (appointment_id, step_id) DO NOTHING
	`, appointmentID, stepID, now)
	return err
}

// ClaimRecord moves a pending record into sending. Reclaims a sending record
// only once its claim is stale, so overlapping runs cannot double-send.
func (s *Store) ClaimRecord(ctx context.Context, appointmentID, stepID string, now time.Time, staleAfter time.Duration) (bool, store.DispatchRecord, error) {
	staleBefore := now.Add(-staleAfter)
	row := s.DB.QueryRow(ctx, `
		UPDATE dispatch_records
		SET status='sending', updated_at=$3
		WHERE appointment_id=$1 AND step_id=$2
		  AND (status='pending' OR (status='sending' AND updated_at < $4))
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)
		RETURNING attempts
	`, appointmentID, stepID, now, staleBefore)

	var attempts int
	err := row.Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, store.DispatchRecord{}, nil
	}
	if err != nil {
		return false, store.DispatchRecord{}, err
	}
	return true, store.DispatchRecord{
		AppointmentID: appointmentID,
		StepID:        stepID,
		Status:        domain.DispatchSending,
		Attempts:      attempts,
	}, nil
}

func (s *Store) GetRecord(ctx context.Context, appointmentID, stepID string) (store.DispatchRecord, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT appointment_id, step_id, status, attempts, COALESCE(last_error,''),
		       COALESCE(provider_msg_id,''), COALESCE(delivery_status,''),
		       COALESCE(next_attempt_at, 'epoch'::timestamptz),
		       COALESCE(last_attempt_at, 'epoch'::timestamptz), created_at, updated_at
		FROM dispatch_records WHERE appointment_id=$1 AND step_id=$2
	`, appointmentID, stepID)

	var r store.DispatchRecord
	var status string
	err := row.Scan(&r.AppointmentID, &r.StepID, &status, &r.Attempts, &r.LastError,
		&r.ProviderMsgID, &r.DeliveryStatus, &r.NextAttemptAt, &r.LastAttemptAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.DispatchRecord{}, false, nil
	}
	if err != nil {
		return store.DispatchRecord{}, false, err
	}
	r.Status = domain.DispatchStatus(status)
	return r, true, nil
}

func (s *Store) RecordsForAppointment(ctx context.Context, appointmentID string) (map[string]store.DispatchRecord, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT appointment_id, step_id, status, attempts, COALESCE(last_error,''),
		       COALESCE(provider_msg_id,''), COALESCE(delivery_status,''),
		       COALESCE(next_attempt_at, 'epoch'::timestamptz),
		       COALESCE(last_attempt_at, 'epoch'::timestamptz), created_at, updated_at
		FROM dispatch_records WHERE appointment_id=$1
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]store.DispatchRecord{}
	for rows.Next() {
		var r store.DispatchRecord
		var status string
		if err := rows.Scan(&r.AppointmentID, &r.StepID, &status, &r.Attempts, &r.LastError,
			&r.ProviderMsgID, &r.DeliveryStatus, &r.NextAttemptAt, &r.LastAttemptAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.DispatchStatus(status)
		out[r.StepID] = r
	}
	return out, rows.Err()
}

// FinishRecord commits a claimed record. The WHERE status='sending' clause
// keeps terminal records frozen no matter what the caller asks for.
func (s *Store) FinishRecord(ctx context.Context, in store.DispatchFinish) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET status=$3, attempts=$4, last_error=$5, provider_msg_id=COALESCE(NULLIF($6,''), provider_msg_id),
		    next_attempt_at=$7, last_attempt_at=$8, updated_at=$8
		WHERE appointment_id=$1 AND step_id=$2 AND status='sending'
	`, in.AppointmentID, in.StepID, string(in.Status), in.Attempts, nullIfEmpty(in.LastError),
		in.ProviderMsgID, nullIfZero(in.NextAttemptAt), in.Now)
	return err
}

func (s *Store) SkipRecord(ctx context.Context, appointmentID, stepID, reason string, now time.Time) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET status='skipped', last_error=$3, updated_at=$4
		WHERE appointment_id=$1 AND step_id=$2 AND status IN ('pending','sending')
	`, appointmentID, stepID, reason, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// --- append-only logs ---

func (s *Store) AppendMessageLog(ctx context.Context, in store.MessageLogEntry) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO message_log (id, appointment_id, step_id, channel, recipient, subject, body, outcome, provider_msg_id, error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, in.ID, in.AppointmentID, in.StepID, in.Channel, nullIfEmpty(in.Recipient), nullIfEmpty(in.Subject),
		nullIfEmpty(in.Body), in.Outcome, nullIfEmpty(in.ProviderMsgID), nullIfEmpty(in.Error), in.Now)
	return err
}

func (s *Store) InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error {
	b, _ := json.Marshal(in.Payload)
	_, err := s.DB.Exec(ctx, `
		INSERT INTO delivery_events (id, provider, provider_msg_id, vendor_status, error_code, payload_json, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, in.ID, in.Provider, in.ProviderMsgID, in.VendorStatus, nullIfEmpty(in.ErrorCode), b, in.OccurredAt)
	return err
}

// UpdateRecordByProviderMsgID applies a delivery callback to the sent record
// that produced the provider message id. Delivery state lives in its own
// column: the dispatch state machine never leaves sent.
func (s *Store) UpdateRecordByProviderMsgID(ctx context.Context, in store.ProviderMsgUpdate) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE dispatch_records
		SET delivery_status=$2, last_error=COALESCE(NULLIF($3,''), last_error), updated_at=$4
		WHERE provider_msg_id=$1 AND status='sent'
	`, in.ProviderMsgID, in.NewStatus, in.LastError, in.Now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
