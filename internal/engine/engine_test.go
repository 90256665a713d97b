package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"apptnotify/internal/dispatch"
	"apptnotify/internal/domain"
	"apptnotify/internal/flow"
	"apptnotify/internal/providers/whatsapp"
	"apptnotify/internal/store"
	"apptnotify/internal/variables"
)

var passBase = time.Date(2025, time.December, 25, 10, 0, 0, 0, time.UTC)

// memStore backs both the engine Source and the dispatch guard.
type memStore struct {
	appts []domain.Appointment
	staff map[string]domain.Staff
	flows map[string]domain.Flow
	tpls  map[string]domain.Template

	recs map[string]*store.DispatchRecord
	logs []store.MessageLogEntry
}

func newMemStore() *memStore {
	return &memStore{
		staff: map[string]domain.Staff{},
		flows: map[string]domain.Flow{},
		tpls:  map[string]domain.Template{},
		recs:  map[string]*store.DispatchRecord{},
	}
}

func rkey(apptID, stepID string) string { return apptID + "/" + stepID }

// Mirrors the pg query: start_at window for reminders, plus recent lifecycle
// activity, cancellations past the window, and open dispatch records.
func (m *memStore) AppointmentsDue(_ context.Context, from, to time.Time) ([]domain.Appointment, error) {
	var out []domain.Appointment
	for _, a := range m.appts {
		if m.dueCandidate(a, from, to) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memStore) dueCandidate(a domain.Appointment, from, to time.Time) bool {
	if !a.Start.Before(from) && !a.Start.After(to) {
		return true
	}
	if !a.CreatedAt.Before(from) {
		return true
	}
	if a.RescheduledAt != nil && !a.RescheduledAt.Before(from) {
		return true
	}
	if a.Status == domain.StatusCancelled && a.Start.After(to) {
		return true
	}
	for _, r := range m.recs {
		if r.AppointmentID == a.ID && !r.Status.Terminal() {
			return true
		}
	}
	return false
}

func (m *memStore) StaffByID(_ context.Context, id string) (domain.Staff, bool, error) {
	st, ok := m.staff[id]
	return st, ok, nil
}

func (m *memStore) FlowByID(_ context.Context, id string) (domain.Flow, bool, error) {
	f, ok := m.flows[id]
	return f, ok, nil
}

func (m *memStore) TemplateByID(_ context.Context, id string) (domain.Template, bool, error) {
	tpl, ok := m.tpls[id]
	return tpl, ok, nil
}

func (m *memStore) RecordsForAppointment(_ context.Context, apptID string) (map[string]store.DispatchRecord, error) {
	out := map[string]store.DispatchRecord{}
	for _, r := range m.recs {
		if r.AppointmentID == apptID {
			out[r.StepID] = *r
		}
	}
	return out, nil
}

func (m *memStore) AppendMessageLog(_ context.Context, in store.MessageLogEntry) error {
	m.logs = append(m.logs, in)
	return nil
}

func (m *memStore) EnsureRecord(_ context.Context, apptID, stepID string, now time.Time) error {
	k := rkey(apptID, stepID)
	if _, ok := m.recs[k]; !ok {
		m.recs[k] = &store.DispatchRecord{
			AppointmentID: apptID,
			StepID:        stepID,
			Status:        domain.DispatchPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	return nil
}

func (m *memStore) ClaimRecord(_ context.Context, apptID, stepID string, now time.Time, staleAfter time.Duration) (bool, store.DispatchRecord, error) {
	r, ok := m.recs[rkey(apptID, stepID)]
	if !ok {
		return false, store.DispatchRecord{}, nil
	}
	claimable := r.Status == domain.DispatchPending ||
		(r.Status == domain.DispatchSending && r.UpdatedAt.Before(now.Add(-staleAfter)))
	if !claimable || r.NextAttemptAt.After(now) {
		return false, store.DispatchRecord{}, nil
	}
	r.Status = domain.DispatchSending
	r.UpdatedAt = now
	return true, *r, nil
}

func (m *memStore) GetRecord(_ context.Context, apptID, stepID string) (store.DispatchRecord, bool, error) {
	r, ok := m.recs[rkey(apptID, stepID)]
	if !ok {
		return store.DispatchRecord{}, false, nil
	}
	return *r, true, nil
}

func (m *memStore) FinishRecord(_ context.Context, in store.DispatchFinish) error {
	r, ok := m.recs[rkey(in.AppointmentID, in.StepID)]
	if !ok || r.Status != domain.DispatchSending {
		return nil
	}
	r.Status = in.Status
	r.Attempts = in.Attempts
	r.LastError = in.LastError
	if in.ProviderMsgID != "" {
		r.ProviderMsgID = in.ProviderMsgID
	}
	r.NextAttemptAt = in.NextAttemptAt
	r.LastAttemptAt = in.Now
	r.UpdatedAt = in.Now
	return nil
}

func (m *memStore) SkipRecord(_ context.Context, apptID, stepID, reason string, now time.Time) (bool, error) {
	r, ok := m.recs[rkey(apptID, stepID)]
	if !ok {
		return false, nil
	}
	if r.Status != domain.DispatchPending && r.Status != domain.DispatchSending {
		return false, nil
	}
	r.Status = domain.DispatchSkipped
	r.LastError = reason
	r.UpdatedAt = now
	return true, nil
}

type fakeWhatsApp struct {
	calls      int
	msgID      string
	httpStatus int
	raw        []byte
	err        error
}

func (f *fakeWhatsApp) SendTemplate(_ context.Context, _ whatsapp.SendRequest) (string, int, []byte, error) {
	f.calls++
	if f.err != nil {
		return "", f.httpStatus, f.raw, f.err
	}
	return f.msgID, 200, nil, nil
}

type fakeMailer struct {
	calls int
	to    string
	err   error
}

func (f *fakeMailer) Send(_ context.Context, to, subject, body string) error {
	f.calls++
	f.to = to
	return f.err
}

func testEngine(ms *memStore, wa *fakeWhatsApp, mail *fakeMailer) *Engine {
	return &Engine{
		Source: ms,
		Guard: &dispatch.Guard{
			Store:       ms,
			MaxAttempts: 3,
			Backoff:     time.Minute,
			BackoffMax:  10 * time.Minute,
		},
		Evaluator: &flow.Evaluator{GraceWindow: 30 * time.Minute},
		Resolver:  &variables.Resolver{Business: domain.BusinessInfo{Name: "İstinye Park"}},
		WhatsApp:  wa,
		Mail:      mail,
		Lookback:  24 * time.Hour,
		Lookahead: 48 * time.Hour,
	}
}

func seedWhatsAppFlow(ms *memStore) {
	ms.tpls["tpl_wa"] = domain.Template{
		ID:               "tpl_wa",
		Channel:          domain.ChannelWhatsApp,
		Body:             "Sayın {{musteri}}, randevunuz oluşturuldu.",
		MetaTemplateName: "randevu_olusturuldu",
		ParamOrder:       []string{"musteri"},
	}
	ms.flows["f1"] = domain.Flow{ID: "f1", Name: "standart", Active: true, Steps: []domain.Step{
		{ID: "s_create", Trigger: domain.TriggerCreate, Channel: domain.ChannelWhatsApp, TemplateID: "tpl_wa"},
	}}
	ms.appts = []domain.Appointment{{
		ID:            "a1",
		FlowID:        "f1",
		Start:         passBase.Add(4 * time.Hour),
		Status:        domain.StatusScheduled,
		CustomerName:  "ayşe yılmaz",
		CustomerPhone: "05321234567",
	}}
}

func TestRunPassSendsAndIsIdempotent(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	wa := &fakeWhatsApp{msgID: "wamid.1"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 || res.Skipped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if wa.calls != 1 {
		t.Fatalf("sender calls = %d", wa.calls)
	}

	rec, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if rec.Status != domain.DispatchSent || rec.ProviderMsgID != "wamid.1" {
		t.Fatalf("record = %+v", rec)
	}

	// A second pass over the same state must not resend.
	res, err = eng.RunPass(context.Background(), passBase.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 0 || wa.calls != 1 {
		t.Fatalf("expected no resend, sent=%d calls=%d", res.Sent, wa.calls)
	}
}

func TestCreateStepFiresForFarFutureAppointment(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	// Booked a week out, well past the reminder lookahead.
	ms.appts[0].Start = passBase.Add(7 * 24 * time.Hour)
	ms.appts[0].CreatedAt = passBase.Add(-10 * time.Minute)

	wa := &fakeWhatsApp{msgID: "wamid.far"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || wa.calls != 1 {
		t.Fatalf("result = %+v, calls = %d", res, wa.calls)
	}
	rec, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if rec.Status != domain.DispatchSent || rec.ProviderMsgID != "wamid.far" {
		t.Fatalf("record = %+v", rec)
	}
}

func TestCancellationNoticeForFarFutureAppointment(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	ms.tpls["tpl_cancel"] = domain.Template{
		ID:               "tpl_cancel",
		Channel:          domain.ChannelWhatsApp,
		Body:             "Sayın {{musteri}}, randevunuz iptal edildi.",
		MetaTemplateName: "randevu_iptal",
		ParamOrder:       []string{"musteri"},
	}
	fl := ms.flows["f1"]
	fl.Steps = append(fl.Steps, domain.Step{
		ID: "s_cancel", Trigger: domain.TriggerCancel, Channel: domain.ChannelWhatsApp, TemplateID: "tpl_cancel",
	})
	ms.flows["f1"] = fl
	ms.appts[0].Start = passBase.Add(7 * 24 * time.Hour)
	ms.appts[0].Status = domain.StatusCancelled

	wa := &fakeWhatsApp{msgID: "wamid.c"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}
	cancel, _, _ := ms.GetRecord(context.Background(), "a1", "s_cancel")
	if cancel.Status != domain.DispatchSent {
		t.Fatalf("cancel record = %+v", cancel)
	}
}

func TestMissingVariableNeverDispatches(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	tpl := ms.tpls["tpl_wa"]
	tpl.Body = "Sayın {{musteri}}, kodunuz {{iskonto_kodu}}."
	tpl.ParamOrder = []string{"musteri", "iskonto_kodu"}
	ms.tpls["tpl_wa"] = tpl

	wa := &fakeWhatsApp{msgID: "wamid.1"}
	eng := testEngine(ms, wa, &fakeMailer{})

	now := passBase
	for i := 0; i < 3; i++ {
		res, err := eng.RunPass(context.Background(), now)
		if err != nil {
			t.Fatalf("pass %d: unexpected error: %v", i+1, err)
		}
		if len(res.Errors) != 1 || res.Errors[0].Kind != "missing_variable" {
			t.Fatalf("pass %d: errors = %+v", i+1, res.Errors)
		}
		now = now.Add(time.Hour)
	}

	if wa.calls != 0 {
		t.Fatalf("sender must never be called on a partial render, calls = %d", wa.calls)
	}
	rec, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if rec.Status != domain.DispatchFailed || rec.Attempts != 3 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestCancelledAppointmentSkipsPendingSteps(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	ms.tpls["tpl_cancel"] = domain.Template{
		ID:               "tpl_cancel",
		Channel:          domain.ChannelWhatsApp,
		Body:             "Sayın {{musteri}}, randevunuz iptal edildi.",
		MetaTemplateName: "randevu_iptal",
		ParamOrder:       []string{"musteri"},
	}
	fl := ms.flows["f1"]
	fl.Steps = append(fl.Steps, domain.Step{
		ID: "s_cancel", Trigger: domain.TriggerCancel, Channel: domain.ChannelWhatsApp, TemplateID: "tpl_cancel",
	})
	ms.flows["f1"] = fl
	ms.appts[0].Status = domain.StatusCancelled

	wa := &fakeWhatsApp{msgID: "wamid.c"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || res.Skipped != 1 {
		t.Fatalf("result = %+v", res)
	}

	create, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if create.Status != domain.DispatchSkipped || create.LastError != flow.SkipReasonCancelled {
		t.Fatalf("create record = %+v", create)
	}
	cancel, _, _ := ms.GetRecord(context.Background(), "a1", "s_cancel")
	if cancel.Status != domain.DispatchSent {
		t.Fatalf("cancel record = %+v", cancel)
	}
}

func TestTransientErrorRetriesUpToLimit(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	wa := &fakeWhatsApp{
		httpStatus: 500,
		raw:        []byte(`{"error":{"message":"unknown","code":1}}`),
		err:        errors.New("unknown api error"),
	}
	eng := testEngine(ms, wa, &fakeMailer{})

	now := passBase
	for i := 0; i < 5; i++ {
		if _, err := eng.RunPass(context.Background(), now); err != nil {
			t.Fatalf("pass %d: unexpected error: %v", i+1, err)
		}
		now = now.Add(time.Hour)
	}

	if wa.calls != 3 {
		t.Fatalf("sender calls = %d, want exactly 3", wa.calls)
	}
	rec, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if rec.Status != domain.DispatchFailed || rec.Attempts != 3 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	wa := &fakeWhatsApp{
		httpStatus: 400,
		raw:        []byte(`{"error":{"message":"template param count mismatch","code":132000}}`),
		err:        errors.New("template param count mismatch"),
	}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}

	// The next pass must not touch the failed record.
	if _, err := eng.RunPass(context.Background(), passBase.Add(time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wa.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", wa.calls)
	}
	rec, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if rec.Status != domain.DispatchFailed || rec.Attempts != 1 {
		t.Fatalf("record = %+v", rec)
	}
}

func TestEmailStepDeliversToCustomerAddress(t *testing.T) {
	ms := newMemStore()
	ms.tpls["tpl_mail"] = domain.Template{
		ID:      "tpl_mail",
		Channel: domain.ChannelEmail,
		Subject: "{{magaza}} randevu onayı",
		Body:    "Sayın {{musteri}}, randevunuz {{randevu_tarihi}}.",
	}
	ms.flows["f1"] = domain.Flow{ID: "f1", Active: true, Steps: []domain.Step{
		{ID: "s_mail", Trigger: domain.TriggerCreate, Channel: domain.ChannelEmail, TemplateID: "tpl_mail"},
	}}
	ms.appts = []domain.Appointment{{
		ID:            "a1",
		FlowID:        "f1",
		Start:         passBase.Add(4 * time.Hour),
		Status:        domain.StatusScheduled,
		CustomerName:  "ayşe yılmaz",
		CustomerEmail: "ayse@example.com",
	}}

	mail := &fakeMailer{}
	eng := testEngine(ms, &fakeWhatsApp{}, mail)

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || mail.calls != 1 {
		t.Fatalf("result = %+v, mail calls = %d", res, mail.calls)
	}
	if mail.to != "ayse@example.com" {
		t.Fatalf("mail to = %q", mail.to)
	}
}

func TestMissingRecipientFailsPermanently(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	ms.appts[0].CustomerPhone = ""

	wa := &fakeWhatsApp{msgID: "wamid.1"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 || wa.calls != 0 {
		t.Fatalf("result = %+v, calls = %d", res, wa.calls)
	}
}

func TestInactiveFlowDoesNothing(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	fl := ms.flows["f1"]
	fl.Active = false
	ms.flows["f1"] = fl

	wa := &fakeWhatsApp{msgID: "wamid.1"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 0 || res.Skipped != 0 || res.Failed != 0 || wa.calls != 0 {
		t.Fatalf("expected inert pass, got %+v calls=%d", res, wa.calls)
	}
}

func TestDanglingStaffReferenceFailsClosed(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	tpl := ms.tpls["tpl_wa"]
	tpl.Body = "Sayın {{musteri}}, danışmanınız {{personel}}."
	tpl.ParamOrder = []string{"musteri", "personel"}
	ms.tpls["tpl_wa"] = tpl
	ms.appts[0].StaffID = "st_missing"

	wa := &fakeWhatsApp{msgID: "wamid.1"}
	eng := testEngine(ms, wa, &fakeMailer{})

	res, err := eng.RunPass(context.Background(), passBase)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wa.calls != 0 {
		t.Fatalf("sender must not be called with blank staff fields, calls = %d", wa.calls)
	}

	var gotConfig, gotMissing bool
	for _, se := range res.Errors {
		switch se.Kind {
		case "configuration":
			gotConfig = true
		case "missing_variable":
			gotMissing = true
		}
	}
	if !gotConfig || !gotMissing {
		t.Fatalf("errors = %+v", res.Errors)
	}
	rec, _, _ := ms.GetRecord(context.Background(), "a1", "s_create")
	if rec.Status == domain.DispatchSent {
		t.Fatalf("record must not be sent, got %+v", rec)
	}
}

func TestMessageLogWrittenPerOutcome(t *testing.T) {
	ms := newMemStore()
	seedWhatsAppFlow(ms)
	wa := &fakeWhatsApp{msgID: "wamid.1"}
	eng := testEngine(ms, wa, &fakeMailer{})

	if _, err := eng.RunPass(context.Background(), passBase); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ms.logs) != 1 {
		t.Fatalf("log entries = %d", len(ms.logs))
	}
	entry := ms.logs[0]
	if entry.Outcome != string(domain.DispatchSent) || entry.ProviderMsgID != "wamid.1" {
		t.Fatalf("log entry = %+v", entry)
	}
	if entry.Recipient != "+905321234567" {
		t.Fatalf("log recipient = %q", entry.Recipient)
	}
}
