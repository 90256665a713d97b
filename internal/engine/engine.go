// Package engine orchestrates one notification pass: evaluate due steps,
// render, dispatch, commit outcomes. Safe to invoke repeatedly and
// concurrently; the dispatch guard is the only dedup mechanism.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/textproto"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"apptnotify/internal/dispatch"
	"apptnotify/internal/domain"
	"apptnotify/internal/flow"
	"apptnotify/internal/observability"
	"apptnotify/internal/providers/whatsapp"
	"apptnotify/internal/store"
	"apptnotify/internal/template"
	"apptnotify/internal/util"
	"apptnotify/internal/variables"
)

// Source reads the external collaborators' data: appointments, staff, flow
// definitions, templates, existing dispatch records, and the append-only
// message log.
type Source interface {
	AppointmentsDue(ctx context.Context, from, to time.Time) ([]domain.Appointment, error)
	StaffByID(ctx context.Context, id string) (domain.Staff, bool, error)
	FlowByID(ctx context.Context, id string) (domain.Flow, bool, error)
	TemplateByID(ctx context.Context, id string) (domain.Template, bool, error)
	RecordsForAppointment(ctx context.Context, appointmentID string) (map[string]store.DispatchRecord, error)
	AppendMessageLog(ctx context.Context, in store.MessageLogEntry) error
}

type WhatsAppSender interface {
	SendTemplate(ctx context.Context, req whatsapp.SendRequest) (msgID string, httpStatus int, raw []byte, err error)
}

type MailSender interface {
	Send(ctx context.Context, to, subject, body string) error
}

type Engine struct {
	Source    Source
	Guard     *dispatch.Guard
	Evaluator *flow.Evaluator
	Resolver  *variables.Resolver
	WhatsApp  WhatsAppSender
	Mail      MailSender

	// Limiter and Breaker protect the WhatsApp API; both optional.
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	DispatchTimeout time.Duration
	Lookback        time.Duration
	Lookahead       time.Duration
}

// RunPass processes every appointment with potentially due steps. Errors for
// one appointment or step never abort the pass for others; the result
// aggregates counts plus structured errors for operator visibility.
func (e *Engine) RunPass(ctx context.Context, now time.Time) (domain.PassResult, error) {
	start := time.Now()
	var res domain.PassResult

	appts, err := e.Source.AppointmentsDue(ctx, now.Add(-e.Lookback), now.Add(e.Lookahead))
	if err != nil {
		observability.PassRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("load due appointments: %w", err)
	}

	for _, appt := range appts {
		e.processAppointment(ctx, appt, now, &res)
	}

	observability.PassRuns.WithLabelValues("ok").Inc()
	observability.PassDuration.Observe(time.Since(start).Seconds())
	slog.Info("notification pass finished",
		"appointments", len(appts),
		"sent", res.Sent,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"errors", len(res.Errors),
		"duration", time.Since(start),
	)
	return res, nil
}

func (e *Engine) processAppointment(ctx context.Context, appt domain.Appointment, now time.Time, res *domain.PassResult) {
	fl, ok, err := e.Source.FlowByID(ctx, appt.FlowID)
	if err != nil {
		res.Errors = append(res.Errors, stepError(appt.ID, "", "", "store", err))
		return
	}
	if !ok {
		cerr := &domain.ConfigurationError{Ref: appt.FlowID, Msg: "flow not found"}
		res.Errors = append(res.Errors, stepError(appt.ID, "", "", "configuration", cerr))
		return
	}
	if !fl.Active {
		return
	}

	recs, err := e.Source.RecordsForAppointment(ctx, appt.ID)
	if err != nil {
		res.Errors = append(res.Errors, stepError(appt.ID, "", "", "store", err))
		return
	}

	var staff *domain.Staff
	if appt.StaffID != "" {
		st, ok, err := e.Source.StaffByID(ctx, appt.StaffID)
		if err != nil {
			res.Errors = append(res.Errors, stepError(appt.ID, "", "", "store", err))
			return
		}
		if !ok {
			// Dangling staff reference. Surface it; any template that needs a
			// personel variable then fails closed in the renderer.
			cerr := &domain.ConfigurationError{Ref: appt.StaffID, Msg: "staff not found"}
			res.Errors = append(res.Errors, stepError(appt.ID, "", "", "configuration", cerr))
		} else {
			staff = &st
		}
	}

	decision := e.Evaluator.Evaluate(appt, fl, recs, now)

	for _, sk := range decision.Skip {
		changed, err := e.Guard.Skip(ctx, appt.ID, sk.Step.ID, sk.Reason, now)
		if err != nil {
			res.Errors = append(res.Errors, stepError(appt.ID, sk.Step.ID, sk.Step.Channel, "store", err))
			continue
		}
		if changed {
			res.Skipped++
			observability.StepOutcomes.WithLabelValues(string(sk.Step.Channel), "skipped").Inc()
			e.appendLog(ctx, appt, sk.Step, "", template.Rendered{}, "skipped", "", sk.Reason, now)
		}
	}

	// Due steps run strictly in the flow's declared order.
	for _, step := range decision.Due {
		e.processStep(ctx, appt, staff, step, now, res)
	}
}

func (e *Engine) processStep(ctx context.Context, appt domain.Appointment, staff *domain.Staff, step domain.Step, now time.Time, res *domain.PassResult) {
	begin, err := e.Guard.TryBegin(ctx, appt.ID, step.ID, now)
	if err != nil {
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, "store", err))
		return
	}
	if !begin.Acquired {
		// Terminal, inside backoff, or claimed by an overlapping run.
		return
	}

	tpl, ok, err := e.Source.TemplateByID(ctx, step.TemplateID)
	if err != nil {
		e.commit(ctx, appt, step, begin.Attempts, dispatch.Outcome{Result: dispatch.ResultRequeue, Err: err}, template.Rendered{}, "", now, res)
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, "store", err))
		return
	}
	if !ok {
		cerr := &domain.ConfigurationError{Ref: step.TemplateID, Msg: "template not found"}
		e.commit(ctx, appt, step, begin.Attempts, dispatch.Outcome{Result: dispatch.ResultTransient, Err: cerr}, template.Rendered{}, "", now, res)
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, "configuration", cerr))
		return
	}

	vars := e.Resolver.Resolve(appt, staff)
	rendered, err := template.Render(tpl, vars)
	if err != nil {
		// Fail closed: nothing reaches the dispatcher on a partial render.
		e.commit(ctx, appt, step, begin.Attempts, dispatch.Outcome{Result: dispatch.ResultTransient, Err: err}, template.Rendered{}, "", now, res)
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, "missing_variable", err))
		return
	}

	recipient := e.recipient(appt, step.Channel)
	if recipient == "" {
		cerr := domain.NewPermanent(errors.New("no recipient for channel " + string(step.Channel)))
		e.commit(ctx, appt, step, begin.Attempts, dispatch.Outcome{Result: dispatch.ResultPermanent, Err: cerr}, rendered, recipient, now, res)
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, "permanent", cerr))
		return
	}

	out := e.send(ctx, tpl, step, recipient, rendered)
	e.commit(ctx, appt, step, begin.Attempts, out, rendered, recipient, now, res)
	if out.Err != nil {
		kind := "transient"
		if out.Result == dispatch.ResultPermanent {
			kind = "permanent"
		}
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, kind, out.Err))
	}
}

// send performs exactly one dispatcher call, bounded by DispatchTimeout, and
// classifies the outcome.
func (e *Engine) send(ctx context.Context, tpl domain.Template, step domain.Step, recipient string, rendered template.Rendered) dispatch.Outcome {
	timeout := e.DispatchTimeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	switch step.Channel {
	case domain.ChannelWhatsApp:
		return e.sendWhatsApp(ctx, tpl, recipient, rendered, timeout)
	case domain.ChannelEmail:
		return e.sendMail(ctx, recipient, rendered, timeout)
	default:
		return dispatch.Outcome{Result: dispatch.ResultPermanent, Err: domain.NewPermanent(errors.New("unknown channel " + string(step.Channel)))}
	}
}

func (e *Engine) sendWhatsApp(ctx context.Context, tpl domain.Template, recipient string, rendered template.Rendered, timeout time.Duration) dispatch.Outcome {
	if e.Limiter != nil {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := e.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			// Could not even acquire a token; try again next pass without
			// consuming an attempt.
			observability.WhatsAppSend.WithLabelValues("rate_limited_local", "0").Inc()
			return dispatch.Outcome{Result: dispatch.ResultRequeue, Err: domain.NewTransient(err)}
		}
	}

	start := time.Now()
	resAny, err := e.executeWithBreaker(ctx, tpl, recipient, rendered, timeout)

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		observability.WhatsAppSend.WithLabelValues("cb_open", "0").Inc()
		// Provider protection, not a message failure: no attempt consumed.
		return dispatch.Outcome{Result: dispatch.ResultRequeue, Err: domain.NewTransient(err)}
	}

	if err == nil {
		r := resAny.(waSendResult)
		observability.WhatsAppSend.WithLabelValues("ok", strconv.Itoa(r.httpStatus)).Inc()
		observability.WhatsAppLatency.Observe(time.Since(start).Seconds())
		return dispatch.Outcome{Result: dispatch.ResultSent, ProviderMsgID: r.msgID}
	}

	var wce waCallError
	var httpStatus int
	var raw []byte
	if errors.As(err, &wce) {
		httpStatus = wce.httpStatus
		raw = wce.raw
	}
	observability.WhatsAppSend.WithLabelValues("error", strconv.Itoa(httpStatus)).Inc()

	cerr := &domain.ChannelError{
		Transient:  whatsapp.ShouldRetry(err, httpStatus, raw),
		Code:       whatsapp.ErrorCode(raw),
		HTTPStatus: httpStatus,
		Err:        err,
	}
	return dispatch.Outcome{Result: resultFor(cerr), Err: cerr}
}

func (e *Engine) executeWithBreaker(ctx context.Context, tpl domain.Template, recipient string, rendered template.Rendered, timeout time.Duration) (any, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		msgID, httpStatus, raw, callErr := e.WhatsApp.SendTemplate(reqCtx, whatsapp.SendRequest{
			To:           recipient,
			TemplateName: tpl.MetaTemplateName,
			Params:       rendered.Params,
		})
		if callErr != nil {
			return nil, waCallError{err: callErr, httpStatus: httpStatus, raw: raw}
		}
		return waSendResult{msgID: msgID, httpStatus: httpStatus, raw: raw}, nil
	}

	if e.Breaker == nil {
		return call()
	}
	return e.Breaker.Execute(call)
}

func (e *Engine) sendMail(ctx context.Context, recipient string, rendered template.Rendered, timeout time.Duration) dispatch.Outcome {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := e.Mail.Send(reqCtx, recipient, rendered.Subject, rendered.Body)
	if err == nil {
		observability.MailSend.WithLabelValues("ok").Inc()
		return dispatch.Outcome{Result: dispatch.ResultSent}
	}
	observability.MailSend.WithLabelValues("error").Inc()

	cerr := &domain.ChannelError{Transient: mailShouldRetry(err), Err: err}
	return dispatch.Outcome{Result: resultFor(cerr), Err: cerr}
}

func resultFor(err error) dispatch.Result {
	if domain.IsTransient(err) {
		return dispatch.ResultTransient
	}
	return dispatch.ResultPermanent
}

// mailShouldRetry: SMTP 5xx replies are permanent rejections; 4xx replies and
// anything network-shaped (timeouts, refused connections) are transient.
func mailShouldRetry(err error) bool {
	var te *textproto.Error
	if errors.As(err, &te) {
		return te.Code < 500
	}
	return true
}

func (e *Engine) commit(ctx context.Context, appt domain.Appointment, step domain.Step, attempts int, out dispatch.Outcome, rendered template.Rendered, recipient string, now time.Time, res *domain.PassResult) {
	status, err := e.Guard.Commit(ctx, appt.ID, step.ID, attempts, out, now)
	if err != nil {
		res.Errors = append(res.Errors, stepError(appt.ID, step.ID, step.Channel, "store", err))
		return
	}

	switch status {
	case domain.DispatchSent:
		res.Sent++
		observability.StepOutcomes.WithLabelValues(string(step.Channel), "sent").Inc()
	case domain.DispatchFailed:
		res.Failed++
		observability.StepOutcomes.WithLabelValues(string(step.Channel), "failed").Inc()
	default:
		observability.StepOutcomes.WithLabelValues(string(step.Channel), "retry_scheduled").Inc()
	}

	errMsg := ""
	if out.Err != nil {
		errMsg = out.Err.Error()
	}
	e.appendLog(ctx, appt, step, recipient, rendered, string(status), out.ProviderMsgID, errMsg, now)
}

func (e *Engine) appendLog(ctx context.Context, appt domain.Appointment, step domain.Step, recipient string, rendered template.Rendered, outcome, providerMsgID, errMsg string, now time.Time) {
	entry := store.MessageLogEntry{
		ID:            util.NewLogID(),
		AppointmentID: appt.ID,
		StepID:        step.ID,
		Channel:       string(step.Channel),
		Recipient:     recipient,
		Subject:       rendered.Subject,
		Body:          rendered.Body,
		Outcome:       outcome,
		ProviderMsgID: providerMsgID,
		Error:         errMsg,
		Now:           now,
	}
	if err := e.Source.AppendMessageLog(ctx, entry); err != nil {
		slog.Error("message log append failed", "err", err, "appointment_id", appt.ID, "step_id", step.ID)
	}
}

func (e *Engine) recipient(appt domain.Appointment, ch domain.Channel) string {
	switch ch {
	case domain.ChannelWhatsApp:
		return util.NormalizePhone(appt.CustomerPhone)
	case domain.ChannelEmail:
		return appt.CustomerEmail
	}
	return ""
}

func stepError(apptID, stepID string, ch domain.Channel, kind string, err error) domain.StepError {
	return domain.StepError{
		AppointmentID: apptID,
		StepID:        stepID,
		Channel:       string(ch),
		Kind:          kind,
		Message:       err.Error(),
	}
}

type waSendResult struct {
	msgID      string
	httpStatus int
	raw        []byte
}

type waCallError struct {
	err        error
	httpStatus int
	raw        []byte
}

func (e waCallError) Error() string { return e.err.Error() }
func (e waCallError) Unwrap() error { return e.err }
