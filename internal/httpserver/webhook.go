package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"apptnotify/internal/observability"
	"apptnotify/internal/providers/whatsapp"
	sqsqueue "apptnotify/internal/queue/sqs"
	"apptnotify/internal/util"
)

type EventQueue interface {
	Enqueue(ctx context.Context, ev sqsqueue.WebhookEvent) error
}

// Webhook terminates Meta's callback traffic: the subscription handshake on
// GET and signed delivery-status callbacks on POST. Status updates are pushed
// to SQS so the HTTP path stays fast; the webhook-processor applies them.
type Webhook struct {
	Queue       EventQueue
	AppSecret   string
	VerifyToken string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/whatsapp", w.handleVerify).Methods(http.MethodGet)
	mux.HandleFunc("/v1/webhooks/whatsapp", w.handleCallback).Methods(http.MethodPost)
}

// handleVerify answers Meta's subscription handshake by echoing hub.challenge.
func (w *Webhook) handleVerify(rw http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != w.VerifyToken {
		http.Error(rw, ErrInvalidSignature, http.StatusForbidden)
		return
	}
	rw.WriteHeader(http.StatusOK)
	_, _ = rw.Write([]byte(q.Get("hub.challenge")))
}

func (w *Webhook) handleCallback(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if !whatsapp.VerifySignature(w.AppSecret, body, r.Header.Get("X-Hub-Signature-256")) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	updates, err := whatsapp.ParseStatuses(body)
	if err != nil {
		http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	for _, u := range updates {
		observability.WebhookEvents.WithLabelValues(u.Status).Inc()

		ev := sqsqueue.WebhookEvent{
			Provider:      "whatsapp",
			ProviderMsgID: u.MessageID,
			Status:        u.Status,
			RecipientID:   u.RecipientID,
			ErrorCode:     u.ErrorCode,
			ErrorMessage:  u.ErrorMessage,
			ReceivedAt:    util.NowUTC(),
		}
		if err := w.Queue.Enqueue(r.Context(), ev); err != nil {
			slog.Error("webhook enqueue failed", "err", err, "provider_msg_id", u.MessageID, "status", u.Status)
			// 500 makes Meta redeliver the whole callback; the processor
			// tolerates duplicates.
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
	}
	rw.WriteHeader(http.StatusOK)
}
