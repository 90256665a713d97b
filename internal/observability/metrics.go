package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	PassRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "apptnotify_pass_runs_total", Help: "Notification pass invocations"},
		[]string{"result"},
	)
	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "apptnotify_pass_duration_seconds", Help: "Notification pass duration"},
	)
	StepOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "apptnotify_step_outcomes_total", Help: "Per-step dispatch outcomes"},
		[]string{"channel", "outcome"},
	)
	WhatsAppSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_send_total", Help: "WhatsApp Cloud API send outcomes"},
		[]string{"result", "http_status"},
	)
	WhatsAppLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "whatsapp_send_latency_seconds", Help: "WhatsApp Cloud API send latency"},
	)
	MailSend = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "mail_send_total", Help: "SMTP send outcomes"},
		[]string{"result"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "whatsapp_webhook_events_total", Help: "Delivery status webhook events"},
		[]string{"status"},
	)
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "apptnotify_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(PassRuns, PassDuration, StepOutcomes, WhatsAppSend, WhatsAppLatency, MailSend, WebhookEvents, APIRequests)
}
