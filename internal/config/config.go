package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type APIConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	DBPool DBPoolConfig
	Engine EngineConfig
}

type DBPoolConfig struct {
	MaxConns          int32  `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	MinConns          int32  `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	MaxConnLifetime   string `envconfig:"DB_POOL_MAX_CONN_LIFETIME"`
	MaxConnIdleTime   string `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME"`
	HealthCheckPeriod string `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD"`
}

type WorkerConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// AWS / SQS: the pass-tick queue the scheduler writes to
	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSPassQueueURL    string `envconfig:"SQS_PASS_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"1"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"300"`

	DBPool DBPoolConfig
	Engine EngineConfig
}

type WebhookConfig struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	// Meta app secret signs callbacks (X-Hub-Signature-256); the verify token
	// answers the subscription handshake.
	WhatsAppAppSecret   string `envconfig:"WHATSAPP_APP_SECRET" required:"true"`
	WhatsAppVerifyToken string `envconfig:"WHATSAPP_VERIFY_TOKEN" required:"true"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSWebhookQueueURL string `envconfig:"SQS_WEBHOOK_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
}

type WebhookProcessorConfig struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`

	AWSRegion          string `envconfig:"AWS_REGION" required:"true"`
	SQSWebhookQueueURL string `envconfig:"SQS_WEBHOOK_QUEUE_URL" required:"true"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	SQSWaitTime        int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs         int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout      int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	WorkerConcurrency  int    `envconfig:"WORKER_CONCURRENCY" default:"5"`

	DBPool DBPoolConfig
}

// EngineConfig covers everything one notification pass needs. Shared by the
// api (synchronous pass endpoint) and the worker (tick-driven passes).
type EngineConfig struct {
	// Reminder steps with a negative offset never fire once the appointment
	// start is more than GraceWindow in the past.
	GraceWindow     time.Duration `envconfig:"GRACE_WINDOW" default:"30m"`
	MaxAttempts     int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	DispatchTimeout time.Duration `envconfig:"DISPATCH_TIMEOUT" default:"8s"`
	RetryBackoff    time.Duration `envconfig:"RETRY_BACKOFF" default:"2m"`
	RetryBackoffMax time.Duration `envconfig:"RETRY_BACKOFF_MAX" default:"30m"`

	// Window of appointments one pass inspects, relative to now.
	Lookback  time.Duration `envconfig:"PASS_LOOKBACK" default:"24h"`
	Lookahead time.Duration `envconfig:"PASS_LOOKAHEAD" default:"48h"`

	// WhatsApp Cloud API
	WhatsAppPhoneNumberID string  `envconfig:"WHATSAPP_PHONE_NUMBER_ID" required:"true"`
	WhatsAppAccessToken   string  `envconfig:"WHATSAPP_ACCESS_TOKEN" required:"true"`
	WhatsAppAPIVersion    string  `envconfig:"WHATSAPP_API_VERSION" default:"v18.0"`
	WhatsAppBaseURL       string  `envconfig:"WHATSAPP_BASE_URL" default:"https://graph.facebook.com"`
	WhatsAppRPS           float64 `envconfig:"WHATSAPP_RPS" default:"10"`
	WhatsAppBurst         int     `envconfig:"WHATSAPP_BURST" default:"20"`

	// SMTP (Mailpit-compatible; auth optional)
	SMTPHost     string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     string `envconfig:"SMTP_PORT" default:"1025"`
	SMTPFrom     string `envconfig:"SMTP_FROM" default:"randevu@istinyepark.local"`
	SMTPUsername string `envconfig:"SMTP_USERNAME"`
	SMTPPassword string `envconfig:"SMTP_PASSWORD"`

	// Business-wide template variables, loaded once per process start.
	BusinessName    string `envconfig:"BUSINESS_NAME" required:"true"`
	BusinessAddress string `envconfig:"BUSINESS_ADDRESS"`
	BusinessPhone   string `envconfig:"BUSINESS_PHONE"`
	BusinessEmail   string `envconfig:"BUSINESS_EMAIL"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	if err := envconfig.Process("", &cfg); err != nil {
		panic(err)
	}
	return cfg
}
