// mock-whatsapp emulates the WhatsApp Cloud API messages endpoint for local
// runs and load tests: it accepts template sends, returns Graph-style
// responses, and replays signed delivery-status webhooks.
package main

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/kelseyhightower/envconfig"
)

type config struct {
	Port        string `envconfig:"PORT" default:"8080"`
	AccessToken string `envconfig:"WHATSAPP_ACCESS_TOKEN" default:"mock_token"`
	AppSecret   string `envconfig:"WHATSAPP_APP_SECRET" default:"mock_secret"`

	OutcomeMode string `envconfig:"MOCK_OUTCOME_MODE" default:"fixed"`
	OutcomesRaw string `envconfig:"MOCK_OUTCOMES" default:"ok"`
	DelayMs     int    `envconfig:"MOCK_DELAY_MS" default:"0"`

	WebhookURL         string `envconfig:"MOCK_WEBHOOK_URL" default:""`
	WebhookDelayMs     int    `envconfig:"MOCK_WEBHOOK_DELAY_MS" default:"500"`
	WebhookSentDelayMs int    `envconfig:"MOCK_WEBHOOK_SENT_DELAY_MS" default:"300"`
	WebhookMaxRetries  int    `envconfig:"MOCK_WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryBaseMs int    `envconfig:"MOCK_WEBHOOK_RETRY_BASE_MS" default:"250"`

	Outcomes         []string
	Delay            time.Duration
	WebhookDelay     time.Duration
	WebhookSentDelay time.Duration
	WebhookRetryBase time.Duration
}

type sendRequest struct {
	MessagingProduct string `json:"messaging_product"`
	To               string `json:"to"`
	Type             string `json:"type"`
	Template         struct {
		Name string `json:"name"`
	} `json:"template"`
}

type sendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    int    `json:"code"`
	} `json:"error"`
}

type server struct {
	cfg    config
	idx    uint64
	rng    *rand.Rand
	rngMu  sync.Mutex
	client *http.Client
}

func main() {
	cfg := loadConfig()
	loggingInit()

	s := &server{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		client: &http.Client{Timeout: 5 * time.Second},
	}

	router := mux.NewRouter()
	router.HandleFunc("/{version}/{phoneNumberID}/messages", s.handleSend).Methods(http.MethodPost)

	slog.Info("mock whatsapp listening", "port", cfg.Port)
	if err := http.ListenAndServe(":"+cfg.Port, loggingMiddleware(router)); err != nil {
		slog.Error("mock whatsapp server failed", "err", err)
		os.Exit(1)
	}
}

func loggingInit() {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(h))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		slog.Info("mock whatsapp request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func loadConfig() config {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("mock whatsapp config load failed", "err", err)
		os.Exit(1)
	}
	cfg.OutcomeMode = strings.ToLower(cfg.OutcomeMode)
	cfg.Outcomes = parseCSV(cfg.OutcomesRaw)
	cfg.Delay = time.Duration(cfg.DelayMs) * time.Millisecond
	cfg.WebhookURL = strings.TrimSpace(cfg.WebhookURL)
	cfg.WebhookDelay = time.Duration(cfg.WebhookDelayMs) * time.Millisecond
	cfg.WebhookSentDelay = time.Duration(cfg.WebhookSentDelayMs) * time.Millisecond
	if cfg.WebhookMaxRetries < 0 {
		cfg.WebhookMaxRetries = 0
	}
	if cfg.WebhookRetryBaseMs <= 0 {
		cfg.WebhookRetryBaseMs = 250
	}
	cfg.WebhookRetryBase = time.Duration(cfg.WebhookRetryBaseMs) * time.Millisecond
	return cfg
}

func (s *server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+s.cfg.AccessToken {
		writeGraphError(w, http.StatusUnauthorized, 190, "Invalid OAuth access token")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeGraphError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}
	if req.MessagingProduct != "whatsapp" || req.To == "" || req.Template.Name == "" {
		writeGraphError(w, http.StatusBadRequest, 100, "Invalid parameter")
		return
	}

	if s.cfg.Delay > 0 {
		select {
		case <-r.Context().Done():
			return
		case <-time.After(s.cfg.Delay):
		}
	}

	outcome := s.nextOutcome()
	finalStatus, errorCode, httpStatus, callErr := classifyOutcome(outcome)
	if callErr != nil {
		writeGraphError(w, httpStatus, errorCode, callErr.Error())
		return
	}

	msgID := fmt.Sprintf("wamid.MOCK%06d", atomic.AddUint64(&s.idx, 1)-1)

	var resp sendResponse
	resp.MessagingProduct = "whatsapp"
	resp.Contacts = []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	}{{Input: req.To, WaID: strings.TrimPrefix(req.To, "+")}}
	resp.Messages = []struct {
		ID string `json:"id"`
	}{{ID: msgID}}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)

	s.maybeWebhookSequence(msgID, req.To, finalStatus, errorCode)
}

// maybeWebhookSequence replays the status progression Meta emits for a
// message: sent, then delivered or failed.
func (s *server) maybeWebhookSequence(msgID, recipient, finalStatus string, errorCode int) {
	if s.cfg.WebhookURL == "" {
		return
	}
	go func() {
		if s.cfg.WebhookSentDelay > 0 {
			time.Sleep(s.cfg.WebhookSentDelay)
		}
		s.postStatus(msgID, recipient, "sent", 0)

		if s.cfg.WebhookDelay > 0 {
			time.Sleep(s.cfg.WebhookDelay)
		}
		s.postStatus(msgID, recipient, finalStatus, errorCode)
	}()
}

func (s *server) postStatus(msgID, recipient, status string, errorCode int) {
	body := callbackBody(msgID, recipient, status, errorCode)
	sig := signBody(s.cfg.AppSecret, body)

	maxAttempts := s.cfg.WebhookMaxRetries + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Hub-Signature-256", sig)

		resp, err := s.client.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_ = resp.Body.Close()
			return
		}
		code := 0
		if resp != nil {
			code = resp.StatusCode
			_ = resp.Body.Close()
		}
		if attempt == maxAttempts-1 {
			slog.Error("mock webhook post failed", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", code, "err", err)
			return
		}

		wait := s.cfg.WebhookRetryBase * time.Duration(1<<attempt)
		slog.Warn("mock webhook post retrying", "url", s.cfg.WebhookURL, "attempt", attempt+1, "status", code, "wait_ms", wait.Milliseconds())
		time.Sleep(wait)
	}
}

func callbackBody(msgID, recipient, status string, errorCode int) []byte {
	st := map[string]any{
		"id":           msgID,
		"status":       status,
		"timestamp":    strconv.FormatInt(time.Now().Unix(), 10),
		"recipient_id": strings.TrimPrefix(recipient, "+"),
	}
	if errorCode != 0 {
		st["errors"] = []map[string]any{{"code": errorCode, "title": "mock delivery failure"}}
	}

	payload := map[string]any{
		"object": "whatsapp_business_account",
		"entry": []map[string]any{{
			"changes": []map[string]any{{
				"field": "messages",
				"value": map[string]any{
					"messaging_product": "whatsapp",
					"statuses":          []any{st},
				},
			}},
		}},
	}
	b, _ := json.Marshal(payload)
	return b
}

func signBody(appSecret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *server) nextOutcome() string {
	switch s.cfg.OutcomeMode {
	case "round_robin":
		idx := atomic.AddUint64(&s.idx, 1) - 1
		return s.cfg.Outcomes[int(idx)%len(s.cfg.Outcomes)]
	case "random":
		s.rngMu.Lock()
		i := s.rng.Intn(len(s.cfg.Outcomes))
		s.rngMu.Unlock()
		return s.cfg.Outcomes[i]
	default:
		return s.cfg.Outcomes[0]
	}
}

func classifyOutcome(raw string) (finalStatus string, errorCode, httpStatus int, callErr error) {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	parts := strings.Split(token, ":")
	kind := parts[0]
	if len(parts) > 1 {
		if v, err := strconv.Atoi(parts[1]); err == nil {
			errorCode = v
		}
	}

	switch kind {
	case "ok", "success":
		return "delivered", 0, http.StatusOK, nil
	case "undelivered", "failed":
		if errorCode == 0 {
			errorCode = 131026
		}
		return "failed", errorCode, http.StatusOK, nil
	case "rate_limit", "429":
		if errorCode == 0 {
			errorCode = 130429
		}
		return "", errorCode, http.StatusTooManyRequests, errors.New("rate limit hit")
	case "bad_request", "400":
		if errorCode == 0 {
			errorCode = 132000
		}
		return "", errorCode, http.StatusBadRequest, errors.New("template param count mismatch")
	case "server_error", "500":
		if errorCode == 0 {
			errorCode = 1
		}
		return "", errorCode, http.StatusInternalServerError, errors.New("unknown API error")
	default:
		if errorCode == 0 {
			errorCode = 131026
		}
		return "", errorCode, http.StatusInternalServerError, errors.New("mock error: " + kind)
	}
}

func writeGraphError(w http.ResponseWriter, status, code int, msg string) {
	var resp graphError
	resp.Error.Message = msg
	resp.Error.Type = "OAuthException"
	resp.Error.Code = code

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return []string{"ok"}
	}
	return out
}
