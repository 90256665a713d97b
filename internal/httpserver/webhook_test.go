package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sqsqueue "apptnotify/internal/queue/sqs"
)

type fakeQueue struct {
	events []sqsqueue.WebhookEvent
	err    error
}

func (f *fakeQueue) Enqueue(_ context.Context, ev sqsqueue.WebhookEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func newWebhookServer(q *fakeQueue) *httptest.Server {
	s := New()
	wh := &Webhook{Queue: q, AppSecret: "secret", VerifyToken: "verify-me"}
	wh.Register(s.Mux)
	return httptest.NewServer(s.Mux)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestWebhookHandshake(t *testing.T) {
	srv := newWebhookServer(&fakeQueue{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	buf := make([]byte, 16)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "12345" {
		t.Fatalf("challenge echo = %q", got)
	}
}

func TestWebhookHandshakeRejectsBadToken(t *testing.T) {
	srv := newWebhookServer(&fakeQueue{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

const statusCallback = `{
	"object": "whatsapp_business_account",
	"entry": [{
		"changes": [{
			"field": "messages",
			"value": {"statuses": [{"id": "wamid.A", "status": "delivered", "recipient_id": "905321234567"}]}
		}]
	}]
}`

func TestWebhookCallbackEnqueues(t *testing.T) {
	q := &fakeQueue{}
	srv := newWebhookServer(q)
	defer srv.Close()

	body := []byte(statusCallback)
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/whatsapp", strings.NewReader(statusCallback))
	req.Header.Set("X-Hub-Signature-256", signBody("secret", body))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(q.events) != 1 {
		t.Fatalf("enqueued events = %d", len(q.events))
	}
	ev := q.events[0]
	if ev.Provider != "whatsapp" || ev.ProviderMsgID != "wamid.A" || ev.Status != "delivered" {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWebhookCallbackRejectsBadSignature(t *testing.T) {
	q := &fakeQueue{}
	srv := newWebhookServer(q)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/v1/webhooks/whatsapp", strings.NewReader(statusCallback))
	req.Header.Set("X-Hub-Signature-256", signBody("wrong-secret", []byte(statusCallback)))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(q.events) != 0 {
		t.Fatalf("expected nothing enqueued, got %d", len(q.events))
	}
}
