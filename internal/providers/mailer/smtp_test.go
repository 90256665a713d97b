package mailer

import (
	"strings"
	"testing"
)

func TestBuildMessage(t *testing.T) {
	msg := buildMessage("randevu@example.com", "ayse@example.com", "Randevu Onayı", "Sayın Ayşe Yılmaz,\r\nrandevunuz onaylandı.")

	wantHeaders := []string{
		"From: randevu@example.com\r\n",
		"To: ayse@example.com\r\n",
		"Subject: Randevu Onayı\r\n",
		"Content-Type: text/plain; charset=utf-8\r\n",
	}
	for _, h := range wantHeaders {
		if !strings.Contains(msg, h) {
			t.Fatalf("message missing header %q:\n%s", h, msg)
		}
	}

	parts := strings.SplitN(msg, "\r\n\r\n", 2)
	if len(parts) != 2 {
		t.Fatalf("missing header/body separator:\n%s", msg)
	}
	if !strings.HasPrefix(parts[1], "Sayın Ayşe Yılmaz,") {
		t.Fatalf("body = %q", parts[1])
	}
}

func TestAddr(t *testing.T) {
	s := &Sender{Host: "localhost", Port: "1025"}
	if got := s.addr(); got != "localhost:1025" {
		t.Fatalf("addr = %q", got)
	}
}
