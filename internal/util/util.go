package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizePhone returns a Turkish E.164 number (+905XXXXXXXXX) for the usual
// local notations (05XX..., 5XX..., 90...). Anything else keeps its digits
// with a leading plus.
func NormalizePhone(p string) string {
	digits := keepDigits(p)
	if digits == "" {
		return ""
	}
	switch {
	case strings.HasPrefix(digits, "90") && len(digits) >= 12:
		return "+" + digits
	case strings.HasPrefix(digits, "0") && len(digits) == 11:
		return "+90" + digits[1:]
	case strings.HasPrefix(digits, "5") && len(digits) == 10:
		return "+90" + digits
	}
	return "+" + digits
}

func keepDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NewLogID returns a sortable id for message-log and delivery-event rows.
func NewLogID() string {
	t := time.Now().UTC()
	return "log_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
