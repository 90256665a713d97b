package variables

import (
	"time"

	"apptnotify/internal/domain"
)

type Kind int

const (
	KindText Kind = iota
	KindName
	KindDate
	KindTime
	KindPhone
)

// Value is a tagged union: one variable, one kind, explicit formatting rules.
// Dynamic string coercion is deliberately not offered.
type Value struct {
	Kind Kind
	Text string
	Time time.Time
}

func Text(s string) Value         { return Value{Kind: KindText, Text: s} }
func Name(s string) Value         { return Value{Kind: KindName, Text: s} }
func Date(t time.Time) Value      { return Value{Kind: KindDate, Time: t} }
func ClockTime(t time.Time) Value { return Value{Kind: KindTime, Time: t} }
func Phone(s string) Value        { return Value{Kind: KindPhone, Text: s} }

// Format renders the value for a channel. Names are title-cased with Turkish
// collation; dates use Turkish month and day names. Email and WhatsApp share
// the time format but differ on dates (email spells the weekday out).
func (v Value) Format(ch domain.Channel) string {
	switch v.Kind {
	case KindName:
		return TitleCase(v.Text)
	case KindDate:
		if ch == domain.ChannelEmail {
			return FormatDateLong(v.Time)
		}
		return FormatDateShort(v.Time)
	case KindTime:
		return v.Time.Format("15:04")
	case KindPhone:
		return v.Text
	default:
		return v.Text
	}
}

// Map holds every resolved variable for one appointment/staff context.
type Map map[string]Value
