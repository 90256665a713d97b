package variables

import (
	"fmt"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var turkishMonths = [...]string{
	"Ocak", "Şubat", "Mart", "Nisan", "Mayıs", "Haziran",
	"Temmuz", "Ağustos", "Eylül", "Ekim", "Kasım", "Aralık",
}

var turkishDays = [...]string{
	"Pazar", "Pazartesi", "Salı", "Çarşamba", "Perşembe", "Cuma", "Cumartesi",
}

var titleCaser = cases.Title(language.Turkish)

// TitleCase uppercases the first letter of each word with Turkish collation,
// so "istinye" becomes "İstinye" and "IŞIK" becomes "Işık".
func TitleCase(s string) string {
	return titleCaser.String(s)
}

// FormatDateLong renders "25 Aralık 2025, Cuma".
func FormatDateLong(t time.Time) string {
	return fmt.Sprintf("%d %s %d, %s", t.Day(), turkishMonths[t.Month()-1], t.Year(), turkishDays[t.Weekday()])
}

// FormatDateShort renders "25 Aralık 2025".
func FormatDateShort(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), turkishMonths[t.Month()-1], t.Year())
}
