package variables

import (
	"testing"
	"time"

	"apptnotify/internal/domain"
)

func testAppointment() domain.Appointment {
	return domain.Appointment{
		ID:            "appt_1",
		Start:         time.Date(2025, time.December, 25, 14, 30, 0, 0, time.UTC),
		Status:        domain.StatusScheduled,
		Type:          "meeting",
		CustomerName:  "ayşe yılmaz",
		CustomerPhone: "05321234567",
		CustomerEmail: "ayse@example.com",
		CustomerNote:  "otopark girişi",
	}
}

func TestResolveProducesEveryVariable(t *testing.T) {
	r := &Resolver{Business: domain.BusinessInfo{
		Name:    "İstinye Park",
		Address: "Sarıyer, İstanbul",
		Phone:   "02121234567",
		Email:   "info@example.com",
	}}
	staff := domain.Staff{ID: "st_1", Name: "mehmet demir", Phone: "05417654321", Email: "mehmet@example.com"}

	m := r.Resolve(testAppointment(), &staff)

	want := []string{
		"musteri", "musteri_tel", "musteri_mail",
		"randevu_tarihi", "randevu_saati", "randevu_turu", "randevu_ek_bilgi",
		"personel", "personel_tel", "personel_mail",
		"magaza", "magaza_adres", "magaza_tel", "magaza_mail",
	}
	for _, name := range want {
		if _, ok := m[name]; !ok {
			t.Fatalf("variable %q missing from resolved map", name)
		}
	}
	if len(m) != len(want) {
		t.Fatalf("expected %d variables, got %d", len(want), len(m))
	}
}

func TestResolveFormatting(t *testing.T) {
	r := &Resolver{Business: domain.BusinessInfo{Name: "İstinye Park"}}
	m := r.Resolve(testAppointment(), &domain.Staff{Name: "mehmet demir", Phone: "5417654321"})

	if got := m["musteri"].Format(domain.ChannelWhatsApp); got != "Ayşe Yılmaz" {
		t.Fatalf("musteri = %q", got)
	}
	if got := m["musteri_tel"].Format(domain.ChannelWhatsApp); got != "+905321234567" {
		t.Fatalf("musteri_tel = %q", got)
	}
	if got := m["randevu_tarihi"].Format(domain.ChannelWhatsApp); got != "25 Aralık 2025" {
		t.Fatalf("whatsapp randevu_tarihi = %q", got)
	}
	if got := m["randevu_tarihi"].Format(domain.ChannelEmail); got != "25 Aralık 2025, Perşembe" {
		t.Fatalf("email randevu_tarihi = %q", got)
	}
	if got := m["randevu_saati"].Format(domain.ChannelEmail); got != "14:30" {
		t.Fatalf("randevu_saati = %q", got)
	}
	if got := m["randevu_turu"].Format(domain.ChannelEmail); got != "Görüşme" {
		t.Fatalf("randevu_turu = %q", got)
	}
	if got := m["personel_tel"].Format(domain.ChannelWhatsApp); got != "+905417654321" {
		t.Fatalf("personel_tel = %q", got)
	}
}

func TestResolveUnknownTypePassesThrough(t *testing.T) {
	r := &Resolver{}
	appt := testAppointment()
	appt.Type = "vip-fitting"
	m := r.Resolve(appt, nil)
	if got := m["randevu_turu"].Format(domain.ChannelWhatsApp); got != "vip-fitting" {
		t.Fatalf("randevu_turu = %q", got)
	}
}

func TestResolveWithoutStaffOmitsStaffVariables(t *testing.T) {
	r := &Resolver{}
	m := r.Resolve(testAppointment(), nil)
	for _, name := range []string{"personel", "personel_tel", "personel_mail"} {
		if _, ok := m[name]; ok {
			t.Fatalf("variable %q present without assigned staff", name)
		}
	}
}
