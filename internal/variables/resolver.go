package variables

import (
	"apptnotify/internal/domain"
	"apptnotify/internal/util"
)

// Appointment type keys map to their Turkish labels. Unknown types pass
// through unchanged.
var typeLabels = map[string]string{
	"meeting":  "Görüşme",
	"delivery": "Teslim",
	"service":  "Teknik Servis",
	"shipping": "Gönderi",
	"test":     "Test Randevusu",
}

// Resolver maps variable names to concrete values for one appointment/staff
// context. Business holds the process-wide globals, immutable after startup.
type Resolver struct {
	Business domain.BusinessInfo
}

// Resolve produces the variable map for one appointment. Staff variables are
// included only when staff is non-nil; a template that references them on an
// unassigned appointment fails closed in the renderer instead of rendering
// blanks.
func (r *Resolver) Resolve(appt domain.Appointment, staff *domain.Staff) Map {
	typeLabel := appt.Type
	if l, ok := typeLabels[appt.Type]; ok {
		typeLabel = l
	}

	m := Map{
		"musteri":          Name(appt.CustomerName),
		"musteri_tel":      Phone(util.NormalizePhone(appt.CustomerPhone)),
		"musteri_mail":     Text(appt.CustomerEmail),
		"randevu_tarihi":   Date(appt.Start),
		"randevu_saati":    ClockTime(appt.Start),
		"randevu_turu":     Text(typeLabel),
		"randevu_ek_bilgi": Text(appt.CustomerNote),
		"magaza":           Text(r.Business.Name),
		"magaza_adres":     Text(r.Business.Address),
		"magaza_tel":       Phone(util.NormalizePhone(r.Business.Phone)),
		"magaza_mail":      Text(r.Business.Email),
	}
	if staff != nil {
		m["personel"] = Name(staff.Name)
		m["personel_tel"] = Phone(util.NormalizePhone(staff.Phone))
		m["personel_mail"] = Text(staff.Email)
	}
	return m
}
