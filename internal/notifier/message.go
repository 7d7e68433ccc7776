package notifier

import (
	"strings"
)

const defaultBrand = "MedRemind"

// Reminder holds the fields rendered into a reminder text.
type Reminder struct {
	Brand      string
	Medication string
	Dosage     string
	DosageUnit string
	Time       string // "HH:MM"
}

// Render builds the reminder text sent to the recipient.
func Render(r Reminder) string {
	brand := strings.TrimSpace(r.Brand)
	if brand == "" {
		brand = defaultBrand
	}
	name := strings.TrimSpace(r.Medication)
	if name == "" {
		name = "your medication"
	}

	var b strings.Builder
	b.WriteString("Medication Reminder - ")
	b.WriteString(brand)
	b.WriteString("\nTime to take ")
	b.WriteString(name)
	if dose := strings.TrimSpace(strings.TrimSpace(r.Dosage) + " " + strings.TrimSpace(r.DosageUnit)); dose != "" {
		b.WriteString(" (")
		b.WriteString(dose)
		b.WriteString(")")
	}
	b.WriteString(".")
	if t := strings.TrimSpace(r.Time); t != "" {
		b.WriteString("\nScheduled: ")
		b.WriteString(t)
	}
	b.WriteString("\nStay on track with your heart health!")
	return b.String()
}
