package domain

import "fmt"

// FormatCents renders a positive reward amount as "+$D.CC".
func FormatCents(cents int) string {
	sign := "+"
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s$%d.%02d", sign, cents/100, cents%100)
}
