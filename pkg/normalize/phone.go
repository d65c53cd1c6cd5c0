package normalize

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is assumed for numbers written without a country code
const DefaultRegion = "BR"

var phoneColumns = []string{"lead_whatsapp", "lead_phone"}

// Phone formats a lead phone number as E.164. Numbers without a country
// code are read as DefaultRegion numbers.
func Phone(raw any) (string, error) {
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return "", fmt.Errorf("empty phone number")
	}
	parsed, err := phonenumbers.Parse(s, DefaultRegion)
	if err != nil {
		return "", fmt.Errorf("parse phone %q: %w", s, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("invalid phone number %q", s)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
