package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// FieldKey canonicalizes a CRM custom-field name for lookup:
// lowercase, accents stripped, whitespace collapsed.
func FieldKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(removeAccents(s))), " ")
}

func removeAccents(s string) string {
	// NFD breaks "é" into "e" + combining acute
	t := norm.NFD.String(s)

	result := strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, t)

	return norm.NFC.String(result)
}
