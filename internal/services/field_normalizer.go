package services

import (
	"strings"
	"time"
)

// Genders accepted by the booking API
const (
	GenderMale      = "Male"
	GenderFemale    = "Female"
	GenderNonBinary = "Non-Binary"
	GenderOther     = "Other"
)

var genderAliases = map[string]string{
	"male":       GenderMale,
	"m":          GenderMale,
	"boy":        GenderMale,
	"female":     GenderFemale,
	"f":          GenderFemale,
	"girl":       GenderFemale,
	"non-binary": GenderNonBinary,
	"nonbinary":  GenderNonBinary,
	"non binary": GenderNonBinary,
	"non_binary": GenderNonBinary,
	"nb":         GenderNonBinary,
	"enby":       GenderNonBinary,
}

// NormalizeGender maps free-text gender onto the booking API's closed enumeration.
// Anything unrecognised, including empty input, becomes Other.
func NormalizeGender(input string) string {
	if gender, ok := genderAliases[strings.ToLower(strings.TrimSpace(input))]; ok {
		return gender
	}
	return GenderOther
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05.000Z",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"02-01-2006",
	"2 January 2006",
	"January 2, 2006",
}

// NormalizeDate renders a date of birth as YYYY-MM-DD.
// Unparseable input is returned trimmed so the booking API can reject it visibly.
func NormalizeDate(input string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, input); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return input
}
