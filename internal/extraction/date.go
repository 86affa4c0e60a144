package extraction

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const monthNames = `jan(?:uary)?|feb(?:ruary)?|mar(?:ch)?|apr(?:il)?|may|june?|july?|aug(?:ust)?|sep(?:t(?:ember)?)?|oct(?:ober)?|nov(?:ember)?|dec(?:ember)?`

var (
	isoDatePattern        = regexp.MustCompile(`\b(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})\b`)
	usDatePattern         = regexp.MustCompile(`\b(\d{1,2})[/-](\d{1,2})[/-](\d{4}|\d{2})\b`)
	euDatePattern         = regexp.MustCompile(`\b(\d{1,2})[.-](\d{1,2})[.-](\d{4}|\d{2})\b`)
	dayFirstNamePattern   = regexp.MustCompile(`(?i)\b(\d{1,2})(?:st|nd|rd|th)?[\s.\-]{0,3}(` + monthNames + `)\.?,?[\s.\-]{0,3}(\d{4})\b`)
	monthFirstNamePattern = regexp.MustCompile(`(?i)\b(` + monthNames + `)\.?[\s.\-]{0,3}(\d{1,2})(?:st|nd|rd|th)?,?[\s.\-]{0,3}(\d{4})\b`)
)

// maxDateMatches bounds how many candidates of one pattern are tried
const maxDateMatches = 50

type datePattern struct {
	pattern *regexp.Regexp
	build   func(m []string) (time.Time, bool)
}

// datePatterns are tried in order; a candidate that fails validation moves
// the search on to the next candidate and then the next pattern
var datePatterns = []datePattern{
	{isoDatePattern, func(m []string) (time.Time, bool) {
		return buildDate(atoi(m[1]), atoi(m[2]), atoi(m[3]))
	}},
	{usDatePattern, func(m []string) (time.Time, bool) {
		month, day := atoi(m[1]), atoi(m[2])
		if month > 12 && day <= 12 {
			month, day = day, month
		}
		return buildDate(expandYear(m[3]), month, day)
	}},
	{euDatePattern, func(m []string) (time.Time, bool) {
		day, month := atoi(m[1]), atoi(m[2])
		if month > 12 && day <= 12 {
			month, day = day, month
		}
		return buildDate(expandYear(m[3]), month, day)
	}},
	{dayFirstNamePattern, func(m []string) (time.Time, bool) {
		return buildDate(atoi(m[3]), monthNumber(m[2]), atoi(m[1]))
	}},
	{monthFirstNamePattern, func(m []string) (time.Time, bool) {
		return buildDate(atoi(m[3]), monthNumber(m[1]), atoi(m[2]))
	}},
}

// ExtractDate returns the first valid date found in the text
func ExtractDate(text string) (time.Time, bool) {
	return extractDate(capInput(text))
}

func extractDate(text string) (time.Time, bool) {
	for _, dp := range datePatterns {
		for _, m := range dp.pattern.FindAllStringSubmatch(text, maxDateMatches) {
			if date, ok := dp.build(m); ok {
				return date, true
			}
		}
	}
	return time.Time{}, false
}

// buildDate validates the parts and rejects impossible dates such as Feb 30
func buildDate(year, month, day int) (time.Time, bool) {
	if year < minYear || year > maxYear {
		return time.Time{}, false
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	date := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if date.Month() != time.Month(month) || date.Day() != day {
		return time.Time{}, false
	}
	return date, true
}

// expandYear places two digit years in the 2000s
func expandYear(s string) int {
	year := atoi(s)
	if len(s) == 2 {
		year += 2000
	}
	return year
}

func monthNumber(name string) int {
	prefix := strings.ToLower(name)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	switch prefix {
	case "jan":
		return 1
	case "feb":
		return 2
	case "mar":
		return 3
	case "apr":
		return 4
	case "may":
		return 5
	case "jun":
		return 6
	case "jul":
		return 7
	case "aug":
		return 8
	case "sep":
		return 9
	case "oct":
		return 10
	case "nov":
		return 11
	case "dec":
		return 12
	}
	return 0
}

func atoi(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1
	}
	return n
}
