package extraction

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	timePattern        = regexp.MustCompile(`\b\d{1,2}:\d{2}(?::\d{2})?(?:\s{0,2}[AaPp]\.?[Mm]\.?)?`)
	dateTimeLabel      = regexp.MustCompile(`(?i)\b(?:date|time|dt|tm)\b`)
	storeNumberPattern = regexp.MustCompile(`(?i)(?:\s{0,4}#\s{0,2}\d{1,10}|\s{1,4}(?:store|str|no\.?|unit)\s{0,2}#?\s{0,2}\d{1,10})\s{0,4}$`)
	boilerplatePattern = regexp.MustCompile(`(?i)^(?:welcome(?:\s{1,3}to)?|thank\s{0,3}you|receipt|sales\s{0,3}receipt|customer\s{0,3}copy|merchant\s{0,3}copy|duplicate|copy)[\s!.:]{0,5}$`)
)

const decorativeChars = " \t*=~_|#<>[]{}-:•·"

// ExtractMerchant returns the merchant name, or "" when no line qualifies
func ExtractMerchant(text string) string {
	return extractMerchant(capInput(text))
}

// extractMerchant takes the first line that is not a date, a time, mostly
// digits or free of letters
func extractMerchant(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(stripGlyphs(line))
		if line == "" || !hasLetter(line) {
			continue
		}
		if isDateOrTimeLine(line) || isMostlyDigits(line) || boilerplatePattern.MatchString(line) {
			continue
		}

		name := cleanMerchant(line)
		if name != "" && hasLetter(name) {
			return name
		}
	}
	return ""
}

func cleanMerchant(line string) string {
	name := storeNumberPattern.ReplaceAllString(line, "")
	name = strings.Trim(name, decorativeChars)
	name = strings.Join(strings.Fields(name), " ")
	return strings.TrimSpace(truncateRunes(name, MaxMerchantLength))
}

// stripGlyphs drops control characters, emoji and other pictographic symbols
func stripGlyphs(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case unicode.IsControl(r),
			unicode.Is(unicode.Cf, r),
			unicode.Is(unicode.Co, r),
			unicode.Is(unicode.Cs, r),
			unicode.Is(unicode.So, r),
			unicode.Is(unicode.Variation_Selector, r),
			r == unicode.ReplacementChar:
			return -1
		}
		return r
	}, s)
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// isDateOrTimeLine reports whether nothing but a date or time (and a label) is on the line
func isDateOrTimeLine(line string) bool {
	rest := line
	matched := false
	for _, dp := range datePatterns {
		if dp.pattern.MatchString(rest) {
			matched = true
			rest = dp.pattern.ReplaceAllString(rest, "")
		}
	}
	if timePattern.MatchString(rest) {
		matched = true
		rest = timePattern.ReplaceAllString(rest, "")
	}
	if !matched {
		return false
	}
	rest = dateTimeLabel.ReplaceAllString(rest, "")
	return !hasLetter(rest)
}

func isMostlyDigits(line string) bool {
	digits, total := 0, 0
	for _, r := range line {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	return total > 0 && digits*2 > total
}
