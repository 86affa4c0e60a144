package extraction

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// numberPattern matches grouped numbers (1,234.56 / 1.234,56) before plain ones (1234.56)
var numberPattern = regexp.MustCompile(`\d{1,3}(?:[.,]\d{3}){1,2}(?:[.,]\d{1,2})?|\d{1,7}(?:[.,]\d{1,2})?`)

const currencySymbols = "$€£¥₹₩₽₺₱₫₪฿"

// markerWindow bounds how far before a number the currency marker and sign
// lookups reach.
const markerWindow = 8

var currencyPrefix = regexp.MustCompile(`(?:[` + currencySymbols + `]|\b(?:` + isoCodes + `)|zł|Kč)\s{0,2}$`)

// amountKeyword is one tier of the keyword search
type amountKeyword struct {
	name    string
	pattern *regexp.Regexp
	exclude *regexp.Regexp
}

// amountKeywords are searched in priority order; SUBTOTAL is the last resort
var amountKeywords = []amountKeyword{
	{
		name:    "grand total",
		pattern: regexp.MustCompile(`(?i)\bgrand\s{0,3}total\b`),
	},
	{
		name:    "total",
		pattern: regexp.MustCompile(`(?i)\btotal\b`),
		exclude: regexp.MustCompile(`(?i)\bsub[\s-]{0,3}total\b|\b(?:tax|vat|savings?|discount|items?|qty|quantity|tips?|points)\b`),
	},
	{
		name:    "amount due",
		pattern: regexp.MustCompile(`(?i)\bamount\s{0,3}(?:due|paid)\b`),
	},
	{
		name:    "balance",
		pattern: regexp.MustCompile(`(?i)\bbalance\b`),
		exclude: regexp.MustCompile(`(?i)\b(?:previous|prior|remaining\s{0,3}points)\b`),
	},
	{
		name:    "subtotal",
		pattern: regexp.MustCompile(`(?i)\bsub[\s-]{0,3}total\b`),
	},
}

// ExtractAmount returns the receipt total, or nil when none could be found
func ExtractAmount(text string) *decimal.Decimal {
	return extractAmount(capInput(text))
}

func extractAmount(text string) *decimal.Decimal {
	lines := strings.Split(text, "\n")

	for _, kw := range amountKeywords {
		if amount := keywordAmount(lines, kw); amount != nil {
			return amount
		}
	}

	return largestAmount(lines)
}

// keywordAmount returns the amount on the last line matching the keyword.
// A keyword line with no amount borrows one from the following line.
func keywordAmount(lines []string, kw amountKeyword) *decimal.Decimal {
	var found *decimal.Decimal
	for i, line := range lines {
		loc := kw.pattern.FindStringIndex(line)
		if loc == nil {
			continue
		}
		if kw.exclude != nil && kw.exclude.MatchString(line) {
			continue
		}

		amount := lastCandidate(line[loc[1]:])
		if amount == nil && i+1 < len(lines) && strings.Trim(line[loc[1]:], " \t:") == "" {
			amount = lastCandidate(lines[i+1])
		}
		if amount != nil {
			found = amount
		}
	}
	return found
}

// largestAmount scans every line for currency shaped numbers and returns the largest
func largestAmount(lines []string) *decimal.Decimal {
	var best *decimal.Decimal
	for _, line := range lines {
		for _, value := range candidates(line) {
			v := value
			if best == nil || v.GreaterThan(*best) {
				best = &v
			}
		}
	}
	return best
}

func lastCandidate(segment string) *decimal.Decimal {
	values := candidates(segment)
	if len(values) == 0 {
		return nil
	}
	v := values[len(values)-1]
	return &v
}

// candidates returns the in-range, non-negative amounts of a line.
// Integers only count when a currency marker precedes them.
func candidates(line string) []decimal.Decimal {
	var out []decimal.Decimal
	for _, loc := range numberPattern.FindAllStringIndex(line, -1) {
		start, end := loc[0], loc[1]
		if !isolated(line, start, end) || isNegative(line, start, end) {
			continue
		}

		raw := line[start:end]
		marked := currencyPrefix.MatchString(line[max(0, start-markerWindow):start])
		if !hasCents(raw) && !marked {
			continue
		}

		value, err := NormalizeAmount(raw)
		if err != nil || !inRange(value) {
			continue
		}
		out = append(out, value)
	}
	return out
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// isolated rejects matches that are a fragment of a longer number
func isolated(s string, start, end int) bool {
	if start > 0 {
		prev := s[start-1]
		if isDigit(prev) {
			return false
		}
		if (prev == '.' || prev == ',') && start > 1 && isDigit(s[start-2]) {
			return false
		}
	}
	if end < len(s) {
		next := s[end]
		if isDigit(next) {
			return false
		}
		if (next == '.' || next == ',') && end+1 < len(s) && isDigit(s[end+1]) {
			return false
		}
	}
	return true
}

// isNegative detects a minus attached to the number or its currency marker,
// accounting parentheses, or a trailing credit minus
func isNegative(s string, start, end int) bool {
	prefix := s[max(0, start-markerWindow):start]
	trimmed := strings.TrimRight(prefix, " \t")
	if stripped := strings.TrimRight(trimmed, currencySymbols); len(stripped) != len(trimmed) {
		prefix = stripped
	}
	if strings.HasSuffix(prefix, "-") || strings.HasSuffix(prefix, "−") || strings.HasSuffix(prefix, "(") {
		return true
	}
	return strings.HasPrefix(s[end:], "-")
}

// hasCents reports whether the number ends in a two digit decimal part
func hasCents(raw string) bool {
	idx := strings.LastIndexAny(raw, ".,")
	if idx < 0 {
		return false
	}
	trailing := len(raw) - idx - 1
	return trailing == 2
}

func inRange(v decimal.Decimal) bool {
	return !v.LessThan(MinAmount) && !v.GreaterThan(MaxAmount)
}

// NormalizeAmount parses a number written with either grouping convention.
// The later of the last comma and last period is the decimal separator when
// both appear. A single kind of separator is decimal when followed by at most
// two digits and thousands grouping otherwise.
func NormalizeAmount(raw string) (decimal.Decimal, error) {
	s := strings.Join(strings.Fields(raw), "")
	lastComma := strings.LastIndex(s, ",")
	lastDot := strings.LastIndex(s, ".")

	decimalAt := -1
	switch {
	case lastComma >= 0 && lastDot >= 0:
		decimalAt = max(lastComma, lastDot)
	case lastComma >= 0 || lastDot >= 0:
		idx := max(lastComma, lastDot)
		if len(s)-idx-1 <= 2 {
			decimalAt = idx
		}
	}

	if decimalAt < 0 {
		return decimal.NewFromString(digitsOnly(s))
	}
	return decimal.NewFromString(digitsOnly(s[:decimalAt]) + "." + digitsOnly(s[decimalAt+1:]))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b.WriteByte(s[i])
		}
	}
	if b.Len() == 0 {
		return "0"
	}
	return b.String()
}
