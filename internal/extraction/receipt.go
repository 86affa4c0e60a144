// Package extraction turns raw receipt text into structured fields.
//
// Every pattern in this package uses bounded repetition and the input is
// capped at MaxInputLength runes before any matching happens, so the cost of
// a parse is bounded regardless of what the recognition service returned.
package extraction

import (
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

const (
	// MaxInputLength caps the text considered by Parse
	MaxInputLength = 10000
	// MaxMerchantLength caps the merchant name in runes
	MaxMerchantLength = 200

	minYear = 1900
	maxYear = 2100
)

var (
	// MinAmount and MaxAmount bound every accepted amount. Values outside are discarded, not clamped.
	MinAmount = decimal.RequireFromString("0.01")
	MaxAmount = decimal.RequireFromString("999999.99")
)

// ParsedReceipt holds the fields extracted from receipt text.
// Merchant and Currency are empty when they could not be found.
type ParsedReceipt struct {
	Amount             *decimal.Decimal `json:"amount"`
	Merchant           string           `json:"merchant,omitempty"`
	Date               time.Time        `json:"date"`
	DateExtracted      bool             `json:"dateExtracted"`
	Currency           string           `json:"currency,omitempty"`
	CurrencyConfidence float64          `json:"currencyConfidence"`
	Confidence         float64          `json:"confidence"`
	RawText            string           `json:"rawText"`
	Error              string           `json:"error,omitempty"`
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Parser extracts receipts with a configurable clock for the date fallback
type Parser struct {
	timeSource TimeSource
}

// NewParser creates a Parser that falls back to the current time
func NewParser() *Parser {
	return &Parser{timeSource: defaultTimeSource{}}
}

// NewParserWithTimeSource creates a Parser with a custom time source for testing
func NewParserWithTimeSource(ts TimeSource) *Parser {
	return &Parser{timeSource: ts}
}

var defaultParser = NewParser()

// Parse extracts a receipt using the current time as the date fallback
func Parse(rawText string) ParsedReceipt {
	return defaultParser.Parse(rawText)
}

// Parse extracts amount, merchant, date and currency from raw text.
// Missing fields lower the confidence rather than failing the parse.
func (p *Parser) Parse(rawText string) ParsedReceipt {
	text := capInput(rawText)
	now := p.timeSource.Now()

	if strings.TrimSpace(text) == "" {
		return ParsedReceipt{
			Date:    now,
			RawText: text,
			Error:   "no text to parse",
		}
	}

	parsed := ParsedReceipt{RawText: text}
	parsed.Amount = extractAmount(text)
	parsed.Merchant = extractMerchant(text)

	if date, ok := extractDate(text); ok {
		parsed.Date = date
		parsed.DateExtracted = true
	} else {
		parsed.Date = now
	}

	parsed.Currency, parsed.CurrencyConfidence = detectCurrency(text)
	parsed.Confidence = score(parsed, text)
	return parsed
}

// score is additive: merchant and amount are a third each, the remaining
// third is structure (currency seen, enough lines). The date never counts
// because a fallback date is always available.
func score(p ParsedReceipt, text string) float64 {
	total := 0.0
	if p.Merchant != "" {
		total += 1.0 / 3
	}
	if p.Amount != nil {
		total += 1.0 / 3
	}
	if p.Currency != "" {
		total += 1.0 / 6
	}
	if nonEmptyLines(text) >= 3 {
		total += 1.0 / 6
	}
	return math.Min(1, math.Round(total*100)/100)
}

func nonEmptyLines(text string) int {
	count := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}

// capInput truncates text to MaxInputLength runes
func capInput(text string) string {
	return truncateRunes(text, MaxInputLength)
}

// truncateRunes cuts s to at most n runes
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
