package extraction

import "regexp"

// isoCodes lists the currency codes recognized when printed explicitly
const isoCodes = `USD|EUR|GBP|CAD|AUD|NZD|JPY|CNY|INR|BRL|MXN|CHF|SEK|NOK|DKK|PLN|CZK|HUF|PEN|CLP|COP|ARS|ZAR|SGD|HKD|KRW|THB|PHP|ILS|TRY|RUB`

type currencyRule struct {
	pattern    *regexp.Regexp
	code       string // empty means the match itself is the code
	confidence float64
}

// currencyRules are checked in order and the first match wins. Symbols that
// belong to a single currency come first, explicit codes next, multi character
// symbols after that and the bare dollar sign last since many currencies use it.
var currencyRules = []currencyRule{
	{regexp.MustCompile(`€`), "EUR", 0.95},
	{regexp.MustCompile(`£`), "GBP", 0.95},
	{regexp.MustCompile(`₹`), "INR", 0.95},
	{regexp.MustCompile(`₩`), "KRW", 0.95},
	{regexp.MustCompile(`₽`), "RUB", 0.95},
	{regexp.MustCompile(`₺`), "TRY", 0.95},
	{regexp.MustCompile(`₱`), "PHP", 0.95},
	{regexp.MustCompile(`₫`), "VND", 0.95},
	{regexp.MustCompile(`₪`), "ILS", 0.95},
	{regexp.MustCompile(`฿`), "THB", 0.9},
	{regexp.MustCompile(`¥`), "JPY", 0.7},
	{regexp.MustCompile(`\b(?:` + isoCodes + `)\b`), "", 0.9},
	{regexp.MustCompile(`(?:^|[^A-Za-z])R\$`), "BRL", 0.9},
	{regexp.MustCompile(`(?:^|[^A-Za-z])S/\.?\s{0,2}\d`), "PEN", 0.85},
	{regexp.MustCompile(`(?:^|[^A-Za-z])US\$`), "USD", 0.9},
	{regexp.MustCompile(`(?:^|[^A-Za-z])(?:CA|C)\$`), "CAD", 0.85},
	{regexp.MustCompile(`(?:^|[^A-Za-z])(?:AU|A)\$`), "AUD", 0.85},
	{regexp.MustCompile(`(?:^|[^A-Za-z])NZ\$`), "NZD", 0.85},
	{regexp.MustCompile(`(?:^|[^A-Za-z])HK\$`), "HKD", 0.85},
	{regexp.MustCompile(`(?:^|[^A-Za-z])(?:SG|S)\$`), "SGD", 0.85},
	{regexp.MustCompile(`(?:^|[^A-Za-z])MX\$`), "MXN", 0.85},
	{regexp.MustCompile(`zł`), "PLN", 0.9},
	{regexp.MustCompile(`Kč`), "CZK", 0.9},
	{regexp.MustCompile(`\$`), "USD", 0.6},
}

// DetectCurrency returns the currency code and its confidence weight, or "" and 0
func DetectCurrency(text string) (string, float64) {
	return detectCurrency(capInput(text))
}

func detectCurrency(text string) (string, float64) {
	for _, rule := range currencyRules {
		match := rule.pattern.FindString(text)
		if match == "" {
			continue
		}
		if rule.code == "" {
			return match, rule.confidence
		}
		return rule.code, rule.confidence
	}
	return "", 0
}
