package classify

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// MerchantRule maps merchant names, or words appearing in merchant names, to a category.
// SmallAmount raises the confidence for purchases at or under it and MaxAmount
// lowers it for purchases above it; zero disables either adjustment.
type MerchantRule struct {
	Category    string   `yaml:"category"`
	Confidence  float64  `yaml:"confidence"`
	SmallAmount float64  `yaml:"smallAmount"`
	MaxAmount   float64  `yaml:"maxAmount"`
	Names       []string `yaml:"names"`
	Words       []string `yaml:"words"`
}

// KeywordRule lists description vocabulary for a category
type KeywordRule struct {
	Category string   `yaml:"category"`
	Words    []string `yaml:"words"`
}

// Rules holds the static tables used by the generic and keyword scorers
type Rules struct {
	Merchants     []MerchantRule `yaml:"merchants"`
	MerchantWords []MerchantRule `yaml:"merchantWords"`
	Keywords      []KeywordRule  `yaml:"keywords"`
}

// DefaultRules returns the rule tables compiled into the binary
func DefaultRules() (*Rules, error) {
	return ParseRules(defaultRulesYAML)
}

// LoadRules reads rule tables from a YAML file
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates rule tables. Names and words are folded
// once here so scoring never has to.
func ParseRules(data []byte) (*Rules, error) {
	var rules Rules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	for i := range rules.Merchants {
		if err := rules.Merchants[i].normalize("merchants", i); err != nil {
			return nil, err
		}
	}
	for i := range rules.MerchantWords {
		if err := rules.MerchantWords[i].normalize("merchantWords", i); err != nil {
			return nil, err
		}
	}
	for i := range rules.Keywords {
		kw := &rules.Keywords[i]
		if strings.TrimSpace(kw.Category) == "" {
			return nil, fmt.Errorf("keywords[%d]: category is required", i)
		}
		kw.Words = foldAll(kw.Words)
	}
	return &rules, nil
}

func (r *MerchantRule) normalize(table string, i int) error {
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("%s[%d]: category is required", table, i)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		return fmt.Errorf("%s[%d]: confidence must be in (0, 1]", table, i)
	}
	r.Names = foldAll(r.Names)
	r.Words = foldAll(r.Words)
	return nil
}

// adjust applies the amount heuristics of the rule to its base confidence
func (r MerchantRule) adjust(amount *decimal.Decimal) float64 {
	confidence := r.Confidence
	if amount == nil || !amount.IsPositive() {
		return confidence
	}
	if r.MaxAmount > 0 && amount.GreaterThan(decimal.NewFromFloat(r.MaxAmount)) {
		return clamp(confidence - largeAmountPenalty)
	}
	if r.SmallAmount > 0 && amount.LessThanOrEqual(decimal.NewFromFloat(r.SmallAmount)) {
		return clamp(confidence + smallAmountBoost)
	}
	return confidence
}

func foldAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if f := normalizeName(v); f != "" {
			out = append(out, f)
		}
	}
	return out
}
