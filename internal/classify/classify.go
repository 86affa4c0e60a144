// Package classify suggests a spending category for a receipt from the
// couple's own history, description vocabulary and a generic merchant table.
package classify

import (
	"log/slog"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// Source identifies which signal produced a prediction
type Source string

const (
	SourceExactMerchant Source = "exact_merchant"
	SourceFuzzyMerchant Source = "fuzzy_merchant"
	SourceKeyword       Source = "keyword"
	SourceGeneric       Source = "generic"
	SourceAggregate     Source = "aggregate"
)

const (
	// Threshold is the minimum confidence for a category to be reported
	Threshold = 0.55
	// MaxAlternatives bounds Prediction.Alternatives
	MaxAlternatives = 3

	maxAggregate       = 0.99
	smallAmountBoost   = 0.1
	largeAmountPenalty = 0.25
)

// Input is the receipt being classified
type Input struct {
	Merchant    string
	Amount      *decimal.Decimal
	Description string
}

// HistoryRecord is a previously categorized expense of the same couple
type HistoryRecord struct {
	Merchant string          `json:"merchant"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
}

// Signal is one scorer's vote for a category
type Signal struct {
	Category   string
	Confidence float64
	Source     Source
}

// Alternative is a ranked category candidate
type Alternative struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Prediction is the classifier's answer. Category is empty whenever
// BelowThreshold is set.
type Prediction struct {
	Category       string        `json:"category,omitempty"`
	Confidence     float64       `json:"confidence"`
	Source         Source        `json:"source,omitempty"`
	Alternatives   []Alternative `json:"alternatives"`
	BelowThreshold bool          `json:"belowThreshold"`
}

// Classifier combines history, keyword and generic signals into a prediction
type Classifier struct {
	rules *Rules
}

// NewClassifier creates a Classifier using the given rule tables
func NewClassifier(rules *Rules) *Classifier {
	if rules == nil {
		rules = &Rules{}
	}
	return &Classifier{rules: rules}
}

// Classify ranks categories for the input. It never fails; with no usable
// signal it returns a below-threshold prediction.
func (c *Classifier) Classify(in Input, history []HistoryRecord) Prediction {
	var signals []Signal
	signals = append(signals, exactMerchant(in, history)...)

	// fuzzy matching only runs when the merchant was never seen verbatim
	if len(signals) == 0 {
		signals = append(signals, fuzzyMerchant(in, history)...)
	}
	fromHistory := len(signals) > 0

	signals = append(signals, c.keyword(in, history)...)

	if !fromHistory {
		signals = append(signals, c.generic(in, history)...)
	}

	prediction := aggregate(signals)
	slog.Debug("classified receipt",
		"merchant", in.Merchant,
		"category", prediction.Category,
		"confidence", prediction.Confidence,
		"source", prediction.Source,
		"signals", len(signals))
	return prediction
}

type categoryScore struct {
	category   string
	confidence float64
	source     Source
	exact      float64
	firstSeen  int
}

// aggregate folds signals per category. Agreeing sources combine by noisy-or,
// which always lands above the best single source. An exact merchant match
// wins over every other source whatever the scores.
func aggregate(signals []Signal) Prediction {
	bestBySource := make(map[string]map[Source]float64)
	var order []string
	for _, s := range signals {
		if s.Category == "" || s.Confidence <= 0 {
			continue
		}
		sources, ok := bestBySource[s.Category]
		if !ok {
			sources = make(map[Source]float64)
			bestBySource[s.Category] = sources
			order = append(order, s.Category)
		}
		if s.Confidence > sources[s.Source] {
			sources[s.Source] = s.Confidence
		}
	}

	if len(order) == 0 {
		return Prediction{BelowThreshold: true, Alternatives: []Alternative{}}
	}

	scores := make([]categoryScore, 0, len(order))
	for i, category := range order {
		sources := bestBySource[category]
		score := categoryScore{category: category, firstSeen: i, exact: sources[SourceExactMerchant]}

		miss := 1.0
		for source, confidence := range sources {
			miss *= 1 - confidence
			score.source = source
		}
		if len(sources) > 1 {
			score.confidence = math.Min(maxAggregate, 1-miss)
			score.source = SourceAggregate
		} else {
			score.confidence = 1 - miss
		}
		score.confidence = round(score.confidence)
		scores = append(scores, score)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].confidence != scores[j].confidence {
			return scores[i].confidence > scores[j].confidence
		}
		return scores[i].firstSeen < scores[j].firstSeen
	})

	winner := scores[0]
	for _, s := range scores {
		if s.exact > winner.exact {
			winner = s
		}
	}

	alternatives := make([]Alternative, 0, MaxAlternatives)
	for _, s := range scores {
		if len(alternatives) == MaxAlternatives {
			break
		}
		alternatives = append(alternatives, Alternative{Category: s.category, Confidence: s.confidence})
	}

	prediction := Prediction{
		Category:     winner.category,
		Confidence:   winner.confidence,
		Source:       winner.source,
		Alternatives: alternatives,
	}
	if prediction.Confidence < Threshold {
		prediction.Category = ""
		prediction.BelowThreshold = true
	}
	return prediction
}

// normalizeName folds case and turns punctuation other than apostrophes into spaces
func normalizeName(s string) string {
	folded := cases.Fold().String(s)
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '&' {
			return r
		}
		return ' '
	}, folded)
	return strings.Join(strings.Fields(mapped), " ")
}

// containsWords reports whether phrase appears in text on word boundaries.
// Both arguments must already be normalized.
func containsWords(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}
