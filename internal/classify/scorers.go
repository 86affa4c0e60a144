package classify

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

const (
	exactCap       = 0.97
	exactBase      = 0.6
	exactPerVisit  = 0.05
	fuzzyCap       = 0.85
	fuzzyMinSim    = 0.75
	containmentSim = 0.85
	minContainLen  = 4
	keywordCap     = 0.8
	keywordBase    = 0.4
	keywordPerHit  = 0.1
)

// visitConfidence grows with the number of matching history records
func visitConfidence(count int) float64 {
	return math.Min(exactCap, exactBase+exactPerVisit*float64(count))
}

type tally struct {
	counts map[string]int
	order  []string
	total  int
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(category string) {
	if _, ok := t.counts[category]; !ok {
		t.order = append(t.order, category)
	}
	t.counts[category]++
	t.total++
}

// mode returns the most frequent category; ties go to the category seen first
func (t *tally) mode() string {
	best := ""
	for _, category := range t.order {
		if best == "" || t.counts[category] > t.counts[best] {
			best = category
		}
	}
	return best
}

// signals spreads base across the tallied categories. The mode keeps at least
// half of base; the others are scaled by their share of the records.
func (t *tally) signals(base float64, source Source) []Signal {
	mode := t.mode()
	out := make([]Signal, 0, len(t.order))
	for _, category := range t.order {
		share := float64(t.counts[category]) / float64(t.total)
		confidence := base * share
		if category == mode {
			confidence = base * (0.5 + 0.5*share)
		}
		out = append(out, Signal{Category: category, Confidence: round(confidence), Source: source})
	}
	return out
}

// exactMerchant matches the merchant against history case-insensitively
func exactMerchant(in Input, history []HistoryRecord) []Signal {
	merchant := normalizeName(in.Merchant)
	if merchant == "" {
		return nil
	}

	t := newTally()
	for _, h := range history {
		if h.Category != "" && normalizeName(h.Merchant) == merchant {
			t.add(h.Category)
		}
	}
	if t.total == 0 {
		return nil
	}
	return t.signals(visitConfidence(t.total), SourceExactMerchant)
}

// fuzzyMerchant matches history merchants by edit distance or containment.
// Confidence is scaled by the similarity, which is below 1 for any name that
// is not an exact match, and capped at fuzzyCap.
func fuzzyMerchant(in Input, history []HistoryRecord) []Signal {
	merchant := normalizeName(in.Merchant)
	if merchant == "" {
		return nil
	}

	t := newTally()
	bestSim := make(map[string]float64)
	for _, h := range history {
		if h.Category == "" {
			continue
		}
		sim := similarity(merchant, normalizeName(h.Merchant))
		if sim < fuzzyMinSim {
			continue
		}
		t.add(h.Category)
		if sim > bestSim[h.Category] {
			bestSim[h.Category] = sim
		}
	}
	if t.total == 0 {
		return nil
	}

	signals := t.signals(visitConfidence(t.total), SourceFuzzyMerchant)
	for i := range signals {
		discounted := signals[i].Confidence * bestSim[signals[i].Category]
		signals[i].Confidence = round(math.Min(fuzzyCap, discounted))
	}
	return signals
}

// similarity is 1 minus the normalized edit distance, raised to containmentSim
// when the shorter name is a word-aligned part of the longer one
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	sim := 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)

	shorter, longer := a, b
	if la > lb {
		shorter, longer = b, a
	}
	if utf8.RuneCountInString(shorter) >= minContainLen && containsWords(longer, shorter) {
		sim = math.Max(sim, containmentSim)
	}
	return sim
}

// keyword scores description vocabulary; more hits mean more confidence
func (c *Classifier) keyword(in Input, _ []HistoryRecord) []Signal {
	description := normalizeName(in.Description)
	if description == "" {
		return nil
	}

	var out []Signal
	for _, rule := range c.rules.Keywords {
		hits := 0
		for _, word := range rule.Words {
			if containsWords(description, word) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := math.Min(keywordCap, keywordBase+keywordPerHit*float64(hits))
		out = append(out, Signal{Category: rule.Category, Confidence: round(confidence), Source: SourceKeyword})
	}
	return out
}

// generic looks the merchant up in the static merchant table, then in the
// merchant word table, adjusting for the purchase amount
func (c *Classifier) generic(in Input, _ []HistoryRecord) []Signal {
	merchant := normalizeName(in.Merchant)
	if merchant == "" {
		return nil
	}

	for _, rule := range c.rules.Merchants {
		for _, name := range rule.Names {
			if containsWords(merchant, name) {
				return []Signal{{Category: rule.Category, Confidence: round(rule.adjust(in.Amount)), Source: SourceGeneric}}
			}
		}
	}

	var out []Signal
	for _, rule := range c.rules.MerchantWords {
		for _, word := range rule.Words {
			if containsWords(merchant, word) {
				out = append(out, Signal{Category: rule.Category, Confidence: round(rule.adjust(in.Amount)), Source: SourceGeneric})
				break
			}
		}
	}
	return out
}
