package extraction

import (
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fixedTimeSource struct {
	now time.Time
}

func (f fixedTimeSource) Now() time.Time {
	return f.now
}

var _ = Describe("Parser", func() {
	var (
		parser  *Parser
		now     time.Time
		rawText string
		parsed  ParsedReceipt
	)

	BeforeEach(func() {
		now = time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC)
		parser = NewParserWithTimeSource(fixedTimeSource{now: now})
	})

	JustBeforeEach(func() {
		parsed = parser.Parse(rawText)
	})

	When("parsing a typical store receipt", func() {
		BeforeEach(func() {
			rawText = "WALMART\nSubtotal: $45.50\nTax: $3.64\nTOTAL: $49.14\nDate: 11/19/2025"
		})

		It("should extract the total, not the subtotal", func() {
			Expect(parsed.Amount).NotTo(BeNil())
			Expect(parsed.Amount.StringFixed(2)).To(Equal("49.14"))
		})

		It("should extract the merchant", func() {
			Expect(parsed.Merchant).To(Equal("WALMART"))
		})

		It("should extract the date", func() {
			Expect(parsed.DateExtracted).To(BeTrue())
			Expect(parsed.Date).To(Equal(time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC)))
		})

		It("should detect the currency", func() {
			Expect(parsed.Currency).To(Equal("USD"))
		})

		It("should report full confidence", func() {
			Expect(parsed.Confidence).To(Equal(1.0))
		})

		It("should keep the raw text", func() {
			Expect(parsed.RawText).To(Equal(rawText))
			Expect(parsed.Error).To(BeEmpty())
		})
	})

	When("the text is blank", func() {
		BeforeEach(func() {
			rawText = "  \n\t "
		})

		It("should return an error and the fallback date", func() {
			Expect(parsed.Error).To(Equal("no text to parse"))
			Expect(parsed.Amount).To(BeNil())
			Expect(parsed.Date).To(Equal(now))
			Expect(parsed.DateExtracted).To(BeFalse())
			Expect(parsed.Confidence).To(BeZero())
		})
	})

	When("no date is printed", func() {
		BeforeEach(func() {
			rawText = "CORNER DELI\nTOTAL 8.75"
		})

		It("should fall back to the current time", func() {
			Expect(parsed.Date).To(Equal(now))
			Expect(parsed.DateExtracted).To(BeFalse())
		})

		It("should lower the confidence for missing structure", func() {
			Expect(parsed.Confidence).To(Equal(0.67))
		})
	})

	When("the text is made of nothing but digits", func() {
		BeforeEach(func() {
			rawText = "12345\n67890"
		})

		It("should find neither merchant nor amount", func() {
			Expect(parsed.Merchant).To(BeEmpty())
			Expect(parsed.Amount).To(BeNil())
			Expect(parsed.Confidence).To(BeZero())
		})
	})

	When("the input is adversarial", func() {
		BeforeEach(func() {
			rawText = strings.Repeat("1,", 20000) + strings.Repeat("TOTAL ", 5000) + strings.Repeat("9", 20000)
		})

		It("should finish quickly without failing", func() {
			start := time.Now()
			result := parser.Parse(rawText)
			Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			Expect(len([]rune(result.RawText))).To(Equal(MaxInputLength))
		})
	})

	When("the input is dense with numbers", func() {
		DescribeTable("should finish quickly",
			func(text string) {
				start := time.Now()
				parser.Parse(text)
				Expect(time.Since(start)).To(BeNumerically("<", time.Second))
			},
			Entry("decimals", strings.Repeat("1.11 ", 2000)),
			Entry("currency marked", strings.Repeat("$1.11 ", 1600)),
			Entry("after a keyword", "TOTAL "+strings.Repeat("1.11 ", 1990)),
			Entry("integers", strings.Repeat("42 ", 3300)),
		)
	})
})

var _ = Describe("ExtractAmount", func() {
	DescribeTable("amounts",
		func(text string, expected string) {
			amount := ExtractAmount(text)
			if expected == "" {
				Expect(amount).To(BeNil())
				return
			}
			Expect(amount).NotTo(BeNil())
			Expect(amount.StringFixed(2)).To(Equal(expected))
		},
		Entry("US grouping", "TOTAL 1,234.56", "1234.56"),
		Entry("European grouping", "TOTAL 1.234,56", "1234.56"),
		Entry("decimal comma", "Total: 12,50 €", "12.50"),
		Entry("grand total wins over total", "TOTAL 10.00\nGRAND TOTAL 12.00", "12.00"),
		Entry("total wins over subtotal", "SUBTOTAL 9.00\nTOTAL 9.72", "9.72"),
		Entry("tax total is ignored", "TAX TOTAL 0.72\nAMOUNT DUE 9.72", "9.72"),
		Entry("subtotal as last resort", "SUBTOTAL 9.00\nTAX 0.72", "9.00"),
		Entry("balance due", "BALANCE DUE $42.10", "42.10"),
		Entry("keyword on its own line", "TOTAL\n$18.20", "18.20"),
		Entry("largest amount when no keyword", "COFFEE 3.50\nMUFFIN 2.75", "3.50"),
		Entry("whole dollars with currency", "TOTAL $25", "25.00"),
		Entry("whole dollars with currency and no keyword", "Coffee $50\nThanks", "50.00"),
		Entry("whole dollars on the line after the keyword", "TOTAL\n$18", "18.00"),
		Entry("above the maximum", "TOTAL $1,234,567.89", ""),
		Entry("negative amount", "TOTAL -$12.50", ""),
		Entry("accounting negative", "TOTAL (12.50)", ""),
		Entry("below the minimum", "TOTAL 0.00", ""),
		Entry("no amount", "THANK YOU", ""),
	)
})

var _ = Describe("NormalizeAmount", func() {
	DescribeTable("separators",
		func(raw string, expected string) {
			value, err := NormalizeAmount(raw)
			Expect(err).NotTo(HaveOccurred())
			Expect(value.StringFixed(2)).To(Equal(expected))
		},
		Entry("US", "1,234.56", "1234.56"),
		Entry("European", "1.234,56", "1234.56"),
		Entry("comma thousands", "1,234", "1234.00"),
		Entry("period thousands", "1.234", "1234.00"),
		Entry("comma decimal", "4,5", "4.50"),
		Entry("plain", "42", "42.00"),
	)
})

var _ = Describe("ExtractMerchant", func() {
	DescribeTable("merchants",
		func(text string, expected string) {
			Expect(ExtractMerchant(text)).To(Equal(expected))
		},
		Entry("first line", "WALMART\nTOTAL 1.00", "WALMART"),
		Entry("skips decorations", "*** TARGET ***\nTOTAL 1.00", "TARGET"),
		Entry("skips a leading date", "11/19/2025 10:42 AM\nCOSTCO WHOLESALE", "COSTCO WHOLESALE"),
		Entry("skips numeric lines", "0042 1193 22\nTRADER JOE'S", "TRADER JOE'S"),
		Entry("skips greetings", "Welcome to\nSafeway", "Safeway"),
		Entry("strips store numbers", "Walgreens #1234\nTOTAL 1.00", "Walgreens"),
		Entry("strips emoji", "☕ Blue Bottle Coffee ☕", "Blue Bottle Coffee"),
		Entry("collapses spaces", "HOME    DEPOT", "HOME DEPOT"),
		Entry("no letters", "12.50\n----", ""),
	)

	It("should cap the merchant length", func() {
		name := ExtractMerchant(strings.Repeat("A", 500))
		Expect(len([]rune(name))).To(Equal(MaxMerchantLength))
	})
})

var _ = Describe("ExtractDate", func() {
	DescribeTable("dates",
		func(text string, year int, month time.Month, day int) {
			date, ok := ExtractDate(text)
			Expect(ok).To(BeTrue())
			Expect(date).To(Equal(time.Date(year, month, day, 0, 0, 0, 0, time.UTC)))
		},
		Entry("ISO", "2024-03-07", 2024, time.March, 7),
		Entry("US", "03/07/2024", 2024, time.March, 7),
		Entry("US with two digit year", "03/07/24", 2024, time.March, 7),
		Entry("day first when month is impossible", "25/12/2024", 2024, time.December, 25),
		Entry("European dots", "07.03.2024", 2024, time.March, 7),
		Entry("day then month name", "7 Mar 2024", 2024, time.March, 7),
		Entry("month name then day", "March 7, 2024", 2024, time.March, 7),
		Entry("abbreviated month with period", "Sept. 12 2023", 2023, time.September, 12),
		Entry("ISO ahead of an impossible US date", "02/30/2024 then 2024-02-29", 2024, time.February, 29),
	)

	DescribeTable("rejected",
		func(text string) {
			_, ok := ExtractDate(text)
			Expect(ok).To(BeFalse())
		},
		Entry("impossible day", "02/30/2024"),
		Entry("out of range year", "1850-01-01"),
		Entry("no date", "TOTAL 12.00"),
	)
})

var _ = Describe("DetectCurrency", func() {
	DescribeTable("currencies",
		func(text string, code string, confidence float64) {
			gotCode, gotConfidence := DetectCurrency(text)
			Expect(gotCode).To(Equal(code))
			Expect(gotConfidence).To(Equal(confidence))
		},
		Entry("euro", "Total 12,50 €", "EUR", 0.95),
		Entry("pound", "£4.20", "GBP", 0.95),
		Entry("explicit code", "TOTAL 12.00 CAD", "CAD", 0.9),
		Entry("real", "R$ 25,90", "BRL", 0.9),
		Entry("bare dollar", "$5.00", "USD", 0.6),
		Entry("none", "TOTAL 5.00", "", 0.0),
	)
})
