// Package pricing derives price-change and market-capitalization figures from raw quotes,
// rejecting values outside configured sanity thresholds.
package pricing

import (
	"fmt"
	"math"

	"github.com/aristath/earnings/internal/domain"
	"gonum.org/v1/gonum/floats/scalar"
)

// Size class lower bounds in whole currency units.
const (
	MegaCapThreshold  int64 = 100_000_000_000
	LargeCapThreshold int64 = 10_000_000_000
	MidCapThreshold   int64 = 2_000_000_000
)

// Thresholds are the sanity ceilings applied to inputs and derived changes.
type Thresholds struct {
	MaxPrice         float64
	MaxShares        float64
	MaxChangePercent float64
}

// DefaultThresholds returns the documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxPrice:         10_000,
		MaxShares:        100e9,
		MaxChangePercent: 50,
	}
}

// Input is the raw data for one ticker. Any field may be missing. MarketCap is the
// provider-reported capitalization, used only when shares outstanding are unusable.
type Input struct {
	CurrentPrice      *float64
	PreviousClose     *float64
	SharesOutstanding *float64
	MarketCap         *float64
	Ticker            string
}

// Violation describes one failed constraint.
type Violation struct {
	Value *float64 `json:"value,omitempty"`
	Field string   `json:"field"`
	Rule  string   `json:"rule"`
}

func (v Violation) String() string {
	if v.Value == nil {
		return fmt.Sprintf("%s: %s", v.Field, v.Rule)
	}
	return fmt.Sprintf("%s: %s (%g)", v.Field, v.Rule, *v.Value)
}

// Violation rules.
const (
	RuleRequired = "required"
	RulePositive = "must be positive"
	RuleFinite   = "must be finite"
	RuleMax      = "exceeds sanity ceiling"
	RuleExtreme  = "extreme change"
)

// Result holds whatever derived figures could be trusted. Valid is false whenever any
// constraint was violated; the remaining non-nil fields are still safe to persist.
type Result struct {
	PriceChangePercent    *float64
	MarketCap             *int64
	MarketCapDiffPercent  *float64
	MarketCapDiffBillions *float64
	SizeClass             *domain.SizeClass
	Ticker                string
	Violations            []Violation
	Valid                 bool
}

// Warnings renders violations for storage alongside the snapshot.
func (r Result) Warnings() []string {
	if len(r.Violations) == 0 {
		return nil
	}
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.String()
	}
	return out
}

// Calculator is stateless apart from its thresholds and safe for concurrent use.
type Calculator struct {
	thresholds Thresholds
}

// NewCalculator creates a calculator. Non-positive thresholds fall back to defaults.
func NewCalculator(t Thresholds) *Calculator {
	def := DefaultThresholds()
	if t.MaxPrice <= 0 {
		t.MaxPrice = def.MaxPrice
	}
	if t.MaxShares <= 0 {
		t.MaxShares = def.MaxShares
	}
	if t.MaxChangePercent <= 0 {
		t.MaxChangePercent = def.MaxChangePercent
	}
	return &Calculator{thresholds: t}
}

// Thresholds returns the effective thresholds.
func (c *Calculator) Thresholds() Thresholds {
	return c.thresholds
}

// Calculate validates the inputs and derives every figure it can.
func (c *Calculator) Calculate(in Input) Result {
	res := Result{Ticker: in.Ticker}

	current, okCurrent := c.check(&res, "current_price", in.CurrentPrice, c.thresholds.MaxPrice)
	previous, okPrevious := c.check(&res, "previous_close", in.PreviousClose, c.thresholds.MaxPrice)
	shares, okShares := c.check(&res, "shares_outstanding", in.SharesOutstanding, c.thresholds.MaxShares)

	if !okCurrent || !okPrevious {
		res.Valid = false
		return res
	}

	change := percentChange(current, previous)
	if math.Abs(change) > c.thresholds.MaxChangePercent {
		res.Violations = append(res.Violations, Violation{Field: "price_change_percent", Rule: RuleExtreme, Value: domain.Float(change)})
	} else {
		res.PriceChangePercent = domain.Float(change)
	}

	if okShares {
		marketCap := int64(math.Round(current * shares))
		res.MarketCap = &marketCap
		size := ClassifySize(marketCap)
		res.SizeClass = &size

		previousCap := previous * shares
		diff := current*shares - previousCap
		diffPercent := diff / previousCap * 100
		if math.Abs(diffPercent) > c.thresholds.MaxChangePercent {
			res.Violations = append(res.Violations, Violation{Field: "market_cap_diff_percent", Rule: RuleExtreme, Value: domain.Float(diffPercent)})
		} else {
			res.MarketCapDiffPercent = domain.Float(diffPercent)
			res.MarketCapDiffBillions = domain.Float(scalar.Round(diff/1e9, 3))
		}
	} else if in.MarketCap != nil && *in.MarketCap > 0 && !math.IsInf(*in.MarketCap, 0) {
		marketCap := int64(math.Round(*in.MarketCap))
		res.MarketCap = &marketCap
		size := ClassifySize(marketCap)
		res.SizeClass = &size
	}

	res.Valid = len(res.Violations) == 0
	return res
}

func (c *Calculator) check(res *Result, field string, v *float64, ceiling float64) (float64, bool) {
	if v == nil {
		res.Violations = append(res.Violations, Violation{Field: field, Rule: RuleRequired})
		return 0, false
	}
	x := *v
	switch {
	case math.IsNaN(x) || math.IsInf(x, 0):
		res.Violations = append(res.Violations, Violation{Field: field, Rule: RuleFinite})
		return 0, false
	case x <= 0:
		res.Violations = append(res.Violations, Violation{Field: field, Rule: RulePositive, Value: domain.Float(x)})
		return 0, false
	case x > ceiling:
		res.Violations = append(res.Violations, Violation{Field: field, Rule: RuleMax, Value: domain.Float(x)})
		return 0, false
	}
	return x, true
}

func percentChange(current, previous float64) float64 {
	return (current - previous) / previous * 100
}

// ClassifySize buckets a market capitalization.
func ClassifySize(marketCap int64) domain.SizeClass {
	switch {
	case marketCap >= MegaCapThreshold:
		return domain.SizeMega
	case marketCap >= LargeCapThreshold:
		return domain.SizeLarge
	case marketCap >= MidCapThreshold:
		return domain.SizeMid
	default:
		return domain.SizeSmall
	}
}

// Apply copies the derived figures onto a snapshot. Raw inputs are set from in so the two
// are always written together.
func Apply(snap *domain.MarketSnapshot, in Input, res Result) {
	snap.CurrentPrice = in.CurrentPrice
	snap.PreviousClose = in.PreviousClose
	snap.SharesOutstanding = in.SharesOutstanding
	snap.PriceChangePercent = res.PriceChangePercent
	snap.MarketCap = res.MarketCap
	snap.MarketCapDiffPercent = res.MarketCapDiffPercent
	snap.MarketCapDiffBillions = res.MarketCapDiffBillions
	snap.SizeClass = res.SizeClass
	snap.Valid = res.Valid
	snap.Warnings = res.Warnings()
}
