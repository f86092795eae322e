// Package guidance computes guidance surprises against an estimate baseline and reconciles
// competing guidance submissions for the same fiscal period.
package guidance

import (
	"math"

	"github.com/aristath/earnings/internal/domain"
	"gonum.org/v1/gonum/floats/scalar"
)

const (
	// DefaultMaxSurprisePercent flags surprises beyond this magnitude as extreme.
	DefaultMaxSurprisePercent = 300.0
	// DefaultEpsilon is the smallest denominator magnitude treated as non-zero.
	DefaultEpsilon = 1e-9
)

// Reasons a surprise was not computed.
const (
	ReasonPeriodMismatch  = "period_mismatch"
	ReasonMethodMismatch  = "method_mismatch"
	ReasonNoBaseline      = "no_baseline"
	ReasonZeroDenominator = "zero_denominator"
	ReasonNonFinite       = "non_finite"
)

// Input is a guidance figure and the baseline it is compared against, each with its tags.
type Input struct {
	Guidance         *float64
	Estimate         *float64
	ConsensusPercent *float64
	PreviousMin      *float64
	PreviousMax      *float64
	GuidancePeriod   domain.PeriodTag
	EstimatePeriod   domain.PeriodTag
	GuidanceMethod   domain.AccountingMethod
	EstimateMethod   domain.AccountingMethod
}

// Result is a surprise percentage, or nil with a Reason.
type Result struct {
	Percent *float64
	Basis   domain.SurpriseBasis
	Reason  string
	Extreme bool
}

// Calculator is safe for concurrent use.
type Calculator struct {
	maxSurprise float64
	epsilon     float64
}

// NewCalculator creates a calculator; non-positive arguments use the defaults.
func NewCalculator(maxSurprisePercent, epsilon float64) *Calculator {
	if maxSurprisePercent <= 0 {
		maxSurprisePercent = DefaultMaxSurprisePercent
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	return &Calculator{maxSurprise: maxSurprisePercent, epsilon: epsilon}
}

// Surprise computes the percentage surprise. Basis order: provider consensus percent,
// then guidance against estimate, then guidance against the previous range midpoint.
func (c *Calculator) Surprise(in Input) Result {
	if !in.GuidancePeriod.Matches(in.EstimatePeriod) {
		return Result{Reason: ReasonPeriodMismatch}
	}
	if !in.GuidanceMethod.CompatibleWith(in.EstimateMethod) {
		return Result{Reason: ReasonMethodMismatch}
	}

	if in.ConsensusPercent != nil {
		if !finite(*in.ConsensusPercent) {
			return Result{Basis: domain.BasisConsensus, Reason: ReasonNonFinite}
		}
		return c.result(*in.ConsensusPercent, domain.BasisConsensus)
	}

	if in.Guidance == nil {
		return Result{Reason: ReasonNoBaseline}
	}
	guidance := *in.Guidance

	if in.Estimate != nil {
		return c.relative(guidance, *in.Estimate, domain.BasisEstimate)
	}

	if in.PreviousMin != nil && in.PreviousMax != nil {
		mid := (*in.PreviousMin + *in.PreviousMax) / 2
		return c.relative(guidance, mid, domain.BasisPreviousMid)
	}

	return Result{Reason: ReasonNoBaseline}
}

func (c *Calculator) relative(value, base float64, basis domain.SurpriseBasis) Result {
	if !finite(value) || !finite(base) {
		return Result{Basis: basis, Reason: ReasonNonFinite}
	}
	if scalar.EqualWithinAbs(base, 0, c.epsilon) {
		return Result{Basis: basis, Reason: ReasonZeroDenominator}
	}
	pct := (value - base) / base * 100
	if !finite(pct) {
		return Result{Basis: basis, Reason: ReasonNonFinite}
	}
	return c.result(pct, basis)
}

func (c *Calculator) result(pct float64, basis domain.SurpriseBasis) Result {
	return Result{
		Percent: domain.Float(pct),
		Basis:   basis,
		Extreme: math.Abs(pct) > c.maxSurprise,
	}
}

// Baseline is the estimate a guidance record is measured against.
type Baseline struct {
	Estimate *float64
	Period   domain.PeriodTag
	Method   domain.AccountingMethod
}

// Annotate computes the surprise for g and stores it on the record. The baseline is used when
// it has an estimate for g's own period; otherwise the consensus estimate carried on the
// guidance itself is, so forward guidance is still measured.
func (c *Calculator) Annotate(g *domain.GuidanceRecord, base Baseline) Result {
	if g.EPSEstimate != nil && (base.Estimate == nil || !base.Period.Matches(g.Period())) {
		base = Baseline{Estimate: g.EPSEstimate, Period: g.Period(), Method: g.Method}
	}
	res := c.Surprise(Input{
		Guidance:         g.EstimatedEPSGuidance,
		Estimate:         base.Estimate,
		ConsensusPercent: g.ConsensusPercent,
		PreviousMin:      g.PreviousMinGuidance,
		PreviousMax:      g.PreviousMaxGuidance,
		GuidancePeriod:   g.Period(),
		EstimatePeriod:   base.Period,
		GuidanceMethod:   g.Method,
		EstimateMethod:   base.Method,
	})
	g.SurprisePercent = res.Percent
	g.SurpriseBasis = domain.BasisNone
	if res.Percent != nil {
		g.SurpriseBasis = res.Basis
	}
	g.SurpriseExtreme = res.Extreme
	return res
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
