package pricing

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/aristath/earnings/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCalc() *Calculator {
	return NewCalculator(DefaultThresholds())
}

func TestCalculate_NormalMove(t *testing.T) {
	res := newCalc().Calculate(Input{
		Ticker:            "AAPL",
		CurrentPrice:      domain.Float(150.25),
		PreviousClose:     domain.Float(148.50),
		SharesOutstanding: domain.Float(15e9),
	})

	assert.True(t, res.Valid)
	assert.Empty(t, res.Violations)
	require.NotNil(t, res.PriceChangePercent)
	assert.InDelta(t, 1.178, *res.PriceChangePercent, 0.001)

	require.NotNil(t, res.MarketCap)
	assert.Equal(t, int64(2_253_750_000_000), *res.MarketCap)
	require.NotNil(t, res.SizeClass)
	assert.Equal(t, domain.SizeMega, *res.SizeClass)
	require.NotNil(t, res.MarketCapDiffBillions)
	assert.InDelta(t, 26.25, *res.MarketCapDiffBillions, 0.001)
	require.NotNil(t, res.MarketCapDiffPercent)
	assert.InDelta(t, *res.PriceChangePercent, *res.MarketCapDiffPercent, 1e-9)
}

func TestCalculate_ExtremeMoveIsNulled(t *testing.T) {
	res := newCalc().Calculate(Input{
		Ticker:        "XYZ",
		CurrentPrice:  domain.Float(100),
		PreviousClose: domain.Float(50),
	})

	assert.False(t, res.Valid)
	assert.Nil(t, res.PriceChangePercent)
	fields := map[string]string{}
	for _, v := range res.Violations {
		fields[v.Field] = v.Rule
	}
	assert.Equal(t, RuleExtreme, fields["price_change_percent"])
	assert.Equal(t, RuleRequired, fields["shares_outstanding"])
}

func TestCalculate_ListsEveryViolation(t *testing.T) {
	res := newCalc().Calculate(Input{
		CurrentPrice:      domain.Float(20_000),
		PreviousClose:     domain.Float(-1),
		SharesOutstanding: domain.Float(200e9),
	})

	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 3)
	assert.Equal(t, "current_price", res.Violations[0].Field)
	assert.Equal(t, RuleMax, res.Violations[0].Rule)
	assert.Equal(t, RulePositive, res.Violations[1].Rule)
	assert.Equal(t, RuleMax, res.Violations[2].Rule)
	assert.Nil(t, res.PriceChangePercent)
	assert.Nil(t, res.MarketCap)
	assert.Len(t, res.Warnings(), 3)
}

func TestCalculate_InvalidSharesKeepsPriceChange(t *testing.T) {
	res := newCalc().Calculate(Input{
		CurrentPrice:      domain.Float(10),
		PreviousClose:     domain.Float(9),
		SharesOutstanding: domain.Float(0),
	})

	assert.False(t, res.Valid)
	require.NotNil(t, res.PriceChangePercent)
	assert.Nil(t, res.MarketCap)
	assert.Nil(t, res.SizeClass)
	assert.Nil(t, res.MarketCapDiffPercent)
}

func TestCalculate_MissingSharesFallsBackToReportedMarketCap(t *testing.T) {
	res := newCalc().Calculate(Input{
		Ticker:        "NVDA",
		CurrentPrice:  domain.Float(150.25),
		PreviousClose: domain.Float(148.50),
		MarketCap:     domain.Float(4e12),
	})

	assert.False(t, res.Valid)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "shares_outstanding", res.Violations[0].Field)
	require.NotNil(t, res.PriceChangePercent)
	assert.InDelta(t, 1.178, *res.PriceChangePercent, 0.001)
	require.NotNil(t, res.MarketCap)
	assert.Equal(t, int64(4e12), *res.MarketCap)
	require.NotNil(t, res.SizeClass)
	assert.Equal(t, domain.SizeMega, *res.SizeClass)
	assert.Nil(t, res.MarketCapDiffPercent)
	assert.Nil(t, res.MarketCapDiffBillions)
}

func TestCalculate_ReportedMarketCapIgnoredWithShares(t *testing.T) {
	res := newCalc().Calculate(Input{
		CurrentPrice:      domain.Float(10),
		PreviousClose:     domain.Float(10),
		SharesOutstanding: domain.Float(1e9),
		MarketCap:         domain.Float(5e12),
	})
	require.NotNil(t, res.MarketCap)
	assert.Equal(t, int64(10e9), *res.MarketCap)
}

func TestCalculate_MissingPrices(t *testing.T) {
	res := newCalc().Calculate(Input{SharesOutstanding: domain.Float(1e9)})
	assert.False(t, res.Valid)
	assert.Len(t, res.Violations, 2)
	assert.Nil(t, res.MarketCap)
}

func TestCalculate_PercentMatchesFormula(t *testing.T) {
	calc := newCalc()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		prev := 1 + rng.Float64()*999
		cur := prev * (0.55 + rng.Float64()*0.9)
		res := calc.Calculate(Input{CurrentPrice: &cur, PreviousClose: &prev})
		want := (cur - prev) / prev * 100
		if want > 50 || want < -50 {
			assert.Nil(t, res.PriceChangePercent)
			continue
		}
		require.NotNil(t, res.PriceChangePercent)
		assert.InDelta(t, want, *res.PriceChangePercent, 1e-9)
	}
}

func TestClassifySize(t *testing.T) {
	tests := []struct {
		cap  int64
		want domain.SizeClass
	}{
		{MegaCapThreshold, domain.SizeMega},
		{MegaCapThreshold - 1, domain.SizeLarge},
		{LargeCapThreshold, domain.SizeLarge},
		{MidCapThreshold, domain.SizeMid},
		{MidCapThreshold - 1, domain.SizeSmall},
		{0, domain.SizeSmall},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifySize(tt.cap), "cap %d", tt.cap)
	}
}

func TestNewCalculator_DefaultsNonPositive(t *testing.T) {
	c := NewCalculator(Thresholds{MaxPrice: -1, MaxChangePercent: 20})
	assert.Equal(t, 10_000.0, c.Thresholds().MaxPrice)
	assert.Equal(t, 100e9, c.Thresholds().MaxShares)
	assert.Equal(t, 20.0, c.Thresholds().MaxChangePercent)
}

func TestCalculate_ConcurrentUse(t *testing.T) {
	calc := newCalc()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := calc.Calculate(Input{CurrentPrice: domain.Float(101), PreviousClose: domain.Float(100), SharesOutstanding: domain.Float(1e9)})
			assert.True(t, res.Valid)
		}()
	}
	wg.Wait()
}

func TestApply(t *testing.T) {
	in := Input{CurrentPrice: domain.Float(100), PreviousClose: domain.Float(50)}
	res := newCalc().Calculate(in)
	snap := domain.MarketSnapshot{Ticker: "XYZ", PriceChangePercent: domain.Float(3)}

	Apply(&snap, in, res)
	assert.Nil(t, snap.PriceChangePercent)
	assert.False(t, snap.Valid)
	assert.Equal(t, 100.0, *snap.CurrentPrice)
	assert.NotEmpty(t, snap.Warnings)
}
