package guidance

import (
	"sort"

	"github.com/aristath/earnings/internal/domain"
)

// Rank orders release types for reconciliation.
func Rank(t domain.ReleaseType) int {
	return t.Rank()
}

// Outranks reports whether a is more authoritative than b. Final beats preliminary beats
// anything else; within a rank the later release wins, then the later update, then the
// lexically smaller data source so the choice is deterministic.
func Outranks(a, b domain.GuidanceRecord) bool {
	if ra, rb := Rank(a.ReleaseType), Rank(b.ReleaseType); ra != rb {
		return ra > rb
	}
	if !a.ReleasedAt.Equal(b.ReleasedAt) {
		return a.ReleasedAt.After(b.ReleasedAt)
	}
	if !a.LastUpdated.Equal(b.LastUpdated) {
		return a.LastUpdated.After(b.LastUpdated)
	}
	return a.DataSource < b.DataSource
}

// Reconcile picks the most authoritative submission. It returns false for an empty input.
func Reconcile(submissions []domain.GuidanceRecord) (domain.GuidanceRecord, bool) {
	if len(submissions) == 0 {
		return domain.GuidanceRecord{}, false
	}
	best := submissions[0]
	for _, s := range submissions[1:] {
		if Outranks(s, best) {
			best = s
		}
	}
	return best, true
}

// ReconcileAll groups submissions by (ticker, period, year) and reconciles each group.
// Output is sorted by ticker, year and period.
func ReconcileAll(submissions []domain.GuidanceRecord) []domain.GuidanceRecord {
	type key struct {
		ticker string
		tag    domain.PeriodTag
	}
	groups := make(map[key][]domain.GuidanceRecord)
	for _, s := range submissions {
		k := key{ticker: s.Ticker, tag: s.Period()}
		groups[k] = append(groups[k], s)
	}

	out := make([]domain.GuidanceRecord, 0, len(groups))
	for _, g := range groups {
		if best, ok := Reconcile(g); ok {
			out = append(out, best)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ticker != out[j].Ticker {
			return out[i].Ticker < out[j].Ticker
		}
		if out[i].FiscalYear != out[j].FiscalYear {
			return out[i].FiscalYear < out[j].FiscalYear
		}
		return out[i].FiscalPeriod < out[j].FiscalPeriod
	})
	return out
}
