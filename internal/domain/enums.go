package domain

import (
	"fmt"
	"strings"
)

// ReportTime is the session timing of an earnings release.
type ReportTime string

const (
	ReportBeforeOpen    ReportTime = "BeforeOpen"
	ReportAfterClose    ReportTime = "AfterClose"
	ReportDuringSession ReportTime = "DuringSession"
	ReportUnknown       ReportTime = "Unknown"
)

// ParseReportTime maps provider hour codes (bmo, amc, dmh) and canonical names onto ReportTime.
func ParseReportTime(s string) ReportTime {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bmo", "beforeopen", "before_open", "pre-market", "premarket":
		return ReportBeforeOpen
	case "amc", "afterclose", "after_close", "post-market", "postmarket":
		return ReportAfterClose
	case "dmh", "duringsession", "during_session", "intraday":
		return ReportDuringSession
	default:
		return ReportUnknown
	}
}

// FiscalPeriod identifies the fiscal reporting period.
type FiscalPeriod string

const (
	PeriodQ1 FiscalPeriod = "Q1"
	PeriodQ2 FiscalPeriod = "Q2"
	PeriodQ3 FiscalPeriod = "Q3"
	PeriodQ4 FiscalPeriod = "Q4"
	PeriodH1 FiscalPeriod = "H1"
	PeriodH2 FiscalPeriod = "H2"
	PeriodFY FiscalPeriod = "FY"
)

// AllFiscalPeriods lists every fiscal period in reporting order.
var AllFiscalPeriods = []FiscalPeriod{PeriodQ1, PeriodQ2, PeriodQ3, PeriodQ4, PeriodH1, PeriodH2, PeriodFY}

// ParseFiscalPeriod accepts "Q1".."Q4", "H1", "H2", "FY" and bare quarter numbers "1".."4".
func ParseFiscalPeriod(s string) (FiscalPeriod, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	switch v {
	case "1", "2", "3", "4":
		return FiscalPeriod("Q" + v), nil
	case "ANNUAL", "YEAR":
		return PeriodFY, nil
	}
	for _, p := range AllFiscalPeriods {
		if FiscalPeriod(v) == p {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown fiscal period %q", s)
}

// QuarterPeriod converts a quarter number into a fiscal period.
func QuarterPeriod(q int) (FiscalPeriod, bool) {
	if q < 1 || q > 4 {
		return "", false
	}
	return FiscalPeriod(fmt.Sprintf("Q%d", q)), true
}

// PeriodTag is a fiscal period qualified by its fiscal year.
type PeriodTag struct {
	Period FiscalPeriod `json:"period"`
	Year   int          `json:"year"`
}

// IsZero reports whether the tag carries no period information.
func (p PeriodTag) IsZero() bool {
	return p.Period == "" || p.Year == 0
}

// Matches reports an exact match of period type and year. FY never matches a quarter
// and H1 never matches H2.
func (p PeriodTag) Matches(other PeriodTag) bool {
	if p.IsZero() || other.IsZero() {
		return false
	}
	return p.Period == other.Period && p.Year == other.Year
}

func (p PeriodTag) String() string {
	return fmt.Sprintf("%s %d", p.Period, p.Year)
}

// AccountingMethod tags the basis a figure was reported on.
type AccountingMethod string

const (
	MethodUnknown  AccountingMethod = ""
	MethodGAAP     AccountingMethod = "GAAP"
	MethodIFRS     AccountingMethod = "IFRS"
	MethodNonGAAP  AccountingMethod = "NON_GAAP"
	MethodAdjusted AccountingMethod = "ADJUSTED"
)

// MethodFamily groups accounting methods that can be compared with each other.
type MethodFamily int

const (
	FamilyUnknown MethodFamily = iota
	FamilyGAAP
	FamilyNonGAAP
)

// ParseAccountingMethod normalizes provider spellings ("non-gaap", "Adjusted", ...).
func ParseAccountingMethod(s string) AccountingMethod {
	v := strings.ToUpper(strings.TrimSpace(s))
	v = strings.NewReplacer("-", "_", " ", "_").Replace(v)
	switch v {
	case "GAAP", "US_GAAP":
		return MethodGAAP
	case "IFRS":
		return MethodIFRS
	case "NON_GAAP", "NONGAAP":
		return MethodNonGAAP
	case "ADJUSTED", "ADJ":
		return MethodAdjusted
	default:
		return MethodUnknown
	}
}

// Family returns the comparability family of the method.
func (m AccountingMethod) Family() MethodFamily {
	switch m {
	case MethodGAAP, MethodIFRS:
		return FamilyGAAP
	case MethodNonGAAP, MethodAdjusted:
		return FamilyNonGAAP
	default:
		return FamilyUnknown
	}
}

// CompatibleWith treats an unknown method on either side as compatible.
func (m AccountingMethod) CompatibleWith(other AccountingMethod) bool {
	a, b := m.Family(), other.Family()
	if a == FamilyUnknown || b == FamilyUnknown {
		return true
	}
	return a == b
}

// ReleaseType ranks guidance submissions by authority.
type ReleaseType string

const (
	ReleaseFinal       ReleaseType = "final"
	ReleasePreliminary ReleaseType = "preliminary"
	ReleaseOther       ReleaseType = "other"
)

// Rank orders release types: final > preliminary > anything else.
func (r ReleaseType) Rank() int {
	switch r {
	case ReleaseFinal:
		return 2
	case ReleasePreliminary:
		return 1
	default:
		return 0
	}
}

// SurpriseBasis records which baseline a guidance surprise was computed against.
type SurpriseBasis string

const (
	BasisNone        SurpriseBasis = ""
	BasisConsensus   SurpriseBasis = "consensus"
	BasisEstimate    SurpriseBasis = "estimate"
	BasisPreviousMid SurpriseBasis = "previous_mid"
)

// SizeClass buckets companies by market capitalization.
type SizeClass string

const (
	SizeMega  SizeClass = "Mega"
	SizeLarge SizeClass = "Large"
	SizeMid   SizeClass = "Mid"
	SizeSmall SizeClass = "Small"
)

// DayState is the per-day pipeline state. States only move forward within a day.
type DayState string

const (
	StateInit      DayState = "INIT"
	StateResetDone DayState = "RESET_DONE"
	StateFetchDone DayState = "FETCH_DONE"
)

// Ordinal gives the position of the state in the daily progression.
func (s DayState) Ordinal() int {
	switch s {
	case StateResetDone:
		return 1
	case StateFetchDone:
		return 2
	default:
		return 0
	}
}

// ParseDayState returns StateInit for anything unrecognised.
func ParseDayState(s string) DayState {
	switch DayState(s) {
	case StateResetDone, StateFetchDone:
		return DayState(s)
	default:
		return StateInit
	}
}
