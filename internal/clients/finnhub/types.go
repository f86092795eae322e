package finnhub

// CalendarResponse is the body of /calendar/earnings.
type CalendarResponse struct {
	EarningsCalendar []CalendarEntry `json:"earningsCalendar"`
}

// CalendarEntry is one provider calendar row. Missing figures decode as nil.
type CalendarEntry struct {
	EPSEstimate     *float64 `json:"epsEstimate"`
	EPSActual       *float64 `json:"epsActual"`
	RevenueEstimate *float64 `json:"revenueEstimate"` // whole currency units
	RevenueActual   *float64 `json:"revenueActual"`
	Quarter         *int     `json:"quarter"`
	Year            *int     `json:"year"`
	Symbol          string   `json:"symbol"`
	Date            string   `json:"date"`
	Hour            string   `json:"hour"`
	Sector          string   `json:"sector"`
	Exchange        string   `json:"exchange"`
}

// GuidanceResponse is the body of /stock/guidance.
type GuidanceResponse struct {
	Symbol string          `json:"symbol"`
	Data   []GuidanceEntry `json:"data"`
}

// GuidanceEntry is one guidance submission as reported by the provider.
type GuidanceEntry struct {
	EPSGuidance      *float64 `json:"epsGuidance"`
	RevenueGuidance  *float64 `json:"revenueGuidance"`
	EPSEstimate      *float64 `json:"epsEstimate"`
	PreviousMin      *float64 `json:"previousMin"`
	PreviousMax      *float64 `json:"previousMax"`
	ConsensusPercent *float64 `json:"consensusPercent"`
	Period           string   `json:"period"`
	ReleaseType      string   `json:"releaseType"`
	ReleasedAt       string   `json:"releasedAt"` // RFC3339 or YYYY-MM-DD
	Method           string   `json:"method"`
	Year             int      `json:"year"`
}
