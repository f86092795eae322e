package polygon

// PreviousClose is the prior session's close for a ticker.
type PreviousClose struct {
	Ticker string  `json:"ticker"`
	Close  float64 `json:"close"`
}

// LastTrade is the most recent trade price.
type LastTrade struct {
	Ticker string  `json:"ticker"`
	Price  float64 `json:"price"`
}

// CompanyProfile carries the reference data used for market-cap derivation.
type CompanyProfile struct {
	MarketCap         *float64 `json:"market_cap,omitempty"`
	SharesOutstanding *float64 `json:"shares_outstanding,omitempty"`
	Ticker            string   `json:"ticker"`
	Name              string   `json:"name"`
}

type aggsResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Close float64 `json:"c"`
	} `json:"results"`
}

type lastTradeResponse struct {
	Status  string `json:"status"`
	Results *struct {
		Price float64 `json:"p"`
	} `json:"results"`
}

type tickerDetailsResponse struct {
	Status  string `json:"status"`
	Results *struct {
		Name                        string   `json:"name"`
		MarketCap                   *float64 `json:"market_cap"`
		ShareClassSharesOutstanding *float64 `json:"share_class_shares_outstanding"`
		WeightedSharesOutstanding   *float64 `json:"weighted_shares_outstanding"`
	} `json:"results"`
}
