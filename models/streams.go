package models

/////////////////////////////////////////////////////////////////////////////
/////////////////////////////// STREAM EVENTS ///////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// MarkPriceUpdate mirrors the markPrice stream payload. The same payload is
// delivered on the fundingRate stream.
type MarkPriceUpdate struct {
	EventType       string  `json:"e"`
	EventTime       int64   `json:"E"`
	Symbol          string  `json:"s"`
	MarkPrice       float64 `json:"p,string"`
	IndexPrice      float64 `json:"i,string"`
	FundingRate     float64 `json:"r,string"`
	NextFundingTime int64   `json:"T"`
}

// BookTicker mirrors the bookTicker stream payload with the current best bid
// and ask.
type BookTicker struct {
	UpdateID int64   `json:"u"`
	Symbol   string  `json:"s"`
	BidPrice float64 `json:"b,string"`
	BidQty   float64 `json:"B,string"`
	AskPrice float64 `json:"a,string"`
	AskQty   float64 `json:"A,string"`
	Time     int64   `json:"E"`
}

// MidPrice returns the midpoint of the best bid and ask.
func (b BookTicker) MidPrice() float64 {
	return (b.BidPrice + b.AskPrice) / 2
}
