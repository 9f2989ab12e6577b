package models

import "fmt"

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// ENUMS /////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

// Opposite returns the other side of the book.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP_MARKET"
)

// TimeInForce controls how long a limit order stays on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
	// TimeInForceGTX is post-only: the order is rejected instead of
	// crossing the book.
	TimeInForceGTX TimeInForce = "GTX"
)

// OrderStatus is the lifecycle state reported by the exchange.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the order can no longer change state.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// PositionSide distinguishes hedge-mode positions. One-way accounts always
// report BOTH.
type PositionSide string

const (
	PositionSideBoth  PositionSide = "BOTH"
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// MarginType selects per-position margin isolation.
type MarginType string

const (
	MarginTypeIsolated MarginType = "ISOLATED"
	MarginTypeCrossed  MarginType = "CROSSED"
)

// ParseOrderSide converts a wire value into an OrderSide.
func ParseOrderSide(v string) (OrderSide, error) {
	switch OrderSide(v) {
	case SideBuy, SideSell:
		return OrderSide(v), nil
	}
	return "", fmt.Errorf("unknown order side '%s'", v)
}

// ParseMarginType converts a wire value into a MarginType.
func ParseMarginType(v string) (MarginType, error) {
	switch MarginType(v) {
	case MarginTypeIsolated, MarginTypeCrossed:
		return MarginType(v), nil
	}
	return "", fmt.Errorf("unknown margin type '%s'", v)
}

/////////////////////////////////////////////////////////////////////////////
///////////////////////////////// ORDERS ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// OrderRequest carries the parameters of a new order. Price and TimeInForce
// are only meaningful for limit orders.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Quantity      float64
	Price         float64
	TimeInForce   TimeInForce
	ReduceOnly    bool
	PositionSide  PositionSide
	ClientOrderID string
}

// Validate rejects requests the exchange would refuse anyway.
func (r OrderRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("order symbol is required")
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("order side '%s' is invalid", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive")
	}
	if r.Type == OrderTypeLimit && r.Price <= 0 {
		return fmt.Errorf("limit order requires a positive price")
	}
	return nil
}

// OrderInfo mirrors the order representation returned by the futures REST
// API. Numeric fields arrive as quoted strings on the wire.
type OrderInfo struct {
	Symbol        string       `json:"symbol"`
	OrderID       int64        `json:"orderId"`
	ClientOrderID string       `json:"clientOrderId"`
	Side          OrderSide    `json:"side"`
	Type          OrderType    `json:"type"`
	Status        OrderStatus  `json:"status"`
	Price         float64      `json:"price,string"`
	AvgPrice      float64      `json:"avgPrice,string"`
	OrigQty       float64      `json:"origQty,string"`
	ExecutedQty   float64      `json:"executedQty,string"`
	TimeInForce   TimeInForce  `json:"timeInForce"`
	ReduceOnly    bool         `json:"reduceOnly"`
	PositionSide  PositionSide `json:"positionSide"`
	UpdateTime    int64        `json:"updateTime"`
}

/////////////////////////////////////////////////////////////////////////////
//////////////////////////////// ACCOUNT ////////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PositionInfo mirrors one entry of the position risk endpoint.
type PositionInfo struct {
	Symbol           string       `json:"symbol"`
	PositionAmt      float64      `json:"positionAmt,string"`
	EntryPrice       float64      `json:"entryPrice,string"`
	MarkPrice        float64      `json:"markPrice,string"`
	UnrealizedProfit float64      `json:"unRealizedProfit,string"`
	LiquidationPrice float64      `json:"liquidationPrice,string"`
	Leverage         float64      `json:"leverage,string"`
	MarginType       string       `json:"marginType"`
	PositionSide     PositionSide `json:"positionSide"`
	UpdateTime       int64        `json:"updateTime"`
}

// IsOpen reports whether the position has exposure.
func (p PositionInfo) IsOpen() bool {
	return p.PositionAmt != 0
}

// Balance mirrors one entry of the futures balance endpoint.
type Balance struct {
	Asset              string  `json:"asset"`
	Balance            float64 `json:"balance,string"`
	CrossWalletBalance float64 `json:"crossWalletBalance,string"`
	AvailableBalance   float64 `json:"availableBalance,string"`
	UpdateTime         int64   `json:"updateTime"`
}

/////////////////////////////////////////////////////////////////////////////
////////////////////////////// MARKET DATA //////////////////////////////////
/////////////////////////////////////////////////////////////////////////////

// PremiumIndex mirrors the premium index endpoint, which carries both the
// mark price and the current funding rate.
type PremiumIndex struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// PriceTicker mirrors the last traded price endpoint.
type PriceTicker struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price,string"`
	Time   int64   `json:"time"`
}
