package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"

	"fundflow/logger"
	"fundflow/models"
)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// newClientOrderID generates an idempotency key for order placement so a
// retried POST cannot double-fill.
func newClientOrderID() string {
	return "ff-" + uuid.NewString()
}

// PlaceOrder submits a new order. A client order ID is generated when the
// request does not carry one. Order placement passes through a separate
// admission gate on top of the request gate; instead of waiting out a burst
// it fails fast with ErrOrderRateLimited so the caller can reprice.
func (c *Client) PlaceOrder(ctx context.Context, req models.OrderRequest) (*models.OrderInfo, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid order request: %w", err)
	}
	if req.ClientOrderID == "" {
		req.ClientOrderID = newClientOrderID()
	}

	if !c.orderGate.TryAcquire() {
		return nil, fmt.Errorf("%w for %s", ErrOrderRateLimited, req.Symbol)
	}

	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", string(req.Side))
	params.Set("type", string(req.Type))
	params.Set("quantity", formatFloat(req.Quantity))
	params.Set("newClientOrderId", req.ClientOrderID)
	if req.Type == models.OrderTypeLimit {
		params.Set("price", formatFloat(req.Price))
		tif := req.TimeInForce
		if tif == "" {
			tif = models.TimeInForceGTC
		}
		params.Set("timeInForce", string(tif))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	}

	var info models.OrderInfo
	if err := c.do(ctx, http.MethodPost, "/fapi/v1/order", params, true, &info); err != nil {
		return nil, fmt.Errorf("failed to place order: %w", err)
	}

	c.log.WithComponent("binance_rest").WithFields(logger.Fields{
		"symbol":          info.Symbol,
		"order_id":        info.OrderID,
		"client_order_id": info.ClientOrderID,
		"side":            info.Side,
		"status":          info.Status,
	}).Info("order placed")

	return &info, nil
}

// CancelOrder cancels an open order by exchange order ID.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var info models.OrderInfo
	if err := c.do(ctx, http.MethodDelete, "/fapi/v1/order", params, true, &info); err != nil {
		return nil, fmt.Errorf("failed to cancel order %d: %w", orderID, err)
	}
	return &info, nil
}

// GetOrderStatus fetches the current state of an order.
func (c *Client) GetOrderStatus(ctx context.Context, symbol string, orderID int64) (*models.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	var info models.OrderInfo
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/order", params, true, &info); err != nil {
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	return &info, nil
}

// GetOpenOrders lists open orders. An empty symbol lists open orders across
// all symbols, which is considerably more expensive on the exchange side.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var orders []models.OrderInfo
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/openOrders", params, true, &orders); err != nil {
		return nil, fmt.Errorf("failed to fetch open orders: %w", err)
	}
	return orders, nil
}

// GetOpenPositions returns positions with non-zero exposure. An empty symbol
// queries all symbols.
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]models.PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}

	var all []models.PositionInfo
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/positionRisk", params, true, &all); err != nil {
		return nil, fmt.Errorf("failed to fetch positions: %w", err)
	}

	open := all[:0]
	for _, p := range all {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

// SetLeverage changes the initial leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage < 1 || leverage > 125 {
		return fmt.Errorf("leverage %d out of range", leverage)
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))

	if err := c.do(ctx, http.MethodPost, "/fapi/v1/leverage", params, true, nil); err != nil {
		return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
	}
	return nil
}

// marginTypeNoChange is returned when the margin type already matches.
const marginTypeNoChange = -4046

// SetMarginType switches a symbol between isolated and crossed margin. The
// exchange error for "already set" is treated as success.
func (c *Client) SetMarginType(ctx context.Context, symbol string, marginType models.MarginType) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("marginType", string(marginType))

	err := c.do(ctx, http.MethodPost, "/fapi/v1/marginType", params, true, nil)
	if err != nil {
		if apiErr, ok := AsAPIError(err); ok && apiErr.Code == marginTypeNoChange {
			return nil
		}
		return fmt.Errorf("failed to set margin type for %s: %w", symbol, err)
	}
	return nil
}
