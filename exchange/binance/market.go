package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"fundflow/models"
)

// GetPremiumIndex fetches the premium index for a symbol, carrying both the
// mark price and the current funding rate.
func (c *Client) GetPremiumIndex(ctx context.Context, symbol string) (*models.PremiumIndex, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var idx models.PremiumIndex
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/premiumIndex", params, false, &idx); err != nil {
		return nil, fmt.Errorf("failed to fetch premium index for %s: %w", symbol, err)
	}
	return &idx, nil
}

// GetFundingRate returns the current funding rate for a symbol.
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	idx, err := c.GetPremiumIndex(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return idx.LastFundingRate, nil
}

// GetMarkPrice returns the current mark price for a symbol.
func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	idx, err := c.GetPremiumIndex(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return idx.MarkPrice, nil
}

// GetLastPrice returns the last traded price for a symbol.
func (c *Client) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	var ticker models.PriceTicker
	if err := c.do(ctx, http.MethodGet, "/fapi/v1/ticker/price", params, false, &ticker); err != nil {
		return 0, fmt.Errorf("failed to fetch last price for %s: %w", symbol, err)
	}
	return ticker.Price, nil
}

// GetBalance returns the futures wallet balances for all assets.
func (c *Client) GetBalance(ctx context.Context) ([]models.Balance, error) {
	var balances []models.Balance
	if err := c.do(ctx, http.MethodGet, "/fapi/v2/balance", nil, true, &balances); err != nil {
		return nil, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return balances, nil
}
