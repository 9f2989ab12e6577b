package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"
	xrate "golang.org/x/time/rate"

	"fundflow/config"
	ratemetrics "fundflow/internal/metrics/rate"
	"fundflow/internal/rategate"
	"fundflow/internal/retry"
	"fundflow/logger"
)

// Client is a rate limited, retrying REST client for the Binance USD-M
// futures API. All methods are safe for concurrent use.
type Client struct {
	cfg         config.BinanceConfig
	httpClient  *http.Client
	signer      Signer
	requestGate *rategate.Gate
	orderGate   *rategate.Gate
	// weightLimiter smooths request weight over the per minute budget so a
	// burst cannot consume the whole window up front.
	weightLimiter *xrate.Limiter
	weightLimit   int64
	retryPolicy   retry.Policy
	futures       *futures.Client
	log           *logger.Log
	now           func() time.Time
}

// NewClient builds a REST client from configuration. The returned client has
// no per minute weight limit until Init is called.
func NewClient(cfg config.BinanceConfig, log *logger.Log) *Client {
	transport := &http.Transport{
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}

	fc := futures.NewClient(cfg.APIKey, cfg.APISecret)
	fc.HTTPClient = httpClient
	fc.SetApiEndpoint(cfg.BaseURL)

	codes := cfg.Retry.RetriableCodes
	c := &Client{
		cfg:         cfg,
		httpClient:  httpClient,
		signer:      NewHMACSigner(cfg.APIKey, cfg.APISecret),
		requestGate: rategate.New(cfg.RateLimit.RequestsPerSecond),
		orderGate:   rategate.New(cfg.RateLimit.OrdersPerSecond),
		retryPolicy: retry.Policy{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.RetryDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.BackoffMultiplier,
			Retriable: func(err error) bool {
				if apiErr, ok := AsAPIError(err); ok {
					return retriableStatus(apiErr.HTTPStatus, codes)
				}
				// Transport level failures are always worth a retry.
				return true
			},
		},
		futures: fc,
		log:     log,
		now:     time.Now,
	}

	log.WithComponent("binance_rest").WithFields(logger.Fields{
		"base_url":            cfg.BaseURL,
		"requests_per_second": cfg.RateLimit.RequestsPerSecond,
		"orders_per_second":   cfg.RateLimit.OrdersPerSecond,
		"max_retries":         cfg.Retry.MaxRetries,
	}).Info("binance rest client initialized")

	return c
}

// Init fetches the REQUEST_WEIGHT per minute limit from exchangeInfo and
// arms the weight limiter. The client works without it, only less smoothly.
func (c *Client) Init(ctx context.Context) error {
	limit, err := ratemetrics.FetchRequestWeightLimit(ctx, c.futures)
	if err != nil {
		c.log.WithComponent("binance_rest").WithError(err).Warn("failed to fetch request weight limit")
		return err
	}
	if limit > 0 {
		c.weightLimit = limit
		perSecond := float64(limit) / 60.0
		c.weightLimiter = xrate.NewLimiter(xrate.Limit(perSecond), int(perSecond))
		c.log.WithComponent("binance_rest").WithFields(logger.Fields{
			"weight_limit_per_minute": limit,
		}).Info("request weight limiter armed")
	}
	return nil
}

// do runs one API call through the rate gate and retry executor and decodes
// the response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	op := func(ctx context.Context) error {
		if err := c.requestGate.Acquire(ctx); err != nil {
			return err
		}
		if c.weightLimiter != nil {
			if err := c.weightLimiter.Wait(ctx); err != nil {
				return err
			}
		}
		return c.doOnce(ctx, method, path, params, signed, out)
	}

	attempt := 0
	return retry.DoVoid(ctx, c.retryPolicy, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			logger.IncrementRetryCount()
		}
		return op(ctx)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, params url.Values, signed bool, out interface{}) error {
	query := ""
	if signed {
		// Each attempt signs with a fresh timestamp.
		query = signQuery(c.signer, params, c.now)
	} else if len(params) > 0 {
		query = params.Encode()
	}

	reqURL := c.cfg.BaseURL + path
	if query != "" {
		reqURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if key := c.signer.APIKey(); key != "" {
		req.Header.Set("X-MBX-APIKEY", key)
	}

	logger.IncrementRestRequest()
	start := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	log := c.log.WithComponent("binance_rest").WithFields(logger.Fields{
		"method": method,
		"path":   path,
	})
	logger.LogPerformanceEntry(log, "binance_rest", "api_request", time.Since(start), logger.Fields{
		"status": resp.StatusCode,
	})

	ratemetrics.ReportUsedWeight(c.log, resp.Header, "binance_rest", c.weightLimit)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{HTTPStatus: resp.StatusCode}
		if jsonErr := json.Unmarshal(body, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Code = 0
			apiErr.Message = strings.TrimSpace(string(body))
		}
		ratemetrics.ReportLimitFromMessage(c.log, "binance_rest", params.Get("symbol"), apiErr.Message)
		log.WithFields(logger.Fields{"status": resp.StatusCode, "code": apiErr.Code}).Warn(apiErr.Message)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
