package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RESTClient talks to the brokerage REST API. Payloads are decoded into the
// tagged structs in types.go and validated once at ingestion; nothing
// loosely-typed escapes this package.
type RESTClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	validate  *validator.Validate
	logger    zerolog.Logger
}

// NewRESTClient builds a client with a hard per-call timeout. The timeout is
// deliberately short: a slow broker call must never stall a scan cycle.
func NewRESTClient(baseURL, apiKey, apiSecret string, timeout time.Duration) *RESTClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RESTClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
		validate:  validator.New(),
		logger:    log.With().Str("component", "broker").Logger(),
	}
}

func (c *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("broker request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("broker %s %s: status %d: %s", method, path, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *RESTClient) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.do(ctx, http.MethodGet, "/v2/account", nil, &acct); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&acct); err != nil {
		return nil, fmt.Errorf("invalid account payload: %w", err)
	}
	return &acct, nil
}

func (c *RESTClient) ListOpenPositions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.do(ctx, http.MethodGet, "/v2/positions", nil, &positions); err != nil {
		return nil, err
	}
	for i := range positions {
		if err := c.validate.Struct(&positions[i]); err != nil {
			return nil, fmt.Errorf("invalid position payload for %q: %w", positions[i].Symbol, err)
		}
	}
	return positions, nil
}

func (c *RESTClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var order Order
	if err := c.do(ctx, http.MethodGet, "/v2/orders/"+url.PathEscape(orderID), nil, &order); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&order); err != nil {
		return nil, fmt.Errorf("invalid order payload: %w", err)
	}
	return &order, nil
}

func (c *RESTClient) ListOrders(ctx context.Context, status string, limit int) ([]Order, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	q.Set("direction", "desc")

	var orders []Order
	if err := c.do(ctx, http.MethodGet, "/v2/orders?"+q.Encode(), nil, &orders); err != nil {
		return nil, err
	}
	for i := range orders {
		if err := c.validate.Struct(&orders[i]); err != nil {
			return nil, fmt.Errorf("invalid order payload for %q: %w", orders[i].ID, err)
		}
	}
	return orders, nil
}

func (c *RESTClient) GetLatestPrice(ctx context.Context, symbol string) (float64, error) {
	var payload struct {
		Trade struct {
			Price float64 `json:"p"`
		} `json:"trade"`
	}
	path := "/v2/stocks/" + url.PathEscape(symbol) + "/trades/latest"
	if err := c.do(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return 0, err
	}
	if payload.Trade.Price <= 0 {
		return 0, fmt.Errorf("no trade price for %s", symbol)
	}
	return payload.Trade.Price, nil
}

func (c *RESTClient) CancelOrder(ctx context.Context, orderID string) error {
	return c.do(ctx, http.MethodDelete, "/v2/orders/"+url.PathEscape(orderID), nil, nil)
}

func (c *RESTClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	if req.TimeInForce == "" {
		req.TimeInForce = "gtc"
	}

	var order Order
	if err := c.do(ctx, http.MethodPost, "/v2/orders", req, &order); err != nil {
		return nil, err
	}
	if err := c.validate.Struct(&order); err != nil {
		return nil, fmt.Errorf("invalid order payload: %w", err)
	}

	c.logger.Info().
		Str("order_id", order.ID).
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("order_class", req.OrderClass).
		Float64("qty", req.Qty).
		Msg("order submitted")

	return &order, nil
}
