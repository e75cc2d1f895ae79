package venue

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/ksred/trading-engine/internal/retry"
	"github.com/ksred/trading-engine/internal/types"
)

// RestClient talks to a venue's signed REST API. It never retries on its own:
// every failure is wrapped into a retry.VenueError and classified upstream,
// because a blind transport-level retry of a write is exactly the duplicate
// submission this engine exists to prevent.
type RestClient struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
}

// NewRestClient builds a client against baseURL with a bounded per-call
// timeout. Credentials may be empty for read-only use.
func NewRestClient(baseURL, apiKey, apiSecret string, timeout time.Duration) *RestClient {
	client := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("X-API-KEY", apiKey)

	return &RestClient{
		http:      client,
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

type restOrder struct {
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Price         string  `json:"price"`
	Quantity      string  `json:"origQty"`
	Status        string  `json:"status"`
	Time          int64   `json:"time"`
	UpdateTime    int64   `json:"updateTime"`
	TransactTime  int64   `json:"transactTime"`
}

type restBalance struct {
	Asset string `json:"asset"`
	Free  string `json:"free"`
}

func (c *RestClient) GetOpenOrders(ctx context.Context, symbol string) (*OpenOrders, error) {
	var raw []restOrder
	params := url.Values{"symbol": {symbol}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/openOrders", params, &raw, "get_open_orders"); err != nil {
		return nil, err
	}

	out := &OpenOrders{}
	for _, r := range raw {
		snap := r.toSnapshot()
		if snap.Side == types.SideBuy {
			out.Bids = append(out.Bids, snap)
		} else {
			out.Asks = append(out.Asks, snap)
		}
	}
	return out, nil
}

func (c *RestClient) GetAllOrders(ctx context.Context, symbol string, startMs, endMs int64) ([]types.OrderSnapshot, error) {
	var raw []restOrder
	params := url.Values{
		"symbol":    {symbol},
		"startTime": {strconv.FormatInt(startMs, 10)},
		"endTime":   {strconv.FormatInt(endMs, 10)},
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/allOrders", params, &raw, "get_all_orders"); err != nil {
		return nil, err
	}

	out := make([]types.OrderSnapshot, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toSnapshot())
	}
	return out, nil
}

func (c *RestClient) GetOrder(ctx context.Context, orderID string) (*types.OrderSnapshot, error) {
	var raw restOrder
	params := url.Values{"orderId": {orderID}}
	if err := c.do(ctx, http.MethodGet, "/api/v3/order", params, &raw, "get_order"); err != nil {
		return nil, err
	}
	snap := raw.toSnapshot()
	return &snap, nil
}

func (c *RestClient) SubmitLimitOrder(ctx context.Context, req SubmitRequest) (*Ack, error) {
	var raw restOrder
	params := url.Values{
		"symbol":           {req.Symbol},
		"side":             {string(req.Side)},
		"type":             {"LIMIT"},
		"timeInForce":      {"GTC"},
		"price":            {strconv.FormatFloat(req.Price, 'f', -1, 64)},
		"quantity":         {strconv.FormatFloat(req.Quantity, 'f', -1, 64)},
		"newClientOrderId": {req.ClientOrderID},
	}
	if err := c.do(ctx, http.MethodPost, "/api/v3/order", params, &raw, "submit_limit_order"); err != nil {
		return nil, err
	}

	ack := &Ack{
		ExchangeOrderID: raw.OrderID,
		Status:          mapVenueStatus(raw.Status),
		TransactTime:    time.UnixMilli(raw.TransactTime).UTC(),
	}
	log.Debug().
		Str("component", "venue_rest").
		Str("symbol", req.Symbol).
		Str("client_order_id", req.ClientOrderID).
		Str("exchange_order_id", ack.ExchangeOrderID).
		Msg("limit order acknowledged")
	return ack, nil
}

func (c *RestClient) CancelOrderByExchangeID(ctx context.Context, orderID string) (bool, error) {
	params := url.Values{"orderId": {orderID}}
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, nil, "cancel_order"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RestClient) CancelOrderByClientOrderID(ctx context.Context, clientOrderID string) (bool, error) {
	params := url.Values{"origClientOrderId": {clientOrderID}}
	if err := c.do(ctx, http.MethodDelete, "/api/v3/order", params, nil, "cancel_order_by_cid"); err != nil {
		return false, err
	}
	return true, nil
}

func (c *RestClient) GetBalances(ctx context.Context) ([]types.Balance, error) {
	var raw struct {
		Balances []restBalance `json:"balances"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v3/account", url.Values{}, &raw, "get_balances"); err != nil {
		return nil, err
	}

	out := make([]types.Balance, 0, len(raw.Balances))
	for _, b := range raw.Balances {
		free, err := strconv.ParseFloat(b.Free, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse balance for %s", b.Asset)
		}
		out = append(out, types.Balance{Asset: b.Asset, Free: free})
	}
	return out, nil
}

// do signs and issues one request, translating any failure into a
// retry.VenueError carrying the HTTP status and Retry-After hint.
func (c *RestClient) do(ctx context.Context, method, path string, params url.Values, out interface{}, op string) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("signature", c.sign(params.Encode()))

	req := c.http.R().SetContext(ctx).SetQueryParamsFromValues(params)
	if out != nil {
		req.SetResult(out)
	}

	var resp *resty.Response
	var err error
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	case http.MethodDelete:
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}

	if err != nil {
		// No HTTP response observed: StatusCode 0 marks a transport fault.
		return &retry.VenueError{Op: op, Err: errors.Wrap(err, "transport")}
	}
	if resp.IsError() {
		return &retry.VenueError{
			Op:         op,
			StatusCode: resp.StatusCode(),
			RetryAfter: parseRetryAfter(resp.Header().Get("Retry-After")),
			Err:        errors.Errorf("venue responded %s: %s", resp.Status(), resp.String()),
		}
	}
	return nil
}

func (c *RestClient) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (r restOrder) toSnapshot() types.OrderSnapshot {
	price, _ := strconv.ParseFloat(r.Price, 64)
	qty, _ := strconv.ParseFloat(r.Quantity, 64)
	created := r.Time
	if created == 0 {
		created = r.TransactTime
	}
	return types.OrderSnapshot{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          types.Side(r.Side),
		Price:         price,
		Quantity:      qty,
		Status:        mapVenueStatus(r.Status),
		CreatedAt:     time.UnixMilli(created).UTC(),
		UpdatedAt:     time.UnixMilli(r.UpdateTime).UTC(),
	}
}

// mapVenueStatus coarsens the venue's raw status vocabulary into the engine's
// enum. Unrecognized strings map to UNKNOWN rather than guessing.
func mapVenueStatus(raw string) types.OrderStatus {
	switch strings.ToUpper(raw) {
	case "NEW", "ACCEPTED", "OPEN":
		return types.OrderStatusOpen
	case "PARTIALLY_FILLED", "PARTIAL":
		return types.OrderStatusPartial
	case "FILLED":
		return types.OrderStatusFilled
	case "CANCELED", "CANCELLED", "EXPIRED":
		return types.OrderStatusCanceled
	case "REJECTED":
		return types.OrderStatusRejected
	default:
		return types.OrderStatusUnknown
	}
}
