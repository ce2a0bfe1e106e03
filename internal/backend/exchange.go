package backend

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"intent-trader/internal/model"

	"github.com/shopspring/decimal"
)

// ExchangeConfig configures the crypto exchange REST client.
type ExchangeConfig struct {
	Name      string // backend identifier, e.g. "mexc"
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration // default 10s
}

// ExchangeClient places spot orders against a crypto exchange over
// signed REST. The order's idempotency key rides as the client order id,
// so a retried submission after a timeout is recognized server-side and
// returns the original order instead of opening a duplicate.
type ExchangeClient struct {
	cfg  ExchangeConfig
	http *http.Client
}

func NewExchangeClient(cfg ExchangeConfig) *ExchangeClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ExchangeClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *ExchangeClient) Name() string { return c.cfg.Name }

// sign computes the request signature over key + timestamp + body.
func (c *ExchangeClient) sign(reqTime, payload string) string {
	h := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	h.Write([]byte(c.cfg.APIKey + reqTime + payload))
	return hex.EncodeToString(h.Sum(nil))
}

type exchangeResp struct {
	Success bool            `json:"success"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *ExchangeClient) do(ctx context.Context, op, method, path string, body any) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", c.cfg.Name, op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", c.cfg.Name, op, err)
	}
	req.Header.Set("Content-Type", "application/json")

	reqTime := fmt.Sprintf("%d", time.Now().UTC().UnixMilli())
	req.Header.Set("ApiKey", c.cfg.APIKey)
	req.Header.Set("Request-Time", reqTime)
	req.Header.Set("Signature", c.sign(reqTime, string(payload)))

	resp, err := c.http.Do(req)
	if err != nil {
		// Transport failures (timeouts, resets) are retryable: the
		// idempotency key makes a repeated submit safe.
		return nil, &Error{
			Backend: c.cfg.Name, Op: op,
			Msg: err.Error(), Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(resp.Body)

	if resp.StatusCode/100 != 2 {
		return nil, &Error{
			Backend: c.cfg.Name, Op: op,
			Code:      fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Msg:       strings.TrimSpace(string(rb)),
			Retryable: retryableHTTP(resp.StatusCode),
		}
	}

	var wrap exchangeResp
	if err := json.Unmarshal(rb, &wrap); err != nil {
		return nil, &Error{
			Backend: c.cfg.Name, Op: op,
			Msg: "malformed response: " + err.Error(), Retryable: false, Cause: err,
		}
	}
	if !wrap.Success {
		return nil, &Error{
			Backend: c.cfg.Name, Op: op,
			Code: wrap.Code, Msg: wrap.Message, Retryable: false,
		}
	}
	return wrap.Data, nil
}

// Submit places the order. The limit price is omitted for market orders.
func (c *ExchangeClient) Submit(ctx context.Context, order model.Order) (model.SubmitAck, error) {
	body := map[string]any{
		"symbol":        order.Instrument,
		"side":          string(order.Side),
		"quantity":      order.Qty.String(),
		"clientOrderId": order.IdempotencyKey,
	}
	if order.LimitPrice.IsZero() {
		body["type"] = "MARKET"
	} else {
		body["type"] = "LIMIT"
		body["price"] = order.LimitPrice.String()
	}

	data, err := c.do(ctx, "submit", http.MethodPost, "/api/v1/private/order/create", body)
	if err != nil {
		return model.SubmitAck{}, err
	}

	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.OrderID == "" {
		return model.SubmitAck{}, &Error{
			Backend: c.cfg.Name, Op: "submit",
			Msg: "response missing orderId", Retryable: false,
		}
	}
	return model.SubmitAck{BackendRef: out.OrderID}, nil
}

// Status maps the exchange's order state onto the lifecycle states.
func (c *ExchangeClient) Status(ctx context.Context, backendRef string) (model.FillState, error) {
	data, err := c.do(ctx, "status", http.MethodGet,
		"/api/v1/private/order/get?orderId="+backendRef, nil)
	if err != nil {
		return model.FillState{}, err
	}

	var out struct {
		State        string `json:"state"`
		DealVol      string `json:"dealVol"`
		DealAvgPrice string `json:"dealAvgPrice"`
		ErrorMsg     string `json:"errorMsg"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return model.FillState{}, &Error{
			Backend: c.cfg.Name, Op: "status",
			Msg: "malformed order payload: " + err.Error(), Retryable: false, Cause: err,
		}
	}

	fs := model.FillState{Reason: out.ErrorMsg}
	if out.DealVol != "" {
		if fs.FilledQty, err = decimal.NewFromString(out.DealVol); err != nil {
			return model.FillState{}, &Error{
				Backend: c.cfg.Name, Op: "status",
				Msg: "non-numeric dealVol " + out.DealVol, Retryable: false,
			}
		}
	}
	if out.DealAvgPrice != "" {
		if fs.AvgFillPrice, err = decimal.NewFromString(out.DealAvgPrice); err != nil {
			return model.FillState{}, &Error{
				Backend: c.cfg.Name, Op: "status",
				Msg: "non-numeric dealAvgPrice " + out.DealAvgPrice, Retryable: false,
			}
		}
	}

	switch out.State {
	case "NEW", "OPEN":
		fs.State = model.OrderSubmitted
	case "PARTIALLY_FILLED":
		fs.State = model.OrderPartiallyFilled
	case "FILLED":
		fs.State = model.OrderFilled
	case "CANCELED", "CANCELLED":
		fs.State = model.OrderCancelled
	case "REJECTED":
		fs.State = model.OrderRejected
	default:
		return model.FillState{}, &Error{
			Backend: c.cfg.Name, Op: "status",
			Msg: "unknown order state " + out.State, Retryable: false,
		}
	}
	return fs, nil
}

// Cancel requests cancellation by backend reference.
func (c *ExchangeClient) Cancel(ctx context.Context, backendRef string) error {
	_, err := c.do(ctx, "cancel", http.MethodPost, "/api/v1/private/order/cancel",
		map[string]any{"orderId": backendRef})
	var be *Error
	if errors.As(err, &be) && (be.Code == "ORDER_FINISHED" || be.Code == "ORDER_NOT_OPEN") {
		return ErrAlreadyTerminal
	}
	return err
}
