package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"intent-trader/internal/model"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"
)

// BrokerConfig configures the brokerage REST client. The TOTP secret
// generates the one-time code required at login, so unattended restarts
// can re-establish a session without manual entry.
type BrokerConfig struct {
	Name       string // backend identifier, e.g. "broker"
	BaseURL    string
	APIKey     string
	ClientCode string
	Password   string
	TOTPSecret string
	Timeout    time.Duration // default 7s
}

// BrokerClient places orders through a session-token brokerage API.
// Sessions expire server-side; an expired token triggers one transparent
// re-login before the call is reported as failed.
type BrokerClient struct {
	cfg  BrokerConfig
	http *http.Client

	mu          sync.Mutex
	accessToken string
}

func NewBrokerClient(cfg BrokerConfig) *BrokerClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	return &BrokerClient{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func (b *BrokerClient) Name() string { return b.cfg.Name }

// Login generates a session using password plus a fresh TOTP code.
func (b *BrokerClient) Login(ctx context.Context) error {
	code, err := totp.GenerateCode(b.cfg.TOTPSecret, time.Now())
	if err != nil {
		return &Error{
			Backend: b.cfg.Name, Op: "login",
			Msg: "totp generation: " + err.Error(), Retryable: false, Cause: err,
		}
	}

	data, err := b.call(ctx, "login", http.MethodPost, "/auth/v1/login", map[string]any{
		"clientcode": b.cfg.ClientCode,
		"password":   b.cfg.Password,
		"totp":       code,
	}, false)
	if err != nil {
		return err
	}

	var out struct {
		JWTToken string `json:"jwtToken"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.JWTToken == "" {
		return &Error{
			Backend: b.cfg.Name, Op: "login",
			Msg: "login response missing jwtToken", Retryable: false,
		}
	}

	b.mu.Lock()
	b.accessToken = out.JWTToken
	b.mu.Unlock()
	return nil
}

type brokerResp struct {
	Status    bool            `json:"status"`
	ErrorCode string          `json:"errorcode"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
}

func (b *BrokerClient) call(ctx context.Context, op, method, path string, body any, auth bool) (json.RawMessage, error) {
	return b.doCall(ctx, op, method, path, body, auth, true)
}

func (b *BrokerClient) doCall(ctx context.Context, op, method, path string, body any, auth, allowRelogin bool) (json.RawMessage, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("%s %s: encode body: %w", b.cfg.Name, op, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s %s: build request: %w", b.cfg.Name, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-PrivateKey", b.cfg.APIKey)
	if auth {
		b.mu.Lock()
		token := b.accessToken
		b.mu.Unlock()
		if token == "" {
			if err := b.Login(ctx); err != nil {
				return nil, err
			}
			b.mu.Lock()
			token = b.accessToken
			b.mu.Unlock()
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, &Error{
			Backend: b.cfg.Name, Op: op,
			Msg: err.Error(), Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()
	rb, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusForbidden && auth && allowRelogin {
		// Session expired. Re-login once and replay the call.
		b.mu.Lock()
		b.accessToken = ""
		b.mu.Unlock()
		if err := b.Login(ctx); err != nil {
			return nil, err
		}
		return b.doCall(ctx, op, method, path, body, auth, false)
	}
	if resp.StatusCode/100 != 2 {
		return nil, &Error{
			Backend: b.cfg.Name, Op: op,
			Code:      fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Msg:       strings.TrimSpace(string(rb)),
			Retryable: retryableHTTP(resp.StatusCode),
		}
	}

	var wrap brokerResp
	if err := json.Unmarshal(rb, &wrap); err != nil {
		return nil, &Error{
			Backend: b.cfg.Name, Op: op,
			Msg: "malformed response: " + err.Error(), Retryable: false, Cause: err,
		}
	}
	if !wrap.Status {
		return nil, &Error{
			Backend: b.cfg.Name, Op: op,
			Code: wrap.ErrorCode, Msg: wrap.Message, Retryable: false,
		}
	}
	return wrap.Data, nil
}

// Submit places the order, passing the idempotency key as the broker's
// order tag so a retried submission is matched to the original.
func (b *BrokerClient) Submit(ctx context.Context, order model.Order) (model.SubmitAck, error) {
	body := map[string]any{
		"tradingsymbol":   order.Instrument,
		"transactiontype": string(order.Side),
		"quantity":        order.Qty.String(),
		"ordertag":        order.IdempotencyKey,
		"duration":        "DAY",
	}
	if order.LimitPrice.IsZero() {
		body["ordertype"] = "MARKET"
	} else {
		body["ordertype"] = "LIMIT"
		body["price"] = order.LimitPrice.String()
	}

	data, err := b.call(ctx, "submit", http.MethodPost, "/order/v1/placeOrder", body, true)
	if err != nil {
		return model.SubmitAck{}, err
	}

	var out struct {
		OrderID string `json:"orderid"`
	}
	if err := json.Unmarshal(data, &out); err != nil || out.OrderID == "" {
		return model.SubmitAck{}, &Error{
			Backend: b.cfg.Name, Op: "submit",
			Msg: "response missing orderid", Retryable: false,
		}
	}
	return model.SubmitAck{BackendRef: out.OrderID}, nil
}

// Status reads one order from the order book.
func (b *BrokerClient) Status(ctx context.Context, backendRef string) (model.FillState, error) {
	data, err := b.call(ctx, "status", http.MethodGet,
		"/order/v1/details/"+backendRef, nil, true)
	if err != nil {
		return model.FillState{}, err
	}

	var out struct {
		Status       string `json:"status"`
		FilledShares string `json:"filledshares"`
		AvgPrice     string `json:"averageprice"`
		Text         string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return model.FillState{}, &Error{
			Backend: b.cfg.Name, Op: "status",
			Msg: "malformed order payload: " + err.Error(), Retryable: false, Cause: err,
		}
	}

	fs := model.FillState{Reason: out.Text}
	if out.FilledShares != "" {
		if fs.FilledQty, err = decimal.NewFromString(out.FilledShares); err != nil {
			return model.FillState{}, &Error{
				Backend: b.cfg.Name, Op: "status",
				Msg: "non-numeric filledshares " + out.FilledShares, Retryable: false,
			}
		}
	}
	if out.AvgPrice != "" {
		if fs.AvgFillPrice, err = decimal.NewFromString(out.AvgPrice); err != nil {
			return model.FillState{}, &Error{
				Backend: b.cfg.Name, Op: "status",
				Msg: "non-numeric averageprice " + out.AvgPrice, Retryable: false,
			}
		}
	}

	switch strings.ToLower(out.Status) {
	case "open", "trigger pending":
		fs.State = model.OrderSubmitted
	case "partially filled":
		fs.State = model.OrderPartiallyFilled
	case "complete":
		fs.State = model.OrderFilled
	case "cancelled":
		fs.State = model.OrderCancelled
	case "rejected":
		fs.State = model.OrderRejected
	default:
		return model.FillState{}, &Error{
			Backend: b.cfg.Name, Op: "status",
			Msg: "unknown order status " + out.Status, Retryable: false,
		}
	}
	return fs, nil
}

// Cancel cancels an open order.
func (b *BrokerClient) Cancel(ctx context.Context, backendRef string) error {
	_, err := b.call(ctx, "cancel", http.MethodPost, "/order/v1/cancelOrder",
		map[string]any{"orderid": backendRef, "variety": "NORMAL"}, true)
	var be *Error
	if errors.As(err, &be) && be.Code == "AB1010" {
		// Broker code for an order already in a terminal state.
		return ErrAlreadyTerminal
	}
	return err
}
