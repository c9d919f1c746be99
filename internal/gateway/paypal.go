package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"food-payments/internal/errs"
	"food-payments/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const defaultRequestTimeout = 15 * time.Second

// issueAlreadyCaptured is PayPal's answer to a capture that already went through.
const issueAlreadyCaptured = "ORDER_ALREADY_CAPTURED"

// PayPalConfig holds credentials and redirect targets for the REST API
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
	Timeout      time.Duration
}

// PayPalClient talks to the PayPal Orders v2 API. Bearer tokens come from the
// client-credentials flow and are reused until shortly before expiry.
type PayPalClient struct {
	baseURL   string
	returnURL string
	cancelURL string
	http      *http.Client
	logger    *zap.Logger
}

// NewPayPalClient builds a client whose transport fetches and caches tokens.
func NewPayPalClient(cfg PayPalConfig) *PayPalClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	credentials := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     base + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	transportCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: timeout})
	httpClient := credentials.Client(transportCtx)
	httpClient.Timeout = timeout

	return &PayPalClient{
		baseURL:   base,
		returnURL: cfg.ReturnURL,
		cancelURL: cfg.CancelURL,
		http:      httpClient,
		logger:    util.Component("paypal"),
	}
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	Amount amount `json:"amount"`
}

type applicationContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type link struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type orderResponse struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	Links         []link `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e apiError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (e apiError) String() string {
	parts := []string{e.Name}
	for _, d := range e.Details {
		parts = append(parts, d.Issue)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	return strings.Join(parts, ": ")
}

// rejection is the cause attached to non-2xx gateway answers
type rejection struct {
	status int
	body   apiError
}

func (r *rejection) Error() string {
	return fmt.Sprintf("status %d: %s", r.status, r.body.String())
}

func rejectedWith(err error, issue string) bool {
	var r *rejection
	return errors.As(err, &r) && r.body.hasIssue(issue)
}

// CreateOrder registers a CAPTURE intent for amount and returns the buyer
// approval link.
func (c *PayPalClient) CreateOrder(ctx context.Context, total decimal.Decimal, currency string) (*CreatedOrder, error) {
	body := createOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			Amount: amount{CurrencyCode: currency, Value: total.StringFixed(2)},
		}},
		ApplicationContext: applicationContext{ReturnURL: c.returnURL, CancelURL: c.cancelURL},
	}

	var resp orderResponse
	if err := c.do(ctx, "create", uuid.New().String(), http.MethodPost, "/v2/checkout/orders", body, &resp); err != nil {
		return nil, err
	}

	created := &CreatedOrder{ID: resp.ID, Status: resp.Status}
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			created.ApprovalURL = l.Href
			break
		}
	}
	if created.ID == "" {
		return nil, errs.Gateway(nil, false, "gateway returned an order without id")
	}
	return created, nil
}

// CaptureOrder captures an approved order. The request id is derived from the
// order id so a retried capture replays the first answer instead of charging
// again. An order PayPal reports as already captured is looked up and returned
// as a completed capture.
func (c *PayPalClient) CaptureOrder(ctx context.Context, gatewayOrderID string) (*Capture, error) {
	var resp orderResponse
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", url.PathEscape(gatewayOrderID))
	err := c.do(ctx, "capture", requestID("capture", gatewayOrderID), http.MethodPost, path, struct{}{}, &resp)
	if rejectedWith(err, issueAlreadyCaptured) {
		c.logger.Warn("Order already captured, reconciling", zap.String("gateway_order_id", gatewayOrderID))
		return c.LookupOrder(ctx, gatewayOrderID)
	}
	if err != nil {
		return nil, err
	}
	return resp.capture(), nil
}

// LookupOrder reads the order's current state. Status is the order status,
// COMPLETED once a capture went through.
func (c *PayPalClient) LookupOrder(ctx context.Context, gatewayOrderID string) (*Capture, error) {
	var resp orderResponse
	path := fmt.Sprintf("/v2/checkout/orders/%s", url.PathEscape(gatewayOrderID))
	if err := c.do(ctx, "lookup", "", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.capture(), nil
}

// VoidOrder abandons an order that was never captured.
func (c *PayPalClient) VoidOrder(ctx context.Context, gatewayOrderID string) error {
	path := fmt.Sprintf("/v2/checkout/orders/%s/void", url.PathEscape(gatewayOrderID))
	return c.do(ctx, "void", requestID("void", gatewayOrderID), http.MethodPost, path, nil, nil)
}

func (r orderResponse) capture() *Capture {
	capture := &Capture{OrderID: r.ID, Status: r.Status}
	for _, unit := range r.PurchaseUnits {
		if len(unit.Payments.Captures) > 0 {
			capture.CaptureID = unit.Payments.Captures[0].ID
			break
		}
	}
	return capture
}

func requestID(operation, gatewayOrderID string) string {
	return operation + "-" + gatewayOrderID
}

func (c *PayPalClient) do(ctx context.Context, operation, idempotencyKey, method, path string, in, out interface{}) error {
	ctx, span := util.StartSpan(ctx, "PayPal."+operation)
	defer span.End()

	start := time.Now()
	outcome := "success"
	defer func() {
		util.GatewayRequestLatency.WithLabelValues(operation, outcome).Observe(time.Since(start).Seconds())
	}()

	var reader io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			outcome = "error"
			return errs.Gateway(err, false, "failed to encode gateway request")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		outcome = "error"
		return errs.Gateway(err, false, "failed to build gateway request")
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("PayPal-Request-Id", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		outcome = "transport_error"
		util.RecordError(span, err)
		return errs.Gateway(err, true, fmt.Sprintf("gateway %s request failed", operation))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		outcome = "transport_error"
		return errs.Gateway(err, true, fmt.Sprintf("failed to read gateway %s response", operation))
	}

	if resp.StatusCode >= 300 {
		outcome = "http_" + fmt.Sprint(resp.StatusCode)
		cause := &rejection{status: resp.StatusCode}
		_ = json.Unmarshal(raw, &cause.body)
		c.logger.Warn("Gateway rejected request",
			zap.String("operation", operation),
			zap.Int("status", resp.StatusCode),
			zap.String("issue", cause.body.String()))
		return errs.Gateway(cause, retriableStatus(resp.StatusCode), fmt.Sprintf("gateway %s failed", operation))
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		outcome = "decode_error"
		return errs.Gateway(err, false, fmt.Sprintf("failed to decode gateway %s response", operation))
	}
	return nil
}

func retriableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}
