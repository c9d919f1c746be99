package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"food-payments/internal/breaker"
	"food-payments/internal/errs"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePayPal struct {
	tokenCalls   int32
	captureCalls int32
	captureCode  int
	voidCode     int
	lastCreate   createOrderRequest

	mu sync.Mutex
	// captureReplies are served before captureCode, one per call.
	captureReplies []int
	captureIssue   string
	orderStatus    string
	requestIDs     []string
}

func (f *fakePayPal) nextCaptureCode(r *http.Request) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestIDs = append(f.requestIDs, r.Header.Get("PayPal-Request-Id"))
	if len(f.captureReplies) > 0 {
		code := f.captureReplies[0]
		f.captureReplies = f.captureReplies[1:]
		return code
	}
	return f.captureCode
}

func (f *fakePayPal) sentRequestIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requestIDs...)
}

func (f *fakePayPal) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "client", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&f.lastCreate))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"PP-1","status":"CREATED","links":[{"rel":"self","href":"https://x/self"},{"rel":"approve","href":"https://x/approve?token=PP-1"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/PP-1/capture", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.captureCalls, 1)
		code := f.nextCaptureCode(r)
		if code >= 500 {
			w.WriteHeader(code)
			return
		}
		if code != 0 {
			issue := f.captureIssue
			if issue == "" {
				issue = "ORDER_NOT_APPROVED"
			}
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"` + issue + `"}]}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"PP-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-9","status":"COMPLETED"}]}}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/PP-1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		status := f.orderStatus
		if status == "" {
			status = "APPROVED"
		}
		if status != StatusCompleted {
			_, _ = w.Write([]byte(`{"id":"PP-1","status":"` + status + `"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"PP-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-9","status":"COMPLETED"}]}}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/PP-1/void", func(w http.ResponseWriter, r *http.Request) {
		if f.voidCode != 0 {
			w.WriteHeader(f.voidCode)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func newTestClient(t *testing.T, fake *fakePayPal) *PayPalClient {
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)
	return NewPayPalClient(PayPalConfig{
		BaseURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		ReturnURL:    "https://shop/return",
		CancelURL:    "https://shop/cancel",
		Timeout:      2 * time.Second,
	})
}

func TestCreateOrderSendsCaptureIntent(t *testing.T) {
	fake := &fakePayPal{}
	client := newTestClient(t, fake)

	created, err := client.CreateOrder(context.Background(), decimal.RequireFromString("25"), "CAD")

	require.NoError(t, err)
	assert.Equal(t, "PP-1", created.ID)
	assert.Equal(t, "https://x/approve?token=PP-1", created.ApprovalURL)
	assert.Equal(t, "CAPTURE", fake.lastCreate.Intent)
	assert.Equal(t, "25.00", fake.lastCreate.PurchaseUnits[0].Amount.Value)
	assert.Equal(t, "CAD", fake.lastCreate.PurchaseUnits[0].Amount.CurrencyCode)
	assert.Equal(t, "https://shop/return", fake.lastCreate.ApplicationContext.ReturnURL)
}

func TestTokenIsCachedAcrossCalls(t *testing.T) {
	fake := &fakePayPal{}
	client := newTestClient(t, fake)
	ctx := context.Background()

	_, err := client.CreateOrder(ctx, decimal.RequireFromString("10"), "CAD")
	require.NoError(t, err)
	_, err = client.CaptureOrder(ctx, "PP-1")
	require.NoError(t, err)
	require.NoError(t, client.VoidOrder(ctx, "PP-1"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&fake.tokenCalls))
}

func TestCaptureOrderReturnsCaptureID(t *testing.T) {
	client := newTestClient(t, &fakePayPal{})

	capture, err := client.CaptureOrder(context.Background(), "PP-1")

	require.NoError(t, err)
	assert.True(t, capture.Completed())
	assert.Equal(t, "CAP-9", capture.CaptureID)
}

func TestClientErrorIsTerminal(t *testing.T) {
	client := newTestClient(t, &fakePayPal{captureCode: http.StatusUnprocessableEntity})

	_, err := client.CaptureOrder(context.Background(), "PP-1")

	require.Error(t, err)
	assert.Equal(t, errs.CodeGateway, errs.CodeOf(err))
	assert.False(t, errs.IsRetryable(err))
	assert.Contains(t, err.Error(), "ORDER_NOT_APPROVED")
}

func TestCaptureRetryReusesRequestID(t *testing.T) {
	fake := &fakePayPal{captureReplies: []int{http.StatusServiceUnavailable}}
	client := newTestClient(t, fake)

	_, err := client.CaptureOrder(context.Background(), "PP-1")
	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))

	capture, err := client.CaptureOrder(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.True(t, capture.Completed())

	ids := fake.sentRequestIDs()
	require.Len(t, ids, 2)
	assert.Equal(t, "capture-PP-1", ids[0])
	assert.Equal(t, ids[0], ids[1])
}

// The first capture went through but its answer was lost.
func TestAlreadyCapturedIsReconciled(t *testing.T) {
	fake := &fakePayPal{
		captureReplies: []int{http.StatusServiceUnavailable, http.StatusUnprocessableEntity},
		captureIssue:   issueAlreadyCaptured,
		orderStatus:    StatusCompleted,
	}
	client := newTestClient(t, fake)

	_, err := client.CaptureOrder(context.Background(), "PP-1")
	require.Error(t, err)

	capture, err := client.CaptureOrder(context.Background(), "PP-1")
	require.NoError(t, err)
	assert.True(t, capture.Completed())
	assert.Equal(t, "CAP-9", capture.CaptureID)
}

func TestLookupOrderReportsOpenIntent(t *testing.T) {
	client := newTestClient(t, &fakePayPal{})

	capture, err := client.LookupOrder(context.Background(), "PP-1")

	require.NoError(t, err)
	assert.False(t, capture.Completed())
	assert.Equal(t, "APPROVED", capture.Status)
}

func TestServerErrorIsRetriable(t *testing.T) {
	client := newTestClient(t, &fakePayPal{voidCode: http.StatusServiceUnavailable})

	err := client.VoidOrder(context.Background(), "PP-1")

	require.Error(t, err)
	assert.True(t, errs.IsRetryable(err))
}

type flakyGateway struct {
	err   error
	calls int
}

func (f *flakyGateway) CreateOrder(context.Context, decimal.Decimal, string) (*CreatedOrder, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyGateway) CaptureOrder(context.Context, string) (*Capture, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyGateway) LookupOrder(context.Context, string) (*Capture, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyGateway) VoidOrder(context.Context, string) error {
	f.calls++
	return f.err
}

func TestGuardedFailsFastWhenOpen(t *testing.T) {
	inner := &flakyGateway{err: errs.Gateway(errors.New("timeout"), true, "capture")}
	g := NewGuarded(inner, breaker.New("gateway-test", 2, time.Minute))
	ctx := context.Background()

	_, _ = g.CaptureOrder(ctx, "PP-1")
	_, _ = g.CaptureOrder(ctx, "PP-1")
	_, err := g.CaptureOrder(ctx, "PP-1")

	assert.Equal(t, 2, inner.calls)
	assert.Equal(t, errs.CodeServiceUnavailable, errs.CodeOf(err))
}

func TestGuardedIgnoresTerminalRejections(t *testing.T) {
	inner := &flakyGateway{err: errs.Gateway(errors.New("422"), false, "capture")}
	b := breaker.New("gateway-terminal-test", 1, time.Minute)
	g := NewGuarded(inner, b)

	for i := 0; i < 3; i++ {
		_, err := g.CaptureOrder(context.Background(), "PP-1")
		assert.Equal(t, errs.CodeGateway, errs.CodeOf(err))
	}
	assert.Equal(t, breaker.StateClosed, b.State())
}
