package executor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/domain"
	"github.com/atlas-desktop/trading-backend/internal/idempotency"
)

type scriptedAdapter struct {
	mu        sync.Mutex
	dryRun    bool
	submitErr error
	submits   int
	cancelled []string
	fillAfter int // number of GetOrder polls before reporting Filled
	polls     int
}

func (a *scriptedAdapter) Name() string   { return "scripted" }
func (a *scriptedAdapter) IsDryRun() bool { return a.dryRun }

func (a *scriptedAdapter) SubmitOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submits++
	if a.submitErr != nil {
		return "", a.submitErr
	}
	return "order-1", nil
}

func (a *scriptedAdapter) GetOrder(ctx context.Context, orderID string) (domain.ExecutionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.polls++
	if a.polls < a.fillAfter {
		return domain.ExecutionResult{OrderID: orderID, Status: domain.OrderStatusSubmitted}, nil
	}
	return domain.ExecutionResult{OrderID: orderID, Status: domain.OrderStatusFilled, FilledShares: 10}, nil
}

func (a *scriptedAdapter) CancelOrder(ctx context.Context, orderID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancelled = append(a.cancelled, orderID)
	return nil
}

func (a *scriptedAdapter) GetBestPrices(ctx context.Context, tokenID string) (*decimal.Decimal, *decimal.Decimal, error) {
	bid, ask := decimal.NewFromFloat(0.40), decimal.NewFromFloat(0.42)
	return &bid, &ask, nil
}

func testReq() domain.OrderRequest {
	return domain.OrderRequest{
		ClientOrderID: "client-1", TokenID: "tok", Side: domain.SideUp, Direction: domain.DirectionBuy,
		Shares: 10, LimitPrice: decimal.NewFromFloat(0.45), TimeInForce: domain.TimeInForceIOC,
	}
}

func TestNewRefusesLiveAdapterWithoutConfirmFills(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: false}
	_, err := New(zap.NewNop(), adapter, Config{ConfirmFills: false, MaxRetries: 1}, nil)
	if err == nil {
		t.Fatalf("expected error constructing live executor without ConfirmFills")
	}
}

func TestNewAllowsDryRunWithoutConfirmFills(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: true}
	if _, err := New(zap.NewNop(), adapter, Config{ConfirmFills: false, MaxRetries: 1}, nil); err != nil {
		t.Fatalf("expected dry-run executor to construct, got %v", err)
	}
}

func TestExecuteDryRunReturnsImmediateFill(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: true}
	exec, err := New(zap.NewNop(), adapter, Config{MaxRetries: 1, PollInterval: time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	result, err := exec.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != domain.OrderStatusFilled || result.FilledShares != 10 {
		t.Fatalf("expected immediate dry-run fill, got %+v", result)
	}
}

func TestExecuteRetriesOnSubmitErrorThenFails(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: true, submitErr: errors.New("network blip")}
	exec, _ := New(zap.NewNop(), adapter, Config{MaxRetries: 3, PollInterval: time.Millisecond}, nil)

	_, err := exec.Execute(context.Background(), testReq())
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if adapter.submits != 3 {
		t.Fatalf("expected 3 submit attempts, got %d", adapter.submits)
	}
}

func TestExecuteIOCCancelsAndFetchesOnConfirmTimeout(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: false, fillAfter: 1000} // never fills within the timeout
	cfg := Config{MaxRetries: 1, ConfirmFills: true, ConfirmFillTimeout: 5 * time.Millisecond, PollInterval: time.Millisecond}
	exec, err := New(zap.NewNop(), adapter, cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	result, err := exec.Execute(context.Background(), testReq())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(adapter.cancelled) != 1 {
		t.Fatalf("expected IOC order to be cancelled on confirm timeout, got %v", adapter.cancelled)
	}
	if result.Status != domain.OrderStatusSubmitted {
		t.Fatalf("expected post-cancel fetch to report the adapter's status (still submitted), got %+v", result)
	}
}

func TestExecuteDeduplicatesByFingerprint(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: true}
	idem := idempotency.NewStore(zap.NewNop())
	exec, _ := New(zap.NewNop(), adapter, Config{MaxRetries: 1, PollInterval: time.Millisecond}, idem)

	req := testReq()
	first, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	second, err := exec.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if second.OrderID != first.OrderID {
		t.Fatalf("expected duplicate submission to resolve to the same order id, got %s vs %s", second.OrderID, first.OrderID)
	}
	if adapter.submits != 1 {
		t.Fatalf("expected exactly 1 underlying submission for a deduplicated pair, got %d", adapter.submits)
	}
}

func TestExecuteBatchWithLimitRunsAllRequests(t *testing.T) {
	adapter := &scriptedAdapter{dryRun: true}
	exec, _ := New(zap.NewNop(), adapter, Config{MaxRetries: 1, PollInterval: time.Millisecond}, nil)

	reqs := make([]domain.OrderRequest, 5)
	for i := range reqs {
		r := testReq()
		r.ClientOrderID = r.ClientOrderID + string(rune('a'+i))
		reqs[i] = r
	}

	errs := exec.ExecuteBatchWithLimit(context.Background(), reqs, 2)
	if len(errs) != 5 {
		t.Fatalf("expected 5 results, got %d", len(errs))
	}
	for i, e := range errs {
		if e != nil {
			t.Fatalf("request %d unexpectedly failed: %v", i, e)
		}
	}
}
