package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"payflow/internal/domain"
	"payflow/internal/gateway"
	"payflow/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func initiateRequest(amount int64) *InitiatePaymentRequest {
	return &InitiatePaymentRequest{
		Amount:      amount,
		Gateway:     "mock",
		CallbackURL: "https://shop.example/callback",
		Metadata:    map[string]any{"order_id": "A-1"},
	}
}

func redirectResult() *gateway.RequestResult {
	return &gateway.RequestResult{
		Succeeded:      true,
		TrackingNumber: "GW-1",
		Redirect: &gateway.Redirect{
			Method: "POST",
			URL:    "https://gateway.example/pay",
			Form:   map[string]string{"token": "abc"},
		},
	}
}

func TestPaymentService_InitiateWithGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.On("Request", mock.Anything, mock.MatchedBy(func(p gateway.RequestParams) bool {
		return p.Amount == 100000 && p.Gateway == "mock" && p.TrackingNumber != ""
	})).Return(redirectResult(), nil).Once()

	resp, err := f.payments.Initiate(ctx, initiateRequest(100000))
	require.NoError(t, err)

	assert.False(t, resp.Existing)
	assert.Equal(t, string(domain.PaymentStatusProcessing), resp.Payment.Status)
	assert.EqualValues(t, 0, resp.Payment.CreditApplied)
	assert.EqualValues(t, 100000, resp.Payment.AmountDue)
	assert.Equal(t, "IRR", resp.Payment.Currency)
	require.NotNil(t, resp.Redirect)
	assert.Equal(t, "https://gateway.example/pay", resp.Redirect.URL)
	assertInvariant(t, resp.Payment)

	stored := f.payment(t, resp.Payment.TrackingNumber)
	require.Len(t, stored.Attempts, 1)
	assert.Equal(t, 1, stored.Attempts[0].AttemptNumber)
	assert.Equal(t, "A-1", stored.Metadata["order_id"])
	f.gateway.AssertExpectations(t)
}

func TestPaymentService_InitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  *InitiatePaymentRequest
	}{
		{"zero amount", &InitiatePaymentRequest{Amount: 0, Gateway: "mock", CallbackURL: "cb"}},
		{"missing gateway", &InitiatePaymentRequest{Amount: 10, CallbackURL: "cb"}},
		{"missing callback", &InitiatePaymentRequest{Amount: 10, Gateway: "mock"}},
		{"wallet without user", &InitiatePaymentRequest{Amount: 10, Gateway: "mock", CallbackURL: "cb", UseWallet: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.payments.Initiate(ctx, tt.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	f.gateway.AssertNotCalled(t, "Request", mock.Anything, mock.Anything)
}

func TestPaymentService_InitiateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()

	req := initiateRequest(5000)
	req.IdempotencyKey = "order-42"

	first, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	second, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, first.Payment.TrackingNumber, second.Payment.TrackingNumber)
	assert.True(t, second.Existing)
	require.NotNil(t, second.Redirect)
	assert.Equal(t, first.Redirect.URL, second.Redirect.URL)
	assert.Equal(t, "abc", second.Redirect.Form["token"])
	f.gateway.AssertNumberOfCalls(t, "Request", 1)
}

func TestPaymentService_ConcurrentInitiateSameKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil)

	const workers = 5
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		tracked = map[string]int{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := initiateRequest(5000)
			req.IdempotencyKey = "same-key"
			resp, err := f.payments.Initiate(ctx, req)
			if err != nil {
				t.Errorf("initiate: %v", err)
				return
			}
			mu.Lock()
			tracked[resp.Payment.TrackingNumber]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, tracked, 1)
	f.gateway.AssertNumberOfCalls(t, "Request", 1)
}

func TestPaymentService_WalletFundedPaymentSkipsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 9, 100000)

	req := initiateRequest(100000)
	req.UserID = 9
	req.UseWallet = true

	resp, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)

	p := resp.Payment
	assert.Equal(t, string(domain.PaymentStatusCompleted), p.Status)
	assert.EqualValues(t, 100000, p.CreditApplied)
	assert.EqualValues(t, 0, p.AmountDue)
	assert.Equal(t, walletTransactionPrefix+p.TrackingNumber, p.TransactionReference)
	assertInvariant(t, p)

	assert.EqualValues(t, 0, f.balance(t, 9))
	f.gateway.AssertNotCalled(t, "Request", mock.Anything, mock.Anything)
}

func TestPaymentService_PartialWalletCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 10, 40000)
	f.gateway.On("Request", mock.Anything, mock.MatchedBy(func(p gateway.RequestParams) bool {
		return p.Amount == 60000
	})).Return(redirectResult(), nil).Once()

	req := initiateRequest(100000)
	req.UserID = 10
	req.UseWallet = true

	resp, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	assert.EqualValues(t, 40000, resp.Payment.CreditApplied)
	assert.EqualValues(t, 60000, resp.Payment.AmountDue)
	assert.NotZero(t, resp.Payment.WalletID)
	assertInvariant(t, resp.Payment)
	assert.EqualValues(t, 0, f.balance(t, 10))
	f.gateway.AssertExpectations(t)
}

func TestPaymentService_GatewayDeclineReversesCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 11, 40000)
	f.gateway.On("Request", mock.Anything, mock.Anything).
		Return(&gateway.RequestResult{Succeeded: false, Message: "商户未开通"}, nil).Once()

	req := initiateRequest(100000)
	req.UserID = 11
	req.UseWallet = true

	resp, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, string(domain.PaymentStatusFailed), resp.Payment.Status)
	assert.Equal(t, ErrorCodeGatewayDeclined, resp.Payment.ErrorCode)
	assert.Equal(t, "商户未开通", resp.Payment.FailureReason)
	assertInvariant(t, resp.Payment)

	assert.EqualValues(t, 40000, f.balance(t, 11))
}

func TestPaymentService_GatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 12, 40000)
	f.gateway.On("Request", mock.Anything, mock.Anything).
		Return(nil, domain.ExternalService("支付网关暂不可用，请稍后重试", errors.New("timeout"))).Once()

	req := initiateRequest(100000)
	req.UserID = 12
	req.UseWallet = true
	req.IdempotencyKey = "retry-me"

	_, err := f.payments.Initiate(ctx, req)
	assert.ErrorIs(t, err, domain.ErrExternalService)

	page, err := f.payments.List(ctx, repository.PaymentFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.EqualValues(t, 40000, f.balance(t, 12))

	// 幂等键没有被占用，可以重试
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()
	resp, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	assert.False(t, resp.Existing)
}

func TestPaymentService_WalletWriteFailureFallsBackToGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 13, 40000)

	// 钱包行被其他事务修改时写入失败
	err := f.db.Callback().Update().Before("gorm:update").Register("test:reject_wallet_update", func(tx *gorm.DB) {
		if tx.Statement.Table == "wallet" {
			_ = tx.AddError(errors.New("wallet row changed by another transaction"))
		}
	})
	require.NoError(t, err)

	f.gateway.On("Request", mock.Anything, mock.MatchedBy(func(p gateway.RequestParams) bool {
		return p.Amount == 100000
	})).Return(redirectResult(), nil).Once()

	req := initiateRequest(100000)
	req.UserID = 13
	req.UseWallet = true

	resp, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, string(domain.PaymentStatusProcessing), resp.Payment.Status)
	assert.Zero(t, resp.Payment.CreditApplied)
	assert.EqualValues(t, 100000, resp.Payment.AmountDue)
	assertInvariant(t, resp.Payment)
	f.gateway.AssertExpectations(t)

	assert.EqualValues(t, 40000, f.balance(t, 13))
	debits, err := f.wallets.ListTransactions(ctx, 13, repository.TransactionFilter{Type: domain.TransactionTypeDebit})
	require.NoError(t, err)
	assert.Zero(t, debits.Total)
}

func TestPaymentService_CancelledContextReleasesLocks(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 14, 40000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.On("Request", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	req := initiateRequest(100000)
	req.UserID = 14
	req.UseWallet = true
	req.IdempotencyKey = "cancel-me"

	_, err := f.payments.Initiate(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)

	// 不等待即可重新获取
	bg := context.Background()
	for _, key := range []string{createLockKey("cancel-me"), walletLockKey("apply", 14)} {
		h, err := f.locker.Acquire(bg, key, time.Second)
		require.NoError(t, err)
		assert.True(t, h.IsAcquired(), key)
		require.NoError(t, h.Release(bg))
	}

	assert.EqualValues(t, 40000, f.balance(t, 14))
	page, err := f.payments.List(bg, repository.PaymentFilter{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestPaymentService_VerifyCompletesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()

	created, err := f.payments.Initiate(ctx, initiateRequest(100000))
	require.NoError(t, err)
	tn := created.Payment.TrackingNumber

	fetched := &gateway.FetchResult{Gateway: "mock", TrackingNumber: tn, Status: gateway.FetchStatusUnverified, Amount: 100000}
	f.gateway.On("Fetch", mock.Anything, mock.Anything).Return(fetched, nil).Once()
	f.gateway.On("Verify", mock.Anything, fetched).Return(&gateway.VerifyResult{Succeeded: true, TransactionCode: "TXN1"}, nil).Once()

	callback := gateway.CallbackParams{Values: map[string]string{"ref": "GW-1"}}
	resp, err := f.payments.Verify(ctx, tn, callback)
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)
	assert.Equal(t, string(domain.PaymentStatusCompleted), resp.Payment.Status)
	assert.Equal(t, "TXN1", resp.Payment.TransactionReference)
	assert.EqualValues(t, 100000, resp.Payment.AmountDue)
	assert.EqualValues(t, 0, resp.Payment.CreditApplied)
	require.Equal(t, 1, f.notifier.count())
	assert.Equal(t, string(domain.PaymentStatusCompleted), f.notifier.sent[0].Status)

	again, err := f.payments.Verify(ctx, tn, callback)
	require.NoError(t, err)
	assert.True(t, again.Succeeded)
	f.gateway.AssertNumberOfCalls(t, "Verify", 1)
	f.gateway.AssertNumberOfCalls(t, "Fetch", 1)
	assert.Equal(t, 1, f.notifier.count())

	logs, err := f.payments.Logs(ctx, tn)
	require.NoError(t, err)
	var actions []string
	for _, l := range logs {
		actions = append(actions, l.Action)
	}
	assert.Contains(t, actions, domain.PaymentActionCreated)
	assert.Contains(t, actions, domain.PaymentActionProcessing)
	assert.Equal(t, domain.PaymentActionCompleted, actions[len(actions)-1])
}

func TestPaymentService_VerifyAmountMismatchFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 13, 30000)
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()

	req := initiateRequest(100000)
	req.UserID = 13
	req.UseWallet = true
	created, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	tn := created.Payment.TrackingNumber
	assert.EqualValues(t, 0, f.balance(t, 13))

	f.gateway.On("Fetch", mock.Anything, mock.Anything).
		Return(&gateway.FetchResult{TrackingNumber: tn, Status: gateway.FetchStatusUnverified, Amount: 1000}, nil).Once()

	resp, err := f.payments.Verify(ctx, tn, gateway.CallbackParams{})
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	assert.Equal(t, string(domain.PaymentStatusFailed), resp.Payment.Status)
	assert.Equal(t, ErrorCodeAmountMismatch, resp.Payment.ErrorCode)
	assert.EqualValues(t, 30000, f.balance(t, 13))
	f.gateway.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
	assert.Equal(t, 1, f.notifier.count())
}

func TestPaymentService_VerifyRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()
	created, err := f.payments.Initiate(ctx, initiateRequest(2000))
	require.NoError(t, err)
	tn := created.Payment.TrackingNumber

	fetched := &gateway.FetchResult{TrackingNumber: tn, Status: gateway.FetchStatusUnverified, Amount: 2000}
	f.gateway.On("Fetch", mock.Anything, mock.Anything).Return(fetched, nil).Once()
	f.gateway.On("Verify", mock.Anything, fetched).Return(&gateway.VerifyResult{Succeeded: false, Message: "用户取消支付"}, nil).Once()
	f.notifier.err = errors.New("endpoint down")

	resp, err := f.payments.Verify(ctx, tn, gateway.CallbackParams{})
	require.NoError(t, err, "通知失败不影响核验结果")
	assert.False(t, resp.Succeeded)
	assert.Equal(t, ErrorCodeVerificationFailed, resp.Payment.ErrorCode)
	assert.Equal(t, "用户取消支付", resp.Payment.FailureReason)

	// 失败的支付单不再请求网关
	again, err := f.payments.Verify(ctx, tn, gateway.CallbackParams{})
	require.NoError(t, err)
	assert.False(t, again.Succeeded)
	f.gateway.AssertNumberOfCalls(t, "Fetch", 1)
}

func TestPaymentService_VerifyTrackingNumberMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()
	created, err := f.payments.Initiate(ctx, initiateRequest(2000))
	require.NoError(t, err)
	tn := created.Payment.TrackingNumber

	f.gateway.On("Fetch", mock.Anything, mock.Anything).
		Return(&gateway.FetchResult{TrackingNumber: "other", Amount: 2000}, nil).Once()

	_, err = f.payments.Verify(ctx, tn, gateway.CallbackParams{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, string(domain.PaymentStatusProcessing), f.payment(t, tn).Status)

	_, err = f.payments.Verify(ctx, "missing", gateway.CallbackParams{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPaymentService_CancelReleasesCredit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 14, 25000)
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()

	req := initiateRequest(100000)
	req.UserID = 14
	req.UseWallet = true
	created, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	tn := created.Payment.TrackingNumber

	cancelled, err := f.payments.Cancel(ctx, tn, "用户放弃")
	require.NoError(t, err)
	assert.Equal(t, string(domain.PaymentStatusCancelled), cancelled.Status)
	assertInvariant(t, cancelled)
	assert.EqualValues(t, 25000, f.balance(t, 14))

	_, err = f.payments.Cancel(ctx, tn, "再次取消")
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	assert.EqualValues(t, 25000, f.balance(t, 14))
}

func TestPaymentService_RefundCreditsWallet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 15, 8000)

	req := initiateRequest(8000)
	req.UserID = 15
	req.UseWallet = true
	created, err := f.payments.Initiate(ctx, req)
	require.NoError(t, err)
	tn := created.Payment.TrackingNumber
	require.Equal(t, string(domain.PaymentStatusCompleted), created.Payment.Status)
	assert.EqualValues(t, 0, f.balance(t, 15))

	_, err = f.payments.Refund(ctx, tn, &RefundPaymentRequest{Amount: 9000})
	assert.ErrorIs(t, err, domain.ErrValidation)

	refunded, err := f.payments.Refund(ctx, tn, &RefundPaymentRequest{Reason: "商品缺货"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.PaymentStatusRefunded), refunded.Status)
	assert.EqualValues(t, 8000, refunded.RefundedAmount)
	assert.EqualValues(t, 8000, f.balance(t, 15))

	_, err = f.payments.Refund(ctx, tn, &RefundPaymentRequest{})
	assert.ErrorIs(t, err, domain.ErrIllegalState)
	assert.EqualValues(t, 8000, f.balance(t, 15))
}

func TestPaymentService_RefundRequiresCompleted(t *testing.T) {
	f := newFixture(t)
	f.savePending(t, "P-REFUND", 500)

	_, err := f.payments.Refund(context.Background(), "P-REFUND", &RefundPaymentRequest{})
	assert.ErrorIs(t, err, domain.ErrIllegalState)
}

func TestPaymentService_ExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.savePending(t, "P-OLD", 500)
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()
	created, err := f.payments.Initiate(ctx, initiateRequest(700))
	require.NoError(t, err)
	processing := created.Payment.TrackingNumber

	// 尚未超时
	n, err := f.payments.ExpireStale(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.payments.ExpireStale(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, string(domain.PaymentStatusCancelled), f.payment(t, "P-OLD").Status)
	expired := f.payment(t, processing)
	assert.Equal(t, string(domain.PaymentStatusFailed), expired.Status)
	assert.Equal(t, ErrorCodeCallbackTimeout, expired.ErrorCode)

	n, err = f.payments.ExpireStale(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPaymentService_ListFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.savePending(t, "L-1", 100)
	f.savePending(t, "L-2", 200)
	f.gateway.On("Request", mock.Anything, mock.Anything).Return(redirectResult(), nil).Once()
	_, err := f.payments.Initiate(ctx, initiateRequest(300))
	require.NoError(t, err)

	pending, err := f.payments.List(ctx, repository.PaymentFilter{Status: domain.PaymentStatusPending})
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending.Total)

	paged, err := f.payments.List(ctx, repository.PaymentFilter{PageSize: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, paged.Total)
	assert.Len(t, paged.Items, 2)

	_, err = f.payments.List(ctx, repository.PaymentFilter{Status: "UNKNOWN"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	now := time.Now()
	_, err = f.payments.List(ctx, repository.PaymentFilter{From: now, To: now.Add(-time.Hour)})
	assert.ErrorIs(t, err, domain.ErrValidation)
}
