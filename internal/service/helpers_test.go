package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"payflow/internal/domain"
	"payflow/internal/gateway"
	"payflow/internal/infrastructure/lock"
	"payflow/internal/notify"
	"payflow/internal/testutil"
	"payflow/internal/uow"
	"payflow/pkg/idgen"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Request(ctx context.Context, params gateway.RequestParams) (*gateway.RequestResult, error) {
	args := m.Called(ctx, params)
	res, _ := args.Get(0).(*gateway.RequestResult)
	return res, args.Error(1)
}

func (m *mockGateway) Fetch(ctx context.Context, params gateway.CallbackParams) (*gateway.FetchResult, error) {
	args := m.Called(ctx, params)
	res, _ := args.Get(0).(*gateway.FetchResult)
	return res, args.Error(1)
}

func (m *mockGateway) Verify(ctx context.Context, fetched *gateway.FetchResult) (*gateway.VerifyResult, error) {
	args := m.Called(ctx, fetched)
	res, _ := args.Get(0).(*gateway.VerifyResult)
	return res, args.Error(1)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []*notify.PaymentNotification
	err  error
}

func (n *recordingNotifier) NotifyPayment(_ context.Context, p *notify.PaymentNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, p)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixture struct {
	db       *gorm.DB
	uows     *uow.Factory
	locker   *lock.MemoryLocker
	gateway  *mockGateway
	notifier *recordingNotifier
	wallets  *WalletService
	payments *PaymentService
}

func testLockOptions() LockOptions {
	return LockOptions{Lease: 5 * time.Second, Wait: 5 * time.Second, RetryInterval: 2 * time.Millisecond}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	gen, err := idgen.NewSnowflake(7)
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		uows:     uow.NewFactory(db, idgen.NewSnowflakeSequence(gen)),
		locker:   lock.NewMemoryLocker(),
		gateway:  new(mockGateway),
		notifier: &recordingNotifier{},
	}
	f.wallets = NewWalletService(f.uows, f.locker, testLockOptions(), "IRR", zap.NewNop())
	f.payments = NewPaymentService(f.uows, f.locker, testLockOptions(), f.wallets, f.gateway, f.notifier, PaymentOptions{
		DefaultCurrency:       "IRR",
		PendingTimeout:        30 * time.Minute,
		ProcessingTimeout:     2 * time.Hour,
		ExpiryBatchSize:       10,
		RefundCreditsToWallet: true,
	}, zap.NewNop())
	return f
}

func (f *fixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	_, err := f.wallets.Credit(context.Background(), userID, &WalletOperationRequest{Amount: amount, Description: "充值"})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func (f *fixture) payment(t *testing.T, tn string) *PaymentView {
	t.Helper()
	p, err := f.payments.Get(context.Background(), tn)
	require.NoError(t, err)
	return p
}

// savePending 直接写入一笔 PENDING 支付单
func (f *fixture) savePending(t *testing.T, tn string, amount int64) {
	t.Helper()
	ctx := context.Background()
	p, err := domain.NewPayment(domain.NewPaymentParams{
		TrackingNumber: tn,
		Amount:         amount,
		Currency:       "IRR",
		Gateway:        "mock",
		CallbackURL:    "https://shop.example/callback",
	})
	require.NoError(t, err)

	u := f.uows.New()
	defer u.Close()
	require.NoError(t, u.Begin(ctx))
	u.Track(p)
	require.NoError(t, u.Commit(ctx))
}

func assertInvariant(t *testing.T, p *PaymentView) {
	t.Helper()
	require.Equal(t, p.Amount, p.AmountDue+p.CreditApplied, "amount_due + credit_applied != amount")
}
