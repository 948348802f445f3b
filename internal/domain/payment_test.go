package domain

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPayment(t *testing.T, amount int64) *Payment {
	t.Helper()
	p, err := NewPayment(NewPaymentParams{
		TrackingNumber: "1000001",
		Amount:         amount,
		Currency:       "IRR",
		Gateway:        "zarinpal",
		CallbackURL:    "https://shop.example/callback",
		UserID:         42,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	return p
}

func assertAmountInvariant(t *testing.T, p *Payment) {
	t.Helper()
	assert.Equal(t, p.Amount(), p.AmountDue()+p.CreditApplied())
}

func TestNewPayment_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params NewPaymentParams
	}{
		{"zero amount", NewPaymentParams{TrackingNumber: "1", Amount: 0, Gateway: "g"}},
		{"negative amount", NewPaymentParams{TrackingNumber: "1", Amount: -5, Gateway: "g"}},
		{"empty gateway", NewPaymentParams{TrackingNumber: "1", Amount: 10, Gateway: "  "}},
		{"empty tracking number", NewPaymentParams{Amount: 10, Gateway: "g"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewPayment(tt.params)
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestNewPayment_StartsPending(t *testing.T) {
	p := newTestPayment(t, 100000)

	assert.Equal(t, PaymentStatusPending, p.Status())
	assert.Equal(t, int64(100000), p.AmountDue())
	assert.Zero(t, p.CreditApplied())
	assert.True(t, p.IsNew())
	assertAmountInvariant(t, p)

	logs := p.Logs()
	require.Len(t, logs, 1)
	assert.Equal(t, PaymentActionCreated, logs[0].Action)

	events := p.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventPaymentCreated, events[0].Name)
	assert.Equal(t, "1000001", events[0].AggregateKey)
}

func TestPayment_HappyPath(t *testing.T) {
	p := newTestPayment(t, 100000)

	require.NoError(t, p.StartProcessing())
	assert.Equal(t, PaymentStatusProcessing, p.Status())

	require.NoError(t, p.Complete("TXN1"))
	assert.Equal(t, PaymentStatusCompleted, p.Status())
	assert.Equal(t, "TXN1", p.TransactionReference())
	assert.NotNil(t, p.CompletedAt())
	assert.Equal(t, int64(100000), p.AmountDue())
	assert.Zero(t, p.CreditApplied())
	assertAmountInvariant(t, p)

	actions := make([]string, 0)
	for _, l := range p.Logs() {
		actions = append(actions, l.Action)
	}
	assert.Equal(t, []string{PaymentActionCreated, PaymentActionProcessing, PaymentActionCompleted}, actions)
}

func TestPayment_ApplyCredit(t *testing.T) {
	t.Run("partial credit", func(t *testing.T) {
		p := newTestPayment(t, 100)
		applied, err := p.ApplyCredit(40, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(40), applied)
		assert.Equal(t, int64(60), p.AmountDue())
		assert.Equal(t, int64(7), p.WalletID())
		assertAmountInvariant(t, p)
	})

	t.Run("clamped to amount due", func(t *testing.T) {
		p := newTestPayment(t, 100)
		applied, err := p.ApplyCredit(250, 7)
		require.NoError(t, err)
		assert.Equal(t, int64(100), applied)
		assert.Zero(t, p.AmountDue())
		assertAmountInvariant(t, p)
	})

	t.Run("non positive rejected", func(t *testing.T) {
		p := newTestPayment(t, 100)
		_, err := p.ApplyCredit(0, 7)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("only while pending", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		_, err := p.ApplyCredit(10, 7)
		assert.ErrorIs(t, err, ErrIllegalState)
		assertAmountInvariant(t, p)
	})
}

func TestPayment_IllegalTransitions(t *testing.T) {
	t.Run("complete from pending", func(t *testing.T) {
		p := newTestPayment(t, 100)
		assert.ErrorIs(t, p.Complete("TXN"), ErrIllegalState)
		assert.Equal(t, PaymentStatusPending, p.Status())
	})

	t.Run("start processing twice", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		assert.ErrorIs(t, p.StartProcessing(), ErrIllegalState)
	})

	t.Run("cancel completed", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		require.NoError(t, p.Complete("TXN"))
		assert.ErrorIs(t, p.Cancel("late"), ErrIllegalState)
	})

	t.Run("fail completed", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		require.NoError(t, p.Complete("TXN"))
		assert.ErrorIs(t, p.Fail("boom", ""), ErrIllegalState)
	})

	t.Run("refund pending", func(t *testing.T) {
		p := newTestPayment(t, 100)
		assert.ErrorIs(t, p.Refund(100, "r"), ErrIllegalState)
	})

	t.Run("complete requires reference", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		assert.ErrorIs(t, p.Complete(""), ErrValidation)
		assert.Equal(t, PaymentStatusProcessing, p.Status())
	})
}

func TestPayment_FailCancelRefund(t *testing.T) {
	t.Run("fail from pending", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.Fail("declined", "DECLINED"))
		assert.Equal(t, PaymentStatusFailed, p.Status())
		assert.Equal(t, "declined", p.FailureReason())
		assert.Equal(t, "DECLINED", p.ErrorCode())
	})

	t.Run("cancel from processing", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		require.NoError(t, p.Cancel("user aborted"))
		assert.Equal(t, PaymentStatusCancelled, p.Status())
		assert.True(t, p.Status().IsTerminal())
	})

	t.Run("refund bounded by amount", func(t *testing.T) {
		p := newTestPayment(t, 100)
		require.NoError(t, p.StartProcessing())
		require.NoError(t, p.Complete("TXN"))
		assert.ErrorIs(t, p.Refund(101, "too much"), ErrValidation)
		require.NoError(t, p.Refund(100, "customer request"))
		assert.Equal(t, PaymentStatusRefunded, p.Status())
		assert.Equal(t, int64(100), p.RefundedAmount())
		assertAmountInvariant(t, p)
	})
}

func TestPayment_AddAttemptNumbersSequentially(t *testing.T) {
	p := newTestPayment(t, 100)
	first := p.AddAttempt("REQUESTED", map[string]any{"authority": "A1"})
	second := p.AddAttempt("VERIFIED", nil)

	assert.Equal(t, 1, first.AttemptNumber)
	assert.Equal(t, 2, second.AttemptNumber)
	assert.Len(t, p.Attempts(), 2)

	// 返回的是副本，外部修改不影响聚合
	attempts := p.Attempts()
	attempts[0].Status = "TAMPERED"
	assert.Equal(t, "REQUESTED", p.Attempts()[0].Status)
}

func TestPayment_PendingChildrenAndPersistence(t *testing.T) {
	p := newTestPayment(t, 100)
	p.AddAttempt("REQUESTED", nil)
	assert.Len(t, p.PendingAttempts(), 1)
	assert.Len(t, p.PendingLogs(), 2)

	p.MarkPersisted(1)
	assert.False(t, p.IsNew())
	assert.Empty(t, p.PendingAttempts())
	assert.Empty(t, p.PendingLogs())
	assert.Equal(t, 1, p.Version())

	require.NoError(t, p.StartProcessing())
	pending := p.PendingLogs()
	require.Len(t, pending, 1)
	assert.Equal(t, PaymentActionProcessing, pending[0].Action)
}

func TestRestorePayment_KeepsHistoryAsPersisted(t *testing.T) {
	original := newTestPayment(t, 100)
	original.AddAttempt("REQUESTED", nil)

	restored := RestorePayment(original.State())
	assert.False(t, restored.IsNew())
	assert.Empty(t, restored.PendingLogs())
	assert.Empty(t, restored.Events())
	assert.Equal(t, original.TrackingNumber(), restored.TrackingNumber())
	assert.Len(t, restored.Logs(), len(original.Logs()))
}

func TestPayment_ClearEvents(t *testing.T) {
	p := newTestPayment(t, 100)
	require.NoError(t, p.StartProcessing())
	assert.Len(t, p.Events(), 2)
	p.ClearEvents()
	assert.Empty(t, p.Events())
}

func TestPayment_LongReasonsAreClipped(t *testing.T) {
	long := strings.Repeat("网关拒绝", 200)

	p := newTestPayment(t, 1000)
	require.NoError(t, p.StartProcessing())
	require.NoError(t, p.Fail(long, "GATEWAY_DECLINED"))

	assert.Equal(t, maxReasonLength, utf8.RuneCountInString(p.FailureReason()))
	assert.True(t, strings.HasSuffix(p.FailureReason(), "..."))
	logs := p.Logs()
	assert.LessOrEqual(t, utf8.RuneCountInString(logs[len(logs)-1].Details), maxReasonLength)

	c := newTestPayment(t, 1000)
	require.NoError(t, c.Cancel(long))
	logs = c.Logs()
	assert.LessOrEqual(t, utf8.RuneCountInString(logs[len(logs)-1].Details), maxReasonLength)

	// 未超长的原因原样保存
	short := newTestPayment(t, 1000)
	require.NoError(t, short.Fail("余额不足", ""))
	assert.Equal(t, "余额不足", short.FailureReason())
}
