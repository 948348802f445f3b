package domain

import "time"

const (
	AggregatePayment = "payment"
	AggregateWallet  = "wallet"
)

const (
	EventPaymentCreated       = "payment.created"
	EventPaymentCreditApplied = "payment.credit_applied"
	EventPaymentProcessing    = "payment.processing"
	EventPaymentCompleted     = "payment.completed"
	EventPaymentFailed        = "payment.failed"
	EventPaymentCancelled     = "payment.cancelled"
	EventPaymentRefunded      = "payment.refunded"

	EventWalletCreated          = "wallet.created"
	EventWalletCredited         = "wallet.credited"
	EventWalletDebited          = "wallet.debited"
	EventWalletTxReversed       = "wallet.transaction_reversed"
	EventWalletBalanceCorrected = "wallet.balance_recalculated"
	EventWalletStatusChanged    = "wallet.status_changed"
)

// Event 领域事件，不可变值对象
//
// 聚合只负责把事件追加到自身的事件列表，由工作单元在提交成功后统一取走，
// 聚合之间从不互相回调。
type Event struct {
	Name          string
	AggregateType string
	AggregateKey  string
	Payload       map[string]any
	OccurredAt    time.Time
}

// eventLog 聚合内嵌的事件收件箱
type eventLog struct {
	events []Event
}

func (l *eventLog) record(name, aggregateType, key string, payload map[string]any, at time.Time) {
	l.events = append(l.events, Event{
		Name:          name,
		AggregateType: aggregateType,
		AggregateKey:  key,
		Payload:       payload,
		OccurredAt:    at,
	})
}

// Events 返回尚未取走的事件副本
func (l *eventLog) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ClearEvents 清空事件，由工作单元在提交成功后调用
func (l *eventLog) ClearEvents() {
	l.events = nil
}
