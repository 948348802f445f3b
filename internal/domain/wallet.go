package domain

import (
	"fmt"
	"time"

	"payflow/pkg/idgen"
)

// ============================================================================
// 钱包账本
// ============================================================================
//
// 【设计原则】
//   1. 流水只追加，不删除；冲正只打标记，不改金额
//   2. 余额 = 未冲正的入账之和 - 未冲正的出账之和，任何时候都可以由流水重算
//   3. 余额永远不为负：扣款不足直接失败，不做部分扣款
//
// ============================================================================

type TransactionType string

const (
	TransactionTypeCredit TransactionType = "CREDIT"
	TransactionTypeDebit  TransactionType = "DEBIT"
)

// Reference 流水关联的外部单据，例如 {ID: 追踪号, Type: "payment"}
type Reference struct {
	ID   string
	Type string
}

func (r Reference) IsZero() bool {
	return r.ID == "" && r.Type == ""
}

const (
	ReferenceTypePayment = "payment"
	ReferenceTypeRefund  = "refund"
)

// WalletTransaction 钱包流水，Amount 恒为正数
type WalletTransaction struct {
	ID             int64
	TransactionNo  string
	WalletID       int64
	Amount         int64
	Type           TransactionType
	Description    string
	Reference      Reference
	BalanceAfter   int64
	IsReversed     bool
	ReversedAt     *time.Time
	ReversalReason string
	CreatedAt      time.Time
}

// signedAmount 对余额的影响
func (t WalletTransaction) signedAmount() int64 {
	if t.Type == TransactionTypeDebit {
		return -t.Amount
	}
	return t.Amount
}

// WalletState 钱包完整状态，只用于仓储的持久化和重建
type WalletState struct {
	ID           int64
	UserID       int64
	Balance      int64
	Currency     string
	IsActive     bool
	Version      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Transactions []WalletTransaction
	// HistoryLoaded 为 true 时 Transactions 是完整流水，可用于重算余额和冲正
	HistoryLoaded bool
}

// Wallet 钱包聚合根
type Wallet struct {
	eventLog

	state WalletState

	isNew     bool
	persisted int
	modified  map[int64]struct{}
}

// NewWallet 创建余额为0的钱包
func NewWallet(userID int64, currency string) (*Wallet, error) {
	if userID <= 0 {
		return nil, Validationf("用户ID不合法")
	}
	now := clock()
	w := &Wallet{
		isNew: true,
		state: WalletState{
			ID:            idgen.NextID(),
			UserID:        userID,
			Currency:      currency,
			IsActive:      true,
			CreatedAt:     now,
			UpdatedAt:     now,
			HistoryLoaded: true,
		},
	}
	w.recordEvent(EventWalletCreated, map[string]any{"currency": currency}, now)
	return w, nil
}

// RestoreWallet 由仓储重建聚合
func RestoreWallet(s WalletState) *Wallet {
	s.Transactions = append([]WalletTransaction(nil), s.Transactions...)
	return &Wallet{
		state:     s,
		persisted: len(s.Transactions),
	}
}

// Credit 入账
func (w *Wallet) Credit(amount int64, description string, ref Reference) (WalletTransaction, error) {
	if amount <= 0 {
		return WalletTransaction{}, Validationf("入账金额必须大于0")
	}
	if !w.state.IsActive {
		return WalletTransaction{}, IllegalStatef("钱包已停用")
	}

	now := clock()
	w.state.Balance += amount
	trans := w.appendTransaction(TransactionTypeCredit, amount, description, ref, now)

	w.recordEvent(EventWalletCredited, map[string]any{
		"transaction_id": trans.ID,
		"amount":         amount,
		"balance":        w.state.Balance,
	}, now)
	return trans, nil
}

// Debit 出账，余额不足时失败且不追加任何流水
func (w *Wallet) Debit(amount int64, description string, ref Reference) (WalletTransaction, error) {
	if amount <= 0 {
		return WalletTransaction{}, Validationf("扣款金额必须大于0")
	}
	if !w.state.IsActive {
		return WalletTransaction{}, IllegalStatef("钱包已停用")
	}
	if w.state.Balance < amount {
		return WalletTransaction{}, &InsufficientFundsError{Requested: amount, Available: w.state.Balance}
	}

	now := clock()
	w.state.Balance -= amount
	trans := w.appendTransaction(TransactionTypeDebit, amount, description, ref, now)

	w.recordEvent(EventWalletDebited, map[string]any{
		"transaction_id": trans.ID,
		"amount":         amount,
		"balance":        w.state.Balance,
	}, now)
	return trans, nil
}

// Reverse 冲正一笔流水：打上冲正标记并撤销其对余额的影响
// 流水必须已加载到聚合中（完整流水或本次新增的流水）；冲正入账时余额不足会失败
func (w *Wallet) Reverse(transactionID int64, reason string) (WalletTransaction, error) {
	if !w.state.IsActive {
		return WalletTransaction{}, IllegalStatef("钱包已停用")
	}

	idx := -1
	for i := range w.state.Transactions {
		if w.state.Transactions[i].ID == transactionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		if !w.state.HistoryLoaded {
			return WalletTransaction{}, IllegalStatef("钱包流水未加载，无法冲正")
		}
		return WalletTransaction{}, NotFoundf("流水 %d 不存在", transactionID)
	}

	trans := &w.state.Transactions[idx]
	if trans.IsReversed {
		return WalletTransaction{}, IllegalStatef("流水 %s 已冲正", trans.TransactionNo)
	}

	delta := -trans.signedAmount()
	if w.state.Balance+delta < 0 {
		return WalletTransaction{}, &InsufficientFundsError{Requested: trans.Amount, Available: w.state.Balance}
	}

	now := clock()
	w.state.Balance += delta
	trans.IsReversed = true
	trans.ReversedAt = &now
	trans.ReversalReason = clip(reason, maxDescriptionLength)
	w.markModified(trans.ID)

	w.recordEvent(EventWalletTxReversed, map[string]any{
		"transaction_id": trans.ID,
		"amount":         trans.Amount,
		"type":           string(trans.Type),
		"reason":         trans.ReversalReason,
		"balance":        w.state.Balance,
	}, now)
	return *trans, nil
}

// RecalculateBalance 按完整流水重算余额，只有结果与缓存值不同时才产生事件
func (w *Wallet) RecalculateBalance() (bool, error) {
	if !w.state.HistoryLoaded {
		return false, IllegalStatef("钱包流水未加载，无法重算余额")
	}

	computed := ReplayBalance(w.state.Transactions)
	if computed == w.state.Balance {
		return false, nil
	}

	now := clock()
	previous := w.state.Balance
	w.state.Balance = computed
	w.recordEvent(EventWalletBalanceCorrected, map[string]any{
		"previous_balance": previous,
		"balance":          computed,
	}, now)
	return true, nil
}

// ReplayBalance 由流水推导余额
func ReplayBalance(transactions []WalletTransaction) int64 {
	var balance int64
	for _, t := range transactions {
		if t.IsReversed {
			continue
		}
		balance += t.signedAmount()
	}
	return balance
}

func (w *Wallet) Activate() {
	if w.state.IsActive {
		return
	}
	w.state.IsActive = true
	w.recordEvent(EventWalletStatusChanged, map[string]any{"active": true}, clock())
}

func (w *Wallet) Deactivate() {
	if !w.state.IsActive {
		return
	}
	w.state.IsActive = false
	w.recordEvent(EventWalletStatusChanged, map[string]any{"active": false}, clock())
}

// Touch 由工作单元在提交前调用
func (w *Wallet) Touch(now time.Time) {
	w.state.UpdatedAt = now
}

func (w *Wallet) appendTransaction(typ TransactionType, amount int64, description string, ref Reference, at time.Time) WalletTransaction {
	trans := WalletTransaction{
		ID:            idgen.NextID(),
		TransactionNo: idgen.GenerateTransactionNo(),
		WalletID:      w.state.ID,
		Amount:        amount,
		Type:          typ,
		Description:   clip(description, maxDescriptionLength),
		Reference:     ref,
		BalanceAfter:  w.state.Balance,
		CreatedAt:     at,
	}
	w.state.Transactions = append(w.state.Transactions, trans)
	return trans
}

func (w *Wallet) markModified(id int64) {
	if w.modified == nil {
		w.modified = make(map[int64]struct{})
	}
	w.modified[id] = struct{}{}
}

func (w *Wallet) recordEvent(name string, payload map[string]any, at time.Time) {
	payload["wallet_id"] = w.state.ID
	payload["user_id"] = w.state.UserID
	w.record(name, AggregateWallet, fmt.Sprintf("%d", w.state.UserID), payload, at)
}

func (w *Wallet) ID() int64 { return w.state.ID }

func (w *Wallet) UserID() int64 { return w.state.UserID }

func (w *Wallet) Balance() int64 { return w.state.Balance }

func (w *Wallet) Currency() string { return w.state.Currency }

func (w *Wallet) IsActive() bool { return w.state.IsActive }

func (w *Wallet) Version() int { return w.state.Version }

func (w *Wallet) IsNew() bool { return w.isNew }

func (w *Wallet) CreatedAt() time.Time { return w.state.CreatedAt }

func (w *Wallet) UpdatedAt() time.Time { return w.state.UpdatedAt }

// Transactions 已加载流水的副本
func (w *Wallet) Transactions() []WalletTransaction {
	return append([]WalletTransaction(nil), w.state.Transactions...)
}

func (w *Wallet) State() WalletState {
	s := w.state
	s.Transactions = w.Transactions()
	return s
}

// PendingTransactions 尚未持久化的新流水
func (w *Wallet) PendingTransactions() []WalletTransaction {
	return append([]WalletTransaction(nil), w.state.Transactions[w.persisted:]...)
}

// ModifiedTransactions 已持久化但被冲正的流水
func (w *Wallet) ModifiedTransactions() []WalletTransaction {
	var out []WalletTransaction
	for _, t := range w.state.Transactions[:w.persisted] {
		if _, ok := w.modified[t.ID]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (w *Wallet) MarkPersisted(version int) {
	w.isNew = false
	w.persisted = len(w.state.Transactions)
	w.modified = nil
	w.state.Version = version
}
