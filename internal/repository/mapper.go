package repository

import (
	"payflow/internal/domain"
	"payflow/internal/model"

	"gorm.io/datatypes"
)

func toPaymentRow(p *domain.Payment) *model.Payment {
	s := p.State()
	row := &model.Payment{
		ID:                   s.ID,
		TrackingNumber:       s.TrackingNumber,
		UserID:               s.UserID,
		Amount:               s.Amount,
		Currency:             s.Currency,
		Status:               string(s.Status),
		Gateway:              s.Gateway,
		CallbackURL:          s.CallbackURL,
		ReturnURL:            s.ReturnURL,
		CreditApplied:        s.CreditApplied,
		AmountDue:            s.AmountDue,
		WalletID:             s.WalletID,
		TransactionReference: s.TransactionReference,
		FailureReason:        s.FailureReason,
		ErrorCode:            s.ErrorCode,
		RefundedAmount:       s.RefundedAmount,
		RefundReason:         s.RefundReason,
		CompletedAt:          s.CompletedAt,
		FailedAt:             s.FailedAt,
		CancelledAt:          s.CancelledAt,
		RefundedAt:           s.RefundedAt,
		Version:              s.Version,
		CreatedAt:            s.CreatedAt,
		UpdatedAt:            s.UpdatedAt,
	}
	if s.IdempotencyKey != "" {
		key := s.IdempotencyKey
		row.IdempotencyKey = &key
	}
	if s.Metadata != nil {
		row.Metadata = datatypes.JSONMap(s.Metadata)
	}
	return row
}

func toPaymentDomain(row *model.Payment) *domain.Payment {
	s := domain.PaymentState{
		ID:                   row.ID,
		TrackingNumber:       row.TrackingNumber,
		Amount:               row.Amount,
		Currency:             row.Currency,
		Status:               domain.PaymentStatus(row.Status),
		Gateway:              row.Gateway,
		CallbackURL:          row.CallbackURL,
		ReturnURL:            row.ReturnURL,
		CreditApplied:        row.CreditApplied,
		AmountDue:            row.AmountDue,
		WalletID:             row.WalletID,
		UserID:               row.UserID,
		TransactionReference: row.TransactionReference,
		FailureReason:        row.FailureReason,
		ErrorCode:            row.ErrorCode,
		RefundedAmount:       row.RefundedAmount,
		RefundReason:         row.RefundReason,
		CompletedAt:          row.CompletedAt,
		FailedAt:             row.FailedAt,
		CancelledAt:          row.CancelledAt,
		RefundedAt:           row.RefundedAt,
		CreatedAt:            row.CreatedAt,
		UpdatedAt:            row.UpdatedAt,
		Version:              row.Version,
	}
	if row.IdempotencyKey != nil {
		s.IdempotencyKey = *row.IdempotencyKey
	}
	if row.Metadata != nil {
		s.Metadata = map[string]any(row.Metadata)
	}
	for _, a := range row.Attempts {
		s.Attempts = append(s.Attempts, domain.PaymentAttempt{
			ID:               a.ID,
			AttemptNumber:    a.AttemptNumber,
			Status:           a.Status,
			ProviderResponse: map[string]any(a.ProviderResponse),
			CreatedAt:        a.CreatedAt,
		})
	}
	for _, l := range row.Logs {
		s.Logs = append(s.Logs, toPaymentLogDomain(l))
	}
	return domain.RestorePayment(s)
}

func toPaymentLogDomain(l model.PaymentLog) domain.PaymentLog {
	return domain.PaymentLog{
		ID:        l.ID,
		Action:    l.Action,
		Details:   l.Details,
		CreatedAt: l.CreatedAt,
	}
}

func toAttemptRows(paymentID int64, attempts []domain.PaymentAttempt) []model.PaymentAttempt {
	rows := make([]model.PaymentAttempt, 0, len(attempts))
	for _, a := range attempts {
		row := model.PaymentAttempt{
			ID:            a.ID,
			PaymentID:     paymentID,
			AttemptNumber: a.AttemptNumber,
			Status:        a.Status,
			CreatedAt:     a.CreatedAt,
		}
		if a.ProviderResponse != nil {
			row.ProviderResponse = datatypes.JSONMap(a.ProviderResponse)
		}
		rows = append(rows, row)
	}
	return rows
}

func toLogRows(paymentID int64, logs []domain.PaymentLog) []model.PaymentLog {
	rows := make([]model.PaymentLog, 0, len(logs))
	for _, l := range logs {
		rows = append(rows, model.PaymentLog{
			ID:        l.ID,
			PaymentID: paymentID,
			Action:    l.Action,
			Details:   l.Details,
			CreatedAt: l.CreatedAt,
		})
	}
	return rows
}

func toWalletRow(w *domain.Wallet) *model.Wallet {
	return &model.Wallet{
		ID:        w.ID(),
		UserID:    w.UserID(),
		Balance:   w.Balance(),
		Currency:  w.Currency(),
		IsActive:  w.IsActive(),
		Version:   w.Version(),
		CreatedAt: w.CreatedAt(),
		UpdatedAt: w.UpdatedAt(),
	}
}

func toWalletDomain(row *model.Wallet, transactions []model.WalletTransaction, historyLoaded bool) *domain.Wallet {
	s := domain.WalletState{
		ID:            row.ID,
		UserID:        row.UserID,
		Balance:       row.Balance,
		Currency:      row.Currency,
		IsActive:      row.IsActive,
		Version:       row.Version,
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
		HistoryLoaded: historyLoaded,
	}
	for i := range transactions {
		s.Transactions = append(s.Transactions, toTransactionDomain(&transactions[i]))
	}
	return domain.RestoreWallet(s)
}

func toTransactionRow(userID int64, t domain.WalletTransaction) model.WalletTransaction {
	return model.WalletTransaction{
		ID:             t.ID,
		TransactionNo:  t.TransactionNo,
		WalletID:       t.WalletID,
		UserID:         userID,
		Amount:         t.Amount,
		Type:           string(t.Type),
		Description:    t.Description,
		ReferenceID:    t.Reference.ID,
		ReferenceType:  t.Reference.Type,
		BalanceAfter:   t.BalanceAfter,
		IsReversed:     t.IsReversed,
		ReversedAt:     t.ReversedAt,
		ReversalReason: t.ReversalReason,
		CreatedAt:      t.CreatedAt,
	}
}

func toTransactionDomain(row *model.WalletTransaction) domain.WalletTransaction {
	return domain.WalletTransaction{
		ID:             row.ID,
		TransactionNo:  row.TransactionNo,
		WalletID:       row.WalletID,
		Amount:         row.Amount,
		Type:           domain.TransactionType(row.Type),
		Description:    row.Description,
		Reference:      domain.Reference{ID: row.ReferenceID, Type: row.ReferenceType},
		BalanceAfter:   row.BalanceAfter,
		IsReversed:     row.IsReversed,
		ReversedAt:     row.ReversedAt,
		ReversalReason: row.ReversalReason,
		CreatedAt:      row.CreatedAt,
	}
}
