package model

// Tables 需要自动迁移的表
func Tables() []interface{} {
	return []interface{}{
		&Wallet{},
		&WalletTransaction{},
		&Payment{},
		&PaymentAttempt{},
		&PaymentLog{},
		&OutboxMessage{},
	}
}
