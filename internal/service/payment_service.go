package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payflow/internal/domain"
	"payflow/internal/gateway"
	"payflow/internal/infrastructure/lock"
	"payflow/internal/notify"
	"payflow/internal/repository"
	"payflow/internal/uow"

	"go.uber.org/zap"
)

// ============================================================================
// 支付服务
// ============================================================================
//
// 【创建支付】幂等键快速查询 → 获取 create 锁 → 二次检查 → 钱包抵扣 → 请求网关 → 提交
// 【核验回调】获取 payment 锁 → 查询网关交易 → 核验 → 更新状态 → 提交 → 通知外部系统
//
// 网关拒绝是正常结果，记录为 FAILED；网关故障（重试耗尽）整体回滚，返回 ExternalServiceError。
//
// ============================================================================

// 错误码，写入支付单 errorCode
const (
	ErrorCodeGatewayDeclined    = "GATEWAY_DECLINED"
	ErrorCodeVerificationFailed = "VERIFICATION_FAILED"
	ErrorCodeAmountMismatch     = "AMOUNT_MISMATCH"
	ErrorCodeAlreadyProcessed   = "ALREADY_PROCESSED"
	ErrorCodeCallbackTimeout    = "CALLBACK_TIMEOUT"
)

// 网关往返记录的状态
const (
	attemptRequested = "REQUESTED"
	attemptDeclined  = "DECLINED"
	attemptVerified  = "VERIFIED"
	attemptRejected  = "REJECTED"
)

// walletTransactionPrefix 全额钱包支付时的交易流水号前缀
const walletTransactionPrefix = "WALLET-"

type PaymentOptions struct {
	DefaultCurrency       string
	PendingTimeout        time.Duration
	ProcessingTimeout     time.Duration
	ExpiryBatchSize       int
	RefundCreditsToWallet bool
}

type PaymentService struct {
	uows     *uow.Factory
	locks    *locking
	wallets  *WalletService
	gateway  gateway.Client
	notifier notify.Notifier
	opts     PaymentOptions
	logger   *zap.Logger
}

func NewPaymentService(
	uows *uow.Factory,
	locker lock.Locker,
	lockOpts LockOptions,
	wallets *WalletService,
	gw gateway.Client,
	notifier notify.Notifier,
	opts PaymentOptions,
	logger *zap.Logger,
) *PaymentService {
	if opts.ExpiryBatchSize <= 0 {
		opts.ExpiryBatchSize = 100
	}
	return &PaymentService{
		uows:     uows,
		locks:    &locking{locker: locker, opts: lockOpts, logger: logger},
		wallets:  wallets,
		gateway:  gw,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Initiate 创建支付单
// 相同幂等键的重复请求返回已有支付单，不会重复扣款或重复请求网关
func (s *PaymentService) Initiate(ctx context.Context, req *InitiatePaymentRequest) (*InitiatePaymentResponse, error) {
	if req.Amount <= 0 {
		return nil, domain.Validationf("支付金额必须大于0")
	}
	if strings.TrimSpace(req.Gateway) == "" {
		return nil, domain.Validationf("支付网关不能为空")
	}
	if strings.TrimSpace(req.CallbackURL) == "" {
		return nil, domain.Validationf("回调地址不能为空")
	}
	if req.UseWallet && req.UserID <= 0 {
		return nil, domain.Validationf("使用钱包余额必须指定用户")
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return s.create(ctx, req, "")
	}

	// 快速路径：不加锁查询，命中直接返回
	existing, err := s.findByIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existingResponse(existing), nil
	}

	var resp *InitiatePaymentResponse
	err = s.locks.withLock(ctx, createLockKey(key), func() error {
		// 双重检查：等锁期间可能已被其他请求创建
		existing, err := s.findByIdempotencyKey(ctx, key)
		if err != nil {
			return err
		}
		if existing != nil {
			resp = existingResponse(existing)
			return nil
		}
		resp, err = s.create(ctx, req, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *PaymentService) findByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	return s.uows.New().Payments().FindByIdempotencyKey(ctx, key)
}

func (s *PaymentService) create(ctx context.Context, req *InitiatePaymentRequest, key string) (*InitiatePaymentResponse, error) {
	currency := req.Currency
	if currency == "" {
		currency = s.opts.DefaultCurrency
	}

	u := s.uows.New()
	defer u.Close()
	if err := u.Begin(ctx); err != nil {
		return nil, err
	}

	tn, err := u.Payments().GenerateTrackingNumber(ctx)
	if err != nil {
		u.Rollback()
		return nil, fmt.Errorf("生成追踪号失败: %w", err)
	}

	p, err := domain.NewPayment(domain.NewPaymentParams{
		TrackingNumber: tn,
		Amount:         req.Amount,
		Currency:       currency,
		Gateway:        req.Gateway,
		CallbackURL:    req.CallbackURL,
		ReturnURL:      req.ReturnURL,
		UserID:         req.UserID,
		Metadata:       req.Metadata,
		IdempotencyKey: key,
	})
	if err != nil {
		u.Rollback()
		return nil, err
	}
	u.Track(p)

	var credit CreditApplication
	if req.UseWallet {
		credit = s.wallets.ApplyCreditTowardPayment(ctx, u, req.UserID, p.Amount(), "支付抵扣: "+tn,
			domain.Reference{ID: tn, Type: domain.ReferenceTypePayment})
		if credit.Applied > 0 {
			if _, err := p.ApplyCredit(credit.Applied, credit.Wallet.ID()); err != nil {
				u.Rollback()
				return nil, err
			}
		}
	}

	resp := &InitiatePaymentResponse{}

	// 钱包全额支付，不经过网关
	if p.AmountDue() == 0 {
		if err := p.StartProcessing(); err != nil {
			u.Rollback()
			return nil, err
		}
		if err := p.Complete(walletTransactionPrefix + tn); err != nil {
			u.Rollback()
			return nil, err
		}
		if err := u.Commit(ctx); err != nil {
			return nil, err
		}
		s.logger.Info("钱包全额支付完成", zap.String("tracking_number", tn), zap.Int64("amount", p.Amount()))
		resp.Payment = toPaymentView(p)
		resp.Message = "已使用钱包余额全额支付"
		return resp, nil
	}

	result, err := s.gateway.Request(ctx, gateway.RequestParams{
		Gateway:        p.Gateway(),
		Amount:         p.AmountDue(),
		Currency:       p.Currency(),
		CallbackURL:    p.CallbackURL(),
		TrackingNumber: tn,
	})
	if err != nil {
		u.Rollback()
		s.logger.Error("请求支付网关失败",
			zap.String("tracking_number", tn),
			zap.String("gateway", p.Gateway()),
			zap.Error(err),
		)
		return nil, err
	}

	if result.Succeeded {
		p.AddAttempt(attemptRequested, requestResponse(result))
		if err := p.StartProcessing(); err != nil {
			u.Rollback()
			return nil, err
		}
		resp.Redirect = result.Redirect
	} else {
		p.AddAttempt(attemptDeclined, requestResponse(result))
		if err := p.Fail(declineReason(result.Message), ErrorCodeGatewayDeclined); err != nil {
			u.Rollback()
			return nil, err
		}
		// 扣款与支付单在同一事务中，直接在聚合上冲正
		if credit.Transaction != nil {
			if _, err := credit.Wallet.Reverse(credit.Transaction.ID, "网关拒绝支付"); err != nil {
				u.Rollback()
				return nil, err
			}
		}
	}

	if err := u.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("支付单已创建",
		zap.String("tracking_number", tn),
		zap.String("status", string(p.Status())),
		zap.Int64("amount", p.Amount()),
		zap.Int64("credit_applied", p.CreditApplied()),
	)
	resp.Payment = toPaymentView(p)
	resp.Message = result.Message
	return resp, nil
}

// Verify 处理网关回调，核验交易并更新支付单
// 已完成的支付单直接返回成功，不再请求网关
func (s *PaymentService) Verify(ctx context.Context, trackingNumber string, params gateway.CallbackParams) (*VerifyPaymentResponse, error) {
	if strings.TrimSpace(trackingNumber) == "" {
		return nil, domain.Validationf("追踪号不能为空")
	}

	var (
		resp     *VerifyPaymentResponse
		verified *domain.Payment
	)
	err := s.locks.withLock(ctx, paymentLockKey(trackingNumber), func() error {
		u := s.uows.New()
		defer u.Close()
		if err := u.Begin(ctx); err != nil {
			return err
		}

		p, err := u.Payments().GetByTrackingNumber(ctx, trackingNumber)
		if err != nil {
			u.Rollback()
			return err
		}

		switch p.Status() {
		case domain.PaymentStatusCompleted:
			resp = &VerifyPaymentResponse{Succeeded: true, Payment: toPaymentView(p), Message: "支付已完成"}
			return u.Rollback()
		case domain.PaymentStatusFailed, domain.PaymentStatusCancelled, domain.PaymentStatusRefunded:
			resp = &VerifyPaymentResponse{
				Payment: toPaymentView(p),
				Message: fmt.Sprintf("支付单状态为 %s，无法核验", p.Status()),
			}
			return u.Rollback()
		case domain.PaymentStatusPending:
			if err := p.StartProcessing(); err != nil {
				u.Rollback()
				return err
			}
		}

		succeeded, message, err := s.verifyWithGateway(ctx, u, p, params)
		if err != nil {
			u.Rollback()
			return err
		}

		u.Track(p)
		if err := u.Commit(ctx); err != nil {
			return err
		}
		resp = &VerifyPaymentResponse{Succeeded: succeeded, Payment: toPaymentView(p), Message: message}
		verified = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if verified != nil {
		s.logger.Info("支付核验完成",
			zap.String("tracking_number", trackingNumber),
			zap.String("status", string(verified.Status())),
		)
		s.notify(ctx, verified)
	}
	return resp, nil
}

// verifyWithGateway 查询并核验网关交易，结果记录在支付单上
func (s *PaymentService) verifyWithGateway(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment, params gateway.CallbackParams) (bool, string, error) {
	if params.Gateway == "" {
		params.Gateway = p.Gateway()
	}
	fetched, err := s.gateway.Fetch(ctx, params)
	if err != nil {
		return false, "", err
	}
	if fetched.TrackingNumber != "" && fetched.TrackingNumber != p.TrackingNumber() {
		return false, "", domain.Validationf("回调追踪号 %s 与支付单 %s 不一致", fetched.TrackingNumber, p.TrackingNumber())
	}

	switch {
	case fetched.Status == gateway.FetchStatusAlreadyProcessed:
		p.AddAttempt(attemptRejected, fetchResponse(fetched))
		return false, "交易已被处理", s.fail(ctx, u, p, "网关交易已被处理", ErrorCodeAlreadyProcessed)
	case fetched.Amount != p.AmountDue():
		p.AddAttempt(attemptRejected, fetchResponse(fetched))
		reason := fmt.Sprintf("支付金额不一致: 应付 %d, 实付 %d", p.AmountDue(), fetched.Amount)
		return false, reason, s.fail(ctx, u, p, reason, ErrorCodeAmountMismatch)
	}

	result, err := s.gateway.Verify(ctx, fetched)
	if err != nil {
		return false, "", err
	}
	if !result.Succeeded {
		p.AddAttempt(attemptRejected, verifyResponse(result))
		return false, result.Message, s.fail(ctx, u, p, declineReason(result.Message), ErrorCodeVerificationFailed)
	}

	p.AddAttempt(attemptVerified, verifyResponse(result))
	if err := p.Complete(result.TransactionCode); err != nil {
		return false, "", err
	}
	return true, result.Message, nil
}

// fail 标记失败并冲正占用的钱包余额
func (s *PaymentService) fail(ctx context.Context, u *uow.UnitOfWork, p *domain.Payment, reason, code string) error {
	if err := p.Fail(reason, code); err != nil {
		return err
	}
	return s.wallets.releaseCredit(ctx, u, p, "支付失败: "+reason)
}

// notify 推送核验结果，失败只记录日志
func (s *PaymentService) notify(ctx context.Context, p *domain.Payment) {
	if err := s.notifier.NotifyPayment(context.WithoutCancel(ctx), notify.NewPaymentNotification(p)); err != nil {
		s.logger.Warn("推送支付结果失败",
			zap.String("tracking_number", p.TrackingNumber()),
			zap.Error(err),
		)
	}
}

func (s *PaymentService) Get(ctx context.Context, trackingNumber string) (*PaymentView, error) {
	p, err := s.uows.New().Payments().GetByTrackingNumber(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	return toPaymentView(p), nil
}

// List 按用户、状态、时间范围分页查询
func (s *PaymentService) List(ctx context.Context, filter repository.PaymentFilter) (*PaymentPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validationf("不支持的支付状态: %s", filter.Status)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return nil, domain.Validationf("开始时间必须早于结束时间")
	}
	filter.Page, filter.PageSize = repository.NormalizePage(filter.Page, filter.PageSize)

	items, total, err := s.uows.New().Payments().List(ctx, filter)
	if err != nil {
		return nil, err
	}
	page := &PaymentPage{
		Items:    make([]*PaymentView, 0, len(items)),
		Total:    total,
		Page:     filter.Page,
		PageSize: filter.PageSize,
	}
	for _, p := range items {
		page.Items = append(page.Items, toPaymentView(p))
	}
	return page, nil
}

// Logs 审计日志，按时间正序
func (s *PaymentService) Logs(ctx context.Context, trackingNumber string) ([]PaymentLogView, error) {
	logs, err := s.uows.New().Payments().ListLogs(ctx, trackingNumber)
	if err != nil {
		return nil, err
	}
	out := make([]PaymentLogView, 0, len(logs))
	for _, l := range logs {
		out = append(out, PaymentLogView{Action: l.Action, Details: l.Details, CreatedAt: l.CreatedAt})
	}
	return out, nil
}

func existingResponse(p *domain.Payment) *InitiatePaymentResponse {
	resp := &InitiatePaymentResponse{
		Payment:  toPaymentView(p),
		Existing: true,
		Message:  "支付单已存在",
	}
	if p.Status() == domain.PaymentStatusProcessing {
		resp.Redirect = lastRedirect(p)
	}
	return resp
}

func declineReason(message string) string {
	if message == "" {
		return "网关拒绝支付"
	}
	return message
}

func requestResponse(r *gateway.RequestResult) map[string]any {
	out := map[string]any{
		"succeeded":       r.Succeeded,
		"tracking_number": r.TrackingNumber,
		"message":         r.Message,
	}
	if r.Redirect != nil {
		out["redirect_method"] = r.Redirect.Method
		out["redirect_url"] = r.Redirect.URL
		if len(r.Redirect.Form) > 0 {
			form := make(map[string]any, len(r.Redirect.Form))
			for k, v := range r.Redirect.Form {
				form[k] = v
			}
			out["redirect_form"] = form
		}
	}
	return out
}

func fetchResponse(r *gateway.FetchResult) map[string]any {
	return map[string]any{
		"tracking_number": r.TrackingNumber,
		"status":          string(r.Status),
		"amount":          r.Amount,
	}
}

func verifyResponse(r *gateway.VerifyResult) map[string]any {
	return map[string]any{
		"succeeded":        r.Succeeded,
		"transaction_code": r.TransactionCode,
		"message":          r.Message,
	}
}

// lastRedirect 从最近一次成功的网关请求记录中还原跳转信息
func lastRedirect(p *domain.Payment) *gateway.Redirect {
	attempts := p.Attempts()
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.Status != attemptRequested {
			continue
		}
		url, _ := a.ProviderResponse["redirect_url"].(string)
		if url == "" {
			return nil
		}
		method, _ := a.ProviderResponse["redirect_method"].(string)
		redirect := &gateway.Redirect{Method: method, URL: url}
		if form, ok := a.ProviderResponse["redirect_form"].(map[string]any); ok {
			redirect.Form = make(map[string]string, len(form))
			for k, v := range form {
				redirect.Form[k] = fmt.Sprint(v)
			}
		}
		return redirect
	}
	return nil
}

// isRetryable 调用方可以稍后重试的错误
func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrExternalService)
}
