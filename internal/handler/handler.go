package handler

import (
	"strconv"
	"strings"
	"time"

	"payflow/internal/domain"
	"payflow/internal/gateway"
	"payflow/internal/repository"
	"payflow/internal/service"
	"payflow/pkg/response"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	paymentService *service.PaymentService
	walletService  *service.WalletService
	logger         *zap.Logger
}

// NewHandler 创建处理器实例
func NewHandler(payments *service.PaymentService, wallets *service.WalletService, logger *zap.Logger) *Handler {
	return &Handler{
		paymentService: payments,
		walletService:  wallets,
		logger:         logger,
	}
}

// fail 返回错误响应；非业务错误记录完整原因，响应中只给出通用提示
func (h *Handler) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	if domain.KindOf(err) == domain.KindInternal {
		h.logger.Error("请求处理失败",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("request_id", c.GetString(ctxRequestID)),
			zap.Error(err),
		)
	}
	response.Fail(c, err)
}

// ============================================================
// 支付相关接口
// ============================================================

// CreatePayment 创建支付单
// POST /api/v1/payments
// 幂等键可以放在请求体 idempotency_key 或请求头 Idempotency-Key 中
func (h *Handler) CreatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.paymentService.Initiate(c.Request.Context(), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, resp)
}

// VerifyPayment 网关回调核验
// POST /api/v1/payments/:tracking_number/verify
// 支持 JSON {"gateway": "...", "values": {...}}，也支持网关常用的表单回调
func (h *Handler) VerifyPayment(c *gin.Context) {
	params, err := bindCallback(c)
	if err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	resp, err := h.paymentService.Verify(c.Request.Context(), c.Param("tracking_number"), params)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, resp)
}

func bindCallback(c *gin.Context) (gateway.CallbackParams, error) {
	var params gateway.CallbackParams
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(&params); err != nil {
			return params, err
		}
		return params, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return params, err
	}
	params.Values = make(map[string]string, len(c.Request.Form))
	for k, v := range c.Request.Form {
		if len(v) > 0 {
			params.Values[k] = v[0]
		}
	}
	params.Gateway = params.Values["gateway"]
	return params, nil
}

// GetPayment 查询支付单
// GET /api/v1/payments/:tracking_number
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.paymentService.Get(c.Request.Context(), c.Param("tracking_number"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, p)
}

// ListPayments 支付单列表
// GET /api/v1/payments?user_id=&status=&from=&to=&page=&page_size=
// from / to 为 RFC3339 时间，区间左闭右开
func (h *Handler) ListPayments(c *gin.Context) {
	var filter repository.PaymentFilter
	var err error

	if v := c.Query("user_id"); v != "" {
		if filter.UserID, err = strconv.ParseInt(v, 10, 64); err != nil {
			response.ParamError(c, "user_id 参数错误")
			return
		}
	}
	filter.Status = domain.PaymentStatus(strings.ToUpper(c.Query("status")))
	if filter.From, err = parseTime(c.Query("from")); err != nil {
		response.ParamError(c, "from 参数错误")
		return
	}
	if filter.To, err = parseTime(c.Query("to")); err != nil {
		response.ParamError(c, "to 参数错误")
		return
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	page, err := h.paymentService.List(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, page)
}

// GetPaymentLogs 审计日志
// GET /api/v1/payments/:tracking_number/logs
func (h *Handler) GetPaymentLogs(c *gin.Context) {
	logs, err := h.paymentService.Logs(c.Request.Context(), c.Param("tracking_number"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, logs)
}

// CancelPayment 取消支付
// POST /api/v1/payments/:tracking_number/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	var req service.CancelPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}

	p, err := h.paymentService.Cancel(c.Request.Context(), c.Param("tracking_number"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, p)
}

// RefundPayment 退款
// POST /api/v1/payments/:tracking_number/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	var req service.RefundPaymentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ParamError(c, "参数错误: "+err.Error())
			return
		}
	}

	p, err := h.paymentService.Refund(c.Request.Context(), c.Param("tracking_number"), &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, p)
}

// ============================================================
// 钱包相关接口
// ============================================================

// GetWallet 查询钱包，首次访问时创建
// GET /api/v1/wallets/:user_id
func (h *Handler) GetWallet(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	w, err := h.walletService.Get(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, w)
}

// CreditWallet 入账
// POST /api/v1/wallets/:user_id/credit
func (h *Handler) CreditWallet(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req service.WalletOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	t, err := h.walletService.Credit(c.Request.Context(), userID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, t)
}

// DebitWallet 出账
// POST /api/v1/wallets/:user_id/debit
func (h *Handler) DebitWallet(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	var req service.WalletOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	t, err := h.walletService.Debit(c.Request.Context(), userID, &req)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, t)
}

// RecalculateBalance 按流水重算余额
// POST /api/v1/wallets/:user_id/recalculate
func (h *Handler) RecalculateBalance(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	resp, err := h.walletService.Recalculate(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, resp)
}

// ActivateWallet 启用钱包
// POST /api/v1/wallets/:user_id/activate
func (h *Handler) ActivateWallet(c *gin.Context) {
	h.setWalletActive(c, true)
}

// DeactivateWallet 停用钱包
// POST /api/v1/wallets/:user_id/deactivate
func (h *Handler) DeactivateWallet(c *gin.Context) {
	h.setWalletActive(c, false)
}

func (h *Handler) setWalletActive(c *gin.Context, active bool) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	w, err := h.walletService.SetActive(c.Request.Context(), userID, active)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, w)
}

// ListTransactions 钱包流水
// GET /api/v1/wallets/:user_id/transactions?type=&page=&page_size=
func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}

	filter := repository.TransactionFilter{
		Type: domain.TransactionType(strings.ToUpper(c.Query("type"))),
	}
	switch filter.Type {
	case "", domain.TransactionTypeCredit, domain.TransactionTypeDebit:
	default:
		response.ParamError(c, "type 参数错误")
		return
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "20"))

	page, err := h.walletService.ListTransactions(c.Request.Context(), userID, filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, page)
}

// ReverseTransaction 冲正流水
// POST /api/v1/wallets/:user_id/transactions/:transaction_id/reverse
func (h *Handler) ReverseTransaction(c *gin.Context) {
	userID, ok := userIDParam(c)
	if !ok {
		return
	}
	transactionID, err := strconv.ParseInt(c.Param("transaction_id"), 10, 64)
	if err != nil {
		response.ParamError(c, "transaction_id 参数错误")
		return
	}
	var req service.ReverseTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "参数错误: "+err.Error())
		return
	}

	t, err := h.walletService.Reverse(c.Request.Context(), userID, transactionID, req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, t)
}

func userIDParam(c *gin.Context) (int64, bool) {
	userID, err := strconv.ParseInt(c.Param("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		response.ParamError(c, "user_id 参数错误")
		return 0, false
	}
	return userID, true
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
