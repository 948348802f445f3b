package handler

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SetupRouter 配置路由
func SetupRouter(h *Handler, mode string, requestTimeout time.Duration, logger *zap.Logger) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}

	r := gin.New()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(logger))
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	r.Use(TimeoutMiddleware(requestTimeout))

	api := r.Group("/api/v1")
	{
		payments := api.Group("/payments")
		{
			payments.POST("", h.CreatePayment)
			payments.GET("", h.ListPayments)
			payments.GET("/:tracking_number", h.GetPayment)
			payments.GET("/:tracking_number/logs", h.GetPaymentLogs)
			payments.POST("/:tracking_number/verify", h.VerifyPayment)
			payments.POST("/:tracking_number/cancel", h.CancelPayment)
			payments.POST("/:tracking_number/refund", h.RefundPayment)
		}

		wallets := api.Group("/wallets/:user_id")
		{
			wallets.GET("", h.GetWallet)
			wallets.POST("/credit", h.CreditWallet)
			wallets.POST("/debit", h.DebitWallet)
			wallets.POST("/recalculate", h.RecalculateBalance)
			wallets.POST("/activate", h.ActivateWallet)
			wallets.POST("/deactivate", h.DeactivateWallet)
			wallets.GET("/transactions", h.ListTransactions)
			wallets.POST("/transactions/:transaction_id/reverse", h.ReverseTransaction)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
