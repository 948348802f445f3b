package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"payflow/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, fn func(c *gin.Context)) Response {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	fn(c)

	require.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestFail(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      int
		errorCode string
		message   string
	}{
		{"validation", domain.Validationf("金额必须大于0"), CodeParamError, "VALIDATION_ERROR", "金额必须大于0"},
		{"not found", domain.NotFoundf("支付单不存在: 1"), CodeNotFound, "NOT_FOUND", "支付单不存在: 1"},
		{"illegal state", domain.IllegalStatef("状态错误"), CodeIllegalState, "ILLEGAL_STATE", "状态错误"},
		{"insufficient", &domain.InsufficientFundsError{Requested: 150, Available: 100}, CodeInsufficientFunds, "INSUFFICIENT_FUNDS", "余额不足: 请求 150, 可用 100"},
		{"conflict wrapped", fmt.Errorf("create: %w", domain.Conflictf("请求正在处理中")), CodeConflict, "CONFLICT", "请求正在处理中"},
		{"external", domain.ExternalService("网关不可用", errors.New("dial tcp")), CodeExternalService, "EXTERNAL_SERVICE_ERROR", "网关不可用"},
		{"internal hidden", errors.New("sql: connection refused"), CodeServerError, "INTERNAL", "处理失败，请稍后重试"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := render(t, func(c *gin.Context) { Fail(c, tt.err) })
			assert.Equal(t, tt.code, resp.Code)
			assert.Equal(t, tt.errorCode, resp.ErrorCode)
			assert.Equal(t, tt.message, resp.Message)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestSuccess(t *testing.T) {
	resp := render(t, func(c *gin.Context) { Success(c, map[string]int{"balance": 10}) })
	assert.Equal(t, CodeSuccess, resp.Code)
	assert.Equal(t, "success", resp.Message)
	assert.Equal(t, map[string]any{"balance": float64(10)}, resp.Data)
}

func TestServerError(t *testing.T) {
	resp := render(t, func(c *gin.Context) { ServerError(c, "服务暂不可用") })
	assert.Equal(t, CodeServerError, resp.Code)
	assert.Equal(t, "INTERNAL", resp.ErrorCode)
	assert.Equal(t, "服务暂不可用", resp.Message)
	assert.Nil(t, resp.Data)
}
