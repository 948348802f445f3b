package response

import (
	"net/http"

	"payflow/internal/domain"

	"github.com/gin-gonic/gin"
)

const (
	CodeSuccess       = 0
	CodeParamError    = 400
	CodeNotFound      = 404
	CodeServerError   = 500
)

const (
	CodeIllegalState      = 1002
	CodeInsufficientFunds = 1003
	CodeConflict          = 1004
	CodeExternalService   = 1006
)

type Response struct {
	Code int `json:"code"`
	// ErrorCode 业务错误分类，例如 INSUFFICIENT_FUNDS
	ErrorCode string      `json:"error_code,omitempty"`
	Message   string      `json:"message"`
	Data      interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeSuccess,
		Message: "success",
		Data:    data,
	})
}

func Error(c *gin.Context, code int, message string) {
	c.JSON(http.StatusOK, Response{
		Code:    code,
		Message: message,
	})
}

func ParamError(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{
		Code:      CodeParamError,
		ErrorCode: string(domain.KindValidation),
		Message:   message,
	})
}

func ServerError(c *gin.Context, message string) {
	c.JSON(http.StatusOK, Response{
		Code:      CodeServerError,
		ErrorCode: string(domain.KindInternal),
		Message:   message,
	})
}

// Fail 按错误分类返回，非业务错误统一返回服务器错误且不暴露内部信息
func Fail(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	if kind == domain.KindInternal {
		ServerError(c, domain.MessageOf(err))
		return
	}
	c.JSON(http.StatusOK, Response{
		Code:      CodeOf(kind),
		ErrorCode: string(kind),
		Message:   domain.MessageOf(err),
	})
}

// CodeOf 错误分类对应的响应码
func CodeOf(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return CodeParamError
	case domain.KindNotFound:
		return CodeNotFound
	case domain.KindIllegalState:
		return CodeIllegalState
	case domain.KindInsufficientFunds:
		return CodeInsufficientFunds
	case domain.KindConflict:
		return CodeConflict
	case domain.KindExternalService:
		return CodeExternalService
	default:
		return CodeServerError
	}
}
