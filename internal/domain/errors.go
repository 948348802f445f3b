package domain

import (
	"errors"
	"fmt"
)

// Kind 错误分类，对外暴露为稳定的错误码
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindConflict          Kind = "CONFLICT"
	KindNotFound          Kind = "NOT_FOUND"
	KindIllegalState      Kind = "ILLEGAL_STATE"
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindExternalService   Kind = "EXTERNAL_SERVICE_ERROR"
	KindInternal          Kind = "INTERNAL"
)

// Error 业务错误
//
// errors.Is 按 Kind 匹配，因此 errors.Is(err, ErrNotFound) 对任何 NotFound 都成立
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrValidation      = &Error{Kind: KindValidation, Message: "参数错误"}
	ErrConflict        = &Error{Kind: KindConflict, Message: "系统繁忙，请稍后重试"}
	ErrNotFound        = &Error{Kind: KindNotFound, Message: "记录不存在"}
	ErrIllegalState    = &Error{Kind: KindIllegalState, Message: "当前状态不允许该操作"}
	ErrExternalService = &Error{Kind: KindExternalService, Message: "外部服务调用失败"}

	// ErrInsufficientFunds 仅用于 errors.Is 匹配，实际返回的是 *InsufficientFundsError
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds, Message: "余额不足"}
)

func Validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func Conflictf(format string, args ...any) error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func IllegalStatef(format string, args ...any) error {
	return &Error{Kind: KindIllegalState, Message: fmt.Sprintf(format, args...)}
}

// ExternalService 包装外部服务错误，保留原始错误便于排查
func ExternalService(message string, cause error) error {
	return &Error{Kind: KindExternalService, Message: message, Err: cause}
}

// InsufficientFundsError 余额不足，携带请求金额和可用金额
type InsufficientFundsError struct {
	Requested int64
	Available int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("余额不足: 请求 %d, 可用 %d", e.Requested, e.Available)
}

func (e *InsufficientFundsError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindInsufficientFunds
}

// KindOf 提取错误分类，非业务错误一律视为 Internal
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		return KindInsufficientFunds
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf 返回可以直接展示给调用方的信息
func MessageOf(err error) string {
	var insufficient *InsufficientFundsError
	if errors.As(err, &insufficient) {
		return insufficient.Error()
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "处理失败，请稍后重试"
}
