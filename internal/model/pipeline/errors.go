/**
 * 模型:任务错误定义
 * @author: sun977
 * @date: 2025.12.18
 * @description: 任务存储哨兵错误、阶段错误分类、准入拒绝错误
 * @func: 各种错误常量、StageError、AdmissionError
 */
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// 任务存储相关错误
var (
	ErrDuplicateTaskID   = errors.New("任务ID已存在")
	ErrTaskNotFound      = errors.New("任务不存在")
	ErrTaskTerminal      = errors.New("任务已处于终态")
	ErrInvalidTransition = errors.New("非法的任务状态迁移")
	ErrPipelineNotFound  = errors.New("流水线不存在")
	ErrInvalidRequest    = errors.New("请求参数不合法")
	ErrServiceClosed     = errors.New("服务已关停")
)

// 事件流相关错误
var (
	// ErrSubscriberOverflow 订阅者消费过慢被断开
	ErrSubscriberOverflow = errors.New("订阅队列溢出，连接已断开")
	// ErrTooManySubscribers 单任务订阅连接数达到上限
	ErrTooManySubscribers = errors.New("订阅连接数超过上限")
	// ErrStreamClosed 事件流已关闭
	ErrStreamClosed = errors.New("事件流已关闭")
)

// StageError 阶段执行错误
// Kind 只取 ErrKindTransient / ErrKindPermanent 两类，
// 执行器据此决定是否消耗剩余重试次数
type StageError struct {
	Kind    ErrorKind // 错误分类
	Message string    // 错误描述
	Err     error     // 原始错误
}

// Error 实现error接口
func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 返回原始错误
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewTransientError 创建可重试的阶段错误
func NewTransientError(message string, err error) *StageError {
	return &StageError{Kind: ErrKindTransient, Message: message, Err: err}
}

// NewPermanentError 创建不可恢复的阶段错误
func NewPermanentError(message string, err error) *StageError {
	return &StageError{Kind: ErrKindPermanent, Message: message, Err: err}
}

// IsTransient 判断错误是否可重试
// 未分类的错误按不可重试处理
func IsTransient(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == ErrKindTransient
	}
	return false
}

// IsPermanent 判断错误是否为不可恢复错误
func IsPermanent(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Kind == ErrKindPermanent
	}
	return false
}

// AdmissionError 准入拒绝错误
// 提交在进入执行前被同步拒绝时返回
type AdmissionError struct {
	Kind       ErrorKind     // admission_timeout 或 rate_limited
	Scope      string        // 命中的限制范围: principal, ip, global
	RetryAfter time.Duration // 建议重试等待时间，仅限流时有值
	Message    string        // 错误描述
}

// Error 实现error接口
func (e *AdmissionError) Error() string {
	return e.Message
}

// NewAdmissionTimeoutError 创建并发槽位等待超时错误
func NewAdmissionTimeoutError(waited time.Duration) *AdmissionError {
	return &AdmissionError{
		Kind:    ErrKindAdmissionTimeout,
		Scope:   "global",
		Message: fmt.Sprintf("等待执行槽位超时(%s)，系统繁忙", waited),
	}
}

// NewRateLimitedError 创建速率限制错误
func NewRateLimitedError(scope string, retryAfter time.Duration) *AdmissionError {
	return &AdmissionError{
		Kind:       ErrKindRateLimited,
		Scope:      scope,
		RetryAfter: retryAfter,
		Message:    fmt.Sprintf("%s 维度请求超过速率限制", scope),
	}
}

// IsRateLimited 判断是否为速率限制拒绝
func IsRateLimited(err error) bool {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Kind == ErrKindRateLimited
	}
	return false
}

// IsAdmissionTimeout 判断是否为槽位等待超时拒绝
func IsAdmissionTimeout(err error) bool {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Kind == ErrKindAdmissionTimeout
	}
	return false
}
