package integration

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConfigured 表示预期内的缺失（没有配置 secret、没有渠道等），不是故障
var ErrNotConfigured = errors.New("not configured")

// AuthenticationError 凭证无效或被撤销，不重试，暂停该 integration 的轮询
type AuthenticationError struct {
	Vendor string
	Status int
	Err    error
}

func (e *AuthenticationError) Error() string {
	msg := fmt.Sprintf("%s authentication failed", e.Vendor)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AuthenticationError) Unwrap() error   { return e.Err }
func (e *AuthenticationError) Retryable() bool { return false }
func (e *AuthenticationError) Kind() string    { return "authentication" }

// RateLimitError 供应商限流，RetryAfter 为建议等待时间
type RateLimitError struct {
	Vendor     string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	msg := fmt.Sprintf("%s rate limited, retry after %s", e.Vendor, e.RetryAfter)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitError) Unwrap() error   { return e.Err }
func (e *RateLimitError) Retryable() bool { return true }
func (e *RateLimitError) Kind() string    { return "rate_limit" }

// TransientError 网络错误或 5xx，重试耗尽后返回
type TransientError struct {
	Vendor   string
	Status   int
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	msg := fmt.Sprintf("%s transient failure after %d attempt(s)", e.Vendor, e.Attempts)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransientError) Unwrap() error   { return e.Err }
func (e *TransientError) Retryable() bool { return true }
func (e *TransientError) Kind() string    { return "transient" }

// PermanentError 其他 4xx，请求本身有问题
type PermanentError struct {
	Vendor string
	Status int
	Body   string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s request rejected with status %d: %s", e.Vendor, e.Status, e.Body)
}

func (e *PermanentError) Retryable() bool { return false }
func (e *PermanentError) Kind() string    { return "permanent" }

// PermanentRecordError 单条记录无法解析，跳过并计数
type PermanentRecordError struct {
	ExternalID string
	Reason     string
	Err        error
}

func (e *PermanentRecordError) Error() string {
	id := e.ExternalID
	if id == "" {
		id = "<unknown>"
	}
	msg := fmt.Sprintf("record %s: %s", id, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PermanentRecordError) Unwrap() error   { return e.Err }
func (e *PermanentRecordError) Retryable() bool { return false }
func (e *PermanentRecordError) Kind() string    { return "permanent_record" }

// SignatureVerificationError webhook 签名校验失败
type SignatureVerificationError struct {
	Reason string
}

func (e *SignatureVerificationError) Error() string {
	return "webhook signature verification failed: " + e.Reason
}

func (e *SignatureVerificationError) Retryable() bool { return false }
func (e *SignatureVerificationError) Kind() string    { return "signature" }

func IsAuthentication(err error) bool {
	var target *AuthenticationError
	return errors.As(err, &target)
}

// IsRateLimit 返回 RetryAfter，便于调用方决定等待时间
func IsRateLimit(err error) (time.Duration, bool) {
	var target *RateLimitError
	if errors.As(err, &target) {
		return target.RetryAfter, true
	}
	return 0, false
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsPermanent(err error) bool {
	var target *PermanentError
	return errors.As(err, &target)
}

func IsPermanentRecord(err error) bool {
	var target *PermanentRecordError
	return errors.As(err, &target)
}

func IsSignature(err error) bool {
	var target *SignatureVerificationError
	return errors.As(err, &target)
}
