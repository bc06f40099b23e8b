package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State 表示熔断器状态
type State int

const (
	StateClosed   State = iota // 关闭：正常状态，允许请求通过
	StateOpen                  // 打开：熔断状态，直接拒绝请求
	StateHalfOpen              // 半开：尝试恢复，允许少量请求通过
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Config 熔断器配置
type Config struct {
	// 失败阈值：连续失败多少次后打开熔断器
	FailureThreshold int
	// 成功阈值：半开状态下成功多少次后关闭熔断器
	SuccessThreshold int
	// 超时时间：打开状态持续多久后进入半开状态
	Timeout time.Duration
	// 半开状态下的最大并发请求数
	HalfOpenMaxRequests int
	// 状态变化回调（可选），在锁外调用
	OnStateChange func(name string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
	}
}

// CircuitBreaker 熔断器，每个厂商凭证一个实例
type CircuitBreaker struct {
	name   string
	config Config
	now    func() time.Time

	state         State
	failureCount  int
	successCount  int
	halfOpenCount int
	lastStateTime time.Time

	mu sync.Mutex
}

// NewCircuitBreaker 创建新的熔断器
func NewCircuitBreaker(name string, config Config) *CircuitBreaker {
	return newWithClock(name, config, time.Now)
}

func newWithClock(name string, config Config, now func() time.Time) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if config.HalfOpenMaxRequests <= 0 {
		config.HalfOpenMaxRequests = DefaultConfig().HalfOpenMaxRequests
	}
	return &CircuitBreaker{
		name:          name,
		config:        config,
		now:           now,
		state:         StateClosed,
		lastStateTime: now(),
	}
}

// Execute 执行函数，带熔断保护
// 只有 countsAsFailure 为 true 的错误才会累计失败次数（为 nil 时所有错误都计入）
func (cb *CircuitBreaker) Execute(fn func() error) error {
	return cb.ExecuteClassified(fn, nil)
}

// ExecuteClassified is Execute with a predicate deciding which errors trip the breaker.
// Errors the caller caused (bad credentials, malformed requests) should not open it.
func (cb *CircuitBreaker) ExecuteClassified(fn func() error, countsAsFailure func(error) bool) error {
	cb.mu.Lock()
	transition := cb.checkStateTransition()

	switch cb.state {
	case StateOpen:
		cb.mu.Unlock()
		cb.notify(transition)
		return ErrCircuitBreakerOpen
	case StateHalfOpen:
		if cb.halfOpenCount >= cb.config.HalfOpenMaxRequests {
			cb.mu.Unlock()
			cb.notify(transition)
			return ErrCircuitBreakerOpen
		}
		cb.halfOpenCount++
	}
	cb.mu.Unlock()
	cb.notify(transition)

	err := fn()

	cb.mu.Lock()
	if err != nil && (countsAsFailure == nil || countsAsFailure(err)) {
		transition = cb.onFailure()
	} else {
		transition = cb.onSuccess()
	}
	cb.mu.Unlock()
	cb.notify(transition)

	return err
}

type stateChange struct {
	from, to State
}

// checkStateTransition 检查并执行状态转换，调用方持有锁
func (cb *CircuitBreaker) checkStateTransition() *stateChange {
	now := cb.now()

	switch cb.state {
	case StateOpen:
		if now.Sub(cb.lastStateTime) >= cb.config.Timeout {
			return cb.setState(StateHalfOpen, now)
		}
	case StateHalfOpen:
		if cb.successCount >= cb.config.SuccessThreshold {
			return cb.setState(StateClosed, now)
		}
	}
	return nil
}

func (cb *CircuitBreaker) onFailure() *stateChange {
	cb.failureCount++
	now := cb.now()

	switch cb.state {
	case StateHalfOpen:
		// 半开状态下失败，立即打开
		return cb.setState(StateOpen, now)
	case StateClosed:
		if cb.failureCount >= cb.config.FailureThreshold {
			return cb.setState(StateOpen, now)
		}
	}
	return nil
}

func (cb *CircuitBreaker) onSuccess() *stateChange {
	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.successCount++
		if cb.halfOpenCount > 0 {
			cb.halfOpenCount--
		}
		if cb.successCount >= cb.config.SuccessThreshold {
			return cb.setState(StateClosed, cb.now())
		}
	}
	return nil
}

func (cb *CircuitBreaker) setState(to State, now time.Time) *stateChange {
	from := cb.state
	cb.state = to
	cb.lastStateTime = now
	cb.halfOpenCount = 0
	cb.successCount = 0
	if to == StateClosed {
		cb.failureCount = 0
	}
	return &stateChange{from: from, to: to}
}

func (cb *CircuitBreaker) notify(change *stateChange) {
	if change != nil && cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, change.from, change.to)
	}
}

// GetState 获取当前状态（线程安全）
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name 熔断器名称（通常是厂商 + integration id）
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	change := cb.setState(StateClosed, cb.now())
	cb.mu.Unlock()
	if change.from != change.to {
		cb.notify(change)
	}
}

// 错误定义
var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)
