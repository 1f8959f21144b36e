package llm

import (
	"context"
	"time"

	"github.com/BaSui01/agentflow/llm/circuitbreaker"
	"github.com/BaSui01/agentflow/llm/retry"
	"github.com/BaSui01/agentflow/types"
	"go.uber.org/zap"
)

// Executor 组合重试器与熔断器，提供三个执行原语：Execute、
// ExecuteWithDeadline、ExecuteWithCancellation。ResilientProvider 在
// Completion 之上做的事情正是 Execute 的一个特化。
type Executor struct {
	retryer        retry.Retryer
	circuitBreaker circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewExecutor 创建一个 Executor。retryer 或 circuitBreaker 任一为 nil
// 时跳过对应的环节。
func NewExecutor(retryer retry.Retryer, breaker circuitbreaker.CircuitBreaker, logger *zap.Logger) *Executor {
	return &Executor{retryer: retryer, circuitBreaker: breaker, logger: logger}
}

type executorResult struct {
	value any
	err   error
}

// guard 让熔断器状态检查成为每次重试尝试的一部分，而不是整个重试循环的
// 外层包装——否则熔断器只会在第一次尝试前被检查一次，重试循环里的其余
// 尝试会绕过熔断器直接打到下游。
func (e *Executor) guard(ctx context.Context, op func(ctx context.Context) (any, error)) func() (any, error) {
	call := func() (any, error) { return op(ctx) }
	if e.circuitBreaker == nil {
		return call
	}
	return func() (any, error) { return e.circuitBreaker.CallWithResult(ctx, call) }
}

// Execute 执行 op：每次尝试先过熔断器，失败后按重试策略退避重试。
func (e *Executor) Execute(ctx context.Context, op func(ctx context.Context) (any, error)) (any, error) {
	guarded := e.guard(ctx, op)
	if e.retryer != nil {
		return e.retryer.DoWithResult(ctx, guarded)
	}
	return guarded()
}

// ExecuteWithDeadline 让 op（含其重试/熔断）与一个定时器赛跑；超时返回
// Timeout 类别的错误。超时不计入熔断失败统计——调用可能仍在底层
// goroutine 里运行，尚未产出成功或失败的结果，上报会污染熔断器状态。
func (e *Executor) ExecuteWithDeadline(ctx context.Context, op func(ctx context.Context) (any, error), deadline time.Duration) (any, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	resultCh := make(chan executorResult, 1)
	go func() {
		v, err := e.Execute(deadlineCtx, op)
		resultCh <- executorResult{value: v, err: err}
	}()

	select {
	case <-deadlineCtx.Done():
		return nil, types.NewError(types.ErrTimeout, "operation exceeded deadline").WithRetryable(true)
	case r := <-resultCh:
		return r.value, r.err
	}
}

// ExecuteWithCancellation 让 op（含其重试/熔断）与一个广播取消信号赛跑。
// 信号先到达时返回 Cancelled 类别的错误，并且不向熔断器上报失败——
// 调用方主动放弃不代表下游不可用。
func (e *Executor) ExecuteWithCancellation(ctx context.Context, op func(ctx context.Context) (any, error), cancelSignal <-chan struct{}) (any, error) {
	innerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	resultCh := make(chan executorResult, 1)
	go func() {
		v, err := e.Execute(innerCtx, op)
		resultCh <- executorResult{value: v, err: err}
	}()

	select {
	case <-cancelSignal:
		cancel()
		return nil, types.NewError(types.ErrCancelled, "operation cancelled by caller").WithRetryable(false)
	case r := <-resultCh:
		return r.value, r.err
	}
}
