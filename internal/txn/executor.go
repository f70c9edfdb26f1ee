package txn

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
)

// LegResult 保存一条腿执行成功后的回执信息。
type LegResult struct {
	TxHash    string          `json:"tx_hash,omitempty"`
	GasUsed   uint64          `json:"gas_used,omitempty"`
	AmountOut decimal.Decimal `json:"amount_out"`
}

// CompensationResult 保存一次补偿执行的回执信息。
type CompensationResult struct {
	TxHash  string `json:"tx_hash,omitempty"`
	GasUsed uint64 `json:"gas_used,omitempty"`
}

// LegExecutor 定义了协调器执行单条腿所需的能力。
// 执行结果以显式的值返回，由协调器据此驱动状态迁移。
type LegExecutor interface {
	Execute(ctx context.Context, leg *Leg) (*LegResult, error)
}

// CompensationExecutor 定义了撤销一条已完成腿的能力。
// 补偿失败只记录在腿上，不会中断剩余腿的补偿。
type CompensationExecutor interface {
	Compensate(ctx context.Context, leg *Leg) (*CompensationResult, error)
}

// ExecutorRegistry 按腿类型分发到具体的执行器实现。
// 未注册类型的腿由 fallback 执行器处理。
type ExecutorRegistry struct {
	mu       sync.RWMutex
	byType   map[LegType]LegExecutor
	fallback LegExecutor
}

// NewExecutorRegistry 创建执行器注册表。
func NewExecutorRegistry(fallback LegExecutor) *ExecutorRegistry {
	return &ExecutorRegistry{
		byType:   make(map[LegType]LegExecutor),
		fallback: fallback,
	}
}

// Register 为指定腿类型注册执行器。
func (r *ExecutorRegistry) Register(legType LegType, executor LegExecutor) {
	if executor == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[legType] = executor
}

// Resolve 返回负责处理该腿类型的执行器，可能为 nil。
func (r *ExecutorRegistry) Resolve(legType LegType) LegExecutor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if executor, ok := r.byType[legType]; ok {
		return executor
	}
	return r.fallback
}

// Execute 实现 LegExecutor 接口，按腿类型分发。
func (r *ExecutorRegistry) Execute(ctx context.Context, leg *Leg) (*LegResult, error) {
	if leg == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "leg 不能为空")
	}
	executor := r.Resolve(leg.Type)
	if executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未注册该腿类型的执行器",
			xerrors.WithMetadata("leg_type", string(leg.Type)))
	}
	return executor.Execute(ctx, leg)
}

var _ LegExecutor = (*ExecutorRegistry)(nil)
