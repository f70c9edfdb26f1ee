package txn

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// SimulatedExecutor 直接按报价金额确认腿的执行，不与链上交互。
// 供本地联调与未接入真实执行器的部署使用。
type SimulatedExecutor struct {
	gasPerLeg uint64
}

// NewSimulatedExecutor 创建模拟执行器。
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{gasPerLeg: 21000}
}

// Execute 实现 LegExecutor 接口，回执哈希为本地生成的伪哈希。
func (e *SimulatedExecutor) Execute(_ context.Context, leg *Leg) (*LegResult, error) {
	return &LegResult{
		TxHash:    fmt.Sprintf("0xsim-%s", uuid.NewString()),
		GasUsed:   e.gasPerLeg,
		AmountOut: leg.AmountOut,
	}, nil
}

// Compensate 实现 CompensationExecutor 接口。
func (e *SimulatedExecutor) Compensate(_ context.Context, _ *Leg) (*CompensationResult, error) {
	return &CompensationResult{
		TxHash:  fmt.Sprintf("0xsim-%s", uuid.NewString()),
		GasUsed: e.gasPerLeg,
	}, nil
}

var (
	_ LegExecutor          = (*SimulatedExecutor)(nil)
	_ CompensationExecutor = (*SimulatedExecutor)(nil)
)
