package batch

import (
	"context"
	"time"

	xerrors "OpenDEX-Chain/internal/errors"
)

// ExecutionResult 保存一次批次执行的整体回执。
// Items 中仅包含需要回写执行结果的条目。
type ExecutionResult struct {
	TxHash       string
	GasUsed      uint64
	SuccessCount int
	FailureCount int
	Items        []*Item
}

// Executor 定义批次执行能力，由链上提交器或业务方注入。
type Executor interface {
	ExecuteBatch(ctx context.Context, b *Batch) (*ExecutionResult, error)
}

// ItemRunner 执行批次中的单个条目，返回消耗的 gas。
type ItemRunner func(ctx context.Context, item *Item) (uint64, error)

// SequentialExecutor 按 Sequence 顺序逐条执行批次条目，
// 是未注入专用执行器时的缺省实现。
type SequentialExecutor struct {
	run ItemRunner
}

// NewSequentialExecutor 创建顺序执行器。
func NewSequentialExecutor(run ItemRunner) (*SequentialExecutor, error) {
	if run == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "条目执行函数不能为空")
	}
	return &SequentialExecutor{run: run}, nil
}

// ExecuteBatch 实现 Executor 接口。
// 单条目失败不会中断后续条目，失败记录在条目自身上。
func (e *SequentialExecutor) ExecuteBatch(ctx context.Context, b *Batch) (*ExecutionResult, error) {
	if b == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}

	result := &ExecutionResult{}
	for _, item := range b.Items {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		gasUsed, err := e.run(ctx, item)
		item.ExecutedAt = time.Now().Unix()
		result.GasUsed += gasUsed
		if err != nil {
			item.Success = false
			item.LastError = err.Error()
			result.FailureCount++
		} else {
			item.Success = true
			item.LastError = ""
			result.SuccessCount++
		}
		result.Items = append(result.Items, item)
	}
	return result, nil
}

var _ Executor = (*SequentialExecutor)(nil)
