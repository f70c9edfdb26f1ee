package batch

import (
	xerrors "OpenDEX-Chain/internal/errors"
)

// Status 表示批次的生命周期状态。
type Status string

// 批次状态常量
const (
	StatusPending    Status = "pending"
	StatusCollecting Status = "collecting"
	StatusReady      Status = "ready"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal 判断状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type 表示批次聚合的对象粒度。
type Type string

// 批次类型常量
const (
	TypeTransaction Type = "transaction"
	TypeLeg         Type = "leg"
)

// IsValidType 判断批次类型是否合法。
func IsValidType(t Type) bool {
	return t == TypeTransaction || t == TypeLeg
}

// Strategy 表示批次的聚合策略。
type Strategy string

// 聚合策略常量
const (
	StrategyTimeWindow      Strategy = "time_window"
	StrategySizeLimit       Strategy = "size_limit"
	StrategyGasOptimization Strategy = "gas_optimization"
	StrategyBusinessLogic   Strategy = "business_logic"
)

// IsValidStrategy 判断聚合策略是否合法。
func IsValidStrategy(s Strategy) bool {
	switch s {
	case StrategyTimeWindow, StrategySizeLimit, StrategyGasOptimization, StrategyBusinessLogic:
		return true
	default:
		return false
	}
}

// Batch 表示一个等待合并执行的交易/腿窗口。
// 仅处于 COLLECTING 状态的批次可以继续接收条目。
type Batch struct {
	ID                string         `json:"id"`
	Type              Type           `json:"type"`
	Strategy          Strategy       `json:"strategy"`
	Status            Status         `json:"status"`
	MaxSize           int            `json:"max_size"`
	TimeWindowSeconds int64          `json:"time_window_seconds"`
	Deadline          int64          `json:"deadline"`
	TxHash            string         `json:"tx_hash,omitempty"`
	GasUsed           uint64         `json:"gas_used"`
	GasSaved          uint64         `json:"gas_saved"`
	SuccessCount      int            `json:"success_count"`
	FailureCount      int            `json:"failure_count"`
	LastError         string         `json:"last_error,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         int64          `json:"created_at"`
	ReadyAt           int64          `json:"ready_at,omitempty"`
	ExecutedAt        int64          `json:"executed_at,omitempty"`
	UpdatedAt         int64          `json:"updated_at"`
	Items             []*Item        `json:"items,omitempty"`
}

// Item 表示批次中的一个条目。
// TransactionID 与 LegID 恰好填写一个。
type Item struct {
	ID            string `json:"id"`
	BatchID       string `json:"batch_id"`
	TransactionID string `json:"transaction_id,omitempty"`
	LegID         string `json:"leg_id,omitempty"`
	Sequence      int    `json:"sequence"`
	Success       bool   `json:"success"`
	LastError     string `json:"last_error,omitempty"`
	ExecutedAt    int64  `json:"executed_at,omitempty"`
}

// Ref 返回条目引用的对象 ID。
func (i *Item) Ref() string {
	if i.TransactionID != "" {
		return i.TransactionID
	}
	return i.LegID
}

// 批次相关错误码
const (
	CodeBatchNotFound      xerrors.Code = "BATCH_NOT_FOUND"
	CodeBatchStateConflict xerrors.Code = "BATCH_STATE_CONFLICT"
	CodeBatchItemInvalid   xerrors.Code = "BATCH_ITEM_INVALID"
	CodeBatchExecution     xerrors.Code = "BATCH_EXECUTION_FAILURE"
)

func init() {
	xerrors.Register(CodeBatchNotFound, xerrors.Attributes{
		Message:  "批次不存在",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBatchStateConflict, xerrors.Attributes{
		Message:  "批次状态不允许该操作",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBatchItemInvalid, xerrors.Attributes{
		Message:  "批次条目不合法",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeBatchExecution, xerrors.Attributes{
		Message:   "批次执行失败",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// 批次领域的预定义错误
var (
	ErrBatchNotFound      = xerrors.New(CodeBatchNotFound, "批次不存在")
	ErrBatchStateConflict = xerrors.New(CodeBatchStateConflict, "批次状态不允许该操作")
)

func cloneBatchMetadata(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	clone := make(map[string]any, len(data))
	for k, v := range data {
		clone[k] = v
	}
	return clone
}

func cloneItem(item *Item) *Item {
	if item == nil {
		return nil
	}
	clone := *item
	return &clone
}

func cloneBatch(b *Batch) *Batch {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Metadata = cloneBatchMetadata(b.Metadata)
	if b.Items != nil {
		clone.Items = make([]*Item, len(b.Items))
		for i, item := range b.Items {
			clone.Items[i] = cloneItem(item)
		}
	}
	return &clone
}
