package txn

import (
	stdErrors "errors"

	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
)

// Status 表示多腿交易在生命周期中的状态。
type Status string

const (
	StatusPending         Status = "pending"
	StatusPreparing       Status = "preparing"
	StatusExecuting       Status = "executing"
	StatusCompleted       Status = "completed"
	StatusPartiallyFailed Status = "partially_failed"
	StatusCompensating    Status = "compensating"
	StatusCompensated     Status = "compensated"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// LegStatus 表示单条交易腿的状态。
type LegStatus string

const (
	LegStatusPending     LegStatus = "pending"
	LegStatusExecuting   LegStatus = "executing"
	LegStatusCompleted   LegStatus = "completed"
	LegStatusFailed      LegStatus = "failed"
	LegStatusCompensated LegStatus = "compensated"
	LegStatusCancelled   LegStatus = "cancelled"
)

// LegType 描述交易腿的业务类型。
type LegType string

const (
	LegTypeDebit    LegType = "debit"
	LegTypeCredit   LegType = "credit"
	LegTypeSwap     LegType = "swap"
	LegTypeTransfer LegType = "transfer"
	LegTypeApproval LegType = "approval"
	LegTypeWrap     LegType = "wrap"
	LegTypeUnwrap   LegType = "unwrap"
)

// CompensationStrategy 描述失败后的补偿方式。
// 目前协调器只实现 SAGA 式逆序补偿，其余两种作为扩展点保留。
type CompensationStrategy string

const (
	CompensationSaga     CompensationStrategy = "saga"
	CompensationRollback CompensationStrategy = "rollback"
	CompensationManual   CompensationStrategy = "manual"
)

// Transaction 描述一笔由多条腿组成的逻辑交易。
type Transaction struct {
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Type           string         `json:"type"`
	Initiator      string         `json:"initiator"`
	Status         Status         `json:"status"`
	TxHash         string         `json:"tx_hash,omitempty"`
	LastError      string         `json:"last_error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Deadline       int64          `json:"deadline,omitempty"`
	CreatedAt      int64          `json:"created_at"`
	StartedAt      int64          `json:"started_at,omitempty"`
	CompletedAt    int64          `json:"completed_at,omitempty"`
	UpdatedAt      int64          `json:"updated_at"`
	Legs           []*Leg         `json:"legs,omitempty"`
}

// Leg 描述交易内的一条原子子操作。
// Sequence 在同一笔交易内唯一且连续，决定执行顺序与逆序补偿顺序。
type Leg struct {
	ID                   string          `json:"id"`
	TransactionID        string          `json:"transaction_id"`
	Type                 LegType         `json:"type"`
	Status               LegStatus       `json:"status"`
	Sequence             int             `json:"sequence"`
	Target               string          `json:"target,omitempty"`
	CallData             string          `json:"call_data,omitempty"`
	AmountIn             decimal.Decimal `json:"amount_in"`
	AmountOut            decimal.Decimal `json:"amount_out"`
	TokenIn              string          `json:"token_in,omitempty"`
	TokenOut             string          `json:"token_out,omitempty"`
	TxHash               string          `json:"tx_hash,omitempty"`
	GasUsed              uint64          `json:"gas_used,omitempty"`
	RequiresCompensation bool            `json:"requires_compensation"`
	CompensationLegID    string          `json:"compensation_leg_id,omitempty"`
	LastError            string          `json:"last_error,omitempty"`
	ExecutedAt           int64           `json:"executed_at,omitempty"`
	CompensatedAt        int64           `json:"compensated_at,omitempty"`
}

// 审计事件类型。协调器的每次状态迁移都会产生一条对应的审计记录。
const (
	EventCreated            = "created"
	EventExecutionStarted   = "execution_started"
	EventLegCompleted       = "leg_completed"
	EventLegFailed          = "leg_failed"
	EventLegCompensated     = "leg_compensated"
	EventCompensationFailed = "compensation_failed"
	EventExecutionCompleted = "execution_completed"
	EventCancelled          = "cancelled"
)

// AuditEntry 是一条不可变的审计记录，关联到交易、腿或批次。
type AuditEntry struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id,omitempty"`
	LegID         string         `json:"leg_id,omitempty"`
	BatchID       string         `json:"batch_id,omitempty"`
	EventType     string         `json:"event_type"`
	EventData     map[string]any `json:"event_data,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	ActorType     string         `json:"actor_type,omitempty"`
	CreatedAt     int64          `json:"created_at"`
}

var (
	// ErrTxnNotFound 表示指定的交易不存在。
	ErrTxnNotFound = xerrors.New(CodeTxnNotFound, "transaction not found")
	// ErrLegNotFound 表示指定的交易腿不存在。
	ErrLegNotFound = xerrors.New(CodeLegNotFound, "transaction leg not found")
	// ErrTxnStateConflict 表示交易在当前状态下无法进行所请求的操作。
	ErrTxnStateConflict = xerrors.New(CodeTxnStateConflict, "transaction state conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrIdempotencyConflict 表示幂等键已被占用，调用方应读取既有交易。
	ErrIdempotencyConflict = xerrors.New(CodeTxnIdempotency, "idempotency key already used", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTxnNotFound      xerrors.Code = "TXN_NOT_FOUND"
	CodeLegNotFound      xerrors.Code = "TXN_LEG_NOT_FOUND"
	CodeTxnStateConflict xerrors.Code = "TXN_STATE_CONFLICT"
	CodeTxnIdempotency   xerrors.Code = "TXN_IDEMPOTENCY_CONFLICT"
	CodeTxnValidation    xerrors.Code = "TXN_VALIDATION_FAILED"
	CodeLegExecution     xerrors.Code = "TXN_LEG_EXECUTION_FAILED"
	CodeLegCompensation  xerrors.Code = "TXN_LEG_COMPENSATION_FAILED"
)

func init() {
	xerrors.Register(CodeTxnNotFound, xerrors.Attributes{
		Message:   "transaction not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLegNotFound, xerrors.Attributes{
		Message:   "transaction leg not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxnStateConflict, xerrors.Attributes{
		Message:   "transaction state conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxnIdempotency, xerrors.Attributes{
		Message:   "idempotency key already used",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTxnValidation, xerrors.Attributes{
		Message:   "transaction validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeLegExecution, xerrors.Attributes{
		Message:   "leg execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeLegCompensation, xerrors.Attributes{
		Message:   "leg compensation failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// IsTerminal 判断交易状态是否为终态。
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的交易状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusPreparing, StatusExecuting, StatusCompleted,
		StatusPartiallyFailed, StatusCompensating, StatusCompensated,
		StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsValidLegType 检查交易腿类型是否受支持。
func IsValidLegType(legType LegType) bool {
	switch legType {
	case LegTypeDebit, LegTypeCredit, LegTypeSwap, LegTypeTransfer,
		LegTypeApproval, LegTypeWrap, LegTypeUnwrap:
		return true
	default:
		return false
	}
}

// IsTxnError 判断错误是否为统一交易错误。
func IsTxnError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, ErrTxnNotFound) {
		return target == CodeTxnNotFound
	}
	if stdErrors.Is(err, ErrLegNotFound) {
		return target == CodeLegNotFound
	}
	if stdErrors.Is(err, ErrTxnStateConflict) {
		return target == CodeTxnStateConflict
	}
	if stdErrors.Is(err, ErrIdempotencyConflict) {
		return target == CodeTxnIdempotency
	}
	return false
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for key, value := range metadata {
		cloned[key] = value
	}
	return cloned
}

func cloneLeg(leg *Leg) *Leg {
	if leg == nil {
		return nil
	}
	clone := *leg
	return &clone
}

func cloneTransaction(t *Transaction) *Transaction {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Metadata = cloneMetadata(t.Metadata)
	if t.Legs != nil {
		clone.Legs = make([]*Leg, len(t.Legs))
		for i, leg := range t.Legs {
			clone.Legs[i] = cloneLeg(leg)
		}
	}
	return &clone
}
