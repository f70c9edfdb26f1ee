package reconcile

import (
	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
)

// Status 表示一次对账尝试的结论。
type Status string

// 对账状态常量
const (
	// StatusPending 表示交易尚无链上哈希，暂时无法对账。
	StatusPending Status = "pending"
	// StatusMatched 表示链上与链下金额一致。
	StatusMatched Status = "matched"
	// StatusDiscrepancy 表示两侧金额不一致，需要人工关注。
	StatusDiscrepancy Status = "discrepancy"
	// StatusError 表示回执查询失败，结论未知。
	StatusError Status = "error"
)

// Record 表示一次对账尝试。
// Discrepancy 为带符号差额（链下 − 链上），仅在 DISCREPANCY 状态下有值。
type Record struct {
	ID             string              `json:"id"`
	TransactionID  string              `json:"transaction_id"`
	TxHash         string              `json:"tx_hash,omitempty"`
	OffChainAmount decimal.Decimal     `json:"off_chain_amount"`
	OnChainAmount  decimal.Decimal     `json:"on_chain_amount"`
	Discrepancy    decimal.NullDecimal `json:"discrepancy,omitempty"`
	Status         Status              `json:"status"`
	LastError      string              `json:"last_error,omitempty"`
	CreatedAt      int64               `json:"created_at"`
	ReconciledAt   int64               `json:"reconciled_at,omitempty"`
	UpdatedAt      int64               `json:"updated_at"`
}

// 对账相关错误码
const (
	CodeRecordNotFound xerrors.Code = "RECONCILIATION_RECORD_NOT_FOUND"
	CodeReconciliation xerrors.Code = "RECONCILIATION_FAILURE"
	CodeDiscrepancy    xerrors.Code = "RECONCILIATION_DISCREPANCY"
)

func init() {
	xerrors.Register(CodeRecordNotFound, xerrors.Attributes{
		Message:  "对账记录不存在",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeReconciliation, xerrors.Attributes{
		Message:   "对账执行失败",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeDiscrepancy, xerrors.Attributes{
		Message:  "对账发现差异",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// 对账领域的预定义错误
var ErrRecordNotFound = xerrors.New(CodeRecordNotFound, "对账记录不存在")

func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
