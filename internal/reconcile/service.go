package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"OpenDEX-Chain/internal/chain"
	xerrors "OpenDEX-Chain/internal/errors"
	"OpenDEX-Chain/internal/observability/alerting"
	"OpenDEX-Chain/internal/txn"
	"OpenDEX-Chain/pkg/logger"
)

// Ledger 定义对账所需的交易账本读取能力。
type Ledger interface {
	GetTransaction(ctx context.Context, id string) (*txn.Transaction, error)
	Legs(ctx context.Context, transactionID string) ([]*txn.Leg, error)
}

// BatchResult 汇总一次批量对账的结论。
type BatchResult struct {
	Total       int       `json:"total"`
	Matched     int       `json:"matched"`
	Discrepancy int       `json:"discrepancy"`
	Errors      int       `json:"errors"`
	Pending     int       `json:"pending"`
	Records     []*Record `json:"records"`
}

// Service 负责核对链下账本与链上回执的金额。
// 差异与查询失败都以数据形式返回，不作为错误抛出。
type Service struct {
	store   Store
	ledger  Ledger
	lookup  chain.ReceiptLookup
	alerter alerting.Dispatcher
	logger  *slog.Logger
}

// ServiceOption 配置 Service 的可选项。
type ServiceOption func(*Service)

// WithAlertDispatcher 配置告警派发器，差异事件经由它通知。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ServiceOption {
	return func(s *Service) { s.alerter = dispatcher }
}

// WithServiceLogger 指定日志记录器。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 创建对账服务。
func NewService(store Store, ledger Ledger, lookup chain.ReceiptLookup, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "对账存储不能为空")
	}
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易账本不能为空")
	}
	if lookup == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "回执查询客户端不能为空")
	}
	s := &Service{
		store:  store,
		ledger: ledger,
		lookup: lookup,
		logger: logger.L(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateRecord 为一笔交易创建 PENDING 状态的对账记录。
func (s *Service) CreateRecord(ctx context.Context, transactionID, txHash string) (*Record, error) {
	if strings.TrimSpace(transactionID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "transaction_id 不能为空")
	}
	if _, err := s.ledger.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}

	record := &Record{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		TxHash:        strings.TrimSpace(txHash),
		Status:        StatusPending,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.store.CreateRecord(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ReconcileTransaction 对一笔交易执行对账并返回本次尝试的记录。
// 链上哈希优先取入参，否则取交易上记录的哈希；两者皆空时记录保持
// PENDING。回执查询失败记为 ERROR，金额不一致记为 DISCREPANCY，
// 差额为链下减链上的带符号值。
func (s *Service) ReconcileTransaction(ctx context.Context, transactionID, txHash string) (*Record, error) {
	transaction, err := s.ledger.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	hash := strings.TrimSpace(txHash)
	if hash == "" {
		hash = strings.TrimSpace(transaction.TxHash)
	}

	record := &Record{
		ID:            uuid.NewString(),
		TransactionID: transactionID,
		TxHash:        hash,
		Status:        StatusPending,
		CreatedAt:     time.Now().Unix(),
	}
	if err := s.store.CreateRecord(ctx, record); err != nil {
		return nil, err
	}
	if hash == "" {
		return record, nil
	}

	offChain, err := s.offChainTotal(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	record.OffChainAmount = offChain

	receipt, lookupErr := s.lookup.GetReceipt(ctx, hash)
	now := time.Now().Unix()
	if lookupErr != nil {
		record.Status = StatusError
		record.LastError = lookupErr.Error()
		record.ReconciledAt = now
		if err := s.store.UpdateRecord(ctx, record); err != nil {
			return nil, err
		}
		s.logger.Warn("对账回执查询失败",
			slog.String("transaction_id", transactionID),
			slog.String("tx_hash", hash),
			slog.Any("error", lookupErr))
		return record, nil
	}

	record.OnChainAmount = receipt.TransferTotal
	record.ReconciledAt = now
	if offChain.Equal(receipt.TransferTotal) {
		record.Status = StatusMatched
	} else {
		record.Status = StatusDiscrepancy
		record.Discrepancy = decimal.NullDecimal{
			Decimal: offChain.Sub(receipt.TransferTotal),
			Valid:   true,
		}
	}
	if err := s.store.UpdateRecord(ctx, record); err != nil {
		return nil, err
	}

	if record.Status == StatusDiscrepancy {
		s.emitDiscrepancyAlert(ctx, record)
		s.logger.Warn("对账发现差异",
			slog.String("transaction_id", transactionID),
			slog.String("tx_hash", hash),
			slog.String("off_chain", record.OffChainAmount.String()),
			slog.String("on_chain", record.OnChainAmount.String()),
			slog.String("discrepancy", record.Discrepancy.Decimal.String()))
	}
	return record, nil
}

// BatchReconcile 对一组交易逐笔对账，返回聚合计数与逐笔明细。
func (s *Service) BatchReconcile(ctx context.Context, transactionIDs []string) (*BatchResult, error) {
	result := &BatchResult{}
	for _, id := range transactionIDs {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		record, err := s.ReconcileTransaction(ctx, id, "")
		if err != nil {
			// 交易本身不存在等账本错误计入 errors，不中断整批。
			result.Total++
			result.Errors++
			result.Records = append(result.Records, &Record{
				TransactionID: id,
				Status:        StatusError,
				LastError:     err.Error(),
			})
			continue
		}
		result.Total++
		switch record.Status {
		case StatusMatched:
			result.Matched++
		case StatusDiscrepancy:
			result.Discrepancy++
		case StatusError:
			result.Errors++
		default:
			result.Pending++
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

// Records 返回某笔交易的历史对账记录。
func (s *Service) Records(ctx context.Context, transactionID string) ([]*Record, error) {
	return s.store.ListByTransaction(ctx, transactionID)
}

// Discrepancies 返回待处理的差异记录。
func (s *Service) Discrepancies(ctx context.Context, limit int) ([]*Record, error) {
	return s.store.ListByStatus(ctx, StatusDiscrepancy, limit)
}

// offChainTotal 汇总已完成腿的链下出账金额。
func (s *Service) offChainTotal(ctx context.Context, transactionID string) (decimal.Decimal, error) {
	legs, err := s.ledger.Legs(ctx, transactionID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, leg := range legs {
		if leg.Status != txn.LegStatusCompleted {
			continue
		}
		total = total.Add(leg.AmountOut)
	}
	return total, nil
}

func (s *Service) emitDiscrepancyAlert(ctx context.Context, record *Record) {
	if s.alerter == nil {
		return
	}
	event := alerting.Event{
		Code:          CodeDiscrepancy,
		Message:       "链上与链下金额不一致",
		Severity:      xerrors.SeverityCritical,
		TransactionID: record.TransactionID,
		Metadata: map[string]string{
			"tx_hash":     record.TxHash,
			"off_chain":   record.OffChainAmount.String(),
			"on_chain":    record.OnChainAmount.String(),
			"discrepancy": record.Discrepancy.Decimal.String(),
		},
		OccurredAt: time.Now(),
	}
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.logger.Error("差异告警通知失败",
			slog.String("transaction_id", record.TransactionID),
			slog.Any("error", err))
	}
}
