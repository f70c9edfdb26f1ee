package txn

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
	"OpenDEX-Chain/internal/observability/alerting"
	"OpenDEX-Chain/pkg/logger"
)

// 审计记录中使用的操作者类型。
const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

const actorCoordinator = "coordinator"

// LegSpec 描述创建交易时的一条腿定义。
type LegSpec struct {
	Type                 LegType         `json:"type"`
	Target               string          `json:"target,omitempty"`
	CallData             string          `json:"call_data,omitempty"`
	AmountIn             decimal.Decimal `json:"amount_in"`
	AmountOut            decimal.Decimal `json:"amount_out"`
	TokenIn              string          `json:"token_in,omitempty"`
	TokenOut             string          `json:"token_out,omitempty"`
	RequiresCompensation bool            `json:"requires_compensation"`
}

// CreateRequest 描述一次多腿交易的创建请求。
type CreateRequest struct {
	Type           string         `json:"type"`
	Initiator      string         `json:"initiator"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Deadline       int64          `json:"deadline,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Legs           []LegSpec      `json:"legs"`
}

// ExecutionReport 汇总一次交易执行的结果。
type ExecutionReport struct {
	TransactionID   string   `json:"transaction_id"`
	Status          Status   `json:"status"`
	Atomic          bool     `json:"atomic"`
	LegsCompleted   []string `json:"legs_completed,omitempty"`
	LegsFailed      []string `json:"legs_failed,omitempty"`
	LegsCompensated []string `json:"legs_compensated,omitempty"`
	GasUsed         uint64   `json:"gas_used"`
}

// Coordinator 负责多腿交易的创建、顺序执行与失败补偿。
//
// 同一笔交易内的腿严格按 Sequence 顺序执行，不做并行；不同交易的
// 执行互不影响，可以并发调用 Execute。补偿按完成顺序的逆序进行，
// 是逐腿尽力而为的，单条腿补偿失败不会中断其余腿的补偿。
type Coordinator struct {
	store       Store
	executor    LegExecutor
	compensator CompensationExecutor
	strategy    CompensationStrategy
	alerter     alerting.Dispatcher
	logger      *slog.Logger
}

// CoordinatorOption 定义可选配置。
type CoordinatorOption func(*Coordinator)

// WithCompensationExecutor 指定补偿执行器。
func WithCompensationExecutor(compensator CompensationExecutor) CoordinatorOption {
	return func(c *Coordinator) {
		c.compensator = compensator
	}
}

// WithCompensationStrategy 指定补偿策略。目前仅支持 SAGA。
func WithCompensationStrategy(strategy CompensationStrategy) CoordinatorOption {
	return func(c *Coordinator) {
		c.strategy = strategy
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) CoordinatorOption {
	return func(c *Coordinator) {
		c.alerter = dispatcher
	}
}

// WithCoordinatorLogger 指定日志输出。
func WithCoordinatorLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// NewCoordinator 构造交易协调器。
// ROLLBACK 与 MANUAL 策略目前只是声明的扩展点，选择它们会返回配置错误。
func NewCoordinator(store Store, executor LegExecutor, opts ...CoordinatorOption) (*Coordinator, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储不能为空")
	}
	c := &Coordinator{
		store:    store,
		executor: executor,
		strategy: CompensationSaga,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.strategy != CompensationSaga {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "暂不支持的补偿策略",
			xerrors.WithMetadata("strategy", string(c.strategy)))
	}
	return c, nil
}

// Create 创建一笔多腿交易。
//
// 若请求携带幂等键且该键已被记录，直接返回既有交易：不会产生新的
// 交易、新的腿或新的审计记录。两个并发的同键调用由存储层的唯一
// 约束裁决，落败的一方改为读取胜者写入的交易。
func (c *Coordinator) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	if err := validateCreateRequest(req); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.IdempotencyKey)
	if key != "" {
		existing, err := c.store.GetTransactionByKey(ctx, key)
		if err == nil {
			return c.withLegs(ctx, existing)
		}
		if !stdErrors.Is(err, ErrTxnNotFound) {
			return nil, err
		}
	}

	now := time.Now().Unix()
	transaction := &Transaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Type:           req.Type,
		Initiator:      req.Initiator,
		Status:         StatusPending,
		Metadata:       cloneMetadata(req.Metadata),
		Deadline:       req.Deadline,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for i, spec := range req.Legs {
		transaction.Legs = append(transaction.Legs, &Leg{
			ID:                   uuid.NewString(),
			TransactionID:        transaction.ID,
			Type:                 spec.Type,
			Status:               LegStatusPending,
			Sequence:             i,
			Target:               spec.Target,
			CallData:             spec.CallData,
			AmountIn:             spec.AmountIn,
			AmountOut:            spec.AmountOut,
			TokenIn:              spec.TokenIn,
			TokenOut:             spec.TokenOut,
			RequiresCompensation: spec.RequiresCompensation,
		})
	}

	if err := c.store.CreateTransaction(ctx, transaction); err != nil {
		if stdErrors.Is(err, ErrIdempotencyConflict) && key != "" {
			existing, getErr := c.store.GetTransactionByKey(ctx, key)
			if getErr == nil {
				return c.withLegs(ctx, existing)
			}
			if !stdErrors.Is(getErr, ErrTxnNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}

	if err := c.audit(ctx, &AuditEntry{
		TransactionID: transaction.ID,
		EventType:     EventCreated,
		EventData: map[string]any{
			"type":      transaction.Type,
			"leg_count": len(transaction.Legs),
		},
		Actor:     req.Initiator,
		ActorType: ActorTypeUser,
	}); err != nil {
		return nil, err
	}

	logger.Audit().Info("交易已创建",
		slog.String("transaction_id", transaction.ID),
		slog.String("type", transaction.Type),
		slog.String("initiator", transaction.Initiator),
		slog.Int("legs", len(transaction.Legs)),
	)
	return cloneTransaction(transaction), nil
}

// Execute 按 Sequence 顺序执行交易的全部腿。
//
// atomic 为 true 时任一腿失败即停止后续腿并触发逆序补偿；为 false 时
// 跳过失败的腿继续执行。腿级失败被包含在返回的报告里，不作为 error
// 抛出；只有状态冲突、交易不存在或持久化故障才返回 error。
func (c *Coordinator) Execute(ctx context.Context, id string, atomic bool) (*ExecutionReport, error) {
	if c.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置腿执行器")
	}

	transaction, err := c.store.BeginExecution(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := c.audit(ctx, &AuditEntry{
		TransactionID: transaction.ID,
		EventType:     EventExecutionStarted,
		EventData:     map[string]any{"atomic": atomic},
		Actor:         actorCoordinator,
		ActorType:     ActorTypeSystem,
	}); err != nil {
		return nil, c.persistenceFailure(ctx, transaction, nil, err)
	}

	legs, err := c.store.Legs(ctx, transaction.ID)
	if err != nil {
		return nil, c.persistenceFailure(ctx, transaction, nil, err)
	}

	report := &ExecutionReport{
		TransactionID: transaction.ID,
		Atomic:        atomic,
	}

	var completed []*Leg
	anyFailed := false

	for _, leg := range legs {
		if leg.Status != LegStatusPending {
			continue
		}

		leg.Status = LegStatusExecuting
		if err := c.store.UpdateLeg(ctx, leg); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, completed, err)
		}

		result, execErr := c.executor.Execute(ctx, leg)
		if execErr != nil {
			anyFailed = true
			leg.Status = LegStatusFailed
			leg.LastError = execErr.Error()
			if err := c.store.UpdateLeg(ctx, leg); err != nil {
				return nil, c.persistenceFailure(ctx, transaction, completed, err)
			}
			if err := c.audit(ctx, &AuditEntry{
				TransactionID: transaction.ID,
				LegID:         leg.ID,
				EventType:     EventLegFailed,
				EventData: map[string]any{
					"sequence": leg.Sequence,
					"error":    execErr.Error(),
				},
				Actor:     actorCoordinator,
				ActorType: ActorTypeSystem,
			}); err != nil {
				return nil, c.persistenceFailure(ctx, transaction, completed, err)
			}
			report.LegsFailed = append(report.LegsFailed, leg.ID)
			c.logDebug("腿执行失败",
				slog.String("transaction_id", transaction.ID),
				slog.String("leg_id", leg.ID),
				slog.Int("sequence", leg.Sequence),
				slog.String("error", execErr.Error()),
			)
			if atomic {
				break
			}
			continue
		}

		leg.Status = LegStatusCompleted
		leg.ExecutedAt = time.Now().Unix()
		if result != nil {
			leg.TxHash = result.TxHash
			leg.GasUsed = result.GasUsed
			if !result.AmountOut.IsZero() {
				leg.AmountOut = result.AmountOut
			}
			report.GasUsed += result.GasUsed
		}
		if err := c.store.UpdateLeg(ctx, leg); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, completed, err)
		}
		if err := c.audit(ctx, &AuditEntry{
			TransactionID: transaction.ID,
			LegID:         leg.ID,
			EventType:     EventLegCompleted,
			EventData: map[string]any{
				"sequence":   leg.Sequence,
				"tx_hash":    leg.TxHash,
				"gas_used":   leg.GasUsed,
				"amount_out": leg.AmountOut.String(),
			},
			Actor:     actorCoordinator,
			ActorType: ActorTypeSystem,
		}); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, completed, err)
		}
		completed = append(completed, leg)
		report.LegsCompleted = append(report.LegsCompleted, leg.ID)
	}

	finalStatus := StatusCompleted
	switch {
	case anyFailed && atomic:
		if err := c.store.SetStatus(ctx, transaction.ID, StatusPartiallyFailed, ""); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, completed, err)
		}
		compensated, err := c.compensate(ctx, transaction, completed)
		if err != nil {
			return nil, err
		}
		report.LegsCompensated = compensated
		finalStatus = StatusCompensated
	case anyFailed:
		finalStatus = StatusPartiallyFailed
		if err := c.store.SetStatus(ctx, transaction.ID, StatusPartiallyFailed, ""); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, completed, err)
		}
	default:
		if err := c.store.SetStatus(ctx, transaction.ID, StatusCompleted, ""); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, completed, err)
		}
	}

	report.Status = finalStatus
	if err := c.audit(ctx, &AuditEntry{
		TransactionID: transaction.ID,
		EventType:     EventExecutionCompleted,
		EventData: map[string]any{
			"status":           string(finalStatus),
			"legs_completed":   len(report.LegsCompleted),
			"legs_failed":      len(report.LegsFailed),
			"legs_compensated": len(report.LegsCompensated),
			"gas_used":         report.GasUsed,
		},
		Actor:     actorCoordinator,
		ActorType: ActorTypeSystem,
	}); err != nil {
		return nil, err
	}

	logger.Audit().Info("交易执行结束",
		slog.String("transaction_id", transaction.ID),
		slog.String("status", string(finalStatus)),
		slog.Bool("atomic", atomic),
		slog.Int("legs_completed", len(report.LegsCompleted)),
		slog.Int("legs_failed", len(report.LegsFailed)),
	)
	return report, nil
}

// compensate 按完成顺序的逆序补偿已完成且需要补偿的腿。
// 单条腿的补偿失败被记录并告警，但不会中断剩余腿的补偿。
func (c *Coordinator) compensate(ctx context.Context, transaction *Transaction, completed []*Leg) ([]string, error) {
	if err := c.store.SetStatus(ctx, transaction.ID, StatusCompensating, ""); err != nil {
		return nil, c.persistenceFailure(ctx, transaction, nil, err)
	}

	var compensated []string
	for i := len(completed) - 1; i >= 0; i-- {
		leg := completed[i]
		if !leg.RequiresCompensation {
			continue
		}

		var result *CompensationResult
		var compErr error
		if c.compensator == nil {
			compErr = xerrors.New(xerrors.CodeInitializationFailure, "未配置补偿执行器")
		} else {
			result, compErr = c.compensator.Compensate(ctx, leg)
		}

		if compErr != nil {
			leg.LastError = compErr.Error()
			if err := c.store.UpdateLeg(ctx, leg); err != nil {
				logger.L().Error("回写补偿失败状态出错",
					slog.Any("error", err),
					slog.String("leg_id", leg.ID))
			}
			if err := c.audit(ctx, &AuditEntry{
				TransactionID: transaction.ID,
				LegID:         leg.ID,
				EventType:     EventCompensationFailed,
				EventData: map[string]any{
					"sequence": leg.Sequence,
					"error":    compErr.Error(),
				},
				Actor:     actorCoordinator,
				ActorType: ActorTypeSystem,
			}); err != nil {
				logger.L().Error("补偿失败审计写入出错",
					slog.Any("error", err),
					slog.String("leg_id", leg.ID))
			}
			c.emitAlert(ctx, transaction.ID, leg.ID, CodeLegCompensation, compErr)
			continue
		}

		leg.Status = LegStatusCompensated
		leg.CompensatedAt = time.Now().Unix()
		if err := c.store.UpdateLeg(ctx, leg); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, nil, err)
		}
		eventData := map[string]any{"sequence": leg.Sequence}
		if result != nil {
			eventData["tx_hash"] = result.TxHash
			eventData["gas_used"] = result.GasUsed
		}
		if err := c.audit(ctx, &AuditEntry{
			TransactionID: transaction.ID,
			LegID:         leg.ID,
			EventType:     EventLegCompensated,
			EventData:     eventData,
			Actor:         actorCoordinator,
			ActorType:     ActorTypeSystem,
		}); err != nil {
			return nil, c.persistenceFailure(ctx, transaction, nil, err)
		}
		compensated = append(compensated, leg.ID)
	}

	if err := c.store.SetStatus(ctx, transaction.ID, StatusCompensated, ""); err != nil {
		return nil, c.persistenceFailure(ctx, transaction, nil, err)
	}
	return compensated, nil
}

// persistenceFailure 处理腿执行之外的基础设施故障：将交易标记为
// FAILED，尽力补偿已完成的腿，写入审计后把原始错误抛给调用方。
func (c *Coordinator) persistenceFailure(ctx context.Context, transaction *Transaction, completed []*Leg, cause error) error {
	logger.L().Error("交易执行遭遇基础设施故障",
		slog.Any("error", cause),
		slog.String("transaction_id", transaction.ID),
	)
	if err := c.store.SetStatus(ctx, transaction.ID, StatusFailed, cause.Error()); err != nil {
		logger.L().Error("标记交易失败状态出错",
			slog.Any("error", err),
			slog.String("transaction_id", transaction.ID))
	}
	for i := len(completed) - 1; i >= 0; i-- {
		leg := completed[i]
		if !leg.RequiresCompensation || c.compensator == nil {
			continue
		}
		if _, compErr := c.compensator.Compensate(ctx, leg); compErr != nil {
			leg.LastError = compErr.Error()
			_ = c.store.UpdateLeg(ctx, leg)
			c.emitAlert(ctx, transaction.ID, leg.ID, CodeLegCompensation, compErr)
			continue
		}
		leg.Status = LegStatusCompensated
		leg.CompensatedAt = time.Now().Unix()
		_ = c.store.UpdateLeg(ctx, leg)
	}
	if err := c.audit(ctx, &AuditEntry{
		TransactionID: transaction.ID,
		EventType:     EventExecutionCompleted,
		EventData: map[string]any{
			"status": string(StatusFailed),
			"error":  cause.Error(),
		},
		Actor:     actorCoordinator,
		ActorType: ActorTypeSystem,
	}); err != nil {
		logger.L().Error("失败审计写入出错",
			slog.Any("error", err),
			slog.String("transaction_id", transaction.ID))
	}
	if _, ok := xerrors.From(cause); ok {
		return cause
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, cause, "交易执行中断")
}

// Get 返回指定交易。
func (c *Coordinator) Get(ctx context.Context, id string) (*Transaction, error) {
	if c.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return c.store.GetTransaction(ctx, id)
}

// Legs 返回指定交易的全部腿，按 Sequence 升序。
func (c *Coordinator) Legs(ctx context.Context, id string) ([]*Leg, error) {
	if c.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	if _, err := c.store.GetTransaction(ctx, id); err != nil {
		return nil, err
	}
	return c.store.Legs(ctx, id)
}

// Cancel 取消一笔尚未开始执行的交易。
// 已派发给执行器的腿不会被打断，取消只能阻止后续腿的启动。
func (c *Coordinator) Cancel(ctx context.Context, id string) error {
	if err := c.store.Cancel(ctx, id); err != nil {
		return err
	}
	return c.audit(ctx, &AuditEntry{
		TransactionID: id,
		EventType:     EventCancelled,
		Actor:         actorCoordinator,
		ActorType:     ActorTypeSystem,
	})
}

// List 返回符合过滤条件的交易列表。
func (c *Coordinator) List(ctx context.Context, opts ...ListOption) ([]*Transaction, error) {
	if c.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return c.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的交易统计信息。
func (c *Coordinator) Stats(ctx context.Context, opts ...ListOption) (TransactionStats, error) {
	if c.store == nil {
		return TransactionStats{}, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return c.store.Stats(ctx, buildListOptions(opts))
}

// AuditTrail 返回符合过滤条件的审计记录。
func (c *Coordinator) AuditTrail(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	if c.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "交易存储未初始化")
	}
	return c.store.ListAudit(ctx, filter)
}

func (c *Coordinator) withLegs(ctx context.Context, transaction *Transaction) (*Transaction, error) {
	legs, err := c.store.Legs(ctx, transaction.ID)
	if err != nil {
		return nil, err
	}
	transaction.Legs = legs
	return transaction, nil
}

func (c *Coordinator) audit(ctx context.Context, entry *AuditEntry) error {
	entry.ID = uuid.NewString()
	entry.CreatedAt = time.Now().Unix()
	return c.store.AppendAudit(ctx, entry)
}

func (c *Coordinator) logDebug(msg string, attrs ...slog.Attr) {
	if c.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		c.logger.Debug(msg, args...)
	}
}

func (c *Coordinator) emitAlert(ctx context.Context, transactionID, legID string, code xerrors.Code, cause error) {
	if c == nil || c.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:          code,
		Message:       message,
		Severity:      attrs.Severity,
		TransactionID: transactionID,
		LegID:         legID,
		OccurredAt:    time.Now(),
	}
	if err := c.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("transaction_id", transactionID),
		)
	}
}

func validateCreateRequest(req CreateRequest) error {
	if strings.TrimSpace(req.Type) == "" {
		return xerrors.New(CodeTxnValidation, "交易类型不能为空")
	}
	if strings.TrimSpace(req.Initiator) == "" {
		return xerrors.New(CodeTxnValidation, "交易发起方不能为空")
	}
	if len(req.Legs) == 0 {
		return xerrors.New(CodeTxnValidation, "交易至少需要一条腿")
	}
	for i, spec := range req.Legs {
		if !IsValidLegType(spec.Type) {
			return xerrors.New(CodeTxnValidation, "不支持的腿类型",
				xerrors.WithMetadata("sequence", strconv.Itoa(i)),
				xerrors.WithMetadata("leg_type", string(spec.Type)))
		}
		if spec.AmountIn.IsNegative() || spec.AmountOut.IsNegative() {
			return xerrors.New(CodeTxnValidation, "腿金额不能为负数",
				xerrors.WithMetadata("sequence", strconv.Itoa(i)))
		}
	}
	return nil
}
