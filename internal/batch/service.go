package batch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenDEX-Chain/internal/errors"
	"OpenDEX-Chain/internal/txn"
	"OpenDEX-Chain/pkg/logger"
)

// 批次审计事件类型
const (
	EventBatchCreated   = "batch_created"
	EventBatchReady     = "batch_ready"
	EventBatchExecuting = "batch_execution_started"
	EventBatchCompleted = "batch_completed"
	EventBatchFailed    = "batch_failed"
	EventBatchCancelled = "batch_cancelled"
	EventBatchItemAdded = "batch_item_added"
)

// AuditSink 接收批次产生的审计事件，通常由交易账本实现。
type AuditSink interface {
	AppendAudit(ctx context.Context, entry *txn.AuditEntry) error
}

// AddRequest 描述一次入批请求。
// TransactionID 与 LegID 必须恰好填写一个。
type AddRequest struct {
	TransactionID     string
	LegID             string
	Type              Type
	Strategy          Strategy
	TimeWindowSeconds int64
	MaxSize           int
	Metadata          map[string]any
}

// Service 负责批次的聚合、封口与执行。
// 每个开放批次持有一个到期定时器，到期后批次被封口并进入刷批队列。
type Service struct {
	store    Store
	executor Executor
	producer Producer
	audit    AuditSink
	logger   *slog.Logger

	baseGasPerTx      uint64
	defaultWindowSecs int64
	defaultMaxSize    int

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// ServiceOption 配置 Service 的可选项。
type ServiceOption func(*Service)

// WithExecutor 注入批次执行器。
func WithExecutor(executor Executor) ServiceOption {
	return func(s *Service) { s.executor = executor }
}

// WithProducer 注入刷批队列生产者。
func WithProducer(producer Producer) ServiceOption {
	return func(s *Service) { s.producer = producer }
}

// WithAuditSink 注入审计事件接收方。
func WithAuditSink(sink AuditSink) ServiceOption {
	return func(s *Service) { s.audit = sink }
}

// WithServiceLogger 指定日志记录器。
func WithServiceLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithBaseGasPerTx 指定单笔交易的基准 gas，用于估算批次节省。
func WithBaseGasPerTx(gas uint64) ServiceOption {
	return func(s *Service) {
		if gas > 0 {
			s.baseGasPerTx = gas
		}
	}
}

// WithDefaultTimeWindow 指定批次默认的时间窗口。
func WithDefaultTimeWindow(seconds int64) ServiceOption {
	return func(s *Service) {
		if seconds > 0 {
			s.defaultWindowSecs = seconds
		}
	}
}

// WithDefaultMaxSize 指定批次默认的条目上限。
func WithDefaultMaxSize(size int) ServiceOption {
	return func(s *Service) {
		if size > 0 {
			s.defaultMaxSize = size
		}
	}
}

// NewService 创建批次服务。
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "批次存储不能为空")
	}
	s := &Service{
		store:             store,
		logger:            logger.L(),
		baseGasPerTx:      21000,
		defaultWindowSecs: 60,
		defaultMaxSize:    10,
		timers:            make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// maxAddAttempts 限制一次入批在并发竞争下的重试次数。
const maxAddAttempts = 5

// Add 将一笔交易或一条腿加入批次，返回其所在批次的 ID。
// 当匹配的开放批次已满或已过期时会被封口，并为条目开启新批次。
// 与并发封口竞争失败时（追加落在状态冲突上）重试进入新批次。
func (s *Service) Add(ctx context.Context, req AddRequest) (string, error) {
	if err := validateAddRequest(req); err != nil {
		return "", err
	}

	windowSecs := req.TimeWindowSeconds
	if windowSecs <= 0 {
		windowSecs = s.defaultWindowSecs
	}
	maxSize := req.MaxSize
	if maxSize <= 0 {
		maxSize = s.defaultMaxSize
	}

	for attempt := 0; attempt < maxAddAttempts; attempt++ {
		now := time.Now().Unix()
		current, err := s.store.FindCollecting(ctx, req.Type, req.Strategy)
		switch {
		case err == nil:
			if s.mustRollover(current, now) {
				s.seal(ctx, current.ID)
				current = nil
			}
		case stdErrors.Is(err, ErrBatchNotFound):
			current = nil
		default:
			return "", err
		}

		if current == nil {
			created, err := s.openBatch(ctx, req, windowSecs, maxSize)
			if err != nil {
				return "", err
			}
			current = created
		}

		item := &Item{
			ID:            uuid.NewString(),
			BatchID:       current.ID,
			TransactionID: req.TransactionID,
			LegID:         req.LegID,
		}
		// 序号由存储层在追加临界区内分配并回写。
		if err := s.store.AppendItem(ctx, current.ID, item); err != nil {
			if stdErrors.Is(err, ErrBatchStateConflict) {
				// 快照后批次被并发填满或封口，重新寻找开放批次。
				continue
			}
			return "", err
		}
		s.auditEvent(ctx, current.ID, item, EventBatchItemAdded, map[string]any{
			"sequence": item.Sequence,
		})

		// 条目追加后达到上限的 SIZE_LIMIT 批次立即封口。
		if req.Strategy == StrategySizeLimit && item.Sequence+1 >= current.MaxSize {
			s.seal(ctx, current.ID)
		}
		return current.ID, nil
	}
	return "", xerrors.New(CodeBatchStateConflict, "入批重试次数耗尽")
}

func (s *Service) mustRollover(b *Batch, now int64) bool {
	// 条目上限对所有策略生效，收集中的批次不允许超限。
	if b.MaxSize > 0 && len(b.Items) >= b.MaxSize {
		return true
	}
	if b.Strategy == StrategyTimeWindow && b.Deadline > 0 && now >= b.Deadline {
		return true
	}
	return false
}

func (s *Service) openBatch(ctx context.Context, req AddRequest, windowSecs int64, maxSize int) (*Batch, error) {
	now := time.Now().Unix()
	b := &Batch{
		ID:                uuid.NewString(),
		Type:              req.Type,
		Strategy:          req.Strategy,
		Status:            StatusCollecting,
		MaxSize:           maxSize,
		TimeWindowSeconds: windowSecs,
		Deadline:          now + windowSecs,
		Metadata:          cloneBatchMetadata(req.Metadata),
		CreatedAt:         now,
	}
	if err := s.store.CreateBatch(ctx, b); err != nil {
		return nil, err
	}
	s.auditEvent(ctx, b.ID, nil, EventBatchCreated, map[string]any{
		"strategy": string(b.Strategy),
		"type":     string(b.Type),
		"max_size": b.MaxSize,
		"deadline": b.Deadline,
	})

	if req.Strategy == StrategyTimeWindow {
		s.scheduleDeadline(b.ID, time.Duration(windowSecs)*time.Second)
	}
	return b, nil
}

func (s *Service) scheduleDeadline(batchID string, wait time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers[batchID] = time.AfterFunc(wait, func() {
		// 定时器回调脱离请求生命周期，使用独立的上下文。
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.seal(ctx, batchID)
	})
}

func (s *Service) stopTimer(batchID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.timers[batchID]; ok {
		timer.Stop()
		delete(s.timers, batchID)
	}
}

// seal 将批次封口为 READY 并送入刷批队列。
// 批次已不在 COLLECTING 状态时为幂等空操作。
func (s *Service) seal(ctx context.Context, batchID string) {
	s.stopTimer(batchID)

	if err := s.store.MarkReady(ctx, batchID); err != nil {
		if !stdErrors.Is(err, ErrBatchStateConflict) {
			s.logger.Error("批次封口失败", slog.String("batch_id", batchID), slog.Any("error", err))
		}
		return
	}
	s.auditEvent(ctx, batchID, nil, EventBatchReady, nil)

	if s.producer != nil {
		if err := s.producer.Publish(ctx, batchID); err != nil {
			s.logger.Error("批次入队失败", slog.String("batch_id", batchID), slog.Any("error", err))
		}
		return
	}
	// 未配置队列时直接执行。
	if _, err := s.ExecuteBatch(ctx, batchID); err != nil {
		s.logger.Error("批次直接执行失败", slog.String("batch_id", batchID), slog.Any("error", err))
	}
}

// ExecuteBatch 执行 COLLECTING 或 READY 状态的批次并回写结果。
// gas 节省按逐笔执行的基准估算：max(0, 条目数 × 基准 gas − 实际 gas)。
func (s *Service) ExecuteBatch(ctx context.Context, batchID string) (*Batch, error) {
	if s.executor == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "批次执行器未配置")
	}

	b, err := s.store.BeginExecution(ctx, batchID)
	if err != nil {
		return nil, err
	}
	s.stopTimer(batchID)
	s.auditEvent(ctx, batchID, nil, EventBatchExecuting, map[string]any{
		"item_count": len(b.Items),
	})

	result, execErr := s.executor.ExecuteBatch(ctx, b)
	b.ExecutedAt = time.Now().Unix()
	if execErr != nil {
		b.Status = StatusFailed
		b.LastError = execErr.Error()
		b.FailureCount = len(b.Items)
		if err := s.store.FinishExecution(ctx, b); err != nil {
			return nil, err
		}
		s.auditEvent(ctx, batchID, nil, EventBatchFailed, map[string]any{
			"error": execErr.Error(),
		})
		return b, xerrors.Wrap(CodeBatchExecution, execErr, "批次执行失败",
			xerrors.WithMetadata("batch_id", batchID))
	}

	b.TxHash = result.TxHash
	b.GasUsed = result.GasUsed
	b.GasSaved = gasSaved(len(b.Items), s.baseGasPerTx, result.GasUsed)
	b.SuccessCount = result.SuccessCount
	b.FailureCount = result.FailureCount
	b.Items = mergeItemResults(b.Items, result.Items)

	event := EventBatchCompleted
	if result.FailureCount > 0 {
		b.Status = StatusFailed
		event = EventBatchFailed
	} else {
		b.Status = StatusCompleted
	}
	if err := s.store.FinishExecution(ctx, b); err != nil {
		return nil, err
	}
	s.auditEvent(ctx, batchID, nil, event, map[string]any{
		"success_count": b.SuccessCount,
		"failure_count": b.FailureCount,
		"gas_used":      b.GasUsed,
		"gas_saved":     b.GasSaved,
	})
	s.logger.Info("批次执行完成",
		slog.String("batch_id", batchID),
		slog.String("status", string(b.Status)),
		slog.Int("success", b.SuccessCount),
		slog.Int("failure", b.FailureCount),
		slog.Uint64("gas_saved", b.GasSaved))
	return b, nil
}

// PendingBatches 返回待处理批次，strategy 为空时不过滤。
func (s *Service) PendingBatches(ctx context.Context, strategy Strategy) ([]*Batch, error) {
	return s.store.ListPending(ctx, strategy)
}

// AutoExecuteReady 扫描并执行所有 READY 或已过期的批次，
// 供外部轮询器周期调用，返回成功触发执行的批次数量。
func (s *Service) AutoExecuteReady(ctx context.Context) (int, error) {
	pending, err := s.store.ListPending(ctx, "")
	if err != nil {
		return 0, err
	}

	now := time.Now().Unix()
	executed := 0
	var errs []error
	for _, b := range pending {
		due := b.Status == StatusReady ||
			(b.Deadline > 0 && now >= b.Deadline && len(b.Items) > 0)
		if !due {
			continue
		}
		if _, err := s.ExecuteBatch(ctx, b.ID); err != nil {
			if stdErrors.Is(err, ErrBatchStateConflict) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		executed++
	}
	return executed, stdErrors.Join(errs...)
}

// Get 返回批次及其条目。
func (s *Service) Get(ctx context.Context, batchID string) (*Batch, error) {
	return s.store.GetBatch(ctx, batchID)
}

// Cancel 取消尚未进入执行的批次并停掉其定时器。
func (s *Service) Cancel(ctx context.Context, batchID string) error {
	if err := s.store.Cancel(ctx, batchID); err != nil {
		return err
	}
	s.stopTimer(batchID)
	s.auditEvent(ctx, batchID, nil, EventBatchCancelled, nil)
	return nil
}

// Close 停止全部批次定时器。
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	return nil
}

func (s *Service) auditEvent(ctx context.Context, batchID string, item *Item, eventType string, data map[string]any) {
	if s.audit == nil {
		return
	}
	entry := &txn.AuditEntry{
		ID:        uuid.NewString(),
		BatchID:   batchID,
		EventType: eventType,
		EventData: data,
		Actor:     "batching_service",
		ActorType: txn.ActorTypeSystem,
		CreatedAt: time.Now().Unix(),
	}
	if item != nil {
		entry.TransactionID = item.TransactionID
		entry.LegID = item.LegID
	}
	if err := s.audit.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("写入批次审计失败",
			slog.String("batch_id", batchID),
			slog.String("event", eventType),
			slog.Any("error", err))
	}
}

func validateAddRequest(req AddRequest) error {
	hasTxn := req.TransactionID != ""
	hasLeg := req.LegID != ""
	if hasTxn == hasLeg {
		return xerrors.New(CodeBatchItemInvalid, "transaction_id 与 leg_id 必须恰好填写一个")
	}
	if !IsValidType(req.Type) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的批次类型")
	}
	if !IsValidStrategy(req.Strategy) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的聚合策略")
	}
	return nil
}

func gasSaved(itemCount int, baseGasPerTx, gasUsed uint64) uint64 {
	estimate := uint64(itemCount) * baseGasPerTx
	if gasUsed >= estimate {
		return 0
	}
	return estimate - gasUsed
}

func mergeItemResults(items []*Item, results []*Item) []*Item {
	if len(results) == 0 {
		return items
	}
	byID := make(map[string]*Item, len(results))
	for _, item := range results {
		byID[item.ID] = item
	}
	for i, existing := range items {
		if updated, ok := byID[existing.ID]; ok {
			items[i] = updated
		}
	}
	return items
}
