package batch

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	xerrors "OpenDEX-Chain/internal/errors"
	"OpenDEX-Chain/internal/observability/alerting"
	"OpenDEX-Chain/pkg/logger"
)

// Processor 负责从刷批队列消费批次并交给 Service 执行。
type Processor struct {
	service     *Service
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = l
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithProcessorAlertDispatcher 配置告警派发器。
func WithProcessorAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(service *Service, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		service:     service,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动批次处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置批次消费者")
	}
	if p.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置批次服务")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, batchID string) error {
	b, err := p.service.ExecuteBatch(ctx, batchID)
	if err != nil {
		// 已被其他 worker 抢先执行或已取消的批次直接跳过。
		if stdErrors.Is(err, ErrBatchStateConflict) || stdErrors.Is(err, ErrBatchNotFound) {
			p.logDebug("跳过批次", slog.String("batch_id", batchID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("批次处理失败", slog.Any("error", err), slog.String("batch_id", batchID))
		p.emitAlert(ctx, batchID, err)
		// 执行器层面的失败已回写终态，不再重投。
		if b != nil && b.Status.IsTerminal() {
			return nil
		}
		return err
	}
	logger.Audit().Info("批次处理完成",
		slog.String("batch_id", batchID),
		slog.String("status", string(b.Status)),
		slog.Int("success", b.SuccessCount),
		slog.Int("failure", b.FailureCount),
	)
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, batchID string, cause error) {
	if p == nil || p.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = CodeBatchExecution
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		BatchID:    batchID,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("batch_id", batchID),
		)
	}
}
