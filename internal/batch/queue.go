package batch

import (
	"context"
)

// Handler 处理来自刷批队列的批次 ID。
type Handler func(ctx context.Context, batchID string) error

// Producer 负责向刷批队列投递批次。
type Producer interface {
	Publish(ctx context.Context, batchID string) error
	Close() error
}

// Consumer 负责从刷批队列中消费批次。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
