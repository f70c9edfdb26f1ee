package reconcile

import (
	"context"
)

// Store 定义对账记录的持久化能力。
type Store interface {
	// CreateRecord 写入一条新的对账记录。
	CreateRecord(ctx context.Context, record *Record) error

	// GetRecord 返回指定对账记录，不存在时返回 ErrRecordNotFound。
	GetRecord(ctx context.Context, id string) (*Record, error)

	// UpdateRecord 回写对账记录的结论。
	UpdateRecord(ctx context.Context, record *Record) error

	// ListByTransaction 返回某笔交易的全部对账记录，按创建时间升序。
	ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error)

	// ListByStatus 返回指定状态的对账记录，按创建时间升序，最多 limit 条。
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)

	// Close 释放底层资源。
	Close() error
}
