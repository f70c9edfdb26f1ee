package batch

import (
	"context"
)

// Store 定义批次账本的持久化能力。
// 条目的追加必须与批次状态检查处于同一临界区，
// 保证 COLLECTING 之外的批次不会再接收条目。
type Store interface {
	// CreateBatch 原子地写入批次及其已有条目。
	CreateBatch(ctx context.Context, b *Batch) error

	// GetBatch 返回批次及其全部条目，按 Sequence 升序。
	// 批次不存在时返回 ErrBatchNotFound。
	GetBatch(ctx context.Context, id string) (*Batch, error)

	// FindCollecting 返回指定类型与策略下处于 COLLECTING 状态的批次。
	// 若同时存在多个，返回创建时间最早的一个；没有时返回 ErrBatchNotFound。
	FindCollecting(ctx context.Context, batchType Type, strategy Strategy) (*Batch, error)

	// AppendItem 向 COLLECTING 状态的批次追加条目，并在同一临界区内
	// 分配条目序号（回写到 item.Sequence）。批次不在 COLLECTING 状态
	// 或条目数已达 MaxSize 时返回 ErrBatchStateConflict。
	AppendItem(ctx context.Context, batchID string, item *Item) error

	// MarkReady 将 COLLECTING 批次置为 READY 并记录 ReadyAt。
	// 状态不符时返回 ErrBatchStateConflict。
	MarkReady(ctx context.Context, id string) error

	// BeginExecution 将 COLLECTING 或 READY 批次置为 EXECUTING。
	// 返回置换后的批次；状态不符时返回 ErrBatchStateConflict。
	BeginExecution(ctx context.Context, id string) (*Batch, error)

	// FinishExecution 回写批次的执行结果：终态、成败计数、
	// gas 统计、链上哈希以及各条目的执行结果。
	FinishExecution(ctx context.Context, b *Batch) error

	// Cancel 取消尚未进入 EXECUTING 的批次。
	Cancel(ctx context.Context, id string) error

	// ListPending 返回处于 COLLECTING 或 READY 状态的批次，
	// 按创建时间升序；strategy 为空时不过滤策略。
	ListPending(ctx context.Context, strategy Strategy) ([]*Batch, error)

	// Close 释放底层资源。
	Close() error
}
