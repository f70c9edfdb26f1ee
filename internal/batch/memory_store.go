package batch

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenDEX-Chain/internal/errors"
)

// MemoryStore 以内存方式保存批次账本，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	batches map[string]*Batch
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{batches: make(map[string]*Batch)}
}

// CreateBatch 实现 Store 接口。
func (m *MemoryStore) CreateBatch(_ context.Context, b *Batch) error {
	if b == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}
	if b.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.batches[b.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "批次 ID 已存在")
	}

	now := time.Now().Unix()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.batches[b.ID] = cloneBatch(b)
	return nil
}

// GetBatch 返回批次及其条目。
func (m *MemoryStore) GetBatch(_ context.Context, id string) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	return cloneBatch(b), nil
}

// FindCollecting 返回最早创建的 COLLECTING 批次。
func (m *MemoryStore) FindCollecting(_ context.Context, batchType Type, strategy Strategy) (*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidate *Batch
	for _, b := range m.batches {
		if b.Status != StatusCollecting || b.Type != batchType || b.Strategy != strategy {
			continue
		}
		if candidate == nil || b.CreatedAt < candidate.CreatedAt ||
			(b.CreatedAt == candidate.CreatedAt && b.ID < candidate.ID) {
			candidate = b
		}
	}
	if candidate == nil {
		return nil, ErrBatchNotFound
	}
	return cloneBatch(candidate), nil
}

// AppendItem 向 COLLECTING 批次追加条目。
// 条目上限检查与序号分配在同一临界区内完成：批次已满时返回
// ErrBatchStateConflict，追加成功时把分配的序号回写到 item。
func (m *MemoryStore) AppendItem(_ context.Context, batchID string, item *Item) error {
	if item == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "item 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != StatusCollecting {
		return ErrBatchStateConflict
	}
	if b.MaxSize > 0 && len(b.Items) >= b.MaxSize {
		return ErrBatchStateConflict
	}

	clone := cloneItem(item)
	clone.BatchID = batchID
	clone.Sequence = len(b.Items)
	b.Items = append(b.Items, clone)
	b.UpdatedAt = time.Now().Unix()

	item.BatchID = clone.BatchID
	item.Sequence = clone.Sequence
	return nil
}

// MarkReady 将 COLLECTING 批次置为 READY。
func (m *MemoryStore) MarkReady(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	if b.Status != StatusCollecting {
		return ErrBatchStateConflict
	}
	now := time.Now().Unix()
	b.Status = StatusReady
	b.ReadyAt = now
	b.UpdatedAt = now
	return nil
}

// BeginExecution 将 COLLECTING/READY 批次置为 EXECUTING。
func (m *MemoryStore) BeginExecution(_ context.Context, id string) (*Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return nil, ErrBatchNotFound
	}
	if b.Status != StatusCollecting && b.Status != StatusReady {
		return cloneBatch(b), ErrBatchStateConflict
	}
	b.Status = StatusExecuting
	b.UpdatedAt = time.Now().Unix()
	return cloneBatch(b), nil
}

// FinishExecution 回写批次执行结果。
func (m *MemoryStore) FinishExecution(_ context.Context, result *Batch) error {
	if result == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[result.ID]
	if !ok {
		return ErrBatchNotFound
	}
	now := time.Now().Unix()
	b.Status = result.Status
	b.TxHash = result.TxHash
	b.GasUsed = result.GasUsed
	b.GasSaved = result.GasSaved
	b.SuccessCount = result.SuccessCount
	b.FailureCount = result.FailureCount
	b.LastError = result.LastError
	b.ExecutedAt = result.ExecutedAt
	b.UpdatedAt = now

	byID := make(map[string]*Item, len(result.Items))
	for _, item := range result.Items {
		byID[item.ID] = item
	}
	for i, existing := range b.Items {
		if updated, ok := byID[existing.ID]; ok {
			b.Items[i] = cloneItem(updated)
		}
	}
	return nil
}

// Cancel 取消尚未执行的批次。
func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[id]
	if !ok {
		return ErrBatchNotFound
	}
	switch b.Status {
	case StatusPending, StatusCollecting, StatusReady:
		b.Status = StatusCancelled
		b.UpdatedAt = time.Now().Unix()
		return nil
	default:
		return ErrBatchStateConflict
	}
}

// ListPending 返回 COLLECTING/READY 批次，按创建时间升序。
func (m *MemoryStore) ListPending(_ context.Context, strategy Strategy) ([]*Batch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Batch
	for _, b := range m.batches {
		if b.Status != StatusCollecting && b.Status != StatusReady {
			continue
		}
		if strategy != "" && b.Strategy != strategy {
			continue
		}
		result = append(result, cloneBatch(b))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt == result[j].CreatedAt {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt < result[j].CreatedAt
	})
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
