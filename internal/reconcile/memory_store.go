package reconcile

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenDEX-Chain/internal/errors"
)

// MemoryStore 以内存方式保存对账记录，主要用于测试。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// CreateRecord 实现 Store 接口。
func (m *MemoryStore) CreateRecord(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "对账记录 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "对账记录 ID 已存在")
	}
	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// GetRecord 返回对账记录。
func (m *MemoryStore) GetRecord(_ context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return cloneRecord(record), nil
}

// UpdateRecord 回写对账记录。
func (m *MemoryStore) UpdateRecord(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.ID]; !ok {
		return ErrRecordNotFound
	}
	record.UpdatedAt = time.Now().Unix()
	m.records[record.ID] = cloneRecord(record)
	return nil
}

// ListByTransaction 返回某笔交易的全部对账记录。
func (m *MemoryStore) ListByTransaction(_ context.Context, transactionID string) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, record := range m.records {
		if record.TransactionID == transactionID {
			result = append(result, cloneRecord(record))
		}
	}
	sortRecords(result)
	return result, nil
}

// ListByStatus 返回指定状态的对账记录。
func (m *MemoryStore) ListByStatus(_ context.Context, status Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, record := range m.records {
		if record.Status == status {
			result = append(result, cloneRecord(record))
		}
	}
	sortRecords(result)
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func sortRecords(records []*Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt == records[j].CreatedAt {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt < records[j].CreatedAt
	})
}

var _ Store = (*MemoryStore)(nil)
