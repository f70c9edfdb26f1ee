package txn

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "OpenDEX-Chain/internal/errors"
)

// MemoryStore 以内存方式保存交易账本，主要用于测试。
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	legs         map[string][]*Leg
	byKey        map[string]string
	audits       []*AuditEntry
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		legs:         make(map[string][]*Leg),
		byKey:        make(map[string]string),
	}
}

// CreateTransaction 实现 Store 接口。
// byKey 索引在同一把锁下写入，模拟存储层的唯一约束。
func (m *MemoryStore) CreateTransaction(_ context.Context, transaction *Transaction) error {
	if transaction == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if transaction.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[transaction.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "交易 ID 已存在")
	}
	if transaction.IdempotencyKey != "" {
		if _, ok := m.byKey[transaction.IdempotencyKey]; ok {
			return ErrIdempotencyConflict
		}
	}

	now := time.Now().Unix()
	if transaction.CreatedAt == 0 {
		transaction.CreatedAt = now
	}
	transaction.UpdatedAt = now

	clone := cloneTransaction(transaction)
	legs := clone.Legs
	clone.Legs = nil
	m.transactions[transaction.ID] = clone
	m.legs[transaction.ID] = legs
	if transaction.IdempotencyKey != "" {
		m.byKey[transaction.IdempotencyKey] = transaction.ID
	}
	return nil
}

// GetTransaction 返回交易。
func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return cloneTransaction(transaction), nil
}

// GetTransactionByKey 按幂等键查找交易。
func (m *MemoryStore) GetTransactionByKey(_ context.Context, idempotencyKey string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byKey[idempotencyKey]
	if !ok {
		return nil, ErrTxnNotFound
	}
	transaction, ok := m.transactions[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	return cloneTransaction(transaction), nil
}

// Legs 返回交易的全部腿，按 Sequence 升序。
func (m *MemoryStore) Legs(_ context.Context, transactionID string) ([]*Leg, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.transactions[transactionID]; !ok {
		return nil, ErrTxnNotFound
	}
	legs := m.legs[transactionID]
	result := make([]*Leg, len(legs))
	for i, leg := range legs {
		result[i] = cloneLeg(leg)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// BeginExecution 将 PENDING 交易置为 EXECUTING。
func (m *MemoryStore) BeginExecution(_ context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return nil, ErrTxnNotFound
	}
	if transaction.Status != StatusPending {
		return cloneTransaction(transaction), ErrTxnStateConflict
	}
	now := time.Now().Unix()
	transaction.Status = StatusExecuting
	transaction.StartedAt = now
	transaction.UpdatedAt = now
	return cloneTransaction(transaction), nil
}

// SetStatus 更新交易状态。
func (m *MemoryStore) SetStatus(_ context.Context, id string, status Status, lastError string) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的交易状态")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return ErrTxnNotFound
	}
	now := time.Now().Unix()
	transaction.Status = status
	transaction.LastError = lastError
	transaction.UpdatedAt = now
	if status.IsTerminal() {
		transaction.CompletedAt = now
	}
	return nil
}

// UpdateLeg 回写一条腿的最新状态。
func (m *MemoryStore) UpdateLeg(_ context.Context, leg *Leg) error {
	if leg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "leg 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	legs, ok := m.legs[leg.TransactionID]
	if !ok {
		return ErrTxnNotFound
	}
	for i, existing := range legs {
		if existing.ID == leg.ID {
			legs[i] = cloneLeg(leg)
			return nil
		}
	}
	return ErrLegNotFound
}

// Cancel 取消尚未开始执行的交易。
func (m *MemoryStore) Cancel(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	transaction, ok := m.transactions[id]
	if !ok {
		return ErrTxnNotFound
	}
	if transaction.Status != StatusPending && transaction.Status != StatusPreparing {
		return ErrTxnStateConflict
	}
	now := time.Now().Unix()
	transaction.Status = StatusCancelled
	transaction.UpdatedAt = now
	transaction.CompletedAt = now
	for _, leg := range m.legs[id] {
		if leg.Status == LegStatusPending {
			leg.Status = LegStatusCancelled
		}
	}
	return nil
}

// AppendAudit 追加审计记录。
func (m *MemoryStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "audit entry 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	clone.EventData = cloneMetadata(entry.EventData)
	m.audits = append(m.audits, &clone)
	return nil
}

// ListAudit 按过滤条件返回审计记录。
func (m *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	filter.applyDefaults()

	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*AuditEntry, 0, filter.Limit)
	for _, entry := range m.audits {
		if !matchesAuditFilter(entry, filter) {
			continue
		}
		clone := *entry
		clone.EventData = cloneMetadata(entry.EventData)
		result = append(result, &clone)
		if len(result) >= filter.Limit {
			break
		}
	}
	return result, nil
}

// List 返回符合过滤条件的交易列表。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Transaction, 0, len(m.transactions))
	for _, transaction := range m.transactions {
		if !matchesListFilters(transaction, opts) {
			continue
		}
		results = append(results, cloneTransaction(transaction))
	}

	sort.Slice(results, func(i, j int) bool {
		if opts.Order == SortByUpdatedAsc {
			if results[i].UpdatedAt == results[j].UpdatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].UpdatedAt < results[j].UpdatedAt
		}
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return nil, nil
		}
		results = results[opts.Offset:]
	}
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Stats 统计符合过滤条件的交易数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (TransactionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := TransactionStats{}
	for _, transaction := range m.transactions {
		if !matchesListFilters(transaction, opts) {
			continue
		}
		stats.Total++
		switch transaction.Status {
		case StatusPending, StatusPreparing:
			stats.Pending++
		case StatusExecuting, StatusCompensating:
			stats.Executing++
		case StatusCompleted:
			stats.Completed++
		case StatusPartiallyFailed:
			stats.PartiallyFailed++
		case StatusCompensated:
			stats.Compensated++
		case StatusFailed:
			stats.Failed++
		case StatusCancelled:
			stats.Cancelled++
		}
		if transaction.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = transaction.UpdatedAt
		}
		if stats.OldestUpdatedAt == 0 || (transaction.UpdatedAt != 0 && transaction.UpdatedAt < stats.OldestUpdatedAt) {
			stats.OldestUpdatedAt = transaction.UpdatedAt
		}
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(transaction *Transaction, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if transaction.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.Initiator != "" && transaction.Initiator != opts.Initiator {
		return false
	}
	if opts.UpdatedGTE > 0 && transaction.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && transaction.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	return true
}

func matchesAuditFilter(entry *AuditEntry, filter AuditFilter) bool {
	if filter.TransactionID != "" && entry.TransactionID != filter.TransactionID {
		return false
	}
	if filter.LegID != "" && entry.LegID != filter.LegID {
		return false
	}
	if filter.BatchID != "" && entry.BatchID != filter.BatchID {
		return false
	}
	if filter.EventType != "" && entry.EventType != filter.EventType {
		return false
	}
	if filter.CreatedGTE > 0 && entry.CreatedAt < filter.CreatedGTE {
		return false
	}
	if filter.CreatedLTE > 0 && entry.CreatedAt > filter.CreatedLTE {
		return false
	}
	return true
}

var _ Store = (*MemoryStore)(nil)
