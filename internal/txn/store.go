package txn

import "context"

// Store 抽象了交易账本的持久化接口。
//
// 实现必须保证幂等键的唯一性约束在存储层生效（唯一索引或等价的
// 原子比较写入），两个并发的同键创建只会有一个成功，另一个收到
// ErrIdempotencyConflict。
type Store interface {
	// CreateTransaction 原子地写入交易及其全部腿。
	CreateTransaction(ctx context.Context, txn *Transaction) error
	// GetTransaction 返回交易本身，不包含腿。
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// GetTransactionByKey 按幂等键查找交易。
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	// Legs 返回交易的全部腿，按 Sequence 升序。
	Legs(ctx context.Context, transactionID string) ([]*Leg, error)
	// BeginExecution 以比较交换的方式将 PENDING 交易置为 EXECUTING。
	// 交易不存在返回 ErrTxnNotFound；状态不是 PENDING 返回 ErrTxnStateConflict。
	BeginExecution(ctx context.Context, id string) (*Transaction, error)
	// SetStatus 更新交易状态与错误信息；终态同时落 CompletedAt。
	SetStatus(ctx context.Context, id string, status Status, lastError string) error
	// UpdateLeg 回写一条腿的最新状态。
	UpdateLeg(ctx context.Context, leg *Leg) error
	// Cancel 以比较交换的方式取消 PENDING/PREPARING 交易。
	Cancel(ctx context.Context, id string) error
	// AppendAudit 追加一条审计记录。审计记录一经写入不可修改。
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	// ListAudit 按过滤条件返回审计记录，按写入时间升序。
	ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error)
	// List 返回符合过滤条件的交易列表。
	List(ctx context.Context, opts ListOptions) ([]*Transaction, error)
	// Stats 返回符合过滤条件的交易统计信息。
	Stats(ctx context.Context, opts ListOptions) (TransactionStats, error)
	Close() error
}

// AuditFilter 控制审计记录的查询范围。
type AuditFilter struct {
	TransactionID string
	LegID         string
	BatchID       string
	EventType     string
	CreatedGTE    int64
	CreatedLTE    int64
	Limit         int
}

func (f *AuditFilter) applyDefaults() {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	if f.Limit > 1000 {
		f.Limit = 1000
	}
}
