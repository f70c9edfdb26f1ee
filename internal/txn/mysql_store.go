package txn

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录交易账本。
// 幂等键的唯一性由 transactions.idempotency_key 上的唯一索引保证，
// 重复写入由 MySQL 1062 错误转换为 ErrIdempotencyConflict。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的数据库连接创建 MySQLStore。
// 表结构由 deploy/migrations 中的迁移文件负责建立。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const legColumns = `id, transaction_id, leg_type, status, sequence, target, call_data,
        amount_in, amount_out, token_in, token_out, tx_hash, gas_used,
        requires_compensation, compensation_leg_id, last_error, executed_at, compensated_at`

const txnColumns = `id, idempotency_key, txn_type, initiator, status, tx_hash, last_error,
        metadata, deadline, created_at, started_at, completed_at, updated_at`

// CreateTransaction 在一个数据库事务内原子地写入交易及其全部腿。
func (s *MySQLStore) CreateTransaction(ctx context.Context, transaction *Transaction) error {
	if transaction == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "transaction 不能为空")
	}
	if strings.TrimSpace(transaction.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}

	now := time.Now().Unix()
	if transaction.CreatedAt == 0 {
		transaction.CreatedAt = now
	}
	transaction.UpdatedAt = now

	metadataValue, err := marshalJSONColumn(transaction.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易 metadata 失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启写入事务失败")
	}

	const insertTxn = `INSERT INTO transactions
        (id, idempotency_key, txn_type, initiator, status, tx_hash, last_error, metadata, deadline, created_at, started_at, completed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, '', '', ?, ?, ?, 0, 0, ?)`

	if _, err := tx.ExecContext(ctx, insertTxn,
		transaction.ID,
		nullableString(transaction.IdempotencyKey),
		transaction.Type,
		transaction.Initiator,
		transaction.Status,
		metadataValue,
		transaction.Deadline,
		transaction.CreatedAt,
		transaction.UpdatedAt,
	); err != nil {
		tx.Rollback()
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrIdempotencyConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易失败")
	}

	const insertLeg = `INSERT INTO transaction_legs
        (id, transaction_id, leg_type, status, sequence, target, call_data, amount_in, amount_out, token_in, token_out, tx_hash, gas_used, requires_compensation, compensation_leg_id, last_error, executed_at, compensated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', 0, ?, '', '', 0, 0)`

	for _, leg := range transaction.Legs {
		if _, err := tx.ExecContext(ctx, insertLeg,
			leg.ID,
			transaction.ID,
			leg.Type,
			leg.Status,
			leg.Sequence,
			leg.Target,
			leg.CallData,
			leg.AmountIn,
			leg.AmountOut,
			leg.TokenIn,
			leg.TokenOut,
			leg.RequiresCompensation,
		); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易腿失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交写入事务失败")
	}
	return nil
}

// GetTransaction 查询指定交易。
func (s *MySQLStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE id = ?`
	return s.scanTransaction(s.db.QueryRowContext(ctx, query, id))
}

// GetTransactionByKey 按幂等键查找交易。
func (s *MySQLStore) GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM transactions WHERE idempotency_key = ?`
	return s.scanTransaction(s.db.QueryRowContext(ctx, query, idempotencyKey))
}

func (s *MySQLStore) scanTransaction(row *sql.Row) (*Transaction, error) {
	var transaction Transaction
	var key sql.NullString
	var metadata sql.NullString

	if err := row.Scan(
		&transaction.ID,
		&key,
		&transaction.Type,
		&transaction.Initiator,
		&transaction.Status,
		&transaction.TxHash,
		&transaction.LastError,
		&metadata,
		&transaction.Deadline,
		&transaction.CreatedAt,
		&transaction.StartedAt,
		&transaction.CompletedAt,
		&transaction.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTxnNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	if key.Valid {
		transaction.IdempotencyKey = key.String
	}
	decoded, err := unmarshalJSONColumn(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易 metadata 失败")
	}
	transaction.Metadata = decoded
	return &transaction, nil
}

// Legs 返回交易的全部腿，按 Sequence 升序。
func (s *MySQLStore) Legs(ctx context.Context, transactionID string) ([]*Leg, error) {
	if _, err := s.GetTransaction(ctx, transactionID); err != nil {
		return nil, err
	}

	query := `SELECT ` + legColumns + ` FROM transaction_legs WHERE transaction_id = ? ORDER BY sequence ASC`
	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易腿失败")
	}
	defer rows.Close()

	var legs []*Leg
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易腿失败")
	}
	return legs, nil
}

func scanLeg(rows *sql.Rows) (*Leg, error) {
	var leg Leg
	var amountIn, amountOut decimal.Decimal
	if err := rows.Scan(
		&leg.ID,
		&leg.TransactionID,
		&leg.Type,
		&leg.Status,
		&leg.Sequence,
		&leg.Target,
		&leg.CallData,
		&amountIn,
		&amountOut,
		&leg.TokenIn,
		&leg.TokenOut,
		&leg.TxHash,
		&leg.GasUsed,
		&leg.RequiresCompensation,
		&leg.CompensationLegID,
		&leg.LastError,
		&leg.ExecutedAt,
		&leg.CompensatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易腿失败")
	}
	leg.AmountIn = amountIn
	leg.AmountOut = amountOut
	return &leg, nil
}

// BeginExecution 以比较交换的方式将 PENDING 交易置为 EXECUTING。
func (s *MySQLStore) BeginExecution(ctx context.Context, id string) (*Transaction, error) {
	const stmt = `UPDATE transactions SET status = ?, started_at = ?, updated_at = ?
        WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusExecuting, now, now, id, StatusPending)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		transaction, getErr := s.GetTransaction(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return transaction, ErrTxnStateConflict
	}
	return s.GetTransaction(ctx, id)
}

// SetStatus 更新交易状态与错误信息。
func (s *MySQLStore) SetStatus(ctx context.Context, id string, status Status, lastError string) error {
	if !IsValidStatus(status) {
		return xerrors.New(xerrors.CodeInvalidArgument, "不支持的交易状态")
	}

	now := time.Now().Unix()
	completedAt := int64(0)
	if status.IsTerminal() {
		completedAt = now
	}

	const stmt = `UPDATE transactions SET status = ?, last_error = ?, updated_at = ?,
        completed_at = CASE WHEN ? > 0 THEN ? ELSE completed_at END WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, status, lastError, now, completedAt, completedAt, id)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTxnNotFound
	}
	return nil
}

// UpdateLeg 回写一条腿的最新状态。
func (s *MySQLStore) UpdateLeg(ctx context.Context, leg *Leg) error {
	if leg == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "leg 不能为空")
	}

	const stmt = `UPDATE transaction_legs SET status = ?, amount_out = ?, tx_hash = ?, gas_used = ?,
        compensation_leg_id = ?, last_error = ?, executed_at = ?, compensated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		leg.Status,
		leg.AmountOut,
		leg.TxHash,
		leg.GasUsed,
		leg.CompensationLegID,
		leg.LastError,
		leg.ExecutedAt,
		leg.CompensatedAt,
		leg.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易腿失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrLegNotFound
	}
	return nil
}

// Cancel 以比较交换的方式取消尚未开始执行的交易。
func (s *MySQLStore) Cancel(ctx context.Context, id string) error {
	const stmt = `UPDATE transactions SET status = ?, updated_at = ?, completed_at = ?
        WHERE id = ? AND status IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusCancelled, now, now, id, StatusPending, StatusPreparing)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetTransaction(ctx, id); getErr != nil {
			return getErr
		}
		return ErrTxnStateConflict
	}

	const cancelLegs = `UPDATE transaction_legs SET status = ? WHERE transaction_id = ? AND status = ?`
	if _, err := s.db.ExecContext(ctx, cancelLegs, LegStatusCancelled, id, LegStatusPending); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消交易腿失败")
	}
	return nil
}

// AppendAudit 追加一条审计记录。
func (s *MySQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "audit entry 不能为空")
	}

	eventData, err := marshalJSONColumn(entry.EventData)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码审计数据失败")
	}

	const stmt = `INSERT INTO audit_logs
        (id, transaction_id, leg_id, batch_id, event_type, event_data, actor, actor_type, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.TransactionID,
		entry.LegID,
		entry.BatchID,
		entry.EventType,
		eventData,
		entry.Actor,
		entry.ActorType,
		entry.CreatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入审计记录失败")
	}
	return nil
}

// ListAudit 按过滤条件返回审计记录。
func (s *MySQLStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	filter.applyDefaults()

	query := `SELECT id, transaction_id, leg_id, batch_id, event_type, event_data, actor, actor_type, created_at FROM audit_logs`

	conditions := make([]string, 0, 5)
	args := make([]any, 0, 6)
	if filter.TransactionID != "" {
		conditions = append(conditions, "transaction_id = ?")
		args = append(args, filter.TransactionID)
	}
	if filter.LegID != "" {
		conditions = append(conditions, "leg_id = ?")
		args = append(args, filter.LegID)
	}
	if filter.BatchID != "" {
		conditions = append(conditions, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if filter.EventType != "" {
		conditions = append(conditions, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.CreatedGTE > 0 {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, filter.CreatedGTE)
	}
	if filter.CreatedLTE > 0 {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, filter.CreatedLTE)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC LIMIT ?"
	args = append(args, filter.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询审计记录失败")
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var eventData sql.NullString
		if err := rows.Scan(
			&entry.ID,
			&entry.TransactionID,
			&entry.LegID,
			&entry.BatchID,
			&entry.EventType,
			&eventData,
			&entry.Actor,
			&entry.ActorType,
			&entry.CreatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计记录失败")
		}
		decoded, err := unmarshalJSONColumn(eventData)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析审计数据失败")
		}
		entry.EventData = decoded
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历审计记录失败")
	}
	return entries, nil
}

// List 返回符合过滤条件的交易列表。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Transaction, error) {
	opts.applyDefaults()

	query := `SELECT ` + txnColumns + ` FROM transactions`

	clause, filterArgs := buildTxnFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易列表失败")
	}
	defer rows.Close()

	transactions := make([]*Transaction, 0, opts.Limit)
	for rows.Next() {
		var transaction Transaction
		var key sql.NullString
		var metadata sql.NullString
		if err := rows.Scan(
			&transaction.ID,
			&key,
			&transaction.Type,
			&transaction.Initiator,
			&transaction.Status,
			&transaction.TxHash,
			&transaction.LastError,
			&metadata,
			&transaction.Deadline,
			&transaction.CreatedAt,
			&transaction.StartedAt,
			&transaction.CompletedAt,
			&transaction.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易记录失败")
		}
		if key.Valid {
			transaction.IdempotencyKey = key.String
		}
		decoded, err := unmarshalJSONColumn(metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易列表 metadata 失败")
		}
		transaction.Metadata = decoded
		transactionCopy := transaction
		transactions = append(transactions, &transactionCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易失败")
	}
	return transactions, nil
}

// Stats 返回符合过滤条件的交易聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TransactionStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END) AS pending,
        SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END) AS executing,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS completed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS partially_failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS compensated,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed,
        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS cancelled,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM transactions`

	clause, filterArgs := buildTxnFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending), string(StatusPreparing),
		string(StatusExecuting), string(StatusCompensating),
		string(StatusCompleted),
		string(StatusPartiallyFailed),
		string(StatusCompensated),
		string(StatusFailed),
		string(StatusCancelled),
	}
	args = append(args, filterArgs...)

	row := s.db.QueryRowContext(ctx, query, args...)

	var stats TransactionStats
	if err := row.Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Executing,
		&stats.Completed,
		&stats.PartiallyFailed,
		&stats.Compensated,
		&stats.Failed,
		&stats.Cancelled,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TransactionStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func buildTxnFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for range opts.Statuses {
			placeholders = append(placeholders, "?")
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
		for _, status := range opts.Statuses {
			args = append(args, status)
		}
	}
	if opts.Initiator != "" {
		conditions = append(conditions, "initiator = ?")
		args = append(args, opts.Initiator)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func nullableString(value string) sql.NullString {
	if strings.TrimSpace(value) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func marshalJSONColumn(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalJSONColumn(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal([]byte(raw.String), &data); err != nil {
		return nil, err
	}
	return data, nil
}

var _ Store = (*MySQLStore)(nil)
