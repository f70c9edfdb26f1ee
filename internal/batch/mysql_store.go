package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "OpenDEX-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 记录批次账本。
// AppendItem 借助基于状态的条件更新保证只有 COLLECTING 批次接收条目。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已建立的数据库连接创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const batchColumns = `id, batch_type, strategy, status, max_size, time_window_seconds, deadline,
        tx_hash, gas_used, gas_saved, success_count, failure_count, last_error, metadata,
        created_at, ready_at, executed_at, updated_at`

// CreateBatch 原子地写入批次及其已有条目。
func (s *MySQLStore) CreateBatch(ctx context.Context, b *Batch) error {
	if b == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}
	if strings.TrimSpace(b.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "批次 ID 不能为空")
	}

	now := time.Now().Unix()
	if b.CreatedAt == 0 {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	metadataValue, err := marshalBatchMetadata(b.Metadata)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码批次 metadata 失败")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启写入事务失败")
	}

	const insertBatch = `INSERT INTO batches
        (id, batch_type, strategy, status, max_size, time_window_seconds, deadline, tx_hash, gas_used, gas_saved, success_count, failure_count, last_error, metadata, created_at, ready_at, executed_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', 0, 0, 0, 0, '', ?, ?, 0, 0, ?)`

	if _, err := tx.ExecContext(ctx, insertBatch,
		b.ID, b.Type, b.Strategy, b.Status, b.MaxSize, b.TimeWindowSeconds, b.Deadline,
		metadataValue, b.CreatedAt, b.UpdatedAt,
	); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入批次失败")
	}

	for _, item := range b.Items {
		if err := insertItemTx(ctx, tx, b.ID, item); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交写入事务失败")
	}
	return nil
}

func insertItemTx(ctx context.Context, tx *sql.Tx, batchID string, item *Item) error {
	const insertItem = `INSERT INTO batch_items
        (id, batch_id, transaction_id, leg_id, sequence, success, last_error, executed_at)
        VALUES (?, ?, ?, ?, ?, ?, '', 0)`
	if _, err := tx.ExecContext(ctx, insertItem,
		item.ID, batchID, item.TransactionID, item.LegID, item.Sequence, item.Success,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入批次条目失败")
	}
	return nil
}

// GetBatch 返回批次及其条目。
func (s *MySQLStore) GetBatch(ctx context.Context, id string) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = ?`
	b, err := scanBatchRow(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	items, err := s.loadItems(ctx, id)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return b, nil
}

func scanBatchRow(row *sql.Row) (*Batch, error) {
	var b Batch
	var metadata sql.NullString
	if err := row.Scan(
		&b.ID, &b.Type, &b.Strategy, &b.Status, &b.MaxSize, &b.TimeWindowSeconds, &b.Deadline,
		&b.TxHash, &b.GasUsed, &b.GasSaved, &b.SuccessCount, &b.FailureCount, &b.LastError, &metadata,
		&b.CreatedAt, &b.ReadyAt, &b.ExecutedAt, &b.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrBatchNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次失败")
	}
	decoded, err := unmarshalBatchMetadata(metadata)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次 metadata 失败")
	}
	b.Metadata = decoded
	return &b, nil
}

func (s *MySQLStore) loadItems(ctx context.Context, batchID string) ([]*Item, error) {
	const query = `SELECT id, batch_id, transaction_id, leg_id, sequence, success, last_error, executed_at
        FROM batch_items WHERE batch_id = ? ORDER BY sequence ASC`

	rows, err := s.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询批次条目失败")
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(
			&item.ID, &item.BatchID, &item.TransactionID, &item.LegID,
			&item.Sequence, &item.Success, &item.LastError, &item.ExecutedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次条目失败")
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历批次条目失败")
	}
	return items, nil
}

// FindCollecting 返回最早创建的 COLLECTING 批次。
func (s *MySQLStore) FindCollecting(ctx context.Context, batchType Type, strategy Strategy) (*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches
        WHERE status = ? AND batch_type = ? AND strategy = ?
        ORDER BY created_at ASC, id ASC LIMIT 1`

	b, err := scanBatchRow(s.db.QueryRowContext(ctx, query, StatusCollecting, batchType, strategy))
	if err != nil {
		return nil, err
	}
	items, err := s.loadItems(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	b.Items = items
	return b, nil
}

// AppendItem 向 COLLECTING 批次追加条目。
// 先以条件更新占位批次的 updated_at，条件包含状态与条目上限：
// 影响行数为零说明批次已封口或已满。批次行锁使并发追加串行化，
// 之后在同一事务内按当前条目数分配序号。
func (s *MySQLStore) AppendItem(ctx context.Context, batchID string, item *Item) error {
	if item == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "item 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启写入事务失败")
	}

	const guard = `UPDATE batches SET updated_at = ? WHERE id = ? AND status = ?
        AND (max_size <= 0 OR (SELECT COUNT(*) FROM batch_items WHERE batch_id = ?) < max_size)`
	res, err := tx.ExecContext(ctx, guard, time.Now().Unix(), batchID, StatusCollecting, batchID)
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定批次失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		tx.Rollback()
		if _, getErr := s.GetBatch(ctx, batchID); getErr != nil {
			return getErr
		}
		return ErrBatchStateConflict
	}

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_items WHERE batch_id = ?`, batchID).Scan(&count); err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "统计批次条目失败")
	}

	item.BatchID = batchID
	item.Sequence = count
	if err := insertItemTx(ctx, tx, batchID, item); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交写入事务失败")
	}
	return nil
}

// MarkReady 将 COLLECTING 批次置为 READY。
func (s *MySQLStore) MarkReady(ctx context.Context, id string) error {
	const stmt = `UPDATE batches SET status = ?, ready_at = ?, updated_at = ? WHERE id = ? AND status = ?`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusReady, now, now, id, StatusCollecting)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetBatch(ctx, id); getErr != nil {
			return getErr
		}
		return ErrBatchStateConflict
	}
	return nil
}

// BeginExecution 将 COLLECTING/READY 批次置为 EXECUTING。
func (s *MySQLStore) BeginExecution(ctx context.Context, id string) (*Batch, error) {
	const stmt = `UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`

	now := time.Now().Unix()
	res, err := s.db.ExecContext(ctx, stmt, StatusExecuting, now, id, StatusCollecting, StatusReady)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新批次状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		b, getErr := s.GetBatch(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return b, ErrBatchStateConflict
	}
	return s.GetBatch(ctx, id)
}

// FinishExecution 回写批次执行结果。
func (s *MySQLStore) FinishExecution(ctx context.Context, b *Batch) error {
	if b == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "batch 不能为空")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启写入事务失败")
	}

	const updateBatch = `UPDATE batches SET status = ?, tx_hash = ?, gas_used = ?, gas_saved = ?,
        success_count = ?, failure_count = ?, last_error = ?, executed_at = ?, updated_at = ? WHERE id = ?`

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, updateBatch,
		b.Status, b.TxHash, b.GasUsed, b.GasSaved,
		b.SuccessCount, b.FailureCount, b.LastError, b.ExecutedAt, now, b.ID,
	)
	if err != nil {
		tx.Rollback()
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写批次结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		tx.Rollback()
		return ErrBatchNotFound
	}

	const updateItem = `UPDATE batch_items SET success = ?, last_error = ?, executed_at = ? WHERE id = ?`
	for _, item := range b.Items {
		if _, err := tx.ExecContext(ctx, updateItem, item.Success, item.LastError, item.ExecutedAt, item.ID); err != nil {
			tx.Rollback()
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写批次条目失败")
		}
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交写入事务失败")
	}
	return nil
}

// Cancel 取消尚未执行的批次。
func (s *MySQLStore) Cancel(ctx context.Context, id string) error {
	const stmt = `UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?, ?)`

	res, err := s.db.ExecContext(ctx, stmt, StatusCancelled, time.Now().Unix(), id,
		StatusPending, StatusCollecting, StatusReady)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "取消批次失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, getErr := s.GetBatch(ctx, id); getErr != nil {
			return getErr
		}
		return ErrBatchStateConflict
	}
	return nil
}

// ListPending 返回 COLLECTING/READY 批次，按创建时间升序。
func (s *MySQLStore) ListPending(ctx context.Context, strategy Strategy) ([]*Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE status IN (?, ?)`
	args := []any{StatusCollecting, StatusReady}
	if strategy != "" {
		query += " AND strategy = ?"
		args = append(args, strategy)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询待处理批次失败")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		var b Batch
		var metadata sql.NullString
		if err := rows.Scan(
			&b.ID, &b.Type, &b.Strategy, &b.Status, &b.MaxSize, &b.TimeWindowSeconds, &b.Deadline,
			&b.TxHash, &b.GasUsed, &b.GasSaved, &b.SuccessCount, &b.FailureCount, &b.LastError, &metadata,
			&b.CreatedAt, &b.ReadyAt, &b.ExecutedAt, &b.UpdatedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次记录失败")
		}
		decoded, err := unmarshalBatchMetadata(metadata)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析批次 metadata 失败")
		}
		b.Metadata = decoded
		batchCopy := b
		batches = append(batches, &batchCopy)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历批次失败")
	}

	for _, b := range batches {
		items, err := s.loadItems(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		b.Items = items
	}
	return batches, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalBatchMetadata(data map[string]any) (sql.NullString, error) {
	if len(data) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(data)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalBatchMetadata(raw sql.NullString) (map[string]any, error) {
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
