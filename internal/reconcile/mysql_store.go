package reconcile

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "OpenDEX-Chain/internal/errors"
)

// MySQLStore 使用 MySQL 保存对账记录。
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

const recordColumns = `id, transaction_id, tx_hash, off_chain_amount, on_chain_amount,
        discrepancy, status, last_error, created_at, reconciled_at, updated_at`

// CreateRecord 写入一条新的对账记录。
func (s *MySQLStore) CreateRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "对账记录 ID 不能为空")
	}

	now := time.Now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO reconciliation_records
        (id, transaction_id, tx_hash, off_chain_amount, on_chain_amount, discrepancy, status, last_error, created_at, reconciled_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.TransactionID,
		record.TxHash,
		record.OffChainAmount,
		record.OnChainAmount,
		nullDecimalValue(record.Discrepancy),
		record.Status,
		record.LastError,
		record.CreatedAt,
		record.ReconciledAt,
		record.UpdatedAt,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入对账记录失败")
	}
	return nil
}

// GetRecord 返回对账记录。
func (s *MySQLStore) GetRecord(ctx context.Context, id string) (*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM reconciliation_records WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)

	record, err := scanRecord(row.Scan)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对账记录失败")
	}
	return record, nil
}

func scanRecord(scan func(dest ...any) error) (*Record, error) {
	var record Record
	var discrepancy sql.NullString
	if err := scan(
		&record.ID,
		&record.TransactionID,
		&record.TxHash,
		&record.OffChainAmount,
		&record.OnChainAmount,
		&discrepancy,
		&record.Status,
		&record.LastError,
		&record.CreatedAt,
		&record.ReconciledAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if discrepancy.Valid {
		value, err := decimal.NewFromString(discrepancy.String)
		if err != nil {
			return nil, err
		}
		record.Discrepancy = decimal.NullDecimal{Decimal: value, Valid: true}
	}
	return &record, nil
}

// UpdateRecord 回写对账记录的结论。
func (s *MySQLStore) UpdateRecord(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}

	const stmt = `UPDATE reconciliation_records SET tx_hash = ?, off_chain_amount = ?, on_chain_amount = ?,
        discrepancy = ?, status = ?, last_error = ?, reconciled_at = ?, updated_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		record.TxHash,
		record.OffChainAmount,
		record.OnChainAmount,
		nullDecimalValue(record.Discrepancy),
		record.Status,
		record.LastError,
		record.ReconciledAt,
		time.Now().Unix(),
		record.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "回写对账记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListByTransaction 返回某笔交易的全部对账记录。
func (s *MySQLStore) ListByTransaction(ctx context.Context, transactionID string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM reconciliation_records
        WHERE transaction_id = ? ORDER BY created_at ASC, id ASC`
	return s.queryRecords(ctx, query, transactionID)
}

// ListByStatus 返回指定状态的对账记录。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + recordColumns + ` FROM reconciliation_records
        WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`
	return s.queryRecords(ctx, query, status, limit)
}

func (s *MySQLStore) queryRecords(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询对账记录失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析对账记录失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历对账记录失败")
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nullDecimalValue(value decimal.NullDecimal) any {
	if !value.Valid {
		return nil
	}
	return value.Decimal
}

var _ Store = (*MySQLStore)(nil)
