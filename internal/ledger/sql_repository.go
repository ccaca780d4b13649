package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLRepository 使用 MySQL 或 SQLite 存储支付记录。
type SQLRepository struct {
	db *sql.DB
}

// NewSQLRepository 创建连接池并执行迁移。
func NewSQLRepository(ctx context.Context, cfg SQLConfig) (*SQLRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// Save 将支付记录写入数据库。
func (s *SQLRepository) Save(ctx context.Context, record Record) error {
	const stmt = `INSERT INTO payments
        (id, conversation_id, endpoint_id, endpoint_name, tx_hash, amount, currency, network, payer, explorer_url, status, detail, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ID,
		record.ConversationID,
		record.EndpointID,
		record.EndpointName,
		record.TxHash,
		record.Amount,
		record.Currency,
		record.Network,
		record.Payer,
		record.ExplorerURL,
		string(record.Status),
		record.Detail,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入支付记录失败: %w", err)
	}
	return nil
}

// UpdateStatus 更新一条记录的状态。
func (s *SQLRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("更新支付状态失败: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListLatest 查询最近的若干条支付记录。
func (s *SQLRepository) ListLatest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, conversation_id, endpoint_id, endpoint_name, tx_hash, amount, currency, network, payer, explorer_url, status, detail, created_at
        FROM payments ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("查询支付记录失败: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			record Record
			status string
			detail sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.ConversationID, &record.EndpointID, &record.EndpointName,
			&record.TxHash, &record.Amount, &record.Currency, &record.Network, &record.Payer,
			&record.ExplorerURL, &status, &detail, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("解析支付记录失败: %w", err)
		}
		record.Status = Status(status)
		record.Detail = detail.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历支付记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
