package deposit

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	cerrors "Citadel-Core/internal/errors"
)

// MySQLStore 使用 MySQL 持久化入金台账。金额以字符串列存储，
// 避免浮点列的精度损失。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQL 台账并初始化表结构。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, cerrors.New(cerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS deposits (
        tx_hash VARCHAR(128) PRIMARY KEY,
        from_address VARCHAR(64) NOT NULL,
        to_address VARCHAR(64) NOT NULL,
        amount VARCHAR(64) NOT NULL,
        asset VARCHAR(32) NOT NULL,
        chain VARCHAR(64) NOT NULL,
        block_number BIGINT UNSIGNED NOT NULL DEFAULT 0,
        status VARCHAR(16) NOT NULL,
        user_id VARCHAR(128) DEFAULT '',
        reward VARCHAR(64) DEFAULT '0',
        sweep_tx_hash VARCHAR(128) DEFAULT '',
        failure_reason TEXT,
        detected_at BIGINT NOT NULL,
        settled_at BIGINT NOT NULL DEFAULT 0,
        INDEX idx_deposit_user (user_id),
        INDEX idx_deposit_status (status)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return cerrors.Wrap(cerrors.CodeStorageFailure, err, "初始化 deposits 表失败")
	}
	return nil
}

// Save 保存或更新一笔入金。
func (s *MySQLStore) Save(ctx context.Context, d *Deposit) error {
	if d == nil || d.TxHash == "" {
		return cerrors.New(cerrors.CodeInvalidArgument, "入金缺少交易哈希")
	}

	var settledAt int64
	if !d.SettledAt.IsZero() {
		settledAt = d.SettledAt.Unix()
	}

	const stmt = `INSERT INTO deposits
        (tx_hash, from_address, to_address, amount, asset, chain, block_number,
         status, user_id, reward, sweep_tx_hash, failure_reason, detected_at, settled_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE
         status = VALUES(status), user_id = VALUES(user_id), reward = VALUES(reward),
         sweep_tx_hash = VALUES(sweep_tx_hash), failure_reason = VALUES(failure_reason),
         settled_at = VALUES(settled_at)`

	_, err := s.db.ExecContext(ctx, stmt,
		d.TxHash, d.FromAddress, d.ToAddress, d.Amount.String(), d.Asset, d.Chain,
		d.BlockNumber, string(d.Status), d.UserID, d.Reward.String(),
		d.SweepTxHash, d.FailureReason, d.DetectedAt.Unix(), settledAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return cerrors.New(cerrors.CodeConflict, "入金记录写入冲突")
		}
		return cerrors.Wrap(cerrors.CodeStorageFailure, err, "保存入金失败")
	}
	return nil
}

const depositColumns = `tx_hash, from_address, to_address, amount, asset, chain,
        block_number, status, user_id, reward, sweep_tx_hash, failure_reason,
        detected_at, settled_at`

// Get 按交易哈希取回入金。
func (s *MySQLStore) Get(ctx context.Context, txHash string) (*Deposit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE tx_hash = ?`, txHash)
	d, err := scanDeposit(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, cerrors.New(cerrors.CodeNotFound, "入金不存在")
		}
		return nil, err
	}
	return d, nil
}

// ListByUser 返回某用户的全部入金，按检测时间排序。
func (s *MySQLStore) ListByUser(ctx context.Context, userID string) ([]*Deposit, error) {
	return s.list(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE user_id = ? ORDER BY detected_at`, userID)
}

// ListByStatus 返回处于指定状态的全部入金。
func (s *MySQLStore) ListByStatus(ctx context.Context, status Status) ([]*Deposit, error) {
	return s.list(ctx,
		`SELECT `+depositColumns+` FROM deposits WHERE status = ? ORDER BY detected_at`, string(status))
}

func (s *MySQLStore) list(ctx context.Context, query string, arg any) ([]*Deposit, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "查询入金失败")
	}
	defer rows.Close()

	var out []*Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "遍历入金失败")
	}
	return out, nil
}

// Close 释放数据库连接池。
func (s *MySQLStore) Close() error { return s.db.Close() }

type depositScanner interface {
	Scan(dest ...any) error
}

func scanDeposit(row depositScanner) (*Deposit, error) {
	var (
		d          Deposit
		amount     string
		reward     string
		status     string
		detectedAt int64
		settledAt  int64
	)
	if err := row.Scan(&d.TxHash, &d.FromAddress, &d.ToAddress, &amount, &d.Asset,
		&d.Chain, &d.BlockNumber, &status, &d.UserID, &reward,
		&d.SweepTxHash, &d.FailureReason, &detectedAt, &settledAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "读取入金失败")
	}

	parsedAmount, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "入金金额列损坏")
	}
	parsedReward, err := decimal.NewFromString(reward)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "入金返利列损坏")
	}

	d.Amount = parsedAmount
	d.Reward = parsedReward
	d.Status = Status(status)
	d.DetectedAt = time.Unix(detectedAt, 0).UTC()
	if settledAt > 0 {
		d.SettledAt = time.Unix(settledAt, 0).UTC()
	}
	return &d, nil
}
