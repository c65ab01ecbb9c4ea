package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	cerrors "Citadel-Core/internal/errors"
	"Citadel-Core/internal/hearing"
)

// MySQLHearingStore 使用 MySQL 记录听证底账。
// 阶段分段整体按 JSON 存储，顶层裁决字段单列以便检索。
type MySQLHearingStore struct {
	db *sql.DB
}

// NewMySQLHearingStore 创建 MySQL 审计存储并初始化表结构。
func NewMySQLHearingStore(dsn string) (*MySQLHearingStore, error) {
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

	store := &MySQLHearingStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLHearingStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS hearing_records (
        id VARCHAR(64) PRIMARY KEY,
        user_id VARCHAR(128) NOT NULL,
        intent TEXT NOT NULL,
        final_verdict VARCHAR(16) NOT NULL,
        final_reason TEXT,
        stages JSON,
        created_at BIGINT NOT NULL,
        INDEX idx_hearing_user (user_id),
        INDEX idx_hearing_created (created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return cerrors.Wrap(cerrors.CodeStorageFailure, err, "初始化 hearing_records 表失败")
	}
	return nil
}

// stagePayload 把五个阶段分段打包成一个 JSON 列。
type stagePayload struct {
	Perception *hearing.PerceptionOutput `json:"perception,omitempty"`
	Memory     *hearing.MemoryOutput     `json:"memory,omitempty"`
	Risk       *hearing.RiskOutput       `json:"risk,omitempty"`
	Strategy   *hearing.StrategyOutput   `json:"strategy,omitempty"`
	Execution  *hearing.ExecutionOutput  `json:"execution,omitempty"`
}

// SaveHearing 落库一条听证记录。主键冲突视为重复写入。
func (s *MySQLHearingStore) SaveHearing(ctx context.Context, record *hearing.Record) error {
	if record == nil || record.ID == "" {
		return cerrors.New(cerrors.CodeInvalidArgument, "听证记录为空")
	}

	stages, err := json.Marshal(stagePayload{
		Perception: record.Perception,
		Memory:     record.Memory,
		Risk:       record.Risk,
		Strategy:   record.Strategy,
		Execution:  record.Execution,
	})
	if err != nil {
		return cerrors.Wrap(cerrors.CodeInvalidArgument, err, "编码听证分段失败")
	}

	const stmt = `INSERT INTO hearing_records
        (id, user_id, intent, final_verdict, final_reason, stages, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		record.UserID,
		record.Intent,
		string(record.FinalVerdict),
		record.FinalReason,
		stages,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return cerrors.New(cerrors.CodeConflict, "听证记录已存在")
		}
		return cerrors.Wrap(cerrors.CodeStorageFailure, err, "插入听证记录失败")
	}
	return nil
}

// GetHearing 按 ID 查询听证记录。
func (s *MySQLHearingStore) GetHearing(ctx context.Context, id string) (*hearing.Record, error) {
	const stmt = `SELECT id, user_id, intent, final_verdict, final_reason, stages, created_at
        FROM hearing_records WHERE id = ?`

	record, err := scanHearing(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, cerrors.New(cerrors.CodeNotFound, "听证记录不存在")
		}
		return nil, err
	}
	return record, nil
}

// ListHearingsByUser 按用户检索听证记录，新的在前。
func (s *MySQLHearingStore) ListHearingsByUser(ctx context.Context, userID string, limit int) ([]*hearing.Record, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, user_id, intent, final_verdict, final_reason, stages, created_at
        FROM hearing_records`
	args := []any{}
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "查询听证记录失败")
	}
	defer rows.Close()

	var result []*hearing.Record
	for rows.Next() {
		record, err := scanHearing(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, record)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "遍历听证记录失败")
	}
	return result, nil
}

// Close 释放数据库连接池。
func (s *MySQLHearingStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHearing(row rowScanner) (*hearing.Record, error) {
	var (
		record    hearing.Record
		verdict   string
		stages    []byte
		createdAt int64
	)
	if err := row.Scan(&record.ID, &record.UserID, &record.Intent,
		&verdict, &record.FinalReason, &stages, &createdAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "读取听证记录失败")
	}

	record.FinalVerdict = hearing.Verdict(verdict)
	record.CreatedAt = time.Unix(createdAt, 0).UTC()

	var payload stagePayload
	if len(stages) > 0 {
		if err := json.Unmarshal(stages, &payload); err != nil {
			return nil, cerrors.Wrap(cerrors.CodeStorageFailure, err, "解析听证分段失败")
		}
	}
	record.Perception = payload.Perception
	record.Memory = payload.Memory
	record.Risk = payload.Risk
	record.Strategy = payload.Strategy
	record.Execution = payload.Execution
	return &record, nil
}
