package checkpoint

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "OpenCLMM-Chain/internal/errors"
	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 记录线程检查点。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建一个新的 MySQLStore 并确保表结构存在。
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS thread_checkpoints (
        thread_id VARCHAR(64) NOT NULL,
        seq BIGINT UNSIGNED NOT NULL,
        state MEDIUMTEXT NOT NULL,
        saved_at BIGINT NOT NULL,
        PRIMARY KEY (thread_id, seq),
        INDEX idx_checkpoint_saved (saved_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 thread_checkpoints 表失败")
	}
	return nil
}

// Save 实现 Store。序号由主键唯一性与前置检查共同保证单调。
func (s *MySQLStore) Save(ctx context.Context, record Record) error {
	if err := validateRecord(record); err != nil {
		return err
	}
	if record.SavedAt.IsZero() {
		record.SavedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启检查点事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	var latest sql.NullInt64
	const latestStmt = `SELECT MAX(seq) FROM thread_checkpoints WHERE thread_id = ?`
	if err := tx.QueryRowContext(ctx, latestStmt, record.ThreadID).Scan(&latest); err != nil && !stdErrors.Is(err, sql.ErrNoRows) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询最新检查点序号失败")
	}
	if latest.Valid && record.Seq <= uint64(latest.Int64) {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("线程 %s 的检查点序号 %d 不大于已有序号 %d", record.ThreadID, record.Seq, latest.Int64))
	}

	const insertStmt = `INSERT INTO thread_checkpoints (thread_id, seq, state, saved_at) VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertStmt, record.ThreadID, record.Seq, string(record.State), record.SavedAt.Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入检查点失败")
	}
	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交检查点事务失败")
	}
	return nil
}

// Load 实现 Store。
func (s *MySQLStore) Load(ctx context.Context, threadID string) (Record, error) {
	const stmt = `SELECT thread_id, seq, state, saved_at
        FROM thread_checkpoints WHERE thread_id = ? ORDER BY seq DESC LIMIT 1`

	var (
		record  Record
		state   string
		savedAt int64
	)
	err := s.db.QueryRowContext(ctx, stmt, threadID).Scan(&record.ThreadID, &record.Seq, &state, &savedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return Record{}, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("线程 %s 没有检查点", threadID))
	}
	if err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取检查点失败")
	}
	record.State = []byte(state)
	record.SavedAt = time.Unix(savedAt, 0).UTC()
	return record, nil
}

// ListThreads 实现 Store。
func (s *MySQLStore) ListThreads(ctx context.Context) ([]string, error) {
	const stmt = `SELECT DISTINCT thread_id FROM thread_checkpoints ORDER BY thread_id`
	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "列出检查点线程失败")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "扫描线程 ID 失败")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历线程 ID 失败")
	}
	return ids, nil
}

// Delete 实现 Store。
func (s *MySQLStore) Delete(ctx context.Context, threadID string) error {
	const stmt = `DELETE FROM thread_checkpoints WHERE thread_id = ?`
	if _, err := s.db.ExecContext(ctx, stmt, threadID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除检查点失败")
	}
	return nil
}

// Close 实现 Store。
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
