package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// CycleRecord 是一轮管理周期的落库结构：观测、决策与执行结果各留一份快照。
type CycleRecord struct {
	ThreadID    string  `json:"thread_id"`
	PoolID      string  `json:"pool_id"`
	Strategy    string  `json:"strategy"`
	Action      string  `json:"action"`
	Reason      string  `json:"reason"`
	MidPrice    float64 `json:"mid_price"`
	LowerTick   int     `json:"lower_tick"`
	UpperTick   int     `json:"upper_tick"`
	Outcome     string  `json:"outcome"`
	GasEstimate uint64  `json:"gas_estimate"`
	TxCount     int     `json:"tx_count"`
	CreatedAt   int64   `json:"created_at"`
}

// TelemetryRepository 抽象周期遥测的持久化接口。
type TelemetryRepository interface {
	Record(ctx context.Context, record CycleRecord) error
	ListLatest(ctx context.Context, limit int) ([]CycleRecord, error)
	ListByThread(ctx context.Context, threadID string, limit int) ([]CycleRecord, error)
}

// MemoryTelemetry 使用本地 JSON 行文件模拟 MySQL 的效果，方便迭代开发。
type MemoryTelemetry struct {
	mu       sync.RWMutex
	dataFile string
	records  []CycleRecord
}

// NewMemoryTelemetry 创建一个文件落地的内存遥测仓库。
func NewMemoryTelemetry(dataDir string) (*MemoryTelemetry, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	path := filepath.Join(dataDir, "cycles.log")
	repo := &MemoryTelemetry{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Record 以追加写的方式记录一轮周期。
func (m *MemoryTelemetry) Record(_ context.Context, record CycleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	file, err := os.OpenFile(m.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开周期日志失败: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化周期记录失败: %w", err)
	}
	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入周期日志失败: %w", err)
	}

	m.records = append([]CycleRecord{record}, m.records...)
	if len(m.records) > 512 {
		m.records = m.records[:512]
	}
	return nil
}

// ListLatest 返回最近的周期记录，按时间倒序排列。
func (m *MemoryTelemetry) ListLatest(_ context.Context, limit int) ([]CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 || limit > len(m.records) {
		limit = len(m.records)
	}
	results := make([]CycleRecord, limit)
	copy(results, m.records[:limit])
	return results, nil
}

// ListByThread 返回某线程最近的周期记录。
func (m *MemoryTelemetry) ListByThread(_ context.Context, threadID string, limit int) ([]CycleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	var results []CycleRecord
	for _, record := range m.records {
		if record.ThreadID != threadID {
			continue
		}
		results = append(results, record)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

func (m *MemoryTelemetry) loadFromDisk() error {
	file, err := os.OpenFile(m.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取周期日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var restored []CycleRecord
	for scanner.Scan() {
		var record CycleRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append([]CycleRecord{record}, restored...)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析周期日志失败: %w", err)
	}

	if len(restored) > 512 {
		restored = restored[:512]
	}
	if len(restored) > 0 {
		m.records = restored
	}
	return nil
}

// SQLTelemetry 使用真实的 MySQL 数据库存储周期遥测。
type SQLTelemetry struct {
	db *sql.DB
}

// NewSQLTelemetry 创建连接池并初始化数据表。
func NewSQLTelemetry(dsn string) (*SQLTelemetry, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}

	repo := &SQLTelemetry{db: db}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (s *SQLTelemetry) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS cycle_telemetry (
        id BIGINT AUTO_INCREMENT PRIMARY KEY,
        thread_id VARCHAR(128) NOT NULL,
        pool_id VARCHAR(128) DEFAULT '',
        strategy VARCHAR(32) DEFAULT '',
        action VARCHAR(32) NOT NULL,
        reason TEXT NOT NULL,
        mid_price DOUBLE NOT NULL DEFAULT 0,
        lower_tick INT NOT NULL DEFAULT 0,
        upper_tick INT NOT NULL DEFAULT 0,
        outcome VARCHAR(32) DEFAULT '',
        gas_estimate BIGINT NOT NULL DEFAULT 0,
        tx_count INT NOT NULL DEFAULT 0,
        created_at BIGINT NOT NULL,
        INDEX idx_thread_created (thread_id, created_at)
)`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("初始化 cycle_telemetry 表失败: %w", err)
	}
	return nil
}

// Record 将周期记录写入 MySQL。
func (s *SQLTelemetry) Record(ctx context.Context, record CycleRecord) error {
	const stmt = `INSERT INTO cycle_telemetry
        (thread_id, pool_id, strategy, action, reason, mid_price, lower_tick, upper_tick, outcome, gas_estimate, tx_count, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt,
		record.ThreadID,
		record.PoolID,
		record.Strategy,
		record.Action,
		record.Reason,
		record.MidPrice,
		record.LowerTick,
		record.UpperTick,
		record.Outcome,
		record.GasEstimate,
		record.TxCount,
		record.CreatedAt,
	); err != nil {
		return fmt.Errorf("写入 MySQL 失败: %w", err)
	}
	return nil
}

// ListLatest 查询最近的若干条周期记录。
func (s *SQLTelemetry) ListLatest(ctx context.Context, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT thread_id, pool_id, strategy, action, reason, mid_price, lower_tick, upper_tick, outcome, gas_estimate, tx_count, created_at
        FROM cycle_telemetry ORDER BY id DESC LIMIT ?`, limit)
}

// ListByThread 查询某线程最近的周期记录。
func (s *SQLTelemetry) ListByThread(ctx context.Context, threadID string, limit int) ([]CycleRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.query(ctx, `SELECT thread_id, pool_id, strategy, action, reason, mid_price, lower_tick, upper_tick, outcome, gas_estimate, tx_count, created_at
        FROM cycle_telemetry WHERE thread_id = ? ORDER BY id DESC LIMIT ?`, threadID, limit)
}

func (s *SQLTelemetry) query(ctx context.Context, stmt string, args ...any) ([]CycleRecord, error) {
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("查询周期记录失败: %w", err)
	}
	defer rows.Close()

	var records []CycleRecord
	for rows.Next() {
		var record CycleRecord
		if err := rows.Scan(
			&record.ThreadID,
			&record.PoolID,
			&record.Strategy,
			&record.Action,
			&record.Reason,
			&record.MidPrice,
			&record.LowerTick,
			&record.UpperTick,
			&record.Outcome,
			&record.GasEstimate,
			&record.TxCount,
			&record.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("解析周期记录失败: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历周期记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭底层数据库连接。
func (s *SQLTelemetry) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var (
	_ TelemetryRepository = (*MemoryTelemetry)(nil)
	_ TelemetryRepository = (*SQLTelemetry)(nil)
)
