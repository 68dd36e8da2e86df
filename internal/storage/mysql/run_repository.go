package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
)

// ErrRunConflict 表示同一运行 ID 已存在。
var ErrRunConflict = stdErrors.New("tracking run already exists")

// RunRecord 对应 tracking_runs 表中的一行。Config 与 Summary 为 JSON 文本。
type RunRecord struct {
	ID         string
	Name       string
	Project    string
	Entity     string
	Status     string
	Config     string
	Summary    string
	StartedAt  int64
	FinishedAt int64
}

// EventRecord 对应 tracking_events 表中的一行。
type EventRecord struct {
	RunID     string
	Step      int64
	Metrics   string
	CreatedAt int64
}

// ArtifactFileRecord 对应 tracking_artifacts 表中的一行，每个文件一行。
type ArtifactFileRecord struct {
	RunID     string
	Name      string
	Type      string
	Version   int
	Path      string
	Digest    string
	Size      int64
	CreatedAt int64
}

// RunRepository 定义追踪数据的持久化接口。
type RunRepository interface {
	CreateRun(ctx context.Context, run RunRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
	AppendEvent(ctx context.Context, ev EventRecord) error
	SaveArtifact(ctx context.Context, files []ArtifactFileRecord) error
	ListRuns(ctx context.Context, project string, limit int) ([]RunRecord, error)
	Close() error
}

// SQLRunRepository 基于 MySQL 实现 RunRepository。
type SQLRunRepository struct {
	db *sql.DB
}

// NewSQLRunRepository 建立连接池并执行迁移。
func NewSQLRunRepository(ctx context.Context, cfg Config) (*SQLRunRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}
	repo := &SQLRunRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return repo, nil
}

// CreateRun 插入新的运行。
func (s *SQLRunRepository) CreateRun(ctx context.Context, run RunRecord) error {
	const stmt = `INSERT INTO tracking_runs
    (id, name, project, entity, status, config, summary, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		run.ID,
		run.Name,
		run.Project,
		run.Entity,
		run.Status,
		run.Config,
		run.Summary,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrRunConflict
		}
		return fmt.Errorf("插入运行记录失败: %w", err)
	}
	return nil
}

// FinishRun 更新运行的状态、摘要与结束时间。
func (s *SQLRunRepository) FinishRun(ctx context.Context, run RunRecord) error {
	const stmt = `UPDATE tracking_runs SET status = ?, summary = ?, finished_at = ?
    WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt, run.Status, run.Summary, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("更新运行记录失败: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("运行 %s 不存在", run.ID)
	}
	return nil
}

// AppendEvent 写入一条指标事件。
func (s *SQLRunRepository) AppendEvent(ctx context.Context, ev EventRecord) error {
	const stmt = `INSERT INTO tracking_events (run_id, step, metrics, created_at)
    VALUES (?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, stmt, ev.RunID, ev.Step, ev.Metrics, ev.CreatedAt); err != nil {
		return fmt.Errorf("写入指标事件失败: %w", err)
	}
	return nil
}

// SaveArtifact 在一个事务中写入产物的全部文件。
func (s *SQLRunRepository) SaveArtifact(ctx context.Context, files []ArtifactFileRecord) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启事务失败: %w", err)
	}

	const stmt = `INSERT INTO tracking_artifacts
    (run_id, name, type, version, path, sha256, size, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	for _, f := range files {
		if _, err := tx.ExecContext(ctx, stmt, f.RunID, f.Name, f.Type, f.Version, f.Path, f.Digest, f.Size, f.CreatedAt); err != nil {
			tx.Rollback()
			return fmt.Errorf("写入产物文件 %s 失败: %w", f.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交产物事务失败: %w", err)
	}
	return nil
}

// ListRuns 返回项目最近的运行。
func (s *SQLRunRepository) ListRuns(ctx context.Context, project string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, project, entity, status, config, summary, started_at, finished_at
    FROM tracking_runs WHERE project = ? ORDER BY started_at DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("查询运行记录失败: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Project, &r.Entity, &r.Status, &r.Config, &r.Summary, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("解析运行记录失败: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历运行记录失败: %w", err)
	}
	return records, nil
}

// Close 关闭连接池。
func (s *SQLRunRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
