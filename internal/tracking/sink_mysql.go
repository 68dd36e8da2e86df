package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"govsim/internal/config"
	"govsim/internal/storage/mysql"
)

// MySQLSink 通过 storage/mysql 把追踪数据写入数据库。
type MySQLSink struct {
	repo mysql.RunRepository
}

// NewMySQLSink 连接数据库、执行迁移并创建 sink。
func NewMySQLSink(ctx context.Context, cfg config.MySQLConfig) (*MySQLSink, error) {
	repo, err := mysql.NewSQLRunRepository(ctx, mysql.Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.ConnMaxLifetimeSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &MySQLSink{repo: repo}, nil
}

// NewMySQLSinkWithRepository 使用已有仓库创建 sink。
func NewMySQLSinkWithRepository(repo mysql.RunRepository) *MySQLSink {
	return &MySQLSink{repo: repo}
}

// Name 实现 Sink。
func (s *MySQLSink) Name() string { return DriverMySQL }

// StartRun 插入运行记录。
func (s *MySQLSink) StartRun(ctx context.Context, run Run) error {
	record, err := toRunRecord(run)
	if err != nil {
		return err
	}
	return s.repo.CreateRun(ctx, record)
}

// LogEvent 写入指标事件。
func (s *MySQLSink) LogEvent(ctx context.Context, ev Event) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	return s.repo.AppendEvent(ctx, mysql.EventRecord{
		RunID:     ev.RunID,
		Step:      ev.Step,
		Metrics:   string(metrics),
		CreatedAt: ev.Time.Unix(),
	})
}

// LogArtifact 写入产物清单。
func (s *MySQLSink) LogArtifact(ctx context.Context, run Run, rec ArtifactRecord) error {
	files := make([]mysql.ArtifactFileRecord, 0, len(rec.Entries))
	for _, e := range rec.Entries {
		files = append(files, mysql.ArtifactFileRecord{
			RunID:     run.ID,
			Name:      rec.Name,
			Type:      rec.Type,
			Version:   rec.Version,
			Path:      e.Path,
			Digest:    e.Digest,
			Size:      e.Size,
			CreatedAt: rec.CreatedAt.Unix(),
		})
	}
	return s.repo.SaveArtifact(ctx, files)
}

// FinishRun 更新运行状态与摘要。
func (s *MySQLSink) FinishRun(ctx context.Context, run Run) error {
	record, err := toRunRecord(run)
	if err != nil {
		return err
	}
	return s.repo.FinishRun(ctx, record)
}

// Close 关闭仓库。
func (s *MySQLSink) Close() error {
	if s == nil || s.repo == nil {
		return nil
	}
	return s.repo.Close()
}

func toRunRecord(run Run) (mysql.RunRecord, error) {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return mysql.RunRecord{}, fmt.Errorf("序列化运行配置失败: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return mysql.RunRecord{}, fmt.Errorf("序列化运行摘要失败: %w", err)
	}
	record := mysql.RunRecord{
		ID:        run.ID,
		Name:      run.Name,
		Project:   run.Project,
		Entity:    run.Entity,
		Status:    run.Status,
		Config:    string(cfg),
		Summary:   string(summary),
		StartedAt: run.StartedAt.Unix(),
	}
	if !run.FinishedAt.IsZero() {
		record.FinishedAt = run.FinishedAt.Unix()
	}
	return record, nil
}
