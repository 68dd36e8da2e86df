package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"govsim/internal/config"
	"govsim/internal/storage/redis"
)

const defaultRedisPrefix = "govsim"

// redisCommander 是 RedisSink 使用的命令子集，*goredis.Client 满足该接口。
type redisCommander interface {
	HSet(ctx context.Context, key string, values ...interface{}) *goredis.IntCmd
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *goredis.IntCmd
	Close() error
}

// RedisSink 把运行写入 Redis：运行信息存为 hash，事件写入 stream，
// 产物清单按版本存为 hash，文件路径对应 sha256 摘要。
type RedisSink struct {
	client redisCommander
	prefix string
	maxLen int64
}

// NewRedisSink 连接 Redis 并创建 sink。
func NewRedisSink(ctx context.Context, cfg config.RedisConfig) (*RedisSink, error) {
	client, err := redis.NewClient(ctx, redis.Config{
		Address:  cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return newRedisSink(client, cfg.Prefix, cfg.MaxLength), nil
}

func newRedisSink(client redisCommander, prefix string, maxLen int64) *RedisSink {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen}
}

// Name 实现 Sink。
func (s *RedisSink) Name() string { return DriverRedis }

func (s *RedisSink) runKey(id string) string {
	return redis.Key(s.prefix, "run", id)
}

// StartRun 写入运行 hash 并登记到项目集合。
func (s *RedisSink) StartRun(ctx context.Context, run Run) error {
	if err := s.writeRun(ctx, run); err != nil {
		return err
	}
	if err := s.client.SAdd(ctx, redis.Key(s.prefix, "project", run.Project, "runs"), run.ID).Err(); err != nil {
		return fmt.Errorf("登记运行失败: %w", err)
	}
	return nil
}

func (s *RedisSink) writeRun(ctx context.Context, run Run) error {
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("序列化运行配置失败: %w", err)
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("序列化运行摘要失败: %w", err)
	}
	fields := map[string]any{
		"id":         run.ID,
		"name":       run.Name,
		"project":    run.Project,
		"entity":     run.Entity,
		"status":     run.Status,
		"config":     string(cfg),
		"summary":    string(summary),
		"started_at": run.StartedAt.Format(time.RFC3339Nano),
	}
	if !run.FinishedAt.IsZero() {
		fields["finished_at"] = run.FinishedAt.Format(time.RFC3339Nano)
	}
	if err := s.client.HSet(ctx, s.runKey(run.ID), fields).Err(); err != nil {
		return fmt.Errorf("写入运行信息失败: %w", err)
	}
	return nil
}

// LogEvent 把事件追加到运行的 stream。
func (s *RedisSink) LogEvent(ctx context.Context, ev Event) error {
	metrics, err := json.Marshal(ev.Metrics)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	args := &goredis.XAddArgs{
		Stream: redis.Key(s.runKey(ev.RunID), "events"),
		Values: map[string]any{
			"step":    strconv.FormatInt(ev.Step, 10),
			"time":    ev.Time.Format(time.RFC3339Nano),
			"metrics": string(metrics),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("写入事件 stream 失败: %w", err)
	}
	return nil
}

// LogArtifact 记录产物清单。Redis 只保存摘要，不保存文件内容。
func (s *RedisSink) LogArtifact(ctx context.Context, run Run, rec ArtifactRecord) error {
	version := fmt.Sprintf("v%d", rec.Version)
	key := redis.Key(s.runKey(run.ID), "artifact", rec.Name, version)
	fields := map[string]any{"_type": rec.Type}
	for _, e := range rec.Entries {
		fields[e.Path] = fmt.Sprintf("%s:%d", e.Digest, e.Size)
	}
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("写入产物清单失败: %w", err)
	}
	if err := s.client.SAdd(ctx, redis.Key(s.runKey(run.ID), "artifacts"), rec.Name+":"+version).Err(); err != nil {
		return fmt.Errorf("登记产物失败: %w", err)
	}
	return nil
}

// FinishRun 更新运行状态与摘要。
func (s *RedisSink) FinishRun(ctx context.Context, run Run) error {
	return s.writeRun(ctx, run)
}

// Close 关闭 Redis 连接。
func (s *RedisSink) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
