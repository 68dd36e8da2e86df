package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"govsim/internal/config"
	xerrors "govsim/internal/errors"
)

// Sink 接收追踪记录。实现需要保证 Close 可以在任意阶段调用。
type Sink interface {
	Name() string
	StartRun(ctx context.Context, run Run) error
	LogEvent(ctx context.Context, ev Event) error
	LogArtifact(ctx context.Context, run Run, rec ArtifactRecord) error
	FinishRun(ctx context.Context, run Run) error
	Close() error
}

// 支持的 sink 驱动。
const (
	DriverDisabled = "disabled"
	DriverFile     = "file"
	DriverRedis    = "redis"
	DriverRabbitMQ = "rabbitmq"
	DriverMySQL    = "mysql"
)

// DefaultDir 是 file sink 的默认根目录。
const DefaultDir = "tracking"

// NewSink 根据配置创建 sink。
func NewSink(ctx context.Context, cfg config.TrackingConfig) (Sink, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case DriverDisabled:
		return Disabled(), nil
	case "", DriverFile:
		dir := cfg.Dir
		if dir == "" {
			dir = DefaultDir
		}
		return NewFileSink(dir)
	case DriverRedis:
		return NewRedisSink(ctx, cfg.Redis)
	case DriverRabbitMQ:
		return NewRabbitMQSink(cfg.RabbitMQ)
	case DriverMySQL:
		return NewMySQLSink(ctx, cfg.MySQL)
	default:
		return nil, xerrors.New(xerrors.CodeInvalidConfig, fmt.Sprintf("未知的追踪驱动: %s", cfg.Driver),
			xerrors.WithMetadata("driver", cfg.Driver))
	}
}

// Open 根据追踪配置创建 sink 并启动运行。debug 模式下不会连接任何外部服务。
func Open(ctx context.Context, cfg config.TrackingConfig, project string, cfgTree map[string]any, debug bool, logger *slog.Logger) (*Logger, error) {
	opts := []Option{WithRunName(cfg.RunName), WithEntity(cfg.Entity), WithLogger(logger)}
	if !debug {
		sink, err := NewSink(ctx, cfg)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeTrackingFailure, err, "创建追踪 sink 失败",
				xerrors.WithMetadata("driver", cfg.Driver))
		}
		opts = append(opts, WithSink(sink))
	}
	return New(ctx, project, cfgTree, debug, opts...)
}

type disabledSink struct{}

// Disabled 返回一个丢弃所有记录的 sink。
func Disabled() Sink { return disabledSink{} }

func (disabledSink) Name() string { return DriverDisabled }
func (disabledSink) StartRun(context.Context, Run) error { return nil }
func (disabledSink) LogEvent(context.Context, Event) error { return nil }
func (disabledSink) LogArtifact(context.Context, Run, ArtifactRecord) error { return nil }
func (disabledSink) FinishRun(context.Context, Run) error { return nil }
func (disabledSink) Close() error { return nil }
