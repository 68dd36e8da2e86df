package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "govsim/internal/errors"
)

// 运行状态。
const (
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "failed"
)

// Run 描述一次实验运行。
type Run struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Project    string         `json:"project"`
	Entity     string         `json:"entity,omitempty"`
	Status     string         `json:"status"`
	Config     map[string]any `json:"config,omitempty"`
	Summary    map[string]any `json:"summary,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
}

// Event 是一次 Log 调用产生的指标记录。
type Event struct {
	RunID   string         `json:"run_id"`
	Step    int64          `json:"step"`
	Time    time.Time      `json:"time"`
	Metrics map[string]any `json:"metrics"`
}

type options struct {
	sink    Sink
	runName string
	entity  string
	now     func() time.Time
	logger  *slog.Logger
}

// Option 调整 Logger 的创建参数。
type Option func(*options)

// WithSink 指定记录的投递目标。debug 模式下该选项被忽略。
func WithSink(s Sink) Option {
	return func(o *options) { o.sink = s }
}

// WithRunName 覆盖自动生成的运行名称。
func WithRunName(name string) Option {
	return func(o *options) { o.runName = strings.TrimSpace(name) }
}

// WithEntity 设置运行所属的团队或用户。
func WithEntity(entity string) Option {
	return func(o *options) { o.entity = entity }
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLogger 指定结构化日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Logger 负责一次运行的全部追踪记录，并发安全。
type Logger struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger

	mu       sync.Mutex
	run      Run
	step     int64
	versions map[string]int
	finished bool
}

// New 创建并启动一次运行。debug 为 true 时使用不做任何网络或磁盘操作的 disabled sink；
// 未通过 WithSink 指定时默认写入本地 tracking 目录。
func New(ctx context.Context, project string, cfgTree map[string]any, debug bool, opts ...Option) (*Logger, error) {
	o := options{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if strings.TrimSpace(project) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidConfig, "追踪项目名称不能为空")
	}

	sink := o.sink
	if debug {
		if sink != nil {
			_ = sink.Close()
		}
		sink = Disabled()
	} else if sink == nil {
		fileSink, err := NewFileSink(DefaultDir)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeTrackingFailure, err, "创建本地追踪目录失败")
		}
		sink = fileSink
	}

	id := uuid.NewString()
	name := o.runName
	if name == "" {
		name = "run_" + id
	}
	l := &Logger{
		sink:   sink,
		now:    o.now,
		logger: o.logger.With(slog.String("component", "tracking"), slog.String("run_id", id)),
		run: Run{
			ID:        id,
			Name:      name,
			Project:   project,
			Entity:    o.entity,
			Status:    StatusRunning,
			Config:    cfgTree,
			Summary:   map[string]any{},
			StartedAt: o.now().UTC(),
		},
		versions: make(map[string]int),
	}
	if err := sink.StartRun(ctx, l.run); err != nil {
		_ = sink.Close()
		return nil, xerrors.Wrap(xerrors.CodeTrackingFailure, err, "启动追踪运行失败",
			xerrors.WithMetadata("sink", sink.Name()))
	}
	l.logger.Info("追踪运行已启动", slog.String("run_name", name), slog.String("sink", sink.Name()))
	return l, nil
}

// RunID 返回运行唯一标识。
func (l *Logger) RunID() string { return l.run.ID }

// RunName 返回运行名称，结果目录以此命名。
func (l *Logger) RunName() string { return l.run.Name }

// Project 返回项目名称。
func (l *Logger) Project() string { return l.run.Project }

// Mode 返回当前 sink 的名称。
func (l *Logger) Mode() string { return l.sink.Name() }

// Log 以自增的 step 记录一组指标。
func (l *Logger) Log(ctx context.Context, metrics map[string]any) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return xerrors.New(xerrors.CodeTrackingFailure, "运行已结束，无法继续记录")
	}
	ev := Event{RunID: l.run.ID, Step: l.step, Time: l.now().UTC(), Metrics: cloneMap(metrics)}
	l.step++
	l.mu.Unlock()

	if err := l.sink.LogEvent(ctx, ev); err != nil {
		return xerrors.Wrap(xerrors.CodeTrackingFailure, err, "记录指标失败",
			xerrors.WithMetadata("sink", l.sink.Name()))
	}
	return nil
}

// SetSummary 设置运行摘要，在 Finish 时一并提交。
func (l *Logger) SetSummary(key string, value any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.run.Summary[key] = value
}

// Summary 返回当前摘要的副本。
func (l *Logger) Summary() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneMap(l.run.Summary)
}

// LogArtifact 提交一个产物。同名产物每次提交版本号递增，从 v0 开始。
func (l *Logger) LogArtifact(ctx context.Context, a *Artifact) (int, error) {
	if a == nil || a.Name == "" {
		return 0, xerrors.New(xerrors.CodeTrackingFailure, "产物名称不能为空")
	}
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return 0, xerrors.New(xerrors.CodeTrackingFailure, "运行已结束，无法提交产物")
	}
	version := l.versions[a.Name]
	l.versions[a.Name] = version + 1
	run := l.run
	l.mu.Unlock()

	record := ArtifactRecord{
		Name:      a.Name,
		Type:      a.Type,
		Version:   version,
		Entries:   a.Entries(),
		CreatedAt: l.now().UTC(),
	}
	if err := l.sink.LogArtifact(ctx, run, record); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeTrackingFailure, err, fmt.Sprintf("提交产物 %s 失败", a.Name),
			xerrors.WithMetadata("sink", l.sink.Name()))
	}
	l.logger.Info("产物已提交",
		slog.String("artifact", a.Name),
		slog.String("type", a.Type),
		slog.Int("version", version),
		slog.Int("files", len(record.Entries)))
	return version, nil
}

// Finish 结束运行并释放 sink。重复调用不会产生副作用。
func (l *Logger) Finish(ctx context.Context, status string) error {
	l.mu.Lock()
	if l.finished {
		l.mu.Unlock()
		return nil
	}
	l.finished = true
	if status == "" {
		status = StatusFinished
	}
	l.run.Status = status
	l.run.FinishedAt = l.now().UTC()
	run := l.run
	run.Summary = cloneMap(l.run.Summary)
	l.mu.Unlock()

	err := l.sink.FinishRun(ctx, run)
	if closeErr := l.sink.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTrackingFailure, err, "结束追踪运行失败",
			xerrors.WithMetadata("sink", l.sink.Name()))
	}
	l.logger.Info("追踪运行已结束", slog.String("status", status))
	return nil
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
