// Package launcher runs one experiment end to end: it builds the models and
// the tracking run, dispatches to the configured scenario and archives the
// run metadata next to the scenario results.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"govsim/internal/config"
	"govsim/internal/embedding"
	xerrors "govsim/internal/errors"
	"govsim/internal/llm"
	"govsim/internal/llm/factory"
	"govsim/internal/observability/alerting"
	"govsim/internal/observability/metrics"
	"govsim/internal/scenario"
	"govsim/internal/tracking"
	"govsim/internal/wrapper"
)

// 实验类型。
const (
	ExpSingle = "single"
	ExpMulti  = "multi"
)

// 产物名称与类型。
const (
	ArtifactName = "hydra"
	ArtifactType = "log"
	// MainLogFile 是输出目录中的主日志文件名。
	MainLogFile = "main.log"
)

// ErrUnknownExperimentType 在 llm.exp_type 不是 single 或 multi 时返回，可用 errors.Is 判断。
var ErrUnknownExperimentType = xerrors.New(xerrors.CodeUnknownExperimentType, "")

// ModelFactory 根据模型路径创建客户端，factory.Factory 满足该接口。
type ModelFactory interface {
	GetModel(path string, isAPI bool, seed int64, backend string) (llm.Client, error)
}

// Tracker 是启动器需要的追踪能力，tracking.Logger 满足该接口。
type Tracker interface {
	RunID() string
	RunName() string
	Log(ctx context.Context, metrics map[string]any) error
	SetSummary(key string, value any)
	LogArtifact(ctx context.Context, a *tracking.Artifact) (int, error)
	Finish(ctx context.Context, status string) error
}

// TrackerFactory 创建追踪运行。
type TrackerFactory func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Tracker, error)

// ScenarioLookup 根据名称返回场景。
type ScenarioLookup func(name string) (scenario.Runner, error)

// Deps 是可替换的协作组件，零值字段使用默认实现。
type Deps struct {
	Models     ModelFactory
	Trackers   TrackerFactory
	Scenarios  ScenarioLookup
	Metrics    *metrics.LLM
	Alerts     alerting.Dispatcher
	Logger     *slog.Logger
	Transcript *slog.Logger
	Stdout     io.Writer
}

// Result 汇总一次成功运行的产出。
type Result struct {
	RunID           string
	RunName         string
	ResultsDir      string
	Models          []string
	ArtifactVersion int
}

// Launcher 执行一次实验。
type Launcher struct {
	cfg  *config.Config
	deps Deps
	log  *slog.Logger
}

// New 创建启动器。
func New(cfg *config.Config, deps Deps) *Launcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Models == nil {
		deps.Models = factory.New(cfg.LLM)
	}
	if deps.Trackers == nil {
		deps.Trackers = DefaultTrackerFactory
	}
	if deps.Scenarios == nil {
		deps.Scenarios = scenario.Lookup
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Alerts == nil && strings.TrimSpace(cfg.Alerting.WebhookURL) != "" {
		timeout := time.Duration(cfg.Alerting.TimeoutSeconds) * time.Second
		deps.Alerts = alerting.NewFanout(alerting.NewWebhook(cfg.Alerting.WebhookURL, timeout, cfg.Alerting.Slack))
	}
	return &Launcher{cfg: cfg, deps: deps, log: deps.Logger.With(slog.String("component", "launcher"))}
}

// DefaultTrackerFactory 根据 tracking 配置创建追踪运行，项目名使用 experiment.name。
func DefaultTrackerFactory(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Tracker, error) {
	project := cfg.Experiment.Name
	if project == "" {
		project = cfg.Tracking.Project
	}
	return tracking.Open(ctx, cfg.Tracking, project, cfg.Object(), cfg.Debug, logger)
}

// Run 执行实验。
func (l *Launcher) Run(ctx context.Context) (*Result, error) {
	cfg := l.cfg

	rendered, err := cfg.YAML()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidConfig, err, "渲染配置失败")
	}
	fmt.Fprintln(l.deps.Stdout, rendered)
	l.log.Info("已加载配置", slog.Int64("seed", cfg.Seed), slog.String("experiment", cfg.Experiment.Name))

	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), uint64(cfg.Seed)))

	if closer, ok := l.deps.Models.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				l.log.Warn("关闭模型失败", slog.Any("error", err))
			}
		}()
	}
	models, err := l.buildModels()
	if err != nil {
		l.alert(ctx, err, "", "")
		return nil, err
	}

	tracker, err := l.deps.Trackers(ctx, cfg, l.deps.Logger)
	if err != nil {
		l.alert(ctx, err, "", "")
		return nil, err
	}

	result, err := l.runTracked(ctx, tracker, models, rng)
	if err != nil {
		if finishErr := tracker.Finish(context.WithoutCancel(ctx), tracking.StatusFailed); finishErr != nil {
			l.log.Warn("结束失败的追踪运行时出错", slog.Any("error", finishErr))
		}
		l.alert(ctx, err, tracker.RunID(), tracker.RunName())
		return nil, err
	}
	if err := tracker.Finish(ctx, tracking.StatusFinished); err != nil {
		return nil, err
	}
	l.log.Info("实验完成",
		slog.String("run_name", result.RunName),
		slog.String("results_dir", result.ResultsDir))
	return result, nil
}

func (l *Launcher) runTracked(ctx context.Context, tracker Tracker, models []llm.Client, rng *rand.Rand) (*Result, error) {
	cfg := l.cfg

	resultsDir := filepath.Join(cfg.Runtime.ResultsDir, cfg.Experiment.Name, tracker.RunName())

	wrappers := make([]*wrapper.ModelWrapper, len(models))
	names := make([]string, len(models))
	for i, m := range models {
		wrappers[i] = wrapper.New(m, wrapper.Options{
			Render:      cfg.LLM.Render,
			Temperature: cfg.LLM.Temperature,
			TopP:        cfg.LLM.TopP,
			Seed:        cfg.Seed,
			IsAPI:       cfg.LLM.IsAPI,
			MaxTokens:   cfg.LLM.MaxTokens,
			Tracker:     tracker,
			Metrics:     l.deps.Metrics,
			Logger:      l.deps.Logger.With(slog.String("component", "llm")),
			Transcript:  l.deps.Transcript,
		})
		names[i] = wrappers[i].Model()
	}

	emb, err := embedding.New(embedding.Options{Device: embedding.DeviceCPU})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeModelInit, err, "创建 embedding 模型失败")
	}

	runner, err := l.deps.Scenarios(cfg.Experiment.Scenario)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "创建结果目录失败")
	}
	l.log.Info("开始运行场景",
		slog.String("scenario", cfg.Experiment.Scenario),
		slog.String("exp_type", cfg.LLM.ExpType),
		slog.Any("models", names),
		slog.String("results_dir", resultsDir))

	env := scenario.Env{
		Experiment: cfg.Experiment,
		Tracker:    tracker,
		Wrappers:   wrappers,
		Embedding:  emb,
		StorageDir: resultsDir,
		ExpType:    cfg.LLM.ExpType,
		Rand:       rng,
		Logger:     l.deps.Logger,
	}
	if err := runner.Run(ctx, env); err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "场景被取消")
		}
		return nil, xerrors.Wrap(xerrors.CodeScenarioFailure, err, "场景执行失败",
			xerrors.WithMetadata("scenario", cfg.Experiment.Scenario))
	}

	version, err := l.archive(ctx, tracker, resultsDir)
	if err != nil {
		return nil, err
	}
	return &Result{
		RunID:           tracker.RunID(),
		RunName:         tracker.RunName(),
		ResultsDir:      resultsDir,
		Models:          names,
		ArtifactVersion: version,
	}, nil
}

// buildModels 先校验实验类型，再按类型创建模型。
func (l *Launcher) buildModels() ([]llm.Client, error) {
	cfg := l.cfg.LLM
	var paths []string
	switch cfg.ExpType {
	case ExpSingle:
		if len(cfg.Path) == 0 {
			return nil, xerrors.New(xerrors.CodeInvalidConfig, "llm.path 为空")
		}
		paths = cfg.Path[:1]
	case ExpMulti:
		if cfg.Num <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidConfig, "llm.num 必须为正数")
		}
		if len(cfg.Path) < cfg.Num {
			return nil, xerrors.New(xerrors.CodeInvalidConfig,
				fmt.Sprintf("llm.num=%d 但 llm.path 只提供了 %d 个模型", cfg.Num, len(cfg.Path)))
		}
		paths = cfg.Path[:cfg.Num]
	default:
		return nil, xerrors.New(xerrors.CodeUnknownExperimentType,
			fmt.Sprintf("Unknown llm.exp_type: %s. Expected 'single' or 'multi'.", cfg.ExpType),
			xerrors.WithMetadata("exp_type", cfg.ExpType))
	}

	models := make([]llm.Client, 0, len(paths))
	for _, path := range paths {
		client, err := l.deps.Models.GetModel(path, cfg.IsAPI, l.cfg.Seed, cfg.Backend)
		if err != nil {
			if _, ok := xerrors.From(err); ok {
				return nil, err
			}
			return nil, xerrors.Wrap(xerrors.CodeModelInit, err, fmt.Sprintf("创建模型 %s 失败", path))
		}
		models = append(models, client)
	}
	return models, nil
}

// archive 把输出目录中的元数据与主日志复制到结果目录，并上传 hydra 产物。
func (l *Launcher) archive(ctx context.Context, tracker Tracker, resultsDir string) (int, error) {
	outputDir := l.cfg.Runtime.OutputDir
	srcMeta := filepath.Join(outputDir, config.MetadataDir)
	dstMeta := filepath.Join(resultsDir, config.MetadataDir)

	if err := copyTree(srcMeta, dstMeta); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "复制运行元数据失败")
	}
	if err := copyFile(filepath.Join(outputDir, MainLogFile), filepath.Join(resultsDir, MainLogFile)); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "复制主日志失败")
	}

	artifact := tracking.NewArtifact(ArtifactName, ArtifactType)
	if err := artifact.AddDir(dstMeta); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "构建产物失败")
	}
	for _, name := range config.MetadataFiles() {
		if err := artifact.AddFile(filepath.Join(dstMeta, name), ""); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "构建产物失败")
		}
	}
	return tracker.LogArtifact(ctx, artifact)
}

func (l *Launcher) alert(ctx context.Context, err error, runID, runName string) {
	if l.deps.Alerts == nil || !xerrors.ShouldAlert(err) {
		return
	}
	ev := alerting.EventFromError(err, l.cfg.Experiment.Name, l.cfg.Experiment.Scenario)
	ev.RunID = runID
	ev.RunName = runName
	if notifyErr := l.deps.Alerts.Notify(context.WithoutCancel(ctx), ev); notifyErr != nil {
		l.log.Warn("发送告警失败", slog.Any("error", notifyErr))
	}
}
