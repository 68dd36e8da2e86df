package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v2"

	"govsim/internal/config"
	xerrors "govsim/internal/errors"
	"govsim/internal/launcher"
	"govsim/internal/observability/metrics"
	"govsim/pkg/logger"
)

// main 是实验启动器的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		log.Printf("govsim 运行失败: %v", err)
		os.Exit(xerrors.ExitCodeOf(err))
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:      "govsim",
		Usage:     "在公共资源场景中运行大模型 agent 实验",
		ArgsUsage: "[key=value | group=option | +key=value ...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config-path",
				Aliases: []string{"cp"},
				Value:   "conf",
				Usage:   "配置目录",
				EnvVars: []string{"GOVSIM_CONFIG_PATH"},
			},
			&cli.StringFlag{
				Name:    "config-name",
				Aliases: []string{"cn"},
				Value:   "config",
				Usage:   "主配置文件名（不含 .yaml）",
			},
			&cli.BoolFlag{
				Name:  "cfg",
				Usage: "只打印组合后的配置，不运行实验",
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config-path"), c.String("config-name"), c.Args().Slice(), c.Bool("cfg"))
		},
	}
}

func run(ctx context.Context, configDir, configName string, overrides []string, printOnly bool) error {
	cfg, err := config.Load(config.Options{Dir: configDir, Name: configName, Overrides: overrides})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidConfig, err, "加载配置失败")
	}
	if printOnly {
		rendered, err := cfg.YAML()
		if err != nil {
			return err
		}
		fmt.Print(rendered)
		return nil
	}

	outputDir := cfg.Runtime.OutputDir
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("创建输出目录失败: %w", err)
	}
	if _, err := cfg.WriteRunMetadata(outputDir); err != nil {
		return err
	}

	transcript := cfg.Logging.Transcript
	if transcript.Enabled && transcript.Path != "" && !filepath.IsAbs(transcript.Path) {
		transcript.Path = filepath.Join(outputDir, transcript.Path)
	}
	outputs := append([]string(nil), cfg.Logging.OutputPaths...)
	if len(outputs) == 0 {
		outputs = append(outputs, "stdout")
	}
	outputs = append(outputs, filepath.Join(outputDir, launcher.MainLogFile))
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Transcript: logger.TranscriptConfig{
			Enabled:    transcript.Enabled,
			Path:       transcript.Path,
			MaxSizeMB:  transcript.MaxSizeMB,
			MaxBackups: transcript.MaxBackups,
			MaxAgeDays: transcript.MaxAgeDays,
			Compress:   transcript.Compress,
		},
	}); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer func() {
		if err := logger.Sync(); err != nil {
			log.Printf("关闭日志失败: %v", err)
		}
	}()
	appLog := logger.Named("govsim")

	llmMetrics := metrics.NewLLM()
	if addr := cfg.Metrics.Address; addr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := llmMetrics.StartServer(metricsCtx, addr); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Warn("指标服务异常退出", slog.Any("error", err))
			}
		}()
		appLog.Info("指标服务已启动", slog.String("address", addr))
	}

	res, err := launcher.New(cfg, launcher.Deps{
		Metrics:    llmMetrics,
		Logger:     logger.L(),
		Transcript: transcriptLogger(transcript.Enabled),
	}).Run(ctx)
	if err != nil {
		appLog.Error("实验失败",
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
		return err
	}
	appLog.Info("结果已保存", slog.String("results_dir", res.ResultsDir), slog.String("run_id", res.RunID))
	return nil
}

// transcriptLogger 在未启用对话记录时返回 nil，避免对话内容写进主日志。
func transcriptLogger(enabled bool) *slog.Logger {
	if !enabled {
		return nil
	}
	return logger.Transcript()
}
