package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述一次实验运行所需的全部配置。
type Config struct {
	Seed       int64            `yaml:"seed"`
	Debug      bool             `yaml:"debug"`
	LLM        LLMConfig        `yaml:"llm"`
	Experiment ExperimentConfig `yaml:"experiment"`
	Tracking   TrackingConfig   `yaml:"tracking"`
	Logging    LoggingConfig    `yaml:"logging"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Alerting   AlertingConfig   `yaml:"alerting"`

	// Tree 是插值解析后的完整配置树，用于打印与上报。
	Tree map[string]any `yaml:"-"`
	// Composed 是合并了 defaults 与覆盖项、但尚未解析插值的配置树。
	Composed map[string]any `yaml:"-"`
	// Overrides 保存命令行传入的原始覆盖项。
	Overrides []string `yaml:"-"`
	// Choices 记录每个配置组最终选中的选项。
	Choices map[string]string `yaml:"-"`
	// Source 记录加载时使用的选项。
	Source Options `yaml:"-"`
}

// LLMConfig 描述模型的来源、数量以及采样参数。
type LLMConfig struct {
	Path         StringList         `yaml:"path"`
	Num          int                `yaml:"num"`
	IsAPI        bool               `yaml:"is_api"`
	Backend      string             `yaml:"backend"`
	ExpType      string             `yaml:"exp_type"`
	Render       bool               `yaml:"render"`
	Temperature  float64            `yaml:"temperature"`
	TopP         float64            `yaml:"top_p"`
	MaxTokens    int                `yaml:"max_tokens"`
	API          APIConfig          `yaml:"api"`
	PythonBridge PythonBridgeConfig `yaml:"python_bridge"`
}

// APIConfig 用于 OpenAI 兼容接口（包括本地 vLLM 服务）。
type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyEnv      string `yaml:"api_key_env"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout 返回请求超时时间，未配置时为 0。
func (c APIConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PythonBridgeConfig 描述通过 Python 脚本加载本地模型时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string `yaml:"python_executable"`
	ScriptPath       string `yaml:"script_path"`
	WorkingDir       string `yaml:"working_dir"`
}

// ExperimentConfig 选择场景并携带场景参数。
type ExperimentConfig struct {
	Name     string    `yaml:"name"`
	Scenario string    `yaml:"scenario"`
	Env      EnvConfig `yaml:"env"`
	Personas []string  `yaml:"personas"`
}

// EnvConfig 是公共资源模拟的环境参数。
type EnvConfig struct {
	NumAgents         int     `yaml:"num_agents"`
	MaxNumRounds      int     `yaml:"max_num_rounds"`
	InitialResource   float64 `yaml:"initial_resource"`
	Capacity          float64 `yaml:"capacity"`
	RegenFactor       float64 `yaml:"regen_factor"`
	CollapseThreshold float64 `yaml:"collapse_threshold"`
	MemoryTopK        int     `yaml:"memory_top_k"`
	Universalization  bool    `yaml:"universalization"`
	// Concurrency 限制同一轮内并发询问模型的 agent 数量。
	Concurrency int `yaml:"concurrency"`
}

// TrackingConfig 选择实验追踪服务的后端。
type TrackingConfig struct {
	Driver   string         `yaml:"driver"`
	Project  string         `yaml:"project"`
	Entity   string         `yaml:"entity"`
	RunName  string         `yaml:"run_name"`
	Dir      string         `yaml:"dir"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	MySQL    MySQLConfig    `yaml:"mysql"`
}

// RedisConfig 描述 Redis 追踪后端的连接参数。
type RedisConfig struct {
	Address   string `yaml:"address"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Prefix    string `yaml:"prefix"`
	MaxLength int64  `yaml:"max_length"`
}

// RabbitMQConfig 描述 RabbitMQ 追踪后端的连接参数。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// MySQLConfig 描述 MySQL 追踪后端的连接参数。
type MySQLConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `yaml:"conn_max_lifetime_seconds"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level       string           `yaml:"level"`
	Format      string           `yaml:"format"`
	OutputPaths []string         `yaml:"output_paths"`
	Transcript  TranscriptConfig `yaml:"transcript"`
}

// TranscriptConfig 控制模型对话记录的滚动文件。
type TranscriptConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RuntimeConfig 描述运行输出目录与结果目录。
type RuntimeConfig struct {
	OutputDir  string `yaml:"output_dir"`
	ResultsDir string `yaml:"results_dir"`
}

// MetricsConfig 控制 Prometheus 指标端点。
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// AlertingConfig 控制运行失败时的通知。
type AlertingConfig struct {
	WebhookURL     string `yaml:"webhook_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// Slack 为 true 时按 Slack incoming webhook 格式发送。
	Slack bool `yaml:"slack"`
}

// StringList 既接受单个字符串也接受字符串列表。
type StringList []string

// UnmarshalYAML 实现 yaml.Unmarshaler。
func (s *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		if value.Tag == "!!null" {
			*s = nil
			return nil
		}
		*s = StringList{value.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := value.Decode(&items); err != nil {
			return err
		}
		*s = items
		return nil
	default:
		return fmt.Errorf("line %d: expected string or list of strings", value.Line)
	}
}

// Options 控制配置的查找与组合。
type Options struct {
	Dir       string
	Name      string
	Overrides []string
	// Now 用于 ${now:...} 解析与默认输出目录，测试时可替换。
	Now func() time.Time
}

// Load 读取主配置文件，组合 defaults，应用覆盖项并解析插值。
func Load(opts Options) (*Config, error) {
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("配置名称为空")
	}
	if opts.Dir == "" {
		opts.Dir = "conf"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	overrides, err := parseOverrides(opts.Overrides)
	if err != nil {
		return nil, err
	}

	composer := &composer{dir: opts.Dir, choices: make(map[string]string)}
	composed, err := composer.composePrimary(opts.Name, overrides)
	if err != nil {
		return nil, err
	}

	for _, ov := range overrides {
		if ov.group {
			continue
		}
		if err := ov.apply(composed); err != nil {
			return nil, err
		}
	}

	resolver := newResolver(composed, opts.Now)
	resolved, err := resolver.resolveTree()
	if err != nil {
		return nil, err
	}

	encoded, err := yaml.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(encoded, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Tree = resolved
	cfg.Composed = composed
	cfg.Overrides = append([]string(nil), opts.Overrides...)
	cfg.Choices = composer.choices
	cfg.Source = opts
	cfg.applyDefaults(opts.Now())

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(now time.Time) {
	if c.LLM.Num <= 0 {
		c.LLM.Num = 1
	}
	if c.LLM.Backend == "" {
		c.LLM.Backend = "transformers"
	}
	if c.LLM.TopP <= 0 {
		c.LLM.TopP = 1.0
	}
	if c.LLM.PythonBridge.PythonExecutable == "" {
		c.LLM.PythonBridge.PythonExecutable = "python3"
	}
	if c.LLM.PythonBridge.WorkingDir != "" && !filepath.IsAbs(c.LLM.PythonBridge.WorkingDir) {
		c.LLM.PythonBridge.WorkingDir = filepath.Join(c.Source.Dir, c.LLM.PythonBridge.WorkingDir)
	}

	if c.Tracking.Driver == "" {
		c.Tracking.Driver = "file"
	}
	if c.Tracking.Project == "" {
		c.Tracking.Project = "govsim"
	}
	if c.Tracking.Dir == "" {
		c.Tracking.Dir = "tracking"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Debug {
		c.Logging.Level = "debug"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Runtime.OutputDir == "" {
		c.Runtime.OutputDir = filepath.Join("outputs", now.Format("2006-01-02"), now.Format("15-04-05"))
	}
	if c.Runtime.ResultsDir == "" {
		c.Runtime.ResultsDir = "results"
	}

	env := &c.Experiment.Env
	if env.NumAgents <= 0 {
		env.NumAgents = 5
	}
	if env.MaxNumRounds <= 0 {
		env.MaxNumRounds = 12
	}
	if env.Capacity <= 0 {
		env.Capacity = 100
	}
	if env.InitialResource <= 0 {
		env.InitialResource = env.Capacity
	}
	if env.RegenFactor <= 0 {
		env.RegenFactor = 2
	}
	if env.CollapseThreshold <= 0 {
		env.CollapseThreshold = 5
	}
	if env.MemoryTopK <= 0 {
		env.MemoryTopK = 5
	}
	if env.Concurrency <= 0 {
		env.Concurrency = 1
	}
}

// YAML 以 YAML 形式渲染解析后的配置树。
func (c *Config) YAML() (string, error) {
	encoded, err := yaml.Marshal(c.Tree)
	if err != nil {
		return "", fmt.Errorf("序列化配置失败: %w", err)
	}
	return string(encoded), nil
}

// Object 返回配置树的深拷贝，供追踪服务记录。
func (c *Config) Object() map[string]any {
	copied, _ := deepCopy(c.Tree).(map[string]any)
	return copied
}
