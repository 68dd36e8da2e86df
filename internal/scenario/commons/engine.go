package commons

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"govsim/internal/config"
	"govsim/internal/embedding"
	xerrors "govsim/internal/errors"
	"govsim/internal/wrapper"
)

// 输出文件名。
const (
	EnvLogFile  = "log_env.json"
	SummaryFile = "summary.yaml"
)

var defaultPersonas = []string{"John", "Kate", "Jack", "Emma", "Luke"}

// Tracker 是引擎使用的追踪接口，tracking.Logger 满足该接口。
type Tracker interface {
	Log(ctx context.Context, metrics map[string]any) error
	SetSummary(key string, value any)
}

// Env 汇集一次场景运行所需的全部依赖。
type Env struct {
	Experiment config.ExperimentConfig
	Tracker    Tracker
	Wrappers   []*wrapper.ModelWrapper
	Embedding  *embedding.Model
	StorageDir string
	ExpType    string
	Rand       *rand.Rand
	Logger     *slog.Logger
}

// Definition 描述一个场景的叙事方式，数值规则由引擎统一处理。
type Definition struct {
	Name string
	// System 返回 agent 的系统提示词。
	System func(persona string, others []string, env config.EnvConfig) string
	// Status 描述本轮开始时的资源状况。
	Status func(stock int) string
	// Question 询问本轮的索取数量。
	Question func(stock int) string
	// Universalization 提示所有人都超过 limit 时的后果。
	Universalization func(limit int) string
	// Memory 生成轮末写入 agent 记忆的文字。
	Memory func(round, before, took, total, after int) string
	// Query 用于检索相关记忆。
	Query string
}

// RoundLog 是 log_env.json 中的一轮记录。
type RoundLog struct {
	Round             int               `json:"round"`
	StockBefore       int               `json:"stock_before"`
	Order             []string          `json:"order"`
	Requests          map[string]int    `json:"requests"`
	Harvests          map[string]int    `json:"harvests"`
	Responses         map[string]string `json:"responses"`
	TotalHarvest      int               `json:"total_harvest"`
	StockAfterHarvest int               `json:"stock_after_harvest"`
	StockAfterRegen   int               `json:"stock_after_regen"`
	Collapsed         bool              `json:"collapsed"`
}

// Summary 是 summary.yaml 的内容。
type Summary struct {
	Scenario       string         `yaml:"scenario"`
	ExpType        string         `yaml:"exp_type"`
	Models         []string       `yaml:"models"`
	Rounds         int            `yaml:"rounds"`
	SurvivalMonths int            `yaml:"survival_months"`
	Collapsed      bool           `yaml:"collapsed"`
	TotalHarvest   int            `yaml:"total_harvest"`
	FinalStock     int            `yaml:"final_stock"`
	Gains          map[string]int `yaml:"gains"`
	Efficiency     float64        `yaml:"efficiency"`
	Equality       float64        `yaml:"equality"`
	LLMCalls       int64          `yaml:"llm_calls"`
}

type agent struct {
	name     string
	model    *wrapper.ModelWrapper
	memories []string
	gain     int
}

type rules struct {
	capacity  int
	stock     int
	regen     float64
	threshold int
	rounds    int
	topK      int
	limit     int
}

// Run 执行一次完整的模拟并把结果写入 env.StorageDir。
func Run(ctx context.Context, env Env, def Definition) (*Summary, error) {
	if len(env.Wrappers) == 0 {
		return nil, xerrors.New(xerrors.CodeScenarioFailure, "没有可用的模型")
	}
	if env.Embedding == nil {
		return nil, xerrors.New(xerrors.CodeScenarioFailure, "未提供 embedding 模型")
	}
	if env.Rand == nil {
		env.Rand = rand.New(rand.NewPCG(0, 0))
	}
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("scenario", def.Name))

	cfg := env.Experiment.Env
	r := rules{
		capacity:  int(math.Round(cfg.Capacity)),
		stock:     int(math.Round(cfg.InitialResource)),
		regen:     cfg.RegenFactor,
		threshold: int(math.Round(cfg.CollapseThreshold)),
		rounds:    cfg.MaxNumRounds,
		topK:      cfg.MemoryTopK,
		limit:     cfg.Concurrency,
	}
	if r.limit <= 0 {
		r.limit = 1
	}
	if r.stock > r.capacity {
		r.stock = r.capacity
	}

	agents := buildAgents(env, cfg.NumAgents)
	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.name
	}

	if err := os.MkdirAll(env.StorageDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeScenarioFailure, err, "创建结果目录失败")
	}

	var (
		history   []RoundLog
		total     int
		survival  int
		collapsed bool
	)
	for round := 0; round < r.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		entry, err := playRound(ctx, env, def, r, agents, names, round)
		if err != nil {
			return nil, err
		}
		history = append(history, entry)
		total += entry.TotalHarvest
		r.stock = entry.StockAfterRegen

		if env.Tracker != nil {
			metrics := map[string]any{
				"round":                           round,
				def.Name + "/stock_before":        entry.StockBefore,
				def.Name + "/total_harvest":       entry.TotalHarvest,
				def.Name + "/stock_after_harvest": entry.StockAfterHarvest,
				def.Name + "/stock_after_regen":   entry.StockAfterRegen,
			}
			for name, took := range entry.Harvests {
				metrics[def.Name+"/harvest/"+name] = took
			}
			if err := env.Tracker.Log(ctx, metrics); err != nil {
				logger.Warn("记录回合指标失败", slog.Int("round", round), slog.Any("error", err))
			}
		}
		logger.Info("回合结束",
			slog.Int("round", round),
			slog.Int("stock_before", entry.StockBefore),
			slog.Int("total_harvest", entry.TotalHarvest),
			slog.Int("stock_after_regen", entry.StockAfterRegen))

		if entry.Collapsed {
			collapsed = true
			break
		}
		survival++
	}

	summary := summarize(env, def, r, agents, history, total, survival, collapsed)
	if err := writeOutputs(env.StorageDir, history, summary); err != nil {
		return nil, err
	}
	if env.Tracker != nil {
		env.Tracker.SetSummary("survival_months", summary.SurvivalMonths)
		env.Tracker.SetSummary("collapsed", summary.Collapsed)
		env.Tracker.SetSummary("total_harvest", summary.TotalHarvest)
		env.Tracker.SetSummary("efficiency", summary.Efficiency)
		env.Tracker.SetSummary("equality", summary.Equality)
		for name, gain := range summary.Gains {
			env.Tracker.SetSummary("gain/"+name, gain)
		}
	}
	logger.Info("模拟完成",
		slog.Int("survival_months", summary.SurvivalMonths),
		slog.Bool("collapsed", summary.Collapsed),
		slog.Int("total_harvest", summary.TotalHarvest))
	return summary, nil
}

func buildAgents(env Env, n int) []*agent {
	if n <= 0 {
		n = len(defaultPersonas)
	}
	agents := make([]*agent, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("Agent%d", i+1)
		switch {
		case i < len(env.Experiment.Personas) && strings.TrimSpace(env.Experiment.Personas[i]) != "":
			name = strings.TrimSpace(env.Experiment.Personas[i])
		case len(env.Experiment.Personas) == 0 && i < len(defaultPersonas):
			name = defaultPersonas[i]
		}
		agents[i] = &agent{name: name, model: env.Wrappers[i%len(env.Wrappers)]}
	}
	return agents
}

func playRound(ctx context.Context, env Env, def Definition, r rules, agents []*agent, names []string, round int) (RoundLog, error) {
	stock := r.stock
	requests := make([]int, len(agents))
	responses := make([]string, len(agents))

	universal := ""
	if env.Experiment.Env.Universalization && def.Universalization != nil {
		universal = def.Universalization(sustainableShare(stock, r.regen, len(agents)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for i, a := range agents {
		others := make([]string, 0, len(names)-1)
		for j, n := range names {
			if j != i {
				others = append(others, n)
			}
		}
		system := def.System(a.name, others, env.Experiment.Env)
		prompt := buildPrompt(env.Embedding, def, a, stock, r.topK, universal)
		g.Go(func() error {
			text, err := a.model.Generate(gctx, system, prompt, wrapper.WithTag(fmt.Sprintf("%s/round_%d/%s", def.Name, round, a.name)))
			if err != nil {
				return err
			}
			responses[i] = text
			requests[i] = ParseAmount(text)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RoundLog{}, err
	}

	entry := RoundLog{
		Round:       round,
		StockBefore: stock,
		Requests:    make(map[string]int, len(agents)),
		Harvests:    make(map[string]int, len(agents)),
		Responses:   make(map[string]string, len(agents)),
	}
	remaining := stock
	for _, idx := range env.Rand.Perm(len(agents)) {
		a := agents[idx]
		took := requests[idx]
		if took > remaining {
			took = remaining
		}
		remaining -= took
		a.gain += took
		entry.Order = append(entry.Order, a.name)
		entry.Requests[a.name] = requests[idx]
		entry.Harvests[a.name] = took
		entry.Responses[a.name] = responses[idx]
		entry.TotalHarvest += took
	}
	entry.StockAfterHarvest = remaining
	entry.Collapsed = remaining < r.threshold
	entry.StockAfterRegen = regenerate(remaining, r.regen, r.capacity)

	for _, a := range agents {
		a.memories = append(a.memories, def.Memory(round, stock, entry.Harvests[a.name], entry.TotalHarvest, remaining))
	}
	return entry, nil
}

func buildPrompt(model *embedding.Model, def Definition, a *agent, stock, topK int, universal string) string {
	var b strings.Builder
	if len(a.memories) > 0 {
		fmt.Fprintf(&b, "Key memories of %s:\n", a.name)
		for _, m := range model.TopK(def.Query, a.memories, topK) {
			fmt.Fprintf(&b, "- %s\n", a.memories[m.Index])
		}
		b.WriteString("\n")
	}
	b.WriteString(def.Status(stock))
	if universal != "" {
		b.WriteString(" ")
		b.WriteString(universal)
	}
	b.WriteString("\n")
	b.WriteString(def.Question(stock))
	return b.String()
}

// sustainableShare 是每个 agent 的最大可持续索取量：全体索取不超过该值时，
// 剩余资源再生后不低于当前水平。
func sustainableShare(stock int, regen float64, agents int) int {
	if agents <= 0 || regen <= 0 {
		return 0
	}
	keep := math.Ceil(float64(stock) / regen)
	share := (float64(stock) - keep) / float64(agents)
	if share < 0 {
		return 0
	}
	return int(math.Floor(share))
}

func regenerate(remaining int, regen float64, capacity int) int {
	next := int(math.Floor(float64(remaining) * regen))
	if next > capacity {
		return capacity
	}
	return next
}

func summarize(env Env, def Definition, r rules, agents []*agent, history []RoundLog, total, survival int, collapsed bool) *Summary {
	s := &Summary{
		Scenario:       def.Name,
		ExpType:        env.ExpType,
		Rounds:         len(history),
		SurvivalMonths: survival,
		Collapsed:      collapsed,
		TotalHarvest:   total,
		FinalStock:     r.stock,
		Gains:          make(map[string]int, len(agents)),
	}
	seen := map[string]bool{}
	for _, w := range env.Wrappers {
		if !seen[w.Model()] {
			seen[w.Model()] = true
			s.Models = append(s.Models, w.Model())
		}
		s.LLMCalls += w.Calls()
	}
	gains := make([]float64, len(agents))
	for i, a := range agents {
		s.Gains[a.name] = a.gain
		gains[i] = float64(a.gain)
	}
	if r.rounds > 0 && r.capacity > 0 && r.regen > 0 {
		optimal := float64(r.capacity) * (1 - 1/r.regen) * float64(r.rounds)
		if optimal > 0 {
			s.Efficiency = round3(float64(total) / optimal)
		}
	}
	s.Equality = round3(1 - gini(gains))
	return s
}

func gini(values []float64) float64 {
	n := float64(len(values))
	if n == 0 {
		return 0
	}
	var sum, diff float64
	for i, x := range values {
		sum += x
		for _, y := range values[i+1:] {
			diff += math.Abs(x - y)
		}
	}
	if sum == 0 {
		return 0
	}
	return (2 * diff) / (2 * n * sum)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func writeOutputs(dir string, history []RoundLog, summary *Summary) error {
	if history == nil {
		history = []RoundLog{}
	}
	encoded, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeScenarioFailure, err, "序列化回合日志失败")
	}
	if err := os.WriteFile(filepath.Join(dir, EnvLogFile), encoded, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeScenarioFailure, err, "写入回合日志失败")
	}
	out, err := yaml.Marshal(summary)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeScenarioFailure, err, "序列化模拟摘要失败")
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), out, 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeScenarioFailure, err, "写入模拟摘要失败")
	}
	return nil
}
