package launcher

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"govsim/internal/config"
	xerrors "govsim/internal/errors"
	"govsim/internal/llm"
	"govsim/internal/observability/alerting"
	"govsim/internal/scenario"
	"govsim/internal/tracking"
)

type stubClient struct{ name string }

func (c *stubClient) ModelName() string { return c.name }

func (c *stubClient) Generate(context.Context, llm.Request) (*llm.Response, error) {
	return &llm.Response{Text: "Answer: 1", Model: c.name}, nil
}

type stubFactory struct {
	mu     sync.Mutex
	paths  []string
	closed bool
	err    error
}

func (f *stubFactory) GetModel(path string, _ bool, _ int64, _ string) (llm.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.paths = append(f.paths, path)
	return &stubClient{name: path}, nil
}

func (f *stubFactory) Close() error {
	f.closed = true
	return nil
}

type stubTracker struct {
	mu        sync.Mutex
	events    []map[string]any
	summary   map[string]any
	artifacts []*tracking.Artifact
	status    string
}

func (t *stubTracker) RunID() string { return "run-id" }
func (t *stubTracker) RunName() string { return "run_test" }

func (t *stubTracker) Log(_ context.Context, m map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, m)
	return nil
}

func (t *stubTracker) SetSummary(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.summary == nil {
		t.summary = map[string]any{}
	}
	t.summary[key] = value
}

func (t *stubTracker) LogArtifact(_ context.Context, a *tracking.Artifact) (int, error) {
	t.artifacts = append(t.artifacts, a)
	return len(t.artifacts) - 1, nil
}

func (t *stubTracker) Finish(_ context.Context, status string) error {
	t.status = status
	return nil
}

type recordingAlerts struct{ events []alerting.Event }

func (r *recordingAlerts) Notify(_ context.Context, ev alerting.Event) error {
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	cfg      *config.Config
	models   *stubFactory
	tracker  *stubTracker
	trackers int
	alerts   *recordingAlerts
	ran      []scenario.Env
	stdout   bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	outputDir := filepath.Join(root, "outputs", "run")

	cfg := &config.Config{
		Seed: 42,
		LLM: config.LLMConfig{
			Path:    config.StringList{"model-a", "model-b", "model-c"},
			Num:     2,
			ExpType: ExpSingle,
		},
		Experiment: config.ExperimentConfig{Name: "fish_baseline", Scenario: "fishing"},
		Runtime:    config.RuntimeConfig{OutputDir: outputDir, ResultsDir: filepath.Join(root, "results")},
		Tree:       map[string]any{"seed": 42, "experiment": map[string]any{"name": "fish_baseline"}},
		Composed:   map[string]any{"seed": 42},
		Overrides:  []string{"seed=42"},
		Source:     config.Options{Dir: "conf", Name: "config"},
	}
	_, err := cfg.WriteRunMetadata(outputDir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, MainLogFile), []byte("log line\n"), 0o644))

	return &fixture{cfg: cfg, models: &stubFactory{}, tracker: &stubTracker{}, alerts: &recordingAlerts{}}
}

func (f *fixture) launcher() *Launcher {
	return New(f.cfg, Deps{
		Models: f.models,
		Trackers: func(context.Context, *config.Config, *slog.Logger) (Tracker, error) {
			f.trackers++
			return f.tracker, nil
		},
		Scenarios: func(name string) (scenario.Runner, error) {
			r, err := scenario.Lookup(name)
			if err != nil {
				return nil, err
			}
			return scenario.RunnerFunc(func(ctx context.Context, env scenario.Env) error {
				f.ran = append(f.ran, env)
				return r.Run(ctx, env)
			}), nil
		},
		Alerts: f.alerts,
		Stdout: &f.stdout,
	})
}

func TestRunSingleBuildsOneModel(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiment.Env = config.EnvConfig{NumAgents: 2, MaxNumRounds: 1, InitialResource: 100, Capacity: 100, RegenFactor: 2, CollapseThreshold: 5, MemoryTopK: 3, Concurrency: 1}

	res, err := f.launcher().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"model-a"}, f.models.paths)
	require.Equal(t, []string{"model-a"}, res.Models)
	require.Len(t, f.ran, 1)
	require.Len(t, f.ran[0].Wrappers, 1)
	require.Equal(t, ExpSingle, f.ran[0].ExpType)
	require.True(t, f.models.closed)
	require.Contains(t, f.stdout.String(), "fish_baseline")
}

func TestRunMultiBuildsNumModels(t *testing.T) {
	f := newFixture(t)
	f.cfg.LLM.ExpType = ExpMulti
	f.cfg.Experiment.Env = config.EnvConfig{NumAgents: 2, MaxNumRounds: 1, InitialResource: 100, Capacity: 100, RegenFactor: 2, CollapseThreshold: 5, MemoryTopK: 3, Concurrency: 2}

	res, err := f.launcher().Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"model-a", "model-b"}, f.models.paths)
	require.Equal(t, []string{"model-a", "model-b"}, res.Models)
	require.Len(t, f.ran[0].Wrappers, 2)
}

func TestRunMultiRequiresEnoughPaths(t *testing.T) {
	f := newFixture(t)
	f.cfg.LLM.ExpType = ExpMulti
	f.cfg.LLM.Num = 4

	_, err := f.launcher().Run(context.Background())
	require.Error(t, err)
	require.Equal(t, xerrors.CodeInvalidConfig, xerrors.CodeOf(err))
	require.Empty(t, f.models.paths)
	require.Zero(t, f.trackers)
}

func TestRunUnknownExperimentTypeBuildsNothing(t *testing.T) {
	f := newFixture(t)
	f.cfg.LLM.ExpType = "swarm"

	_, err := f.launcher().Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownExperimentType))
	require.Contains(t, err.Error(), "swarm")
	require.Empty(t, f.models.paths)
	require.Zero(t, f.trackers)
	require.Empty(t, f.alerts.events)
}

func TestRunUnknownScenarioFailsRun(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiment.Scenario = "forestry"

	_, err := f.launcher().Run(context.Background())
	require.Error(t, err)
	require.True(t, errors.Is(err, scenario.ErrUnknownScenario))
	require.Contains(t, err.Error(), "forestry")
	require.Equal(t, []string{"model-a"}, f.models.paths)
	require.Equal(t, tracking.StatusFailed, f.tracker.status)
	require.Empty(t, f.ran)
	require.Empty(t, f.tracker.artifacts)
	require.Empty(t, f.alerts.events)
}

func TestRunArchivesMetadataAndUploadsArtifact(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiment.Env = config.EnvConfig{NumAgents: 1, MaxNumRounds: 1, InitialResource: 100, Capacity: 100, RegenFactor: 2, CollapseThreshold: 5, MemoryTopK: 3, Concurrency: 1}

	res, err := f.launcher().Run(context.Background())
	require.NoError(t, err)

	want := filepath.Join(f.cfg.Runtime.ResultsDir, "fish_baseline", "run_test")
	require.Equal(t, want, res.ResultsDir)
	for _, name := range config.MetadataFiles() {
		require.FileExists(t, filepath.Join(want, config.MetadataDir, name))
	}
	logData, err := os.ReadFile(filepath.Join(want, MainLogFile))
	require.NoError(t, err)
	require.Equal(t, "log line\n", string(logData))
	require.FileExists(t, filepath.Join(want, "summary.yaml"))

	require.Len(t, f.tracker.artifacts, 1)
	artifact := f.tracker.artifacts[0]
	require.Equal(t, ArtifactName, artifact.Name)
	require.Equal(t, ArtifactType, artifact.Type)
	require.Equal(t, len(config.MetadataFiles()), artifact.Len())
	require.Equal(t, 0, res.ArtifactVersion)
	require.Equal(t, tracking.StatusFinished, f.tracker.status)
	require.Empty(t, f.alerts.events)
}

func TestRunMissingMainLogIsArchiveFailure(t *testing.T) {
	f := newFixture(t)
	f.cfg.Experiment.Env = config.EnvConfig{NumAgents: 1, MaxNumRounds: 1, InitialResource: 100, Capacity: 100, RegenFactor: 2, CollapseThreshold: 5, MemoryTopK: 3, Concurrency: 1}
	require.NoError(t, os.Remove(filepath.Join(f.cfg.Runtime.OutputDir, MainLogFile)))

	_, err := f.launcher().Run(context.Background())
	require.Error(t, err)
	require.Equal(t, xerrors.CodeArchiveFailure, xerrors.CodeOf(err))
	require.Equal(t, tracking.StatusFailed, f.tracker.status)
	require.Empty(t, f.tracker.artifacts)
	require.Len(t, f.alerts.events, 1)
	require.Equal(t, xerrors.CodeArchiveFailure, f.alerts.events[0].Code)
	require.Equal(t, "run_test", f.alerts.events[0].RunName)
	require.Equal(t, "fish_baseline", f.alerts.events[0].Experiment)
}

func TestRunModelFailureIsModelInit(t *testing.T) {
	f := newFixture(t)
	f.models.err = errors.New("weights not found")

	_, err := f.launcher().Run(context.Background())
	require.Error(t, err)
	require.Equal(t, xerrors.CodeModelInit, xerrors.CodeOf(err))
	require.Zero(t, f.trackers)
}

func TestDefaultTrackerFactoryUsesExperimentName(t *testing.T) {
	f := newFixture(t)
	f.cfg.Debug = true

	tr, err := DefaultTrackerFactory(context.Background(), f.cfg, nil)
	require.NoError(t, err)
	logger, ok := tr.(*tracking.Logger)
	require.True(t, ok)
	require.Equal(t, "fish_baseline", logger.Project())
	require.Equal(t, "disabled", logger.Mode())
	require.NoError(t, tr.Finish(context.Background(), tracking.StatusFinished))
}
