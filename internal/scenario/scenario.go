// Package scenario selects the simulation that an experiment runs.
package scenario

import (
	"context"
	"fmt"
	"sort"
	"strings"

	xerrors "govsim/internal/errors"
	"govsim/internal/scenario/commons"
	"govsim/internal/scenario/fishing"
	"govsim/internal/scenario/pollution"
	"govsim/internal/scenario/sheep"
)

// Env 是传给场景的运行环境。
type Env = commons.Env

// ErrUnknownScenario 在 experiment.scenario 不是已知场景时返回，可用 errors.Is 判断。
var ErrUnknownScenario = xerrors.New(xerrors.CodeUnknownScenario, "")

// Runner 执行一个场景。
type Runner interface {
	Run(ctx context.Context, env Env) error
}

// RunnerFunc 把普通函数适配为 Runner。
type RunnerFunc func(ctx context.Context, env Env) error

// Run 实现 Runner。
func (f RunnerFunc) Run(ctx context.Context, env Env) error { return f(ctx, env) }

var runners = map[string]Runner{
	fishing.Name:   RunnerFunc(fishing.Run),
	sheep.Name:     RunnerFunc(sheep.Run),
	pollution.Name: RunnerFunc(pollution.Run),
}

// Names 返回已知场景名称。
func Names() []string {
	names := make([]string, 0, len(runners))
	for name := range runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup 返回名称对应的场景。
func Lookup(name string) (Runner, error) {
	if r, ok := runners[name]; ok {
		return r, nil
	}
	return nil, xerrors.New(xerrors.CodeUnknownScenario,
		fmt.Sprintf("Unknown experiment.scenario: %s (expected one of %s)", name, strings.Join(Names(), ", ")),
		xerrors.WithMetadata("scenario", name))
}
