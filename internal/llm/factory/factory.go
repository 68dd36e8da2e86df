// Package factory turns a model path plus backend selector into an llm.Client.
package factory

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"govsim/internal/config"
	xerrors "govsim/internal/errors"
	"govsim/internal/llm"
	"govsim/internal/llm/openai"
	"govsim/internal/llm/pythonbridge"
)

const (
	BackendTransformers = "transformers"
	BackendPythonBridge = "python_bridge"
	BackendVLLM         = "vllm"
	BackendOpenAI       = "openai"

	defaultVLLMBaseURL = "http://localhost:8000/v1"
	defaultAPIKeyEnv   = "OPENAI_API_KEY"
	defaultBridgePath  = "scripts/llm_bridge.py"
)

// Factory 根据配置创建模型客户端，并负责关闭它们持有的资源。
type Factory struct {
	cfg config.LLMConfig

	mu      sync.Mutex
	closers []io.Closer
}

// New 创建模型工厂。
func New(cfg config.LLMConfig) *Factory {
	return &Factory{cfg: cfg}
}

// GetModel 创建一个模型客户端。isAPI 为 true 时 path 被视为远端 API 的模型名称，
// 否则由 backend 决定本地模型的加载方式。
func (f *Factory) GetModel(path string, isAPI bool, seed int64, backend string) (llm.Client, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeModelInit, "模型路径为空")
	}

	client, err := f.build(path, isAPI, seed, strings.ToLower(strings.TrimSpace(backend)))
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeModelInit, err, fmt.Sprintf("创建模型 %s 失败", path),
			xerrors.WithMetadata("backend", backend))
	}
	if closer, ok := client.(io.Closer); ok {
		f.mu.Lock()
		f.closers = append(f.closers, closer)
		f.mu.Unlock()
	}
	return client, nil
}

func (f *Factory) build(path string, isAPI bool, seed int64, backend string) (llm.Client, error) {
	if isAPI || backend == BackendOpenAI {
		apiKey, err := f.apiKey()
		if err != nil {
			return nil, err
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: f.cfg.API.BaseURL,
			Model:   path,
			Timeout: f.cfg.API.Timeout(),
		})
	}

	switch backend {
	case "", BackendTransformers, BackendPythonBridge:
		bridge := f.cfg.PythonBridge
		script := bridge.ScriptPath
		if script == "" {
			script = defaultBridgePath
		}
		return pythonbridge.NewClient(pythonbridge.Config{
			PythonExecutable: bridge.PythonExecutable,
			ScriptPath:       pythonbridge.ResolveScriptPath(bridge.WorkingDir, script),
			WorkingDir:       bridge.WorkingDir,
			ModelPath:        path,
			Backend:          BackendTransformers,
			Seed:             seed,
		})
	case BackendVLLM:
		baseURL := f.cfg.API.BaseURL
		if baseURL == "" {
			baseURL = defaultVLLMBaseURL
		}
		apiKey, _ := f.apiKey()
		return openai.NewClient(openai.Config{
			APIKey:         apiKey,
			BaseURL:        baseURL,
			Model:          path,
			Timeout:        f.cfg.API.Timeout(),
			AllowAnonymous: true,
		})
	default:
		return nil, xerrors.New(xerrors.CodeModelInit, fmt.Sprintf("未知的模型后端: %s", backend),
			xerrors.WithMetadata("backend", backend))
	}
}

func (f *Factory) apiKey() (string, error) {
	apiKey := strings.TrimSpace(f.cfg.API.APIKey)
	if apiKey != "" {
		return apiKey, nil
	}
	env := f.cfg.API.APIKeyEnv
	if env == "" {
		env = defaultAPIKeyEnv
	}
	apiKey = strings.TrimSpace(os.Getenv(env))
	if apiKey == "" {
		return "", fmt.Errorf("API 模型需要配置 llm.api.api_key 或环境变量 %s", env)
	}
	return apiKey, nil
}

// Close 关闭所有持有外部进程或连接的客户端。
func (f *Factory) Close() error {
	f.mu.Lock()
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()

	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	return err
}
