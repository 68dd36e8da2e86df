package pythonbridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"govsim/internal/llm"
)

// Config 描述启动本地模型辅助进程所需的信息。
type Config struct {
	PythonExecutable string
	ScriptPath       string
	WorkingDir       string
	ModelPath        string
	Backend          string
	Seed             int64
	// Args 追加在脚本路径之后，测试时可用于替换解释器行为。
	Args []string
}

// Client 通过常驻的 Python 进程调用本地模型。进程在首次请求时启动，
// 以 JSON Lines 协议逐条收发请求，模型只需加载一次。
type Client struct {
	cfg Config

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	stderr *lockedBuffer
}

// lockedBuffer 收集子进程的 stderr，os/exec 会在独立的 goroutine 中写入。
type lockedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(cfg Config) (*Client, error) {
	if cfg.ScriptPath == "" {
		return nil, fmt.Errorf("未指定 Python 脚本路径")
	}
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("未指定模型路径")
	}
	if cfg.PythonExecutable == "" {
		cfg.PythonExecutable = "python3"
	}
	return &Client{cfg: cfg}, nil
}

// ModelName 返回模型路径。
func (c *Client) ModelName() string {
	return c.cfg.ModelPath
}

type bridgeRequest struct {
	Model       string   `json:"model"`
	Backend     string   `json:"backend"`
	System      string   `json:"system,omitempty"`
	Prompt      string   `json:"prompt"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	Seed        int64    `json:"seed"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

type bridgeResponse struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	Error            string `json:"error"`
}

// Generate 将请求写入辅助进程并读取一行响应。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureStarted(); err != nil {
		return nil, err
	}

	seed := req.Seed
	if seed == 0 {
		seed = c.cfg.Seed
	}
	encoded, err := json.Marshal(bridgeRequest{
		Model:       c.cfg.ModelPath,
		Backend:     c.cfg.Backend,
		System:      req.System,
		Prompt:      req.Prompt,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Seed:        seed,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	type result struct {
		line []byte
		err  error
	}
	// stopLocked 会清空字段，goroutine 只能使用这里的副本。
	stdin, stdout, stderr := c.stdin, c.stdout, c.stderr
	done := make(chan result, 1)
	go func() {
		if _, err := stdin.Write(append(encoded, '\n')); err != nil {
			done <- result{err: err}
			return
		}
		line, err := stdout.ReadBytes('\n')
		done <- result{line: line, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		_ = c.stopLocked(true)
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		_ = c.stopLocked(true)
		return nil, fmt.Errorf("与 Python 进程通信失败: %v, stderr=%s", res.err, strings.TrimSpace(stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(res.line, &resp); err != nil {
		return nil, fmt.Errorf("解析 Python 输出失败: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("Python 推理失败: %s", resp.Error)
	}

	return &llm.Response{
		Text:             strings.TrimSpace(resp.Text),
		Model:            c.cfg.ModelPath,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}, nil
}

func (c *Client) ensureStarted() error {
	if c.cmd != nil {
		return nil
	}
	args := append([]string{c.cfg.ScriptPath}, c.cfg.Args...)
	cmd := exec.Command(c.cfg.PythonExecutable, args...)
	if c.cfg.WorkingDir != "" {
		cmd.Dir = c.cfg.WorkingDir
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("创建 stdin 管道失败: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("创建 stdout 管道失败: %w", err)
	}
	stderr := &lockedBuffer{}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("启动 Python 进程失败: %w", err)
	}
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	c.stderr = stderr
	return nil
}

func (c *Client) stopLocked(kill bool) error {
	if c.cmd == nil {
		return nil
	}
	_ = c.stdin.Close()
	if kill {
		_ = c.cmd.Process.Kill()
	}
	err := c.cmd.Wait()
	c.cmd = nil
	c.stdin = nil
	c.stdout = nil
	var exitErr *exec.ExitError
	if kill || errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Close 关闭 stdin 并等待辅助进程退出。
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(false)
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
