package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// FileSink 把运行记录写入本地目录：
//
//	<root>/<project>/<run_id>/run.json
//	<root>/<project>/<run_id>/events.jsonl
//	<root>/<project>/<run_id>/artifacts/<name>/v<N>/{files..., manifest.json}
type FileSink struct {
	root string

	mu     sync.Mutex
	runDir string
	events *os.File
}

// NewFileSink 创建本地目录 sink。
func NewFileSink(root string) (*FileSink, error) {
	if root == "" {
		root = DefaultDir
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建追踪目录失败: %w", err)
	}
	return &FileSink{root: root}, nil
}

// Name 实现 Sink。
func (s *FileSink) Name() string { return DriverFile }

// RunDir 返回当前运行的目录。
func (s *FileSink) RunDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runDir
}

// StartRun 创建运行目录并写入 run.json。
func (s *FileSink) StartRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, run.Project, run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("创建运行目录失败: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "run.json"), run); err != nil {
		return err
	}
	events, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开事件文件失败: %w", err)
	}
	s.runDir = dir
	s.events = events
	return nil
}

// LogEvent 追加一行 JSON 事件。
func (s *FileSink) LogEvent(_ context.Context, ev Event) error {
	encoded, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("序列化事件失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return errors.New("运行尚未启动")
	}
	if _, err := s.events.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return nil
}

// LogArtifact 复制产物文件并写入 manifest.json。
func (s *FileSink) LogArtifact(_ context.Context, _ Run, rec ArtifactRecord) error {
	s.mu.Lock()
	runDir := s.runDir
	s.mu.Unlock()
	if runDir == "" {
		return errors.New("运行尚未启动")
	}

	dir := filepath.Join(runDir, "artifacts", rec.Name, fmt.Sprintf("v%d", rec.Version))
	for _, entry := range rec.Entries {
		dst := filepath.Join(dir, filepath.FromSlash(entry.Path))
		if err := copyFile(entry.Source, dst); err != nil {
			return err
		}
	}
	return writeJSON(filepath.Join(dir, "manifest.json"), rec)
}

// FinishRun 以最终状态和摘要重写 run.json。
func (s *FileSink) FinishRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runDir == "" {
		return errors.New("运行尚未启动")
	}
	return writeJSON(filepath.Join(s.runDir, "run.json"), run)
}

// Close 关闭事件文件。
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return nil
	}
	err := s.events.Close()
	s.events = nil
	return err
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化 %s 失败: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o644); err != nil {
		return fmt.Errorf("写入 %s 失败: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("打开 %s 失败: %w", src, err)
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("创建 %s 失败: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("复制 %s 失败: %w", src, err)
	}
	return out.Close()
}
