package tracking

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ArtifactEntry 描述产物中的一个文件。
type ArtifactEntry struct {
	Path   string `json:"path"`
	Digest string `json:"sha256"`
	Size   int64  `json:"size"`
	// Source 是文件在本地磁盘上的位置，仅用于上传。
	Source string `json:"-"`
}

// ArtifactRecord 是提交给 sink 的产物快照。
type ArtifactRecord struct {
	Name      string          `json:"name"`
	Type      string          `json:"type"`
	Version   int             `json:"version"`
	Entries   []ArtifactEntry `json:"entries"`
	CreatedAt time.Time       `json:"created_at"`
}

// Artifact 是一组带名称和类型的文件。
type Artifact struct {
	Name string
	Type string

	entries map[string]ArtifactEntry
}

// NewArtifact 创建一个空产物。
func NewArtifact(name, typ string) *Artifact {
	return &Artifact{Name: name, Type: typ, entries: make(map[string]ArtifactEntry)}
}

// AddDir 把 dir 下的所有普通文件按相对路径加入产物。
func (a *Artifact) AddDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("读取产物目录失败: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s 不是目录", dir)
	}
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		return a.add(p, filepath.ToSlash(rel))
	})
}

// AddFile 把单个文件加入产物。name 为空时使用文件名。
func (a *Artifact) AddFile(p, name string) error {
	if name == "" {
		name = filepath.Base(p)
	}
	return a.add(p, path.Clean(filepath.ToSlash(name)))
}

func (a *Artifact) add(source, name string) error {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return fmt.Errorf("非法的产物路径: %q", name)
	}
	digest, size, err := hashFile(source)
	if err != nil {
		return err
	}
	if existing, ok := a.entries[name]; ok {
		if existing.Digest == digest {
			return nil
		}
		return fmt.Errorf("产物 %s 中已存在内容不同的 %s", a.Name, name)
	}
	if a.entries == nil {
		a.entries = make(map[string]ArtifactEntry)
	}
	a.entries[name] = ArtifactEntry{Path: name, Digest: digest, Size: size, Source: source}
	return nil
}

// Entries 按路径排序返回产物内容。
func (a *Artifact) Entries() []ArtifactEntry {
	out := make([]ArtifactEntry, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Len 返回文件数量。
func (a *Artifact) Len() int { return len(a.entries) }

func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("打开产物文件失败: %w", err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("计算产物摘要失败: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
