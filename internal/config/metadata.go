package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// MetadataDir 是运行目录下保存配置快照的子目录，沿用下游分析脚本熟悉的名称。
const MetadataDir = ".hydra"

// 运行元数据目录中的文件。
const (
	ConfigFile    = "config.yaml"
	LauncherFile  = "hydra.yaml"
	OverridesFile = "overrides.yaml"
)

// Version 写入 hydra.yaml，便于追溯生成配置的启动器版本。
const Version = "1.0"

// MetadataFiles 返回元数据目录中全部文件的名称。
func MetadataFiles() []string {
	return []string{ConfigFile, LauncherFile, OverridesFile}
}

// WriteRunMetadata 在 outputDir/.hydra 下写入组合后的配置、启动器信息与覆盖项。
func (c *Config) WriteRunMetadata(outputDir string) (string, error) {
	dir := filepath.Join(outputDir, MetadataDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建元数据目录失败: %w", err)
	}

	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	absOutput, err := filepath.Abs(outputDir)
	if err != nil {
		absOutput = outputDir
	}
	absConfigDir, err := filepath.Abs(c.Source.Dir)
	if err != nil {
		absConfigDir = c.Source.Dir
	}

	overrides := c.Overrides
	if overrides == nil {
		overrides = []string{}
	}

	launcher := map[string]any{
		"hydra": map[string]any{
			"run": map[string]any{"dir": outputDir},
			"job": map[string]any{
				"name":        "main",
				"config_name": c.Source.Name,
			},
			"overrides": map[string]any{"task": overrides},
			"runtime": map[string]any{
				"version":    Version,
				"cwd":        cwd,
				"output_dir": absOutput,
				"config_sources": []any{
					map[string]any{"path": absConfigDir, "schema": "file", "provider": "main"},
				},
				"choices": sortedChoices(c.Choices),
			},
		},
	}

	files := []struct {
		name  string
		value any
	}{
		{ConfigFile, c.Composed},
		{LauncherFile, launcher},
		{OverridesFile, overrides},
	}
	for _, file := range files {
		encoded, err := yaml.Marshal(file.value)
		if err != nil {
			return "", fmt.Errorf("序列化 %s 失败: %w", file.name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, file.name), encoded, 0o644); err != nil {
			return "", fmt.Errorf("写入 %s 失败: %w", file.name, err)
		}
	}
	return dir, nil
}

func sortedChoices(choices map[string]string) *yaml.Node {
	keys := make([]string, 0, len(choices))
	for key := range choices {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, key := range keys {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: key},
			&yaml.Node{Kind: yaml.ScalarNode, Value: choices[key]},
		)
	}
	return node
}
