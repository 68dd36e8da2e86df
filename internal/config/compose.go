package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultsKey = "defaults"
	selfEntry   = "_self_"
)

// defaultEntry 是 defaults 列表中的一项。
type defaultEntry struct {
	group    string
	option   string
	self     bool
	optional bool
}

type composer struct {
	dir     string
	choices map[string]string
}

// composePrimary 读取主配置文件并按 defaults 列表组合出完整配置树。
func (c *composer) composePrimary(name string, overrides []*override) (map[string]any, error) {
	primary, err := readYAMLFile(filepath.Join(c.dir, name+".yaml"))
	if err != nil {
		return nil, err
	}
	entries, err := extractDefaults(primary)
	if err != nil {
		return nil, fmt.Errorf("%s.yaml: %w", name, err)
	}

	for _, ov := range overrides {
		if !c.isGroupOverride(ov, entries) {
			continue
		}
		ov.group = true
		if entries, err = applyGroupOverride(entries, ov); err != nil {
			return nil, err
		}
	}

	return c.compose(c.dir, "", primary, entries)
}

// isGroupOverride 判断覆盖项是否用于切换配置组的选项。
func (c *composer) isGroupOverride(ov *override, entries []defaultEntry) bool {
	if strings.Contains(ov.key, ".") {
		return false
	}
	if ov.op != opDelete {
		if _, ok := ov.value.(string); !ok {
			return false
		}
	}
	for _, entry := range entries {
		if entry.group == ov.key {
			return true
		}
	}
	if ov.op == opSet {
		return false
	}
	info, err := os.Stat(filepath.Join(c.dir, ov.key))
	return err == nil && info.IsDir()
}

func applyGroupOverride(entries []defaultEntry, ov *override) ([]defaultEntry, error) {
	idx := -1
	for i, entry := range entries {
		if entry.group == ov.key {
			idx = i
			break
		}
	}
	switch ov.op {
	case opDelete:
		if idx < 0 {
			return nil, fmt.Errorf("无法删除配置组 %s: defaults 中不存在", ov.key)
		}
		return append(entries[:idx:idx], entries[idx+1:]...), nil
	case opAdd:
		if idx >= 0 {
			return nil, fmt.Errorf("配置组 %s 已存在，请去掉前缀 +", ov.key)
		}
		return append(entries, defaultEntry{group: ov.key, option: ov.value.(string)}), nil
	case opForce:
		if idx >= 0 {
			entries[idx].option = ov.value.(string)
			return entries, nil
		}
		return append(entries, defaultEntry{group: ov.key, option: ov.value.(string)}), nil
	default:
		if idx < 0 {
			return nil, fmt.Errorf("无法覆盖配置组 %s: defaults 中不存在", ov.key)
		}
		entries[idx].option = ov.value.(string)
		return entries, nil
	}
}

// compose 递归展开 defaults 列表。_self_ 未出现时，当前文件的内容最后合并。
func (c *composer) compose(dir, groupPrefix string, node map[string]any, entries []defaultEntry) (map[string]any, error) {
	result := make(map[string]any)
	selfMerged := false

	for _, entry := range entries {
		switch {
		case entry.self:
			result = deepMerge(result, node)
			selfMerged = true
		case entry.group != "":
			if entry.option == "" || entry.option == "null" {
				continue
			}
			groupDir := filepath.Join(dir, filepath.FromSlash(entry.group))
			child, err := readYAMLFile(filepath.Join(groupDir, entry.option+".yaml"))
			if err != nil {
				if entry.optional && errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			childEntries, err := extractDefaults(child)
			if err != nil {
				return nil, fmt.Errorf("%s/%s.yaml: %w", entry.group, entry.option, err)
			}
			qualified := joinGroup(groupPrefix, entry.group)
			sub, err := c.compose(groupDir, qualified, child, childEntries)
			if err != nil {
				return nil, err
			}
			c.choices[qualified] = entry.option

			wrapped := make(map[string]any)
			if err := setPath(wrapped, strings.ReplaceAll(entry.group, "/", "."), sub, true); err != nil {
				return nil, err
			}
			result = deepMerge(result, wrapped)
		default:
			child, err := readYAMLFile(filepath.Join(dir, entry.option+".yaml"))
			if err != nil {
				if entry.optional && errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			childEntries, err := extractDefaults(child)
			if err != nil {
				return nil, fmt.Errorf("%s.yaml: %w", entry.option, err)
			}
			sub, err := c.compose(dir, groupPrefix, child, childEntries)
			if err != nil {
				return nil, err
			}
			result = deepMerge(result, sub)
		}
	}

	if !selfMerged {
		result = deepMerge(result, node)
	}
	return result, nil
}

func joinGroup(prefix, group string) string {
	if prefix == "" {
		return group
	}
	return prefix + "/" + group
}

// extractDefaults 从配置中取出并删除 defaults 列表。
func extractDefaults(node map[string]any) ([]defaultEntry, error) {
	raw, ok := node[defaultsKey]
	if !ok {
		return nil, nil
	}
	delete(node, defaultsKey)
	if raw == nil {
		return nil, nil
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, errors.New("defaults 必须是列表")
	}

	entries := make([]defaultEntry, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			if v == selfEntry {
				entries = append(entries, defaultEntry{self: true})
				continue
			}
			optional := false
			if name, ok := strings.CutPrefix(v, "optional "); ok {
				v, optional = strings.TrimSpace(name), true
			}
			entries = append(entries, defaultEntry{option: v, optional: optional})
		case map[string]any:
			if len(v) != 1 {
				return nil, fmt.Errorf("defaults 项必须只有一个键: %v", v)
			}
			for key, value := range v {
				entry := defaultEntry{group: key}
				if name, ok := strings.CutPrefix(key, "optional "); ok {
					entry.group, entry.optional = strings.TrimSpace(name), true
				}
				switch option := value.(type) {
				case nil:
				case string:
					entry.option = option
				default:
					return nil, fmt.Errorf("配置组 %s 的选项必须是字符串", key)
				}
				entries = append(entries, entry)
			}
		default:
			return nil, fmt.Errorf("无法识别的 defaults 项: %v", item)
		}
	}
	return entries, nil
}

func readYAMLFile(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	var node map[string]any
	if err := yaml.Unmarshal(content, &node); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}
	if node == nil {
		node = make(map[string]any)
	}
	return node, nil
}
