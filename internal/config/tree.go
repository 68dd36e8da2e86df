package config

import (
	"fmt"
	"strings"
)

// lookup 按点分路径查找配置值。
func lookup(tree map[string]any, path string) (any, bool) {
	var current any = tree
	for _, part := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// setPath 写入点分路径上的值。create 为 false 时中间节点必须已存在。
func setPath(tree map[string]any, path string, value any, create bool) error {
	parts := strings.Split(path, ".")
	node := tree
	for i, part := range parts[:len(parts)-1] {
		next, ok := node[part]
		if !ok || next == nil {
			if !create {
				return fmt.Errorf("配置键 %s 不存在", strings.Join(parts[:i+1], "."))
			}
			child := make(map[string]any)
			node[part] = child
			node = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("配置键 %s 不是映射", strings.Join(parts[:i+1], "."))
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// deletePath 删除点分路径上的键。
func deletePath(tree map[string]any, path string) error {
	parts := strings.Split(path, ".")
	parent := tree
	if len(parts) > 1 {
		value, ok := lookup(tree, strings.Join(parts[:len(parts)-1], "."))
		if !ok {
			return fmt.Errorf("配置键 %s 不存在", path)
		}
		node, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("配置键 %s 不存在", path)
		}
		parent = node
	}
	last := parts[len(parts)-1]
	if _, ok := parent[last]; !ok {
		return fmt.Errorf("配置键 %s 不存在", path)
	}
	delete(parent, last)
	return nil
}

// deepMerge 将 src 合并进 dst 的副本，映射逐层合并，其余类型由 src 覆盖。
func deepMerge(dst, src map[string]any) map[string]any {
	merged, _ := deepCopy(dst).(map[string]any)
	if merged == nil {
		merged = make(map[string]any)
	}
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		dstMap, dstIsMap := merged[key].(map[string]any)
		if srcIsMap && dstIsMap {
			merged[key] = deepMerge(dstMap, srcMap)
			continue
		}
		merged[key] = deepCopy(value)
	}
	return merged
}

func deepCopy(value any) any {
	switch v := value.(type) {
	case map[string]any:
		copied := make(map[string]any, len(v))
		for key, item := range v {
			copied[key] = deepCopy(item)
		}
		return copied
	case []any:
		copied := make([]any, len(v))
		for i, item := range v {
			copied[i] = deepCopy(item)
		}
		return copied
	default:
		return v
	}
}
