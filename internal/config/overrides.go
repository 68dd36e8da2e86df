package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

type overrideOp int

const (
	opSet overrideOp = iota
	opAdd
	opForce
	opDelete
)

// override 是一条命令行覆盖项，例如 llm.num=3、+tracking.entity=lab、~metrics。
type override struct {
	raw   string
	op    overrideOp
	key   string
	value any
	group bool
}

func parseOverrides(args []string) ([]*override, error) {
	parsed := make([]*override, 0, len(args))
	for _, arg := range args {
		ov, err := parseOverride(arg)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, ov)
	}
	return parsed, nil
}

func parseOverride(arg string) (*override, error) {
	raw := strings.TrimSpace(arg)
	ov := &override{raw: raw, op: opSet}

	switch {
	case strings.HasPrefix(raw, "++"):
		ov.op = opForce
		raw = raw[2:]
	case strings.HasPrefix(raw, "+"):
		ov.op = opAdd
		raw = raw[1:]
	case strings.HasPrefix(raw, "~"):
		ov.op = opDelete
		raw = raw[1:]
	}

	key, value, hasValue := strings.Cut(raw, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("无效的覆盖项 %q: 缺少键", arg)
	}
	ov.key = key

	if ov.op == opDelete {
		return ov, nil
	}
	if !hasValue {
		return nil, fmt.Errorf("无效的覆盖项 %q: 缺少 '='", arg)
	}
	parsed, err := parseValue(value)
	if err != nil {
		return nil, fmt.Errorf("无效的覆盖项 %q: %w", arg, err)
	}
	ov.value = parsed
	return ov, nil
}

// parseValue 按 YAML 规则解析覆盖值，因此 llm.path=[a,b] 会得到列表。
func parseValue(value string) (any, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return "", nil
	}
	if strings.HasPrefix(value, "${") {
		return value, nil
	}
	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func (o *override) apply(tree map[string]any) error {
	_, exists := lookup(tree, o.key)
	switch o.op {
	case opDelete:
		return deletePath(tree, o.key)
	case opAdd:
		if exists {
			return fmt.Errorf("无法追加 %s: 键已存在，请使用 %s", o.raw, strings.TrimPrefix(o.raw, "+"))
		}
		return setPath(tree, o.key, o.value, true)
	case opForce:
		return setPath(tree, o.key, o.value, true)
	default:
		if !exists {
			return fmt.Errorf("无法覆盖 %s: 键不存在，请使用 +%s", o.key, o.raw)
		}
		return setPath(tree, o.key, o.value, false)
	}
}
