package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxInterpolationDepth = 32

// resolver 解析配置中的 ${...} 插值。
//
// 支持的形式：
//   - ${a.b.c}             引用配置树中的其他键
//   - ${uuid:}             生成 run_<uuid4>，同一次加载内结果保持一致
//   - ${oc.env:VAR,def}    读取环境变量，可带默认值（也可写作 ${env:VAR}）
//   - ${now:%Y-%m-%d}      按 strftime 风格格式化当前时间
type resolver struct {
	root      map[string]any
	now       func() time.Time
	cache     map[string]any
	resolving map[string]bool
}

func newResolver(root map[string]any, now func() time.Time) *resolver {
	return &resolver{
		root:      root,
		now:       now,
		cache:     make(map[string]any),
		resolving: make(map[string]bool),
	}
}

func (r *resolver) resolveTree() (map[string]any, error) {
	resolved, err := r.resolveValue(deepCopy(r.root), 0)
	if err != nil {
		return nil, err
	}
	tree, _ := resolved.(map[string]any)
	return tree, nil
}

func (r *resolver) resolveValue(value any, depth int) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		for key, item := range v {
			resolved, err := r.resolveValue(item, depth)
			if err != nil {
				return nil, err
			}
			v[key] = resolved
		}
		return v, nil
	case []any:
		for i, item := range v {
			resolved, err := r.resolveValue(item, depth)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	case string:
		return r.resolveString(v, depth)
	default:
		return v, nil
	}
}

func (r *resolver) resolveString(s string, depth int) (any, error) {
	if depth > maxInterpolationDepth {
		return nil, fmt.Errorf("插值嵌套过深: %s", s)
	}
	start, end := findInterpolation(s, 0)
	if start < 0 {
		return s, nil
	}
	if start == 0 && end == len(s) {
		return r.evaluate(s[2:end-1], depth)
	}

	var builder strings.Builder
	pos := 0
	for start >= 0 {
		builder.WriteString(s[pos:start])
		value, err := r.evaluate(s[start+2:end-1], depth)
		if err != nil {
			return nil, err
		}
		builder.WriteString(fmt.Sprint(value))
		pos = end
		start, end = findInterpolation(s, pos)
	}
	builder.WriteString(s[pos:])
	return builder.String(), nil
}

// findInterpolation 返回下一个 ${...} 的起止位置（end 不含），不存在时返回 -1。
func findInterpolation(s string, from int) (int, int) {
	idx := strings.Index(s[from:], "${")
	if idx < 0 {
		return -1, -1
	}
	start := from + idx
	level := 0
	for i := start + 2; i < len(s); i++ {
		switch {
		case s[i] == '{' && s[i-1] == '$':
			level++
		case s[i] == '}':
			if level == 0 {
				return start, i + 1
			}
			level--
		}
	}
	return -1, -1
}

func (r *resolver) evaluate(expr string, depth int) (any, error) {
	expr = strings.TrimSpace(expr)
	if strings.Contains(expr, "${") {
		inner, err := r.resolveString(expr, depth+1)
		if err != nil {
			return nil, err
		}
		expr = fmt.Sprint(inner)
	}

	if name, args, ok := strings.Cut(expr, ":"); ok {
		return r.callResolver(strings.TrimSpace(name), strings.TrimSpace(args))
	}

	if r.resolving[expr] {
		return nil, fmt.Errorf("插值 ${%s} 存在循环引用", expr)
	}
	value, ok := lookup(r.root, expr)
	if !ok {
		return nil, fmt.Errorf("插值 ${%s} 引用的键不存在", expr)
	}
	r.resolving[expr] = true
	defer delete(r.resolving, expr)
	return r.resolveValue(deepCopy(value), depth+1)
}

func (r *resolver) callResolver(name, args string) (any, error) {
	switch name {
	case "uuid":
		return r.cached("uuid:"+args, func() any { return "run_" + uuid.NewString() }), nil
	case "now":
		layout := args
		if layout == "" {
			layout = "%Y-%m-%d_%H-%M-%S"
		}
		return r.cached("now:"+layout, func() any { return strftime(r.now(), layout) }), nil
	case "oc.env", "env":
		variable, fallback, hasFallback := strings.Cut(args, ",")
		variable = strings.TrimSpace(variable)
		if value, ok := os.LookupEnv(variable); ok {
			return value, nil
		}
		if hasFallback {
			return parseValue(strings.Trim(strings.TrimSpace(fallback), `'"`))
		}
		return nil, fmt.Errorf("环境变量 %s 未设置", variable)
	default:
		return nil, fmt.Errorf("未知的插值解析器: %s", name)
	}
}

func (r *resolver) cached(key string, produce func() any) any {
	if value, ok := r.cache[key]; ok {
		return value
	}
	value := produce()
	r.cache[key] = value
	return value
}

var strftimeDirectives = map[byte]string{
	'Y': "2006",
	'm': "01",
	'd': "02",
	'H': "15",
	'M': "04",
	'S': "05",
	'y': "06",
	'b': "Jan",
}

// strftime 支持常用的 %Y %m %d %H %M %S 等格式符。
func strftime(t time.Time, layout string) string {
	var builder strings.Builder
	for i := 0; i < len(layout); i++ {
		if layout[i] != '%' || i+1 == len(layout) {
			builder.WriteByte(layout[i])
			continue
		}
		i++
		switch layout[i] {
		case '%':
			builder.WriteByte('%')
			continue
		case 'f':
			fmt.Fprintf(&builder, "%06d", t.Nanosecond()/1000)
			continue
		}
		goLayout, ok := strftimeDirectives[layout[i]]
		if !ok {
			builder.WriteByte('%')
			builder.WriteByte(layout[i])
			continue
		}
		builder.WriteString(t.Format(goLayout))
	}
	return builder.String()
}
