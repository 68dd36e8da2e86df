// Package errors 定义启动器内统一的错误码与错误类型。
//
// 每个错误码在注册表中带有默认的严重程度、是否可重试、是否告警以及进程退出码，
// 单个错误可以通过 Option 覆盖这些默认值。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 表示启动器内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidConfig         Code = "INVALID_CONFIG"
	CodeUnknownExperimentType Code = "UNKNOWN_EXPERIMENT_TYPE"
	CodeUnknownScenario       Code = "UNKNOWN_SCENARIO"
	CodeModelInit             Code = "MODEL_INIT_FAILURE"
	CodeTrackingFailure       Code = "TRACKING_FAILURE"
	CodeArchiveFailure        Code = "ARCHIVE_FAILURE"
	CodeScenarioFailure       Code = "SCENARIO_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// Attributes 为错误码提供默认行为。ExitCode 是命令行遇到该错误时的退出码。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
	ExitCode  int
}

var (
	registryMu sync.RWMutex
	// 配置类错误不告警，退出码 2 与命令行参数错误保持一致。
	registry = map[Code]Attributes{
		CodeUnknown:               {"unknown error", SeverityCritical, false, true, 1},
		CodeInvalidConfig:         {"invalid configuration", SeverityInfo, false, false, 2},
		CodeUnknownExperimentType: {"unknown experiment type", SeverityInfo, false, false, 2},
		CodeUnknownScenario:       {"unknown scenario", SeverityInfo, false, false, 2},
		CodeModelInit:             {"model initialization failed", SeverityWarning, false, true, 3},
		CodeTrackingFailure:       {"tracking service failure", SeverityWarning, true, true, 4},
		CodeArchiveFailure:        {"archiving run artifacts failed", SeverityWarning, false, true, 5},
		CodeScenarioFailure:       {"scenario execution failed", SeverityCritical, false, true, 6},
		CodeTimeout:               {"operation timed out", SeverityWarning, true, true, 124},
	}
)

// Register 允许各模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册时返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是启动器内统一的错误类型，携带错误码与上下文信息。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	// overrides 只在调用方显式覆盖时非空。
	overrides struct {
		retryable *bool
		alert     *bool
		severity  *Severity
	}
}

// Option 调整单个错误的属性。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.overrides.retryable = &retryable }
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.overrides.alert = &alert }
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.overrides.severity = &sev }
}

// New 创建错误，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	default:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码匹配，因此 New(code, "") 可以作为哨兵值使用。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) attributes() Attributes {
	if e == nil {
		return Attributes{Severity: SeverityInfo}
	}
	attr := AttributesOf(e.code)
	if v := e.overrides.retryable; v != nil {
		attr.Retryable = *v
	}
	if v := e.overrides.alert; v != nil {
		attr.Alert = *v
	}
	if v := e.overrides.severity; v != nil {
		attr.Severity = *v
	}
	return attr
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool { return e.attributes().Retryable }

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool { return e.attributes().Alert }

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity { return e.attributes().Severity }

// ExitCode 返回命令行使用的退出码。
func (e *Error) ExitCode() int {
	if e == nil {
		return 0
	}
	return e.attributes().ExitCode
}

// From 从错误链中取出统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}

// ExitCodeOf 返回进程退出码：nil 为 0，未分类的错误为 UNKNOWN 的退出码。
func ExitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if e, ok := From(err); ok {
		return e.ExitCode()
	}
	return AttributesOf(CodeUnknown).ExitCode
}
