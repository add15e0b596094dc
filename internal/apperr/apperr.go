// Package apperr 定义了服务层统一的错误分类。
// 处理器依据此分类决定对外暴露的状态码与文案：
// ProviderError 对应上游 AI 服务故障，NotFoundError 与
// PreconditionError 对应可预期的业务失败，其余一律按内部错误处理。
package apperr

import (
	"errors"
	"fmt"
)

// ProviderError 表示下游提供方（LLM、Embedding、向量检索）不可达、
// 拒绝请求或返回了无法解析的内容。不会被自动重试。
type ProviderError struct {
	Provider string // 例如 "llm"、"embedding"、"elasticsearch"
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("上游服务 %s 调用失败: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError 包装一个下游提供方错误。
func NewProviderError(provider string, err error) error {
	return &ProviderError{Provider: provider, Err: err}
}

// NotFoundError 表示被引用的资源（用户画像、对话等）不存在。
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' 不存在", e.Resource, e.ID)
}

// NewNotFound 构造一个资源不存在错误。
func NewNotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// PreconditionError 表示操作的业务前置条件未满足，
// 例如在没有简历的情况下请求评分。
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string { return e.Message }

// NewPrecondition 构造一个前置条件错误。
func NewPrecondition(format string, args ...interface{}) error {
	return &PreconditionError{Message: fmt.Sprintf(format, args...)}
}

// IsProvider 报告 err 是否为下游提供方错误。
func IsProvider(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// IsNotFound 报告 err 是否为资源不存在错误。
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsPrecondition 报告 err 是否为前置条件错误。
func IsPrecondition(err error) bool {
	var pc *PreconditionError
	return errors.As(err, &pc)
}
