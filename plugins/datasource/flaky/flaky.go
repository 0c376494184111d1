// Package flaky 提供故障注入数据源装饰器：按调用序号失败、截短页面或延迟返回，
// 用于演练控制器的重试与部分页复核路径。
package flaky

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"projective/pkg/contract"
)

// Options 定义可选项。
type Options struct {
	// FailCalls: 失败的 Fetch 调用序号（从 1 起）。
	FailCalls []int `json:"fail_calls,omitempty"`
	// EveryK: 每第 k 次 Fetch 失败；0 不启用。
	EveryK int `json:"every_k,omitempty"`
	// Shorten: 成功页去掉末尾的条目数（meta 不变，模拟竞态下的短页）。
	Shorten int `json:"shorten,omitempty"`
	// DelayMS: 每次 Fetch 前的延迟（可被 ctx 取消）。
	DelayMS int `json:"delay_ms,omitempty"`
	// FailMeta: GetMeta 一律失败（返回 0）。
	FailMeta bool `json:"fail_meta,omitempty"`
}

// Source 包装另一个数据源。
type Source[T any] struct {
	inner contract.DataSource[T]
	opts  Options
	fail  map[int]bool
	count atomic.Int32
}

// New 构造装饰器。
func New[T any](inner contract.DataSource[T], opts Options) (*Source[T], error) {
	if inner == nil {
		return nil, fmt.Errorf("flaky: %w: inner source required", contract.ErrInvalidInput)
	}
	if opts.EveryK < 0 || opts.Shorten < 0 || opts.DelayMS < 0 {
		return nil, fmt.Errorf("flaky: %w: negative option", contract.ErrInvalidInput)
	}
	s := &Source[T]{inner: inner, opts: opts, fail: make(map[int]bool, len(opts.FailCalls))}
	for _, n := range opts.FailCalls {
		s.fail[n] = true
	}
	return s, nil
}

// Calls 返回已发生的 Fetch 次数。
func (s *Source[T]) Calls() int { return int(s.count.Load()) }

func (s *Source[T]) Fetch(ctx context.Context, rng contract.Range) contract.FetchResult[T] {
	n := int(s.count.Add(1))
	if s.opts.DelayMS > 0 {
		select {
		case <-time.After(time.Duration(s.opts.DelayMS) * time.Millisecond):
		case <-ctx.Done():
			return contract.Degraded[T](contract.Meta{}, ctx.Err())
		}
	}
	if s.fail[n] || (s.opts.EveryK > 0 && n%s.opts.EveryK == 0) {
		return contract.Degraded[T](contract.Meta{}, fmt.Errorf("flaky call %d: %w", n, contract.ErrTransport))
	}
	res := s.inner.Fetch(ctx, rng)
	if res.OK() && s.opts.Shorten > 0 {
		keep := max(len(res.Items)-s.opts.Shorten, 0)
		res.Items = res.Items[:keep]
	}
	return res
}

func (s *Source[T]) GetMeta(ctx context.Context) contract.Meta {
	if s.opts.FailMeta {
		return contract.Meta{}
	}
	return s.inner.GetMeta(ctx)
}

func (s *Source[T]) Key(item T) string { return s.inner.Key(item) }

func (s *Source[T]) Collection() contract.CollectionID { return s.inner.Collection() }

// AliasKey 透传内层能力；内层不支持时为空。
func (s *Source[T]) AliasKey(item T) string {
	if ak, ok := s.inner.(contract.AliasKeyer[T]); ok {
		return ak.AliasKey(item)
	}
	return ""
}

// Append 透传内层能力。
func (s *Source[T]) Append(ctx context.Context, d contract.Draft) (T, error) {
	if app, ok := s.inner.(contract.Appender[T]); ok {
		return app.Append(ctx, d)
	}
	var zero T
	return zero, fmt.Errorf("flaky: inner %s cannot append: %w", s.inner.Collection(), contract.ErrInvalidInput)
}

var (
	_ contract.DataSource[contract.Message] = (*Source[contract.Message])(nil)
	_ contract.Appender[contract.Message]   = (*Source[contract.Message])(nil)
	_ contract.AliasKeyer[contract.Message] = (*Source[contract.Message])(nil)
)
