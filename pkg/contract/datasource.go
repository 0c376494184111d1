package contract

import "context"

// FetchResult: 一次区间取数的结果。
// 约束：
//   - Items 与请求区间同序，len(Items) <= 请求 Length；超出集合末尾时为部分结果（非错误）；
//   - Err 仅在降级结果时非空：此时 Items 为空，Meta 为尽力而为的旧值。
type FetchResult[T any] struct {
	Items []T
	Meta  Meta
	Err   error
}

// Degraded 构造降级结果（传输失败时返回，不向上抛出）。
func Degraded[T any](stale Meta, err error) FetchResult[T] {
	return FetchResult[T]{Meta: stale, Err: err}
}

// OK 判断是否为成功结果。
func (r FetchResult[T]) OK() bool { return r.Err == nil }

// DataSource: 远端有序（可增长）集合的区间取数抽象。
// 实例与一个集合上下文绑定（构造时固定），不可跨集合复用；实例间无共享状态。
type DataSource[T any] interface {
	// Fetch 取回 rng 窗口内的条目；不得假设集合总量已知。
	// 传输失败必须以降级结果返回，不得 panic 或阻塞到 ctx 之外。
	Fetch(ctx context.Context, rng Range) FetchResult[T]
	// GetMeta 返回当前最佳已知总量；失败时返回 TotalCount=0。
	GetMeta(ctx context.Context) Meta
	// Key 提取条目的稳定标识；唯一性由调用方保证，不在此校验。
	Key(item T) string
	// Collection 返回构造时绑定的集合上下文。
	Collection() CollectionID
}

// Appender: 可选能力，向集合追加一条条目并返回服务端创建的表示。
type Appender[T any] interface {
	Append(ctx context.Context, d Draft) (T, error)
}

// AliasKeyer: 可选能力，返回后端回显的临时标识（乐观插入时本地生成）。
// 返回空串表示无别名。
type AliasKeyer[T any] interface {
	AliasKey(item T) string
}

// ClampItems 将超长页截断到请求长度（防御上游返回多于 limit 的条目）。
func ClampItems[T any](items []T, rng Range) []T {
	if len(items) > rng.Length {
		return items[:rng.Length]
	}
	return items
}
