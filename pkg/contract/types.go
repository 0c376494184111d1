package contract

import (
	"fmt"
	"strings"
)

// Range: 有序集合上的半开窗口 [Start, Start+Length)。
// 约束：Start >= 0；Length > 0（由 Validate 校验）。
type Range struct {
	Start  int `json:"start"`
	Length int `json:"length"`
}

// End 返回开区间上界 Start+Length。
func (r Range) End() int { return r.Start + r.Length }

// Validate 校验最小不变量。
func (r Range) Validate() error {
	if r.Start < 0 || r.Length <= 0 {
		return fmt.Errorf("range %s: %w", r, ErrInvalidInput)
	}
	return nil
}

// Contains 判断位置是否落在窗口内。
func (r Range) Contains(pos int) bool { return pos >= r.Start && pos < r.End() }

// Overlaps 判断两窗口是否有交集（相邻不算）。
func (r Range) Overlaps(o Range) bool { return r.Start < o.End() && o.Start < r.End() }

// Intersect 返回交集；无交集时 ok=false。
func (r Range) Intersect(o Range) (Range, bool) {
	s := max(r.Start, o.Start)
	e := min(r.End(), o.End())
	if e <= s {
		return Range{}, false
	}
	return Range{Start: s, Length: e - s}, true
}

func (r Range) String() string { return fmt.Sprintf("[%d,%d)", r.Start, r.End()) }

// Span 由 [start,end) 构造 Range；end<=start 时返回零长度窗口（调用方自行校验）。
func Span(start, end int) Range {
	if end < start {
		end = start
	}
	return Range{Start: start, Length: end - start}
}

// Meta: 随响应附带的元信息。TotalCount 为服务端取数时刻的视图，两次调用间可能变化。
type Meta struct {
	TotalCount int `json:"totalCount"`
}

// Kind: 集合类别（对应线协议中的 type 参数）。
type Kind string

const (
	KindChannel Kind = "channel"
	KindDM      Kind = "dm"
)

// ParseKind 解析 type 参数；仅接受 channel 与 dm。
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.TrimSpace(s)) {
	case KindChannel:
		return KindChannel, nil
	case KindDM:
		return KindDM, nil
	default:
		return "", fmt.Errorf("kind %q: %w", s, ErrInvalidInput)
	}
}

// CollectionID: 集合上下文标识（例如频道 id）。
// DataSource/Controller 实例按集合创建；切换集合即视为上下文变更。
type CollectionID struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func (c CollectionID) String() string { return string(c.Kind) + ":" + c.ID }

// ParseCollectionID 解析 String 的输出 "kind:id"；id 自身可含 ':'。
func ParseCollectionID(s string) (CollectionID, error) {
	k, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return CollectionID{}, fmt.Errorf("collection %q: %w", s, ErrInvalidInput)
	}
	kind, err := ParseKind(k)
	if err != nil {
		return CollectionID{}, err
	}
	return CollectionID{Kind: kind, ID: id}, nil
}

// IsZero 判断是否未设置。
func (c CollectionID) IsZero() bool { return c.ID == "" }
