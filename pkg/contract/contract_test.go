package contract

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestRangeValidate 验证 Range 最小不变量。
func TestRangeValidate(t *testing.T) {
	tests := []struct {
		name string
		in   Range
		ok   bool
	}{
		{"正常", Range{Start: 0, Length: 20}, true},
		{"负起点", Range{Start: -1, Length: 5}, false},
		{"零长度", Range{Start: 3, Length: 0}, false},
		{"负长度", Range{Start: 3, Length: -2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.in.Validate()
			if tt.ok && err != nil {
				t.Fatalf("预期通过: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("预期 ErrInvalidInput, 实得 %v", err)
			}
		})
	}
}

func TestRangeHelpers(t *testing.T) {
	r := Range{Start: 10, Length: 10}
	if r.End() != 20 || !r.Contains(10) || r.Contains(20) {
		t.Fatalf("End/Contains 错误: %v", r)
	}
	if !r.Overlaps(Range{Start: 19, Length: 5}) {
		t.Fatalf("应当重叠")
	}
	if r.Overlaps(Range{Start: 20, Length: 5}) {
		t.Fatalf("相邻不应视为重叠")
	}
	got, ok := r.Intersect(Range{Start: 15, Length: 20})
	if !ok || got != (Range{Start: 15, Length: 5}) {
		t.Fatalf("交集错误: %v %v", got, ok)
	}
	if _, ok := r.Intersect(Range{Start: 30, Length: 1}); ok {
		t.Fatalf("不应有交集")
	}
	if Span(5, 3).Length != 0 {
		t.Fatalf("Span 反向应为零长度")
	}
	if r.String() != "[10,20)" {
		t.Fatalf("String 错误: %s", r)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("dm"); err != nil || k != KindDM {
		t.Fatalf("dm 解析失败: %v", err)
	}
	if k, err := ParseKind(" channel "); err != nil || k != KindChannel {
		t.Fatalf("channel 解析失败: %v", err)
	}
	if _, err := ParseKind("group"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("未知 type 应失败: %v", err)
	}
}

func TestParseCollectionID(t *testing.T) {
	c := CollectionID{Kind: KindChannel, ID: "p1:s1"}
	got, err := ParseCollectionID(c.String())
	if err != nil || got != c {
		t.Fatalf("往返不符: %+v %v", got, err)
	}
	for _, bad := range []string{"", "channel", "channel:", "group:x"} {
		if _, err := ParseCollectionID(bad); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("%q 应失败: %v", bad, err)
		}
	}
}

// TestValidatePage 覆盖超长页、空标识与页内重复标识。
func TestValidatePage(t *testing.T) {
	rng := Range{Start: 0, Length: 2}
	ok := []Message{{ID: "a"}, {ID: "b"}}
	if err := ValidatePage(rng, ok, MessageKey); err != nil {
		t.Fatalf("合法页失败: %v", err)
	}
	cases := map[string][]Message{
		"超长": {{ID: "a"}, {ID: "b"}, {ID: "c"}},
		"空键": {{ID: ""}},
		"重复": {{ID: "a"}, {ID: "a"}},
	}
	for name, items := range cases {
		if err := ValidatePage(rng, items, MessageKey); !errors.Is(err, ErrResponseInvalid) {
			t.Fatalf("%s: 预期 ErrResponseInvalid, 实得 %v", name, err)
		}
	}
}

func TestNormalizeRanges(t *testing.T) {
	in := []Range{{Start: 20, Length: 20}, {Start: 0, Length: 20}, {Start: 50, Length: 5}, {Start: 52, Length: 10}, {Start: 7, Length: 0}}
	want := []Range{{Start: 0, Length: 40}, {Start: 50, Length: 12}}
	if diff := cmp.Diff(want, NormalizeRanges(in)); diff != "" {
		t.Fatalf("合并结果不符 (-want +got):\n%s", diff)
	}
	if NormalizeRanges(nil) != nil {
		t.Fatalf("空输入应返回 nil")
	}
}

func TestDegradedAndClamp(t *testing.T) {
	res := Degraded[Message](Meta{TotalCount: 7}, ErrTransport)
	if res.OK() || len(res.Items) != 0 || res.Meta.TotalCount != 7 {
		t.Fatalf("降级结果形状错误: %+v", res)
	}
	items := ClampItems([]int{1, 2, 3}, Range{Start: 0, Length: 2})
	if len(items) != 2 {
		t.Fatalf("截断失败: %v", items)
	}
}

func TestDraftValidate(t *testing.T) {
	if err := (Draft{Message: "  "}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("空白消息应失败")
	}
	if err := (Draft{Message: "hi"}).Validate(); err != nil {
		t.Fatalf("合法消息失败: %v", err)
	}
}
