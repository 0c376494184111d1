package window

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"projective/pkg/contract"
)

func TestSubtract(t *testing.T) {
	tests := []struct {
		name string
		w    contract.Range
		set  []contract.Range
		want []contract.Range
	}{
		{"空集合", rng(0, 10), nil, []contract.Range{rng(0, 10)}},
		{"完全覆盖", rng(5, 5), []contract.Range{rng(0, 20)}, nil},
		{"右侧缺口", rng(10, 20), []contract.Range{rng(0, 20)}, []contract.Range{rng(20, 10)}},
		{"中间空洞", rng(0, 50), []contract.Range{rng(10, 10), rng(30, 5)}, []contract.Range{rng(0, 10), rng(20, 10), rng(35, 15)}},
		{"集合在窗口外", rng(0, 5), []contract.Range{rng(10, 5)}, []contract.Range{rng(0, 5)}},
		{"零长度窗口", rng(3, 0), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, subtract(tt.w, tt.set)); diff != "" {
				t.Fatalf("(-want +got):\n%s", diff)
			}
		})
	}
}

func TestSplitAndCovers(t *testing.T) {
	want := []contract.Range{rng(20, 20), rng(40, 20), rng(60, 5)}
	if diff := cmp.Diff(want, split(rng(20, 45), 20)); diff != "" {
		t.Fatalf("split (-want +got):\n%s", diff)
	}
	if got := split(rng(3, 4), 0); len(got) != 1 {
		t.Fatalf("size<=0 应原样返回")
	}
	set := insertRange([]contract.Range{rng(0, 20)}, rng(20, 20))
	if !covers(set, rng(5, 30)) || covers(set, rng(30, 20)) {
		t.Fatalf("covers 错误: %v", set)
	}
	if !contains(set, 39) || contains(set, 40) {
		t.Fatalf("contains 错误")
	}
}

func TestSlotStateString(t *testing.T) {
	for s, want := range map[SlotState]string{Missing: "missing", Loading: "loading", Loaded: "loaded", Optimistic: "optimistic", End: "end"} {
		if s.String() != want {
			t.Fatalf("%d -> %s", s, s.String())
		}
	}
	b, _ := End.MarshalText()
	if string(b) != "end" {
		t.Fatalf("MarshalText 错误")
	}
}

func contains(set []contract.Range, pos int) bool {
	for _, r := range set {
		if r.Contains(pos) {
			return true
		}
		if r.Start > pos {
			return false
		}
	}
	return false
}
