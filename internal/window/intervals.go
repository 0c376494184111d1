package window

import "projective/pkg/contract"

// 区间集合工具。集合均为 contract.NormalizeRanges 的输出：有序、不相交、不相邻。

// subtract 返回 w 中未被 set 覆盖的子区间（按起点升序）。
func subtract(w contract.Range, set []contract.Range) []contract.Range {
	if w.Length <= 0 {
		return nil
	}
	var out []contract.Range
	cur := w.Start
	for _, r := range set {
		if r.End() <= cur {
			continue
		}
		if r.Start >= w.End() {
			break
		}
		if r.Start > cur {
			out = append(out, contract.Span(cur, r.Start))
		}
		cur = r.End()
		if cur >= w.End() {
			return out
		}
	}
	return append(out, contract.Span(cur, w.End()))
}

// insertRange 将 r 并入 set 并重新归一化。
func insertRange(set []contract.Range, r contract.Range) []contract.Range {
	next := make([]contract.Range, 0, len(set)+1)
	next = append(next, set...)
	return contract.NormalizeRanges(append(next, r))
}

// covers 判断 set 是否完整覆盖 w。
func covers(set []contract.Range, w contract.Range) bool {
	return len(subtract(w, set)) == 0
}

// split 将 r 切分为不超过 size 的连续块（不按页对齐）。
func split(r contract.Range, size int) []contract.Range {
	if size <= 0 {
		return []contract.Range{r}
	}
	var out []contract.Range
	for s := r.Start; s < r.End(); s += size {
		out = append(out, contract.Span(s, min(s+size, r.End())))
	}
	return out
}
