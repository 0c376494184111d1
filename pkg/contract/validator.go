package contract

import "fmt"

// 校验库函数（纯函数，无 I/O）：
// - ValidatePage:   单页结果与请求区间对齐，要求 len(items) <= rng.Length 且页内标识非空、不重复
// - NormalizeRanges: 排序并合并重叠/相邻区间（结果不相交、不相邻）

// ValidatePage 校验一页结果；key 为标识提取函数。
// 违例返回 ErrResponseInvalid（包装具体原因）。
func ValidatePage[T any](rng Range, items []T, key func(T) string) error {
	if err := rng.Validate(); err != nil {
		return err
	}
	if len(items) > rng.Length {
		return fmt.Errorf("page %s: %d items exceed length: %w", rng, len(items), ErrResponseInvalid)
	}
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		k := key(it)
		if k == "" {
			return fmt.Errorf("page %s: empty key at offset %d: %w", rng, i, ErrResponseInvalid)
		}
		if _, dup := seen[k]; dup {
			return fmt.Errorf("page %s: duplicate key %q: %w", rng, k, ErrResponseInvalid)
		}
		seen[k] = struct{}{}
	}
	return nil
}

// NormalizeRanges 返回排序后合并的区间集合；长度<=0 的区间被忽略。
// 输入不被修改。
func NormalizeRanges(in []Range) []Range {
	rs := make([]Range, 0, len(in))
	for _, r := range in {
		if r.Length > 0 {
			rs = append(rs, r)
		}
	}
	if len(rs) == 0 {
		return nil
	}
	// 插入排序：区间数通常很小
	for i := 1; i < len(rs); i++ {
		for j := i; j > 0 && rs[j].Start < rs[j-1].Start; j-- {
			rs[j], rs[j-1] = rs[j-1], rs[j]
		}
	}
	out := rs[:1]
	for _, r := range rs[1:] {
		last := &out[len(out)-1]
		if r.Start <= last.End() {
			if r.End() > last.End() {
				last.Length = r.End() - last.Start
			}
			continue
		}
		out = append(out, r)
	}
	return out
}
