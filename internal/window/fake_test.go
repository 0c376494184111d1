package window

import (
	"context"
	"fmt"
	"sync"

	"projective/pkg/contract"
)

type row struct {
	ID    string
	Alias string
	Text  string
}

// fakeSource: 内存数据源；记录每次 Fetch 区间，可选阻塞/失败/覆盖元信息。
type fakeSource struct {
	mu        sync.Mutex
	coll      contract.CollectionID
	rows      []row
	calls     []contract.Range
	metaCalls int
	fail      map[int]int // start -> 剩余失败次数
	gate      chan struct{}
	started   chan contract.Range
	meta      func(real int) int // 覆盖 Fetch 附带的 totalCount
	getMeta   func(real int) int // 覆盖 GetMeta
	appendFn  func(d contract.Draft) (row, error)
	cur, peak int
}

func newFake(id string, n int) *fakeSource {
	f := &fakeSource{coll: contract.CollectionID{Kind: contract.KindChannel, ID: id}}
	f.grow(n)
	return f
}

func (f *fakeSource) grow(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		p := len(f.rows)
		f.rows = append(f.rows, row{ID: fmt.Sprintf("%s-%d", f.coll.ID, p), Text: fmt.Sprintf("m%d", p)})
	}
}

func (f *fakeSource) push(r row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, r)
}

func (f *fakeSource) Fetch(ctx context.Context, rng contract.Range) contract.FetchResult[row] {
	f.mu.Lock()
	f.calls = append(f.calls, rng)
	f.cur++
	f.peak = max(f.peak, f.cur)
	gate, started := f.gate, f.started
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.cur--
		f.mu.Unlock()
	}()
	if started != nil {
		started <- rng
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return contract.Degraded[row](contract.Meta{}, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	total := len(f.rows)
	if f.meta != nil {
		total = f.meta(total)
	}
	if left := f.fail[rng.Start]; left > 0 {
		f.fail[rng.Start] = left - 1
		return contract.Degraded[row](contract.Meta{TotalCount: total}, contract.ErrTransport)
	}
	var items []row
	for i := rng.Start; i < rng.End() && i < len(f.rows); i++ {
		items = append(items, f.rows[i])
	}
	return contract.FetchResult[row]{Items: items, Meta: contract.Meta{TotalCount: total}}
}

func (f *fakeSource) GetMeta(ctx context.Context) contract.Meta {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	n := len(f.rows)
	if f.getMeta != nil {
		n = f.getMeta(n)
	}
	return contract.Meta{TotalCount: n}
}

func (f *fakeSource) Key(r row) string                  { return r.ID }
func (f *fakeSource) AliasKey(r row) string             { return r.Alias }
func (f *fakeSource) Collection() contract.CollectionID { return f.coll }

func (f *fakeSource) Append(ctx context.Context, d contract.Draft) (row, error) {
	if f.appendFn != nil {
		return f.appendFn(d)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := row{ID: fmt.Sprintf("srv-%d", len(f.rows)), Alias: d.ClientID, Text: d.Message}
	f.rows = append(f.rows, r)
	return r, nil
}

func (f *fakeSource) fetchCalls() []contract.Range {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]contract.Range(nil), f.calls...)
}

func (f *fakeSource) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
