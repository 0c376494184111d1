// Package window 实现窗口化取数控制器：跟踪已加载区间，计算缺口，以最少的
// 区间请求满足渲染端的可见窗口，并负责乐观追加与按标识对账。
package window

import (
	"context"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/btree"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"projective/internal/diag"
	"projective/pkg/contract"
)

const comp = "window"

// Options: 控制器参数。
type Options struct {
	PageSize    int  // 单次 Fetch 的最大长度，默认 20
	Parallel    bool // 大缺口分块是否并行发出；默认顺序
	MaxInFlight int  // 并行时的并发上限，默认 4
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = 20
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	return o
}

// Stats: 运行期计数（诊断/测试）。
type Stats struct {
	Fetches       int // 已完成且属于当前上下文的 Fetch
	Failures      int // 降级结果或非法页
	Stale         int // 上下文切换后到达而被丢弃的结果
	Revalidations int // 部分页触发的元信息复核
	Duplicates    int // 跨位置重复标识（跳过插入）
	Reconciled    int // 被服务端条目对账掉的乐观占位
}

type pending struct {
	rng  contract.Range
	gen  uint64
	done chan struct{}
}

type placeholder[T any] struct {
	key   string // 当前标识；Confirm 后为服务端标识
	alias string // 乐观发送时的临时标识
	item  T
}

// Controller 管理一个集合上下文的窗口缓存。实例归单一消费者所有，不跨消费者共享。
// 取数在锁外进行；结果到达后在锁内合并。
type Controller[T any] struct {
	log  *diag.Logger
	opts Options
	sf   singleflight.Group
	bg   sync.WaitGroup

	mu         sync.Mutex
	src        contract.DataSource[T]
	aliasOf    func(T) string
	collection contract.CollectionID
	gen        uint64
	total      int
	known      bool
	metaFresh  bool
	endAt      int
	loaded     []contract.Range
	items      *btree.Map[int, T]
	byKey      map[string]int
	byAlias    map[string]int
	pending    []*pending
	optimistic []placeholder[T]
	stats      Stats
}

// New 以数据源构造控制器；logger 可为 nil。
func New[T any](src contract.DataSource[T], opts Options, logger *diag.Logger) *Controller[T] {
	c := &Controller[T]{log: logger, opts: opts.withDefaults()}
	c.reset(src)
	return c
}

func (c *Controller[T]) reset(src contract.DataSource[T]) {
	c.src = src
	c.aliasOf = nil
	if ak, ok := src.(contract.AliasKeyer[T]); ok {
		c.aliasOf = ak.AliasKey
	}
	c.collection = src.Collection()
	c.total = 0
	c.known = false
	c.metaFresh = false
	c.endAt = -1
	c.loaded = nil
	c.items = new(btree.Map[int, T])
	c.byKey = make(map[string]int)
	c.byAlias = make(map[string]int)
	c.pending = nil
	c.optimistic = nil
	c.stats = Stats{}
}

// Switch 切换集合上下文：代数 +1 并清空全部状态；旧上下文的在途结果到达时被丢弃。
func (c *Controller[T]) Switch(src contract.DataSource[T]) {
	c.mu.Lock()
	prev := c.collection
	c.gen++
	gen := c.gen
	c.reset(src)
	c.mu.Unlock()
	c.log.StartWithKV(comp, "switch", src.Collection().String(), "", map[string]string{
		"from": prev.String(), "gen": strconv.FormatUint(gen, 10),
	}).Finish("ok", 0)
}

// Collection 返回当前集合上下文。
func (c *Controller[T]) Collection() contract.CollectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collection
}

// Refresh 拉取最新元信息（并发调用合并为一次 GetMeta）。
// 总量超过已知末尾时清除末尾假设，使之前的边界可再次取数。
func (c *Controller[T]) Refresh(ctx context.Context) contract.Meta {
	c.mu.Lock()
	src, gen := c.src, c.gen
	c.mu.Unlock()
	v, _, _ := c.sf.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		m := src.GetMeta(ctx)
		c.applyMeta(gen, m)
		return m, nil
	})
	return v.(contract.Meta)
}

func (c *Controller[T]) applyMeta(gen uint64, m contract.Meta) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return
	}
	// GetMeta 失败时返回 0：已知正总量时不据此回退
	if m.TotalCount <= 0 && c.known && c.total > 0 {
		c.metaFresh = false
		c.log.Warn(comp, "meta unavailable, keeping last total", c.collection.String(), "", map[string]string{"total": strconv.Itoa(c.total)})
		return
	}
	c.setTotalLocked(m.TotalCount)
}

func (c *Controller[T]) setTotalLocked(total int) {
	c.total = total
	c.known = true
	c.metaFresh = true
	if c.endAt >= 0 && total > c.endAt {
		c.log.Debug(comp, "collection grew past end", c.collection.String(), "", map[string]string{"end_at": strconv.Itoa(c.endAt), "total": strconv.Itoa(total)})
		c.endAt = -1
	}
}

// Request 确保 [start,end) 已加载：只为未覆盖且不在途的缺口发出取数，
// 与在途请求重叠的部分等待其完成。失败的缺口保持未加载，下次需求时重试。
// 仅返回 ctx 错误或 ErrInvalidInput。
func (c *Controller[T]) Request(ctx context.Context, start, end int) error {
	if start < 0 || end < start {
		return fmt.Errorf("window [%d,%d): %w", start, end, contract.ErrInvalidInput)
	}
	chunks, waits, src := c.plan(start, end)
	c.execute(ctx, src, chunks)
	for _, ch := range waits {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ctx.Err()
}

// plan 在锁内计算缺口并登记在途块。
func (c *Controller[T]) plan(start, end int) ([]*pending, []chan struct{}, contract.DataSource[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	end = c.clampLocked(end)
	if end <= start {
		return nil, nil, c.src
	}
	inflight := make([]contract.Range, 0, len(c.pending))
	for _, p := range c.pending {
		inflight = append(inflight, p.rng)
	}
	inflight = contract.NormalizeRanges(inflight)

	var chunks []*pending
	var waits []chan struct{}
	for _, gap := range subtract(contract.Span(start, end), c.loaded) {
		for _, p := range c.pending {
			if p.rng.Overlaps(gap) {
				waits = append(waits, p.done)
			}
		}
		for _, piece := range subtract(gap, inflight) {
			for _, r := range split(piece, c.opts.PageSize) {
				e := &pending{rng: r, gen: c.gen, done: make(chan struct{})}
				c.pending = append(c.pending, e)
				chunks = append(chunks, e)
			}
		}
	}
	return chunks, waits, c.src
}

// clampLocked 将上界收敛到已知总量与已知末尾。
func (c *Controller[T]) clampLocked(end int) int {
	if c.known && c.total > 0 && end > c.total {
		end = c.total
	}
	if c.endAt >= 0 && end > c.endAt {
		end = c.endAt
	}
	return end
}

func (c *Controller[T]) execute(ctx context.Context, src contract.DataSource[T], chunks []*pending) {
	if len(chunks) == 0 {
		return
	}
	if !c.opts.Parallel || len(chunks) == 1 {
		for i, e := range chunks {
			if ctx.Err() != nil {
				c.abandon(chunks[i:])
				return
			}
			if c.pastEnd(e) {
				continue
			}
			c.fetchOne(ctx, src, e)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(c.opts.MaxInFlight)
	for _, e := range chunks {
		g.Go(func() error {
			if ctx.Err() != nil {
				c.abandon([]*pending{e})
				return nil
			}
			if c.pastEnd(e) {
				return nil
			}
			c.fetchOne(ctx, src, e)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Controller[T]) fetchOne(ctx context.Context, src contract.DataSource[T], e *pending) {
	t0 := time.Now()
	coll := src.Collection().String()
	c.log.DebugStart(comp, "fetch", coll, e.rng.String(), nil)
	res := src.Fetch(ctx, e.rng)
	res.Items = contract.ClampItems(res.Items, e.rng)
	diag.ObserveDuration(comp, "fetch", time.Since(t0).Milliseconds())

	// 部分页且元信息不一致：以新鲜的 GetMeta 复核后再决定是否判定末尾
	var fresh *contract.Meta
	n := len(res.Items)
	if res.OK() && n < e.rng.Length && res.Meta.TotalCount != e.rng.Start+n && c.current(e.gen) {
		m := c.Refresh(ctx)
		fresh = &m
	}
	c.complete(e, res, fresh, t0)
}

// pastEnd 撤销起点已落在已知末尾之后的在途块（规划后才判定的末尾）。
func (c *Controller[T]) pastEnd(e *pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.gen != c.gen || c.clampLocked(e.rng.End()) > e.rng.Start {
		return false
	}
	c.removePendingLocked(e)
	close(e.done)
	c.log.Debug(comp, "chunk past end skipped", c.collection.String(), e.rng.String(), nil)
	return true
}

func (c *Controller[T]) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.gen
}

func (c *Controller[T]) abandon(es []*pending) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range es {
		c.removePendingLocked(e)
		close(e.done)
	}
}

func (c *Controller[T]) removePendingLocked(e *pending) {
	for i, p := range c.pending {
		if p == e {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return
		}
	}
}

// complete 合并一次取数结果。
func (c *Controller[T]) complete(e *pending, res contract.FetchResult[T], fresh *contract.Meta, t0 time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer close(e.done)
	c.removePendingLocked(e)
	coll, rng := c.collection.String(), e.rng.String()

	if e.gen != c.gen {
		c.stats.Stale++
		c.log.Debug(comp, "stale result discarded", coll, rng, nil)
		return
	}
	c.stats.Fetches++
	if !res.OK() {
		c.failLocked(res.Err, coll, rng, t0)
		return
	}
	if err := contract.ValidatePage(e.rng, res.Items, c.src.Key); err != nil {
		c.failLocked(err, coll, rng, t0)
		return
	}

	n := len(res.Items)
	end := e.rng.Start + n
	if n > 0 {
		c.loaded = insertRange(c.loaded, contract.Range{Start: e.rng.Start, Length: n})
		for i, it := range res.Items {
			c.putLocked(e.rng.Start+i, it)
		}
		c.reconcileLocked()
	}

	total := res.Meta.TotalCount
	switch {
	case n == e.rng.Length:
		if total >= end {
			c.setTotalLocked(total)
		}
		if c.endAt >= 0 && end > c.endAt {
			c.endAt = -1
		}
	case total == end:
		c.setTotalLocked(total)
		c.endAt = end
	case fresh != nil && fresh.TotalCount == end:
		c.stats.Revalidations++
		c.endAt = end
	case fresh != nil && n == 0 && fresh.TotalCount > 0 && fresh.TotalCount <= e.rng.Start:
		// 窗口整体越过末尾
		c.stats.Revalidations++
		c.endAt = fresh.TotalCount
	case fresh != nil && n == 0 && fresh.TotalCount == 0 && total == 0:
		// 空页与复核都报告 0：空集合（单独的 GetMeta 为 0 可能只是失败）
		c.stats.Revalidations++
		c.setTotalLocked(0)
		c.endAt = 0
	default:
		// 元信息与部分页不一致（竞态）：剩余部分保持未加载
		if fresh != nil {
			c.stats.Revalidations++
		}
		c.log.Warn(comp, "partial page without confirmed end", coll, rng, map[string]string{
			"items": strconv.Itoa(n), "total": strconv.Itoa(total),
		})
	}
	diag.IncOp(comp, "fetch", "success")
	c.log.InfoFinish(comp, "fetch "+coll+" "+rng, t0, int64(n))
}

func (c *Controller[T]) failLocked(err error, coll, rng string, t0 time.Time) {
	c.stats.Failures++
	code := string(diag.Classify(err))
	diag.IncOp(comp, "fetch", "error")
	diag.IncError(comp, code)
	c.log.ErrorWith(comp, code, err.Error(), &t0, coll, rng)
}

// putLocked 在 pos 写入条目并维护标识索引。
// 同一标识已在其他位置时跳过插入，保证标识唯一。
func (c *Controller[T]) putLocked(pos int, it T) {
	k := c.src.Key(it)
	if old, ok := c.byKey[k]; ok && old != pos {
		c.stats.Duplicates++
		c.log.Warn(comp, "duplicate key skipped", c.collection.String(), "", map[string]string{
			"key": k, "at": strconv.Itoa(old), "pos": strconv.Itoa(pos),
		})
		return
	}
	if prev, ok := c.items.Get(pos); ok {
		if pk := c.src.Key(prev); pk != k {
			delete(c.byKey, pk)
		}
		if c.aliasOf != nil {
			if pa := c.aliasOf(prev); pa != "" {
				delete(c.byAlias, pa)
			}
		}
	}
	c.items.Set(pos, it)
	c.byKey[k] = pos
	if c.aliasOf != nil {
		if a := c.aliasOf(it); a != "" {
			c.byAlias[a] = pos
		}
	}
}

// reconcileLocked 移除已被服务端条目确认的乐观占位（按标识或临时标识匹配）。
func (c *Controller[T]) reconcileLocked() {
	kept := c.optimistic[:0]
	for _, p := range c.optimistic {
		if c.confirmedLocked(p) {
			c.stats.Reconciled++
			continue
		}
		kept = append(kept, p)
	}
	clear(c.optimistic[len(kept):])
	c.optimistic = kept
}

func (c *Controller[T]) confirmedLocked(p placeholder[T]) bool {
	if _, ok := c.byKey[p.key]; ok {
		return true
	}
	if p.alias == "" {
		return false
	}
	if _, ok := c.byAlias[p.alias]; ok {
		return true
	}
	_, ok := c.byKey[p.alias]
	return ok
}

// tailBaseLocked 返回乐观占位的起始位置：已知总量与已加载上界的较大者。
func (c *Controller[T]) tailBaseLocked() int {
	base := c.total
	if n := len(c.loaded); n > 0 && c.loaded[n-1].End() > base {
		base = c.loaded[n-1].End()
	}
	if c.endAt > base {
		base = c.endAt
	}
	return base
}

// boundaryLocked 返回集合末尾位置；未知时为 -1。
func (c *Controller[T]) boundaryLocked() int {
	if c.endAt >= 0 {
		return c.endAt
	}
	if c.known && c.metaFresh && c.total > 0 {
		return c.total
	}
	return -1
}

// Optimistic 在尾部追加乐观占位并返回其位置；标识已存在时不重复插入。
func (c *Controller[T]) Optimistic(item T) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := c.src.Key(item)
	base := c.tailBaseLocked()
	if pos, ok := c.byKey[k]; ok {
		return pos
	}
	for i, p := range c.optimistic {
		if p.key == k || p.alias == k {
			return base + i
		}
	}
	alias := k
	if c.aliasOf != nil {
		if a := c.aliasOf(item); a != "" {
			alias = a
		}
	}
	c.optimistic = append(c.optimistic, placeholder[T]{key: k, alias: alias, item: item})
	c.metaFresh = false
	return base + len(c.optimistic) - 1
}

// Confirm 用追加接口返回的权威条目替换占位；该条目已加载时直接移除占位。
func (c *Controller[T]) Confirm(provisionalKey string, item T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.optimistic {
		if p.key != provisionalKey && p.alias != provisionalKey {
			continue
		}
		p.key = c.src.Key(item)
		p.item = item
		c.optimistic[i] = p
		c.reconcileLocked()
		return true
	}
	return false
}

// Drop 移除追加失败的占位。
func (c *Controller[T]) Drop(provisionalKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.optimistic {
		if p.key == provisionalKey || p.alias == provisionalKey {
			c.optimistic = append(c.optimistic[:i], c.optimistic[i+1:]...)
			return true
		}
	}
	return false
}

// Send 乐观发送：先插入占位，再调用数据源的追加能力；成功后 Confirm，失败后 Drop。
func (c *Controller[T]) Send(ctx context.Context, d contract.Draft, provisional T) (T, error) {
	var zero T
	c.mu.Lock()
	src := c.src
	c.mu.Unlock()
	app, ok := src.(contract.Appender[T])
	if !ok {
		return zero, fmt.Errorf("source %s cannot append: %w", src.Collection(), contract.ErrInvalidInput)
	}
	key := src.Key(provisional)
	c.Optimistic(provisional)
	item, err := app.Append(ctx, d)
	if err != nil {
		c.Drop(key)
		diag.IncOp(comp, "send", "error")
		c.log.ErrorWith(comp, string(diag.Classify(err)), err.Error(), nil, src.Collection().String(), "")
		return zero, err
	}
	c.Confirm(key, item)
	diag.IncOp(comp, "send", "success")
	return item, nil
}

// Tail 加载最新一页 [total-PageSize, total)；总量未知时从 0 起取一页。
func (c *Controller[T]) Tail(ctx context.Context) error {
	c.Refresh(ctx)
	c.mu.Lock()
	total := c.total
	c.mu.Unlock()
	if total <= 0 {
		return c.Request(ctx, 0, c.opts.PageSize)
	}
	return c.Request(ctx, max(0, total-c.opts.PageSize), total)
}

// Older 加载最低已加载位置之前的一页（“加载更多”）；已到 0 时为 no-op。
func (c *Controller[T]) Older(ctx context.Context) error {
	c.mu.Lock()
	lo := -1
	if len(c.loaded) > 0 {
		lo = c.loaded[0].Start
	}
	c.mu.Unlock()
	switch {
	case lo < 0:
		return c.Tail(ctx)
	case lo == 0:
		return nil
	}
	return c.Request(ctx, max(0, lo-c.opts.PageSize), lo)
}

// Window 返回 [start,end) 的惰性视图：迭代时发出需求（幂等，后台取数），
// 并按位置依次产出当前槽位。序列只能消费一次。
func (c *Controller[T]) Window(ctx context.Context, start, end int) iter.Seq[Slot[T]] {
	var used atomic.Bool
	return func(yield func(Slot[T]) bool) {
		if used.Swap(true) || start < 0 || end <= start {
			return
		}
		chunks, _, src := c.plan(start, end)
		if len(chunks) > 0 {
			c.bg.Add(1)
			go func() {
				defer c.bg.Done()
				c.execute(ctx, src, chunks)
			}()
		}
		for _, s := range c.Snapshot(start, end) {
			if !yield(s) {
				return
			}
		}
	}
}

// Wait 阻塞直到 Window 发起的后台取数全部结束。
func (c *Controller[T]) Wait() { c.bg.Wait() }

// Snapshot 返回 [start,end) 的当前槽位（不发出需求）。
func (c *Controller[T]) Snapshot(start, end int) []Slot[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if start < 0 {
		start = 0
	}
	if end <= start {
		return nil
	}
	boundary := c.boundaryLocked()
	base := c.tailBaseLocked()
	out := make([]Slot[T], 0, end-start)
	for pos := start; pos < end; pos++ {
		s := Slot[T]{Pos: pos}
		if it, ok := c.items.Get(pos); ok {
			s.State, s.Item = Loaded, it
		} else if i := pos - base; i >= 0 && i < len(c.optimistic) {
			s.State, s.Item = Optimistic, c.optimistic[i].item
		} else if c.pendingAtLocked(pos) {
			s.State = Loading
		} else if boundary >= 0 && pos >= boundary {
			s.State = End
		}
		out = append(out, s)
	}
	return out
}

func (c *Controller[T]) pendingAtLocked(pos int) bool {
	for _, p := range c.pending {
		if p.rng.Contains(pos) {
			return true
		}
	}
	return false
}

// Bounds 返回当前可渲染区间 [lo,hi)：最低已加载位置到乐观占位之后。
func (c *Controller[T]) Bounds() (lo, hi int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.loaded) == 0 {
		lo = c.tailBaseLocked()
	} else {
		lo = c.loaded[0].Start
	}
	return lo, c.tailBaseLocked() + len(c.optimistic)
}

// TotalCount 返回最近一次得知的总量。
func (c *Controller[T]) TotalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// Loaded 返回已加载区间的副本。
func (c *Controller[T]) Loaded() []contract.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contract.Range(nil), c.loaded...)
}

// Pending 返回在途区间（按起点升序）。
func (c *Controller[T]) Pending() []contract.Range {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]contract.Range, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.rng)
	}
	return contract.NormalizeRanges(out)
}

// EndAt 返回已判定的集合末尾；未知为 -1。
func (c *Controller[T]) EndAt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endAt
}

// Complete 判断是否已加载 [0,total) 且总量新鲜。
// 空集合需由一次空页确认（GetMeta 失败同样返回 0）。
func (c *Controller[T]) Complete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.known || !c.metaFresh {
		return false
	}
	if c.total == 0 {
		return c.endAt == 0
	}
	return covers(c.loaded, contract.Range{Start: 0, Length: c.total})
}

// Len 返回已加载条目数与乐观占位数之和。
func (c *Controller[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Len() + len(c.optimistic)
}

// Stats 返回计数快照。
func (c *Controller[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
