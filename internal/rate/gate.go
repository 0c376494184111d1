package rate

import (
	"context"
	"sync"
	"time"

	"projective/pkg/contract"
)

// LimitKey: 限流分组键（例如客户端 IP 或上游 base_url）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示不启用。
type Limits struct {
	RPM   int // requests per minute（桶的补充速率）
	Burst int // 桶容量；0 时取 RPM
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int // 必须 >=1
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false 与预计等待时长。
	Try(a Ask) (bool, time.Duration)
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (avail int)
}

// NewGate: 从静态配置构造闸门；def 为未配置分组的默认限额（零值表示不限）；
// clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, def Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, def: def, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	def Limits
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	req bucket
}

type bucket struct {
	cap   int
	level float64
	rate  float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	return &entry{req: newBucket(lim, now)}
}

func newBucket(lim Limits, now time.Time) bucket {
	if lim.RPM <= 0 {
		return bucket{}
	}
	capacity := lim.Burst
	if capacity <= 0 {
		capacity = lim.RPM
	}
	return bucket{cap: capacity, level: float64(capacity), rate: float64(lim.RPM) / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() {
		return
	}
	if now.Before(b.last) {
		// 单调性保护：若时钟回拨，视为无时间流逝
		return
	}
	dt := now.Sub(b.last).Seconds()
	if dt <= 0 {
		return
	}
	b.level += dt * b.rate
	if b.level > float64(b.cap) {
		b.level = float64(b.cap)
	}
	b.last = now
}

func (b *bucket) canTake(n int) bool {
	if !b.enabled() {
		return true
	}
	return b.level >= float64(n)
}

func (b *bucket) take(n int) {
	if !b.enabled() {
		return
	}
	b.level -= float64(n)
	if b.level < 0 {
		b.level = 0
	}
}

// waitFor 返回达到可消费 n 还需等待的时长。
func (b *bucket) waitFor(n int) time.Duration {
	if !b.enabled() {
		return 0
	}
	deficit := float64(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.rate * float64(time.Second))
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		e = newEntry(g.def, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) Try(a Ask) (bool, time.Duration) {
	if a.Requests <= 0 {
		return false, 0
	}
	e := g.get(a.Key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	if e.req.canTake(a.Requests) {
		e.req.take(a.Requests)
		return true, 0
	}
	return false, e.req.waitFor(a.Requests)
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	if a.Requests <= 0 {
		return contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	if e.req.enabled() && a.Requests > e.req.cap {
		return contract.ErrInvalidInput
	}
	// 最小睡眠粒度，避免忙等
	const minSleep = 10 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		now := g.clk()
		e.mu.Lock()
		e.req.refill(now)
		if e.req.canTake(a.Requests) {
			e.req.take(a.Requests)
			e.mu.Unlock()
			return nil
		}
		d := e.req.waitFor(a.Requests) + minSleep
		e.mu.Unlock()
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	// 分片为最多 200ms 的步长，及时响应取消
	const step = 200 * time.Millisecond
	for d > 0 {
		s := d
		if s > step {
			s = step
		}
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用请求数的向下取整估值（仅诊断）；不限额的分组返回 -1。
func (g *gate) Snapshot(key LimitKey) int {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.req.enabled() {
		return -1
	}
	e.req.refill(now)
	if e.req.level < 0 {
		return 0
	}
	return int(e.req.level)
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
