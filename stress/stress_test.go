package stress

import (
	"context"
	"fmt"
	"math"
	"net/http/httptest"
	"sort"
	"testing"
	"time"

	"projective/internal/server"
	"projective/internal/store"
	"projective/internal/window"
	"projective/pkg/contract"
	"projective/plugins/datasource/flaky"
	"projective/plugins/datasource/rest"
)

const collectionSize = 1000

// seededServer 启动内存服务并写入 n 条消息。
func seededServer(t *testing.T, n int) string {
	t.Helper()
	st := store.NewMemory(nil)
	c := contract.CollectionID{Kind: contract.KindChannel, ID: "load"}
	if err := store.SeedFixture(context.Background(), st, c, n, time.Now()); err != nil {
		t.Fatalf("seed: %v", err)
	}
	srv := httptest.NewServer(server.New(st, server.Options{}, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// loadAll 以给定并发上限加载完整集合。
func loadAll(t *testing.T, baseURL string, inFlight int) (time.Duration, window.Stats, error) {
	src, err := rest.New(rest.Options{BaseURL: baseURL, Collection: "load"}, contract.MessageKey, contract.MessageAlias, nil)
	if err != nil {
		return 0, window.Stats{}, err
	}
	// 每次取数附加延迟，模拟网络往返
	slow, err := flaky.New[contract.Message](src, flaky.Options{DelayMS: 5})
	if err != nil {
		return 0, window.Stats{}, err
	}
	ctl := window.New[contract.Message](slow, window.Options{PageSize: 50, Parallel: inFlight > 1, MaxInFlight: inFlight}, nil)
	start := time.Now()
	ctl.Refresh(context.Background())
	if err := ctl.Request(context.Background(), 0, collectionSize); err != nil {
		return 0, window.Stats{}, err
	}
	dur := time.Since(start)
	if !ctl.Complete() {
		return dur, ctl.Stats(), fmt.Errorf("incomplete: loaded=%v", ctl.Loaded())
	}
	return dur, ctl.Stats(), nil
}

// TestStress 在不同并发上限下加载完整集合并记录延迟统计。
func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("short")
	}
	baseURL := seededServer(t, collectionSize)
	levels := []int{1, 4, 8, 16}
	for _, conc := range levels {
		t.Run(fmt.Sprintf("in_flight_%d", conc), func(t *testing.T) {
			const runs = 5
			successes := 0
			latencies := make([]time.Duration, 0, runs)
			for i := 0; i < runs; i++ {
				dur, st, err := loadAll(t, baseURL, conc)
				if err != nil {
					t.Errorf("run %d: %v", i, err)
					continue
				}
				if st.Fetches != collectionSize/50 || st.Failures != 0 || st.Duplicates != 0 {
					t.Errorf("run %d: stats=%+v", i, st)
					continue
				}
				successes++
				latencies = append(latencies, dur)
			}
			if successes == 0 {
				t.Fatalf("全部运行失败")
			}
			sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
			var total time.Duration
			for _, d := range latencies {
				total += d
			}
			avg := total / time.Duration(len(latencies))
			idx := int(math.Ceil(float64(len(latencies))*0.95)) - 1
			if idx < 0 {
				idx = 0
			}
			p95 := latencies[idx]
			t.Logf("并发%d 成功率%.2f 平均%v 95%%延迟%v", conc, float64(successes)/float64(runs), avg, p95)
		})
	}
}

// 并发窗口需求重叠时每个位置只取一次
func TestOverlappingWindows(t *testing.T) {
	baseURL := seededServer(t, 200)
	src, err := rest.New(rest.Options{BaseURL: baseURL, Collection: "load"}, contract.MessageKey, contract.MessageAlias, nil)
	if err != nil {
		t.Fatal(err)
	}
	slow, _ := flaky.New[contract.Message](src, flaky.Options{DelayMS: 20})
	ctl := window.New[contract.Message](slow, window.Options{PageSize: 20, Parallel: true, MaxInFlight: 8}, nil)
	ctl.Refresh(context.Background())

	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(i int) {
			done <- ctl.Request(context.Background(), i*10, i*10+100)
		}(i)
	}
	for i := 0; i < 10; i++ {
		if err := <-done; err != nil {
			t.Fatalf("request: %v", err)
		}
	}
	if lr := ctl.Loaded(); len(lr) != 1 || lr[0] != (contract.Range{Start: 0, Length: 190}) {
		t.Fatalf("loaded=%v", lr)
	}
	// 不去重时为 10 个窗口 × 5 页
	if st := ctl.Stats(); st.Fetches >= 50 || st.Duplicates != 0 {
		t.Fatalf("重复取数: %+v", st)
	}
}
