package testdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "projective/internal/config"
	"projective/internal/server"
	"projective/internal/store"
	"projective/internal/window"
	"projective/pkg/contract"
)

// liveServer 启动基于 sqlite 的服务，返回其地址。
func liveServer(t *testing.T) string {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "e2e.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := httptest.NewServer(server.New(st, server.Options{}, nil).Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

// baseConfig 构造指向阶段聊天的 rest 源配置。
func baseConfig(baseURL, stage string) cfgpkg.Config {
	cfg := cfgpkg.Defaults()
	cfg.Logging.Level = "error"
	cfg.Source = "rest"
	cfg.SourceOptions = json.RawMessage(fmt.Sprintf(
		`{"base_url":%q,"endpoint_template":"/api/v1/dashboard/projects/p1/stages/{collection}/chat","collection":%q}`,
		baseURL, stage))
	cfg.User = cfgpkg.User{ID: "you", Name: "You"}
	return cfg
}

func assemble(t *testing.T, cfg cfgpkg.Config) (*cfgpkg.Runtime, *window.Controller[contract.Message]) {
	t.Helper()
	rt, err := cfgpkg.Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	t.Cleanup(func() { rt.Store.Close() })
	return rt, rt.Controller(nil)
}

// expectHistory 校验 [0,n) 全部加载且与固定集合逐条一致。
func expectHistory(t *testing.T, ctl *window.Controller[contract.Message], n int) {
	t.Helper()
	for _, s := range ctl.Snapshot(0, n) {
		if s.State != window.Loaded {
			t.Fatalf("位置 %d 状态 %s", s.Pos, s.State)
		}
		if want := fmt.Sprintf("msg-%d", s.Pos); s.Item.ID != want {
			t.Fatalf("位置 %d 期望 %s 实得 %s", s.Pos, want, s.Item.ID)
		}
		if s.Item.IsSelf != (s.Pos%2 == 0) {
			t.Fatalf("位置 %d isSelf=%v", s.Pos, s.Item.IsSelf)
		}
	}
}

// 尾页起步，逐页向前直到完整历史
func TestE2EScrollToStart(t *testing.T) {
	_, ctl := assemble(t, baseConfig(liveServer(t), "s1"))
	ctx := context.Background()
	if err := ctl.Tail(ctx); err != nil {
		t.Fatalf("tail: %v", err)
	}
	if lo, hi := ctl.Bounds(); lo != store.FixtureSize-20 || hi != store.FixtureSize {
		t.Fatalf("尾页区间=[%d,%d)", lo, hi)
	}
	pages := 0
	for !ctl.Complete() {
		if err := ctl.Older(ctx); err != nil {
			t.Fatalf("older: %v", err)
		}
		if pages++; pages > 10 {
			t.Fatal("older 未收敛")
		}
	}
	expectHistory(t, ctl, store.FixtureSize)
	if st := ctl.Stats(); st.Failures != 0 || st.Fetches != pages+1 {
		t.Fatalf("stats=%+v pages=%d", st, pages)
	}
}

// 注入故障后缺口保持未加载，下次需求重试成功
func TestE2ERetry(t *testing.T) {
	cfg := baseConfig(liveServer(t), "s2")
	cfg.FaultOptions = json.RawMessage(`{"fail_calls":[1,2]}`)
	on := true
	cfg.Window.Parallel = &on
	cfg.Window.PageSize = 25
	_, ctl := assemble(t, cfg)
	ctx := context.Background()

	if err := ctl.Request(ctx, 0, 100); err != nil {
		t.Fatalf("request: %v", err)
	}
	if st := ctl.Stats(); st.Failures != 2 {
		t.Fatalf("应有 2 次失败: %+v", st)
	}
	if err := ctl.Request(ctx, 0, 100); err != nil {
		t.Fatalf("request: %v", err)
	}
	expectHistory(t, ctl, 100)
}

// 乐观发送经服务端回显后对账，不产生重复条目
func TestE2EOptimisticSend(t *testing.T) {
	rt, ctl := assemble(t, baseConfig(liveServer(t), "s3"))
	ctx := context.Background()
	if err := ctl.Tail(ctx); err != nil {
		t.Fatalf("tail: %v", err)
	}
	provisional := contract.Message{ID: "tmp-e2e", ClientID: "tmp-e2e", Text: "hello", Sender: rt.Me, Timestamp: time.Now(), IsSelf: true}
	pos := ctl.Optimistic(provisional)
	if pos != store.FixtureSize {
		t.Fatalf("占位位置=%d", pos)
	}
	m, err := ctl.Send(ctx, contract.Draft{Message: "hello", ClientID: "tmp-e2e"}, provisional)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if m.ClientID != "tmp-e2e" || m.ID == "tmp-e2e" {
		t.Fatalf("回显不符: %+v", m)
	}
	if err := ctl.Tail(ctx); err != nil {
		t.Fatalf("tail: %v", err)
	}
	s := ctl.Snapshot(store.FixtureSize, store.FixtureSize+2)
	if s[0].State != window.Loaded || s[0].Item.ID != m.ID || s[1].State != window.End {
		t.Fatalf("对账后槽位不符: %+v", s)
	}
	if ctl.Len() != 21 || ctl.Stats().Reconciled != 1 {
		t.Fatalf("len=%d stats=%+v", ctl.Len(), ctl.Stats())
	}
}
