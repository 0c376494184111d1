package config

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"projective/internal/store"
	"projective/pkg/contract"
	"projective/plugins/datasource/flaky"
)

// 解析带注释与尾逗号的 config.json
func TestLoadJSON(t *testing.T) {
	cfg, err := LoadJSON("testdata/basic.json", nil)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Source != "rest" || cfg.Window.PageSize != 50 || !boolOf(cfg.Window.Parallel) {
		t.Fatalf("字段映射错误: %+v", cfg)
	}
	cfg = Merge(Defaults(), cfg)
	if cfg.Window.MaxInFlight != 4 || cfg.Listen != "127.0.0.1:9090" {
		t.Fatalf("合并默认值错误: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("校验失败: %v", err)
	}
}

func TestLoadJSONErrors(t *testing.T) {
	if _, err := LoadJSON("", []byte(`{"unknown":1}`)); err == nil {
		t.Fatal("未知字段应当返回错误")
	}
	if _, err := LoadJSON("", []byte(`{"listen":`)); err == nil {
		t.Fatal("非法 JSON 应当返回错误")
	}
	if _, err := LoadJSON("", nil); err == nil {
		t.Fatal("无来源应当返回错误")
	}
	if _, err := LoadJSON("testdata/missing.json", nil); err == nil {
		t.Fatal("文件不存在应当返回错误")
	}
}

func TestEnvOverlay(t *testing.T) {
	env := []string{
		"PROJECTIVE_LISTEN=:7000",
		"PROJECTIVE_SOURCE=rest",
		"PROJECTIVE_SOURCE_OPTIONS_JSON={\"base_url\":\"http://x\",\"collection\":\"c\"}",
		"PROJECTIVE_PAGE_SIZE=30",
		"PROJECTIVE_PARALLEL=false",
		"PROJECTIVE_RATE_TRUST_PROXY=true",
		"PROJECTIVE_USER_ID=bob",
		"PROJECTIVE_STORE=",
		"OTHER=1",
	}
	over, err := EnvOverlay(env)
	if err != nil {
		t.Fatalf("EnvOverlay 错误: %v", err)
	}
	base := Defaults()
	on := true
	base.Window.Parallel = &on
	got := Merge(base, over)
	if got.Listen != ":7000" || got.Source != "rest" || got.Window.PageSize != 30 || got.User.ID != "bob" {
		t.Fatalf("覆盖结果不正确: %+v", got)
	}
	if got.Store != "memory" {
		t.Fatalf("空值不应覆盖: %q", got.Store)
	}
	// 显式 false 覆盖 true
	if boolOf(got.Window.Parallel) || !boolOf(got.Rate.TrustProxy) {
		t.Fatalf("布尔覆盖错误: %+v %+v", got.Window, got.Rate)
	}

	if _, err := EnvOverlay([]string{"PROJECTIVE_PAGE_SIZE=abc"}); err == nil {
		t.Fatal("非法数值应失败")
	}
	if _, err := EnvOverlay([]string{"PROJECTIVE_PARALLEL=maybe"}); err == nil {
		t.Fatal("非法布尔应失败")
	}
}

func TestMergeClonesRaw(t *testing.T) {
	raw := json.RawMessage(`{"collection":"a"}`)
	got := Merge(Defaults(), Config{SourceOptions: raw})
	raw[2] = 'X'
	if string(got.SourceOptions) != `{"collection":"a"}` {
		t.Fatalf("cloneRaw 未复制: %s", got.SourceOptions)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"listen", func(c *Config) { c.Listen = " " }},
		{"level", func(c *Config) { c.Logging.Level = "trace" }},
		{"store", func(c *Config) { c.Store = "mongo" }},
		{"source", func(c *Config) { c.Source = "grpc" }},
		{"flaky", func(c *Config) { c.Source = "flaky" }},
		{"page", func(c *Config) { c.Window.PageSize = 101 }},
		{"inflight", func(c *Config) { c.Window.MaxInFlight = -1 }},
		{"rpm", func(c *Config) { c.Rate.RPM = -1 }},
	}
	for _, tc := range cases {
		cfg := Defaults()
		tc.mut(&cfg)
		if err := Validate(cfg); err == nil {
			t.Fatalf("%s: 应失败", tc.name)
		}
	}
	if err := Validate(Defaults()); err != nil {
		t.Fatalf("默认配置应通过: %v", err)
	}
}

func TestAssembleLocal(t *testing.T) {
	cfg := Defaults()
	cfg.SourceOptions = json.RawMessage(`{"collection":"general"}`)
	cfg.User = User{ID: "alice", Name: "Alice"}
	cfg.Window.PageSize = 10
	cfg.Rate.RPM = 5
	rt, err := Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer rt.Store.Close()

	if rt.Window.PageSize != 10 || rt.Server.RPM != 5 || rt.Me != (contract.Sender{ID: "alice", Name: "Alice"}) {
		t.Fatalf("参数不符: %+v", rt)
	}
	c := rt.Source.Collection()
	if _, err := rt.Store.Append(context.Background(), c, contract.Message{Text: "hi", Sender: contract.Sender{ID: "alice"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	ctl := rt.Controller(nil)
	if err := ctl.Tail(context.Background()); err != nil {
		t.Fatalf("tail: %v", err)
	}
	s := ctl.Snapshot(0, 1)
	if !s[0].Item.IsSelf {
		t.Fatal("user 应注入数据源（isSelf）")
	}
}

func TestAssembleFault(t *testing.T) {
	cfg := Defaults()
	cfg.SourceOptions = json.RawMessage(`{"collection":"general"}`)
	cfg.FaultOptions = json.RawMessage(`{"fail_calls":[1]}`)
	rt, err := Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer rt.Store.Close()
	if _, ok := rt.Source.(*flaky.Source[contract.Message]); !ok {
		t.Fatalf("应以 flaky 装饰: %T", rt.Source)
	}
	res := rt.Source.Fetch(context.Background(), contract.Range{Start: 0, Length: 1})
	if res.OK() {
		t.Fatal("第 1 次调用应降级")
	}

	cfg.FaultOptions = json.RawMessage(`{"every_k":-1}`)
	if _, err := Assemble(context.Background(), cfg, nil); err == nil {
		t.Fatal("非法 fault_options 应失败")
	}
}

func TestDeriveSwitchesCollection(t *testing.T) {
	cfg := Defaults()
	cfg.SourceOptions = json.RawMessage(`{"collection":"general"}`)
	cfg.User = User{ID: "alice"}
	rt, err := Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer rt.Store.Close()

	other := contract.CollectionID{Kind: contract.KindChannel, ID: "random"}
	if _, err := rt.Store.Append(context.Background(), other, contract.Message{Text: "hi", Sender: contract.Sender{ID: "alice"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	src, err := rt.Derive("random")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if src.Collection() != other {
		t.Fatalf("集合=%v", src.Collection())
	}
	if m := src.GetMeta(context.Background()); m.TotalCount != 1 {
		t.Fatalf("派生数据源应读取新集合: %+v", m)
	}
	if rt.Source.Collection().ID != "general" {
		t.Fatal("派生不应修改原数据源")
	}
	if _, err := rt.Derive(" "); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("空集合应失败: %v", err)
	}

	cfg.FaultOptions = json.RawMessage(`{"fail_calls":[1]}`)
	rt2, err := Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer rt2.Store.Close()
	src, err = rt2.Derive("random")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, ok := src.(*flaky.Source[contract.Message]); !ok {
		t.Fatalf("派生数据源应保留故障注入: %T", src)
	}
}

func TestAssembleSourceError(t *testing.T) {
	cfg := Defaults()
	cfg.SourceOptions = json.RawMessage(`{"bogus":1}`)
	_, err := Assemble(context.Background(), cfg, nil)
	if err == nil || !strings.Contains(err.Error(), "source local") {
		t.Fatalf("应返回数据源错误: %v", err)
	}
}

func TestWithUser(t *testing.T) {
	raw, err := withUser(json.RawMessage(`{"user_id":"keep"}`), "local", User{ID: "x", Name: "X"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]string
	_ = json.Unmarshal(raw, &got)
	if diff := cmp.Diff(map[string]string{"user_id": "keep", "user_name": "X"}, got); diff != "" {
		t.Fatalf("local 注入不符 (-want +got):\n%s", diff)
	}
	raw, _ = withUser(nil, "rest", User{ID: "x", Name: "X"})
	if string(raw) != `{"user_id":"x"}` {
		t.Fatalf("rest 仅注入 user_id: %s", raw)
	}
	if raw, _ := withUser(nil, "rest", User{}); raw != nil {
		t.Fatalf("无用户时保持原样: %s", raw)
	}
}

// 模板写出后可直接读回、校验并装配
func TestDefaultTemplateConfig(t *testing.T) {
	tpl := DefaultTemplateConfig()
	dir := t.TempDir()
	tpl.StoreOptions = json.RawMessage(`{"path":"` + filepath.ToSlash(filepath.Join(dir, "db", "m.db")) + `"}`)
	b, err := json.MarshalIndent(tpl, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadJSON("", b)
	if err != nil {
		t.Fatalf("读回失败: %v", err)
	}
	cfg = Merge(Defaults(), cfg)
	rt, err := Assemble(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("装配失败: %v", err)
	}
	defer rt.Store.Close()
	if _, ok := rt.Store.(*store.SQLite); !ok {
		t.Fatalf("模板应使用 sqlite: %T", rt.Store)
	}
	var ro map[string]any
	if err := json.Unmarshal(RestSourceTemplate(), &ro); err != nil || ro["base_url"] == nil {
		t.Fatalf("rest 模板无效: %v", err)
	}
	if Validate(Config{}) == nil {
		t.Fatal("空配置应失败")
	}
}
