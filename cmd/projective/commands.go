package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	cfgpkg "projective/internal/config"
	"projective/internal/chatview"
	"projective/internal/diag"
	"projective/internal/prefs"
	"projective/internal/respd"
	"projective/internal/server"
	"projective/internal/window"
	"projective/pkg/contract"
)

// env: 子命令共享的运行期上下文。
type env struct {
	cfg    cfgpkg.Config
	log    *diag.Logger
	status bool
}

type command func(ctx context.Context, e *env, args []string) int

var commands map[string]command

func init() {
	commands = map[string]command{
		"serve": cmdServe,
		"fetch": cmdFetch,
		"send":  cmdSend,
		"view":  cmdView,
	}
}

// viewRun 可在测试中替换（交互程序需要 TTY）。
var viewRun = chatview.Run

func flagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// assemble 构造运行期组件；失败统一按配置错误处理。
func (e *env) assemble(ctx context.Context) (*cfgpkg.Runtime, int) {
	rt, err := cfgpkg.Assemble(ctx, e.cfg, e.log)
	if err != nil {
		fprintf(stderr, "装配失败: %v\n", err)
		e.log.Error("cli", string(diag.Classify(err)), "assemble: "+err.Error(), nil)
		return nil, exitConfig
	}
	return rt, exitOK
}

func cmdServe(ctx context.Context, e *env, args []string) int {
	fs := flagSet("serve")
	listen := fs.String("listen", "", "HTTP 监听地址（覆盖配置）")
	resp := fs.String("resp-listen", "", "内嵌 RESP 键空间监听地址（覆盖配置）")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	cfg := cfgpkg.Merge(e.cfg, cfgpkg.Config{Listen: *listen, RespListen: *resp})

	// 内嵌键空间需先于 redis 存储就绪
	if cfg.RespListen != "" {
		ln, err := net.Listen("tcp", cfg.RespListen)
		if err != nil {
			fprintf(stderr, "RESP 监听失败: %v\n", err)
			return exitRuntime
		}
		go func() {
			<-ctx.Done()
			_ = ln.Close()
		}()
		go func() { _ = respd.New(e.log).Serve(ln) }()
		fprintf(stderr, "[resp] %s\n", ln.Addr())
	}

	rt, code := (&env{cfg: cfg, log: e.log}).assemble(ctx)
	if rt == nil {
		return code
	}
	defer rt.Store.Close()

	srv := server.New(rt.Store, rt.Server, e.log)
	fprintf(stderr, "[serve] %s store=%s\n", cfg.Listen, cfg.Store)
	if err := srv.ListenAndServe(ctx, cfg.Listen); err != nil {
		fprintf(stderr, "服务失败: %v\n", err)
		e.log.Error("cli", string(diag.Classify(err)), "serve: "+err.Error(), nil)
		return exitRuntime
	}
	return exitOK
}

func cmdFetch(ctx context.Context, e *env, args []string) int {
	fs := flagSet("fetch")
	start := fs.Int("start", 0, "窗口起点（含）")
	end := fs.Int("end", 0, "窗口终点（不含）；0 表示到已知末尾")
	tail := fs.Bool("tail", false, "取最新一页（忽略 --start/--end）")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *start < 0 || (*end != 0 && *end <= *start) {
		fprintf(stderr, "非法窗口: [%d,%d)\n", *start, *end)
		return exitUsage
	}
	rt, code := e.assemble(ctx)
	if rt == nil {
		return code
	}
	defer rt.Store.Close()

	t0 := time.Now()
	term := diag.NewTerminal(stderr, e.status)
	ctl := rt.Controller(e.log)
	coll := ctl.Collection().String()
	term.RunStart(e.cfg.Source, rt.Window.PageSize)

	var lo, hi int
	var err error
	if *tail {
		term.CollectionStart(coll, 1)
		err = ctl.Tail(ctx)
		lo, hi = ctl.Bounds()
	} else {
		ctl.Refresh(ctx)
		lo, hi = *start, *end
		if hi == 0 {
			hi = ctl.TotalCount()
		}
		pageSize := max(rt.Window.PageSize, 1)
		term.CollectionStart(coll, (hi-lo+pageSize-1)/pageSize)
		if hi > lo {
			err = ctl.Request(ctx, lo, hi)
		}
	}

	slots := ctl.Snapshot(lo, hi)
	missing := 0
	enc := json.NewEncoder(stdout)
	for _, s := range slots {
		if s.State == window.Missing {
			missing++
		}
		if werr := enc.Encode(s); werr != nil {
			err = errors.Join(err, werr)
			break
		}
	}
	st := ctl.Stats()
	term.PageProgress(st.Fetches, st.Fetches, ctl.Len(), st.Failures)
	ok := err == nil && missing == 0
	term.CollectionFinish(ok, ctl.Len(), time.Since(t0))
	term.RunFinish(ok, time.Since(t0))
	if !ok {
		if err == nil {
			err = fmt.Errorf("%d slot(s) not loaded: %w", missing, contract.ErrTransport)
		}
		e.log.ErrorWith("cli", string(diag.Classify(err)), "fetch: "+err.Error(), &t0, coll, contract.Span(lo, hi).String())
		return exitRuntime
	}
	e.log.InfoFinish("cli", "fetch "+contract.Span(lo, hi).String(), t0, int64(len(slots)))
	return exitOK
}

func cmdSend(ctx context.Context, e *env, args []string) int {
	fs := flagSet("send")
	text := fs.String("text", "", "消息正文（必填）")
	clientID := fs.String("client-id", "", "临时标识；缺省自动生成")
	target := fs.String("target", "", "私信目标用户（新会话）")
	atts := fs.StringSlice("attach", nil, "附件 id（可重复）")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if strings.TrimSpace(*text) == "" {
		fprintf(stderr, "--text 不能为空\n")
		return exitUsage
	}
	rt, code := e.assemble(ctx)
	if rt == nil {
		return code
	}
	defer rt.Store.Close()

	cid := *clientID
	if cid == "" {
		cid = uuid.NewString()
	}
	provisional := contract.Message{ID: cid, ClientID: cid, Text: *text, Sender: rt.Me, Timestamp: time.Now(), IsSelf: true}
	d := contract.Draft{Message: *text, ClientID: cid, TargetUserID: *target, Attachments: *atts}
	m, err := rt.Controller(e.log).Send(ctx, d, provisional)
	if err != nil {
		fprintf(stderr, "发送失败: %v\n", err)
		return exitRuntime
	}
	if err := json.NewEncoder(stdout).Encode(m); err != nil {
		return exitRuntime
	}
	return exitOK
}

func cmdView(ctx context.Context, e *env, args []string) int {
	fs := flagSet("view")
	plain := fs.Bool("plain", false, "无样式渲染")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	rt, code := e.assemble(ctx)
	if rt == nil {
		return code
	}
	defer rt.Store.Close()

	sess, err := prefs.Open(e.cfg.PrefsPath)
	if err != nil {
		fprintf(stderr, "界面状态读取失败: %v\n", err)
		return exitConfig
	}
	err = viewRun(ctx, rt.Controller(e.log), sess, rt.Me, chatview.Options{
		Plain:    *plain,
		PageSize: rt.Window.PageSize,
		Derive:   rt.Derive,
	})
	if cerr := sess.Close(); cerr != nil {
		fprintf(stderr, "界面状态保存失败: %v\n", cerr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fprintf(stderr, "查看器退出: %v\n", err)
		return exitRuntime
	}
	return exitOK
}
