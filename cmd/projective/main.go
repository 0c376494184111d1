package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	cfgpkg "projective/internal/config"
	"projective/internal/diag"
)

// 退出码
const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
	exitConfig  = 3
)

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// globals: 子命令之前的全局旗标。
type globals struct {
	config        string
	initDir       string
	logLevel      string
	store         string
	source        string
	sourceOptions string
	status        bool
}

const usage = `用法: projective [全局旗标] <command> [旗标]

命令:
  serve   启动 HTTP 接口（可选内嵌 RESP 键空间）
  fetch   按窗口取数并以 JSON 行输出槽位
  send    追加一条消息
  view    交互式查看器

全局旗标:
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")

	var g globals
	fs := pflag.NewFlagSet("projective", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.SetInterspersed(false)
	fs.StringVar(&g.config, "config", "", "配置文件路径（JSON，可含注释）；缺省读取 ./config.json（若存在）")
	fs.StringVar(&g.initDir, "init-config", "", "在指定目录生成 config.json 与 .env 模板（不覆盖）；不带值时为当前目录")
	fs.Lookup("init-config").NoOptDefVal = "."
	fs.StringVar(&g.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	fs.StringVar(&g.store, "store", "", "集合存储 memory|sqlite|redis（覆盖配置）")
	fs.StringVar(&g.source, "source", "", "数据源 local|rest（覆盖配置）")
	fs.StringVar(&g.sourceOptions, "source-options", "", "数据源 Options（原样 JSON，覆盖配置）")
	fs.BoolVar(&g.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	rest := fs.Args()

	if g.initDir != "" {
		dir := g.initDir
		// --init-config out：NoOptDefVal 使目录落入位置参数
		if dir == "." && len(rest) > 0 && commands[rest[0]] == nil {
			dir = rest[0]
		}
		return initConfig(dir)
	}

	if len(rest) == 0 {
		fs.Usage()
		return exitUsage
	}
	cmd := commands[rest[0]]
	if cmd == nil {
		fprintf(stderr, "未知命令: %s\n", rest[0])
		fs.Usage()
		return exitUsage
	}

	cfg, err := loadConfig(g)
	if err != nil {
		fprintf(stderr, "配置解析失败: %v\n", err)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(stderr, "配置校验失败: %v\n", err)
		_ = dumpConfig(cfg)
		return exitConfig
	}

	logger := diag.NewLogger(genCorrID(), cfg.Logging.Level)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return cmd(ctx, &env{cfg: cfg, log: logger, status: g.status}, rest[1:])
}

// loadConfig: Defaults → JSON（文件或 PROJECTIVE_CONFIG_JSON）→ ENV → CLI。
func loadConfig(g globals) (cfgpkg.Config, error) {
	var raw []byte
	if s := os.Getenv("PROJECTIVE_CONFIG_JSON"); s != "" {
		raw = []byte(s)
	}
	path := g.config
	if path == "" {
		path = os.Getenv("PROJECTIVE_CONFIG_FILE")
	}
	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	cfg := cfgpkg.Defaults()
	if path != "" || len(raw) > 0 {
		base, err := cfgpkg.LoadJSON(path, raw)
		if err != nil {
			return cfg, err
		}
		cfg = cfgpkg.Merge(cfg, base)
	}
	over, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, err
	}
	cfg = cfgpkg.Merge(cfg, over)

	var cli cfgpkg.Config
	cli.Logging.Level = g.logLevel
	cli.Store = g.store
	cli.Source = g.source
	if s := strings.TrimSpace(g.sourceOptions); s != "" {
		if !json.Valid([]byte(s)) {
			return cfg, fmt.Errorf("--source-options: invalid JSON")
		}
		cli.SourceOptions = json.RawMessage(s)
	}
	return cfgpkg.Merge(cfg, cli), nil
}

func initConfig(dir string) int {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if err := writeConfig(filepath.Join(dir, "config.json"), cfgpkg.DefaultTemplateConfig()); err != nil {
		fprintf(stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return exitOK
}

func fprintf(w io.Writer, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	fprintf(stderr, "有效配置:\n%s\n", b)
	return nil
}

func writeConfig(path string, c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if path == "-" {
		_, err = stdout.Write(append(b, '\n'))
		return err
	}
	// 不覆盖已存在文件
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(b, '\n'))
	return err
}

func genCorrID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 跳过空行与 # 注释；支持 export 前缀与成对引号；不覆盖已存在的环境变量。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if len(val) >= 2 {
			if q := val[0]; (q == '\'' || q == '"') && val[len(val)-1] == q {
				val = val[1 : len(val)-1]
				if q == '"' {
					val = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`).Replace(val)
				}
			}
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# projective .env 模板（由 --init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > JSON；空值表示未设置。\n\n")
	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("PROJECTIVE_CONFIG_FILE=\n")
	b.WriteString("PROJECTIVE_CONFIG_JSON=\n\n")
	b.WriteString("# 服务\n")
	b.WriteString("PROJECTIVE_LISTEN=\n")
	b.WriteString("PROJECTIVE_RESP_LISTEN=\n")
	b.WriteString("PROJECTIVE_LOG_LEVEL=\n")
	b.WriteString("PROJECTIVE_RATE_RPM=\n")
	b.WriteString("PROJECTIVE_RATE_TRUST_PROXY=\n\n")
	b.WriteString("# 存储 memory|sqlite|redis\n")
	b.WriteString("PROJECTIVE_STORE=\n")
	b.WriteString("PROJECTIVE_STORE_OPTIONS_JSON=\n\n")
	b.WriteString("# 数据源 local|rest；rest 全部键：\n")
	fmt.Fprintf(&b, "# %s\n", cfgpkg.RestSourceTemplate())
	b.WriteString("PROJECTIVE_SOURCE=\n")
	b.WriteString("PROJECTIVE_SOURCE_OPTIONS_JSON=\n")
	b.WriteString("PROJECTIVE_FAULT_OPTIONS_JSON=\n\n")
	b.WriteString("# 窗口\n")
	b.WriteString("PROJECTIVE_PAGE_SIZE=\n")
	b.WriteString("PROJECTIVE_PARALLEL=\n")
	b.WriteString("PROJECTIVE_MAX_IN_FLIGHT=\n\n")
	b.WriteString("# 查看器\n")
	b.WriteString("PROJECTIVE_PREFS_PATH=\n")
	b.WriteString("PROJECTIVE_USER_ID=\n")
	b.WriteString("PROJECTIVE_USER_NAME=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}
