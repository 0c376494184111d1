package diag

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// 级别定义
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zl() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger 为结构化日志器：单行 JSON（zerolog）写入轮转文件，失败时退回 stderr。
// 事件字段：comp/stage(start|finish|error)/code/dur_ms/count/collection/range/kv。
// nil 接收者的方法均为 no-op，便于组件可选注入。
type Logger struct {
	zl   zerolog.Logger
	sink *RotatingFile
}

// NewLogger 通过配置的 level 初始化，并将日志写入默认目录 logs，10m 轮转。
func NewLogger(corrID, level string) *Logger {
	sink := NewRotatingFile("logs", 10*1024*1024)
	l := NewLoggerTo(fallbackWriter{primary: sink, fallback: os.Stderr}, corrID, level)
	l.sink = sink
	return l
}

// NewLoggerTo 写入任意 io.Writer（测试或 stderr 输出）。
func NewLoggerTo(w io.Writer, corrID, level string) *Logger {
	lvl := parseLevel(strings.TrimSpace(level))
	zl := zerolog.New(w).Level(lvl.zl()).With().Timestamp().Str("corr_id", corrID).Logger()
	return &Logger{zl: zl}
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Close 关闭文件 sink（若有）。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

// Event 为标准事件结构。
type Event struct {
	Comp       string
	Stage      string // start|finish|error
	Code       string
	DurMS      int64
	Count      int64
	Collection string
	Range      string
	Msg        string
	KV         map[string]string
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil {
		return
	}
	var e *zerolog.Event
	switch lv {
	case Debug:
		e = l.zl.Debug()
	case Warn:
		e = l.zl.Warn()
	case Error:
		e = l.zl.Error()
	default:
		e = l.zl.Info()
	}
	if e == nil { // 被级别过滤
		return
	}
	e = e.Str("comp", ev.Comp).Str("stage", ev.Stage)
	if ev.Code != "" {
		e = e.Str("code", ev.Code)
	}
	if ev.DurMS != 0 {
		e = e.Int64("dur_ms", ev.DurMS)
	}
	if ev.Count != 0 {
		e = e.Int64("count", ev.Count)
	}
	if ev.Collection != "" {
		e = e.Str("collection", ev.Collection)
	}
	if ev.Range != "" {
		e = e.Str("range", ev.Range)
	}
	if len(ev.KV) > 0 {
		d := zerolog.Dict()
		for k, v := range ev.KV {
			d = d.Str(k, v)
		}
		e = e.Dict("kv", d)
	}
	e.Msg(ev.Msg)
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Msg: msg})
	return &Timer{l: l, comp: comp, t0: time.Now()}
}

// StartWith 记录带 collection/range 的 start。
func (l *Logger) StartWith(comp, msg, collection, rng string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Collection: collection, Range: rng, Msg: msg})
	return &Timer{l: l, comp: comp, collection: collection, rng: rng, t0: time.Now()}
}

// StartWithKV 记录带 collection/range 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, collection, rng string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", Collection: collection, Range: rng, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, collection: collection, rng: rng, t0: time.Now()}
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg})
}

// ErrorWith 支持 collection/range。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, collection, rng string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, Collection: collection, Range: rng})
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, collection, rng string, kv map[string]string) {
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: since(durSince), Msg: msg, Collection: collection, Range: rng, KV: kv})
}

// Warn 记录非致命异常（例如过期结果丢弃、部分页复核）。
func (l *Logger) Warn(comp, msg, collection, rng string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", Collection: collection, Range: rng, Msg: msg, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// Debug 输出调试事件（例如过期结果丢弃）。
func (l *Logger) Debug(comp, msg, collection, rng string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "debug", Collection: collection, Range: rng, Msg: msg, KV: kv})
}

// DebugStart 输出调试级别的“start”类事件（仅在 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, collection, rng string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", Collection: collection, Range: rng, Msg: msg, KV: kv})
}

func since(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return time.Since(*t).Milliseconds()
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l          *Logger
	comp       string
	collection string
	rng        string
	t0         time.Time
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, Collection: t.collection, Range: t.rng, Msg: msg})
	ObserveDuration(t.comp, "finish", time.Since(t.t0).Milliseconds())
}

// fallbackWriter 先写 primary，失败时写 fallback。
type fallbackWriter struct {
	primary  io.Writer
	fallback io.Writer
}

func (w fallbackWriter) Write(p []byte) (int, error) {
	n, err := w.primary.Write(p)
	if err == nil {
		return n, nil
	}
	return w.fallback.Write(p)
}
