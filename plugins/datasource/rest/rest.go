package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"projective/internal/diag"
	"projective/internal/rate"
	"projective/pkg/contract"
)

const comp = "datasource.rest"

// DefaultEndpoint 为频道消息接口模板；{collection} 由集合 id 替换。
const DefaultEndpoint = "/api/v1/dashboard/comms/channels/{collection}/messages"

// Options: 远端数据源配置。
type Options struct {
	BaseURL          string            `json:"base_url"`          // 例如 http://127.0.0.1:8080
	EndpointTemplate string            `json:"endpoint_template"` // 为空用 DefaultEndpoint；可为完整 URL
	Collection       string            `json:"collection"`
	Kind             string            `json:"kind"`            // channel|dm，默认 channel
	TimeoutSeconds   int               `json:"timeout_seconds"` // 默认 30
	ExtraHeaders     map[string]string `json:"extra_headers"`
	Cookie           string            `json:"cookie"`  // 会话 cookie，原样转发
	UserID           string            `json:"user_id"` // 以 X-User-Id 头发送
	RPM              int               `json:"rpm"`     // 客户端节流；0 不限
}

func (o *Options) defaults() {
	if o.EndpointTemplate == "" {
		o.EndpointTemplate = DefaultEndpoint
	}
	if o.Kind == "" {
		o.Kind = string(contract.KindChannel)
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 30
	}
}

// Source: 经 HTTP 区间取数的数据源，实例绑定一个集合。
type Source[T any] struct {
	opts  Options
	coll  contract.CollectionID
	url   string
	key   func(T) string
	alias func(T) string
	log   *diag.Logger
	gate  rate.Gate
	do    func(*http.Request) (*http.Response, error)

	// 最近一次成功的总量，用于降级结果
	last atomic.Int64
}

// New 构造数据源；alias 可为 nil（无临时标识回显）。
func New[T any](opts Options, key, alias func(T) string, logger *diag.Logger) (*Source[T], error) {
	opts.defaults()
	if key == nil {
		return nil, fmt.Errorf("rest: %w: key func required", contract.ErrInvalidInput)
	}
	kind, err := contract.ParseKind(opts.Kind)
	if err != nil {
		return nil, fmt.Errorf("rest: %w", err)
	}
	if strings.TrimSpace(opts.Collection) == "" {
		return nil, fmt.Errorf("rest: %w: collection required", contract.ErrInvalidInput)
	}
	full := opts.EndpointTemplate
	if !(strings.HasPrefix(full, "http://") || strings.HasPrefix(full, "https://")) {
		if opts.BaseURL == "" {
			return nil, fmt.Errorf("rest: %w: base_url required", contract.ErrInvalidInput)
		}
		full = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(full, "/")
	}
	full = strings.ReplaceAll(full, "{collection}", url.PathEscape(opts.Collection))
	if _, err := url.Parse(full); err != nil {
		return nil, fmt.Errorf("rest: endpoint %q: %v: %w", full, err, contract.ErrInvalidInput)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	s := &Source[T]{
		opts:  opts,
		coll:  contract.CollectionID{Kind: kind, ID: opts.Collection},
		url:   full,
		key:   key,
		alias: alias,
		log:   logger,
		do:    hc.Do,
	}
	if opts.RPM > 0 {
		s.gate = rate.NewGate(nil, rate.Limits{RPM: opts.RPM}, nil)
	}
	return s, nil
}

// With 返回绑定到另一集合的新实例（同一传输配置）。
func (s *Source[T]) With(collection string) (*Source[T], error) {
	o := s.opts
	o.Collection = collection
	n, err := New(o, s.key, s.alias, s.log)
	if err != nil {
		return nil, err
	}
	n.do = s.do
	n.gate = s.gate
	return n, nil
}

func (s *Source[T]) Collection() contract.CollectionID { return s.coll }

func (s *Source[T]) Key(item T) string { return s.key(item) }

// AliasKey 返回后端回显的临时标识。
func (s *Source[T]) AliasKey(item T) string {
	if s.alias == nil {
		return ""
	}
	return s.alias(item)
}

func (s *Source[T]) stale() contract.Meta { return contract.Meta{TotalCount: int(s.last.Load())} }

// Fetch 发出一次 GET ?start&limit&type；任何失败都以降级结果返回。
func (s *Source[T]) Fetch(ctx context.Context, rng contract.Range) contract.FetchResult[T] {
	t0 := time.Now()
	if err := rng.Validate(); err != nil {
		return s.degrade(t0, rng.String(), err, nil)
	}
	q := url.Values{}
	q.Set("start", strconv.Itoa(rng.Start))
	q.Set("limit", strconv.Itoa(rng.Length))
	q.Set("type", string(s.coll.Kind))
	body, err := s.get(ctx, q)
	if err != nil {
		return s.degrade(t0, rng.String(), err, body)
	}
	items, meta, err := decodePage[T](body)
	if err != nil {
		return s.degrade(t0, rng.String(), err, body)
	}
	s.last.Store(int64(meta.TotalCount))
	diag.IncOp(comp, "fetch", "success")
	s.log.Debug(comp, "fetched", s.coll.String(), rng.String(), map[string]string{"items": strconv.Itoa(len(items))})
	return contract.FetchResult[T]{Items: contract.ClampItems(items, rng), Meta: meta}
}

// GetMeta 发出 GET ?countOnly=true；失败返回 TotalCount=0。
func (s *Source[T]) GetMeta(ctx context.Context) contract.Meta {
	t0 := time.Now()
	q := url.Values{}
	q.Set("countOnly", "true")
	q.Set("type", string(s.coll.Kind))
	body, err := s.get(ctx, q)
	if err == nil {
		if !gjson.ValidBytes(body) {
			err = fmt.Errorf("meta: %w", contract.ErrResponseInvalid)
		}
	}
	if err != nil {
		s.degrade(t0, "", err, body)
		return contract.Meta{}
	}
	m := contract.Meta{TotalCount: int(gjson.GetBytes(body, "meta.totalCount").Int())}
	s.last.Store(int64(m.TotalCount))
	diag.IncOp(comp, "meta", "success")
	return m
}

// Append 发出 POST ?type；返回服务端创建的条目。
func (s *Source[T]) Append(ctx context.Context, d contract.Draft) (T, error) {
	var zero T
	if err := d.Validate(); err != nil {
		return zero, err
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return zero, fmt.Errorf("encode draft: %v: %w", err, contract.ErrInvalidInput)
	}
	q := url.Values{}
	q.Set("type", string(s.coll.Kind))
	t0 := time.Now()
	body, err := s.send(ctx, http.MethodPost, q, payload)
	if err != nil {
		s.logErr(t0, "", "append failed", err, body)
		return zero, err
	}
	var out T
	if err := json.Unmarshal(body, &out); err != nil {
		err = fmt.Errorf("decode append: %w", contract.ErrResponseInvalid)
		s.logErr(t0, "", "append failed", err, body)
		return zero, err
	}
	diag.IncOp(comp, "append", "success")
	return out, nil
}

func (s *Source[T]) get(ctx context.Context, q url.Values) ([]byte, error) {
	return s.send(ctx, http.MethodGet, q, nil)
}

// upstreamError 实现 net.Error：5xx/408 归为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string   { return fmt.Sprintf("rest upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool   { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool { return e.status/100 == 5 }

func (s *Source[T]) send(ctx context.Context, method string, q url.Values, payload []byte) ([]byte, error) {
	if s.gate != nil {
		if err := s.gate.Wait(ctx, rate.Ask{Key: rate.LimitKey(s.opts.BaseURL), Requests: 1}); err != nil {
			return nil, err
		}
	}
	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+"?"+q.Encode(), rdr)
	if err != nil {
		return nil, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.opts.Cookie != "" {
		req.Header.Set("Cookie", s.opts.Cookie)
	}
	if s.opts.UserID != "" {
		req.Header.Set("X-User-Id", s.opts.UserID)
	}
	for k, v := range s.opts.ExtraHeaders {
		if k == "" {
			continue
		}
		req.Header.Set(k, v)
	}
	resp, err := s.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("%s %s: %w: %w", method, s.coll, contract.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, contract.ErrRateLimited
	}
	if resp.StatusCode/100 != 2 {
		// 读取少量响应体辅助定位
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		msg := strings.TrimSpace(string(slurp))
		switch {
		case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode/100 == 5:
			return slurp, upstreamError{status: resp.StatusCode, msg: msg}
		case resp.StatusCode == http.StatusUnauthorized:
			return slurp, fmt.Errorf("rest upstream %d: %w", resp.StatusCode, contract.ErrUnauthorized)
		case resp.StatusCode == http.StatusNotFound:
			return slurp, fmt.Errorf("rest upstream %d: %w", resp.StatusCode, contract.ErrNotFound)
		case resp.StatusCode == http.StatusBadRequest && strings.Contains(gjson.Get(msg, "error").String(), "rejected"):
			return slurp, fmt.Errorf("%s: %w", gjson.Get(msg, "error").String(), contract.ErrRejected)
		default:
			return slurp, fmt.Errorf("rest upstream %d: %w", resp.StatusCode, contract.ErrTransport)
		}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w: %w", contract.ErrTransport, err)
	}
	return body, nil
}

// decodePage 解析 { items: T[], meta: { totalCount } }；缺少 items 视为空页。
func decodePage[T any](body []byte) ([]T, contract.Meta, error) {
	if !gjson.ValidBytes(body) {
		return nil, contract.Meta{}, fmt.Errorf("page: %w", contract.ErrResponseInvalid)
	}
	meta := contract.Meta{TotalCount: int(gjson.GetBytes(body, "meta.totalCount").Int())}
	res := gjson.GetBytes(body, "items")
	if !res.Exists() || res.Type == gjson.Null {
		return []T{}, meta, nil
	}
	if !res.IsArray() {
		return nil, meta, fmt.Errorf("items not array: %w", contract.ErrResponseInvalid)
	}
	var items []T
	if err := json.Unmarshal([]byte(res.Raw), &items); err != nil {
		return nil, meta, fmt.Errorf("items: %v: %w", err, contract.ErrResponseInvalid)
	}
	return items, meta, nil
}

func (s *Source[T]) degrade(t0 time.Time, rng string, err error, body []byte) contract.FetchResult[T] {
	s.logErr(t0, rng, "degraded", err, body)
	return contract.Degraded[T](s.stale(), err)
}

func (s *Source[T]) logErr(t0 time.Time, rng, msg string, err error, body []byte) {
	code := string(diag.Classify(err))
	diag.IncError(comp, code)
	kv := map[string]string{"err": err.Error()}
	var ue upstreamError
	if errors.As(err, &ue) {
		kv["status"] = strconv.Itoa(ue.status)
	}
	if len(body) > 0 {
		kv["body"] = shorten(string(body), 200)
	}
	s.log.ErrorWithKV(comp, code, msg, &t0, s.coll.String(), rng, kv)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

var (
	_ contract.DataSource[contract.Message] = (*Source[contract.Message])(nil)
	_ contract.Appender[contract.Message]   = (*Source[contract.Message])(nil)
	_ contract.AliasKeyer[contract.Message] = (*Source[contract.Message])(nil)
)
