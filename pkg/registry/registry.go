package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"projective/internal/diag"
	"projective/internal/store"
	"projective/pkg/contract"
	"projective/plugins/datasource/flaky"
	"projective/plugins/datasource/local"
	"projective/plugins/datasource/rest"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Deps: 工厂的外部依赖（按需填充）。
type Deps struct {
	Logger *diag.Logger
	// Store: local 数据源所需。
	Store store.Store
	// Inner: flaky 装饰的内层数据源。
	Inner contract.DataSource[contract.Message]
}

// NewSource 工厂签名：接收原样 JSON Options。
type NewSource func(raw json.RawMessage, d Deps) (contract.DataSource[contract.Message], error)

// NewStore 工厂签名：接收原样 JSON Options。
type NewStore func(ctx context.Context, raw json.RawMessage, d Deps) (store.Store, error)

// Source 工厂注册表（显式、零反射）。
var Source = map[string]NewSource{
	// rest: 经 HTTP 区间取数
	"rest": func(raw json.RawMessage, d Deps) (contract.DataSource[contract.Message], error) {
		var opts rest.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		src, err := rest.New(opts, contract.MessageKey, contract.MessageAlias, d.Logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	},
	// local: 进程内读取集合存储
	"local": func(raw json.RawMessage, d Deps) (contract.DataSource[contract.Message], error) {
		var opts local.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		src, err := local.New(d.Store, opts, d.Logger)
		if err != nil {
			return nil, err
		}
		return src, nil
	},
	// flaky: 故障注入装饰器，包装 Deps.Inner
	"flaky": func(raw json.RawMessage, d Deps) (contract.DataSource[contract.Message], error) {
		var opts flaky.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		src, err := flaky.New(d.Inner, opts)
		if err != nil {
			return nil, err
		}
		return src, nil
	},
}

// SQLiteOptions: sqlite 存储选项。
type SQLiteOptions struct {
	Path string `json:"path"`
}

// RedisOptions: redis 存储选项。
type RedisOptions struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	TLS      bool   `json:"tls"`
	Prefix   string `json:"prefix"`
	MaxIdle  int    `json:"max_idle"`
}

// Store 工厂注册表。
var Store = map[string]NewStore{
	"memory": func(_ context.Context, raw json.RawMessage, _ Deps) (store.Store, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return store.NewMemory(nil), nil
	},
	"sqlite": func(_ context.Context, raw json.RawMessage, _ Deps) (store.Store, error) {
		var opts SQLiteOptions
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite: %w: path required", contract.ErrInvalidInput)
		}
		if dir := filepath.Dir(opts.Path); opts.Path != ":memory:" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("sqlite dir: %w", err)
			}
		}
		s, err := store.OpenSQLite(opts.Path, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
	"redis": func(ctx context.Context, raw json.RawMessage, _ Deps) (store.Store, error) {
		var opts RedisOptions
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		s, err := store.OpenRedis(ctx, store.RedisOptions{
			Addr: opts.Addr, Password: opts.Password, TLS: opts.TLS, Prefix: opts.Prefix, MaxIdle: opts.MaxIdle,
		}, nil)
		if err != nil {
			return nil, err
		}
		return s, nil
	},
}
