package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"projective/internal/diag"
	"projective/internal/server"
	"projective/internal/store"
	"projective/internal/window"
	"projective/pkg/contract"
	"projective/pkg/registry"
	"projective/plugins/datasource/local"
	"projective/plugins/datasource/rest"
)

// maxPageSize 与服务端单页上限一致；更大的页会被截短并触发复核。
const maxPageSize = 100

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Listen) == "" {
		return errors.New("config: listen empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q invalid", cfg.Logging.Level)
	}
	if registry.Store[cfg.Store] == nil {
		return fmt.Errorf("config: store %q not registered", cfg.Store)
	}
	if cfg.Source == "flaky" {
		return errors.New("config: flaky is a decorator; set fault_options instead")
	}
	if registry.Source[cfg.Source] == nil {
		return fmt.Errorf("config: source %q not registered", cfg.Source)
	}
	if cfg.Window.PageSize < 0 || cfg.Window.PageSize > maxPageSize {
		return fmt.Errorf("config: window.page_size must be in [0,%d]", maxPageSize)
	}
	if cfg.Window.MaxInFlight < 0 {
		return errors.New("config: window.max_in_flight must be >= 0")
	}
	if cfg.Rate.RPM < 0 {
		return errors.New("config: rate.rpm must be >= 0")
	}
	return nil
}

// Runtime: 装配结果。Store 由调用方关闭。
type Runtime struct {
	Store  store.Store
	Source contract.DataSource[contract.Message]
	Window window.Options
	Server server.Options
	Me     contract.Sender

	base  contract.DataSource[contract.Message] // 装饰前的数据源
	fault json.RawMessage
	log   *diag.Logger
}

// Controller 以装配好的数据源构造窗口控制器。
func (r *Runtime) Controller(logger *diag.Logger) *window.Controller[contract.Message] {
	return window.New(r.Source, r.Window, logger)
}

// Derive 以同一传输与身份构造绑定到另一集合的数据源；配置了 fault_options 时同样装饰。
func (r *Runtime) Derive(collection string) (contract.DataSource[contract.Message], error) {
	if strings.TrimSpace(collection) == "" {
		return nil, fmt.Errorf("derive: %w: collection required", contract.ErrInvalidInput)
	}
	var src contract.DataSource[contract.Message]
	switch b := r.base.(type) {
	case *rest.Source[contract.Message]:
		n, err := b.With(collection)
		if err != nil {
			return nil, err
		}
		src = n
	case *local.Source:
		src = b.With(collection)
	default:
		return nil, fmt.Errorf("derive: %w: source %T cannot switch collections", contract.ErrInvalidInput, r.base)
	}
	if len(r.fault) == 0 {
		return src, nil
	}
	src, err := registry.Source["flaky"](r.fault, registry.Deps{Logger: r.log, Inner: src})
	if err != nil {
		return nil, fmt.Errorf("fault_options: %w", err)
	}
	return src, nil
}

// Assemble 构造存储、数据源、控制器参数与服务参数。
// 严格 Options 解析在 registry（工厂）层进行；此处只传 raw JSON。
func Assemble(ctx context.Context, cfg Config, logger *diag.Logger) (*Runtime, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	st, err := registry.Store[cfg.Store](ctx, cfg.StoreOptions, registry.Deps{Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", cfg.Store, err)
	}
	raw, err := withUser(cfg.SourceOptions, cfg.Source, cfg.User)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("source %s: %w", cfg.Source, err)
	}
	src, err := registry.Source[cfg.Source](raw, registry.Deps{Logger: logger, Store: st})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("source %s: %w", cfg.Source, err)
	}
	base := src
	if len(cfg.FaultOptions) > 0 {
		src, err = registry.Source["flaky"](cfg.FaultOptions, registry.Deps{Logger: logger, Inner: src})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("fault_options: %w", err)
		}
	}
	name := cfg.User.Name
	if name == "" {
		name = cfg.User.ID
	}
	return &Runtime{
		Store:  st,
		Source: src,
		Window: window.Options{
			PageSize:    cfg.Window.PageSize,
			Parallel:    boolOf(cfg.Window.Parallel),
			MaxInFlight: cfg.Window.MaxInFlight,
		},
		Server: server.Options{RPM: cfg.Rate.RPM, TrustProxy: boolOf(cfg.Rate.TrustProxy)},
		Me:     contract.Sender{ID: cfg.User.ID, Name: name},
		base:   base,
		fault:  cfg.FaultOptions,
		log:    logger,
	}, nil
}

// withUser 在数据源 Options 未显式指定身份时补入 user 配置。
func withUser(raw json.RawMessage, source string, u User) (json.RawMessage, error) {
	if u.ID == "" {
		return raw, nil
	}
	m := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, err
		}
	}
	set := func(k, v string) {
		if _, ok := m[k]; ok || v == "" {
			return
		}
		b, _ := json.Marshal(v)
		m[k] = b
	}
	set("user_id", u.ID)
	if source == "local" {
		set("user_name", u.Name)
	}
	return json.Marshal(m)
}
