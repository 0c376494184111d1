package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON 使用 snake_case；未知字段在解析期失败。
type Config struct {
	// Listen: serve 子命令的 HTTP 监听地址。
	Listen string `json:"listen"`
	// RespListen: 内嵌 RESP 键空间监听地址；空则不启动。
	RespListen string  `json:"resp_listen"`
	Logging    Logging `json:"logging"`

	// 集合存储选择（注册表中的实现名）与原样 Options。
	Store        string          `json:"store"`
	StoreOptions json.RawMessage `json:"store_options"`

	// 数据源选择与原样 Options；FaultOptions 非空时以 flaky 装饰。
	Source        string          `json:"source"`
	SourceOptions json.RawMessage `json:"source_options"`
	FaultOptions  json.RawMessage `json:"fault_options,omitempty"`

	Window Window `json:"window"`
	Rate   Rate   `json:"rate"`

	// PrefsPath: 查看器界面状态文件；空则不持久化。
	PrefsPath string `json:"prefs_path"`
	// User: 本地身份（发送者、isSelf 计算）。
	User User `json:"user"`
}

// Logging: 仅保留日志等级可配置；输出路径与轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
}

// Window: 控制器参数。指针字段区分“未设置”与显式 false。
type Window struct {
	PageSize    int   `json:"page_size"`
	Parallel    *bool `json:"parallel,omitempty"`
	MaxInFlight int   `json:"max_in_flight"`
}

// Rate: 服务端按 IP 限流（执行位于 rate.Gate）。
type Rate struct {
	RPM        int   `json:"rpm"`
	TrustProxy *bool `json:"trust_proxy,omitempty"`
}

// User: 本地用户身份。
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func boolOf(p *bool) bool { return p != nil && *p }
