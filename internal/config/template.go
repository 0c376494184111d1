package config

import "encoding/json"

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// 内存存储 + 本地数据源，开箱即可 serve/view；rest 源的全部键见注释中的示例。
func DefaultTemplateConfig() Config {
	d := Defaults()
	parallel := false
	trust := false
	cfg := Config{
		Listen:  d.Listen,
		Logging: Logging{Level: "info"},
		Store:   "sqlite",
		Source:  "local",
		Window: Window{
			PageSize:    d.Window.PageSize,
			Parallel:    &parallel,
			MaxInFlight: d.Window.MaxInFlight,
		},
		Rate:      Rate{RPM: 120, TrustProxy: &trust},
		PrefsPath: ".projective/prefs.json",
		User:      User{ID: "you", Name: "You"},
	}
	cfg.StoreOptions = json.RawMessage(`{
  "path": ".projective/messages.db"
}`)
	// 包含所有 local 选项键（值可为空）
	cfg.SourceOptions = json.RawMessage(`{
  "collection": "general",
  "kind": "channel",
  "user_id": "",
  "user_name": ""
}`)
	return cfg
}

// RestSourceTemplate 返回 rest 数据源的全部选项键（--init-config 写入 .env 注释）。
func RestSourceTemplate() json.RawMessage {
	return json.RawMessage(`{"base_url":"http://127.0.0.1:8080","endpoint_template":"","collection":"general","kind":"channel","timeout_seconds":30,"extra_headers":{},"cookie":"","user_id":"","rpm":0}`)
}
