package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tailscale/hujson"
)

// EnvPrefix 为覆盖项环境变量前缀。
const EnvPrefix = "PROJECTIVE_"

// Defaults 返回带有安全默认值的 Config 雏形。
func Defaults() Config {
	return Config{
		Listen:  ":8080",
		Logging: Logging{Level: "info"},
		Store:   "memory",
		Source:  "local",
		Window:  Window{PageSize: 20, MaxInFlight: 4},
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config。
// 接受带注释与尾逗号的 JSON（先标准化），随后严格拒绝未知字段。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	switch {
	case len(raw) > 0:
	case path != "":
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		raw = b
	default:
		return cfg, errors.New("no config source provided")
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Listen); s != "" {
		out.Listen = s
	}
	if s := strings.TrimSpace(over.RespListen); s != "" {
		out.RespListen = s
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Store); s != "" {
		out.Store = s
	}
	if len(over.StoreOptions) > 0 {
		out.StoreOptions = cloneRaw(over.StoreOptions)
	}
	if s := strings.TrimSpace(over.Source); s != "" {
		out.Source = s
	}
	if len(over.SourceOptions) > 0 {
		out.SourceOptions = cloneRaw(over.SourceOptions)
	}
	if len(over.FaultOptions) > 0 {
		out.FaultOptions = cloneRaw(over.FaultOptions)
	}
	if over.Window.PageSize != 0 {
		out.Window.PageSize = over.Window.PageSize
	}
	if over.Window.MaxInFlight != 0 {
		out.Window.MaxInFlight = over.Window.MaxInFlight
	}
	if over.Window.Parallel != nil {
		v := *over.Window.Parallel
		out.Window.Parallel = &v
	}
	if over.Rate.RPM != 0 {
		out.Rate.RPM = over.Rate.RPM
	}
	if over.Rate.TrustProxy != nil {
		v := *over.Rate.TrustProxy
		out.Rate.TrustProxy = &v
	}
	if s := strings.TrimSpace(over.PrefsPath); s != "" {
		out.PrefsPath = s
	}
	if s := strings.TrimSpace(over.User.ID); s != "" {
		out.User.ID = s
	}
	if s := strings.TrimSpace(over.User.Name); s != "" {
		out.User.Name = s
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 PROJECTIVE_；集合之外的键忽略；数值/布尔解析失败时报错。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key := kv[len(EnvPrefix):eq]
		val := strings.TrimSpace(kv[eq+1:])
		if val == "" {
			// 空值视为未设置，避免清空 config.json
			continue
		}
		var err error
		switch key {
		case "LISTEN":
			over.Listen = val
		case "RESP_LISTEN":
			over.RespListen = val
		case "LOG_LEVEL":
			over.Logging.Level = val
		case "STORE":
			over.Store = val
		case "STORE_OPTIONS_JSON":
			over.StoreOptions = json.RawMessage(val)
		case "SOURCE":
			over.Source = val
		case "SOURCE_OPTIONS_JSON":
			over.SourceOptions = json.RawMessage(val)
		case "FAULT_OPTIONS_JSON":
			over.FaultOptions = json.RawMessage(val)
		case "PAGE_SIZE":
			over.Window.PageSize, err = strconv.Atoi(val)
		case "MAX_IN_FLIGHT":
			over.Window.MaxInFlight, err = strconv.Atoi(val)
		case "PARALLEL":
			over.Window.Parallel, err = parseBool(val)
		case "RATE_RPM":
			over.Rate.RPM, err = strconv.Atoi(val)
		case "RATE_TRUST_PROXY":
			over.Rate.TrustProxy, err = parseBool(val)
		case "PREFS_PATH":
			over.PrefsPath = val
		case "USER_ID":
			over.User.ID = val
		case "USER_NAME":
			over.User.Name = val
		}
		if err != nil {
			return Config{}, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err)
		}
	}
	return over, nil
}

func parseBool(s string) (*bool, error) {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
