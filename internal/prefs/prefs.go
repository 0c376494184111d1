// Package prefs 保存查看器的会话级界面状态（主题、侧栏），以原子替换写入本地 JSON。
package prefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/natefinch/atomic"
)

// Theme: 界面主题。
type Theme string

const (
	ThemeDark  Theme = "dark"
	ThemeLight Theme = "light"
)

// State: 持久化字段。
type State struct {
	Theme          Theme  `json:"theme"`
	SidebarOpen    bool   `json:"sidebar_open"`
	LastCollection string `json:"last_collection,omitempty"`
}

// Defaults 返回首次启动的状态。
func Defaults() State { return State{Theme: ThemeDark, SidebarOpen: true} }

// Session 在查看器启动时打开、退出时关闭；方法并发安全。
type Session struct {
	path string

	mu    sync.Mutex
	st    State
	dirty bool
}

// Open 读取 path；文件不存在时使用默认值。path 为空表示不持久化。
func Open(path string) (*Session, error) {
	s := &Session{path: path, st: Defaults()}
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prefs %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &s.st); err != nil {
		return nil, fmt.Errorf("parse prefs %s: %w", path, err)
	}
	if s.st.Theme != ThemeLight {
		s.st.Theme = ThemeDark
	}
	return s, nil
}

// State 返回当前状态副本。
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// ToggleTheme 切换主题并返回新值。
func (s *Session) ToggleTheme() Theme {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.Theme == ThemeDark {
		s.st.Theme = ThemeLight
	} else {
		s.st.Theme = ThemeDark
	}
	s.dirty = true
	return s.st.Theme
}

// ToggleSidebar 切换侧栏并返回新值。
func (s *Session) ToggleSidebar() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.SidebarOpen = !s.st.SidebarOpen
	s.dirty = true
	return s.st.SidebarOpen
}

// SetCollection 记录最近查看的集合。
func (s *Session) SetCollection(c string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.st.LastCollection != c {
		s.st.LastCollection = c
		s.dirty = true
	}
}

// Save 在有改动时原子写入。
func (s *Session) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path == "" || !s.dirty {
		return nil
	}
	b, err := json.MarshalIndent(s.st, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("prefs dir: %w", err)
		}
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("write prefs %s: %w", s.path, err)
	}
	s.dirty = false
	return nil
}

// Close 保存并结束会话。
func (s *Session) Close() error { return s.Save() }
