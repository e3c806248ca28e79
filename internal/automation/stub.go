//go:build no_automation

package automation

import (
	"errors"
	"log/slog"

	"enocean-go-home/internal/coordinator"
)

// ErrScriptNotFound is returned when no script file exists for an id.
var ErrScriptNotFound = errors.New("script not found")

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation script.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get always fails.
func (m *Manager) Get(string) (*Script, error) { return nil, ErrScriptNotFound }

// Save returns the script unchanged.
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }

// Delete always fails.
func (m *Manager) Delete(string) error { return ErrScriptNotFound }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// TelegramConfig holds Telegram bot settings (stub).
type TelegramConfig struct {
	BotToken string
	ChatIDs  []string
	APIURL   string
}

// NewEngine returns a no-op engine.
func NewEngine(*coordinator.Coordinator, *Manager, *slog.Logger, TelegramConfig) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(string) {}

// Running returns nil.
func (e *Engine) Running() []string { return nil }

// RunScript reports that automation is disabled.
func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}

// RunLuaCode reports that automation is disabled.
func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
