//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shelly-go-home/internal/device"
	"shelly-go-home/internal/gateway"
)

// ErrScriptNotFound is returned for every lookup when automation is compiled out.
var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
)

// Controller mirrors the full build's interface.
type Controller interface {
	Execute(ctx context.Context, id string, op device.Operation, p device.Params) error
	Device(id string) (device.Record, error)
	Devices() []device.Record
	Events() *gateway.EventBus
}

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID        string     `json:"id"`
	Meta      ScriptMeta `json:"meta"`
	LuaCode   string     `json:"lua_code"`
	UpdatedAt time.Time  `json:"updated_at"`
	FilePath  string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

type SystemConfig struct {
	ExecAllowlist []string
	ExecTimeout   time.Duration
}

// Manager is a no-op when automation is disabled.
type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) Dir() string                     { return "" }
func (m *Manager) List() ([]*Script, error)        { return nil, nil }
func (m *Manager) Get(string) (*Script, error)     { return nil, ErrScriptNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }
func (m *Manager) Delete(string) error             { return nil }

// Engine is a no-op when automation is disabled.
type Engine struct{}

func NewEngine(Controller, *Manager, *slog.Logger, SystemConfig) *Engine { return &Engine{} }

func (e *Engine) Start() error              { return nil }
func (e *Engine) Stop()                     {}
func (e *Engine) Running(string) bool       { return false }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}
func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{OK: false, Error: "automation disabled"}
}
