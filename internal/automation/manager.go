//go:build !no_automation

package automation

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
)

const (
	scriptExt   = ".lua"
	headerOpen  = "--[[\n"
	headerClose = "--]]\n"
	maxIDLen    = 40
)

var idRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// Manager keeps scripts as files in one directory. Each file starts with a
// YAML header in a Lua block comment:
//
//	--[[
//	name: Night lights
//	enabled: true
//	--]]
type Manager struct {
	dir    string
	logger *slog.Logger

	mu sync.RWMutex
}

// NewManager creates a manager rooted at dir, creating dir if needed.
func NewManager(dir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	return &Manager{dir: dir, logger: logger.With("component", "scripts")}, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(id string) (string, error) {
	if len(id) > maxIDLen+8 || !idRe.MatchString(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidScriptID, id)
	}
	return filepath.Join(m.dir, id+scriptExt), nil
}

// List returns every readable script ordered by name. Unreadable files are
// logged and skipped.
func (m *Manager) List() ([]*Script, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	paths, err := filepath.Glob(filepath.Join(m.dir, "*"+scriptExt))
	if err != nil {
		return nil, fmt.Errorf("list scripts: %w", err)
	}
	scripts := make([]*Script, 0, len(paths))
	for _, p := range paths {
		s, err := readScript(p)
		if err != nil {
			m.logger.Warn("skipping script", "file", filepath.Base(p), "err", err)
			continue
		}
		scripts = append(scripts, s)
	}
	sort.Slice(scripts, func(i, j int) bool {
		return strings.ToLower(scripts[i].Meta.Name) < strings.ToLower(scripts[j].Meta.Name)
	})
	return scripts, nil
}

func (m *Manager) Get(id string) (*Script, error) {
	p, err := m.path(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := readScript(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", id, ErrScriptNotFound)
	}
	return s, err
}

// Save writes s. A script without an id gets one derived from its name,
// suffixed until it is unused.
func (m *Manager) Save(s *Script) (*Script, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = m.freeID(slugify(s.Meta.Name))
	}
	p, err := m.path(s.ID)
	if err != nil {
		return nil, err
	}
	data, err := encodeScript(s)
	if err != nil {
		return nil, err
	}

	// Write then rename so the watcher never sees a half-written file.
	tmp := filepath.Join(m.dir, "."+s.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("write script: %w", err)
	}
	s.FilePath = p
	if fi, err := os.Stat(p); err == nil {
		s.UpdatedAt = fi.ModTime().UTC()
	}
	return s, nil
}

func (m *Manager) freeID(base string) string {
	if base == "" {
		base = "script"
	}
	id := base
	for n := 2; ; n++ {
		if _, err := os.Stat(filepath.Join(m.dir, id+scriptExt)); errors.Is(err, os.ErrNotExist) {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, n)
	}
}

func (m *Manager) Delete(id string) error {
	p, err := m.path(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	err = os.Remove(p)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%s: %w", id, ErrScriptNotFound)
	case err != nil:
		return fmt.Errorf("delete script: %w", err)
	}
	return nil
}

func readScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s, err := decodeScript(data)
	if err != nil {
		return nil, err
	}
	s.ID = strings.TrimSuffix(filepath.Base(path), scriptExt)
	s.FilePath = path
	if s.Meta.Name == "" {
		s.Meta.Name = s.ID
	}
	if fi, err := os.Stat(path); err == nil {
		s.UpdatedAt = fi.ModTime().UTC()
	}
	return s, nil
}

// decodeScript splits the optional header from the code. A file without a
// header is a disabled script.
func decodeScript(data []byte) (*Script, error) {
	s := &Script{}
	rest, ok := bytes.CutPrefix(data, []byte(headerOpen))
	if !ok {
		s.LuaCode = string(data)
		return s, nil
	}
	header, code, ok := bytes.Cut(rest, []byte(headerClose))
	if !ok {
		return nil, errors.New("unterminated script header")
	}
	if err := yaml.Unmarshal(header, &s.Meta); err != nil {
		return nil, fmt.Errorf("script header: %w", err)
	}
	s.LuaCode = string(bytes.TrimLeft(code, "\n"))
	return s, nil
}

func encodeScript(s *Script) ([]byte, error) {
	header, err := yaml.Marshal(s.Meta)
	if err != nil {
		return nil, fmt.Errorf("encode script header: %w", err)
	}
	var b bytes.Buffer
	b.WriteString(headerOpen)
	b.Write(header)
	b.WriteString(headerClose)
	if s.LuaCode != "" {
		b.WriteByte('\n')
		b.WriteString(s.LuaCode)
		if !strings.HasSuffix(s.LuaCode, "\n") {
			b.WriteByte('\n')
		}
	}
	return b.Bytes(), nil
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(name string) string {
	s := nonSlug.ReplaceAllString(strings.ToLower(name), "_")
	s = strings.Trim(s, "_")
	if len(s) > maxIDLen {
		s = strings.TrimRight(s[:maxIDLen], "_")
	}
	return s
}
