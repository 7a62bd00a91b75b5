//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scripts"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func writeScriptFile(t *testing.T, m *Manager, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(m.Dir(), name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestManagerRoundTrip(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Evening Lights", Description: "Warm white at dusk", Enabled: true},
		LuaCode: `home.set_white("hallway", 40, 2700)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "evening_lights" {
		t.Errorf("id = %q", saved.ID)
	}
	if saved.UpdatedAt.IsZero() {
		t.Error("updated_at not set")
	}

	raw, err := os.ReadFile(saved.FilePath)
	if err != nil {
		t.Fatal(err)
	}
	want := "--[[\nname: Evening Lights\ndescription: Warm white at dusk\nenabled: true\n--]]\n\nhome.set_white(\"hallway\", 40, 2700)\n"
	if string(raw) != want {
		t.Errorf("file =\n%s\nwant\n%s", raw, want)
	}

	got, err := m.Get("evening_lights")
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "home.set_white(\"hallway\", 40, 2700)\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerOverwriteKeepsID(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{ID: "porch", Meta: ScriptMeta{Name: "Porch"}, LuaCode: "-- v1"})
	if err != nil {
		t.Fatal(err)
	}
	s.LuaCode = "-- v2"
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get("porch")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code = %q", got.LuaCode)
	}

	entries, _ := os.ReadDir(m.Dir())
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1 (no temp files left)", len(entries))
	}
}

func TestManagerRejectsBadIDs(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []string{"../escape", "a/b", ".hidden", "Upper", "with space"} {
		if _, err := m.Save(&Script{ID: id}); err == nil {
			t.Errorf("Save(%q) should fail", id)
		}
		if _, err := m.Get(id); err == nil || errors.Is(err, ErrScriptNotFound) {
			t.Errorf("Get(%q) err = %v, want invalid id", id, err)
		}
	}
}

func TestManagerFreeID(t *testing.T) {
	m := newTestManager(t)
	var ids []string
	for range 3 {
		s, err := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "dup,dup_2,dup_3" {
		t.Errorf("ids = %v", ids)
	}

	s, err := m.Save(&Script{Meta: ScriptMeta{Name: "!!!"}})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "script" {
		t.Errorf("id for unsluggable name = %q", s.ID)
	}
}

func TestManagerListSortedAndSkipsBroken(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"gamma", "Alpha", "beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	writeScriptFile(t, m, "notes.txt", "not a script")
	writeScriptFile(t, m, "broken.lua", "--[[\nname: [unclosed\n")

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, s := range scripts {
		names = append(names, s.Meta.Name)
	}
	if strings.Join(names, ",") != "Alpha,beta,gamma" {
		t.Errorf("names = %v", names)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Save(&Script{ID: "gone", Meta: ScriptMeta{Name: "Gone"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Delete("gone"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get("gone"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete err = %v", err)
	}
	if err := m.Delete("gone"); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete err = %v", err)
	}
}

func TestDecodeScript(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		meta    ScriptMeta
		code    string
		wantErr bool
	}{
		{"no header", "home.log('x')\n", ScriptMeta{}, "home.log('x')\n", false},
		{"header", "--[[\nname: Hall\nenabled: true\n--]]\n\n\nhome.on('device_update', {}, print)\n",
			ScriptMeta{Name: "Hall", Enabled: true}, "home.on('device_update', {}, print)\n", false},
		{"header only", "--[[\nname: Empty\n--]]\n", ScriptMeta{Name: "Empty"}, "", false},
		{"unterminated", "--[[\nname: x\n", ScriptMeta{}, "", true},
		{"bad yaml", "--[[\nenabled: [\n--]]\n", ScriptMeta{}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := decodeScript([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatal("want error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if s.Meta != tt.meta || s.LuaCode != tt.code {
				t.Errorf("got meta %+v code %q", s.Meta, s.LuaCode)
			}
		})
	}
}

func TestReadScriptDefaultsName(t *testing.T) {
	m := newTestManager(t)
	writeScriptFile(t, m, "bare.lua", "home.log('x')\n")
	s, err := m.Get("bare")
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "bare" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
}

func TestSlugify(t *testing.T) {
	tests := map[string]string{
		"Bathroom Light":   "bathroom_light",
		"hello world!":     "hello_world",
		"  spaces  ":       "spaces",
		"":                 "",
		"Ünïcode Lamp":     "n_code_lamp",
		strings.Repeat("a b ", 30): strings.TrimRight(strings.Repeat("a_b_", 10), "_"),
	}
	for in, want := range tests {
		if got := slugify(in); got != want {
			t.Errorf("slugify(%q) = %q, want %q", in, got, want)
		}
	}
}
