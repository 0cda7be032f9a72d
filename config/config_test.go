package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestLoadMissingFileIsEmptyConfig(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CurrentHost != "" {
		t.Errorf("CurrentHost = %q, want empty", cfg.CurrentHost)
	}
	if cfg.Hosts == nil {
		t.Error("Hosts map is nil, want empty map")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := &Config{Hosts: make(map[string]Host)}
	cfg.Set("local", Host{Port: 2200, AdminConsole: true, Users: []string{"ada"}})
	cfg.Set("studio", Host{
		SSH:  &SSH{Target: "ada@studio.lan", Identity: "~/.ssh/id_ed25519"},
		Bind: "0.0.0.0",
	})
	if err := cfg.Use("studio"); err != nil {
		t.Fatalf("Use: %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	name, host, ok := loaded.Current()
	if !ok || name != "studio" {
		t.Fatalf("Current() = %q, %v; want studio, true", name, ok)
	}
	if host.SSH == nil || host.SSH.Target != "ada@studio.lan" {
		t.Errorf("studio ssh target not preserved: %+v", host.SSH)
	}
	if !host.Remote() {
		t.Error("studio should be remote")
	}
	local, _ := loaded.Get("local")
	if local.Remote() {
		t.Error("local should not be remote")
	}
	if local.Port != 2200 || !local.AdminConsole {
		t.Errorf("local profile not preserved: %+v", local)
	}
	if !slices.Equal(local.Users, []string{"ada"}) {
		t.Errorf("local users = %v, want [ada]", local.Users)
	}
}

func TestDefaultsApplyWhenUnset(t *testing.T) {
	var h Host
	if got := h.ServicePort(); got != 7600 {
		t.Errorf("ServicePort() = %d, want 7600", got)
	}
	if got := h.BindAddr(); got != "127.0.0.1" {
		t.Errorf("BindAddr() = %q, want 127.0.0.1", got)
	}

	h = Host{Port: 8022, Bind: "0.0.0.0"}
	if got := h.ServicePort(); got != 8022 {
		t.Errorf("ServicePort() = %d, want 8022", got)
	}
	if got := h.BindAddr(); got != "0.0.0.0" {
		t.Errorf("BindAddr() = %q, want 0.0.0.0", got)
	}
}

func TestUseUnknownHost(t *testing.T) {
	cfg := &Config{Hosts: make(map[string]Host)}
	if err := cfg.Use("nope"); err == nil {
		t.Fatal("Use with unknown host should fail")
	}
}

func TestRemoveClearsCurrent(t *testing.T) {
	cfg := &Config{Hosts: make(map[string]Host)}
	cfg.Set("a", Host{})
	cfg.Set("b", Host{})
	if err := cfg.Use("a"); err != nil {
		t.Fatalf("Use: %v", err)
	}

	if err := cfg.Remove("a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if cfg.CurrentHost != "" {
		t.Errorf("CurrentHost = %q after removing current, want empty", cfg.CurrentHost)
	}
	if err := cfg.Remove("missing"); err == nil {
		t.Error("Remove with unknown host should fail")
	}
	if err := cfg.Remove("b"); err != nil {
		t.Errorf("Remove b: %v", err)
	}
}

func TestUserListEditing(t *testing.T) {
	h := Host{}
	if !h.AddUser("ada") {
		t.Error("first AddUser should report change")
	}
	if h.AddUser("ada") {
		t.Error("duplicate AddUser should report no change")
	}
	if !h.AddUser("grace") {
		t.Error("second AddUser should report change")
	}
	if !slices.Equal(h.Users, []string{"ada", "grace"}) {
		t.Fatalf("Users = %v", h.Users)
	}

	if !h.RemoveUser("ada") {
		t.Error("RemoveUser should report change")
	}
	if h.RemoveUser("ada") {
		t.Error("second RemoveUser should report no change")
	}
	if !slices.Equal(h.Users, []string{"grace"}) {
		t.Fatalf("Users = %v", h.Users)
	}
}

func TestPathHonorsXDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	want := filepath.Join(dir, "berth", "config.yaml")
	if got := Path(); got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}

	cfg := &Config{Hosts: map[string]Host{"local": {}}}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("config file not written at %q: %v", want, err)
	}
}
