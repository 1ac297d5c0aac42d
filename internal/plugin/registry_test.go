package plugin

import (
	"testing"

	"github.com/zakandrewking/traylive/internal/activity"
)

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	if reg == nil {
		t.Fatal("NewRegistry should return non-nil registry")
	}

	if len(reg.List()) != 0 {
		t.Error("New registry should have no plugins")
	}
}

func TestAddPlugin(t *testing.T) {
	reg := NewRegistry()

	if err := reg.Add(newTestPlugin(t, "slice")); err != nil {
		t.Fatalf("Failed to add plugin: %v", err)
	}

	if names := reg.List(); len(names) != 1 {
		t.Errorf("Expected 1 plugin, got %d", len(names))
	}
}

func TestAddDuplicatePlugin(t *testing.T) {
	reg := NewRegistry()

	reg.Add(newTestPlugin(t, "slice"))
	err := reg.Add(newTestPlugin(t, "slice"))

	if err == nil {
		t.Error("Adding duplicate plugin should error")
	}
}

func TestGetPlugin(t *testing.T) {
	reg := NewRegistry()
	p := newTestPlugin(t, "slice")
	reg.Add(p)

	inst, err := reg.Get("slice")
	if err != nil {
		t.Fatalf("Failed to get plugin: %v", err)
	}

	if inst.Base() != p {
		t.Error("Get should return the registered plugin")
	}
}

func TestGetNonexistentPlugin(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("nonexistent")
	if err == nil {
		t.Error("Getting nonexistent plugin should error")
	}
}

func TestPingByName(t *testing.T) {
	reg := NewRegistry()
	p := newTestPlugin(t, "slice")
	reg.Add(p)

	if err := reg.Ping("slice"); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if !p.IsActive() {
		t.Error("Plugin should be active after ping")
	}

	if err := reg.Ping("missing"); err == nil {
		t.Error("Pinging nonexistent plugin should error")
	}
}

func TestRemovePlugin(t *testing.T) {
	reg := NewRegistry()
	reg.Add(newTestPlugin(t, "slice"))

	if err := reg.Remove("slice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Error("Registry should be empty after remove")
	}
	if err := reg.Remove("slice"); err == nil {
		t.Error("Removing twice should error")
	}
}

func TestListIsSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"line-profile", "slice", "line-analysis"} {
		reg.Add(newTestPlugin(t, name))
	}

	names := reg.List()
	expected := []string{"line-analysis", "line-profile", "slice"}
	for i, name := range expected {
		if names[i] != name {
			t.Errorf("Expected %q at %d, got %q", name, i, names[i])
		}
	}
}

func TestListInfo(t *testing.T) {
	reg := NewRegistry()
	active := newTestPlugin(t, "active")
	waiting := newTestPlugin(t, "waiting")
	reg.Add(active)
	reg.Add(waiting)

	active.Ping()
	guarded := waiting.Tracker.Wrap(func() error { return nil })
	guarded()

	infos := reg.ListInfo()
	if len(infos) != 2 {
		t.Fatalf("Expected 2 infos, got %d", len(infos))
	}

	if infos[0].Name != "active" || infos[0].State != activity.StateActive || infos[0].Pending {
		t.Errorf("Unexpected info for active plugin: %+v", infos[0])
	}
	if infos[0].LastPing.IsZero() {
		t.Error("Active plugin should report its last ping")
	}
	if infos[1].Name != "waiting" || infos[1].State != activity.StateNeverPinged || !infos[1].Pending {
		t.Errorf("Unexpected info for waiting plugin: %+v", infos[1])
	}
}
