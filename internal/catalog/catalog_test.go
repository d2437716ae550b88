package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vulnzero/machines/internal/domain"
)

const sampleYAML = `
machines:
  - id: "01"
    name: VulnNet
    image: zephius/vulnnet
    ports: [22]
    flags:
      user: user-secret
      root: root-secret
  - id: web-02
    name: Webby
    image: vulnzero/webby:1.2
    ports: [22, 80]
    flags:
      user: u2
      root: r2
`

func TestLoadDefault(t *testing.T) {
	c, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	m, ok := c.Lookup("01")
	if !ok {
		t.Fatal("expected default machine 01")
	}
	if m.Image != "zephius/vulnnet" {
		t.Errorf("unexpected image %q", m.Image)
	}
}

func TestLoadFileWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MACHINE_WEB_02_ROOT_FLAG", "from-env")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := len(c.List()); got != 2 {
		t.Fatalf("expected 2 machines, got %d", got)
	}
	m, _ := c.Lookup("web-02")
	if flag, _ := m.Flag(domain.LevelRoot); flag != "from-env" {
		t.Errorf("expected env override, got %q", flag)
	}
	if flag, _ := m.Flag(domain.LevelUser); flag != "u2" {
		t.Errorf("expected file value, got %q", flag)
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	c, err := New(Default())
	if err != nil {
		t.Fatal(err)
	}
	m, _ := c.Lookup("01")
	m.Flags[domain.LevelRoot] = "tampered"
	m.ExposedPorts[0] = 1

	again, _ := c.Lookup("01")
	if again.Flags[domain.LevelRoot] == "tampered" || again.ExposedPorts[0] != 22 {
		t.Fatal("catalog entry was mutated through a lookup result")
	}
}

func TestNewRejectsInvalidEntries(t *testing.T) {
	base := Default()[0]

	tests := []struct {
		name   string
		mutate func(m *domain.MachineType)
	}{
		{"empty image", func(m *domain.MachineType) { m.Image = "" }},
		{"no ports", func(m *domain.MachineType) { m.ExposedPorts = nil }},
		{"bad port", func(m *domain.MachineType) { m.ExposedPorts = []int{70000} }},
		{"missing root flag", func(m *domain.MachineType) { m.Flags = map[domain.Level]string{domain.LevelUser: "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := clone(base)
			tt.mutate(&m)
			if _, err := New([]domain.MachineType{m}); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	if _, err := New([]domain.MachineType{base, base}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestEnvKey(t *testing.T) {
	if got := EnvKey("web-02", domain.LevelUser); got != "MACHINE_WEB_02_USER_FLAG" {
		t.Fatalf("unexpected key %q", got)
	}
}
