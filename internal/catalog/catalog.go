// Package catalog holds the static set of machine types trainees can request.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/vulnzero/machines/internal/domain"
	"gopkg.in/yaml.v3"
)

// Development placeholders. Production deployments override them through
// MACHINE_<ID>_USER_FLAG and MACHINE_<ID>_ROOT_FLAG.
const (
	devUserFlag = "VZ{dev_user_flag_change_me}"
	devRootFlag = "VZ{dev_root_flag_change_me}"
)

// Catalog is an immutable mapping from machine-type id to its template.
type Catalog struct {
	machines map[string]domain.MachineType
}

type fileFormat struct {
	Machines []machineEntry `yaml:"machines"`
}

type machineEntry struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	Ports []int  `yaml:"ports"`
	Flags struct {
		User string `yaml:"user"`
		Root string `yaml:"root"`
	} `yaml:"flags"`
}

// Default returns the built-in catalog.
func Default() []domain.MachineType {
	return []domain.MachineType{{
		ID:           "01",
		Name:         "VulnNet",
		Image:        "zephius/vulnnet",
		ExposedPorts: []int{22},
		Flags: map[domain.Level]string{
			domain.LevelUser: devUserFlag,
			domain.LevelRoot: devRootFlag,
		},
	}}
}

// Load builds the catalog from path, or from the built-in default when path
// is empty, then applies flag overrides from the environment.
func Load(path string) (*Catalog, error) {
	machines := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		machines, err = Parse(data)
		if err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
	}
	for i := range machines {
		applyEnvOverrides(&machines[i])
	}
	return New(machines)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) ([]domain.MachineType, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	machines := make([]domain.MachineType, 0, len(doc.Machines))
	for _, e := range doc.Machines {
		machines = append(machines, domain.MachineType{
			ID:           strings.TrimSpace(e.ID),
			Name:         e.Name,
			Image:        strings.TrimSpace(e.Image),
			ExposedPorts: e.Ports,
			Flags: map[domain.Level]string{
				domain.LevelUser: e.Flags.User,
				domain.LevelRoot: e.Flags.Root,
			},
		})
	}
	return machines, nil
}

// New validates machines and returns a catalog over copies of them.
func New(machines []domain.MachineType) (*Catalog, error) {
	c := &Catalog{machines: make(map[string]domain.MachineType, len(machines))}
	for _, m := range machines {
		if err := validate(m); err != nil {
			return nil, err
		}
		if _, dup := c.machines[m.ID]; dup {
			return nil, fmt.Errorf("duplicate machine id %q", m.ID)
		}
		c.machines[m.ID] = clone(m)
	}
	if len(c.machines) == 0 {
		return nil, fmt.Errorf("catalog is empty")
	}
	return c, nil
}

// Lookup returns the machine type registered under id.
func (c *Catalog) Lookup(id string) (domain.MachineType, bool) {
	m, ok := c.machines[id]
	if !ok {
		return domain.MachineType{}, false
	}
	return clone(m), true
}

// List returns every machine type ordered by id.
func (c *Catalog) List() []domain.MachineType {
	out := make([]domain.MachineType, 0, len(c.machines))
	for _, m := range c.machines {
		out = append(out, clone(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func validate(m domain.MachineType) error {
	if m.ID == "" {
		return fmt.Errorf("machine id cannot be empty")
	}
	if m.Image == "" {
		return fmt.Errorf("machine %q: image cannot be empty", m.ID)
	}
	if len(m.ExposedPorts) == 0 {
		return fmt.Errorf("machine %q: at least one port must be exposed", m.ID)
	}
	seen := make(map[int]bool, len(m.ExposedPorts))
	for _, p := range m.ExposedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("machine %q: port %d out of range", m.ID, p)
		}
		if seen[p] {
			return fmt.Errorf("machine %q: port %d listed twice", m.ID, p)
		}
		seen[p] = true
	}
	for _, level := range []domain.Level{domain.LevelUser, domain.LevelRoot} {
		if _, ok := m.Flag(level); !ok {
			return fmt.Errorf("machine %q: %s flag cannot be empty", m.ID, level)
		}
	}
	return nil
}

func applyEnvOverrides(m *domain.MachineType) {
	if m.Flags == nil {
		m.Flags = make(map[domain.Level]string, 2)
	}
	for _, level := range []domain.Level{domain.LevelUser, domain.LevelRoot} {
		key := EnvKey(m.ID, level)
		if v, ok := os.LookupEnv(key); ok && v != "" {
			m.Flags[level] = v
			continue
		}
		if m.Flags[level] == devUserFlag || m.Flags[level] == devRootFlag {
			slog.Warn("Using development placeholder flag", "machine_type_id", m.ID, "level", level, "env", key)
		}
	}
}

// EnvKey returns the environment variable that overrides a machine's flag.
func EnvKey(machineID string, level domain.Level) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(machineID) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return "MACHINE_" + b.String() + "_" + strings.ToUpper(string(level)) + "_FLAG"
}

func clone(m domain.MachineType) domain.MachineType {
	out := m
	out.ExposedPorts = append([]int(nil), m.ExposedPorts...)
	out.Flags = make(map[domain.Level]string, len(m.Flags))
	for k, v := range m.Flags {
		out.Flags[k] = v
	}
	return out
}
