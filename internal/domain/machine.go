// Package domain contains core domain types for the machine broker.
package domain

import "fmt"

// Level identifies which of a machine's two flags is being submitted.
type Level string

// Flag levels.
const (
	LevelUser Level = "user"
	LevelRoot Level = "root"
)

// ParseLevel validates a level string.
func ParseLevel(s string) (Level, error) {
	switch Level(s) {
	case LevelUser, LevelRoot:
		return Level(s), nil
	default:
		return "", fmt.Errorf("unknown flag level %q", s)
	}
}

// Points returns the score awarded for capturing the flag of this level.
func (l Level) Points() int {
	switch l {
	case LevelRoot:
		return 50
	case LevelUser:
		return 20
	default:
		return 0
	}
}

// MachineType is a catalog-defined template for a practice environment.
type MachineType struct {
	ID           string
	Name         string
	Image        string
	ExposedPorts []int
	Flags        map[Level]string
}

// Flag returns the secret for level.
func (m MachineType) Flag(level Level) (string, bool) {
	v, ok := m.Flags[level]
	return v, ok && v != ""
}
