// Package access defines the ordered privilege levels used to gate reads and
// writes of runtime tunables. Callers are authenticated elsewhere; this package
// only compares an already-established level against static floors.
package access

import (
	"fmt"
	"strings"
)

// Level is an ordered rank of caller trust. Higher values are more trusted.
type Level int

const (
	Guest Level = iota
	Operator
	Administrator
	Owner
)

// String returns the lowercase name of the level.
func (l Level) String() string {
	switch l {
	case Guest:
		return "guest"
	case Operator:
		return "operator"
	case Administrator:
		return "administrator"
	case Owner:
		return "owner"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	return l >= Guest && l <= Owner
}

// AtLeast reports whether l meets the given floor.
func (l Level) AtLeast(floor Level) bool {
	return l >= floor
}

// ParseLevel parses a level name. Matching is case-insensitive and accepts the
// usual short forms ("op", "admin").
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "guest", "player":
		return Guest, nil
	case "operator", "op", "counselor", "seer":
		return Operator, nil
	case "administrator", "admin", "gamemaster":
		return Administrator, nil
	case "owner":
		return Owner, nil
	}
	return Guest, fmt.Errorf("access: unknown level %q", s)
}

// MarshalText implements encoding.TextMarshaler so levels render by name in
// YAML and JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Caller is an authenticated identity acting on the registry.
type Caller struct {
	ID    string
	Level Level
}

// String renders the caller for log and audit lines.
func (c Caller) String() string {
	if c.ID == "" {
		return "<anonymous>:" + c.Level.String()
	}
	return c.ID + ":" + c.Level.String()
}

// System returns the caller used for internal writes (seed application,
// override restore). It holds the highest level.
func System(id string) Caller {
	return Caller{ID: "system:" + id, Level: Owner}
}
