// Package surface exposes the registry as a flat, access-gated property bag.
// Every tunable and flag becomes a property driven by its schema entry, so
// adding a tunable never needs new console code.
package surface

import (
	"fmt"
	"slices"
	"sort"
	"strconv"
	"sync"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

// Property sources.
const (
	SourceTunable = "tunable"
	SourceFlag    = "flag"
	SourceDerived = "derived"
)

// Property is one row of the property bag as seen by a particular caller.
type Property struct {
	Name        string       `json:"name" yaml:"name"`
	Kind        string       `json:"kind" yaml:"kind"`
	Value       string       `json:"value" yaml:"value"`
	ReadFloor   access.Level `json:"read_floor" yaml:"read_floor"`
	WriteFloor  access.Level `json:"write_floor" yaml:"write_floor"`
	ReadOnly    bool         `json:"read_only" yaml:"read_only"`
	Source      string       `json:"source" yaml:"source"`
	Description string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// Derived is a computed, read-only property. It is never stored and never
// saved with the registry.
type Derived struct {
	Name        string
	ReadFloor   access.Level
	Description string
	Compute     func() string
}

// Console is a named group of properties shown together, like an in-world
// management console. A name may appear in several consoles; it is still one
// value.
type Console struct {
	Name  string
	Title string
	Names []string
}

// Surface is the access-gated view over one registry.
type Surface struct {
	reg *registry.Registry

	mu       sync.RWMutex
	derived  map[string]Derived
	consoles map[string]Console
}

// New creates a surface over reg.
func New(reg *registry.Registry) *Surface {
	return &Surface{
		reg:      reg,
		derived:  make(map[string]Derived),
		consoles: make(map[string]Console),
	}
}

// Registry returns the underlying registry.
func (s *Surface) Registry() *registry.Registry {
	return s.reg
}

// AddDerived registers a computed property.
func (s *Surface) AddDerived(d Derived) error {
	if d.Name == "" || d.Compute == nil {
		return fmt.Errorf("surface: derived property needs a name and a compute func")
	}
	if s.reg.Has(d.Name) || s.reg.Flags().Has(d.Name) {
		return fmt.Errorf("surface: derived %q shadows a registry entry", d.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.derived[d.Name]; dup {
		return fmt.Errorf("surface: derived %q already registered", d.Name)
	}
	s.derived[d.Name] = d
	return nil
}

// AddConsole registers a console. Every name must already be a tunable,
// flag or derived property.
func (s *Surface) AddConsole(c Console) error {
	if c.Name == "" {
		return fmt.Errorf("surface: console needs a name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.consoles[c.Name]; dup {
		return fmt.Errorf("surface: console %q already registered", c.Name)
	}
	for _, n := range c.Names {
		if !s.knownLocked(n) {
			return fmt.Errorf("surface: console %q lists unknown property %q", c.Name, n)
		}
	}
	c.Names = slices.Clone(c.Names)
	s.consoles[c.Name] = c
	return nil
}

// Consoles returns the registered consoles sorted by name.
func (s *Surface) Consoles() []Console {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Console, 0, len(s.consoles))
	for _, c := range s.consoles {
		c.Names = slices.Clone(c.Names)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Surface) knownLocked(name string) bool {
	if s.reg.Has(name) || s.reg.Flags().Has(name) {
		return true
	}
	_, ok := s.derived[name]
	return ok
}

// Enumerate lists every property the caller may read, sorted by name.
func (s *Surface) Enumerate(caller access.Caller) []Property {
	var names []string
	for _, t := range s.reg.Tunables() {
		names = append(names, t.Name)
	}
	for _, f := range s.reg.Flags().Defs() {
		names = append(names, f.Name)
	}
	s.mu.RLock()
	for n := range s.derived {
		names = append(names, n)
	}
	s.mu.RUnlock()
	return s.collect(names, caller)
}

// EnumerateConsole lists the readable properties of one console, sorted by
// name.
func (s *Surface) EnumerateConsole(console string, caller access.Caller) ([]Property, error) {
	s.mu.RLock()
	c, ok := s.consoles[console]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("surface: no console %q", console)
	}
	return s.collect(c.Names, caller), nil
}

func (s *Surface) collect(names []string, caller access.Caller) []Property {
	out := make([]Property, 0, len(names))
	for _, n := range names {
		p, ok := s.describe(n, caller)
		if !ok || !caller.Level.AtLeast(p.ReadFloor) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Read returns one property, or PermissionDenied if the caller is below its
// read floor.
func (s *Surface) Read(name string, caller access.Caller) (Property, error) {
	p, ok := s.describe(name, caller)
	if !ok {
		return Property{}, &registry.Error{Code: registry.UnknownTunable, Op: "read", Name: name}
	}
	if !caller.Level.AtLeast(p.ReadFloor) {
		return Property{}, &registry.Error{Code: registry.PermissionDenied, Op: "read", Name: name,
			Msg: "requires " + p.ReadFloor.String()}
	}
	return p, nil
}

// Write parses raw according to the property's kind and applies it. Nothing
// changes if any check fails.
func (s *Surface) Write(name, raw string, caller access.Caller) error {
	s.mu.RLock()
	_, derived := s.derived[name]
	s.mu.RUnlock()
	if derived {
		return &registry.Error{Code: registry.PermissionDenied, Op: "write", Name: name, Msg: "read-only"}
	}
	if err := s.reg.CanWrite(name, caller); err != nil {
		return err
	}

	if t, ok := s.reg.Tunable(name); ok {
		v, err := registry.ParseValue(&t, raw)
		if err != nil {
			return err
		}
		return s.reg.Set(name, v, caller)
	}
	on, ok := registry.ParseBool(raw)
	if !ok {
		return &registry.Error{Code: registry.OutOfRange, Op: "parse", Name: name,
			Msg: fmt.Sprintf("%q is not on or off", raw)}
	}
	return s.reg.Flags().Assign(name, on, caller)
}

// describe builds the property for name as seen by caller, without the read
// check.
func (s *Surface) describe(name string, caller access.Caller) (Property, bool) {
	if t, ok := s.reg.Tunable(name); ok {
		v, _ := s.reg.Get(name)
		return Property{
			Name:        t.Name,
			Kind:        t.Kind.String(),
			Value:       v.String(),
			ReadFloor:   t.ReadFloor,
			WriteFloor:  t.WriteFloor,
			ReadOnly:    !caller.Level.AtLeast(t.WriteFloor),
			Source:      SourceTunable,
			Description: t.Description,
		}, true
	}
	fs := s.reg.Flags()
	if f, ok := fs.Def(name); ok {
		return Property{
			Name:        f.Name,
			Kind:        "flag",
			Value:       strconv.FormatBool(fs.IsSet(name)),
			ReadFloor:   f.ReadFloor,
			WriteFloor:  f.WriteFloor,
			ReadOnly:    !caller.Level.AtLeast(f.WriteFloor),
			Source:      SourceFlag,
			Description: f.Description,
		}, true
	}
	s.mu.RLock()
	d, ok := s.derived[name]
	s.mu.RUnlock()
	if !ok {
		return Property{}, false
	}
	return Property{
		Name:        d.Name,
		Kind:        "text",
		Value:       d.Compute(),
		ReadFloor:   d.ReadFloor,
		WriteFloor:  access.Owner,
		ReadOnly:    true,
		Source:      SourceDerived,
		Description: d.Description,
	}, true
}
