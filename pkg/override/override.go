// Package override implements temporary, single-owner tuning overrides.
//
// An override shadows a fixed set of tunables. The first caller with enough
// access claims it; from then on only that caller may use it. When it is
// removed, closed, expires, or is touched by anyone else, every value it
// wrote is put back the way it was before the override existed.
//
// Expiry is lazy: it is checked on each access, and there are no timers.
package override

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

var (
	ErrNotOwner       = errors.New("not the override's owner")
	ErrExpired        = errors.New("override expired, create a fresh one")
	ErrOverrideClosed = errors.New("override is closed")
	ErrNotShadowed    = errors.New("tunable is not shadowed by this override")
	ErrConflict       = errors.New("tunable is already shadowed by another override")
)

// State is an override's lifecycle state.
type State int

const (
	Unclaimed State = iota
	Active
	Expired
	Removed
)

func (s State) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case Active:
		return "active"
	case Expired:
		return "expired"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Expired || s == Removed
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for st := Unclaimed; st <= Removed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("override: unknown state %q", b)
}

// Override is one tuning override. Use Manager.Create to build one.
type Override struct {
	id        string
	names     []string
	floor     access.Level
	createdAt time.Time
	expiresAt time.Time
	mgr       *Manager

	mu      sync.Mutex
	state   State
	owner   string
	saved   map[string]registry.Value
	written map[string]registry.Value
	history map[string][]registry.Value // every distinct value written, oldest first
}

// Info is a read-only description of an override.
type Info struct {
	ID        string            `json:"id"`
	Owner     string            `json:"owner,omitempty"`
	State     State             `json:"state"`
	Names     []string          `json:"names"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Saved     map[string]string `json:"saved"`
	Written   map[string]string `json:"written,omitempty"`

	// History lists every distinct value written per tunable. Recovery
	// uses it because a save between two writes leaves an earlier one on
	// disk.
	History map[string][]string `json:"history,omitempty"`
}

func (o *Override) ID() string           { return o.id }
func (o *Override) Names() []string      { return slices.Clone(o.names) }
func (o *Override) ExpiresAt() time.Time { return o.expiresAt }

// State returns the current state. An override past its expiry still
// reports its old state until something touches it.
func (o *Override) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Owner returns the bound caller ID, or "" while unclaimed.
func (o *Override) Owner() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.owner
}

// Info describes the override.
func (o *Override) Info() Info {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.infoLocked()
}

func (o *Override) infoLocked() Info {
	in := Info{
		ID:        o.id,
		Owner:     o.owner,
		State:     o.state,
		Names:     slices.Clone(o.names),
		CreatedAt: o.createdAt,
		ExpiresAt: o.expiresAt,
		Saved:     make(map[string]string, len(o.saved)),
	}
	for n, v := range o.saved {
		in.Saved[n] = v.String()
	}
	if len(o.written) > 0 {
		in.Written = make(map[string]string, len(o.written))
		for n, v := range o.written {
			in.Written[n] = v.String()
		}
	}
	if len(o.history) > 0 {
		in.History = make(map[string][]string, len(o.history))
		for n, vs := range o.history {
			for _, v := range vs {
				in.History[n] = append(in.History[n], v.String())
			}
		}
	}
	return in
}

func (o *Override) shadows(name string) bool {
	return slices.Contains(o.names, name)
}

// Get reads a shadowed tunable through the override.
func (o *Override) Get(name string, caller access.Caller) (registry.Value, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enterLocked(caller); err != nil {
		return registry.Value{}, err
	}
	if !o.shadows(name) {
		return registry.Value{}, fmt.Errorf("override: %s: %w", name, ErrNotShadowed)
	}
	reg := o.mgr.reg
	t, _ := reg.Tunable(name)
	if !caller.Level.AtLeast(t.ReadFloor) {
		return registry.Value{}, &registry.Error{Code: registry.PermissionDenied, Op: "get", Name: name,
			Msg: "requires " + t.ReadFloor.String()}
	}
	v, _ := reg.Get(name)
	return v, nil
}

// Set writes a shadowed tunable. The registry's own checks still apply.
func (o *Override) Set(name string, v registry.Value, caller access.Caller) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enterLocked(caller); err != nil {
		return err
	}
	return o.setLocked(name, v, caller)
}

// Write parses raw by the tunable's kind and sets it.
func (o *Override) Write(name, raw string, caller access.Caller) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.enterLocked(caller); err != nil {
		return err
	}
	t, ok := o.mgr.reg.Tunable(name)
	if !ok || !o.shadows(name) {
		return fmt.Errorf("override: %s: %w", name, ErrNotShadowed)
	}
	v, err := registry.ParseValue(&t, raw)
	if err != nil {
		return err
	}
	return o.setLocked(name, v, caller)
}

func (o *Override) setLocked(name string, v registry.Value, caller access.Caller) error {
	if !o.shadows(name) {
		return fmt.Errorf("override: %s: %w", name, ErrNotShadowed)
	}
	if err := o.mgr.reg.Set(name, v, caller); err != nil {
		return err
	}
	o.written[name] = v
	if !slices.ContainsFunc(o.history[name], v.Equal) {
		o.history[name] = append(o.history[name], v)
	}
	o.mgr.journalPut(o.infoLocked())
	return nil
}

// enterLocked runs the access checks shared by every operation. It may move
// the override to a terminal state, restoring as it does.
func (o *Override) enterLocked(caller access.Caller) error {
	if o.state.Terminal() {
		return fmt.Errorf("override: %s: %w", o.id, ErrOverrideClosed)
	}
	if !o.mgr.now().Before(o.expiresAt) {
		o.finishLocked(Expired, "expired")
		return fmt.Errorf("override: %s: %w", o.id, ErrExpired)
	}
	switch o.state {
	case Unclaimed:
		if !caller.Level.AtLeast(o.floor) {
			return &registry.Error{Code: registry.PermissionDenied, Op: "claim", Name: o.id,
				Msg: "requires " + o.floor.String()}
		}
		o.owner = caller.ID
		o.state = Active
		o.mgr.journalPut(o.infoLocked())
		o.mgr.emit(events.Event{Type: events.EvOverrideClaimed, Name: o.id, New: caller.ID, Caller: caller})
	case Active:
		if caller.ID != o.owner {
			log.Printf("override: %s touched by %s, owned by %s; removing", o.id, caller, o.owner)
			o.finishLocked(Removed, "not owner")
			return fmt.Errorf("override: %s: %w", o.id, ErrNotOwner)
		}
	}
	return nil
}

// expireIfDue moves an untouched, overdue override to Expired.
func (o *Override) expireIfDue() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.state.Terminal() && !o.mgr.now().Before(o.expiresAt) {
		o.finishLocked(Expired, "expired")
	}
}

// Remove restores every written value and retires the override. It is a
// no-op on an override that is already finished.
func (o *Override) Remove() {
	o.finish(Removed, "removed")
}

// Close is Remove for the shutdown path.
func (o *Override) Close() {
	o.finish(Removed, "closed")
}

func (o *Override) finish(to State, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Terminal() {
		return
	}
	o.finishLocked(to, reason)
}

// finishLocked restores and moves to a terminal state. It runs at most once
// per override because every caller checks Terminal first.
func (o *Override) finishLocked(to State, reason string) {
	restoreValues(o.mgr.reg, o.id, o.names, o.written, o.saved, nil)
	o.state = to
	o.mgr.forget(o.id)
	o.mgr.emit(events.Event{Type: events.EvOverrideRestored, Name: o.id, New: to.String(), Reason: reason})
}

// restoreValues puts saved values back for every name that was written, but
// only where the registry still holds what the override wrote: its last
// write, or any value in history when one is given.
func restoreValues(reg *registry.Registry, id string, names []string, written, saved map[string]registry.Value, history map[string][]registry.Value) {
	sys := access.System("override:" + id)
	for _, n := range names {
		last, ok := written[n]
		if !ok {
			continue
		}
		prev, ok := saved[n]
		if !ok {
			continue
		}
		if cur, ok := reg.Get(n); ok && slices.ContainsFunc(history[n], cur.Equal) {
			last = cur
		}
		swapped, err := reg.CompareAndSet(n, last, prev, sys)
		switch {
		case err != nil:
			log.Printf("override: %s: restore %s: %v", id, n, err)
		case !swapped:
			log.Printf("override: %s: %s changed since the override wrote %s; leaving it", id, n, last)
		}
	}
}
