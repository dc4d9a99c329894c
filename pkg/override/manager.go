package override

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

// DefaultTTL is how long an override lives when Options.TTL is zero.
const DefaultTTL = 4 * time.Hour

// Journal persists live overrides so a crashed process can restore what
// they changed on the next start.
type Journal interface {
	PutOverride(in Info) error
	DeleteOverride(id string) error
	LoadOverrides() ([]Info, error)
}

// Options configures a Manager.
type Options struct {
	TTL     time.Duration
	Floor   access.Level // minimum level to claim; zero means Administrator
	Journal Journal
	Bus     *events.Bus
	Now     func() time.Time

	// Lifetime, when set, is read at each Create and wins over TTL if it
	// returns a positive duration.
	Lifetime func() time.Duration
}

// Manager creates overrides and keeps the tunables they shadow disjoint.
type Manager struct {
	reg  *registry.Registry
	opts Options

	mu   sync.Mutex
	live map[string]*Override
}

// NewManager creates a manager over reg.
func NewManager(reg *registry.Registry, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Floor == access.Guest {
		opts.Floor = access.Administrator
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{reg: reg, opts: opts, live: make(map[string]*Override)}
}

func (m *Manager) now() time.Time { return m.opts.Now() }

func (m *Manager) ttl() time.Duration {
	if m.opts.Lifetime != nil {
		if d := m.opts.Lifetime(); d > 0 {
			return d
		}
	}
	return m.opts.TTL
}

// Live returns how many overrides are not yet finished.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Create snapshots the named tunables and returns a new unclaimed override.
func (m *Manager) Create(names ...string) (*Override, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("override: create: no tunables named")
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		if !m.reg.Has(n) {
			return nil, &registry.Error{Code: registry.UnknownTunable, Op: "override", Name: n}
		}
		if want[n] {
			return nil, fmt.Errorf("override: create: %s listed twice", n)
		}
		want[n] = true
	}

	// Overdue overrides give up their tunables before the conflict check.
	for _, o := range m.List() {
		o.expireIfDue()
	}

	m.mu.Lock()
	for _, o := range m.live {
		for _, n := range o.names {
			if want[n] {
				m.mu.Unlock()
				return nil, fmt.Errorf("override: %s held by %s: %w", n, o.id, ErrConflict)
			}
		}
	}

	now := m.now()
	o := &Override{
		id:        uuid.NewString(),
		names:     append([]string(nil), names...),
		floor:     m.opts.Floor,
		createdAt: now,
		expiresAt: now.Add(m.ttl()),
		mgr:       m,
		saved:     make(map[string]registry.Value, len(names)),
		written:   make(map[string]registry.Value),
		history:   make(map[string][]registry.Value),
	}
	view := m.reg.View()
	for _, n := range names {
		v, _ := view.Get(n)
		o.saved[n] = v
	}
	m.live[o.id] = o
	m.mu.Unlock()

	m.journalPut(o.Info())
	m.emit(events.Event{Type: events.EvOverrideCreated, Name: o.id, Data: map[string]any{"names": o.Names()}})
	log.Printf("override: created %s shadowing %v, expires %s", o.id, names, o.expiresAt.Format(time.RFC3339))
	return o, nil
}

// Lookup finds a live override by ID.
func (m *Manager) Lookup(id string) (*Override, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.live[id]
	return o, ok
}

// Remove removes a live override by ID.
func (m *Manager) Remove(id string) error {
	o, ok := m.Lookup(id)
	if !ok {
		return fmt.Errorf("override: %s: %w", id, ErrOverrideClosed)
	}
	o.Remove()
	return nil
}

// List returns the live overrides, oldest first.
func (m *Manager) List() []*Override {
	m.mu.Lock()
	out := make([]*Override, 0, len(m.live))
	for _, o := range m.live {
		out = append(out, o)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].id < out[j].id
		}
		return out[i].createdAt.Before(out[j].createdAt)
	})
	return out
}

// CloseAll closes every live override. It is called on shutdown.
func (m *Manager) CloseAll() {
	for _, o := range m.List() {
		o.Close()
	}
}

// Recover restores the values of overrides journaled by a process that
// exited without closing them, then clears the journal. It returns how many
// overrides were recovered.
func (m *Manager) Recover() (int, error) {
	if m.opts.Journal == nil {
		return 0, nil
	}
	recs, err := m.opts.Journal.LoadOverrides()
	if err != nil {
		return 0, fmt.Errorf("override: recover: %w", err)
	}
	for _, in := range recs {
		written := m.parseValues(in.ID, in.Written)
		saved := m.parseValues(in.ID, in.Saved)
		history := make(map[string][]registry.Value, len(in.History))
		for n, raws := range in.History {
			for _, raw := range raws {
				if v, ok := m.parseValues(in.ID, map[string]string{n: raw})[n]; ok {
					history[n] = append(history[n], v)
				}
			}
		}
		restoreValues(m.reg, in.ID, in.Names, written, saved, history)
		if err := m.opts.Journal.DeleteOverride(in.ID); err != nil {
			return 0, fmt.Errorf("override: recover: %w", err)
		}
		log.Printf("override: recovered %s (owner %q, %d written)", in.ID, in.Owner, len(written))
		m.emit(events.Event{Type: events.EvOverrideRestored, Name: in.ID, New: Removed.String(), Reason: "recovered"})
	}
	return len(recs), nil
}

func (m *Manager) parseValues(id string, raw map[string]string) map[string]registry.Value {
	out := make(map[string]registry.Value, len(raw))
	for n, s := range raw {
		t, ok := m.reg.Tunable(n)
		if !ok {
			log.Printf("override: recover %s: %s no longer in schema", id, n)
			continue
		}
		v, err := registry.ParseValue(&t, s)
		if err != nil {
			log.Printf("override: recover %s: %v", id, err)
			continue
		}
		out[n] = v
	}
	return out
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	if m.opts.Journal != nil {
		if err := m.opts.Journal.DeleteOverride(id); err != nil {
			log.Printf("override: journal delete %s: %v", id, err)
		}
	}
}

func (m *Manager) journalPut(in Info) {
	if m.opts.Journal == nil {
		return
	}
	if err := m.opts.Journal.PutOverride(in); err != nil {
		log.Printf("override: journal put %s: %v", in.ID, err)
	}
}

func (m *Manager) emit(ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = m.now()
	}
	m.opts.Bus.Emit(ev)
}
