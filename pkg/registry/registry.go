// Package registry is the process-wide store of runtime tunables and feature
// flags.
//
// State lives in an immutable snapshot behind an atomic pointer. Reads load
// the pointer and index into it, so the world tick can poll tunables without
// locks or allocations. Writes serialize on a mutex, copy the snapshot, change
// a single field and publish the copy. A bulk load builds a whole snapshot
// before publishing it, so no reader ever sees half of a load.
package registry

import (
	"fmt"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
)

// AuditEntry is one sensitive write.
type AuditEntry struct {
	Name   string
	Old    string
	New    string
	Caller access.Caller
	Time   time.Time
	Seq    uint64 // publication order within this process
}

// Auditor receives sensitive writes. Record must not block; the registry
// ignores whatever happens inside it.
type Auditor interface {
	Record(e AuditEntry)
}

// Options configures a Registry.
type Options struct {
	// Strict makes lookups of unknown names panic. Tests and development
	// builds set it; production logs the typo and returns a zero value.
	Strict  bool
	Auditor Auditor
	Bus     *events.Bus
	Now     func() time.Time
}

type snapshot struct {
	values []uint64
	words  []uint64
}

// Registry holds every tunable and the feature flag set.
type Registry struct {
	tunables []Tunable
	index    map[string]int
	flags    FeatureFlagSet
	opts     Options

	mu    sync.Mutex // serializes writers
	seq   uint64     // guarded by mu
	state atomic.Pointer[snapshot]

	warned sync.Map // unknown names already logged
}

// New builds a registry from a schema with every tunable at its default.
func New(schema Schema, opts Options) (*Registry, error) {
	if err := schema.validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Registry{
		tunables: slices.Clone(schema.Tunables),
		index:    make(map[string]int, len(schema.Tunables)),
		opts:     opts,
	}
	values := make([]uint64, len(r.tunables))
	for i := range r.tunables {
		t := &r.tunables[i]
		t.Options = slices.Clone(t.Options)
		r.index[t.Name] = i
		raw, _ := t.encode(t.Default)
		values[i] = raw
	}

	words := r.flags.init(r, schema)
	r.state.Store(&snapshot{values: values, words: words})
	return r, nil
}

// Flags returns the registry's feature flag set.
func (r *Registry) Flags() *FeatureFlagSet {
	return &r.flags
}

// Strict reports whether unknown lookups panic.
func (r *Registry) Strict() bool {
	return r.opts.Strict
}

// Bus returns the event bus the registry publishes to, or nil.
func (r *Registry) Bus() *events.Bus {
	return r.opts.Bus
}

// Tunables returns a copy of the schema's tunable definitions in schema order.
func (r *Registry) Tunables() []Tunable {
	return slices.Clone(r.tunables)
}

// Tunable returns the definition of a tunable.
func (r *Registry) Tunable(name string) (Tunable, bool) {
	i, ok := r.index[name]
	if !ok {
		return Tunable{}, false
	}
	return r.tunables[i], true
}

// Has reports whether name is a tunable in the schema.
func (r *Registry) Has(name string) bool {
	_, ok := r.index[name]
	return ok
}

// --- Reads ---

// Get returns the current value of a tunable. An unknown name is a
// programming error: it panics in strict mode and otherwise logs and
// returns the zero Value with found=false.
func (r *Registry) Get(name string) (Value, bool) {
	i, ok := r.index[name]
	if !ok {
		r.unknown("get", name)
		return Value{}, false
	}
	return r.tunables[i].unpack(r.state.Load().values[i]), true
}

// Bool returns a bool tunable, or false if the name is unknown or not a bool.
func (r *Registry) Bool(name string) bool {
	if i, ok := r.lookup("bool", name, KindBool); ok {
		return r.state.Load().values[i] != 0
	}
	return false
}

// Int returns an int tunable, or 0.
func (r *Registry) Int(name string) int64 {
	if i, ok := r.lookup("int", name, KindInt); ok {
		return int64(r.state.Load().values[i])
	}
	return 0
}

// Float returns a float tunable, or 0.
func (r *Registry) Float(name string) float64 {
	if i, ok := r.lookup("float", name, KindFloat); ok {
		return r.tunables[i].unpack(r.state.Load().values[i]).Float()
	}
	return 0
}

// Duration returns a duration tunable, or 0.
func (r *Registry) Duration(name string) time.Duration {
	if i, ok := r.lookup("duration", name, KindDuration); ok {
		return time.Duration(r.state.Load().values[i])
	}
	return 0
}

// Enum returns the selected option of an enum tunable, or "".
func (r *Registry) Enum(name string) string {
	if i, ok := r.lookup("enum", name, KindEnum); ok {
		return r.tunables[i].unpack(r.state.Load().values[i]).Enum()
	}
	return ""
}

func (r *Registry) lookup(op, name string, kind Kind) (int, bool) {
	i, ok := r.index[name]
	if !ok {
		r.unknown(op, name)
		return 0, false
	}
	if r.tunables[i].Kind != kind {
		err := &Error{Code: UnknownTunable, Op: op, Name: name,
			Msg: fmt.Sprintf("is %s, read as %s", r.tunables[i].Kind, kind)}
		if r.opts.Strict {
			panic(err)
		}
		r.warnOnce(name, err)
		return 0, false
	}
	return i, true
}

func (r *Registry) unknown(op, name string) {
	err := &Error{Code: UnknownTunable, Op: op, Name: name}
	if r.opts.Strict {
		panic(err)
	}
	r.warnOnce(name, err)
}

func (r *Registry) warnOnce(name string, err error) {
	if _, loaded := r.warned.LoadOrStore(name, true); !loaded {
		log.Printf("registry: %v (returning zero value)", err)
	}
}

// Ref is a resolved handle to one tunable. Tick-loop code resolves names
// once at startup and reads through the handle afterwards.
type Ref struct {
	r *Registry
	i int
}

// Ref resolves a tunable name to a handle.
func (r *Registry) Ref(name string) (Ref, error) {
	i, ok := r.index[name]
	if !ok {
		return Ref{}, &Error{Code: UnknownTunable, Op: "ref", Name: name}
	}
	return Ref{r: r, i: i}, nil
}

// MustRef is Ref for startup wiring; it panics on an unknown name.
func (r *Registry) MustRef(name string) Ref {
	ref, err := r.Ref(name)
	if err != nil {
		panic(err)
	}
	return ref
}

func (ref Ref) Name() string { return ref.r.tunables[ref.i].Name }

// Value returns the current value.
func (ref Ref) Value() Value {
	return ref.r.tunables[ref.i].unpack(ref.r.state.Load().values[ref.i])
}

func (ref Ref) Bool() bool              { return ref.Value().Bool() }
func (ref Ref) Int() int64              { return ref.Value().Int() }
func (ref Ref) Float() float64          { return ref.Value().Float() }
func (ref Ref) Duration() time.Duration { return ref.Value().Duration() }
func (ref Ref) Enum() string            { return ref.Value().Enum() }

// View is a consistent read of the whole registry at one instant. Use it when
// several related tunables must be read together.
type View struct {
	r *Registry
	s *snapshot
}

// View captures the current state.
func (r *Registry) View() View {
	return View{r: r, s: r.state.Load()}
}

// Get returns a tunable from the view. Unknown names behave as in Registry.Get.
func (v View) Get(name string) (Value, bool) {
	i, ok := v.r.index[name]
	if !ok {
		v.r.unknown("get", name)
		return Value{}, false
	}
	return v.r.tunables[i].unpack(v.s.values[i]), true
}

// IsSet returns a flag from the view.
func (v View) IsSet(name string) bool {
	i, ok := v.r.flags.index[name]
	if !ok {
		v.r.unknown("is_set", name)
		return false
	}
	return bitSet(v.s.words, v.r.flags.defs[i].Bit)
}

// --- Writes ---

// Set validates and replaces a tunable's value. Checks run in order: unknown
// name, write floor, kind and range. A rejected write leaves the old value in
// place. Writing the current value succeeds without publishing anything.
func (r *Registry) Set(name string, v Value, caller access.Caller) error {
	i, ok := r.index[name]
	if !ok {
		return r.reject(&Error{Code: UnknownTunable, Op: "set", Name: name}, caller)
	}
	t := &r.tunables[i]
	if !caller.Level.AtLeast(t.WriteFloor) {
		return r.reject(&Error{Code: PermissionDenied, Op: "set", Name: name,
			Msg: "requires " + t.WriteFloor.String()}, caller)
	}
	raw, err := t.encode(v)
	if err != nil {
		return r.reject(err, caller)
	}

	r.mu.Lock()
	cur := r.state.Load()
	old := cur.values[i]
	if old == raw {
		r.mu.Unlock()
		return nil
	}
	r.publishValue(cur, i, raw)
	st := r.stampLocked()
	r.mu.Unlock()

	r.changed(t, old, raw, caller, st)
	return nil
}

// CompareAndSet replaces a tunable's value only if it still equals expected.
// It applies the same checks as Set.
func (r *Registry) CompareAndSet(name string, expected, v Value, caller access.Caller) (bool, error) {
	i, ok := r.index[name]
	if !ok {
		return false, r.reject(&Error{Code: UnknownTunable, Op: "cas", Name: name}, caller)
	}
	t := &r.tunables[i]
	if !caller.Level.AtLeast(t.WriteFloor) {
		return false, r.reject(&Error{Code: PermissionDenied, Op: "cas", Name: name,
			Msg: "requires " + t.WriteFloor.String()}, caller)
	}
	want, err := t.pack(expected)
	if err != nil {
		return false, err
	}
	raw, err := t.encode(v)
	if err != nil {
		return false, r.reject(err, caller)
	}

	r.mu.Lock()
	cur := r.state.Load()
	old := cur.values[i]
	if old != want {
		r.mu.Unlock()
		return false, nil
	}
	if old == raw {
		r.mu.Unlock()
		return true, nil
	}
	r.publishValue(cur, i, raw)
	st := r.stampLocked()
	r.mu.Unlock()

	r.changed(t, old, raw, caller, st)
	return true, nil
}

// CanWrite reports whether caller may write a tunable or flag, using the same
// checks and rejection events as Set. It lets front ends refuse a write before
// parsing operator input.
func (r *Registry) CanWrite(name string, caller access.Caller) error {
	floor, ok := r.writeFloor(name)
	if !ok {
		return r.reject(&Error{Code: UnknownTunable, Op: "set", Name: name}, caller)
	}
	if !caller.Level.AtLeast(floor) {
		return r.reject(&Error{Code: PermissionDenied, Op: "set", Name: name,
			Msg: "requires " + floor.String()}, caller)
	}
	return nil
}

func (r *Registry) writeFloor(name string) (access.Level, bool) {
	if i, ok := r.index[name]; ok {
		return r.tunables[i].WriteFloor, true
	}
	if f, ok := r.flags.Def(name); ok {
		return f.WriteFloor, true
	}
	return 0, false
}

// ResetDefault writes a tunable's schema default.
func (r *Registry) ResetDefault(name string, caller access.Caller) error {
	i, ok := r.index[name]
	if !ok {
		return r.reject(&Error{Code: UnknownTunable, Op: "reset", Name: name}, caller)
	}
	return r.Set(name, r.tunables[i].Default, caller)
}

// publishValue stores a copy of cur with one value replaced. r.mu must be held.
func (r *Registry) publishValue(cur *snapshot, i int, raw uint64) {
	next := &snapshot{values: slices.Clone(cur.values), words: cur.words}
	next.values[i] = raw
	r.state.Store(next)
}

// stamp orders a publication. Events and audit entries run after the write
// lock is released, so two writers may deliver out of order; Seq and Time
// are taken under the lock and follow publication order.
type stamp struct {
	seq uint64
	at  time.Time
}

// stampLocked numbers the publication just made. r.mu must be held.
func (r *Registry) stampLocked() stamp {
	r.seq++
	return stamp{seq: r.seq, at: r.opts.Now()}
}

func (r *Registry) changed(t *Tunable, old, raw uint64, caller access.Caller, st stamp) {
	oldS, newS := t.unpack(old).String(), t.unpack(raw).String()
	r.opts.Bus.Emit(events.Event{
		Type:   events.EvTunableSet,
		Name:   t.Name,
		Old:    oldS,
		New:    newS,
		Caller: caller,
		Time:   st.at,
		Seq:    st.seq,
	})
	if t.Sensitive {
		r.audit(AuditEntry{Name: t.Name, Old: oldS, New: newS, Caller: caller, Time: st.at, Seq: st.seq})
	}
}

func (r *Registry) reject(err *Error, caller access.Caller) error {
	r.opts.Bus.Emit(events.Event{
		Type:   events.EvWriteRejected,
		Name:   err.Name,
		Reason: err.Code.String(),
		Caller: caller,
		Time:   r.opts.Now(),
	})
	return err
}

// audit hands an entry to the auditor. A failing sink never fails the write.
func (r *Registry) audit(e AuditEntry) {
	if r.opts.Auditor == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("registry: audit sink panic for %s: %v", e.Name, p)
		}
	}()
	r.opts.Auditor.Record(e)
}
