package registry

import (
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
)

// FeatureFlagSet is the registry's bitset of named switches. Bits live in the
// same snapshot as tunable values; a flip is a copy-on-write of the word
// slice under the registry's writer lock.
type FeatureFlagSet struct {
	r     *Registry
	defs  []Flag
	index map[string]int
	width int // bits, multiple of 64

	cbMu      sync.Mutex
	callbacks map[int][]func() // by flag index
}

func (fs *FeatureFlagSet) init(r *Registry, schema Schema) []uint64 {
	fs.r = r
	fs.defs = slices.Clone(schema.Flags)
	fs.index = make(map[string]int, len(fs.defs))
	fs.callbacks = make(map[int][]func())

	width := schema.FlagWidth
	if width <= 0 {
		width = 64
	}
	fs.width = (width + 63) &^ 63

	words := make([]uint64, fs.width/64)
	for i, f := range fs.defs {
		fs.index[f.Name] = i
		if f.Default {
			words[f.Bit/64] |= 1 << (f.Bit % 64)
		}
	}
	return words
}

func bitSet(words []uint64, bit int) bool {
	w := bit / 64
	if w >= len(words) {
		return false
	}
	return words[w]&(1<<(bit%64)) != 0
}

// Width returns the number of bits in the set.
func (fs *FeatureFlagSet) Width() int { return fs.width }

// Defs returns the flag definitions in schema order.
func (fs *FeatureFlagSet) Defs() []Flag { return slices.Clone(fs.defs) }

// Def returns one flag definition.
func (fs *FeatureFlagSet) Def(name string) (Flag, bool) {
	i, ok := fs.index[name]
	if !ok {
		return Flag{}, false
	}
	return fs.defs[i], true
}

// Has reports whether name is a registered flag.
func (fs *FeatureFlagSet) Has(name string) bool {
	_, ok := fs.index[name]
	return ok
}

// IsSet reports whether a flag is on. Unknown names follow the registry's
// strict/lenient rule and read as false.
func (fs *FeatureFlagSet) IsSet(name string) bool {
	i, ok := fs.index[name]
	if !ok {
		fs.r.unknown("is_set", name)
		return false
	}
	return bitSet(fs.r.state.Load().words, fs.defs[i].Bit)
}

// SetFlag turns a flag on.
func (fs *FeatureFlagSet) SetFlag(name string, caller access.Caller) error {
	return fs.write("set_flag", name, true, caller)
}

// ClearFlag turns a flag off.
func (fs *FeatureFlagSet) ClearFlag(name string, caller access.Caller) error {
	return fs.write("clear_flag", name, false, caller)
}

// Assign sets or clears a flag.
func (fs *FeatureFlagSet) Assign(name string, on bool, caller access.Caller) error {
	if on {
		return fs.SetFlag(name, caller)
	}
	return fs.ClearFlag(name, caller)
}

func (fs *FeatureFlagSet) write(op, name string, on bool, caller access.Caller) error {
	r := fs.r
	i, ok := fs.index[name]
	if !ok {
		return r.reject(&Error{Code: UnknownTunable, Op: op, Name: name}, caller)
	}
	f := &fs.defs[i]
	if !caller.Level.AtLeast(f.WriteFloor) {
		return r.reject(&Error{Code: PermissionDenied, Op: op, Name: name,
			Msg: "requires " + f.WriteFloor.String()}, caller)
	}

	w, mask := f.Bit/64, uint64(1)<<(f.Bit%64)
	r.mu.Lock()
	cur := r.state.Load()
	if (cur.words[w]&mask != 0) == on {
		r.mu.Unlock()
		return nil
	}
	words := slices.Clone(cur.words)
	if on {
		words[w] |= mask
	} else {
		words[w] &^= mask
	}
	r.state.Store(&snapshot{values: cur.values, words: words})
	st := r.stampLocked()
	r.mu.Unlock()

	fs.changed(i, on, caller, st)
	return nil
}

// changed publishes a flip and runs the flag's callbacks.
func (fs *FeatureFlagSet) changed(i int, on bool, caller access.Caller, st stamp) {
	r := fs.r
	f := &fs.defs[i]
	typ, old, cur := events.EvFlagCleared, "on", "off"
	if on {
		typ, old, cur = events.EvFlagSet, "off", "on"
	}
	r.opts.Bus.Emit(events.Event{
		Type:   typ,
		Name:   f.Name,
		Old:    old,
		New:    cur,
		Caller: caller,
		Time:   st.at,
		Seq:    st.seq,
	})
	if f.Sensitive {
		r.audit(AuditEntry{Name: f.Name, Old: old, New: cur, Caller: caller, Time: st.at, Seq: st.seq})
	}
	fs.runCallbacks(i)
}

// OnChange registers a reconciliation callback for a flag. Callbacks run
// synchronously in registration order after the bit is published and before
// SetFlag or ClearFlag returns. They run only when the bit actually changes.
// There is no way to unregister.
func (fs *FeatureFlagSet) OnChange(name string, fn func()) error {
	i, ok := fs.index[name]
	if !ok {
		return &Error{Code: UnknownTunable, Op: "on_change", Name: name}
	}
	if fn == nil {
		return fmt.Errorf("registry: on_change %s: nil callback", name)
	}
	fs.cbMu.Lock()
	fs.callbacks[i] = append(fs.callbacks[i], fn)
	fs.cbMu.Unlock()
	return nil
}

func (fs *FeatureFlagSet) runCallbacks(i int) {
	fs.cbMu.Lock()
	cbs := fs.callbacks[i]
	fs.cbMu.Unlock()
	for n, fn := range cbs {
		fs.call(fs.defs[i].Name, n, fn)
	}
}

func (fs *FeatureFlagSet) call(name string, n int, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			log.Printf("registry: flag %s callback %d panicked: %v", name, n, p)
		}
	}()
	fn()
}

// Words returns a copy of the raw bitset, least significant word first.
func (fs *FeatureFlagSet) Words() []uint64 {
	return slices.Clone(fs.r.state.Load().words)
}

// Hex renders the bitset for operators: 0x followed by 16 hex digits per
// word, most significant word first. It is display only and never parsed.
func (fs *FeatureFlagSet) Hex() string {
	return hexWords(fs.r.state.Load().words)
}

func hexWords(words []uint64) string {
	var b strings.Builder
	b.WriteString("0x")
	for i := len(words) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%016X", words[i])
	}
	return b.String()
}
