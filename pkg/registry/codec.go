package registry

import (
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"slices"

	"github.com/crystal-mush/worldtune/pkg/events"
)

// Persisted format versions. Every version ever shipped stays loadable.
//
//	v1: version:i32 count:i32 count*(name:u16+bytes kind:u8 raw:u64) flags:u64
//	v2: version:i32 count:i32 count*(name:u16+bytes kind:u8 payload) words:u16 words*u64
//	    payload is the option name (u16+bytes) for enums, raw:u64 otherwise
//
// All integers are big-endian.
const (
	Version1       int32 = 1
	Version2       int32 = 2
	CurrentVersion       = Version2
)

// SaveVersion encodes the registry in the current format.
func (r *Registry) SaveVersion() ([]byte, error) {
	return r.SaveAs(CurrentVersion)
}

// SaveAs encodes the registry in a specific format version. Version 1 holds
// a single flag word and refuses to save when higher bits are set.
func (r *Registry) SaveAs(version int32) ([]byte, error) {
	if version < Version1 || version > CurrentVersion {
		return nil, fmt.Errorf("registry: save: unsupported version %d", version)
	}
	s := r.state.Load()
	if version == Version1 {
		for i := 1; i < len(s.words); i++ {
			if s.words[i] != 0 {
				return nil, fmt.Errorf("registry: save: version 1 cannot hold flag bits above 63 (word %d is %#x)", i, s.words[i])
			}
		}
	}

	buf := make([]byte, 0, 64+len(r.tunables)*32)
	buf = binary.BigEndian.AppendUint32(buf, uint32(version))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.tunables)))
	for i := range r.tunables {
		t := &r.tunables[i]
		var err error
		if buf, err = appendString(buf, t.Name); err != nil {
			return nil, err
		}
		buf = append(buf, byte(t.Kind))
		raw := s.values[i]
		if t.Kind == KindEnum && version >= Version2 {
			if buf, err = appendString(buf, t.unpack(raw).Enum()); err != nil {
				return nil, err
			}
			continue
		}
		buf = binary.BigEndian.AppendUint64(buf, raw)
	}

	if version == Version1 {
		var w uint64
		if len(s.words) > 0 {
			w = s.words[0]
		}
		return binary.BigEndian.AppendUint64(buf, w), nil
	}
	if len(s.words) > math.MaxUint16 {
		return nil, fmt.Errorf("registry: save: %d flag words", len(s.words))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s.words)))
	for _, w := range s.words {
		buf = binary.BigEndian.AppendUint64(buf, w)
	}
	return buf, nil
}

func appendString(buf []byte, s string) ([]byte, error) {
	if len(s) > math.MaxUint16 {
		return nil, fmt.Errorf("registry: save: string of %d bytes", len(s))
	}
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...), nil
}

// PeekVersion returns the version tag of a saved blob without loading it.
func PeekVersion(blob []byte) (int32, error) {
	if len(blob) < 4 {
		return 0, corrupt("blob of %d bytes has no version tag", len(blob))
	}
	return int32(binary.BigEndian.Uint32(blob)), nil
}

// LoadVersion replaces the registry's state with a saved blob. The blob is
// fully decoded before anything is published; on error nothing changes.
//
// Names the schema no longer has are skipped. Stored values that fail the
// current range checks fall back to the default. Tunables missing from the
// blob keep their current values. Flag words beyond the blob's width keep
// their current contents, and extra words in the blob are kept.
func (r *Registry) LoadVersion(blob []byte) error {
	d := decoder{b: blob}
	version := int32(d.u32())
	if d.err != nil {
		return d.err
	}
	if version < Version1 || version > CurrentVersion {
		return corrupt("unsupported version %d (this build understands 1..%d)", version, CurrentVersion)
	}

	count := int32(d.u32())
	if d.err != nil {
		return d.err
	}
	if count < 0 {
		return corrupt("negative tunable count %d", count)
	}

	loaded := make(map[int]uint64, min(int(count), len(r.tunables)))
	for n := int32(0); n < count; n++ {
		name := d.str()
		kind := Kind(d.u8())
		if d.err != nil {
			return d.err
		}
		var raw uint64
		var option string
		if kind == KindEnum && version >= Version2 {
			option = d.str()
		} else {
			raw = d.u64()
		}
		if d.err != nil {
			return d.err
		}

		i, ok := r.index[name]
		if !ok {
			log.Printf("registry: load: skipping %q, no longer in schema", name)
			continue
		}
		t := &r.tunables[i]
		if kind != t.Kind {
			return &Error{Code: CorruptState, Op: "load", Name: name,
				Msg: fmt.Sprintf("stored as %s, schema says %s", kindName(kind), t.Kind)}
		}

		var v Value
		if kind == KindEnum && version >= Version2 {
			v = Enum(option)
		} else {
			v = t.unpack(raw)
		}
		if kind == KindEnum && version == Version1 && v.Enum() == "" {
			log.Printf("registry: load: %s: stored option index %d out of range, using default %s", name, raw, t.Default)
			loaded[i], _ = t.encode(t.Default)
			continue
		}
		enc, err := t.encode(v)
		if err != nil {
			log.Printf("registry: load: %s: stored value %s rejected (%s), using default %s", name, v, err.Msg, t.Default)
			enc, _ = t.encode(t.Default)
		}
		loaded[i] = enc
	}

	var words []uint64
	if version == Version1 {
		words = []uint64{d.u64()}
	} else {
		nw := int(d.u16())
		if d.err == nil && nw*8 > len(d.b)-d.off {
			return corrupt("flag word count %d exceeds remaining %d bytes", nw, len(d.b)-d.off)
		}
		words = make([]uint64, nw)
		for i := range words {
			words[i] = d.u64()
		}
	}
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.b) {
		return corrupt("%d trailing bytes after flags", len(d.b)-d.off)
	}

	r.mu.Lock()
	cur := r.state.Load()
	next := &snapshot{values: slices.Clone(cur.values), words: slices.Clone(cur.words)}
	for i, raw := range loaded {
		next.values[i] = raw
	}
	if len(words) > len(next.words) {
		next.words = append(next.words, make([]uint64, len(words)-len(next.words))...)
	}
	copy(next.words, words)
	r.state.Store(next)
	st := r.stampLocked()
	r.mu.Unlock()

	r.afterLoad(version, cur, next, st)
	return nil
}

// afterLoad announces a bulk load and reconciles any named flag it flipped.
func (r *Registry) afterLoad(version int32, prev, next *snapshot, st stamp) {
	r.opts.Bus.Emit(events.Event{
		Type: events.EvLoaded,
		New:  fmt.Sprintf("v%d", version),
		Time: st.at,
		Seq:  st.seq,
		Data: map[string]any{"version": version},
	})
	for i, f := range r.flags.defs {
		if bitSet(prev.words, f.Bit) != bitSet(next.words, f.Bit) {
			r.flags.runCallbacks(i)
		}
	}
}

// decoder reads big-endian fields and records the first short read.
type decoder struct {
	b   []byte
	off int
	err *Error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > len(d.b)-d.off {
		d.err = corrupt("truncated at offset %d (need %d bytes, have %d)", d.off, n, len(d.b)-d.off)
		return nil
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) u8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if p := d.take(2); p != nil {
		return binary.BigEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil {
		return binary.BigEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if p := d.take(8); p != nil {
		return binary.BigEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) str() string {
	n := int(d.u16())
	if p := d.take(n); p != nil {
		return string(p)
	}
	return ""
}
