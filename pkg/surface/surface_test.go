package surface

import (
	"errors"
	"testing"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/registry"
)

var (
	guest = access.Caller{ID: "visitor", Level: access.Guest}
	op    = access.Caller{ID: "opal", Level: access.Operator}
	admin = access.Caller{ID: "ada", Level: access.Administrator}
	owner = access.Caller{ID: "root", Level: access.Owner}
)

func newSurface(t *testing.T) *Surface {
	t.Helper()
	reg, err := registry.New(registry.Schema{
		Tunables: []registry.Tunable{
			{Name: "WorldSaveFrequency", Kind: registry.KindInt, Default: registry.Int(5),
				WriteFloor: access.Administrator, Check: registry.IntAtLeast(1)},
			{Name: "CorpseDecay", Kind: registry.KindDuration, Default: registry.Duration(7 * time.Minute),
				ReadFloor: access.Operator, WriteFloor: access.Operator},
			{Name: "VendorRestockRate", Kind: registry.KindFloat, Default: registry.Float(0.5),
				WriteFloor: access.Administrator, Check: registry.Fraction()},
			{Name: "AccountWipeEnabled", Kind: registry.KindBool, Default: registry.Bool(false),
				ReadFloor: access.Owner, WriteFloor: access.Owner},
		},
		Flags: []registry.Flag{
			{Name: "GlobalEventActive", Bit: 0, WriteFloor: access.Administrator},
		},
	}, registry.Options{Strict: true})
	if err != nil {
		t.Fatal(err)
	}
	s := New(reg)
	err = s.AddDerived(Derived{Name: "FeatureFlagsHex", ReadFloor: access.Operator,
		Compute: reg.Flags().Hex})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func names(props []Property) []string {
	var out []string
	for _, p := range props {
		out = append(out, p.Name)
	}
	return out
}

func TestEnumerateFiltersAndSorts(t *testing.T) {
	s := newSurface(t)
	tests := []struct {
		caller access.Caller
		want   []string
	}{
		{guest, []string{"GlobalEventActive", "VendorRestockRate", "WorldSaveFrequency"}},
		{op, []string{"CorpseDecay", "FeatureFlagsHex", "GlobalEventActive", "VendorRestockRate", "WorldSaveFrequency"}},
		{owner, []string{"AccountWipeEnabled", "CorpseDecay", "FeatureFlagsHex", "GlobalEventActive", "VendorRestockRate", "WorldSaveFrequency"}},
	}
	for _, tt := range tests {
		got := names(s.Enumerate(tt.caller))
		if len(got) != len(tt.want) {
			t.Errorf("%v: got %v, want %v", tt.caller, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("%v: got %v, want %v", tt.caller, got, tt.want)
				break
			}
		}
	}
}

func TestReadOnlyMarking(t *testing.T) {
	s := newSurface(t)
	for _, p := range s.Enumerate(op) {
		switch p.Name {
		case "CorpseDecay":
			if p.ReadOnly {
				t.Error("operator should be able to write CorpseDecay")
			}
		case "WorldSaveFrequency", "FeatureFlagsHex":
			if !p.ReadOnly {
				t.Errorf("%s should be read-only for an operator", p.Name)
			}
		}
	}
}

func TestReadWrite(t *testing.T) {
	s := newSurface(t)

	if _, err := s.Read("AccountWipeEnabled", admin); !errors.Is(err, registry.ErrPermissionDenied) {
		t.Errorf("admin read of owner-only = %v", err)
	}
	if _, err := s.Read("Nope", owner); !errors.Is(err, registry.ErrUnknownTunable) {
		t.Errorf("read unknown = %v", err)
	}

	tests := []struct {
		name, raw string
		caller    access.Caller
		want      error
	}{
		{"WorldSaveFrequency", "10", admin, nil},
		{"WorldSaveFrequency", "10", guest, registry.ErrPermissionDenied},
		// Permission wins over a bad value.
		{"WorldSaveFrequency", "ten", guest, registry.ErrPermissionDenied},
		{"WorldSaveFrequency", "ten", admin, registry.ErrOutOfRange},
		{"WorldSaveFrequency", "0", admin, registry.ErrOutOfRange},
		{"CorpseDecay", "90", op, nil},
		{"CorpseDecay", "18446744074", op, registry.ErrOutOfRange},
		{"VendorRestockRate", "75%", admin, nil},
		{"GlobalEventActive", "on", admin, nil},
		{"GlobalEventActive", "maybe", admin, registry.ErrOutOfRange},
		{"FeatureFlagsHex", "0x0", owner, registry.ErrPermissionDenied},
		{"Missing", "1", owner, registry.ErrUnknownTunable},
	}
	for _, tt := range tests {
		err := s.Write(tt.name, tt.raw, tt.caller)
		if tt.want == nil && err != nil {
			t.Errorf("Write(%s, %q) = %v", tt.name, tt.raw, err)
		} else if tt.want != nil && !errors.Is(err, tt.want) {
			t.Errorf("Write(%s, %q) = %v, want %v", tt.name, tt.raw, err, tt.want)
		}
	}

	want := map[string]string{
		"WorldSaveFrequency": "10",
		"CorpseDecay":        "1m30s",
		"VendorRestockRate":  "0.75",
		"GlobalEventActive":  "true",
		"FeatureFlagsHex":    "0x0000000000000001",
	}
	for name, v := range want {
		p, err := s.Read(name, owner)
		if err != nil {
			t.Fatal(err)
		}
		if p.Value != v {
			t.Errorf("%s = %q, want %q", name, p.Value, v)
		}
	}
}

func TestConsoles(t *testing.T) {
	s := newSurface(t)
	if err := s.AddConsole(Console{Name: "world", Names: []string{"WorldSaveFrequency", "CorpseDecay"}}); err != nil {
		t.Fatal(err)
	}
	// The same tunable in a second console is the same value.
	if err := s.AddConsole(Console{Name: "ops", Names: []string{"WorldSaveFrequency", "FeatureFlagsHex"}}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddConsole(Console{Name: "bad", Names: []string{"Typo"}}); err == nil {
		t.Error("console with unknown name accepted")
	}

	if err := s.Write("WorldSaveFrequency", "12", admin); err != nil {
		t.Fatal(err)
	}
	for _, c := range []string{"world", "ops"} {
		props, err := s.EnumerateConsole(c, op)
		if err != nil {
			t.Fatal(err)
		}
		found := false
		for _, p := range props {
			if p.Name == "WorldSaveFrequency" {
				found = true
				if p.Value != "12" {
					t.Errorf("console %s shows %s", c, p.Value)
				}
			}
		}
		if !found {
			t.Errorf("console %s missing WorldSaveFrequency", c)
		}
	}

	props, _ := s.EnumerateConsole("world", guest)
	if got := names(props); len(got) != 1 || got[0] != "WorldSaveFrequency" {
		t.Errorf("guest world console = %v", got)
	}
	if _, err := s.EnumerateConsole("nope", owner); err == nil {
		t.Error("unknown console accepted")
	}
	if len(s.Consoles()) != 2 {
		t.Errorf("Consoles() = %d", len(s.Consoles()))
	}
}

func TestDerivedNameConflicts(t *testing.T) {
	s := newSurface(t)
	if err := s.AddDerived(Derived{Name: "WorldSaveFrequency", Compute: func() string { return "" }}); err == nil {
		t.Error("derived shadowing a tunable accepted")
	}
	if err := s.AddDerived(Derived{Name: "FeatureFlagsHex", Compute: func() string { return "" }}); err == nil {
		t.Error("duplicate derived accepted")
	}
}
