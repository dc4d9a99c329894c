package registry

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
)

// mutate puts a registry into a state that differs from defaults everywhere.
func mutate(t *testing.T, r *Registry) {
	t.Helper()
	steps := []error{
		r.Set("WorldSaveFrequency", Int(42), admin),
		r.Set("LootDecay", Duration(90*time.Minute), op),
		r.Set("SkillGainRate", Float(0.125), admin),
		r.Set("RuleSet", Enum("Renaissance"), owner),
		r.Set("AccountWipeEnabled", Bool(true), owner),
		r.Flags().SetFlag("GlobalEventActive", admin),
		r.Flags().ClearFlag("DoubleHarvest", op),
	}
	for _, err := range steps {
		if err != nil {
			t.Fatal(err)
		}
	}
}

func sameState(t *testing.T, a, b *Registry) {
	t.Helper()
	for _, tn := range a.Tunables() {
		av, _ := a.Get(tn.Name)
		bv, _ := b.Get(tn.Name)
		if !av.Equal(bv) {
			t.Errorf("%s: %v != %v", tn.Name, av, bv)
		}
	}
	if a.Flags().Hex() != b.Flags().Hex() {
		t.Errorf("flags: %s != %s", a.Flags().Hex(), b.Flags().Hex())
	}
}

func TestRoundTripEveryVersion(t *testing.T) {
	for v := Version1; v <= CurrentVersion; v++ {
		src := newTestRegistry(t, Options{Strict: true})
		mutate(t, src)
		blob, err := src.SaveAs(v)
		if err != nil {
			t.Fatalf("v%d: SaveAs: %v", v, err)
		}
		if got, _ := PeekVersion(blob); got != v {
			t.Errorf("PeekVersion = %d, want %d", got, v)
		}

		dst := newTestRegistry(t, Options{Strict: true})
		if err := dst.LoadVersion(blob); err != nil {
			t.Fatalf("v%d: LoadVersion: %v", v, err)
		}
		sameState(t, src, dst)

		// Save/load is idempotent.
		again, _ := dst.SaveAs(v)
		if string(again) != string(blob) {
			t.Errorf("v%d: re-save differs", v)
		}
	}
}

func TestSaveV1RefusesHighBits(t *testing.T) {
	r := newTestRegistry(t, Options{Strict: true})
	r.Flags().SetFlag("ArenaOpen", admin)
	if _, err := r.SaveAs(Version1); err == nil {
		t.Error("v1 save with bit 70 set should fail")
	}
	if _, err := r.SaveAs(CurrentVersion + 1); err == nil {
		t.Error("save of unknown version should fail")
	}
}

func TestLoadRejectsBadVersions(t *testing.T) {
	r := newTestRegistry(t, Options{Strict: true})
	good, _ := r.SaveVersion()
	for _, tag := range []int32{0, -1, CurrentVersion + 1, 1 << 20} {
		blob := append([]byte(nil), good...)
		binary.BigEndian.PutUint32(blob, uint32(tag))
		if err := r.LoadVersion(blob); !errors.Is(err, ErrCorruptState) {
			t.Errorf("tag %d: err = %v, want corrupt state", tag, err)
		}
	}
}

func TestLoadRejectsDamage(t *testing.T) {
	src := newTestRegistry(t, Options{Strict: true})
	mutate(t, src)
	good, _ := src.SaveVersion()

	dst := newTestRegistry(t, Options{Strict: true})
	for cut := 0; cut < len(good); cut += 7 {
		if err := dst.LoadVersion(good[:cut]); !errors.Is(err, ErrCorruptState) {
			t.Errorf("truncated to %d: err = %v", cut, err)
		}
	}
	if err := dst.LoadVersion(append(append([]byte(nil), good...), 0)); !errors.Is(err, ErrCorruptState) {
		t.Errorf("trailing byte: err = %v", err)
	}
	// Failed loads leave the registry untouched.
	if dst.Int("WorldSaveFrequency") != 5 || dst.Flags().IsSet("GlobalEventActive") {
		t.Error("failed load changed state")
	}
}

func TestLoadKindMismatchIsCorrupt(t *testing.T) {
	other := testSchema()
	other.Tunables[0].Kind = KindFloat
	other.Tunables[0].Default = Float(5)
	other.Tunables[0].Check = nil
	src, err := New(other, Options{})
	if err != nil {
		t.Fatal(err)
	}
	blob, _ := src.SaveVersion()
	dst := newTestRegistry(t, Options{Strict: true})
	if err := dst.LoadVersion(blob); !errors.Is(err, ErrCorruptState) {
		t.Errorf("err = %v, want corrupt state", err)
	}
}

func TestLoadMigratesForward(t *testing.T) {
	// An older build allowed a larger range and had one more tunable.
	old := testSchema()
	old.Tunables[1].Check = nil
	old.Tunables = append(old.Tunables, Tunable{Name: "RetiredKnob", Kind: KindInt, Default: Int(3),
		WriteFloor: access.Owner})
	src, err := New(old, Options{})
	if err != nil {
		t.Fatal(err)
	}
	src.Set("LootDecay", Duration(24*time.Hour), owner)
	src.Set("WorldSaveFrequency", Int(15), owner)
	blob, _ := src.SaveVersion()

	dst := newTestRegistry(t, Options{Strict: true})
	if err := dst.LoadVersion(blob); err != nil {
		t.Fatalf("LoadVersion: %v", err)
	}
	if got := dst.Duration("LootDecay"); got != 10*time.Minute {
		t.Errorf("out-of-range value not reset: %v", got)
	}
	if got := dst.Int("WorldSaveFrequency"); got != 15 {
		t.Errorf("WorldSaveFrequency = %d", got)
	}
}

func TestUnknownBitPreservation(t *testing.T) {
	// A blob from a build that knew bit 100.
	wide := testSchema()
	wide.Flags = append(wide.Flags, Flag{Name: "FutureThing", Bit: 100, WriteFloor: access.Owner})
	wide.FlagWidth = 192
	src, err := New(wide, Options{})
	if err != nil {
		t.Fatal(err)
	}
	src.Flags().SetFlag("FutureThing", owner)
	blob, _ := src.SaveVersion()
	srcWords := src.Flags().Words()

	dst := newTestRegistry(t, Options{Strict: true})
	if err := dst.LoadVersion(blob); err != nil {
		t.Fatal(err)
	}
	out, _ := dst.SaveVersion()
	back, _ := New(wide, Options{})
	if err := back.LoadVersion(out); err != nil {
		t.Fatal(err)
	}
	if !back.Flags().IsSet("FutureThing") {
		t.Error("unregistered bit 100 lost across load/save")
	}
	got := dst.Flags().Words()
	if len(got) != len(srcWords) {
		t.Fatalf("words = %d, want %d", len(got), len(srcWords))
	}
}

func TestNarrowBitsetLeavesUpperWords(t *testing.T) {
	r := newTestRegistry(t, Options{Strict: true})
	r.Flags().SetFlag("ArenaOpen", admin)

	// v1 blob carries only word 0.
	v1src := newTestRegistry(t, Options{Strict: true})
	v1src.Flags().SetFlag("GlobalEventActive", admin)
	blob, err := v1src.SaveAs(Version1)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.LoadVersion(blob); err != nil {
		t.Fatal(err)
	}
	if !r.Flags().IsSet("ArenaOpen") {
		t.Error("bit 70 cleared by a one-word load")
	}
	if !r.Flags().IsSet("GlobalEventActive") {
		t.Error("bit 0 not loaded")
	}
}

func TestLoadRunsCallbacksForFlippedFlags(t *testing.T) {
	src := newTestRegistry(t, Options{Strict: true})
	src.Flags().SetFlag("GlobalEventActive", admin)
	blob, _ := src.SaveVersion()

	dst := newTestRegistry(t, Options{Strict: true})
	calls := 0
	dst.Flags().OnChange("GlobalEventActive", func() { calls++ })
	dst.Flags().OnChange("DoubleHarvest", func() { t.Error("unchanged flag reconciled") })
	if err := dst.LoadVersion(blob); err != nil {
		t.Fatal(err)
	}
	if calls != 1 {
		t.Errorf("callback ran %d times", calls)
	}
}
