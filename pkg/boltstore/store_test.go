package boltstore

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/crystal-mush/worldtune/pkg/override"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tune.bolt"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRegistryBlob(t *testing.T) {
	s := openTemp(t)
	if s.HasRegistry() {
		t.Fatal("fresh store claims a registry")
	}
	blob, err := s.LoadRegistry()
	if err != nil || blob != nil {
		t.Fatalf("LoadRegistry on empty = %v, %v", blob, err)
	}

	at := time.Date(2026, 7, 4, 3, 0, 0, 0, time.UTC)
	want := []byte{0, 0, 0, 2, 0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}
	if err := s.SaveRegistry(want, 2, at); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRegistry(want, 2, at.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadRegistry()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("blob = %v", got)
	}
	m, err := s.Meta()
	if err != nil {
		t.Fatal(err)
	}
	if m.Version != 2 || m.Saves != 2 || !m.SavedAt.Equal(at.Add(time.Minute)) {
		t.Errorf("meta = %+v", m)
	}
}

func TestOverrideJournal(t *testing.T) {
	s := openTemp(t)
	base := time.Date(2026, 7, 4, 3, 0, 0, 0, time.UTC)
	a := override.Info{ID: "a", Owner: "ada", State: override.Active, Names: []string{"SpawnRate"},
		CreatedAt: base.Add(time.Minute), ExpiresAt: base.Add(time.Hour),
		Saved: map[string]string{"SpawnRate": "1"}, Written: map[string]string{"SpawnRate": "3"}}
	b := override.Info{ID: "b", Names: []string{"BossTier"}, CreatedAt: base,
		Saved: map[string]string{"BossTier": "Normal"}}
	for _, in := range []override.Info{a, b} {
		if err := s.PutOverride(in); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.LoadOverrides()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("overrides = %+v", got)
	}
	if got[1].State != override.Active || got[1].Written["SpawnRate"] != "3" {
		t.Errorf("record a = %+v", got[1])
	}

	if err := s.DeleteOverride("b"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadOverrides()
	if len(got) != 1 {
		t.Errorf("after delete = %d", len(got))
	}
}

func TestBackup(t *testing.T) {
	s := openTemp(t)
	s.SaveRegistry([]byte("blob"), 2, time.Now())
	path := filepath.Join(t.TempDir(), "backup.bolt")
	if err := s.Backup(path); err != nil {
		t.Fatal(err)
	}
	b, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	got, _ := b.LoadRegistry()
	if string(got) != "blob" {
		t.Errorf("backup blob = %q", got)
	}
}
