package archive

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func snapshotOf(body string) func(string) error {
	return func(dest string) error { return os.WriteFile(dest, []byte(body), 0600) }
}

func TestCreateAndRestore(t *testing.T) {
	src := t.TempDir()
	seed := filepath.Join(src, "seed.yaml")
	audit := filepath.Join(src, "audit.db")
	writeFile(t, seed, "values:\n  StatCap: \"250\"\n")
	writeFile(t, audit, "audit rows")

	out := t.TempDir()
	at := time.Date(2026, 7, 4, 3, 0, 0, 0, time.UTC)
	path, err := Create(Params{
		Dir: out, Time: at,
		BoltSnapshot: snapshotOf("bolt bytes"),
		AuditPath:    audit,
		ConfFiles:    []string{seed, filepath.Join(src, "missing.yaml")},
		Server:       "worldtune test", SaveFormat: 2, Tunables: 23,
	})
	if err != nil {
		t.Fatal(err)
	}
	m, err := ReadManifest(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Files) != 3 || m.SaveFormat != 2 || m.Tunables != 23 {
		t.Fatalf("manifest = %+v", m)
	}

	dst := t.TempDir()
	existing := filepath.Join(dst, "conf", "seed.yaml")
	os.MkdirAll(filepath.Dir(existing), 0755)
	writeFile(t, existing, "local edits")

	res, err := Restore(RestoreParams{
		ArchivePath: path,
		BoltDest:    filepath.Join(dst, "data", "worldtune.bolt"),
		AuditDest:   filepath.Join(dst, "data", "audit.db"),
		ConfDir:     filepath.Join(dst, "conf"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.FilesRestored != 2 || len(res.Warnings) != 1 {
		t.Errorf("result = %+v", res)
	}
	if b, _ := os.ReadFile(filepath.Join(dst, "data", "worldtune.bolt")); string(b) != "bolt bytes" {
		t.Errorf("bolt = %q", b)
	}
	if b, _ := os.ReadFile(existing); string(b) != "local edits" {
		t.Errorf("conf overwritten without OverwriteConf: %q", b)
	}
}

func TestRestoreRejectsDamagedArchive(t *testing.T) {
	out := t.TempDir()
	path, err := Create(Params{Dir: out, BoltSnapshot: snapshotOf("x")})
	if err != nil {
		t.Fatal(err)
	}
	b, _ := os.ReadFile(path)
	writeFile(t, path, string(b[:len(b)/2]))

	dest := filepath.Join(t.TempDir(), "w.bolt")
	if _, err := Restore(RestoreParams{ArchivePath: path, BoltDest: dest}); err == nil {
		t.Fatal("truncated archive restored")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("bolt written from a damaged archive")
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 5 {
		if _, err := Create(Params{Dir: dir, Time: base.Add(time.Duration(i) * time.Hour), BoltSnapshot: snapshotOf("x")}); err != nil {
			t.Fatal(err)
		}
	}
	n, err := Prune(dir, 2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("removed %d", n)
	}
	left, _ := List(dir)
	if len(left) != 2 || left[0].Filename != fileName(base.Add(4*time.Hour)) {
		t.Errorf("left = %+v", left)
	}
	if n, _ := Prune(dir, 0); n != 0 {
		t.Error("keep 0 pruned archives")
	}
}
