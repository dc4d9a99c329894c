package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/boltstore"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/schema"
)

var (
	opCaller    = access.Caller{ID: "opal", Level: access.Operator}
	adminCaller = access.Caller{ID: "ada", Level: access.Administrator}
	ownerCaller = access.Caller{ID: "root", Level: access.Owner}
)

func testConf(t *testing.T) *Conf {
	t.Helper()
	dir := t.TempDir()
	c := DefaultConf()
	c.BoltPath = filepath.Join(dir, "data", "worldtune.bolt")
	c.AuditDB = filepath.Join(dir, "data", "audit.db")
	c.BackupDir = filepath.Join(dir, "backups")
	c.WebEnabled = false
	c.WebRateLimit = 0
	c.JWTSecret = "test-secret"
	return c
}

func openServer(t *testing.T, c *Conf) *Server {
	t.Helper()
	s, err := Open(c)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func writeSeed(t *testing.T, c *Conf, body string) {
	t.Helper()
	c.SeedFile = filepath.Join(filepath.Dir(c.BoltPath), "..", "seed.yaml")
	if err := os.WriteFile(c.SeedFile, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestFirstBootAppliesSeed(t *testing.T) {
	c := testConf(t)
	writeSeed(t, c, `values:
  WorldSaveFrequency: "10"
  SkillGainRate: 30%
  StatCap: "5"
flags:
  DoubleHarvest: true
  FactionWars: false
`)
	s := openServer(t, c)
	if !s.FirstBoot() {
		t.Error("fresh store not treated as first boot")
	}
	reg := s.Registry
	if reg.Int(schema.WorldSaveFrequency) != 10 || reg.Float(schema.SkillGainRate) != 0.3 {
		t.Errorf("seed values not applied: %d %v", reg.Int(schema.WorldSaveFrequency), reg.Float(schema.SkillGainRate))
	}
	if reg.Int(schema.StatCap) != 225 {
		t.Error("out-of-range seed value applied")
	}
	fs := reg.Flags()
	if !fs.IsSet(schema.FlagDoubleHarvest) || fs.IsSet(schema.FlagFactionWars) {
		t.Error("seed flags not applied")
	}
	if !s.Store.HasRegistry() {
		t.Error("seeded state not saved")
	}
}

func TestRestartKeepsStateAndSkipsSeed(t *testing.T) {
	c := testConf(t)
	writeSeed(t, c, "values:\n  WorldSaveFrequency: \"10\"\n")

	s, err := Open(c)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Registry.Set(schema.WorldSaveFrequency, registry.Int(20), adminCaller); err != nil {
		t.Fatal(err)
	}
	if err := s.Registry.Flags().SetFlag(schema.FlagArenaTournaments, adminCaller); err != nil {
		t.Fatal(err)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	s = openServer(t, c)
	if s.FirstBoot() {
		t.Error("saved state ignored")
	}
	if got := s.Registry.Int(schema.WorldSaveFrequency); got != 20 {
		t.Errorf("WorldSaveFrequency = %d, want 20", got)
	}
	if !s.Registry.Flags().IsSet(schema.FlagArenaTournaments) {
		t.Error("flag above bit 63 lost across restart")
	}
}

func TestCorruptStateRefusesToOpen(t *testing.T) {
	c := testConf(t)
	os.MkdirAll(filepath.Dir(c.BoltPath), 0755)
	st, err := boltstore.Open(c.BoltPath)
	if err != nil {
		t.Fatal(err)
	}
	st.SaveRegistry([]byte{0, 0, 0, 2, 0xff}, 2, time.Now())
	st.Close()

	_, err = Open(c)
	if !errors.Is(err, registry.ErrCorruptState) {
		t.Fatalf("Open = %v, want CorruptState", err)
	}
	// The failed open must release the bolt lock.
	st, err = boltstore.Open(c.BoltPath)
	if err != nil {
		t.Fatalf("bolt still locked: %v", err)
	}
	st.Close()
}

func TestOpenOverrideRecoveredAfterCrash(t *testing.T) {
	c := testConf(t)
	s, err := Open(c)
	if err != nil {
		t.Fatal(err)
	}
	o, err := s.Overrides.Create(schema.SpawnDensity)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Write(schema.SpawnDensity, "4", adminCaller); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Saver.Save(); err != nil {
		t.Fatal(err)
	}
	// Crash: the stores close but the override is never restored.
	s.closeStores()

	s = openServer(t, c)
	if got := s.Registry.Float(schema.SpawnDensity); got != 1 {
		t.Errorf("SpawnDensity = %v after recovery, want 1", got)
	}
	if recs, _ := s.Store.LoadOverrides(); len(recs) != 0 {
		t.Errorf("journal still holds %d overrides", len(recs))
	}
}

func TestOverrideRecoveredWhenSavedBetweenWrites(t *testing.T) {
	c := testConf(t)
	s, err := Open(c)
	if err != nil {
		t.Fatal(err)
	}
	o, err := s.Overrides.Create(schema.SpawnDensity)
	if err != nil {
		t.Fatal(err)
	}
	if err := o.Write(schema.SpawnDensity, "4", adminCaller); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Saver.Save(); err != nil {
		t.Fatal(err)
	}
	if err := o.Write(schema.SpawnDensity, "2", adminCaller); err != nil {
		t.Fatal(err)
	}
	s.closeStores()

	s = openServer(t, c)
	if got := s.Registry.Float(schema.SpawnDensity); got != 1 {
		t.Errorf("SpawnDensity = %v after recovery, want 1", got)
	}
}

func TestShutdownRestoresOverrides(t *testing.T) {
	c := testConf(t)
	s, err := Open(c)
	if err != nil {
		t.Fatal(err)
	}
	o, _ := s.Overrides.Create(schema.HarvestBonus)
	o.Write(schema.HarvestBonus, "3", adminCaller)
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}

	s = openServer(t, c)
	if got := s.Registry.Float(schema.HarvestBonus); got != 1 {
		t.Errorf("HarvestBonus = %v, override leaked into the save", got)
	}
}

func TestOverrideLifetimeTunable(t *testing.T) {
	s := openServer(t, testConf(t))
	if err := s.Registry.Set(schema.OverrideLifetime, registry.Duration(30*time.Minute), ownerCaller); err != nil {
		t.Fatal(err)
	}
	o, err := s.Overrides.Create(schema.CorpseDecay)
	if err != nil {
		t.Fatal(err)
	}
	if d := time.Until(o.ExpiresAt()); d > 30*time.Minute || d < 29*time.Minute {
		t.Errorf("override lives %v", d)
	}
}
