package server

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/surface"
)

// Seed is the on-disk starting state for a world:
//
//	values:
//	  WorldSaveFrequency: "10"
//	  SkillGainRate: 30%
//	flags:
//	  DoubleHarvest: true
type Seed struct {
	Values map[string]string `yaml:"values,omitempty"`
	Flags  map[string]bool   `yaml:"flags,omitempty"`
}

// LoadSeed reads a seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("seed: reading %s: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("seed: parsing %s: %w", path, err)
	}
	return &s, nil
}

// ApplySeed writes every seed entry through the surface as caller, so the
// usual floors and checks apply. Entries are applied in name order; a bad
// entry is reported and the rest still go through.
func ApplySeed(s *Seed, surf *surface.Surface, caller access.Caller) (int, error) {
	applied := 0
	var errs []error
	for _, name := range sortedKeys(s.Values) {
		if err := surf.Write(name, s.Values[name], caller); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	for _, name := range sortedKeys(s.Flags) {
		if err := surf.Write(name, strconv.FormatBool(s.Flags[name]), caller); err != nil {
			errs = append(errs, err)
			continue
		}
		applied++
	}
	return applied, errors.Join(errs...)
}

// ExportSeed captures the registry's current state as a seed.
func ExportSeed(reg *registry.Registry) *Seed {
	view := reg.View()
	s := &Seed{Values: make(map[string]string), Flags: make(map[string]bool)}
	for _, t := range reg.Tunables() {
		v, _ := view.Get(t.Name)
		s.Values[t.Name] = v.String()
	}
	for _, f := range reg.Flags().Defs() {
		s.Flags[f.Name] = view.IsSet(f.Name)
	}
	return s
}

// Marshal renders the seed as YAML.
func (s *Seed) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WatchSeedFile watches the seed file's directory and emits EvSeedChanged
// on bus when the file is written or replaced. It does not apply anything;
// an Owner applies the new seed from the console. The returned watcher is
// closed by the caller.
func WatchSeedFile(path string, bus *events.Bus) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("seed: starting watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	// Editors save by rename, so watch the directory rather than the file.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("seed: watching %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				log.Printf("seed: %s changed on disk; apply it with POST /api/v1/seeds/apply", abs)
				bus.Emit(events.Event{Type: events.EvSeedChanged, Name: abs, Caller: access.System("seed"), Time: time.Now()})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("seed: watcher error: %v", err)
			}
		}
	}()
	log.Printf("seed: watching %s", abs)
	return watcher, nil
}
