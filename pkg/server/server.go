package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/audit"
	"github.com/crystal-mush/worldtune/pkg/boltstore"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/override"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/schema"
	"github.com/crystal-mush/worldtune/pkg/surface"
)

// Server ties the registry to its storage, audit trail, overrides and
// console.
type Server struct {
	Conf      *Conf
	Bus       *events.Bus
	Registry  *registry.Registry
	Surface   *surface.Surface
	Overrides *override.Manager
	Store     *boltstore.Store
	Audit     *audit.Log // nil when audit_db is empty
	Saver     *Saver
	Metrics   *Metrics
	Auth      *AuthService
	Logins    *Operators
	Web       *WebServer

	startTime time.Time
	firstBoot bool
	seedWatch *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

var _ MetricSource = (*Server)(nil)

// Open builds a server from c: it opens the stores, loads the saved
// registry, puts back anything a crashed process's overrides left behind,
// and seeds a fresh world. A saved blob that fails to decode is returned as
// a CorruptState error and nothing is started.
func Open(c *Conf) (*Server, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Debug {
		SetDebug(true)
	}
	floor, err := access.ParseLevel(c.OverrideFloor)
	if err != nil {
		return nil, fmt.Errorf("conf: override_floor: %w", err)
	}

	s := &Server{Conf: c, Bus: events.NewBus(), startTime: time.Now()}
	ok := false
	defer func() {
		if !ok {
			s.closeStores()
		}
	}()

	if err := os.MkdirAll(filepath.Dir(c.BoltPath), 0755); err != nil {
		return nil, fmt.Errorf("server: data dir: %w", err)
	}
	if s.Store, err = boltstore.Open(c.BoltPath); err != nil {
		return nil, err
	}
	var auditor registry.Auditor
	if c.AuditDB != "" {
		if err := os.MkdirAll(filepath.Dir(c.AuditDB), 0755); err != nil {
			return nil, fmt.Errorf("server: audit dir: %w", err)
		}
		if s.Audit, err = audit.Open(c.AuditDB, c.AuditQueue); err != nil {
			return nil, err
		}
		auditor = s.Audit
	}

	s.Registry, err = registry.New(schema.World(), registry.Options{
		Strict:  c.Strict,
		Auditor: auditor,
		Bus:     s.Bus,
	})
	if err != nil {
		return nil, fmt.Errorf("server: schema: %w", err)
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}

	s.Surface = surface.New(s.Registry)
	if err := schema.Install(s.Surface); err != nil {
		return nil, fmt.Errorf("server: consoles: %w", err)
	}

	s.Overrides = override.NewManager(s.Registry, override.Options{
		Floor:    floor,
		Journal:  s.Store,
		Bus:      s.Bus,
		Lifetime: s.Registry.MustRef(schema.OverrideLifetime).Duration,
	})
	if n, err := s.Overrides.Recover(); err != nil {
		return nil, err
	} else if n > 0 {
		log.Printf("server: restored values from %d overrides left open by the last run", n)
	}

	s.Metrics = NewMetrics(s, s.startTime)
	s.Bus.SubscribeGlobal(s.Metrics)

	saverOpts := SaverOptions{
		Format:    c.SaveFormat,
		BackupDir: c.BackupDir,
		ConfFiles: []string{c.SeedFile},
	}
	if s.Audit != nil {
		saverOpts.AuditPath = s.Audit.Path()
		saverOpts.AuditSync = s.Audit.Checkpoint
	}
	s.Saver = NewSaver(s.Registry, s.Store, saverOpts)
	s.Bus.Subscribe(schema.WorldSaveFrequency, events.SubscriberFunc(func(events.Event) {
		s.Saver.Reschedule()
	}))

	if s.firstBoot {
		s.seed()
	}
	s.logCheck()

	s.Auth = NewAuthService(c.JWTSecret, c.JWTExpiry)
	s.Logins = NewOperators(c.Operators)
	s.Web = NewWebServer(s)
	ok = true
	return s, nil
}

// loadState decodes the saved blob, if any, into the registry.
func (s *Server) loadState() error {
	blob, err := s.Store.LoadRegistry()
	if err != nil {
		return err
	}
	if blob == nil {
		s.firstBoot = true
		log.Printf("server: no saved state in %s, starting from defaults", s.Store.Path())
		return nil
	}
	if err := s.Registry.LoadVersion(blob); err != nil {
		return fmt.Errorf("server: loading %s: %w", s.Store.Path(), err)
	}
	v, _ := registry.PeekVersion(blob)
	log.Printf("server: loaded saved state (format %d, %d bytes)", v, len(blob))
	return nil
}

// seed applies the seed file to a fresh world and saves the result.
func (s *Server) seed() {
	if s.Conf.SeedFile != "" {
		sd, err := LoadSeed(s.Conf.SeedFile)
		if err != nil {
			log.Printf("server: %v", err)
		} else {
			n, err := ApplySeed(sd, s.Surface, access.System("seed"))
			log.Printf("server: applied %d seed values from %s", n, s.Conf.SeedFile)
			if err != nil {
				log.Printf("server: seed problems: %v", err)
			}
		}
	}
	if _, err := s.Saver.Save(); err != nil {
		log.Printf("server: initial save: %v", err)
	}
}

// FirstBoot reports whether Open found no saved state.
func (s *Server) FirstBoot() bool { return s.firstBoot }

// Uptime returns how long the server has been open.
func (s *Server) Uptime() time.Duration { return time.Since(s.startTime) }

// LiveOverrides implements MetricSource.
func (s *Server) LiveOverrides() int { return s.Overrides.Live() }

// AuditDropped implements MetricSource.
func (s *Server) AuditDropped() uint64 {
	if s.Audit == nil {
		return 0
	}
	return s.Audit.Dropped()
}

// Start runs the autosave loop, the seed watcher and the console. It
// returns once they are launched.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Saver.Run(ctx)
	}()

	if s.Conf.WatchSeed && s.Conf.SeedFile != "" {
		w, err := WatchSeedFile(s.Conf.SeedFile, s.Bus)
		if err != nil {
			log.Printf("server: %v", err)
		} else {
			s.seedWatch = w
		}
	}

	if s.Conf.WebEnabled {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.Web.Start(ctx); err != nil {
				log.Printf("web: %v", err)
			}
		}()
	}
	log.Printf("%s started: %d tunables, %d flags", VersionString(),
		len(s.Registry.Tunables()), len(s.Registry.Flags().Defs()))
	return nil
}

// Shutdown stops the console, puts back every override's values, writes a
// final save and closes the stores.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.Conf.WebEnabled {
			if err := s.Web.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("web: %w", err))
			}
		}
		if s.seedWatch != nil {
			s.seedWatch.Close()
		}
		s.wg.Wait()

		s.Overrides.CloseAll()
		if _, err := s.Saver.Save(); err != nil {
			errs = append(errs, err)
		}
		if err := s.closeStores(); err != nil {
			errs = append(errs, err)
		}
		log.Printf("server: shut down after %s", s.Uptime().Truncate(time.Second))
	})
	return errors.Join(errs...)
}

func (s *Server) closeStores() error {
	var errs []error
	if s.Audit != nil {
		if err := s.Audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.Store != nil {
		if err := s.Store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
