package server

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/crystal-mush/worldtune/pkg/access"
	"github.com/crystal-mush/worldtune/pkg/archive"
	"github.com/crystal-mush/worldtune/pkg/boltstore"
	"github.com/crystal-mush/worldtune/pkg/events"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/schema"
)

// SaveResult describes one completed save.
type SaveResult struct {
	Version int32     `json:"version"`
	Bytes   int       `json:"bytes"`
	At      time.Time `json:"at"`
	Archive string    `json:"archive,omitempty"`
}

// Saver writes the registry blob to the bolt store and keeps rolling
// archives. Its Run loop waits WorldSaveFrequency minutes between saves,
// re-reading the tunable every cycle.
type Saver struct {
	reg    *registry.Registry
	store  *boltstore.Store
	format int32

	backupDir string
	auditPath string
	auditSync func() error
	confFiles []string

	freq registry.Ref
	keep registry.Ref
	unit time.Duration
	now  func() time.Time
	mu   sync.Mutex // one save at a time
	kick chan struct{}
}

// SaverOptions configures a Saver. Zero Format writes the current version.
type SaverOptions struct {
	Format    int32
	BackupDir string
	AuditPath string
	AuditSync func() error
	ConfFiles []string
	Unit      time.Duration // length of one WorldSaveFrequency step, default a minute
	Now       func() time.Time
}

// NewSaver creates a saver for reg.
func NewSaver(reg *registry.Registry, store *boltstore.Store, opts SaverOptions) *Saver {
	if opts.Format == 0 {
		opts.Format = registry.CurrentVersion
	}
	if opts.Unit <= 0 {
		opts.Unit = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Saver{
		reg:       reg,
		store:     store,
		format:    opts.Format,
		backupDir: opts.BackupDir,
		auditPath: opts.AuditPath,
		auditSync: opts.AuditSync,
		confFiles: opts.ConfFiles,
		freq:      reg.MustRef(schema.WorldSaveFrequency),
		keep:      reg.MustRef(schema.WorldSaveBackups),
		unit:      opts.Unit,
		now:       opts.Now,
		kick:      make(chan struct{}, 1),
	}
}

// Format is the blob version Save writes.
func (s *Saver) Format() int32 { return s.format }

// Period is the current wait between automatic saves. It is at least one
// unit and never wraps past the largest representable duration.
func (s *Saver) Period() time.Duration {
	n := s.freq.Int()
	if n < 1 {
		n = 1
	}
	if limit := int64(math.MaxInt64 / s.unit); n > limit {
		n = limit
	}
	return time.Duration(n) * s.unit
}

// Save writes the blob now. An archive is written too when a backup dir is
// configured and WorldSaveBackups is above zero.
func (s *Saver) Save() (SaveResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.reg.SaveAs(s.format)
	if err != nil {
		return SaveResult{}, fmt.Errorf("save: encode v%d: %w", s.format, err)
	}
	at := s.now()
	if err := s.store.SaveRegistry(blob, s.format, at); err != nil {
		return SaveResult{}, err
	}
	res := SaveResult{Version: s.format, Bytes: len(blob), At: at}

	if keep := int(s.keep.Int()); s.backupDir != "" && keep > 0 {
		path, err := archive.Create(archive.Params{
			Dir:             s.backupDir,
			Time:            at,
			BoltSnapshot:    s.store.Backup,
			AuditPath:       s.auditPath,
			AuditCheckpoint: s.auditSync,
			ConfFiles:       s.confFiles,
			Server:          VersionString(),
			SaveFormat:      s.format,
			Tunables:        len(s.reg.Tunables()),
			FlagsHex:        s.reg.Flags().Hex(),
		})
		if err != nil {
			log.Printf("save: archive failed: %v", err)
		} else {
			res.Archive = path
			if n, err := archive.Prune(s.backupDir, keep); err != nil {
				log.Printf("save: prune: %v", err)
			} else if n > 0 {
				DebugLog("save: pruned %d old archives", n)
			}
		}
	}

	s.reg.Bus().Emit(events.Event{
		Type:   events.EvSaved,
		Caller: access.System("autosave"),
		Time:   at,
		Data:   map[string]any{"version": res.Version, "bytes": res.Bytes, "archive": res.Archive},
	})
	DebugLog("save: %d bytes, format %d", res.Bytes, res.Version)
	return res, nil
}

// Reschedule makes a running loop re-read WorldSaveFrequency now instead
// of at the end of the current wait.
func (s *Saver) Reschedule() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run saves every Period until ctx is done.
func (s *Saver) Run(ctx context.Context) {
	period := s.Period()
	timer := time.NewTimer(period)
	defer timer.Stop()
	log.Printf("save: autosave every %s", period)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.kick:
			if p := s.Period(); p != period {
				log.Printf("save: autosave period now %s", p)
				period = p
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(period)
			}
		case <-timer.C:
			if _, err := s.Save(); err != nil {
				log.Printf("save: autosave failed: %v", err)
			}
			period = s.Period()
			timer.Reset(period)
		}
	}
}
