package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/crystal-mush/worldtune/pkg/archive"
	"github.com/crystal-mush/worldtune/pkg/registry"
	"github.com/crystal-mush/worldtune/pkg/server"
)

// envDefault returns the environment variable value if set, otherwise the fallback.
func envDefault(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

func main() {
	confFile := flag.String("conf", envDefault("TUNE_CONF", ""), "Path to server config file (env: TUNE_CONF)")
	boltPath := flag.String("bolt", envDefault("TUNE_BOLT", ""), "Path to bbolt state database, overrides config (env: TUNE_BOLT)")
	auditPath := flag.String("audit", envDefault("TUNE_AUDIT", ""), "Path to SQLite audit log, overrides config (env: TUNE_AUDIT)")
	seedFile := flag.String("seed", envDefault("TUNE_SEED", ""), "Seed file applied on first boot (env: TUNE_SEED)")
	port := flag.Int("port", 0, "Console HTTPS port, overrides config (env: TUNE_PORT)")
	debug := flag.Bool("debug", os.Getenv("TUNE_DEBUG") == "true", "Enable debug logging (env: TUNE_DEBUG)")
	strict := flag.Bool("strict", os.Getenv("TUNE_STRICT") == "true", "Panic on unknown tunable names (env: TUNE_STRICT)")
	restoreArchive := flag.String("restore", envDefault("TUNE_RESTORE", ""), "Restore from archive before boot (env: TUNE_RESTORE)")
	overwriteConf := flag.Bool("restore-conf", false, "Let -restore overwrite existing config files")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(server.VersionString())
		return
	}
	log.Printf("Welcome to %s", server.VersionString())

	if *port == 0 {
		if envPort := os.Getenv("TUNE_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				*port = p
			}
		}
	}

	var conf *server.Conf
	if *confFile != "" {
		var err error
		conf, err = server.LoadConf(*confFile)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
		log.Printf("Loaded config from %s", *confFile)
	} else {
		conf = server.DefaultConf()
	}

	// Command-line flags override config file values
	if *boltPath != "" {
		conf.BoltPath = *boltPath
	}
	if *auditPath != "" {
		conf.AuditDB = *auditPath
	}
	if *seedFile != "" {
		conf.SeedFile = *seedFile
	}
	if *port != 0 {
		conf.WebPort = *port
	}
	if *debug {
		conf.Debug = true
	}
	if *strict {
		conf.Strict = true
	}

	// Pre-boot restore from archive
	if *restoreArchive != "" {
		log.Printf("Restoring from archive: %s", *restoreArchive)
		confDir := ""
		if *confFile != "" {
			confDir = filepath.Dir(*confFile)
		}
		result, err := archive.Restore(archive.RestoreParams{
			ArchivePath:   *restoreArchive,
			BoltDest:      conf.BoltPath,
			AuditDest:     conf.AuditDB,
			ConfDir:       confDir,
			OverwriteConf: *overwriteConf,
		})
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		log.Printf("Restore complete: %d files restored (saved %s)", result.FilesRestored,
			result.Manifest.Timestamp)
		for _, w := range result.Warnings {
			log.Printf("Restore warning: %s", w)
		}
	}

	if conf.Debug {
		server.SetDebug(true)
	}
	if conf.WebEnabled && conf.JWTSecret == "" {
		log.Printf("WARNING: no jwt_secret configured; console tokens will not survive a restart")
	}

	srv, err := server.Open(conf)
	if err != nil {
		if errors.Is(err, registry.ErrCorruptState) {
			log.Fatalf("Refusing to start: saved state in %s is damaged: %v. Restore an archive with -restore.",
				conf.BoltPath, err)
		}
		log.Fatalf("Error opening server: %v", err)
	}
	if srv.FirstBoot() {
		log.Printf("First boot: seeded state written to %s", conf.BoltPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	if conf.WebEnabled {
		log.Printf("Console listening on %s:%d", conf.WebHost, conf.WebPort)
	}

	<-ctx.Done()
	log.Printf("Shutting down...")
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		log.Printf("Shutdown: %v", err)
		os.Exit(1)
	}
}
