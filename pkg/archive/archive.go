// Package archive writes and restores .tar.gz snapshots of a world's tuning
// state: the bolt file holding the registry blob and override journal, the
// audit database, and the seed and config files.
package archive

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	manifestName = "manifest.json"
	boltName     = "data/worldtune.bolt"
	auditName    = "data/audit.db"
)

// Manifest describes an archive's contents.
type Manifest struct {
	Version    int                  `json:"version"`
	Server     string               `json:"server"`
	Timestamp  string               `json:"timestamp"`
	SaveFormat int32                `json:"save_format"`
	Tunables   int                  `json:"tunables"`
	FlagsHex   string               `json:"flags_hex,omitempty"`
	Files      map[string]FileEntry `json:"files"`
}

// FileEntry is one file inside an archive.
type FileEntry struct {
	SHA256 string `json:"sha256"`
	Size   int64  `json:"size"`
	Type   string `json:"type"` // "bolt", "audit", "conf"
}

// Params are the inputs to Create.
type Params struct {
	Dir  string    // Output directory
	Time time.Time // Names the file; zero means now

	BoltSnapshot    func(dest string) error // Hot copy of the bolt file (required)
	AuditPath       string                  // SQLite audit file, empty = skip
	AuditCheckpoint func() error            // Flush the WAL before copying
	ConfFiles       []string                // Seed and config files, missing ones skipped

	Server     string
	SaveFormat int32
	Tunables   int
	FlagsHex   string
}

// Create writes an archive into p.Dir and returns its path.
func Create(p Params) (string, error) {
	if p.BoltSnapshot == nil {
		return "", fmt.Errorf("archive: no bolt snapshot")
	}
	if err := os.MkdirAll(p.Dir, 0755); err != nil {
		return "", fmt.Errorf("archive: create dir %s: %w", p.Dir, err)
	}
	at := p.Time
	if at.IsZero() {
		at = time.Now()
	}
	path := filepath.Join(p.Dir, fileName(at))

	stage, err := os.MkdirTemp("", "worldtune-archive-*")
	if err != nil {
		return "", fmt.Errorf("archive: temp dir: %w", err)
	}
	defer os.RemoveAll(stage)

	type staged struct{ src, name, typ string }
	var files []staged

	boltStaged := filepath.Join(stage, "worldtune.bolt")
	if err := p.BoltSnapshot(boltStaged); err != nil {
		return "", fmt.Errorf("archive: bolt snapshot: %w", err)
	}
	files = append(files, staged{boltStaged, boltName, "bolt"})

	if p.AuditPath != "" {
		if p.AuditCheckpoint != nil {
			if err := p.AuditCheckpoint(); err != nil {
				return "", fmt.Errorf("archive: audit checkpoint: %w", err)
			}
		}
		auditStaged := filepath.Join(stage, "audit.db")
		if err := copyFile(p.AuditPath, auditStaged); err != nil {
			return "", fmt.Errorf("archive: copy audit: %w", err)
		}
		files = append(files, staged{auditStaged, auditName, "audit"})
	}
	for _, c := range p.ConfFiles {
		if c == "" {
			continue
		}
		if _, err := os.Stat(c); err == nil {
			files = append(files, staged{c, "conf/" + filepath.Base(c), "conf"})
		}
	}

	m := Manifest{
		Version:    1,
		Server:     p.Server,
		Timestamp:  at.UTC().Format(time.RFC3339),
		SaveFormat: p.SaveFormat,
		Tunables:   p.Tunables,
		FlagsHex:   p.FlagsHex,
		Files:      make(map[string]FileEntry, len(files)),
	}

	// Write to a temp name so a crash never leaves a half archive that
	// List would pick up.
	tmp := path + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("archive: create %s: %w", tmp, err)
	}
	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)
	fail := func(err error) (string, error) {
		tw.Close()
		gw.Close()
		out.Close()
		os.Remove(tmp)
		return "", err
	}

	for _, f := range files {
		entry, err := addFile(tw, f.src, f.name, at)
		if err != nil {
			return fail(err)
		}
		entry.Type = f.typ
		m.Files[f.name] = entry
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("archive: marshal manifest: %w", err))
	}
	if err := tw.WriteHeader(&tar.Header{Name: manifestName, Size: int64(len(data)), Mode: 0644, ModTime: at}); err != nil {
		return fail(fmt.Errorf("archive: manifest header: %w", err))
	}
	if _, err := tw.Write(data); err != nil {
		return fail(fmt.Errorf("archive: write manifest: %w", err))
	}

	if err := tw.Close(); err != nil {
		return fail(fmt.Errorf("archive: close tar: %w", err))
	}
	if err := gw.Close(); err != nil {
		return fail(fmt.Errorf("archive: close gzip: %w", err))
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("archive: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("archive: rename: %w", err)
	}
	return path, nil
}

func fileName(at time.Time) string {
	return fmt.Sprintf("worldtune-%s.tar.gz", at.UTC().Format("20060102-150405.000"))
}

// addFile copies src into the tar as name and hashes it on the way.
func addFile(tw *tar.Writer, src, name string, at time.Time) (FileEntry, error) {
	f, err := os.Open(src)
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: open %s: %w", src, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: stat %s: %w", src, err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: name, Size: info.Size(), Mode: 0644, ModTime: at}); err != nil {
		return FileEntry{}, fmt.Errorf("archive: header %s: %w", name, err)
	}
	h := sha256.New()
	n, err := io.Copy(tw, io.TeeReader(f, h))
	if err != nil {
		return FileEntry{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	return FileEntry{SHA256: hex.EncodeToString(h.Sum(nil)), Size: n}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
