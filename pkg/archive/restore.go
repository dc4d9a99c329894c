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
	"strings"
)

// RestoreParams says where restored files go. Empty destinations are
// skipped. Existing conf files are kept unless OverwriteConf is set.
type RestoreParams struct {
	ArchivePath   string
	BoltDest      string
	AuditDest     string
	ConfDir       string
	OverwriteConf bool
}

// RestoreResult summarizes a restore.
type RestoreResult struct {
	Manifest      *Manifest
	FilesRestored int
	Warnings      []string
}

// Restore checks every file against the manifest, then copies them into
// place. Nothing is copied if any checksum fails. The server must not be
// running.
func Restore(p RestoreParams) (*RestoreResult, error) {
	tmp, err := os.MkdirTemp("", "worldtune-restore-*")
	if err != nil {
		return nil, fmt.Errorf("restore: temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extract(p.ArchivePath, tmp); err != nil {
		return nil, fmt.Errorf("restore: extract: %w", err)
	}
	data, err := os.ReadFile(filepath.Join(tmp, manifestName))
	if err != nil {
		return nil, fmt.Errorf("restore: %s has no manifest", p.ArchivePath)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("restore: parse manifest: %w", err)
	}
	for name, entry := range m.Files {
		sum, err := fileSHA256(filepath.Join(tmp, filepath.FromSlash(name)))
		if err != nil {
			return nil, fmt.Errorf("restore: checksum %s: %w", name, err)
		}
		if sum != entry.SHA256 {
			return nil, fmt.Errorf("restore: checksum mismatch for %s", name)
		}
	}

	res := &RestoreResult{Manifest: &m}
	place := func(name, dest string) error {
		src := filepath.Join(tmp, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		if err := copyFile(src, dest); err != nil {
			return fmt.Errorf("restore: copy %s: %w", name, err)
		}
		res.FilesRestored++
		return nil
	}

	for name, entry := range m.Files {
		switch {
		case entry.Type == "bolt" && p.BoltDest != "":
			err = place(name, p.BoltDest)
		case entry.Type == "audit" && p.AuditDest != "":
			// Stale WAL files would be replayed over the restored database.
			os.Remove(p.AuditDest + "-wal")
			os.Remove(p.AuditDest + "-shm")
			err = place(name, p.AuditDest)
		case entry.Type == "conf" && p.ConfDir != "":
			dest := filepath.Join(p.ConfDir, filepath.Base(name))
			if _, statErr := os.Stat(dest); statErr == nil && !p.OverwriteConf {
				res.Warnings = append(res.Warnings, "kept current "+dest)
				continue
			}
			err = place(name, dest)
		}
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func extract(path, dest string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gr.Close()

	root := filepath.Clean(dest) + string(os.PathSeparator)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, root) {
			return fmt.Errorf("invalid archive entry: %s", hdr.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
	}
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
