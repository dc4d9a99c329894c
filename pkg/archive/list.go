package archive

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Info describes an archive on disk.
type Info struct {
	Path     string    `json:"path"`
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Manifest *Manifest `json:"manifest,omitempty"`
}

// List returns the archives in dir, newest first. Unreadable manifests
// leave Manifest nil.
func List(dir string) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "worldtune-*.tar.gz"))
	if err != nil {
		return nil, fmt.Errorf("archive: glob %s: %w", dir, err)
	}
	out := make([]Info, 0, len(matches))
	for _, path := range matches {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		in := Info{Path: path, Filename: filepath.Base(path), Size: st.Size()}
		if m, err := ReadManifest(path); err == nil {
			in.Manifest = m
		}
		out = append(out, in)
	}
	// Names embed a sortable UTC timestamp.
	sort.Slice(out, func(i, j int) bool { return out[i].Filename > out[j].Filename })
	return out, nil
}

// Prune deletes all but the newest keep archives in dir and returns how
// many were removed. keep <= 0 keeps everything.
func Prune(dir string, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	all, err := List(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, in := range all[min(keep, len(all)):] {
		if err := os.Remove(in.Path); err != nil {
			log.Printf("archive: prune %s: %v", in.Path, err)
			continue
		}
		removed++
	}
	return removed, nil
}

// ReadManifest returns the manifest of the archive at path.
func ReadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("archive: %s has no manifest", path)
		}
		if err != nil {
			return nil, err
		}
		if hdr.Name != manifestName {
			continue
		}
		var m Manifest
		if err := json.NewDecoder(tr).Decode(&m); err != nil {
			return nil, fmt.Errorf("archive: manifest: %w", err)
		}
		return &m, nil
	}
}
