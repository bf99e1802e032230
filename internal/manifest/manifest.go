// Package manifest defines the release records exchanged between the build
// step and the update client, and the codec that moves them to and from disk.
//
// A release is described by two records that always travel together:
//   - VersionRecord (version.json): what the release is and where it lives
//   - FileListRecord (files.json): every content bundle with its size and fingerprint
package manifest

import (
	"fmt"
	"path"
	"strings"
)

// Well-known record filenames, identical in the baseline directory, the
// staging directory and on the remote host.
const (
	VersionFile  = "version.json"
	FileListFile = "files.json"
	// PartialSuffix marks a download that has not been committed yet.
	PartialSuffix = ".part"
)

// VersionRecord describes a release.
type VersionRecord struct {
	App     string `json:"app"`
	Version string `json:"version"`
	// URL is the base address for remote records and delta files.
	URL string `json:"url"`
	// MinVersion is the oldest local version that can still patch incrementally.
	MinVersion string `json:"minVersion"`
}

// FileEntry is one content bundle of a release.
type FileEntry struct {
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	Fingerprint string `json:"fingerprint"`
}

// FileListRecord is the full content manifest of a release.
type FileListRecord struct {
	App     string      `json:"app"`
	Version string      `json:"version"`
	Files   []FileEntry `json:"files"`
}

// Validate checks that every entry has a path and that paths are unique.
func (r FileListRecord) Validate() error {
	seen := make(map[string]struct{}, len(r.Files))
	for i, f := range r.Files {
		if strings.TrimSpace(f.Path) == "" {
			return fmt.Errorf("file entry %d has an empty path", i)
		}
		if reserved(f.Path) {
			return fmt.Errorf("file entry %q uses a reserved name", f.Path)
		}
		if _, dup := seen[f.Path]; dup {
			return fmt.Errorf("duplicate file entry %q", f.Path)
		}
		seen[f.Path] = struct{}{}
	}
	return nil
}

// reserved reports whether p would collide with a record or an unfinished download.
func reserved(p string) bool {
	clean := path.Clean("/" + strings.TrimSpace(p))[1:]
	return clean == VersionFile || clean == FileListFile || strings.HasSuffix(clean, PartialSuffix)
}

// Index returns the entries keyed by path.
func (r FileListRecord) Index() map[string]FileEntry {
	idx := make(map[string]FileEntry, len(r.Files))
	for _, f := range r.Files {
		idx[f.Path] = f
	}
	return idx
}

// TotalSize returns the sum of all entry sizes.
func TotalSize(entries []FileEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	return total
}

// Upsert returns a copy of r with entry replacing the one at the same path, or
// appended when the path is new.
func (r FileListRecord) Upsert(entry FileEntry) FileListRecord {
	out := FileListRecord{App: r.App, Version: r.Version, Files: make([]FileEntry, 0, len(r.Files)+1)}
	replaced := false
	for _, f := range r.Files {
		if f.Path == entry.Path {
			out.Files = append(out.Files, entry)
			replaced = true
			continue
		}
		out.Files = append(out.Files, f)
	}
	if !replaced {
		out.Files = append(out.Files, entry)
	}
	return out
}
