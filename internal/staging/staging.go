// Package staging owns the writable directory that holds the local release
// records and every downloaded content file.
//
// The directory mirrors the read-only baseline shipped with the application.
// Callers must serialize mutation: one update session per Store at a time.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/manifest"

	"github.com/spf13/afero"
)

// ErrOutsideDir is returned for paths that would resolve outside the staging directory.
var ErrOutsideDir = errors.New("path escapes staging directory")

// Store reads and writes one staging directory.
type Store struct {
	fs          afero.Fs
	dir         string
	baselineDir string
}

// New creates a Store for dir backed by baselineDir. A nil fs selects the OS filesystem.
func New(fsys afero.Fs, dir, baselineDir string) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	return &Store{fs: fsys, dir: filepath.Clean(dir), baselineDir: filepath.Clean(baselineDir)}
}

// Dir returns the staging directory.
func (s *Store) Dir() string {
	return s.dir
}

// BaselineVersion reads the version record shipped with the application.
func (s *Store) BaselineVersion() (manifest.VersionRecord, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.baselineDir, manifest.VersionFile))
	if err != nil {
		return manifest.VersionRecord{}, appErrors.New(appErrors.CodeMissingBaseline, "read baseline version record", err)
	}
	v, err := manifest.DecodeVersion(data)
	if err != nil {
		return manifest.VersionRecord{}, appErrors.New(appErrors.CodeMissingBaseline, "parse baseline version record", err)
	}
	return v, nil
}

// LocalVersion returns the staged version record, or nil when none exists.
func (s *Store) LocalVersion() (*manifest.VersionRecord, error) {
	data, err := s.readLocal(manifest.VersionFile)
	if err != nil || data == nil {
		return nil, err
	}
	v, err := manifest.DecodeVersion(data)
	if err != nil {
		return nil, appErrors.New(appErrors.CodeParseFailed, "parse local version record", err)
	}
	return &v, nil
}

// LocalFileList returns the staged file list, or nil when none exists.
func (s *Store) LocalFileList() (*manifest.FileListRecord, error) {
	data, err := s.readLocal(manifest.FileListFile)
	if err != nil || data == nil {
		return nil, err
	}
	fl, err := manifest.DecodeFileList(data)
	if err != nil {
		return nil, appErrors.New(appErrors.CodeParseFailed, "parse local file list", err)
	}
	return &fl, nil
}

func (s *Store) readLocal(name string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, name))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "read local "+name, err)
	}
	return data, nil
}

// Extract wipes the staging directory and reseeds it with the baseline records.
// Previously downloaded content is discarded.
func (s *Store) Extract() error {
	if err := s.CheckLayout(); err != nil {
		return err
	}
	for _, name := range []string{manifest.VersionFile, manifest.FileListFile} {
		if ok, _ := afero.Exists(s.fs, filepath.Join(s.baselineDir, name)); !ok {
			return appErrors.New(appErrors.CodeMissingBaseline, "baseline "+name+" not found in "+s.baselineDir, nil)
		}
	}
	if err := s.fs.RemoveAll(s.dir); err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "clear staging directory", err)
	}
	//nolint:gosec // G301: staging content is read back by the application
	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "create staging directory", err)
	}
	// Version record last, so an interrupted extract never looks complete.
	for _, name := range []string{manifest.FileListFile, manifest.VersionFile} {
		if err := s.copyIn(filepath.Join(s.baselineDir, name), name); err != nil {
			return appErrors.New(appErrors.CodeLocalIO, "extract "+name, err)
		}
	}
	return nil
}

// CheckLayout rejects a staging directory that is, contains or lies inside the
// baseline directory. The baseline must never be written or removed.
func (s *Store) CheckLayout() error {
	if within(s.dir, s.baselineDir) || within(s.baselineDir, s.dir) {
		return appErrors.New(appErrors.CodeConfiguration,
			fmt.Sprintf("staging directory %s overlaps baseline directory %s", s.dir, s.baselineDir), nil)
	}
	return nil
}

// within reports whether target is dir or lies below it.
func within(dir, target string) bool {
	rel, err := filepath.Rel(dir, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (s *Store) copyIn(src, rel string) error {
	in, err := s.fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	p, err := s.Create(rel)
	if err != nil {
		return err
	}
	if _, err := io.Copy(p, in); err != nil {
		p.Abort()
		return err
	}
	return p.Commit()
}

// Commit replaces both local records. The file list is written first and the
// version record last, each through a temporary file and a rename.
func (s *Store) Commit(v manifest.VersionRecord, fl manifest.FileListRecord, pretty bool) error {
	if err := fl.Validate(); err != nil {
		return appErrors.New(appErrors.CodeParseFailed, "commit file list", err)
	}
	flData, err := manifest.Encode(fl, pretty)
	if err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "encode file list", err)
	}
	vData, err := manifest.Encode(v, pretty)
	if err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "encode version record", err)
	}
	if err := s.writeFile(manifest.FileListFile, flData); err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "commit file list", err)
	}
	if err := s.writeFile(manifest.VersionFile, vData); err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "commit version record", err)
	}
	return nil
}

func (s *Store) writeFile(rel string, data []byte) error {
	p, err := s.Create(rel)
	if err != nil {
		return err
	}
	if _, err := p.Write(data); err != nil {
		p.Abort()
		return err
	}
	return p.Commit()
}

// Path resolves rel inside the staging directory.
func (s *Store) Path(rel string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(rel, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q", ErrOutsideDir, rel)
	}
	return filepath.Join(s.dir, clean), nil
}

// PendingFile is a staged write that becomes visible only on Commit.
type PendingFile struct {
	fs   afero.Fs
	f    afero.File
	tmp  string
	dest string
	done bool
}

// Create opens a pending write for rel, creating parent directories as needed.
// The temporary file gets a unique hidden name next to the destination, so it
// never collides with another staged path.
func (s *Store) Create(rel string) (*PendingFile, error) {
	if err := s.CheckLayout(); err != nil {
		return nil, err
	}
	dest, err := s.Path(rel)
	if err != nil {
		return nil, err
	}
	//nolint:gosec // G301: mirrors the remote layout
	if err := s.fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create parent directory for %s: %w", rel, err)
	}
	f, err := afero.TempFile(s.fs, filepath.Dir(dest), "."+filepath.Base(dest)+".*"+manifest.PartialSuffix)
	if err != nil {
		return nil, fmt.Errorf("create temporary file for %s: %w", rel, err)
	}
	return &PendingFile{fs: s.fs, f: f, tmp: f.Name(), dest: dest}, nil
}

// Write implements io.Writer.
func (p *PendingFile) Write(b []byte) (int, error) {
	return p.f.Write(b)
}

// Commit closes the file and moves it over its destination.
func (p *PendingFile) Commit() error {
	if p.done {
		return nil
	}
	p.done = true
	if err := p.f.Close(); err != nil {
		_ = p.fs.Remove(p.tmp)
		return fmt.Errorf("close %s: %w", p.tmp, err)
	}
	//nolint:gosec // G302: staged content is read back by the application
	if err := p.fs.Chmod(p.tmp, 0644); err != nil {
		_ = p.fs.Remove(p.tmp)
		return fmt.Errorf("chmod %s: %w", p.tmp, err)
	}
	if err := p.fs.Rename(p.tmp, p.dest); err != nil {
		_ = p.fs.Remove(p.tmp)
		return fmt.Errorf("replace %s: %w", p.dest, err)
	}
	return nil
}

// Abort discards the pending write. The destination is left untouched.
func (p *PendingFile) Abort() {
	if p.done {
		return
	}
	p.done = true
	_ = p.f.Close()
	_ = p.fs.Remove(p.tmp)
}

// Files lists staged content files relative to the staging directory, using
// forward slashes. Records and unfinished writes are excluded.
func (s *Store) Files() ([]string, error) {
	var files []string
	err := afero.Walk(s.fs, s.dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, manifest.PartialSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == manifest.VersionFile || rel == manifest.FileListFile {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "list staged files", err)
	}
	sort.Strings(files)
	return files, nil
}
