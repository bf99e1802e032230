// Package builder generates release records for a bundle output directory.
//
// A build validates its configuration, enumerates bundles from the
// dependency manifest, fingerprints each one, writes version.json and
// files.json into the output directory and copies both into the baseline
// directory that ships with the application. There are no retries: any
// failure aborts the build.
package builder

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"deltapatch/internal/catalog"
	"deltapatch/internal/debug"
	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/fingerprint"
	"deltapatch/internal/manifest"

	"github.com/spf13/afero"
)

// Config holds the inputs of one release build.
type Config struct {
	App        string
	Version    string
	URL        string
	MinVersion string
	BundlesDir string
	// BaselineDir receives copies of the records; the application reads it at runtime.
	BaselineDir string
	// ProjectDir is the root that asset identifiers are relative to.
	ProjectDir  string
	ShortHash   bool
	PrettyPrint bool
	Workers     int
	// CopyBundles also copies the bundle files into BaselineDir.
	CopyBundles bool
}

// DefaultConfig returns a Config with short hashes and pretty printing on.
func DefaultConfig() Config {
	return Config{
		ShortHash:   true,
		PrettyPrint: true,
	}
}

// ValidationError lists every reason a Config was rejected.
type ValidationError struct {
	Reasons []string
}

func (e ValidationError) Error() string {
	return "invalid build settings: " + strings.Join(e.Reasons, "; ")
}

// Validate returns human-readable reasons the configuration cannot be built.
// An empty result means the configuration is valid.
func (c Config) Validate(fs afero.Fs) []string {
	var reasons []string
	if strings.TrimSpace(c.BundlesDir) == "" {
		reasons = append(reasons, "bundles directory is not set")
	} else if ok, err := afero.DirExists(fs, c.BundlesDir); err != nil || !ok {
		reasons = append(reasons, fmt.Sprintf("bundles directory (%s) does not exist", c.BundlesDir))
	}
	if strings.TrimSpace(c.Version) == "" {
		reasons = append(reasons, "version cannot be empty")
	}
	if strings.TrimSpace(c.URL) == "" {
		reasons = append(reasons, "url cannot be empty")
	}
	if strings.TrimSpace(c.App) == "" {
		reasons = append(reasons, "app cannot be empty")
	}
	if strings.TrimSpace(c.BaselineDir) == "" {
		reasons = append(reasons, "baseline directory is not set")
	}
	return reasons
}

// VersionRecord returns the version record described by the configuration.
func (c Config) VersionRecord() manifest.VersionRecord {
	return manifest.VersionRecord{
		App:        c.App,
		Version:    c.Version,
		URL:        c.URL,
		MinVersion: c.MinVersion,
	}
}

// Result describes the records a build produced.
type Result struct {
	Version manifest.VersionRecord
	Files   manifest.FileListRecord
	// Written lists every file the build created or replaced.
	Written []string
}

// Builder runs release builds against a filesystem.
type Builder struct {
	fs afero.Fs
}

// New creates a Builder. A nil fs selects the OS filesystem.
func New(fs afero.Fs) *Builder {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Builder{fs: fs}
}

// Build generates and publishes the records for cfg.
func (b *Builder) Build(ctx context.Context, cfg Config) (*Result, error) {
	if reasons := cfg.Validate(b.fs); len(reasons) > 0 {
		for _, r := range reasons {
			debug.Errorf("build settings: %s", r)
		}
		return nil, appErrors.New(appErrors.CodeConfiguration, "invalid build settings", ValidationError{Reasons: reasons})
	}

	cat, err := catalog.Load(b.fs, cfg.BundlesDir)
	if err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "load bundle catalog", err)
	}
	debug.Logf("build %s %s: %d bundles in %s", cfg.App, cfg.Version, len(cat.Bundles), cfg.BundlesDir)

	projectDir := cfg.ProjectDir
	if strings.TrimSpace(projectDir) == "" {
		projectDir = "."
	}
	fp := fingerprint.New(b.fs, projectDir,
		fingerprint.WithShortHash(cfg.ShortHash),
		fingerprint.WithWorkers(cfg.Workers),
	)
	entries, err := fp.Entries(ctx, cfg.BundlesDir, cat.Bundles)
	if err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "fingerprint bundles", err)
	}

	res := &Result{
		Version: cfg.VersionRecord(),
		Files: manifest.FileListRecord{
			App:     cfg.App,
			Version: cfg.Version,
			Files:   entries,
		},
	}
	if err := res.Files.Validate(); err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "build file list", err)
	}

	versionPath := filepath.Join(cfg.BundlesDir, manifest.VersionFile)
	fileListPath := filepath.Join(cfg.BundlesDir, manifest.FileListFile)
	if err := b.writeRecord(versionPath, res.Version, cfg.PrettyPrint); err != nil {
		return nil, err
	}
	if err := b.writeRecord(fileListPath, res.Files, cfg.PrettyPrint); err != nil {
		return nil, err
	}
	res.Written = append(res.Written, versionPath, fileListPath)

	//nolint:gosec // G301: baseline directory ships with the application
	if err := b.fs.MkdirAll(cfg.BaselineDir, 0755); err != nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "create baseline directory", err)
	}
	copies := []string{manifest.VersionFile, manifest.FileListFile}
	if cfg.CopyBundles {
		copies = append(copies, cat.Names()...)
	}
	for _, name := range copies {
		src := filepath.Join(cfg.BundlesDir, filepath.FromSlash(name))
		dst := filepath.Join(cfg.BaselineDir, filepath.FromSlash(name))
		if err := copyFile(b.fs, src, dst); err != nil {
			return nil, appErrors.New(appErrors.CodeLocalIO, "copy to baseline", err)
		}
		res.Written = append(res.Written, dst)
	}

	debug.Logf("build %s %s: wrote %d files", cfg.App, cfg.Version, len(res.Written))
	return res, nil
}

func (b *Builder) writeRecord(path string, v any, pretty bool) error {
	data, err := manifest.Encode(v, pretty)
	if err != nil {
		return appErrors.New(appErrors.CodeLocalIO, "encode record", err)
	}
	if err := afero.WriteFile(b.fs, path, data, 0644); err != nil {
		return appErrors.New(appErrors.CodeLocalIO, fmt.Sprintf("write %s", path), err)
	}
	return nil
}

// copyFile copies src over dest through a temporary file and a rename.
func copyFile(fs afero.Fs, src, dest string) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("open source file %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	//nolint:gosec // G301: mirrors the bundle output layout
	if err := fs.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create parent directory for %s: %w", dest, err)
	}

	tmp := dest + ".tmp"
	out, err := fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create temporary file %s: %w", tmp, err)
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("copy %s to %s: %w", src, tmp, copyErr)
	}
	if closeErr != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("close temporary file %s: %w", tmp, closeErr)
	}
	if err := fs.Rename(tmp, dest); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("replace %s with %s: %w", dest, tmp, err)
	}
	return nil
}
