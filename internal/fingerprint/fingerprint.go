// Package fingerprint computes content-identity digests for content bundles.
//
// A bundle fingerprint is derived from the bundle's logical contents, not the
// bytes of the bundle container: every packed asset is hashed together with
// its companion metadata file, and the per-asset digests are folded in the
// bundle's enumeration order. Repacking the same assets yields the same
// fingerprint; touching any asset or its metadata changes it.
//
// The digest is MD5. It identifies content; it does not authenticate it.
package fingerprint

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"

	"deltapatch/internal/catalog"
	"deltapatch/internal/debug"
	"deltapatch/internal/manifest"

	"github.com/sourcegraph/conc/iter"
	"github.com/spf13/afero"
)

// MetaExt is the suffix of the metadata file that accompanies every asset.
const MetaExt = ".meta"

// ShortLen is the length of a fingerprint in short-hash mode.
const ShortLen = 8

// Fingerprinter hashes bundles whose assets live under a project root.
type Fingerprinter struct {
	fs        afero.Fs
	root      string
	shortHash bool
	workers   int
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithShortHash truncates bundle fingerprints to ShortLen hex characters.
func WithShortHash(short bool) Option {
	return func(f *Fingerprinter) {
		f.shortHash = short
	}
}

// WithWorkers bounds the number of concurrent hashing goroutines.
// Values below 1 select runtime.NumCPU().
func WithWorkers(n int) Option {
	return func(f *Fingerprinter) {
		f.workers = n
	}
}

// New creates a Fingerprinter reading assets relative to root.
func New(fs afero.Fs, root string, opts ...Option) *Fingerprinter {
	f := &Fingerprinter{
		fs:   fs,
		root: root,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.workers < 1 {
		f.workers = runtime.NumCPU()
	}
	return f
}

// AssetDigest returns md5(md5(asset) + md5(asset.meta)) as lowercase hex.
func (f *Fingerprinter) AssetDigest(id string) (string, error) {
	p := filepath.Join(f.root, filepath.FromSlash(id))
	content, err := f.hashFile(p)
	if err != nil {
		return "", fmt.Errorf("hash asset %s: %w", id, err)
	}
	meta, err := f.hashFile(p + MetaExt)
	if err != nil {
		return "", fmt.Errorf("hash asset metadata %s: %w", id, err)
	}
	return hashString(content + meta), nil
}

// Bundle returns the fingerprint of one bundle. Per-asset digests are
// computed in parallel and concatenated in enumeration order.
func (f *Fingerprinter) Bundle(ctx context.Context, b catalog.Bundle) (string, error) {
	return f.bundle(ctx, b, f.workers)
}

func (f *Fingerprinter) bundle(ctx context.Context, b catalog.Bundle, workers int) (string, error) {
	mapper := iter.Mapper[string, string]{MaxGoroutines: workers}
	digests, err := mapper.MapErr(b.Assets, func(id *string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return f.AssetDigest(*id)
	})
	if err != nil {
		return "", fmt.Errorf("fingerprint bundle %s: %w", b.Name, err)
	}
	return f.fold(digests), nil
}

// fold combines per-asset digests; digests must already be in enumeration order.
func (f *Fingerprinter) fold(digests []string) string {
	sum := hashString(strings.Join(digests, ""))
	if f.shortHash && len(sum) > ShortLen {
		return sum[:ShortLen]
	}
	return sum
}

// Entries fingerprints every bundle of a catalog in parallel and returns one
// FileEntry per bundle in catalog order. Size is the on-disk length of the
// bundle file in bundlesDir.
//
// The worker budget is shared: bundles run concurrently and each gets an equal
// slice of the budget for its assets, so at most f.workers files are hashed at once.
func (f *Fingerprinter) Entries(ctx context.Context, bundlesDir string, bundles []catalog.Bundle) ([]manifest.FileEntry, error) {
	outer := min(f.workers, max(1, len(bundles)))
	inner := max(1, f.workers/outer)
	mapper := iter.Mapper[catalog.Bundle, manifest.FileEntry]{MaxGoroutines: outer}
	return mapper.MapErr(bundles, func(b *catalog.Bundle) (manifest.FileEntry, error) {
		if err := ctx.Err(); err != nil {
			return manifest.FileEntry{}, err
		}
		info, err := f.fs.Stat(filepath.Join(bundlesDir, filepath.FromSlash(b.Name)))
		if err != nil {
			return manifest.FileEntry{}, fmt.Errorf("stat bundle %s: %w", b.Name, err)
		}
		sum, err := f.bundle(ctx, *b, inner)
		if err != nil {
			return manifest.FileEntry{}, err
		}
		debug.Logf("bundle %s: %d assets, %d bytes, fingerprint %s", b.Name, len(b.Assets), info.Size(), sum)
		return manifest.FileEntry{
			Path:        b.Name,
			Size:        info.Size(),
			Fingerprint: sum,
		}, nil
	})
}

func (f *Fingerprinter) hashFile(path string) (string, error) {
	file, err := f.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = file.Close() }()

	//nolint:gosec // G401: MD5 is a content identity, not a security boundary
	h := md5.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func hashString(s string) string {
	//nolint:gosec // G401: MD5 is a content identity, not a security boundary
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
