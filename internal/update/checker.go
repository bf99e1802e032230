package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deltapatch/internal/debug"
	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/manifest"
	"deltapatch/internal/staging"
	"deltapatch/internal/transport"
)

// Check compares the staging directory at patchDir with the remote release.
// It never returns a Go error: every failure is reported as CheckFailed with
// Err set, and no partial diff is retained.
func (c *Client) Check(ctx context.Context, patchDir string) CheckResult {
	if _, err := c.begin(StateChecking); err != nil {
		return CheckResult{Outcome: CheckFailed, PatchDir: patchDir, Err: err, CheckedAt: time.Now()}
	}

	c.diff = nil
	res := c.check(ctx, patchDir)
	res.PatchDir = patchDir
	res.CheckedAt = time.Now()
	if res.Outcome != UpdateAvailable {
		res.Diff = nil
		c.diff = nil
	}
	c.setState(stateFor(res.Outcome))

	if res.Err != nil {
		debug.Errorf("check %s: %v", patchDir, res.Err)
	} else {
		debug.Logf("check %s: %s (local %s, remote %s, %d files)", patchDir, res.Outcome, res.LocalVersion, res.RemoteVersion, len(res.Diff))
	}
	if c.journal != nil {
		if err := c.journal.RecordCheck(ctx, res); err != nil {
			debug.Warnf("record check: %v", err)
		}
	}
	return res
}

func (c *Client) check(ctx context.Context, patchDir string) CheckResult {
	var res CheckResult
	fail := func(err error) CheckResult {
		res.Outcome = CheckFailed
		res.Err = err
		return res
	}

	store := staging.New(c.fs, patchDir, c.baselineDir)
	if err := store.CheckLayout(); err != nil {
		return fail(err)
	}
	baseline, err := store.BaselineVersion()
	if err != nil {
		return fail(err)
	}
	res.BaselineVersion = baseline.Version

	local, err := store.LocalVersion()
	if err != nil {
		if !appErrors.IsCode(err, appErrors.CodeParseFailed) {
			return fail(err)
		}
		debug.Warnf("discarding unreadable local version record: %v", err)
		local = nil
	}
	if local == nil || Compare(baseline.Version, local.Version) > 0 {
		if local, err = c.extract(store); err != nil {
			return fail(err)
		}
		res.Extracted = true
	}
	res.LocalVersion = local.Version
	res.BaseURL = local.URL

	remote, err := fetchVersion(ctx, c.fetcher, local.URL)
	if err != nil {
		return fail(err)
	}
	res.RemoteVersion = remote.Version
	res.RemoteMinVersion = remote.MinVersion

	if Compare(local.Version, remote.MinVersion) < 0 {
		res.Outcome = MustReinstall
		return res
	}

	switch cmp := Compare(local.Version, remote.Version); {
	case cmp == 0:
		res.Outcome = UpToDate
		return res
	case cmp > 0:
		debug.Warnf("local (%s) is greater than remote (%s), restoring baseline", local.Version, remote.Version)
		if local, err = c.extract(store); err != nil {
			return fail(err)
		}
		res.Extracted = true
		res.LocalVersion = local.Version
		res.Outcome = UpToDate
		return res
	}

	localFiles, err := store.LocalFileList()
	if err != nil {
		if !appErrors.IsCode(err, appErrors.CodeParseFailed) {
			return fail(err)
		}
		debug.Warnf("discarding unreadable local file list: %v", err)
		localFiles = nil
	}
	remoteFiles, err := fetchFileList(ctx, c.fetcher, local.URL)
	if err != nil {
		return fail(err)
	}

	c.store = store
	c.local = *local
	c.localFiles = manifest.FileListRecord{App: local.App, Version: local.Version}
	if localFiles != nil {
		c.localFiles = *localFiles
	}
	c.remote = remote
	c.remoteFiles = remoteFiles
	c.baseURL = local.URL
	c.diff = manifest.Diff(localFiles, remoteFiles)

	res.Diff = c.diff
	res.Outcome = UpdateAvailable
	return res
}

func (c *Client) extract(store *staging.Store) (*manifest.VersionRecord, error) {
	if err := store.Extract(); err != nil {
		return nil, err
	}
	local, err := store.LocalVersion()
	if err != nil {
		return nil, err
	}
	if local == nil {
		return nil, appErrors.New(appErrors.CodeLocalIO, "local version record missing after extract", nil)
	}
	debug.Logf("extracted baseline %s into %s", local.Version, store.Dir())
	return local, nil
}

func fetchVersion(ctx context.Context, f transport.Fetcher, baseURL string) (manifest.VersionRecord, error) {
	data, err := fetchRecord(ctx, f, baseURL, manifest.VersionFile)
	if err != nil {
		return manifest.VersionRecord{}, err
	}
	v, err := manifest.DecodeVersion(data)
	if err != nil {
		return manifest.VersionRecord{}, appErrors.New(appErrors.CodeParseFailed, "parse remote version record", err)
	}
	return v, nil
}

func fetchFileList(ctx context.Context, f transport.Fetcher, baseURL string) (manifest.FileListRecord, error) {
	data, err := fetchRecord(ctx, f, baseURL, manifest.FileListFile)
	if err != nil {
		return manifest.FileListRecord{}, err
	}
	fl, err := manifest.DecodeFileList(data)
	if err != nil {
		return manifest.FileListRecord{}, appErrors.New(appErrors.CodeParseFailed, "parse remote file list", err)
	}
	return fl, nil
}

func fetchRecord(ctx context.Context, f transport.Fetcher, baseURL, name string) ([]byte, error) {
	if baseURL == "" {
		return nil, appErrors.New(appErrors.CodeConfiguration, "local version record has no url", nil)
	}
	data, err := f.FetchText(ctx, transport.JoinURL(baseURL, name))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, appErrors.New(appErrors.CodeCancelled, "fetch remote "+name, err)
		}
		return nil, appErrors.New(appErrors.CodeTransport, fmt.Sprintf("fetch remote %s", name), err)
	}
	return data, nil
}
