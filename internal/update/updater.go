package update

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deltapatch/internal/debug"
	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/manifest"
	"deltapatch/internal/transport"
)

// Apply downloads the diff found by the last Check into the staging
// directory, one file at a time in diff order.
//
// progress receives 0 first, then strictly increasing fractions of the total
// diff size, then 1 exactly once when every file has been attempted. A file
// that fails to download does not stop the session; the returned error joins
// every per-file failure. The local version advances only when all files
// succeed, so the next Check reports just the files still missing.
//
// Apply is a no-op that reports 1 and succeeds unless the last Check returned
// UpdateAvailable. It returns ErrBusy while a Check or Apply is running.
// Cancelling ctx stops before the next file; files already written stay.
func (c *Client) Apply(ctx context.Context, progress func(float64)) (*ApplyReport, error) {
	prev, err := c.begin(StateApplying)
	if err != nil {
		return nil, err
	}
	rep := &progressReporter{fn: progress, last: -1}
	if prev != StateUpdateAvailable {
		c.setState(prev)
		debug.Warnf("no patch files to apply (state %s)", prev)
		rep.finish()
		return &ApplyReport{}, nil
	}

	report := &ApplyReport{
		PatchDir:    c.store.Dir(),
		FromVersion: c.local.Version,
		ToVersion:   c.remote.Version,
		StartedAt:   time.Now(),
	}
	err = c.apply(ctx, report, rep)
	report.FinishedAt = time.Now()
	report.Err = err

	if err != nil {
		c.setState(StateApplyFailed)
		debug.Errorf("apply %s -> %s: %v", report.FromVersion, report.ToVersion, err)
	} else {
		c.setState(StateApplied)
		c.diff = nil
		debug.Logf("apply %s -> %s: %d files, %d bytes", report.FromVersion, report.ToVersion, len(report.Files), report.Bytes())
	}
	if c.journal != nil {
		if jErr := c.journal.RecordApply(context.WithoutCancel(ctx), report); jErr != nil {
			debug.Warnf("record apply: %v", jErr)
		}
	}
	return report, err
}

func (c *Client) apply(ctx context.Context, report *ApplyReport, rep *progressReporter) error {
	total := manifest.TotalSize(c.diff)
	var completed int64
	var failures []error

	rep.tick(0)
	for _, entry := range c.diff {
		if err := ctx.Err(); err != nil {
			return appErrors.New(appErrors.CodeCancelled, "apply cancelled", errors.Join(append(failures, err)...))
		}

		n, err := c.download(ctx, entry, func(frac float64) {
			if ctx.Err() != nil || total <= 0 {
				return
			}
			rep.tick((frac*float64(entry.Size) + float64(completed)) / float64(total))
		})
		report.Files = append(report.Files, FileResult{Entry: entry, Bytes: n, Err: err})
		if err != nil {
			debug.Errorf("download %s: %v", entry.Path, err)
			failures = append(failures, err)
			if appErrors.IsCode(err, appErrors.CodeCancelled) {
				return appErrors.New(appErrors.CodeCancelled, "apply cancelled", errors.Join(failures...))
			}
		}

		completed += entry.Size
		if total > 0 {
			rep.tick(float64(completed) / float64(total))
		}
	}

	if len(failures) == 0 {
		if err := c.store.Commit(c.remote, c.remoteFiles, c.pretty); err != nil {
			failures = append(failures, err)
		} else {
			c.local = c.remote
			c.localFiles = c.remoteFiles
		}
	}
	rep.finish()
	return errors.Join(failures...)
}

// download fetches one entry into the staging directory and records it in
// the local file list.
func (c *Client) download(ctx context.Context, entry manifest.FileEntry, progress transport.Progress) (int64, error) {
	pending, err := c.store.Create(entry.Path)
	if err != nil {
		return 0, appErrors.New(appErrors.CodeLocalIO, fmt.Sprintf("stage %s", entry.Path), err)
	}
	url := transport.JoinURL(c.baseURL, entry.Path)
	n, err := c.fetcher.FetchBytes(ctx, url, pending, entry.Size, progress)
	if err != nil {
		pending.Abort()
		if ctx.Err() != nil {
			return n, appErrors.New(appErrors.CodeCancelled, fmt.Sprintf("download %s", entry.Path), err)
		}
		return n, appErrors.New(appErrors.CodeTransport, fmt.Sprintf("download %s", entry.Path), err)
	}
	if err := pending.Commit(); err != nil {
		return n, appErrors.New(appErrors.CodeLocalIO, fmt.Sprintf("stage %s", entry.Path), err)
	}

	files := c.localFiles.Upsert(entry)
	if err := c.store.Commit(c.local, files, c.pretty); err != nil {
		return n, err
	}
	c.localFiles = files
	return n, nil
}

// progressReporter forwards strictly increasing fractions below 1 and reports
// 1 exactly once.
type progressReporter struct {
	fn   func(float64)
	last float64
	done bool
}

func (p *progressReporter) tick(f float64) {
	if p.fn == nil || p.done || f >= 1 || f <= p.last {
		return
	}
	p.last = f
	p.fn(f)
}

func (p *progressReporter) finish() {
	if p.done {
		return
	}
	p.done = true
	if p.fn != nil {
		p.fn(1)
	}
}
