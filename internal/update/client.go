package update

import (
	"context"
	"sync"
	"time"

	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/manifest"
	"deltapatch/internal/staging"
	"deltapatch/internal/transport"

	"github.com/spf13/afero"
)

// ErrBusy is returned when Check or Apply is called while another one runs.
var ErrBusy = appErrors.New(appErrors.CodeBusy, "a patch session is already running", nil)

// Outcome is the result of a Check.
type Outcome int

const (
	// CheckFailed means the baseline, the local records or the remote host could not be read.
	CheckFailed Outcome = iota
	// UpToDate means the local version matches the remote one.
	UpToDate
	// UpdateAvailable means Apply can fetch the diff.
	UpdateAvailable
	// MustReinstall means the local version is older than the remote minimum.
	MustReinstall
)

// String returns the string representation of an Outcome.
func (o Outcome) String() string {
	switch o {
	case UpToDate:
		return "up-to-date"
	case UpdateAvailable:
		return "update-available"
	case MustReinstall:
		return "must-reinstall"
	default:
		return "check-failed"
	}
}

// State is the position of a Client in its check/apply cycle.
type State int

const (
	StateIdle State = iota
	StateChecking
	StateUpToDate
	StateUpdateAvailable
	StateMustReinstall
	StateCheckFailed
	StateApplying
	StateApplied
	StateApplyFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateChecking:
		return "checking"
	case StateUpToDate:
		return "up-to-date"
	case StateUpdateAvailable:
		return "update-available"
	case StateMustReinstall:
		return "must-reinstall"
	case StateCheckFailed:
		return "check-failed"
	case StateApplying:
		return "applying"
	case StateApplied:
		return "applied"
	case StateApplyFailed:
		return "apply-failed"
	default:
		return "unknown"
	}
}

func stateFor(o Outcome) State {
	switch o {
	case UpToDate:
		return StateUpToDate
	case UpdateAvailable:
		return StateUpdateAvailable
	case MustReinstall:
		return StateMustReinstall
	default:
		return StateCheckFailed
	}
}

// CheckResult contains the result of a Check.
type CheckResult struct {
	Outcome          Outcome
	PatchDir         string
	BaselineVersion  string
	LocalVersion     string
	RemoteVersion    string
	RemoteMinVersion string
	BaseURL          string
	// Diff lists the remote entries to download, in remote order. Only set
	// when Outcome is UpdateAvailable.
	Diff []manifest.FileEntry
	// Extracted reports whether the staging directory was reseeded from the baseline.
	Extracted bool
	Err       error
	CheckedAt time.Time
}

// DiffSize returns the number of bytes Apply will download.
func (r CheckResult) DiffSize() int64 {
	return manifest.TotalSize(r.Diff)
}

// FileResult is the outcome of one download during Apply.
type FileResult struct {
	Entry manifest.FileEntry
	Bytes int64
	Err   error
}

// ApplyReport describes an Apply session.
type ApplyReport struct {
	PatchDir    string
	FromVersion string
	ToVersion   string
	Files       []FileResult
	StartedAt   time.Time
	FinishedAt  time.Time
	// Err is the aggregated error returned by Apply, if any.
	Err error
}

// Failed returns the files that did not download.
func (r *ApplyReport) Failed() []FileResult {
	var out []FileResult
	for _, f := range r.Files {
		if f.Err != nil {
			out = append(out, f)
		}
	}
	return out
}

// Bytes returns the number of bytes written.
func (r *ApplyReport) Bytes() int64 {
	var n int64
	for _, f := range r.Files {
		n += f.Bytes
	}
	return n
}

// Journal records sessions. Journal failures are logged and never fail a session.
type Journal interface {
	RecordCheck(ctx context.Context, res CheckResult) error
	RecordApply(ctx context.Context, rep *ApplyReport) error
}

// Client reconciles a staging directory with a remote release.
type Client struct {
	fs          afero.Fs
	baselineDir string
	fetcher     transport.Fetcher
	journal     Journal
	pretty      bool

	mu    sync.Mutex
	state State

	// Populated by a Check that returned UpdateAvailable.
	store       *staging.Store
	local       manifest.VersionRecord
	localFiles  manifest.FileListRecord
	remote      manifest.VersionRecord
	remoteFiles manifest.FileListRecord
	diff        []manifest.FileEntry
	baseURL     string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithFetcher sets the transport used for remote records and files.
func WithFetcher(f transport.Fetcher) ClientOption {
	return func(c *Client) {
		c.fetcher = f
	}
}

// WithFs sets the filesystem holding the baseline and staging directories.
func WithFs(fs afero.Fs) ClientOption {
	return func(c *Client) {
		c.fs = fs
	}
}

// WithJournal records every Check and Apply.
func WithJournal(j Journal) ClientOption {
	return func(c *Client) {
		c.journal = j
	}
}

// WithPrettyPrint controls the indentation of committed records.
func WithPrettyPrint(pretty bool) ClientOption {
	return func(c *Client) {
		c.pretty = pretty
	}
}

// NewClient creates a client that treats baselineDir as the read-only
// baseline shipped with the application.
func NewClient(baselineDir string, opts ...ClientOption) *Client {
	c := &Client{
		baselineDir: baselineDir,
		pretty:      true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fs == nil {
		c.fs = afero.NewOsFs()
	}
	if c.fetcher == nil {
		c.fetcher = transport.NewHTTPFetcher()
	}
	return c
}

// State returns the current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// begin moves the client into next unless a session is already running.
func (c *Client) begin(next State) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateChecking || c.state == StateApplying {
		return c.state, ErrBusy
	}
	prev := c.state
	c.state = next
	return prev, nil
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
