package update

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/manifest"
	"deltapatch/internal/staging"
	"deltapatch/internal/transport"

	"github.com/spf13/afero"
)

const (
	cdnURL      = "http://cdn.test/android"
	baselineDir = "/app/baseline"
	patchDir    = "/data/patch"
)

type remoteFile struct {
	path, content, fingerprint string
}

func entriesOf(files []remoteFile) []manifest.FileEntry {
	out := make([]manifest.FileEntry, 0, len(files))
	for _, f := range files {
		out = append(out, manifest.FileEntry{Path: f.path, Size: int64(len(f.content)), Fingerprint: f.fingerprint})
	}
	return out
}

func encode(t *testing.T, v any) []byte {
	t.Helper()
	data, err := manifest.Encode(v, true)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func seedBaseline(t *testing.T, fs afero.Fs, version string, files ...remoteFile) {
	t.Helper()
	v := manifest.VersionRecord{App: "game", Version: version, URL: cdnURL, MinVersion: "0.0.0"}
	fl := manifest.FileListRecord{App: "game", Version: version, Files: entriesOf(files)}
	if err := afero.WriteFile(fs, baselineDir+"/"+manifest.VersionFile, encode(t, v), 0o644); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	if err := afero.WriteFile(fs, baselineDir+"/"+manifest.FileListFile, encode(t, fl), 0o644); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
}

// fakeRemote serves records and files from memory. FetchBytes writes each
// file in two halves and reports progress after each.
type fakeRemote struct {
	base    string
	files   map[string][]byte
	fail    map[string]bool
	current string
	onFetch func(path string)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{base: cdnURL + "/", files: map[string][]byte{}, fail: map[string]bool{}}
}

func (f *fakeRemote) publish(t *testing.T, version, minVersion string, files ...remoteFile) {
	t.Helper()
	f.files[manifest.VersionFile] = encode(t, manifest.VersionRecord{App: "game", Version: version, URL: cdnURL, MinVersion: minVersion})
	f.files[manifest.FileListFile] = encode(t, manifest.FileListRecord{App: "game", Version: version, Files: entriesOf(files)})
	for _, file := range files {
		f.files[file.path] = []byte(file.content)
	}
}

func (f *fakeRemote) FetchText(ctx context.Context, url string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := strings.TrimPrefix(url, f.base)
	if f.fail[path] {
		return nil, transport.StatusError{URL: url, StatusCode: http.StatusInternalServerError}
	}
	data, ok := f.files[path]
	if !ok {
		return nil, transport.StatusError{URL: url, StatusCode: http.StatusNotFound}
	}
	return data, nil
}

func (f *fakeRemote) FetchBytes(ctx context.Context, url string, w io.Writer, sizeHint int64, progress transport.Progress) (int64, error) {
	data, err := f.FetchText(ctx, url)
	if err != nil {
		return 0, err
	}
	f.current = strings.TrimPrefix(url, f.base)
	defer func() { f.current = "" }()

	half := len(data) / 2
	if _, err := w.Write(data[:half]); err != nil {
		return 0, err
	}
	if progress != nil {
		progress(0.5)
	}
	if _, err := w.Write(data[half:]); err != nil {
		return int64(half), err
	}
	if progress != nil {
		progress(1)
	}
	if f.onFetch != nil {
		f.onFetch(f.current)
	}
	return int64(len(data)), nil
}

func newTestClient(fs afero.Fs, remote transport.Fetcher, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithFs(fs), WithFetcher(remote)}, opts...)
	return NewClient(baselineDir, opts...)
}

func TestCheckUpToDate(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	remote := newFakeRemote()
	remote.publish(t, "1.0.0", "1.0.0")

	c := newTestClient(fs, remote)
	res := c.Check(context.Background(), patchDir)
	if res.Outcome != UpToDate {
		t.Fatalf("Outcome = %s, err = %v; want up-to-date", res.Outcome, res.Err)
	}
	if !res.Extracted {
		t.Error("first Check should extract the baseline")
	}
	if c.State() != StateUpToDate {
		t.Errorf("State = %s", c.State())
	}
	if ok, _ := afero.Exists(fs, patchDir+"/"+manifest.VersionFile); !ok {
		t.Error("local version record not extracted")
	}
}

func TestCheckMustReinstall(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	remote := newFakeRemote()
	remote.publish(t, "1.2.0", "1.1.0")

	res := newTestClient(fs, remote).Check(context.Background(), patchDir)
	if res.Outcome != MustReinstall {
		t.Fatalf("Outcome = %s, err = %v; want must-reinstall", res.Outcome, res.Err)
	}
	if res.RemoteVersion != "1.2.0" || res.RemoteMinVersion != "1.1.0" || len(res.Diff) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestCheckDiff(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0",
		remoteFile{"A", "a", "1"},
		remoteFile{"B", "b", "2"},
	)
	remote := newFakeRemote()
	remote.publish(t, "1.1.0", "0.0.0",
		remoteFile{"A", "a", "1"},
		remoteFile{"B", "bb", "3"},
		remoteFile{"C", "ccc", "4"},
	)

	res := newTestClient(fs, remote).Check(context.Background(), patchDir)
	if res.Outcome != UpdateAvailable {
		t.Fatalf("Outcome = %s, err = %v; want update-available", res.Outcome, res.Err)
	}
	if len(res.Diff) != 2 || res.Diff[0].Path != "B" || res.Diff[1].Path != "C" {
		t.Fatalf("Diff = %+v, want [B C]", res.Diff)
	}
	if res.DiffSize() != 5 {
		t.Errorf("DiffSize = %d, want 5", res.DiffSize())
	}
	if res.BaseURL != cdnURL {
		t.Errorf("BaseURL = %q", res.BaseURL)
	}
}

func TestCheckMissingBaseline(t *testing.T) {
	res := newTestClient(afero.NewMemMapFs(), newFakeRemote()).Check(context.Background(), patchDir)
	if res.Outcome != CheckFailed {
		t.Fatalf("Outcome = %s, want check-failed", res.Outcome)
	}
	if !appErrors.IsCode(res.Err, appErrors.CodeMissingBaseline) {
		t.Errorf("Err = %v, want missing baseline", res.Err)
	}
}

func TestCheckRejectsStagingOverlappingBaseline(t *testing.T) {
	tests := []struct {
		name string
		dir  string
	}{
		{"same directory", baselineDir},
		{"parent of baseline", "/app"},
		{"inside baseline", baselineDir + "/patch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			seedBaseline(t, fs, "1.0.0", remoteFile{"A", "a", "1"})
			remote := newFakeRemote()
			remote.publish(t, "1.1.0", "0.0.0", remoteFile{"A", "aa", "2"})

			res := newTestClient(fs, remote).Check(context.Background(), tt.dir)
			if res.Outcome != CheckFailed {
				t.Fatalf("Outcome = %s, want check-failed", res.Outcome)
			}
			if !appErrors.IsCode(res.Err, appErrors.CodeConfiguration) {
				t.Errorf("Err = %v, want configuration error", res.Err)
			}
			for _, name := range []string{manifest.VersionFile, manifest.FileListFile} {
				if ok, _ := afero.Exists(fs, baselineDir+"/"+name); !ok {
					t.Errorf("baseline %s was removed", name)
				}
			}
		})
	}
}

func TestCheckRejectsReservedRemotePaths(t *testing.T) {
	tests := []struct {
		name  string
		files []remoteFile
	}{
		{"partial suffix before its target", []remoteFile{{"a.part", "x", "1"}, {"a", "y", "2"}}},
		{"file list name", []remoteFile{{"files.json", "bundle", "1"}}},
		{"version record name", []remoteFile{{"/version.json", "bundle", "1"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			seedBaseline(t, fs, "1.0.0")
			remote := newFakeRemote()
			remote.files[manifest.VersionFile] = encode(t, manifest.VersionRecord{App: "game", Version: "1.1.0", URL: cdnURL, MinVersion: "0.0.0"})
			remote.files[manifest.FileListFile] = encode(t, manifest.FileListRecord{App: "game", Version: "1.1.0", Files: entriesOf(tt.files)})

			c := newTestClient(fs, remote)
			res := c.Check(context.Background(), patchDir)
			if res.Outcome != CheckFailed {
				t.Fatalf("Outcome = %s, want check-failed", res.Outcome)
			}
			if !appErrors.IsCode(res.Err, appErrors.CodeParseFailed) {
				t.Errorf("Err = %v, want parse failure", res.Err)
			}
			if _, err := c.Apply(context.Background(), func(float64) {}); err != nil {
				t.Fatalf("Apply after failed check: %v", err)
			}
			v, err := staging.New(fs, patchDir, baselineDir).LocalVersion()
			if err != nil || v == nil || v.Version != "1.0.0" {
				t.Errorf("local version = %+v, %v; want 1.0.0", v, err)
			}
		})
	}
}

func TestCheckRemoteUnavailable(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")

	c := newTestClient(fs, newFakeRemote())
	res := c.Check(context.Background(), patchDir)
	if res.Outcome != CheckFailed {
		t.Fatalf("Outcome = %s, want check-failed", res.Outcome)
	}
	if !appErrors.IsCode(res.Err, appErrors.CodeTransport) || !errors.Is(res.Err, transport.ErrNotFound) {
		t.Errorf("Err = %v, want transport not-found", res.Err)
	}
	if c.State() != StateCheckFailed {
		t.Errorf("State = %s", c.State())
	}
}

func TestCheckExtractsWhenBaselineIsNewer(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	store := staging.New(fs, patchDir, baselineDir)
	old := manifest.VersionRecord{App: "game", Version: "0.9.0", URL: cdnURL}
	if err := store.Commit(old, manifest.FileListRecord{App: "game", Version: "0.9.0"}, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := afero.WriteFile(fs, patchDir+"/stale", []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	remote := newFakeRemote()
	remote.publish(t, "1.0.0", "0.0.0")

	res := newTestClient(fs, remote).Check(context.Background(), patchDir)
	if res.Outcome != UpToDate || !res.Extracted || res.LocalVersion != "1.0.0" {
		t.Fatalf("result = %+v", res)
	}
	if ok, _ := afero.Exists(fs, patchDir+"/stale"); ok {
		t.Error("extract should discard previously staged files")
	}
}

func TestCheckLocalAheadRestoresBaseline(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	store := staging.New(fs, patchDir, baselineDir)
	ahead := manifest.VersionRecord{App: "game", Version: "1.2.0", URL: cdnURL}
	if err := store.Commit(ahead, manifest.FileListRecord{App: "game", Version: "1.2.0"}, false); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	remote := newFakeRemote()
	remote.publish(t, "1.1.0", "1.0.0")

	res := newTestClient(fs, remote).Check(context.Background(), patchDir)
	if res.Outcome != UpToDate || !res.Extracted {
		t.Fatalf("result = %+v", res)
	}
	v, _ := store.LocalVersion()
	if v == nil || v.Version != "1.0.0" {
		t.Errorf("local version = %+v, want baseline 1.0.0", v)
	}
}

func TestApplyProgress(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	remote := newFakeRemote()
	remote.publish(t, "1.1.0", "0.0.0",
		remoteFile{"small", strings.Repeat("s", 100), "f1"},
		remoteFile{"large", strings.Repeat("l", 300), "f2"},
	)

	c := newTestClient(fs, remote)
	ctx := context.Background()
	if res := c.Check(ctx, patchDir); res.Outcome != UpdateAvailable {
		t.Fatalf("Outcome = %s, err = %v", res.Outcome, res.Err)
	}

	var values []float64
	sawIntermediate := false
	report, err := c.Apply(ctx, func(p float64) {
		values = append(values, p)
		if remote.current == "large" && p > 100.0/400 && p < 1 {
			sawIntermediate = true
		}
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(values) < 3 || values[0] != 0 || values[len(values)-1] != 1 {
		t.Fatalf("progress = %v, want 0 ... 1", values)
	}
	for i := 1; i < len(values); i++ {
		if values[i] <= values[i-1] {
			t.Fatalf("progress not strictly increasing: %v", values)
		}
	}
	if !sawIntermediate {
		t.Errorf("no intermediate value observed while the second file downloaded: %v", values)
	}

	if c.State() != StateApplied {
		t.Errorf("State = %s", c.State())
	}
	if report.Bytes() != 400 || len(report.Failed()) != 0 || report.ToVersion != "1.1.0" {
		t.Errorf("report = %+v", report)
	}
	data, _ := afero.ReadFile(fs, patchDir+"/large")
	if len(data) != 300 {
		t.Errorf("staged large file has %d bytes", len(data))
	}

	if res := c.Check(ctx, patchDir); res.Outcome != UpToDate {
		t.Errorf("Check after Apply = %s, err = %v; want up-to-date", res.Outcome, res.Err)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0", remoteFile{"A", "a", "1"})
	remote := newFakeRemote()
	remote.publish(t, "1.1.0", "0.0.0",
		remoteFile{"A", "a", "1"},
		remoteFile{"B", "bbbb", "2"},
		remoteFile{"C", "cccc", "3"},
	)
	remote.fail["C"] = true

	c := newTestClient(fs, remote)
	ctx := context.Background()
	if res := c.Check(ctx, patchDir); len(res.Diff) != 2 {
		t.Fatalf("Diff = %+v", res.Diff)
	}

	var last float64
	report, err := c.Apply(ctx, func(p float64) { last = p })
	if err == nil {
		t.Fatal("Apply should fail when a file fails")
	}
	if !appErrors.IsCode(err, appErrors.CodeTransport) {
		t.Errorf("Apply error = %v, want transport error", err)
	}
	if last != 1 {
		t.Errorf("final progress = %v, want 1", last)
	}
	if failed := report.Failed(); len(failed) != 1 || failed[0].Entry.Path != "C" {
		t.Errorf("Failed = %+v, want [C]", failed)
	}
	if c.State() != StateApplyFailed {
		t.Errorf("State = %s", c.State())
	}

	if data, _ := afero.ReadFile(fs, patchDir+"/B"); string(data) != "bbbb" {
		t.Errorf("B staged = %q, want bbbb", data)
	}
	if ok, _ := afero.Exists(fs, patchDir+"/C"); ok {
		t.Error("failed file should not be staged")
	}

	res := c.Check(ctx, patchDir)
	if res.Outcome != UpdateAvailable {
		t.Fatalf("re-Check = %s, err = %v", res.Outcome, res.Err)
	}
	if res.LocalVersion != "1.0.0" {
		t.Errorf("local version advanced to %s after a failed apply", res.LocalVersion)
	}
	if len(res.Diff) != 1 || res.Diff[0].Path != "C" {
		t.Errorf("re-Check Diff = %+v, want [C]", res.Diff)
	}
}

func TestApplyCancelled(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	remote := newFakeRemote()
	remote.publish(t, "1.1.0", "0.0.0",
		remoteFile{"B", "bbbb", "2"},
		remoteFile{"C", "cccc", "3"},
	)

	c := newTestClient(fs, remote)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if res := c.Check(ctx, patchDir); res.Outcome != UpdateAvailable {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	remote.onFetch = func(path string) {
		if path == "B" {
			cancel()
		}
	}

	var values []float64
	_, err := c.Apply(ctx, func(p float64) { values = append(values, p) })
	if !appErrors.IsCode(err, appErrors.CodeCancelled) {
		t.Fatalf("Apply error = %v, want cancelled", err)
	}
	for _, v := range values {
		if v == 1 {
			t.Errorf("cancelled Apply reported completion: %v", values)
		}
	}
	if ok, _ := afero.Exists(fs, patchDir+"/B"); !ok {
		t.Error("file written before cancellation should remain")
	}
	if ok, _ := afero.Exists(fs, patchDir+"/C"); ok {
		t.Error("no file may be fetched after cancellation")
	}
}

func TestApplyWithoutUpdateIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	remote := newFakeRemote()
	remote.publish(t, "1.0.0", "0.0.0")

	c := newTestClient(fs, remote)
	c.Check(context.Background(), patchDir)

	var values []float64
	report, err := c.Apply(context.Background(), func(p float64) { values = append(values, p) })
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(values) != 1 || values[0] != 1 {
		t.Errorf("progress = %v, want [1]", values)
	}
	if len(report.Files) != 0 {
		t.Errorf("report files = %+v", report.Files)
	}
	if c.State() != StateUpToDate {
		t.Errorf("State = %s, want up-to-date", c.State())
	}
}

func TestBusy(t *testing.T) {
	c := newTestClient(afero.NewMemMapFs(), newFakeRemote())
	c.state = StateApplying

	if _, err := c.Apply(context.Background(), nil); !errors.Is(err, ErrBusy) {
		t.Errorf("Apply error = %v, want ErrBusy", err)
	}
	res := c.Check(context.Background(), patchDir)
	if res.Outcome != CheckFailed || !appErrors.IsCode(res.Err, appErrors.CodeBusy) {
		t.Errorf("Check = %s, %v; want busy failure", res.Outcome, res.Err)
	}
	if c.State() != StateApplying {
		t.Errorf("State changed to %s", c.State())
	}
}

type recordingJournal struct {
	checks  []CheckResult
	applies []*ApplyReport
}

func (j *recordingJournal) RecordCheck(_ context.Context, res CheckResult) error {
	j.checks = append(j.checks, res)
	return nil
}

func (j *recordingJournal) RecordApply(_ context.Context, rep *ApplyReport) error {
	j.applies = append(j.applies, rep)
	return nil
}

func TestJournalRecordsSessions(t *testing.T) {
	fs := afero.NewMemMapFs()
	seedBaseline(t, fs, "1.0.0")
	remote := newFakeRemote()
	remote.publish(t, "1.1.0", "0.0.0", remoteFile{"ui", "ui-bytes", "f1"})

	j := &recordingJournal{}
	c := newTestClient(fs, remote, WithJournal(j))
	c.Check(context.Background(), patchDir)
	if _, err := c.Apply(context.Background(), nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if len(j.checks) != 1 || j.checks[0].Outcome != UpdateAvailable {
		t.Errorf("checks = %+v", j.checks)
	}
	if len(j.applies) != 1 || j.applies[0].FromVersion != "1.0.0" || j.applies[0].Err != nil {
		t.Errorf("applies = %+v", j.applies)
	}
}

func TestCheckAndApplyOverHTTP(t *testing.T) {
	content := map[string]string{"/android/ui": strings.Repeat("u", 2048)}
	var serverURL string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/android/" + manifest.VersionFile:
			_, _ = w.Write(encode(t, manifest.VersionRecord{App: "game", Version: "1.1.0", URL: serverURL + "/android", MinVersion: "1.0.0"}))
		case "/android/" + manifest.FileListFile:
			_, _ = w.Write(encode(t, manifest.FileListRecord{App: "game", Version: "1.1.0", Files: []manifest.FileEntry{
				{Path: "ui", Size: 2048, Fingerprint: "abcd1234"},
			}}))
		default:
			body, ok := content[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(body))
		}
	}))
	defer server.Close()
	serverURL = server.URL

	fs := afero.NewMemMapFs()
	v := manifest.VersionRecord{App: "game", Version: "1.0.0", URL: server.URL + "/android/", MinVersion: "1.0.0"}
	_ = afero.WriteFile(fs, baselineDir+"/"+manifest.VersionFile, encode(t, v), 0o644)
	_ = afero.WriteFile(fs, baselineDir+"/"+manifest.FileListFile, encode(t, manifest.FileListRecord{App: "game", Version: "1.0.0"}), 0o644)

	c := NewClient(baselineDir, WithFs(fs), WithPrettyPrint(false))
	ctx := context.Background()
	res := c.Check(ctx, patchDir)
	if res.Outcome != UpdateAvailable {
		t.Fatalf("Outcome = %s, err = %v", res.Outcome, res.Err)
	}
	if _, err := c.Apply(ctx, nil); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	data, err := afero.ReadFile(fs, patchDir+"/ui")
	if err != nil || len(data) != 2048 {
		t.Fatalf("staged ui = %d bytes, %v", len(data), err)
	}
	local, _ := staging.New(fs, patchDir, baselineDir).LocalVersion()
	if local == nil || local.Version != "1.1.0" {
		t.Errorf("local version = %+v, want 1.1.0", local)
	}
}

func TestOutcomeAndStateString(t *testing.T) {
	outcomes := map[Outcome]string{
		UpToDate:        "up-to-date",
		UpdateAvailable: "update-available",
		MustReinstall:   "must-reinstall",
		CheckFailed:     "check-failed",
	}
	for o, want := range outcomes {
		if got := o.String(); got != want {
			t.Errorf("Outcome(%d).String() = %q, want %q", o, got, want)
		}
	}
	if StateApplying.String() != "applying" || StateIdle.String() != "idle" || State(99).String() != "unknown" {
		t.Error("unexpected State strings")
	}
}
