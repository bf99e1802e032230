package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"deltapatch/internal/config"
	"deltapatch/internal/manifest"
)

type project struct {
	root     string
	bundles  string
	baseline string
	patch    string
	history  string
}

func newProject(t *testing.T) project {
	t.Helper()
	root := t.TempDir()
	p := project{
		root:     filepath.Join(root, "proj"),
		bundles:  filepath.Join(root, "proj", "Bundles"),
		baseline: filepath.Join(root, "app", "baseline"),
		patch:    filepath.Join(root, "app", "patch"),
		history:  filepath.Join(root, "history.db"),
	}
	writeTestFile(t, filepath.Join(p.bundles, "Bundles.manifest"), `ManifestFileVersion: 0
AssetBundleManifest:
  AssetBundleInfos:
    Info_0:
      Name: common
    Info_1:
      Name: ui
      Dependencies:
        Dependency_0: common
`)
	writeTestFile(t, filepath.Join(p.bundles, "common.manifest"), "Assets:\n- Assets/font.ttf\n")
	writeTestFile(t, filepath.Join(p.bundles, "ui.manifest"), "Assets:\n- Assets/icon.png\n")
	writeTestFile(t, filepath.Join(p.bundles, "common"), strings.Repeat("c", 100))
	writeTestFile(t, filepath.Join(p.bundles, "ui"), strings.Repeat("u", 300))
	for _, a := range []string{"Assets/font.ttf", "Assets/icon.png"} {
		writeTestFile(t, filepath.Join(p.root, a), "content of "+a)
		writeTestFile(t, filepath.Join(p.root, a+".meta"), "meta of "+a)
	}
	return p
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"deltapatch", "--output-format", "plain"}, args...)
	err := run(context.Background(), full, &out, &errOut)
	return out.String(), errOut.String(), err
}

func (p project) build(t *testing.T, version, url, baseline string) {
	t.Helper()
	out, errOut, err := runCLI(t, "build",
		"--app", "game",
		"--version", version,
		"--url", url,
		"--min-version", "1.0.0",
		"--bundles-dir", p.bundles,
		"--baseline-dir", baseline,
		"--project-dir", p.root,
	)
	if err != nil {
		t.Fatalf("build %s: %v\n%s", version, err, errOut)
	}
	if !strings.Contains(out, version) {
		t.Errorf("build output missing version %s:\n%s", version, out)
	}
}

func (p project) clientArgs() []string {
	return []string{
		"--baseline-dir", p.baseline,
		"--patch-dir", p.patch,
		"--history", p.history,
	}
}

func TestCheckApplyStatusFlow(t *testing.T) {
	cleanup := config.ResetForTesting(t)
	defer cleanup()

	p := newProject(t)
	srv := httptest.NewServer(http.FileServer(http.Dir(p.bundles)))
	defer srv.Close()

	// Ship 1.0.0, then publish 1.1.0 with a touched asset in the ui bundle.
	p.build(t, "1.0.0", srv.URL, p.baseline)
	writeTestFile(t, filepath.Join(p.root, "Assets/icon.png"), "new icon")
	p.build(t, "1.1.0", srv.URL, filepath.Join(t.TempDir(), "release-baseline"))

	out, errOut, err := runCLI(t, append([]string{"check"}, p.clientArgs()...)...)
	if err != nil {
		t.Fatalf("check: %v\n%s", err, errOut)
	}
	for _, want := range []string{"Update available", "1.0.0", "1.1.0", "ui"} {
		if !strings.Contains(out, want) {
			t.Errorf("check output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "| common |") {
		t.Errorf("unchanged bundle listed in diff:\n%s", out)
	}

	out, errOut, err = runCLI(t, append([]string{"apply"}, p.clientArgs()...)...)
	if err != nil {
		t.Fatalf("apply: %v\n%s", err, errOut)
	}
	for _, want := range []string{"  0% ui", "100% ui", "Applied"} {
		if !strings.Contains(out, want) {
			t.Errorf("apply output missing %q:\n%s", want, out)
		}
	}

	data, err := os.ReadFile(filepath.Join(p.patch, "ui"))
	if err != nil {
		t.Fatalf("read downloaded bundle: %v", err)
	}
	if string(data) != strings.Repeat("u", 300) {
		t.Errorf("downloaded bundle has %d bytes", len(data))
	}
	if _, err := os.Stat(filepath.Join(p.patch, "common")); !os.IsNotExist(err) {
		t.Errorf("unchanged bundle was downloaded: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(p.patch, manifest.VersionFile))
	if err != nil {
		t.Fatalf("read local version: %v", err)
	}
	v, err := manifest.DecodeVersion(raw)
	if err != nil {
		t.Fatalf("decode local version: %v", err)
	}
	if v.Version != "1.1.0" {
		t.Errorf("local version = %s, want 1.1.0", v.Version)
	}

	out, errOut, err = runCLI(t, append([]string{"check"}, p.clientArgs()...)...)
	if err != nil {
		t.Fatalf("second check: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "Up to date") {
		t.Errorf("second check output:\n%s", out)
	}

	out, errOut, err = runCLI(t, append([]string{"status", "--files"}, p.clientArgs()...)...)
	if err != nil {
		t.Fatalf("status: %v\n%s", err, errOut)
	}
	for _, want := range []string{"1.1.0", "ui", "300 B", "Recent sessions", "applied", "up-to-date"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestApplyWhenUpToDate(t *testing.T) {
	cleanup := config.ResetForTesting(t)
	defer cleanup()

	p := newProject(t)
	srv := httptest.NewServer(http.FileServer(http.Dir(p.bundles)))
	defer srv.Close()
	p.build(t, "1.0.0", srv.URL, p.baseline)

	out, errOut, err := runCLI(t, "apply", "--no-history", "--baseline-dir", p.baseline, "--patch-dir", p.patch)
	if err != nil {
		t.Fatalf("apply: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "Up to date") {
		t.Errorf("apply output:\n%s", out)
	}
	if _, err := os.Stat(p.history); !os.IsNotExist(err) {
		t.Errorf("history written despite --no-history: %v", err)
	}
}

func TestCheckRemoteUnavailable(t *testing.T) {
	cleanup := config.ResetForTesting(t)
	defer cleanup()

	p := newProject(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	p.build(t, "1.0.0", srv.URL, p.baseline)

	out, _, err := runCLI(t, "check", "--no-history", "--baseline-dir", p.baseline, "--patch-dir", p.patch)
	if err == nil {
		t.Fatal("expected check against a missing release to fail")
	}
	if !strings.Contains(out, "Check failed") {
		t.Errorf("check output:\n%s", out)
	}
}

func TestConfigSetAndShow(t *testing.T) {
	cleanup := config.ResetForTesting(t)
	defer cleanup()
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	out, errOut, err := runCLI(t, "config", "set", "client.patch-dir", "/data/patch")
	if err != nil {
		t.Fatalf("config set: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "Saved") {
		t.Errorf("config set output:\n%s", out)
	}

	out, errOut, err = runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v\n%s", err, errOut)
	}
	if !strings.Contains(out, "patch-dir: /data/patch") {
		t.Errorf("config show output:\n%s", out)
	}

	if _, _, err := runCLI(t, "config", "set", "only-key"); err == nil {
		t.Error("expected config set with one argument to fail")
	}
}
