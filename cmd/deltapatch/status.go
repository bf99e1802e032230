package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"deltapatch/internal/config"
	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/history"
	"deltapatch/internal/manifest"
	"deltapatch/internal/staging"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

var statusBindings = []flagBinding{
	{flag: "baseline-dir", key: config.KeyClientBaselineDir},
	{flag: "patch-dir", key: config.KeyClientPatchDir},
	{flag: "history", key: config.KeyHistoryPath},
}

func (e *cliEnv) statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the staged release and recent sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "baseline-dir", Usage: "read-only baseline shipped with the application"},
			&cli.StringFlag{Name: "patch-dir", Usage: "writable staging directory"},
			&cli.StringFlag{Name: "history", Usage: "path of the session journal database"},
			&cli.IntFlag{Name: "limit", Value: 5, Usage: "number of recent sessions to list"},
			&cli.BoolFlag{Name: "files", Usage: "list every staged file"},
		},
		Action: e.statusAction,
	}
}

func (e *cliEnv) statusAction(ctx context.Context, cmd *cli.Command) error {
	if err := applyFlagOverrides(cmd, statusBindings); err != nil {
		return err
	}
	patchDir := strings.TrimSpace(config.GetString(config.KeyClientPatchDir))
	if patchDir == "" {
		return appErrors.New(appErrors.CodeConfiguration, "patch directory is not set", nil)
	}
	store := staging.New(nil, patchDir, config.GetString(config.KeyClientBaselineDir))

	fmt.Fprintf(e.out, "%s %s\n", titleStyle.Render("Staging:"), patchDir)
	if baseline, err := store.BaselineVersion(); err != nil {
		fmt.Fprintf(e.out, "  baseline: %s\n", dimStyle.Render("unavailable"))
	} else {
		fmt.Fprintf(e.out, "  baseline: %s\n", versionStyle.Render(baseline.Version))
	}

	local, err := store.LocalVersion()
	if err != nil {
		fmt.Fprintf(e.out, "  local:    %s\n", errorStyle.Render(err.Error()))
	} else if local == nil {
		fmt.Fprintf(e.out, "  local:    %s\n", dimStyle.Render("not extracted"))
	} else {
		fmt.Fprintf(e.out, "  local:    %s (%s)\n", versionStyle.Render(local.Version), local.App)
	}

	files, err := store.LocalFileList()
	if err == nil && files != nil {
		fmt.Fprintf(e.out, "  files:    %d, %s\n", len(files.Files), humanize.Bytes(uint64(manifest.TotalSize(files.Files))))
		if cmd.Bool("files") {
			fmt.Fprintln(e.out)
			fmt.Fprint(e.out, indentBlock(renderFileTree(patchDir, stagedEntries(store, files.Files)), 2))
		}
	}

	return e.printSessions(ctx, int(cmd.Int("limit")))
}

// stagedEntries returns the entries whose bundle is present in the staging directory.
func stagedEntries(store *staging.Store, entries []manifest.FileEntry) []manifest.FileEntry {
	present, err := store.Files()
	if err != nil {
		return nil
	}
	have := make(map[string]struct{}, len(present))
	for _, p := range present {
		have[p] = struct{}{}
	}
	var out []manifest.FileEntry
	for _, e := range entries {
		if _, ok := have[strings.TrimPrefix(e.Path, "/")]; ok {
			out = append(out, e)
		}
	}
	return out
}

func (e *cliEnv) printSessions(ctx context.Context, limit int) error {
	path := config.GetString(config.KeyHistoryPath)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	j, err := history.Open(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	sessions, err := j.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}
	fmt.Fprintf(e.out, "\n%s\n", titleStyle.Render("Recent sessions:"))
	for _, s := range sessions {
		printSession(e.out, s)
	}
	return nil
}

func printSession(w io.Writer, s history.Session) {
	versions := s.ToVersion
	if s.FromVersion != "" && s.FromVersion != s.ToVersion {
		versions = s.FromVersion + " → " + s.ToVersion
	}
	fmt.Fprintf(w, "  %s  %-6s %-16s %s",
		dimStyle.Render(humanize.Time(s.StartedAt)),
		s.Kind,
		outcomeLabel(s.Outcome),
		versions)
	if s.Files > 0 {
		fmt.Fprintf(w, "  %d files, %s", s.Files, humanize.Bytes(uint64(s.Bytes)))
	}
	fmt.Fprintln(w)
	if s.Error != "" {
		fmt.Fprintf(w, "    %s\n", errorStyle.Render(s.Error))
	}
}

func outcomeLabel(outcome string) string {
	switch outcome {
	case "up-to-date", "applied":
		return successStyle.Render(outcome)
	case "update-available":
		return warnStyle.Render(outcome)
	default:
		return errorStyle.Render(outcome)
	}
}
