package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"deltapatch/internal/config"
	"deltapatch/internal/debug"
	appErrors "deltapatch/internal/errors"
	"deltapatch/internal/history"
	"deltapatch/internal/transport"
	"deltapatch/internal/update"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

var clientBindings = []flagBinding{
	{flag: "baseline-dir", key: config.KeyClientBaselineDir},
	{flag: "patch-dir", key: config.KeyClientPatchDir},
	{flag: "timeout", key: config.KeyClientTimeout},
	{flag: "user-agent", key: config.KeyClientUserAgent},
	{flag: "history", key: config.KeyHistoryPath},
}

func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "baseline-dir", Usage: "read-only baseline shipped with the application"},
		&cli.StringFlag{Name: "patch-dir", Usage: "writable staging directory"},
		&cli.DurationFlag{Name: "timeout", Usage: "timeout for each remote request"},
		&cli.StringFlag{Name: "user-agent", Usage: "User-Agent header for remote requests"},
		&cli.StringFlag{Name: "history", Usage: "path of the session journal database"},
		&cli.BoolFlag{Name: "no-history", Usage: "do not record this session"},
	}
}

func (e *cliEnv) checkCommand() *cli.Command {
	return &cli.Command{
		Name:   "check",
		Usage:  "compare the staging directory with the remote release",
		Flags:  clientFlags(),
		Action: e.checkAction,
	}
}

func (e *cliEnv) checkAction(ctx context.Context, cmd *cli.Command) error {
	session, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer session.close()

	res := session.client.Check(ctx, session.patchDir)
	e.printCheck(res)
	return checkError(res)
}

// clientSession is an update client wired from configuration, plus the
// journal it records into.
type clientSession struct {
	client   *update.Client
	journal  *history.Journal
	patchDir string
}

func openSession(ctx context.Context, cmd *cli.Command) (*clientSession, error) {
	if err := applyFlagOverrides(cmd, clientBindings); err != nil {
		return nil, err
	}
	baselineDir := strings.TrimSpace(config.GetString(config.KeyClientBaselineDir))
	patchDir := strings.TrimSpace(config.GetString(config.KeyClientPatchDir))
	var missing []string
	if baselineDir == "" {
		missing = append(missing, "baseline directory is not set")
	}
	if patchDir == "" {
		missing = append(missing, "patch directory is not set")
	}
	if len(missing) > 0 {
		return nil, appErrors.New(appErrors.CodeConfiguration, strings.Join(missing, "; "), nil)
	}

	fetcher := transport.NewHTTPFetcher(
		transport.WithTimeout(config.GetDuration(config.KeyClientTimeout)),
		transport.WithUserAgent(config.GetString(config.KeyClientUserAgent)),
	)
	opts := []update.ClientOption{update.WithFetcher(fetcher)}

	s := &clientSession{patchDir: patchDir}
	if !cmd.Bool("no-history") {
		j, err := history.Open(ctx, config.GetString(config.KeyHistoryPath))
		if err != nil {
			debug.Warnf("session history disabled: %v", err)
		} else {
			s.journal = j
			opts = append(opts, update.WithJournal(j))
		}
	}
	s.client = update.NewClient(baselineDir, opts...)
	return s, nil
}

func (s *clientSession) close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
}

// checkError turns a failed or blocking outcome into an error for the exit status.
func checkError(res update.CheckResult) error {
	switch res.Outcome {
	case update.CheckFailed:
		return res.Err
	case update.MustReinstall:
		return cli.Exit(fmt.Sprintf("version %s is older than the minimum %s; reinstall the application", res.LocalVersion, res.RemoteMinVersion), 3)
	default:
		return nil
	}
}

func (e *cliEnv) printCheck(res update.CheckResult) {
	width := terminalWidth(e.out)
	render := buildMarkdownRenderer(config.GetString(config.KeyOutputFormat), width)
	fmt.Fprintln(e.out, render(checkMarkdown(res)))
}

func checkMarkdown(res update.CheckResult) string {
	var b strings.Builder
	switch res.Outcome {
	case update.UpToDate:
		fmt.Fprintf(&b, "## Up to date\n\nLocal version **%s** matches the remote release.\n", res.LocalVersion)
	case update.MustReinstall:
		fmt.Fprintf(&b, "## Reinstall required\n\nLocal version **%s** is older than the minimum **%s** required by remote **%s**.\n",
			res.LocalVersion, res.RemoteMinVersion, res.RemoteVersion)
	case update.CheckFailed:
		fmt.Fprintf(&b, "## Check failed\n\n%s\n", res.Err)
		return b.String()
	case update.UpdateAvailable:
		fmt.Fprintf(&b, "## Update available: %s → %s\n\n", res.LocalVersion, res.RemoteVersion)
		fmt.Fprintf(&b, "%d files, %s from %s\n\n", len(res.Diff), humanize.Bytes(uint64(res.DiffSize())), res.BaseURL)
		b.WriteString("| File | Size | Fingerprint |\n|---|---:|---|\n")
		for _, f := range res.Diff {
			fmt.Fprintf(&b, "| %s | %s | `%s` |\n", f.Path, humanize.Bytes(uint64(f.Size)), f.Fingerprint)
		}
	}
	if res.Extracted {
		fmt.Fprintf(&b, "\n_Staging directory reseeded from baseline %s._\n", res.BaselineVersion)
	}
	return b.String()
}

func printOutcome(w io.Writer, res update.CheckResult) {
	label := res.Outcome.String()
	switch res.Outcome {
	case update.UpToDate:
		label = successStyle.Render(label)
	case update.UpdateAvailable:
		label = warnStyle.Render(label)
	default:
		label = errorStyle.Render(label)
	}
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Check:"), label)
}
