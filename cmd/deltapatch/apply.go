package main

import (
	"context"
	"fmt"
	"io"

	"deltapatch/internal/update"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
)

func (e *cliEnv) applyCommand() *cli.Command {
	return &cli.Command{
		Name:   "apply",
		Usage:  "check for an update and download every changed bundle",
		Flags:  clientFlags(),
		Action: e.applyAction,
	}
}

func (e *cliEnv) applyAction(ctx context.Context, cmd *cli.Command) error {
	session, err := openSession(ctx, cmd)
	if err != nil {
		return err
	}
	defer session.close()

	res := session.client.Check(ctx, session.patchDir)
	if res.Outcome != update.UpdateAvailable {
		e.printCheck(res)
		return checkError(res)
	}
	printOutcome(e.out, res)
	fmt.Fprintf(e.out, "Downloading %d files (%s) for %s\n",
		len(res.Diff), humanize.Bytes(uint64(res.DiffSize())), versionStyle.Render(res.RemoteVersion))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var display progressDisplay
	if isTerminal(e.out) {
		display = newApplyDisplay(e.out, res.Diff, cancel)
	} else {
		display = newPlainProgress(e.out, res.Diff)
	}
	rep, err := session.client.Apply(ctx, display.Report)
	display.Stop()

	printApplyReport(e.out, rep)
	return err
}

func printApplyReport(w io.Writer, rep *update.ApplyReport) {
	if rep == nil {
		return
	}
	failed := rep.Failed()
	switch {
	case len(rep.Files) == 0 && rep.Err == nil:
		fmt.Fprintf(w, "%s nothing to download\n", successStyle.Render("Applied"))
		return
	case len(failed) == 0 && rep.Err == nil:
		fmt.Fprintf(w, "%s %s → %s, %d files, %s\n",
			successStyle.Render("Applied"),
			rep.FromVersion,
			versionStyle.Render(rep.ToVersion),
			len(rep.Files),
			humanize.Bytes(uint64(rep.Bytes())))
		return
	}

	fmt.Fprintf(w, "%s %d of %d files downloaded; local version stays %s\n",
		errorStyle.Render("Incomplete"),
		len(rep.Files)-len(failed),
		len(rep.Files),
		rep.FromVersion)
	for _, f := range failed {
		fmt.Fprintf(w, "  %s %s: %v\n", errorStyle.Render("✗"), f.Entry.Path, f.Err)
	}
	fmt.Fprintln(w, dimStyle.Render("Run apply again to resume; completed files are kept."))
}
