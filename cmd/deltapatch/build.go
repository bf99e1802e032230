package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"deltapatch/internal/builder"
	"deltapatch/internal/config"

	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/wordwrap"
	"github.com/urfave/cli/v3"
)

var buildBindings = []flagBinding{
	{flag: "app", key: config.KeyBuildApp},
	{flag: "version", key: config.KeyBuildVersion},
	{flag: "url", key: config.KeyBuildURL},
	{flag: "min-version", key: config.KeyBuildMinVersion},
	{flag: "bundles-dir", key: config.KeyBuildBundlesDir},
	{flag: "baseline-dir", key: config.KeyBuildBaselineDir},
	{flag: "project-dir", key: config.KeyBuildProjectDir},
	{flag: "short-hash", key: config.KeyBuildShortHash},
	{flag: "pretty-print", key: config.KeyBuildPrettyPrint},
	{flag: "workers", key: config.KeyBuildWorkers},
	{flag: "copy-bundles", key: config.KeyBuildCopyBundles},
}

func (e *cliEnv) buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "fingerprint a bundle output directory and write its release records",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "app", Usage: "application identifier"},
			&cli.StringFlag{Name: "version", Usage: "release version, e.g. 1.2.0"},
			&cli.StringFlag{Name: "url", Usage: "base URL clients fetch this release from"},
			&cli.StringFlag{Name: "min-version", Usage: "oldest version that may patch incrementally"},
			&cli.StringFlag{Name: "bundles-dir", Usage: "bundle output directory"},
			&cli.StringFlag{Name: "baseline-dir", Usage: "directory that ships with the application"},
			&cli.StringFlag{Name: "project-dir", Usage: "root that asset paths are relative to"},
			&cli.BoolFlag{Name: "short-hash", Value: true, Usage: "truncate fingerprints to 8 hex characters"},
			&cli.BoolFlag{Name: "pretty-print", Value: true, Usage: "indent the written records"},
			&cli.IntFlag{Name: "workers", Usage: "parallel hashing workers (0 = number of CPUs)"},
			&cli.BoolFlag{Name: "copy-bundles", Usage: "also copy bundle files into the baseline directory"},
		},
		Action: e.buildAction,
	}
}

func (e *cliEnv) buildAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() > 0 {
		return fmt.Errorf("build does not accept arguments")
	}
	if err := applyFlagOverrides(cmd, buildBindings); err != nil {
		return err
	}

	cfg := builderConfig()
	res, err := builder.New(nil).Build(ctx, cfg)
	if err != nil {
		var vErr builder.ValidationError
		if errors.As(err, &vErr) {
			printValidationReasons(e.errOut, vErr.Reasons, terminalWidth(e.errOut))
		}
		return err
	}
	printBuildResult(e.out, cfg, res)
	return nil
}

func builderConfig() builder.Config {
	return builder.Config{
		App:         config.GetString(config.KeyBuildApp),
		Version:     config.GetString(config.KeyBuildVersion),
		URL:         config.GetString(config.KeyBuildURL),
		MinVersion:  config.GetString(config.KeyBuildMinVersion),
		BundlesDir:  config.GetString(config.KeyBuildBundlesDir),
		BaselineDir: config.GetString(config.KeyBuildBaselineDir),
		ProjectDir:  config.GetString(config.KeyBuildProjectDir),
		ShortHash:   config.GetBool(config.KeyBuildShortHash),
		PrettyPrint: config.GetBool(config.KeyBuildPrettyPrint),
		Workers:     config.GetInt(config.KeyBuildWorkers),
		CopyBundles: config.GetBool(config.KeyBuildCopyBundles),
	}
}

func printValidationReasons(w io.Writer, reasons []string, width int) {
	fmt.Fprintln(w, errorStyle.Render("Build settings are invalid:"))
	for _, r := range reasons {
		wrapped := wordwrap.String(r, max(width-4, 20))
		fmt.Fprintln(w, indentBlock("- "+wrapped, 2))
	}
}

func printBuildResult(w io.Writer, cfg builder.Config, res *builder.Result) {
	var total int64
	for _, f := range res.Files.Files {
		total += f.Size
	}
	fmt.Fprintf(w, "%s %s %s\n",
		titleStyle.Render("Built"),
		res.Version.App,
		versionStyle.Render(res.Version.Version))
	fmt.Fprintf(w, "  %d bundles, %s\n", len(res.Files.Files), humanize.Bytes(uint64(total)))
	fmt.Fprintf(w, "  url:      %s\n", res.Version.URL)
	if res.Version.MinVersion != "" {
		fmt.Fprintf(w, "  minimum:  %s\n", res.Version.MinVersion)
	}
	fmt.Fprintf(w, "  baseline: %s\n", cfg.BaselineDir)
	for _, path := range res.Written {
		fmt.Fprintf(w, "  %s %s\n", dimStyle.Render("wrote"), path)
	}
}
