package main

import (
	"context"
	"fmt"

	"deltapatch/internal/config"
	"deltapatch/internal/server"

	"github.com/urfave/cli/v3"
)

var serveBindings = []flagBinding{
	{flag: "dir", key: config.KeyServeDir},
	{flag: "prefix", key: config.KeyServePrefix},
	{flag: "addr", key: config.KeyServeAddr},
}

func (e *cliEnv) serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "serve a built release over HTTP for local testing",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "release directory (version.json, files.json and bundles)"},
			&cli.StringFlag{Name: "prefix", Usage: "URL path the release is mounted under"},
			&cli.StringFlag{Name: "addr", Usage: "listen address"},
		},
		Action: e.serveAction,
	}
}

func (e *cliEnv) serveAction(ctx context.Context, cmd *cli.Command) error {
	if err := applyFlagOverrides(cmd, serveBindings); err != nil {
		return err
	}
	cfg := server.Config{
		Dir:    config.GetString(config.KeyServeDir),
		Prefix: config.GetString(config.KeyServePrefix),
		Addr:   config.GetString(config.KeyServeAddr),
	}
	fmt.Fprintf(e.out, "%s %s on %s\n", titleStyle.Render("Serving"), cfg.Dir, cfg.Addr)
	return server.ListenAndServe(ctx, cfg)
}
