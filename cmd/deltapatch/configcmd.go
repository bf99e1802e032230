package main

import (
	"context"
	"fmt"
	"strings"

	"deltapatch/internal/config"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v2"
)

func (e *cliEnv) configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "inspect or change persistent settings",
		Commands: []*cli.Command{
			{
				Name:   "show",
				Usage:  "print the merged configuration",
				Action: e.configShowAction,
			},
			{
				Name:      "set",
				Usage:     "write a setting to the project or user config file",
				ArgsUsage: "<key> <value>",
				Action:    e.configSetAction,
			},
		},
	}
}

func (e *cliEnv) configShowAction(_ context.Context, _ *cli.Command) error {
	out, err := yaml.Marshal(config.AllSettings())
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	_, err = e.out.Write(out)
	return err
}

func (e *cliEnv) configSetAction(_ context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 2 {
		return cli.Exit("usage: deltapatch config set <key> <value>", 2)
	}
	key := strings.TrimSpace(cmd.Args().Get(0))
	value := cmd.Args().Get(1)
	path, err := config.Save(key, value)
	if err != nil {
		return err
	}
	fmt.Fprintf(e.out, "%s %s = %s in %s\n", successStyle.Render("Saved"), key, value, path)
	return nil
}
