package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"deltapatch/internal/config"
	"deltapatch/internal/debug"
	appErrors "deltapatch/internal/errors"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := config.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// run executes the CLI with the given arguments. It never exits the process.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	env := &cliEnv{out: stdout, errOut: stderr}
	return env.rootCommand().Run(ctx, args)
}

// cliEnv carries the output streams shared by every command.
type cliEnv struct {
	out    io.Writer
	errOut io.Writer
}

func (e *cliEnv) rootCommand() *cli.Command {
	return &cli.Command{
		Name:      "deltapatch",
		Usage:     "build release manifests and apply incremental content updates",
		Writer:    e.out,
		ErrWriter: e.errOut,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "write a detail log to ~/.deltapatch/debug.log",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "disable colored output",
			},
			&cli.StringFlag{
				Name:  "output-format",
				Usage: "markdown style for summaries (rich, light, plain)",
			},
		},
		Before: e.before,
		After: func(context.Context, *cli.Command) error {
			debug.Close()
			return nil
		},
		// Errors are reported by main; never exit from inside Run.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Commands: []*cli.Command{
			e.buildCommand(),
			e.checkCommand(),
			e.applyCommand(),
			e.statusCommand(),
			e.serveCommand(),
			e.configCommand(),
			e.versionCommand(),
		},
	}
}

func (e *cliEnv) before(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if err := applyFlagOverrides(cmd, []flagBinding{
		{flag: "debug", key: config.KeyDebug},
		{flag: "output-format", key: config.KeyOutputFormat},
	}); err != nil {
		return ctx, err
	}
	if cmd.Bool("no-color") {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
	if err := debug.Init(config.GetBool(config.KeyDebug)); err != nil {
		fmt.Fprintf(e.errOut, "Warning: debug log unavailable: %v\n", err)
	}
	debug.SetMirror(e.errOut)
	return ctx, nil
}

// flagBinding ties a CLI flag to the configuration key it overrides.
type flagBinding struct {
	flag string
	key  string
}

// applyFlagOverrides copies explicitly set flags into the configuration so
// flags win over files and environment.
func applyFlagOverrides(cmd *cli.Command, bindings []flagBinding) error {
	overrides := make(map[string]any, len(bindings))
	for _, b := range bindings {
		if cmd.IsSet(b.flag) {
			overrides[b.key] = cmd.Value(b.flag)
		}
	}
	return config.ApplyOverrides(overrides)
}

// exitCode maps an error to a process exit status.
func exitCode(err error) int {
	var exitErr cli.ExitCoder
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	switch appErrors.CodeOf(err) {
	case appErrors.CodeConfiguration:
		return 2
	case appErrors.CodeCancelled:
		return 130
	default:
		return 1
	}
}
