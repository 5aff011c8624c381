// Program blobject is a command-line utility for serving and calling blobject
// peers.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/creachadair/blobject/internal/config"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

var rootFlags struct {
	Config  string `flag:"config,Configuration file (YAML)"`
	EnvFile string `flag:"env-file,Dotenv file of BLOBJECT_ settings"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Utilities for serving and calling blobject peers.

Settings are read from the file named by --config, if any, and then from
environment variables with the prefix BLOBJECT_, which may be supplied by the
file named by --env-file. Flags given to a subcommand override both.`,
		SetFlags: command.Flags(flax.MustBind, &rootFlags),
		Commands: []*command.C{
			serveCmd,
			callCmd,
			packCmd,
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadConfig loads the configuration and installs the default logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	var envFiles []string
	if rootFlags.EnvFile != "" {
		envFiles = append(envFiles, rootFlags.EnvFile)
	}
	cfg, err := config.Load(rootFlags.Config, envFiles...)
	if err != nil {
		return nil, nil, err
	}
	lvl, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)
	return cfg, log, nil
}

// readParams returns the parameter bytes named by arg. An argument of "-"
// reads standard input, "@path" reads the named file, and anything else is
// used verbatim.
func readParams(arg string) ([]byte, error) {
	switch {
	case arg == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		return data, nil
	case len(arg) > 1 && arg[0] == '@':
		data, err := os.ReadFile(arg[1:])
		if err != nil {
			return nil, fmt.Errorf("read params: %w", err)
		}
		return data, nil
	default:
		return []byte(arg), nil
	}
}
