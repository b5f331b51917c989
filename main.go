// ABOUTME: Entry point for the hiresti command
// ABOUTME: Cobra root command with environment, logging and settings bootstrap
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hiresti/hiresti-audio/internal/config"
	"github.com/hiresti/hiresti-audio/internal/logging"
	"github.com/hiresti/hiresti-audio/internal/settings"
	"github.com/hiresti/hiresti-audio/internal/version"
)

// runtime is what every subcommand starts from
type runtime struct {
	env      *config.Config
	settings settings.Settings
	log      zerolog.Logger
	closer   io.Closer
}

// bootstrap loads the environment, sets up logging and reads settings.
// quiet routes console output away so a full-screen TUI is not overdrawn.
func bootstrap(quiet bool) (*runtime, error) {
	env, err := config.Load()
	if err != nil {
		return nil, err
	}

	opts := env.LogOptions()
	if quiet {
		opts.Console = io.Discard
		if opts.File == "" {
			opts.File = filepath.Join(filepath.Dir(env.SettingsPath), "hiresti.log")
		}
	}
	log, closer, err := logging.Setup(opts)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	log.Info().Str("version", version.Version).Str("engine", env.Engine()).Msg("Starting")

	return &runtime{
		env:      env,
		settings: settings.Load(env.SettingsPath),
		log:      log,
		closer:   closer,
	}, nil
}

func (r *runtime) Close() {
	_ = r.closer.Close()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hiresti",
		Short:         version.Product,
		Long:          "Hi-fi audio transport and output routing core",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newPlayCmd())
	root.AddCommand(newDevicesCmd())
	root.AddCommand(newSnapshotCmd())
	root.AddCommand(newDiagCmd())
	root.AddCommand(newSettingsCmd())
	root.AddCommand(newWatchCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
