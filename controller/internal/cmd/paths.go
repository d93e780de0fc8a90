package cmd

import (
	"github.com/spf13/cobra"

	"github.com/amurg-ai/remotectl/controller/internal/config"
	"github.com/amurg-ai/remotectl/controller/internal/daemon"
	"github.com/amurg-ai/remotectl/controller/internal/wizard"
)

// resolveConfigPath returns the config file path from (in priority order):
// 1. Positional argument
// 2. --config / -c flag
// 3. Default value
func resolveConfigPath(cmd *cobra.Command, args []string, defaultPath string) string {
	if len(args) > 0 {
		return args[0]
	}
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if f := cmd.Root().PersistentFlags().Lookup("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	return defaultPath
}

// resolvePaths finds the data directory of the controller the user means:
// --data-dir, then the config file's controller.data_dir, then the default.
func resolvePaths(cmd *cobra.Command, args []string) daemon.Paths {
	if f := cmd.Root().PersistentFlags().Lookup("data-dir"); f != nil && f.Changed {
		return daemon.NewPaths(f.Value.String())
	}
	if cfg, err := config.Load(resolveConfigPath(cmd, args, wizard.DefaultOutput)); err == nil {
		return daemon.NewPaths(cfg.Controller.DataDir)
	}
	return daemon.NewPaths("")
}

// loadConfig loads the config and lets --data-dir override data_dir.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, string, error) {
	path := resolveConfigPath(cmd, args, wizard.DefaultOutput)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	if f := cmd.Root().PersistentFlags().Lookup("data-dir"); f != nil && f.Changed {
		cfg.Controller.DataDir = f.Value.String()
	}
	return cfg, path, nil
}
