package commands

import (
	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
)

// MakeInitCommand returns the command that writes the config file and
// creates the data directory under the home directory.
func MakeInitCommand(conf *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize the chainsync home directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return initFiles(conf, *logger)
		},
	}
}

func initFiles(conf *config.Config, logger log.Logger) error {
	if err := config.EnsureRoot(conf.RootDir); err != nil {
		return err
	}

	// the loaded config carries flags and environment, the defaults do not
	file := config.ConfigFile(conf.RootDir)
	if err := config.WriteConfigFile(conf.RootDir, conf); err != nil {
		return err
	}
	logger.Info("wrote config file", "path", file)

	if err := tmos.EnsureDir(conf.DBDir(), 0o700); err != nil {
		return err
	}
	logger.Info("initialized home", "home", conf.RootDir, "chains", conf.Chains())
	return nil
}
