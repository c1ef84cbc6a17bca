package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/cli"
	"github.com/tendermint/chainsync/libs/log"
)

// EnvPrefix is the prefix of the environment variables read into the config,
// as in CS_HOME or CS_LOG_LEVEL.
const EnvPrefix = "CS"

// ParseConfig retrieves the default environment configuration and sets up
// the chainsync root.
func ParseConfig(conf *config.Config) (*config.Config, error) {
	if err := viper.Unmarshal(conf); err != nil {
		return nil, err
	}

	conf.SetRoot(conf.RootDir)

	if err := conf.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("error in config file: %w", err)
	}
	return conf, nil
}

// RootCommand constructs the root command-line entry point. logger is
// replaced once the config is loaded.
func RootCommand(conf *config.Config, logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chainsync",
		Short: "Block sync and fork resolution core",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			pconf, err := ParseConfig(conf)
			if err != nil {
				return err
			}
			*conf = *pconf

			l, err := log.NewDefaultLogger(conf.LogFormat, conf.LogLevel)
			if err != nil {
				return err
			}
			*logger = l
			return nil
		},
	}
	cmd.PersistentFlags().String("log-level", conf.LogLevel, "log level")
	cmd.PersistentFlags().String("log-format", conf.LogFormat, "log format: plain | json")
	return cli.PrepareBaseCmd(cmd, EnvPrefix, os.ExpandEnv(filepath.Join("$HOME", config.DefaultChainsyncDir)))
}
