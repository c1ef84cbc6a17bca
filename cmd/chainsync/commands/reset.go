package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/libs/log"
	tmos "github.com/tendermint/chainsync/libs/os"
)

// MakeResetCommand constructs a command that removes the databases of the
// configured networks.
func MakeResetCommand(conf *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Remove the block store and chain state of every configured network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ResetState(conf, *logger)
		},
	}
}

// ResetState removes the databases of every configured network and leaves an
// empty data directory behind.
func ResetState(conf *config.Config, logger log.Logger) error {
	dbDir := conf.DBDir()
	if !tmos.FileExists(dbDir) {
		logger.Info("data directory does not exist", "path", dbDir)
		return tmos.EnsureDir(dbDir, 0o700)
	}

	for _, id := range conf.Chains() {
		for _, prefix := range []string{config.BlockStoreDB, config.ChainStateDB} {
			path := filepath.Join(dbDir, id.DBName(prefix)+".db")
			if !tmos.FileExists(path) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("removing %s: %w", path, err)
			}
			logger.Info("removed database", "chain", id, "path", path)
		}
	}
	return tmos.EnsureDir(dbDir, 0o700)
}
