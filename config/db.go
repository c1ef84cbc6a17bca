package config

import (
	dbm "github.com/tendermint/tm-db"

	"github.com/tendermint/chainsync/types"
)

// Database name prefixes. The chain id is appended to each.
const (
	BlockStoreDB = "blockstore"
	ChainStateDB = "chainstate"
)

// DBContext specifies config information for loading a new DB.
type DBContext struct {
	ID     string
	Config *Config
}

// DBProvider takes a DBContext and returns an instantiated DB.
type DBProvider func(*DBContext) (dbm.DB, error)

// DefaultDBProvider returns a database using the DBBackend and DBDir
// specified in the Config.
func DefaultDBProvider(ctx *DBContext) (dbm.DB, error) {
	dbType := dbm.BackendType(ctx.Config.DBBackend)

	return dbm.NewDB(ctx.ID, dbType, ctx.Config.DBDir())
}

// ChainDBContext returns the context for the named table of a network.
func ChainDBContext(cfg *Config, prefix string, id types.ChainID) *DBContext {
	return &DBContext{ID: id.DBName(prefix), Config: cfg}
}
