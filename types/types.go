package types

import (
	"fmt"
	"strconv"
)

// ChainID identifies one logical network tracked by the node. Persisted
// tables are suffixed with it.
type ChainID uint16

func (id ChainID) String() string { return strconv.FormatUint(uint64(id), 10) }

// DBName returns the database name used for the given table prefix.
func (id ChainID) DBName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, id)
}

// NodeID is the identifier the network collaborator uses for a peer.
type NodeID string

// NodeInfo is a peer and the height it claims.
type NodeInfo struct {
	ID     NodeID
	Height int64
}
