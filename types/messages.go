package types

// Message is anything the core hands to the network collaborator for
// broadcast or direct delivery.
type Message interface {
	MessageType() string
}

// SyncStatusMessage announces the local master tip after a completed sync run.
type SyncStatusMessage struct {
	ChainID ChainID
	Height  int64
	Hash    Hash
}

// MessageType implements Message.
func (SyncStatusMessage) MessageType() string { return "sync_status" }

// GetBlocksMessage asks a peer for count blocks starting at StartHeight.
type GetBlocksMessage struct {
	ChainID     ChainID
	StartHeight int64
	Count       int64
	MessageID   string
}

// MessageType implements Message.
func (GetBlocksMessage) MessageType() string { return "get_blocks" }
