package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/tendermint/chainsync/types"
)

const (
	// LogFormatPlain is a format for colored text
	LogFormatPlain = "plain"
	// LogFormatJSON is a format for json output
	LogFormatJSON = "json"
)

// NOTE: Most of the structs & relevant comments + the
// default configuration options were used to manually
// generate the config.toml. Please reflect any changes
// made here in the defaultConfigTemplate constant in
// config/toml.go
// NOTE: libs/cli must know to look in the config dir!
var (
	DefaultChainsyncDir = ".chainsync"
	defaultConfigDir    = "config"
	defaultDataDir      = "data"

	defaultConfigFileName = "config.toml"

	defaultConfigFilePath = filepath.Join(defaultConfigDir, defaultConfigFileName)
)

// Config defines the top level configuration for a chainsync node
type Config struct {
	// Top level options use an anonymous struct
	BaseConfig `mapstructure:",squash"`

	// Options for services
	Chain           *ChainConfig           `mapstructure:"chain"`
	BlockSync       *BlockSyncConfig       `mapstructure:"blocksync"`
	Pruner          *PrunerConfig          `mapstructure:"pruner"`
	Instrumentation *InstrumentationConfig `mapstructure:"instrumentation"`
}

// DefaultConfig returns a default configuration for a chainsync node
func DefaultConfig() *Config {
	return &Config{
		BaseConfig:      DefaultBaseConfig(),
		Chain:           DefaultChainConfig(),
		BlockSync:       DefaultBlockSyncConfig(),
		Pruner:          DefaultPrunerConfig(),
		Instrumentation: DefaultInstrumentationConfig(),
	}
}

// TestConfig returns a configuration that can be used for testing
func TestConfig() *Config {
	return &Config{
		BaseConfig:      TestBaseConfig(),
		Chain:           TestChainConfig(),
		BlockSync:       TestBlockSyncConfig(),
		Pruner:          TestPrunerConfig(),
		Instrumentation: TestInstrumentationConfig(),
	}
}

// SetRoot sets the RootDir for all Config structs
func (cfg *Config) SetRoot(root string) *Config {
	cfg.BaseConfig.RootDir = root
	return cfg
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *Config) ValidateBasic() error {
	if err := cfg.BaseConfig.ValidateBasic(); err != nil {
		return err
	}
	if err := cfg.Chain.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [chain] section")
	}
	if err := cfg.BlockSync.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [blocksync] section")
	}
	if err := cfg.Pruner.ValidateBasic(); err != nil {
		return pkgerrors.Wrap(err, "error in [pruner] section")
	}
	return pkgerrors.Wrap(
		cfg.Instrumentation.ValidateBasic(),
		"error in [instrumentation] section",
	)
}

//-----------------------------------------------------------------------------
// BaseConfig

// BaseConfig defines the base configuration for a chainsync node
type BaseConfig struct {
	// The root directory for all data.
	// This should be set in viper so it can unmarshal into this struct
	RootDir string `mapstructure:"home"`

	// Networks tracked by this node. Each gets its own block store and
	// chain state databases.
	ChainIDs []uint16 `mapstructure:"chain-ids"`

	// Output level for logging
	LogLevel string `mapstructure:"log-level"`

	// Output format: 'plain' (colored text) or 'json'
	LogFormat string `mapstructure:"log-format"`

	// Database backend: goleveldb | memdb
	DBBackend string `mapstructure:"db-backend"`

	// Database directory
	DBPath string `mapstructure:"db-dir"`
}

// DefaultBaseConfig returns a default base configuration for a chainsync node
func DefaultBaseConfig() BaseConfig {
	return BaseConfig{
		ChainIDs:  []uint16{1},
		LogLevel:  DefaultLogLevel,
		LogFormat: LogFormatPlain,
		DBBackend: "goleveldb",
		DBPath:    defaultDataDir,
	}
}

// TestBaseConfig returns a base configuration for testing a chainsync node
func TestBaseConfig() BaseConfig {
	cfg := DefaultBaseConfig()
	cfg.DBBackend = "memdb"
	return cfg
}

// DBDir returns the full path to the database directory
func (cfg BaseConfig) DBDir() string {
	return rootify(cfg.DBPath, cfg.RootDir)
}

// Chains returns the tracked networks.
func (cfg BaseConfig) Chains() []types.ChainID {
	ids := make([]types.ChainID, len(cfg.ChainIDs))
	for i, id := range cfg.ChainIDs {
		ids[i] = types.ChainID(id)
	}
	return ids
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg BaseConfig) ValidateBasic() error {
	switch cfg.LogFormat {
	case LogFormatPlain, LogFormatJSON:
	default:
		return errors.New("unknown log-format (must be 'plain' or 'json')")
	}

	if len(cfg.ChainIDs) == 0 {
		return errors.New("chain-ids can't be empty")
	}
	seen := make(map[uint16]bool, len(cfg.ChainIDs))
	for _, id := range cfg.ChainIDs {
		if seen[id] {
			return fmt.Errorf("duplicate chain id %d", id)
		}
		seen[id] = true
	}

	switch cfg.DBBackend {
	case "goleveldb", "memdb":
	default:
		return fmt.Errorf("unsupported db-backend %q (must be 'goleveldb' or 'memdb')", cfg.DBBackend)
	}
	return nil
}

// DefaultLogLevel is the log level used when none is configured.
const DefaultLogLevel = "info"

//-----------------------------------------------------------------------------
// ChainConfig

// ChainConfig holds the chain parameters a network starts with. Once a
// network has persisted its parameters those take precedence.
type ChainConfig struct {
	// Largest encoded block accepted from peers, in bytes
	BlockMaxSize int64 `mapstructure:"block-max-size"`

	// A fork becomes the master chain once it is more than this many blocks
	// above the master tip
	ChainSwitchThreshold int64 `mapstructure:"chain-switch-threshold"`

	// Maximum number of blocks held by fork and orphan chains
	CacheSize int64 `mapstructure:"cache-size"`

	// Fork and orphan chains starting further than this from the master tip
	// are pruned
	HeightRange int64 `mapstructure:"height-range"`

	// Deepest master rollback a chain switch may perform
	MaxRollback int64 `mapstructure:"max-rollback"`

	// Number of blocks requested from a single peer
	DownloadNumber int64 `mapstructure:"download-number"`

	// Pruning cycles an orphan chain may survive
	OrphanChainMaxAge int64 `mapstructure:"orphan-chain-max-age"`
}

// DefaultChainConfig returns the default chain parameters.
func DefaultChainConfig() *ChainConfig {
	p := types.DefaultChainParams()
	return &ChainConfig{
		BlockMaxSize:         p.BlockMaxSize,
		ChainSwitchThreshold: p.ChainSwitchThreshold,
		CacheSize:            p.CacheSize,
		HeightRange:          p.HeightRange,
		MaxRollback:          p.MaxRollback,
		DownloadNumber:       p.DownloadNumber,
		OrphanChainMaxAge:    p.OrphanChainMaxAge,
	}
}

// TestChainConfig returns chain parameters for testing.
func TestChainConfig() *ChainConfig {
	cfg := DefaultChainConfig()
	cfg.CacheSize = 100
	cfg.HeightRange = 30
	cfg.DownloadNumber = 2
	return cfg
}

// Params converts the section into chain params.
func (cfg *ChainConfig) Params() types.ChainParams {
	return types.ChainParams{
		BlockMaxSize:         cfg.BlockMaxSize,
		ChainSwitchThreshold: cfg.ChainSwitchThreshold,
		CacheSize:            cfg.CacheSize,
		HeightRange:          cfg.HeightRange,
		MaxRollback:          cfg.MaxRollback,
		DownloadNumber:       cfg.DownloadNumber,
		OrphanChainMaxAge:    cfg.OrphanChainMaxAge,
	}
}

// ValidateBasic performs basic validation.
func (cfg *ChainConfig) ValidateBasic() error {
	return cfg.Params().ValidateBasic()
}

//-----------------------------------------------------------------------------
// BlockSyncConfig

// BlockSyncConfig defines the configuration for the block download pipeline.
type BlockSyncConfig struct {
	// If false the node never downloads blocks and relies on gossip only
	Enable bool `mapstructure:"enable"`

	// How often the node checks whether it has fallen behind its peers
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	// Number of download tasks run at once
	Parallelism int `mapstructure:"parallelism"`

	// Number of submitted batches waiting to be collected
	MaxPendingBatches int `mapstructure:"max-pending-batches"`

	// Number of blocks buffered between the collector and the consumer
	HandoffQueueSize int `mapstructure:"handoff-queue-size"`

	// Downloads slower than this lower the peer's credit even on success
	SlowDownloadThreshold time.Duration `mapstructure:"slow-download-threshold"`

	// Number of times a failed batch is retried before the sync run fails
	MaxRetries uint64 `mapstructure:"max-retries"`

	// Backoff between retries of a failed batch
	RetryInitialInterval time.Duration `mapstructure:"retry-initial-interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry-max-interval"`
}

// DefaultBlockSyncConfig returns a default configuration for block sync.
func DefaultBlockSyncConfig() *BlockSyncConfig {
	return &BlockSyncConfig{
		Enable:                true,
		SyncInterval:          10 * time.Second,
		Parallelism:           8,
		MaxPendingBatches:     16,
		HandoffQueueSize:      256,
		SlowDownloadThreshold: 2 * time.Second,
		MaxRetries:            10,
		RetryInitialInterval:  100 * time.Millisecond,
		RetryMaxInterval:      5 * time.Second,
	}
}

// TestBlockSyncConfig returns a configuration for testing block sync.
func TestBlockSyncConfig() *BlockSyncConfig {
	cfg := DefaultBlockSyncConfig()
	cfg.SyncInterval = 100 * time.Millisecond
	cfg.Parallelism = 4
	cfg.MaxPendingBatches = 4
	cfg.HandoffQueueSize = 8
	cfg.MaxRetries = 3
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 10 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *BlockSyncConfig) ValidateBasic() error {
	if cfg.SyncInterval <= 0 {
		return errors.New("sync-interval must be positive")
	}
	if cfg.Parallelism <= 0 {
		return errors.New("parallelism must be positive")
	}
	if cfg.MaxPendingBatches <= 0 {
		return errors.New("max-pending-batches must be positive")
	}
	if cfg.HandoffQueueSize < 0 {
		return errors.New("handoff-queue-size can't be negative")
	}
	if cfg.SlowDownloadThreshold <= 0 {
		return errors.New("slow-download-threshold must be positive")
	}
	if cfg.RetryInitialInterval <= 0 {
		return errors.New("retry-initial-interval must be positive")
	}
	if cfg.RetryMaxInterval < cfg.RetryInitialInterval {
		return fmt.Errorf("retry-max-interval (%v) can't be less than retry-initial-interval (%v)",
			cfg.RetryMaxInterval, cfg.RetryInitialInterval)
	}
	return nil
}

//-----------------------------------------------------------------------------
// PrunerConfig

// PrunerConfig defines the configuration for the fork and orphan chain pruner.
type PrunerConfig struct {
	// Time between pruning cycles
	Interval time.Duration `mapstructure:"interval"`

	// Longest a sweep waits for the chain state lock before skipping the cycle
	LockTimeout time.Duration `mapstructure:"lock-timeout"`

	// The size-cap sweep removes at least 1/clean-param of the cached chains
	// per pass
	CleanParam int64 `mapstructure:"clean-param"`
}

// DefaultPrunerConfig returns a default configuration for the pruner.
func DefaultPrunerConfig() *PrunerConfig {
	return &PrunerConfig{
		Interval:    10 * time.Second,
		LockTimeout: time.Second,
		CleanParam:  10,
	}
}

// TestPrunerConfig returns a configuration for testing the pruner.
func TestPrunerConfig() *PrunerConfig {
	cfg := DefaultPrunerConfig()
	cfg.Interval = 50 * time.Millisecond
	cfg.LockTimeout = 50 * time.Millisecond
	return cfg
}

// ValidateBasic performs basic validation.
func (cfg *PrunerConfig) ValidateBasic() error {
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	if cfg.LockTimeout <= 0 {
		return errors.New("lock-timeout must be positive")
	}
	if cfg.CleanParam < 1 {
		return errors.New("clean-param must be at least 1")
	}
	return nil
}

//-----------------------------------------------------------------------------
// InstrumentationConfig

// InstrumentationConfig defines the configuration for metrics reporting.
type InstrumentationConfig struct {
	// When true, Prometheus metrics are served under /metrics on
	// PrometheusListenAddr.
	// Check out the documentation for the list of available metrics.
	Prometheus bool `mapstructure:"prometheus"`

	// Address to listen for Prometheus collector(s) connections.
	PrometheusListenAddr string `mapstructure:"prometheus-listen-addr"`

	// Maximum number of simultaneous connections.
	// If you want to accept a larger number than the default, make sure
	// you increase your OS limits.
	// 0 - unlimited.
	MaxOpenConnections int `mapstructure:"max-open-connections"`

	// Instrumentation namespace.
	Namespace string `mapstructure:"namespace"`
}

// DefaultInstrumentationConfig returns a default configuration for metrics
// reporting.
func DefaultInstrumentationConfig() *InstrumentationConfig {
	return &InstrumentationConfig{
		Prometheus:           false,
		PrometheusListenAddr: ":26660",
		MaxOpenConnections:   3,
		Namespace:            "chainsync",
	}
}

// TestInstrumentationConfig returns a default configuration for metrics
// reporting.
func TestInstrumentationConfig() *InstrumentationConfig {
	return DefaultInstrumentationConfig()
}

// ValidateBasic performs basic validation (checking param bounds, etc.) and
// returns an error if any check fails.
func (cfg *InstrumentationConfig) ValidateBasic() error {
	if cfg.MaxOpenConnections < 0 {
		return errors.New("max-open-connections can't be negative")
	}
	return nil
}

//-----------------------------------------------------------------------------
// Utils

// helper function to make config creation independent of root dir
func rootify(path, root string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}
