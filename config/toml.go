package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/atomicfile"

	tmos "github.com/tendermint/chainsync/libs/os"
)

// defaultDirPerm is the default permissions used when creating directories.
const defaultDirPerm = 0700

var configTemplate *template.Template

func init() {
	var err error
	tmpl := template.New("configFileTemplate")
	if configTemplate, err = tmpl.Parse(defaultConfigTemplate); err != nil {
		panic(err)
	}
}

/****** these are for production settings ***********/

// EnsureRoot creates the root, config, and data directories if they don't exist,
// and writes a default config file if none is present.
func EnsureRoot(rootDir string) error {
	if err := tmos.EnsureDir(rootDir, defaultDirPerm); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultConfigDir), defaultDirPerm); err != nil {
		return err
	}
	if err := tmos.EnsureDir(filepath.Join(rootDir, defaultDataDir), defaultDirPerm); err != nil {
		return err
	}
	return writeDefaultConfigFileIfNone(rootDir)
}

// ConfigFile returns the path of the config file under rootDir.
func ConfigFile(rootDir string) string {
	return filepath.Join(rootDir, defaultConfigFilePath)
}

// WriteConfigFile renders config using the template and writes it to the
// config file under rootDir.
func WriteConfigFile(rootDir string, config *Config) error {
	return config.WriteToTemplate(ConfigFile(rootDir))
}

// WriteToTemplate writes the config to the exact file specified by
// the path, in the default toml template and does not mangle the path
// or filename at all. The file is replaced atomically.
func (cfg *Config) WriteToTemplate(path string) error {
	var buffer bytes.Buffer

	if err := configTemplate.Execute(&buffer, cfg); err != nil {
		return err
	}

	// refuse to write a file the loader could not read back
	var check map[string]interface{}
	if _, err := toml.Decode(buffer.String(), &check); err != nil {
		return fmt.Errorf("rendered config is not valid toml: %w", err)
	}

	if _, err := atomicfile.WriteAll(path, &buffer, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func writeDefaultConfigFileIfNone(rootDir string) error {
	if !tmos.FileExists(ConfigFile(rootDir)) {
		return WriteConfigFile(rootDir, DefaultConfig())
	}
	return nil
}

// Note: any changes to the comments/variables/mapstructure
// must be reflected in the appropriate struct in config/config.go
const defaultConfigTemplate = `# This is a TOML config file.
# For more information, see https://github.com/toml-lang/toml

# NOTE: Any path below can be absolute (e.g. "/var/myawesomeapp/data") or
# relative to the home directory (e.g. "data"). The home directory is
# "$HOME/.chainsync" by default, but could be changed via $CSHOME env variable
# or --home cmd flag.

#######################################################################
###                   Main Base Config Options                      ###
#######################################################################

# Networks tracked by this node
chain-ids = [{{ range $i, $id := .BaseConfig.ChainIDs }}{{ if $i }}, {{ end }}{{ $id }}{{ end }}]

# Output level for logging, including package level options
log-level = "{{ .BaseConfig.LogLevel }}"

# Output format: 'plain' (colored text) or 'json'
log-format = "{{ .BaseConfig.LogFormat }}"

# Database backend: goleveldb | memdb
db-backend = "{{ .BaseConfig.DBBackend }}"

# Database directory
db-dir = "{{ .BaseConfig.DBPath }}"

#######################################################################
###                    Chain Parameter Defaults                     ###
#######################################################################
[chain]

# Used the first time a network is seen. Afterwards the parameters
# persisted in the chain state database take precedence.

# Largest encoded block accepted from peers, in bytes
block-max-size = {{ .Chain.BlockMaxSize }}

# A fork becomes the master chain once it is more than this many blocks
# above the master tip
chain-switch-threshold = {{ .Chain.ChainSwitchThreshold }}

# Maximum number of blocks held by fork and orphan chains
cache-size = {{ .Chain.CacheSize }}

# Fork and orphan chains starting further than this from the master tip
# are pruned
height-range = {{ .Chain.HeightRange }}

# Deepest master rollback a chain switch may perform
max-rollback = {{ .Chain.MaxRollback }}

# Number of blocks requested from a single peer
download-number = {{ .Chain.DownloadNumber }}

# Pruning cycles an orphan chain may survive
orphan-chain-max-age = {{ .Chain.OrphanChainMaxAge }}

#######################################################################
###                    Block Sync Configuration                     ###
#######################################################################
[blocksync]

# If false the node never downloads blocks and relies on gossip only
enable = {{ .BlockSync.Enable }}

# How often the node checks whether it has fallen behind its peers
sync-interval = "{{ .BlockSync.SyncInterval }}"

# Number of download tasks run at once
parallelism = {{ .BlockSync.Parallelism }}

# Number of submitted batches waiting to be collected
max-pending-batches = {{ .BlockSync.MaxPendingBatches }}

# Number of blocks buffered between the collector and the consumer
handoff-queue-size = {{ .BlockSync.HandoffQueueSize }}

# Downloads slower than this lower the peer's credit even on success
slow-download-threshold = "{{ .BlockSync.SlowDownloadThreshold }}"

# Number of times a failed batch is retried before the sync run fails
max-retries = {{ .BlockSync.MaxRetries }}

# Backoff between retries of a failed batch
retry-initial-interval = "{{ .BlockSync.RetryInitialInterval }}"
retry-max-interval = "{{ .BlockSync.RetryMaxInterval }}"

#######################################################################
###                      Pruner Configuration                       ###
#######################################################################
[pruner]

# Time between pruning cycles
interval = "{{ .Pruner.Interval }}"

# Longest a sweep waits for the chain state lock before skipping the cycle
lock-timeout = "{{ .Pruner.LockTimeout }}"

# The size-cap sweep removes at least 1/clean-param of the cached chains
# per pass
clean-param = {{ .Pruner.CleanParam }}

#######################################################################
###                  Instrumentation Configuration                  ###
#######################################################################
[instrumentation]

# When true, Prometheus metrics are served under /metrics on
# PrometheusListenAddr.
# Check out the documentation for the list of available metrics.
prometheus = {{ .Instrumentation.Prometheus }}

# Address to listen for Prometheus collector(s) connections
prometheus-listen-addr = "{{ .Instrumentation.PrometheusListenAddr }}"

# Maximum number of simultaneous connections.
# If you want to accept a larger number than the default, make sure
# you increase your OS limits.
# 0 - unlimited.
max-open-connections = {{ .Instrumentation.MaxOpenConnections }}

# Instrumentation namespace
namespace = "{{ .Instrumentation.Namespace }}"
`

/****** these are for test settings ***********/

// ResetTestRoot creates a fresh root directory under dir with a default
// config file and returns a test config rooted there.
func ResetTestRoot(dir, testName string) (*Config, error) {
	// create a unique, concurrency-safe test directory under dir
	rootDir, err := os.MkdirTemp(dir, fmt.Sprintf("%s_", testName))
	if err != nil {
		return nil, err
	}
	if err := EnsureRoot(rootDir); err != nil {
		return nil, err
	}

	config := TestConfig().SetRoot(rootDir)
	config.Instrumentation.Namespace = testName
	return config, nil
}
