package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tendermint/chainsync/config"
	"github.com/tendermint/chainsync/internal/blocksync"
	"github.com/tendermint/chainsync/internal/chain"
	"github.com/tendermint/chainsync/internal/pruner"
	"github.com/tendermint/chainsync/internal/store"
	"github.com/tendermint/chainsync/libs/log"
	"github.com/tendermint/chainsync/libs/service"
	"github.com/tendermint/chainsync/types"
)

// Node is the sync core of one process: a chain state per tracked network,
// the pruner over all of them, and a periodic block sync per network.
type Node struct {
	service.BaseService

	config  *config.Config
	logger  log.Logger
	network blocksync.Network

	registry *chain.Registry
	syncers  map[types.ChainID]*blocksync.Synchronizer
	stores   []closer
	pruner   *pruner.Pruner
	services *service.Group

	prometheusSrv *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type closer interface {
	Close() error
}

// NewNode opens the databases of every configured network and wires the
// components together. Nothing runs until Start.
func NewNode(
	cfg *config.Config,
	logger log.Logger,
	network blocksync.Network,
	consensus chain.Consensus,
	ledger chain.Ledger,
	dbProvider config.DBProvider,
) (*Node, error) {
	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	n := &Node{
		config:   cfg,
		logger:   logger,
		network:  network,
		registry: chain.NewRegistry(),
		syncers:  make(map[types.ChainID]*blocksync.Synchronizer),
	}

	syncMetrics, prunerMetrics := metricsProvider(cfg.Instrumentation)

	for _, id := range cfg.Chains() {
		state, err := n.openChain(id, consensus, ledger, dbProvider)
		if err != nil {
			n.closeStores()
			return nil, fmt.Errorf("opening chain %v: %w", id, err)
		}
		if err := n.registry.Register(state); err != nil {
			n.closeStores()
			return nil, err
		}

		n.syncers[id] = blocksync.NewSynchronizer(state, network, consensus,
			cfg.BlockSync, logger, syncMetrics.ForChain(id))
	}

	n.pruner = pruner.New(n.registry, cfg.Pruner, logger.With("module", "pruner"), prunerMetrics)
	n.services = service.NewGroup(logger, "NodeServices", n.pruner)
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

func (n *Node) openChain(
	id types.ChainID,
	consensus chain.Consensus,
	ledger chain.Ledger,
	dbProvider config.DBProvider,
) (*chain.State, error) {
	blockDB, err := dbProvider(config.ChainDBContext(n.config, config.BlockStoreDB, id))
	if err != nil {
		return nil, err
	}
	blockStore, err := store.NewBlockStore(blockDB)
	if err != nil {
		_ = blockDB.Close()
		return nil, err
	}
	n.stores = append(n.stores, blockStore)

	stateDB, err := dbProvider(config.ChainDBContext(n.config, config.ChainStateDB, id))
	if err != nil {
		return nil, err
	}
	paramStore := store.NewParamStore(stateDB)
	n.stores = append(n.stores, paramStore)

	return chain.NewState(id, blockStore, paramStore, n.config.Chain.Params(),
		consensus, ledger, n.logger), nil
}

func metricsProvider(cfg *config.InstrumentationConfig) (*blocksync.Metrics, *pruner.Metrics) {
	if cfg.Prometheus {
		return blocksync.PrometheusMetrics(cfg.Namespace), pruner.PrometheusMetrics(cfg.Namespace)
	}
	return blocksync.NopMetrics(), pruner.NopMetrics()
}

// OnStart loads every chain state and starts the pruner and the sync loops.
func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer()
	}

	var err error
	n.registry.Each(func(s *chain.State) {
		if err != nil {
			return
		}
		if serr := s.Start(); serr != nil {
			err = fmt.Errorf("starting chain %v: %w", s.ChainID(), serr)
			return
		}
		height, tip := s.Tip()
		n.logger.Info("loaded chain state", "chain", s.ChainID(), "height", height, "tip", tip)
	})
	if err != nil {
		return err
	}

	if err := n.services.Start(ctx); err != nil {
		return err
	}

	if !n.config.BlockSync.Enable {
		n.logger.Info("block sync disabled")
		return nil
	}

	ctx, n.cancel = context.WithCancel(ctx)
	for _, id := range n.registry.IDs() {
		n.wg.Add(1)
		go n.syncRoutine(ctx, id)
	}
	return nil
}

// OnStop stops the sync loops and the background services and closes the databases.
func (n *Node) OnStop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	if n.services.IsRunning() {
		if err := n.services.Stop(); err != nil {
			n.logger.Error("stopping services", "err", err)
		}
	}

	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Shutdown(context.Background()); err != nil {
			// Error from closing listeners, or context timeout:
			n.logger.Error("Prometheus HTTP server Shutdown", "err", err)
		}
	}

	n.closeStores()
}

func (n *Node) closeStores() {
	for _, s := range n.stores {
		if err := s.Close(); err != nil {
			n.logger.Error("closing database", "err", err)
		}
	}
	n.stores = nil
}

func (n *Node) syncRoutine(ctx context.Context, id types.ChainID) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.BlockSync.SyncInterval)
	defer ticker.Stop()

	for {
		if err := n.SyncNow(ctx, id); err != nil && ctx.Err() == nil {
			switch {
			case errors.Is(err, blocksync.ErrNoPeers), errors.Is(err, blocksync.ErrSyncInProgress):
				n.logger.Debug("block sync skipped", "chain", id, "reason", err)
			case errors.Is(err, chain.ErrNotRunning):
				n.logger.Debug("chain is not running, not syncing", "chain", id)
			default:
				n.logger.Error("block sync failed", "chain", id, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// SyncNow runs one block sync for id and, when blocks were committed,
// announces the new tip to the network.
func (n *Node) SyncNow(ctx context.Context, id types.ChainID) error {
	syncer, ok := n.syncers[id]
	if !ok {
		return fmt.Errorf("unknown chain %v", id)
	}
	state, _ := n.registry.Get(id)

	before := state.Height()
	if err := syncer.Sync(ctx); err != nil {
		return err
	}

	height, tip := state.Tip()
	if height == before {
		return nil
	}

	msg := types.SyncStatusMessage{ChainID: id, Height: height, Hash: tip}
	if err := n.network.Broadcast(ctx, id, msg); err != nil {
		n.logger.Error("broadcasting sync status", "chain", id, "err", err)
	}
	return nil
}

// AddBlocks files gossiped blocks with the chain state of id.
func (n *Node) AddBlocks(ctx context.Context, id types.ChainID, blocks []*types.Block) (chain.AddResult, error) {
	state, ok := n.registry.Get(id)
	if !ok {
		return chain.AddNone, fmt.Errorf("unknown chain %v", id)
	}
	return state.AddChain(ctx, blocks)
}

// Registry returns the chain states of the node.
func (n *Node) Registry() *chain.Registry { return n.registry }

// Pruner returns the pruner of the node.
func (n *Node) Pruner() *pruner.Pruner { return n.pruner }

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer() *http.Server {
	srv := &http.Server{
		Addr: n.config.Instrumentation.PrometheusListenAddr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{MaxRequestsInFlight: n.config.Instrumentation.MaxOpenConnections},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("Prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}
