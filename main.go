// Copyright 2025 Webb Technologies
//
// Bridge relayer entrypoint
// Loads configuration, opens the store, wires chains, watchers, signing
// backends, transaction queues and the HTTP API, then runs until interrupted.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/config"
	"github.com/webb-tools/bridge-relayer/pkg/events"
	"github.com/webb-tools/bridge-relayer/pkg/handlers"
	"github.com/webb-tools/bridge-relayer/pkg/metrics"
	"github.com/webb-tools/bridge-relayer/pkg/relay"
	"github.com/webb-tools/bridge-relayer/pkg/server"
	"github.com/webb-tools/bridge-relayer/pkg/signing"
	"github.com/webb-tools/bridge-relayer/pkg/store"
	"github.com/webb-tools/bridge-relayer/pkg/txqueue"
	"github.com/webb-tools/bridge-relayer/pkg/types"
	"github.com/webb-tools/bridge-relayer/pkg/watcher"
)

const version = "0.1.0"

// defaultStoreDir holds durable state when --tmp is not given.
const defaultStoreDir = "./data"

// stringSlice collects a repeatable string flag.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ",") }
func (s *stringSlice) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// relayerContext is the shared read-only wiring built at startup.
type relayerContext struct {
	cfg     *config.Config
	store   *store.Store
	bus     *events.Bus
	metrics *metrics.Metrics

	clients  map[types.ChainID]chains.Client
	queues   map[types.ChainID]*txqueue.Queue
	backends map[uint32]*signing.DKGNode // DKG backends keyed by DKG chain id
	watchers []*watcher.Watcher

	logger *log.Logger
}

func main() {
	var configDirs stringSlice
	flag.Var(&configDirs, "config-dir", "Directory of TOML/JSON config files (may repeat)")
	tmp := flag.Bool("tmp", false, "Use an ephemeral in-memory store")
	showVersion := flag.Bool("version", false, "Print version and exit")
	v := flag.Bool("v", false, "Verbose logging")
	vv := flag.Bool("vv", false, "Very verbose logging")
	vvv := flag.Bool("vvv", false, "Trace logging")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bridge-relayer %s\n", version)
		return
	}
	_ = *v
	if *vv || *vvv {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	logger := log.New(log.Writer(), "[Relayer] ", log.LstdFlags)

	cfg, err := config.Load(configDirs)
	if err != nil {
		logger.Printf("Configuration error: %v", err)
		os.Exit(1)
	}

	var st *store.Store
	if *tmp {
		st = store.OpenInMemory()
	} else {
		st, err = store.Open(defaultStoreDir)
		if err != nil {
			logger.Printf("Fatal: %v", err)
			os.Exit(2)
		}
	}
	defer st.Close()

	rc, err := buildContext(cfg, st, logger)
	if err != nil {
		logger.Printf("Fatal startup error: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, q := range rc.queues {
		wg.Add(1)
		go func(q *txqueue.Queue) {
			defer wg.Done()
			q.Run(ctx)
		}(q)
	}
	for _, w := range rc.watchers {
		wg.Add(1)
		go func(w *watcher.Watcher) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}

	httpServer := startAPI(rc)

	logger.Printf("🚀 Relayer %s started: %d chains, %d watchers, port %d",
		version, len(rc.clients), len(rc.watchers), cfg.Port)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Printf("Received %s, shutting down", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("HTTP shutdown: %v", err)
	}
	wg.Wait()

	for _, client := range rc.clients {
		client.Close()
	}

	if sig == syscall.SIGINT {
		os.Exit(130)
	}
}

// buildContext wires every component from configuration.
func buildContext(cfg *config.Config, st *store.Store, logger *log.Logger) (*relayerContext, error) {
	rc := &relayerContext{
		cfg:      cfg,
		store:    st,
		bus:      events.NewBus(),
		metrics:  metrics.New(),
		clients:  make(map[types.ChainID]chains.Client),
		queues:   make(map[types.ChainID]*txqueue.Queue),
		backends: make(map[uint32]*signing.DKGNode),
		logger:   logger,
	}

	// Pass 1: chain clients and transaction queues, so later wiring can
	// resolve any target chain.
	for _, chain := range cfg.EVM {
		if !chain.Enabled {
			continue
		}
		id := chain.TypedChainID()
		client := chains.NewEVMClient(id, chain.HTTPEndpoint, time.Duration(chain.BlockTimeMS)*time.Millisecond, nil)
		rc.clients[id] = client

		signer, err := txqueue.NewEVMSigner(chain.PrivateKey, chain.ChainID)
		if err != nil {
			return nil, fmt.Errorf("evm.%s: %w", chain.Name, err)
		}
		rc.queues[id] = txqueue.New(client, st, signer, rc.bus, rc.metrics, txqueue.Config{
			Confirmations:    chain.BlockConfirmations,
			BlockTime:        time.Duration(chain.BlockTimeMS) * time.Millisecond,
			MaxSleepInterval: time.Duration(chain.TxQueue.MaxSleepIntervalMS) * time.Millisecond,
			PollInterval:     time.Duration(chain.TxQueue.PollingIntervalMS) * time.Millisecond,
			MinGasPrice:      big.NewInt(5e9),
		}, nil)
	}
	for _, chain := range cfg.Substrate {
		if !chain.Enabled {
			continue
		}
		id := chain.TypedChainID()
		client := chains.NewSubstrateClient(id, chain.HTTPEndpoint, chain.WSEndpoint, time.Duration(chain.BlockTimeMS)*time.Millisecond, nil)
		rc.clients[id] = client
		rc.queues[id] = txqueue.New(client, st, txqueue.RawSigner{}, rc.bus, rc.metrics, txqueue.Config{
			Confirmations:    chain.BlockConfirmations,
			BlockTime:        time.Duration(chain.BlockTimeMS) * time.Millisecond,
			MaxSleepInterval: time.Duration(chain.TxQueue.MaxSleepIntervalMS) * time.Millisecond,
			PollInterval:     time.Duration(chain.TxQueue.PollingIntervalMS) * time.Millisecond,
		}, nil)
	}

	// Pass 2: watchers and handlers.
	for _, chain := range cfg.EVM {
		if !chain.Enabled {
			continue
		}
		if err := rc.wireEVMChain(chain); err != nil {
			return nil, err
		}
	}
	for _, chain := range cfg.Substrate {
		if !chain.Enabled {
			continue
		}
		if err := rc.wireSubstrateChain(chain); err != nil {
			return nil, err
		}
	}
	return rc, nil
}

// wireEVMChain builds the watchers for one EVM chain's contracts.
func (rc *relayerContext) wireEVMChain(chain *config.EVMChainConfig) error {
	id := chain.TypedChainID()
	client := rc.clients[id]

	for _, contract := range chain.Contracts {
		if contract.Contract != "VAnchor" || !contract.EventsWatcher.Enabled {
			continue
		}
		address := common.HexToAddress(contract.Address)
		filter := chains.EventFilter{
			Addresses: []common.Address{address},
			Topics:    [][]common.Hash{{handlers.TopicNewCommitment, handlers.TopicRootChanged}},
		}

		var hs []watcher.Handler
		hs = append(hs, handlers.NewLeafIndexer(rc.store, client, rc.bus, address.Hex(), filter, nil))

		if rc.cfg.Features.GovernanceRelay && len(contract.LinkedAnchors) > 0 && contract.ProposalSigningBackend != nil {
			backend, err := rc.resolveBackend(contract.ProposalSigningBackend, chain.Name)
			if err != nil {
				return err
			}
			targets, err := rc.resolveLinkedAnchors(contract.LinkedAnchors, backend)
			if err != nil {
				return err
			}
			local := types.NewResourceIDFromContract(address, id)
			hs = append(hs, handlers.NewEdgeProposer(rc.store, rc.bus, local, targets, nil))
		}

		w := watcher.New(client, rc.store, watcher.Config{
			Key:                   "vanchor/" + address.Hex(),
			DeployedAt:            contract.DeployedAt,
			Confirmations:         chain.BlockConfirmations,
			PollInterval:          time.Duration(contract.EventsWatcher.PollingIntervalMS) * time.Millisecond,
			PrintProgressInterval: time.Duration(contract.EventsWatcher.PrintProgressIntervalMS) * time.Millisecond,
			Filter:                filter,
		}, hs, rc.metrics, nil)
		rc.watchers = append(rc.watchers, w)
	}
	return nil
}

// wireSubstrateChain builds the watchers for one Substrate chain's pallets.
func (rc *relayerContext) wireSubstrateChain(chain *config.SubstrateChainConfig) error {
	id := chain.TypedChainID()
	client := rc.clients[id]

	for _, pallet := range chain.Pallets {
		if !pallet.EventsWatcher.Enabled {
			continue
		}
		var hs []watcher.Handler
		switch pallet.Pallet {
		case "mt":
			filter := chains.EventFilter{Pallet: "mt"}
			hs = append(hs, handlers.NewLeafIndexer(rc.store, client, rc.bus, server.SubstrateTreeKey(pallet.TreeID), filter, nil))
		case "dkgProposalHandler":
			if !rc.cfg.Features.GovernanceRelay {
				continue
			}
			backend := rc.backends[chain.ChainID]
			hs = append(hs, handlers.NewGovernanceHandler(backend, rc.bus, rc.governanceTargets(), nil))
		default:
			rc.logger.Printf("Ignoring unknown pallet %q on %s", pallet.Pallet, chain.Name)
			continue
		}

		w := watcher.New(client, rc.store, watcher.Config{
			Key:                   "pallet/" + pallet.Pallet,
			Confirmations:         chain.BlockConfirmations,
			PollInterval:          time.Duration(pallet.EventsWatcher.PollingIntervalMS) * time.Millisecond,
			PrintProgressInterval: time.Duration(pallet.EventsWatcher.PrintProgressIntervalMS) * time.Millisecond,
			Filter:                chains.EventFilter{Pallet: pallet.Pallet},
		}, hs, rc.metrics, nil)
		rc.watchers = append(rc.watchers, w)
	}
	return nil
}

// resolveBackend builds (or reuses) the signing backend a contract names.
func (rc *relayerContext) resolveBackend(cfg *config.SigningBackendConfig, chainName string) (signing.Backend, error) {
	switch cfg.Type {
	case "Mocked":
		backend, err := signing.NewMocked(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("evm.%s: %w", chainName, err)
		}
		return backend, nil
	case "DKGNode":
		if backend, ok := rc.backends[cfg.ChainID]; ok {
			return backend, nil
		}
		dkgChain := rc.cfg.FindSubstrate(cfg.ChainID)
		if dkgChain == nil {
			return nil, types.NewError(types.ErrKindConfig,
				fmt.Sprintf("evm.%s: DKG chain %d is not configured", chainName, cfg.ChainID), nil)
		}
		client := rc.clients[dkgChain.TypedChainID()]
		backend := signing.NewDKGNode(client, signing.DefaultDKGTimeout, nil)
		rc.backends[cfg.ChainID] = backend
		return backend, nil
	default:
		return nil, types.NewError(types.ErrKindConfig, fmt.Sprintf("unknown signing backend %q", cfg.Type), nil)
	}
}

// resolveLinkedAnchors maps the config's anchor graph onto live targets.
func (rc *relayerContext) resolveLinkedAnchors(links []config.LinkedAnchorConfig, backend signing.Backend) ([]handlers.LinkedAnchor, error) {
	targets := make([]handlers.LinkedAnchor, 0, len(links))
	for _, link := range links {
		target := rc.cfg.FindEVM(link.ChainID)
		if target == nil {
			return nil, types.NewError(types.ErrKindConfig,
				fmt.Sprintf("linked anchor names unconfigured chain %d", link.ChainID), nil)
		}
		targetID := target.TypedChainID()

		bridge, ok := findBridge(target)
		if !ok {
			return nil, types.NewError(types.ErrKindConfig,
				fmt.Sprintf("chain %d has no SignatureBridge contract", link.ChainID), nil)
		}

		targets = append(targets, handlers.LinkedAnchor{
			Resource: types.NewResourceIDFromContract(common.HexToAddress(link.Address), targetID),
			Bridge:   bridge,
			Backend:  backend,
			Queue:    rc.queues[targetID],
		})
	}
	return targets, nil
}

// governanceTargets routes signed proposals to every chain with a bridge.
func (rc *relayerContext) governanceTargets() map[types.ChainID]handlers.GovernanceTarget {
	targets := make(map[types.ChainID]handlers.GovernanceTarget)
	for _, chain := range rc.cfg.EVM {
		if !chain.Enabled {
			continue
		}
		bridge, ok := findBridge(chain)
		if !ok {
			continue
		}
		id := chain.TypedChainID()
		targets[id] = handlers.GovernanceTarget{Bridge: bridge, Queue: rc.queues[id]}
	}
	return targets
}

func findBridge(chain *config.EVMChainConfig) (common.Address, bool) {
	for _, contract := range chain.Contracts {
		if contract.Contract == "SignatureBridge" {
			return common.HexToAddress(contract.Address), true
		}
	}
	return common.Address{}, false
}

// startAPI assembles the fee oracle, relay and HTTP server.
func startAPI(rc *relayerContext) *http.Server {
	var oracle *relay.FeeOracle
	var privateRelay *relay.Relay

	if rc.cfg.Features.PrivateTxRelay {
		prices := relay.StaticPrices{}
		for symbol, asset := range rc.cfg.Assets {
			prices[symbol] = asset.Price
		}

		feeCfg := make(map[types.ChainID]relay.ChainFeeConfig)
		relayCfg := make(map[types.ChainID]relay.ChainRelayConfig)
		for _, chain := range rc.cfg.EVM {
			if !chain.Enabled {
				continue
			}
			id := chain.TypedChainID()
			signer, err := txqueue.NewEVMSigner(chain.PrivateKey, chain.ChainID)
			if err != nil {
				continue
			}
			native := chain.NativeAsset
			if native == "" {
				native = "ETH"
			}
			feeCfg[id] = relay.ChainFeeConfig{
				ProfitPercent:  chain.RelayerFeeConfig.RelayerProfitPercent,
				MaxRefundUSD:   chain.RelayerFeeConfig.MaxRefundAmountUSD,
				NativeSymbol:   native,
				RelayerAddress: signer.Address(),
			}
			cfg := relay.ChainRelayConfig{
				Enabled:        true,
				RelayerAddress: signer.Address(),
			}
			for _, contract := range chain.Contracts {
				if contract.Contract == "VAnchor" && contract.WithdrawConfig != nil {
					cfg.WithdrawGasLimit = contract.WithdrawConfig.GasLimit()
				}
			}
			relayCfg[id] = cfg
		}

		oracle = relay.NewFeeOracle(rc.clients, feeCfg, prices, relay.DefaultQuoteTTL, rc.metrics, nil)
		privateRelay = relay.NewRelay(oracle, rc.queues, relayCfg, rc.bus, rc.metrics, nil)
	}

	reporters := make([]server.HealthReporter, 0, len(rc.watchers))
	for _, w := range rc.watchers {
		reporters = append(reporters, w)
	}

	api := server.New(rc.store, oracle, privateRelay, rc.bus, rc.metrics, rc.cfg.Features, reporters, nil)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", rc.cfg.Port),
		Handler: api.Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rc.logger.Printf("HTTP server error: %v", err)
		}
	}()
	return httpServer
}
