// Copyright 2025 Webb Technologies
//
// Relayer configuration
// Loaded from one or more directories of TOML or JSON files; the effective
// configuration is the union of every readable file, with later files
// overlaying earlier ones per key. String values support $ENV and "> cmd"
// substitution, resolved once at load.

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// DefaultPort is the API listen port when none is configured.
const DefaultPort uint16 = 9955

// Config is the root of the relayer's configuration.
type Config struct {
	Port     uint16                 `json:"port"`
	Features FeaturesConfig         `json:"features"`
	Assets   map[string]AssetConfig `json:"assets"`

	EVM       map[string]*EVMChainConfig       `json:"evm"`
	Substrate map[string]*SubstrateChainConfig `json:"substrate"`
}

// FeaturesConfig gates which subsystems start.
type FeaturesConfig struct {
	GovernanceRelay bool `json:"governance_relay"`
	DataQuery       bool `json:"data_query"`
	PrivateTxRelay  bool `json:"private_tx_relay"`
}

// AssetConfig is one entry of the static price table.
type AssetConfig struct {
	Name     string  `json:"name"`
	Decimals int     `json:"decimals"`
	Price    float64 `json:"price"`
}

// TxQueueConfig paces one chain's queue consumer.
type TxQueueConfig struct {
	MaxSleepIntervalMS uint64 `json:"max_sleep_interval_ms"`
	PollingIntervalMS  uint64 `json:"polling_interval_ms"`
}

// RelayerFeeConfig is the per-chain fee policy.
type RelayerFeeConfig struct {
	RelayerProfitPercent float64 `json:"relayer_profit_percent"`
	MaxRefundAmountUSD   float64 `json:"max_refund_amount_usd"`
}

// EventsWatcherConfig parameterizes one contract or pallet watcher.
type EventsWatcherConfig struct {
	Enabled                 bool   `json:"enabled"`
	PollingIntervalMS       uint64 `json:"polling_interval_ms"`
	PrintProgressIntervalMS uint64 `json:"print_progress_interval_ms"`
}

// WithdrawConfig is the per-contract withdrawal relay policy.
type WithdrawConfig struct {
	WithdrawFeePercentage float64 `json:"withdraw_fee_percentage"`
	WithdrawGaslimitHex   string  `json:"withdraw_gaslimit_hex"`
}

// GasLimit parses the hex gas limit; zero when unset or invalid.
func (w *WithdrawConfig) GasLimit() uint64 {
	if w == nil || w.WithdrawGaslimitHex == "" {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(w.WithdrawGaslimitHex, "0x"), 16, 64)
	if err != nil {
		return 0
	}
	return v
}

// LinkedAnchorConfig names one foreign anchor connected to a local one.
type LinkedAnchorConfig struct {
	Type    string `json:"type"`
	Chain   string `json:"chain"`
	ChainID uint32 `json:"chain_id"`
	Address string `json:"address"`
}

// SigningBackendConfig selects the proposal signing backend for a bridge.
type SigningBackendConfig struct {
	// Type is "Mocked" or "DKGNode".
	Type string `json:"type"`
	// PrivateKey is the governor key for the Mocked backend.
	PrivateKey string `json:"private_key,omitempty"`
	// ChainID names the DKG chain for the DKGNode backend.
	ChainID uint32 `json:"chain_id,omitempty"`
}

// SmartAnchorUpdatesConfig is the optional update-delay window. The baseline
// relayer parses it but emits updates immediately.
type SmartAnchorUpdatesConfig struct {
	Enabled       bool   `json:"enabled"`
	MinTimeDelayS uint64 `json:"min_time_delay_s"`
	MaxTimeDelayS uint64 `json:"max_time_delay_s"`
}

// ContractConfig describes one watched EVM contract.
type ContractConfig struct {
	Contract               string                   `json:"contract"`
	Address                string                   `json:"address"`
	DeployedAt             uint64                   `json:"deployed_at"`
	EventsWatcher          EventsWatcherConfig      `json:"events_watcher"`
	WithdrawConfig         *WithdrawConfig          `json:"withdraw_config,omitempty"`
	LinkedAnchors          []LinkedAnchorConfig     `json:"linked_anchors,omitempty"`
	ProposalSigningBackend *SigningBackendConfig    `json:"proposal_signing_backend,omitempty"`
	SmartAnchorUpdates     SmartAnchorUpdatesConfig `json:"smart_anchor_updates"`
}

// EVMChainConfig describes one EVM chain.
type EVMChainConfig struct {
	Name               string           `json:"name"`
	ChainID            uint32           `json:"chain_id"`
	HTTPEndpoint       string           `json:"http_endpoint"`
	WSEndpoint         string           `json:"ws_endpoint"`
	BlockConfirmations uint64           `json:"block_confirmations"`
	BlockTimeMS        uint64           `json:"block_time_ms"`
	PrivateKey         string           `json:"private_key"`
	Enabled            bool             `json:"enabled"`
	TxQueue            TxQueueConfig    `json:"tx_queue"`
	RelayerFeeConfig   RelayerFeeConfig `json:"relayer_fee_config"`
	NativeAsset        string           `json:"native_asset"`
	Contracts          []ContractConfig `json:"contracts"`
}

// TypedChainID is the cross-chain identifier for this chain.
func (c *EVMChainConfig) TypedChainID() types.ChainID {
	return types.NewEVMChainID(c.ChainID)
}

// PalletConfig describes one watched Substrate pallet.
type PalletConfig struct {
	Pallet        string              `json:"pallet"`
	EventsWatcher EventsWatcherConfig `json:"events_watcher"`
	// TreeID namespaces the leaf cache for merkle-tree pallets.
	TreeID uint32 `json:"tree_id,omitempty"`
}

// SubstrateChainConfig describes one Substrate chain.
type SubstrateChainConfig struct {
	Name               string         `json:"name"`
	ChainID            uint32         `json:"chain_id"`
	HTTPEndpoint       string         `json:"http_endpoint"`
	WSEndpoint         string         `json:"ws_endpoint"`
	BlockConfirmations uint64         `json:"block_confirmations"`
	BlockTimeMS        uint64         `json:"block_time_ms"`
	PrivateKey         string         `json:"private_key"`
	Enabled            bool           `json:"enabled"`
	TxQueue            TxQueueConfig  `json:"tx_queue"`
	Pallets            []PalletConfig `json:"pallets"`
}

// TypedChainID is the cross-chain identifier for this chain.
func (c *SubstrateChainConfig) TypedChainID() types.ChainID {
	return types.NewSubstrateChainID(c.ChainID)
}

// Load reads every TOML and JSON file under the given directories and merges
// them into one configuration, later files overriding earlier ones per key.
func Load(dirs []string) (*Config, error) {
	if len(dirs) == 0 {
		return nil, types.NewError(types.ErrKindConfig, "at least one --config-dir is required", nil)
	}

	merged := make(map[string]any)
	loaded := 0
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, types.NewError(types.ErrKindConfig, fmt.Sprintf("failed to read config dir %s", dir), err)
		}
		names := make([]string, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			names = append(names, entry.Name())
		}
		sort.Strings(names)

		for _, name := range names {
			path := filepath.Join(dir, name)
			var doc map[string]any
			switch strings.ToLower(filepath.Ext(name)) {
			case ".toml":
				if _, err := toml.DecodeFile(path, &doc); err != nil {
					return nil, types.NewError(types.ErrKindConfig, fmt.Sprintf("failed to parse %s", path), err)
				}
			case ".json":
				raw, err := os.ReadFile(path)
				if err != nil {
					return nil, types.NewError(types.ErrKindConfig, fmt.Sprintf("failed to read %s", path), err)
				}
				if err := json.Unmarshal(raw, &doc); err != nil {
					return nil, types.NewError(types.ErrKindConfig, fmt.Sprintf("failed to parse %s", path), err)
				}
			default:
				continue
			}
			deepMerge(merged, doc)
			loaded++
		}
	}
	if loaded == 0 {
		return nil, types.NewError(types.ErrKindConfig, "no readable configuration files found", nil)
	}

	if err := substitute(merged); err != nil {
		return nil, err
	}

	// Round-trip through JSON to bind the merged document to typed config.
	raw, err := json.Marshal(merged)
	if err != nil {
		return nil, types.NewError(types.ErrKindConfig, "failed to re-encode merged config", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, types.NewError(types.ErrKindConfig, "invalid configuration", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMerge overlays src onto dst, recursing into nested maps.
func deepMerge(dst, src map[string]any) {
	for key, value := range src {
		if srcMap, ok := value.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = value
	}
}

// substitute resolves $ENV and "> cmd" string values in place.
func substitute(doc map[string]any) error {
	for key, value := range doc {
		resolved, err := substituteValue(value)
		if err != nil {
			return err
		}
		doc[key] = resolved
	}
	return nil
}

func substituteValue(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if err := substitute(v); err != nil {
			return nil, err
		}
		return v, nil
	case []any:
		for i, item := range v {
			resolved, err := substituteValue(item)
			if err != nil {
				return nil, err
			}
			v[i] = resolved
		}
		return v, nil
	case string:
		return substituteString(v)
	default:
		return value, nil
	}
}

func substituteString(s string) (string, error) {
	switch {
	case strings.HasPrefix(s, "$"):
		name := s[1:]
		resolved, ok := os.LookupEnv(name)
		if !ok {
			return "", types.NewError(types.ErrKindConfig, fmt.Sprintf("environment variable %s is not set", name), nil)
		}
		return resolved, nil
	case strings.HasPrefix(s, "> "):
		out, err := exec.Command("sh", "-c", strings.TrimPrefix(s, "> ")).Output()
		if err != nil {
			return "", types.NewError(types.ErrKindConfig, fmt.Sprintf("config command %q failed", s), err)
		}
		return strings.TrimSpace(string(out)), nil
	default:
		return s, nil
	}
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	for _, chain := range c.EVM {
		if chain.BlockConfirmations == 0 {
			chain.BlockConfirmations = 1
		}
		if chain.TxQueue.PollingIntervalMS == 0 {
			chain.TxQueue.PollingIntervalMS = 1000
		}
		for i := range chain.Contracts {
			if chain.Contracts[i].EventsWatcher.PollingIntervalMS == 0 {
				chain.Contracts[i].EventsWatcher.PollingIntervalMS = 6000
			}
		}
	}
	for _, chain := range c.Substrate {
		if chain.BlockConfirmations == 0 {
			chain.BlockConfirmations = 1
		}
		if chain.TxQueue.PollingIntervalMS == 0 {
			chain.TxQueue.PollingIntervalMS = 1000
		}
		for i := range chain.Pallets {
			if chain.Pallets[i].EventsWatcher.PollingIntervalMS == 0 {
				chain.Pallets[i].EventsWatcher.PollingIntervalMS = 6000
			}
		}
	}
}

// Validate aggregates every configuration problem into one error.
func (c *Config) Validate() error {
	var problems []string

	seen := make(map[types.ChainID]string)
	checkDuplicate := func(id types.ChainID, name string) {
		if other, dup := seen[id]; dup {
			problems = append(problems, fmt.Sprintf("chain id %s configured twice (%s and %s)", id, other, name))
		}
		seen[id] = name
	}

	for name, chain := range c.EVM {
		if !chain.Enabled {
			continue
		}
		if chain.ChainID == 0 {
			problems = append(problems, fmt.Sprintf("evm.%s: chain_id is required", name))
		}
		if chain.HTTPEndpoint == "" {
			problems = append(problems, fmt.Sprintf("evm.%s: http_endpoint is required", name))
		}
		if chain.PrivateKey == "" {
			problems = append(problems, fmt.Sprintf("evm.%s: private_key is required", name))
		} else if strings.Contains(strings.TrimSpace(chain.PrivateKey), " ") {
			problems = append(problems, fmt.Sprintf("evm.%s: mnemonic private keys are not supported; use raw hex, $ENV or > cmd", name))
		}
		checkDuplicate(chain.TypedChainID(), "evm."+name)

		for _, contract := range chain.Contracts {
			switch contract.Contract {
			case "VAnchor", "SignatureBridge":
			default:
				problems = append(problems, fmt.Sprintf("evm.%s: unknown contract kind %q", name, contract.Contract))
			}
			if contract.Address == "" {
				problems = append(problems, fmt.Sprintf("evm.%s: contract address is required", name))
			}
			if backend := contract.ProposalSigningBackend; backend != nil {
				switch backend.Type {
				case "Mocked":
					if backend.PrivateKey == "" {
						problems = append(problems, fmt.Sprintf("evm.%s: Mocked backend needs private_key", name))
					}
				case "DKGNode":
					if backend.ChainID == 0 {
						problems = append(problems, fmt.Sprintf("evm.%s: DKGNode backend needs chain_id", name))
					}
				default:
					problems = append(problems, fmt.Sprintf("evm.%s: unknown signing backend %q", name, backend.Type))
				}
			}
		}
	}

	for name, chain := range c.Substrate {
		if !chain.Enabled {
			continue
		}
		if chain.ChainID == 0 {
			problems = append(problems, fmt.Sprintf("substrate.%s: chain_id is required", name))
		}
		if chain.HTTPEndpoint == "" {
			problems = append(problems, fmt.Sprintf("substrate.%s: http_endpoint is required", name))
		}
		checkDuplicate(chain.TypedChainID(), "substrate."+name)
	}

	if c.Features.PrivateTxRelay {
		for symbol, asset := range c.Assets {
			if asset.Price <= 0 {
				problems = append(problems, fmt.Sprintf("assets.%s: price must be positive", symbol))
			}
		}
	}

	if len(problems) > 0 {
		return types.NewError(types.ErrKindConfig,
			fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(problems, "\n  - ")), nil)
	}
	return nil
}

// FindEVM returns the enabled EVM chain with the given id, if any.
func (c *Config) FindEVM(chainID uint32) *EVMChainConfig {
	for _, chain := range c.EVM {
		if chain.Enabled && chain.ChainID == chainID {
			return chain
		}
	}
	return nil
}

// FindSubstrate returns the enabled Substrate chain with the given id.
func (c *Config) FindSubstrate(chainID uint32) *SubstrateChainConfig {
	for _, chain := range c.Substrate {
		if chain.Enabled && chain.ChainID == chainID {
			return chain
		}
	}
	return nil
}
