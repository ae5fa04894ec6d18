// Copyright 2025 Webb Technologies
//
// Configuration loading tests: multi-file merge, substitution, validation.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

const baseTOML = `
port = 9955

[features]
governance_relay = true
data_query = true

[evm.hermes]
name = "hermes"
chain_id = 5001
http_endpoint = "http://localhost:8545"
private_key = "0x4f3edf983ac636a65a842ce7c78d9aa706d3b113bce9c46f30d7d21715b23b1d"
enabled = true

[[evm.hermes.contracts]]
contract = "VAnchor"
address = "0x91eB86019FD8D7c5a9E31143D422850A13F670A3"
deployed_at = 10

[evm.hermes.contracts.events_watcher]
enabled = true
polling_interval_ms = 1000
`

func TestLoadSingleTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "relayer.toml", baseTOML)

	cfg, err := Load([]string{dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9955 {
		t.Errorf("port = %d", cfg.Port)
	}
	chain := cfg.FindEVM(5001)
	if chain == nil {
		t.Fatal("hermes not found")
	}
	if chain.TypedChainID() != types.NewEVMChainID(5001) {
		t.Errorf("typed chain id = %v", chain.TypedChainID())
	}
	if len(chain.Contracts) != 1 || chain.Contracts[0].Contract != "VAnchor" {
		t.Errorf("contracts = %+v", chain.Contracts)
	}
	if chain.Contracts[0].EventsWatcher.PollingIntervalMS != 1000 {
		t.Errorf("polling = %d", chain.Contracts[0].EventsWatcher.PollingIntervalMS)
	}
	// Default applied after merge.
	if chain.BlockConfirmations != 1 {
		t.Errorf("default confirmations = %d", chain.BlockConfirmations)
	}
}

func TestLaterFilesOverride(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "00-base.toml", baseTOML)
	writeFile(t, dir, "10-override.json", `{"port": 8000, "evm": {"hermes": {"block_confirmations": 7}}}`)

	cfg, err := Load([]string{dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8000 {
		t.Errorf("port = %d, want override 8000", cfg.Port)
	}
	chain := cfg.FindEVM(5001)
	if chain == nil {
		t.Fatal("merge dropped hermes")
	}
	if chain.BlockConfirmations != 7 {
		t.Errorf("confirmations = %d, want 7", chain.BlockConfirmations)
	}
	// Untouched keys survive the overlay.
	if chain.HTTPEndpoint != "http://localhost:8545" {
		t.Errorf("endpoint lost in merge: %q", chain.HTTPEndpoint)
	}
}

func TestEnvSubstitution(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_RELAYER_PK", "0xdeadbeef")
	writeFile(t, dir, "relayer.toml", `
[evm.hermes]
name = "hermes"
chain_id = 5001
http_endpoint = "http://localhost:8545"
private_key = "$TEST_RELAYER_PK"
enabled = true
`)

	cfg, err := Load([]string{dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.FindEVM(5001).PrivateKey; got != "0xdeadbeef" {
		t.Errorf("private key = %q", got)
	}
}

func TestMissingEnvFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "relayer.toml", `
[evm.hermes]
name = "hermes"
chain_id = 5001
http_endpoint = "http://localhost:8545"
private_key = "$DEFINITELY_NOT_SET_ANYWHERE_12345"
enabled = true
`)
	if _, err := Load([]string{dir}); err == nil {
		t.Fatal("expected error for unset environment variable")
	}
}

func TestCommandSubstitution(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "relayer.toml", `
[evm.hermes]
name = "hermes"
chain_id = 5001
http_endpoint = "http://localhost:8545"
private_key = "> echo 0xcafef00d"
enabled = true
`)

	cfg, err := Load([]string{dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.FindEVM(5001).PrivateKey; got != "0xcafef00d" {
		t.Errorf("private key = %q", got)
	}
}

func TestValidationAggregatesProblems(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "relayer.toml", `
[evm.broken]
name = "broken"
enabled = true

[[evm.broken.contracts]]
contract = "Nonsense"
`)
	_, err := Load([]string{dir})
	if err == nil {
		t.Fatal("expected validation failure")
	}
	if types.KindOf(err) != types.ErrKindConfig {
		t.Errorf("kind = %s", types.KindOf(err))
	}
}

func TestMnemonicKeysRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "relayer.toml", `
[evm.hermes]
name = "hermes"
chain_id = 5001
http_endpoint = "http://localhost:8545"
private_key = "candy maple cake sugar pudding cream honey rich smooth crumble sweet treat"
enabled = true
`)
	if _, err := Load([]string{dir}); err == nil {
		t.Fatal("expected rejection of mnemonic key")
	}
}

func TestNoConfigFiles(t *testing.T) {
	if _, err := Load([]string{t.TempDir()}); err == nil {
		t.Fatal("expected error for empty config dir")
	}
	if _, err := Load(nil); err == nil {
		t.Fatal("expected error for no dirs")
	}
}

func TestDisabledChainSkipsValidation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "relayer.toml", `
[evm.parked]
name = "parked"
enabled = false
`)
	if _, err := Load([]string{dir}); err != nil {
		t.Fatalf("disabled chain should not be validated: %v", err)
	}
}

func TestWithdrawGasLimitParsing(t *testing.T) {
	w := &WithdrawConfig{WithdrawGaslimitHex: "0x5B8D80"}
	if got := w.GasLimit(); got != 6_000_000 {
		t.Errorf("gas limit = %d", got)
	}
	var nilCfg *WithdrawConfig
	if nilCfg.GasLimit() != 0 {
		t.Error("nil config should give zero")
	}
}
