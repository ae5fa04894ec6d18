// Copyright 2025 Webb Technologies
//
// Fee oracle
// Quotes the fee a client must embed in a withdrawal for the relayer to
// submit it, plus the refund ceiling and exchange rate. Quotes are cached
// per (chain, contract) for their TTL and validated against at submission.

package relay

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/webb-tools/bridge-relayer/pkg/chains"
	"github.com/webb-tools/bridge-relayer/pkg/metrics"
	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// DefaultQuoteTTL is how long a quote stays valid.
const DefaultQuoteTTL = 60 * time.Second

// refundBalanceDivisor caps the refund at this fraction of the relayer's
// balance.
const refundBalanceDivisor = 5

// PriceSource resolves an asset symbol to its USD price. The reference
// implementation is a static table fed from configuration.
type PriceSource interface {
	Price(symbol string) (float64, error)
}

// StaticPrices is a config-fed price table.
type StaticPrices map[string]float64

func (p StaticPrices) Price(symbol string) (float64, error) {
	price, ok := p[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("no price for asset %q", symbol)
	}
	return price, nil
}

// ChainFeeConfig is the per-chain fee policy.
type ChainFeeConfig struct {
	// ProfitPercent is the relayer's margin on top of raw gas cost.
	ProfitPercent float64
	// MaxRefundUSD caps the refund in USD.
	MaxRefundUSD float64
	// NativeSymbol names the chain's native token in the price table.
	NativeSymbol string
	// BaseSymbol names the fee-paying side's token; the refund exchange
	// rate is price(native)/price(base). Defaults to the native symbol
	// (rate 1).
	BaseSymbol string
	// RelayerAddress receives fees on this chain.
	RelayerAddress common.Address
}

// Quote is one fee estimate. EstimatedFee and MaxRefund are in the target
// chain's native wei.
type Quote struct {
	EstimatedFee       *big.Int  `json:"estimated_fee"`
	MaxRefund          *big.Int  `json:"max_refund"`
	RefundExchangeRate float64   `json:"refund_exchange_rate"`
	GasPrice           *big.Int  `json:"gas_price"`
	Timestamp          time.Time `json:"timestamp"`
	TTLSeconds         int64     `json:"ttl"`
}

// Expired reports whether the quote is past its TTL at now.
func (q *Quote) Expired(now time.Time) bool {
	return now.After(q.Timestamp.Add(time.Duration(q.TTLSeconds) * time.Second))
}

// FeeOracle computes and caches quotes.
type FeeOracle struct {
	clients map[types.ChainID]chains.Client
	cfg     map[types.ChainID]ChainFeeConfig
	prices  PriceSource
	ttl     time.Duration
	metrics *metrics.Metrics
	logger  *log.Logger

	mu    sync.Mutex
	cache map[string]*Quote
}

// NewFeeOracle creates the oracle over the configured chains.
func NewFeeOracle(clients map[types.ChainID]chains.Client, cfg map[types.ChainID]ChainFeeConfig, prices PriceSource, ttl time.Duration, m *metrics.Metrics, logger *log.Logger) *FeeOracle {
	if logger == nil {
		logger = log.New(log.Writer(), "[FeeOracle] ", log.LstdFlags)
	}
	if ttl == 0 {
		ttl = DefaultQuoteTTL
	}
	return &FeeOracle{
		clients: clients,
		cfg:     cfg,
		prices:  prices,
		ttl:     ttl,
		metrics: m,
		logger:  logger,
		cache:   make(map[string]*Quote),
	}
}

func quoteKey(chain types.ChainID, contract common.Address) string {
	return fmt.Sprintf("%s/%s", chain, contract.Hex())
}

// Quote returns a cached or freshly computed fee quote.
func (o *FeeOracle) Quote(ctx context.Context, chain types.ChainID, contract common.Address, gasAmount uint64) (*Quote, error) {
	key := quoteKey(chain, contract)
	now := time.Now()

	o.mu.Lock()
	if cached, ok := o.cache[key]; ok && !cached.Expired(now) {
		o.mu.Unlock()
		return cached, nil
	}
	o.mu.Unlock()

	quote, err := o.compute(ctx, chain, gasAmount)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.cache[key] = quote
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.FeeQuotes.Inc()
	}
	return quote, nil
}

// Cached returns the live quote for (chain, contract) without computing a
// new one; nil when absent or expired. Used by withdraw validation.
func (o *FeeOracle) Cached(chain types.ChainID, contract common.Address) *Quote {
	o.mu.Lock()
	defer o.mu.Unlock()
	cached, ok := o.cache[quoteKey(chain, contract)]
	if !ok || cached.Expired(time.Now()) {
		return nil
	}
	return cached
}

func (o *FeeOracle) compute(ctx context.Context, chain types.ChainID, gasAmount uint64) (*Quote, error) {
	client, ok := o.clients[chain]
	if !ok {
		return nil, types.NewError(types.ErrKindClient, fmt.Sprintf("chain %s is not configured", chain), nil)
	}
	cfg, ok := o.cfg[chain]
	if !ok {
		return nil, types.NewError(types.ErrKindClient, fmt.Sprintf("no fee config for chain %s", chain), nil)
	}

	gasPrice, err := client.GasPrice(ctx)
	if err != nil {
		return nil, err
	}

	// estimated_fee = gas_price × gas_amount × (1 + profit%/100)
	fee := new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasAmount))
	margin := big.NewInt(int64(cfg.ProfitPercent * 100))
	fee.Add(fee, new(big.Int).Div(new(big.Int).Mul(fee, margin), big.NewInt(10_000)))

	nativePrice, err := o.prices.Price(cfg.NativeSymbol)
	if err != nil {
		return nil, types.NewError(types.ErrKindConfig, "fee oracle misconfigured", err)
	}
	basePrice := nativePrice
	if cfg.BaseSymbol != "" && cfg.BaseSymbol != cfg.NativeSymbol {
		basePrice, err = o.prices.Price(cfg.BaseSymbol)
		if err != nil {
			return nil, types.NewError(types.ErrKindConfig, "fee oracle misconfigured", err)
		}
	}

	// max_refund = min(configured USD cap, relayer balance / k), in wei.
	capWei := usdToWei(cfg.MaxRefundUSD, nativePrice)
	maxRefund := capWei
	balance, err := client.Balance(ctx, cfg.RelayerAddress)
	if err == nil && balance.Sign() > 0 {
		share := new(big.Int).Div(balance, big.NewInt(refundBalanceDivisor))
		if share.Cmp(maxRefund) < 0 {
			maxRefund = share
		}
	}

	return &Quote{
		EstimatedFee:       fee,
		MaxRefund:          maxRefund,
		RefundExchangeRate: nativePrice / basePrice,
		GasPrice:           gasPrice,
		Timestamp:          time.Now(),
		TTLSeconds:         int64(o.ttl / time.Second),
	}, nil
}

// usdToWei converts a USD amount to native wei at the given USD price.
func usdToWei(usd, price float64) *big.Int {
	if price <= 0 {
		return big.NewInt(0)
	}
	native := usd / price
	// Scale through a float in units of gwei to keep precision reasonable.
	gwei := new(big.Float).Mul(big.NewFloat(native), big.NewFloat(1e9))
	out, _ := gwei.Int(nil)
	return out.Mul(out, big.NewInt(1e9))
}
