// Copyright 2025 Webb Technologies
//
// EVM chain client
// Wraps go-ethereum's ethclient with lazy reconnection, per-call timeouts and
// the normalized event shape the watcher engine consumes.

package chains

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/webb-tools/bridge-relayer/pkg/types"
)

// EVMClient implements Client over an EVM JSON-RPC endpoint.
type EVMClient struct {
	chainID   types.ChainID
	endpoint  string
	blockTime time.Duration

	mu      sync.Mutex
	client  *ethclient.Client
	backoff reconnectBackoff

	logger *log.Logger
}

// NewEVMClient creates a client for one EVM chain. The connection is
// established lazily and re-established with backoff after failures.
func NewEVMClient(chainID types.ChainID, endpoint string, blockTime time.Duration, logger *log.Logger) *EVMClient {
	if logger == nil {
		logger = log.New(log.Writer(), "[EVMClient] ", log.LstdFlags)
	}
	if blockTime == 0 {
		blockTime = 6 * time.Second
	}
	return &EVMClient{
		chainID:   chainID,
		endpoint:  endpoint,
		blockTime: blockTime,
		logger:    logger,
	}
}

func (c *EVMClient) ChainID() types.ChainID { return c.chainID }

// conn returns a live ethclient, dialing if necessary.
func (c *EVMClient) conn(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.endpoint)
	if err != nil {
		wait := c.backoff.next()
		c.logger.Printf("Failed to connect to %s (retrying in %s): %v", c.chainID, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return nil, types.NewError(types.ErrKindNetwork, fmt.Sprintf("failed to connect to %s", c.chainID), err)
	}
	c.backoff.reset()
	c.client = client
	return client, nil
}

// dropConn discards the connection so the next call re-dials.
func (c *EVMClient) dropConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// netErr wraps err as a retryable network error and resets the connection.
func (c *EVMClient) netErr(msg string, err error) error {
	c.dropConn()
	return types.NewError(types.ErrKindNetwork, msg, err)
}

func (c *EVMClient) LatestBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, c.netErr("failed to get block number", err)
	}
	return height, nil
}

// FinalizedBlock approximates finality as the current head; callers subtract
// their configured confirmations.
func (c *EVMClient) FinalizedBlock(ctx context.Context) (uint64, error) {
	return c.LatestBlock(ctx)
}

func (c *EVMClient) FetchEvents(ctx context.Context, from, to uint64, filter EventFilter) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: filter.Addresses,
		Topics:    filter.Topics,
	}
	logs, err := client.FilterLogs(ctx, query)
	if err != nil {
		return nil, c.netErr(fmt.Sprintf("failed to filter logs %d..%d", from, to), err)
	}

	events := make([]Event, 0, len(logs))
	for _, l := range logs {
		if l.Removed {
			continue
		}
		events = append(events, Event{
			ChainID: c.chainID,
			Address: l.Address,
			Topics:  l.Topics,
			Data:    l.Data,
			Block:   l.BlockNumber,
			TxHash:  l.TxHash,
			Index:   l.Index,
		})
	}
	return events, nil
}

func (c *EVMClient) SubmitRaw(ctx context.Context, tx []byte) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return common.Hash{}, err
	}

	var parsed gethTransaction
	if err := parsed.UnmarshalBinary(tx); err != nil {
		return common.Hash{}, types.NewError(types.ErrKindProtocol, "failed to decode raw transaction", err)
	}
	if err := client.SendTransaction(ctx, parsed.tx); err != nil {
		return common.Hash{}, classifySubmitError(err)
	}
	return parsed.tx.Hash(), nil
}

// WaitFinalized polls for the receipt and then for the confirmation depth.
func (c *EVMClient) WaitFinalized(ctx context.Context, h common.Hash, confirmations uint64) (*Receipt, error) {
	ticker := time.NewTicker(c.blockTime)
	defer ticker.Stop()

	var included uint64
	for {
		client, err := c.conn(ctx)
		if err != nil {
			return nil, err
		}

		receipt, err := client.TransactionReceipt(ctx, h)
		if err == nil && receipt != nil {
			included = receipt.BlockNumber.Uint64()
			head, err := client.BlockNumber(ctx)
			if err != nil {
				c.dropConn()
			} else if head >= included+confirmations {
				return &Receipt{
					TxHash:  h,
					Block:   included,
					Success: receipt.Status == 1,
					GasUsed: receipt.GasUsed,
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, types.NewError(types.ErrKindNetwork, "finalization wait expired", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) EstimateGas(ctx context.Context, call Call) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{
		To:    &call.To,
		Data:  call.Data,
		Value: call.Value,
	})
	if err != nil {
		return 0, c.netErr("failed to estimate gas", err)
	}
	return gas, nil
}

func (c *EVMClient) GasPrice(ctx context.Context) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, c.netErr("failed to get gas price", err)
	}
	return price, nil
}

func (c *EVMClient) NextNonce(ctx context.Context, account common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return 0, err
	}
	nonce, err := client.PendingNonceAt(ctx, account)
	if err != nil {
		return 0, c.netErr("failed to get nonce", err)
	}
	return nonce, nil
}

func (c *EVMClient) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)
	defer cancel()

	client, err := c.conn(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, c.netErr("failed to get balance", err)
	}
	return balance, nil
}

func (c *EVMClient) Close() error {
	c.dropConn()
	return nil
}
