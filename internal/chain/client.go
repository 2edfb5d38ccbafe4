package chain

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RPCClient wraps one or more ethclient endpoints with failover. Requests go
// to the current endpoint; on transport failure the next endpoint is tried
// and, if it succeeds, becomes current.
type RPCClient struct {
	urls    []string
	clients []*ethclient.Client
	mu      sync.RWMutex
	current int
}

var _ Client = (*RPCClient)(nil)

// NewRPCClient dials all configured RPC URLs. Endpoints that fail to dial are
// kept in the rotation and retried on use.
func NewRPCClient(urls []string) (*RPCClient, error) {
	if len(urls) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	clients := make([]*ethclient.Client, 0, len(urls))
	connected := 0
	for _, url := range urls {
		client, err := ethclient.Dial(url)
		if err != nil {
			log.Warn().
				Str("url", url).
				Err(err).
				Msg("Failed to connect to RPC node, will retry on use")
			clients = append(clients, nil)
			continue
		}
		clients = append(clients, client)
		connected++
	}

	if connected == 0 {
		return nil, errors.New("failed to connect to any RPC node")
	}

	return &RPCClient{
		urls:    urls,
		clients: clients,
	}, nil
}

// Close closes all endpoint connections.
func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, client := range c.clients {
		if client != nil {
			client.Close()
		}
	}
}

// withFailover runs fn against the current endpoint and rotates through the
// remaining ones on error. The last error is returned when all fail.
func (c *RPCClient) withFailover(fn func(client *ethclient.Client) error) error {
	c.mu.RLock()
	start := c.current
	total := len(c.clients)
	c.mu.RUnlock()

	var lastErr error
	for i := 0; i < total; i++ {
		idx := (start + i) % total

		c.mu.RLock()
		client := c.clients[idx]
		c.mu.RUnlock()

		if client == nil {
			var err error
			client, err = ethclient.Dial(c.urls[idx])
			if err != nil {
				lastErr = err
				continue
			}
			c.mu.Lock()
			c.clients[idx] = client
			c.mu.Unlock()
		}

		if err := fn(client); err != nil {
			// Only rotate on transport-level failures. Anything else is a
			// node-side verdict that a different endpoint would repeat.
			if isTransportError(err) {
				lastErr = err
				log.Warn().
					Str("url", c.urls[idx]).
					Err(err).
					Msg("RPC endpoint failed, rotating to next")
				continue
			}
			return err
		}

		if idx != start {
			c.mu.Lock()
			c.current = idx
			c.mu.Unlock()
		}
		return nil
	}

	return errors.Wrap(lastErr, "all RPC endpoints failed")
}

// isTransportError reports whether err came from the transport rather than
// the node's transaction validation.
func isTransportError(err error) bool {
	if errors.Is(err, ethereum.NotFound) {
		return false
	}
	// go-ethereum surfaces node-side rejections as rpc.Error with a code;
	// transport failures (dial, timeout, EOF) do not implement it.
	type rpcError interface {
		Error() string
		ErrorCode() int
	}
	var re rpcError
	return !errors.As(err, &re)
}

func (c *RPCClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

func (c *RPCClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		nonce, err = client.NonceAt(ctx, account, nil)
		return err
	})
	return nonce, err
}

func (c *RPCClient) CodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	var code []byte
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		code, err = client.CodeAt(ctx, account, nil)
		return err
	})
	return code, err
}

// SendRawTransaction decodes and broadcasts a signed transaction payload. The
// payload is forwarded exactly as signed; no fields are rewritten.
func (c *RPCClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return common.Hash{}, errors.Wrap(err, "failed to decode signed transaction payload")
	}

	err := c.withFailover(func(client *ethclient.Client) error {
		return client.SendTransaction(ctx, tx)
	})
	if err != nil {
		return common.Hash{}, err
	}

	return tx.Hash(), nil
}

func (c *RPCClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	return receipt, err
}

func (c *RPCClient) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	var tip *big.Int
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		tip, err = client.SuggestGasTipCap(ctx)
		return err
	})
	return tip, err
}

func (c *RPCClient) LatestHeader(ctx context.Context) (*types.Header, error) {
	var header *types.Header
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, nil)
		return err
	})
	return header, err
}

func (c *RPCClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withFailover(func(client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}
