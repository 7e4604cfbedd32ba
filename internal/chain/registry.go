package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/internal/types"
)

// Registry resolves the chain client of a chain id.
type Registry struct {
	mu      sync.RWMutex
	clients map[int64]Client
	txTypes map[int64]types.TxType
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[int64]Client),
		txTypes: make(map[int64]types.TxType),
	}
}

// NewRegistryFromConfig dials every configured chain.
func NewRegistryFromConfig(ctx context.Context, chains []config.ChainConfig) (*Registry, error) {
	r := NewRegistry()
	for _, c := range chains {
		client, err := Dial(ctx, c.ChainID, c.RPC, c.RateLimit, c.Burst)
		if err != nil {
			return nil, err
		}
		txType := types.TxType(c.TxType)
		if txType == "" {
			txType = types.TxTypeEIP1559
		}
		r.Register(client, txType)
	}
	return r, nil
}

func (r *Registry) Register(client Client, txType types.TxType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[client.ChainID()] = client
	r.txTypes[client.ChainID()] = txType
}

func (r *Registry) Client(chainID int64) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: chain %d is not supported", types.ErrValidation, chainID)
	}
	return client, nil
}

// DefaultTxType is the transaction envelope used on chainID when a request does not pick one.
func (r *Registry) DefaultTxType(chainID int64) types.TxType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if t, ok := r.txTypes[chainID]; ok {
		return t
	}
	return types.TxTypeEIP1559
}
