package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	nferr "github.com/ggonzalez94/nameflow/internal/errors"
)

// Reader exposes the chain reads orchestrators depend on. Balance reads are
// recomputed on demand and never cached: balances change between steps.
type Reader interface {
	NativeBalance(ctx context.Context, c Chain, addr common.Address) (*big.Int, error)
	TransactionReceipt(ctx context.Context, c Chain, hash common.Hash) (*types.Receipt, error)
}

// RPCReader dials the chain's RPC endpoint per call and closes it after.
// Connections are short-lived on purpose: a flow can sit idle for hours
// between steps waiting on a wallet signature.
type RPCReader struct {
	overrides map[int64]string
}

func NewRPCReader(overrides map[int64]string) *RPCReader {
	if overrides == nil {
		overrides = map[int64]string{}
	}
	return &RPCReader{overrides: overrides}
}

func (r *RPCReader) dial(ctx context.Context, c Chain) (*ethclient.Client, error) {
	url, err := ResolveRPCURL(r.overrides[c.ID], c.ID)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeUsage, "resolve rpc url", err)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeUnavailable, "connect rpc", err)
	}
	return client, nil
}

func (r *RPCReader) NativeBalance(ctx context.Context, c Chain, addr common.Address) (*big.Int, error) {
	client, err := r.dial(ctx, c)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	balance, err := client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeUnavailable, "read native balance", err)
	}
	return balance, nil
}

func (r *RPCReader) TransactionReceipt(ctx context.Context, c Chain, hash common.Hash) (*types.Receipt, error) {
	client, err := r.dial(ctx, c)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeUnavailable, "read transaction receipt", err)
	}
	return receipt, nil
}
