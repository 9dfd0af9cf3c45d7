// Package funding decides how a required amount gets paid: directly on the
// execution chain, by bridging from the source chain, or not at all. It never
// mutates a flow; the calling orchestrator consumes its decision.
package funding

import (
	"context"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/nameflow/internal/chain"
)

// bridgeBufferBps is the 5% fee/slippage headroom a source-chain balance must
// cover on top of the required amount before bridging is offered.
const bridgeBufferBps = 10_500

type Mode string

const (
	ModeDirect       Mode = "direct"
	ModeBridge       Mode = "bridge"
	ModeChooseWallet Mode = "choose_wallet"
	ModeInsufficient Mode = "insufficient"
)

// Snapshot is a wallet's funding picture relative to a required amount.
// Derived on demand and never persisted: balances change between steps.
type Snapshot struct {
	Address          common.Address
	ExecutionBalance *big.Int
	SourceBalance    *big.Int
	Direct           bool
	Bridgeable       bool
	Shortfall        *big.Int
}

type Decision struct {
	Mode       Mode
	Wallet     Snapshot   // populated for direct and bridge
	Candidates []Snapshot // populated for choose_wallet, sorted for display
	All        []Snapshot
}

type Planner struct {
	reader    chain.Reader
	execution chain.Chain
	source    chain.Chain
}

func NewPlanner(reader chain.Reader, execution, source chain.Chain) *Planner {
	return &Planner{reader: reader, execution: execution, source: source}
}

// Plan classifies every candidate wallet against the required amount. With a
// single wallet the decision is made outright; with several, any wallet that
// could pay is presented and an explicit selection is required before a
// transaction is built.
func (p *Planner) Plan(ctx context.Context, required *big.Int, wallets []common.Address) (Decision, error) {
	bridgeable := chain.ScaleBps(required, bridgeBufferBps)

	snapshots := make([]Snapshot, 0, len(wallets))
	for _, addr := range wallets {
		execBal, err := p.reader.NativeBalance(ctx, p.execution, addr)
		if err != nil {
			return Decision{}, err
		}
		srcBal, err := p.reader.NativeBalance(ctx, p.source, addr)
		if err != nil {
			return Decision{}, err
		}
		snap := Snapshot{
			Address:          addr,
			ExecutionBalance: execBal,
			SourceBalance:    srcBal,
			Direct:           execBal.Cmp(required) >= 0,
			Bridgeable:       srcBal.Cmp(bridgeable) >= 0,
		}
		if !snap.Direct {
			snap.Shortfall = new(big.Int).Sub(required, execBal)
		}
		snapshots = append(snapshots, snap)
	}

	if len(snapshots) == 1 {
		only := snapshots[0]
		switch {
		case only.Direct:
			return Decision{Mode: ModeDirect, Wallet: only, All: snapshots}, nil
		case only.Bridgeable:
			return Decision{Mode: ModeBridge, Wallet: only, All: snapshots}, nil
		default:
			return Decision{Mode: ModeInsufficient, Wallet: only, All: snapshots}, nil
		}
	}

	candidates := make([]Snapshot, 0, len(snapshots))
	for _, snap := range snapshots {
		if snap.Direct || snap.Bridgeable {
			candidates = append(candidates, snap)
		}
	}
	if len(candidates) == 0 {
		return Decision{Mode: ModeInsufficient, All: snapshots}, nil
	}
	sortForDisplay(candidates)
	return Decision{Mode: ModeChooseWallet, Candidates: candidates, All: snapshots}, nil
}

// sortForDisplay orders directly-sufficient wallets first, then by execution
// balance descending, then by address so the listing is deterministic.
func sortForDisplay(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		a, b := snaps[i], snaps[j]
		if a.Direct != b.Direct {
			return a.Direct
		}
		if cmp := a.ExecutionBalance.Cmp(b.ExecutionBalance); cmp != 0 {
			return cmp > 0
		}
		return a.Address.Hex() < b.Address.Hex()
	})
}
