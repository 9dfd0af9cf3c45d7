package chain

import (
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	nferr "github.com/ggonzalez94/nameflow/internal/errors"
)

var eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)

// Chain describes an EVM chain the orchestrator can touch.
type Chain struct {
	Name  string
	Slug  string
	CAIP2 string
	ID    int64
}

var (
	// Mainnet is the execution chain: the registrar contracts live here.
	Mainnet = Chain{Name: "Ethereum", Slug: "ethereum", CAIP2: "eip155:1", ID: 1}
	// Base is the bridge source chain.
	Base = Chain{Name: "Base", Slug: "base", CAIP2: "eip155:8453", ID: 8453}
)

var chainBySlug = map[string]Chain{
	"ethereum": Mainnet,
	"mainnet":  Mainnet,
	"base":     Base,
}

var chainByID = map[int64]Chain{
	1:    Mainnet,
	8453: Base,
}

func ByID(id int64) (Chain, bool) {
	c, ok := chainByID[id]
	return c, ok
}

func Parse(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, nferr.New(nferr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	if eip155ChainPattern.MatchString(norm) {
		parts := strings.Split(norm, ":")
		id, _ := strconv.ParseInt(parts[1], 10, 64)
		if known, ok := chainByID[id]; ok {
			return known, nil
		}
		return Chain{}, nferr.New(nferr.CodeUnsupported, fmt.Sprintf("chain %s is not supported", input))
	}
	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
	}
	return Chain{}, nferr.New(nferr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// Canonical default EVM RPC endpoints by chain ID.
// These values are used whenever the config does not override rpc_url.
var defaultRPCByChainID = map[int64]string{
	1:    "https://eth.llamarpc.com",
	8453: "https://mainnet.base.org",
}

func DefaultRPCURL(chainID int64) (string, bool) {
	value, ok := defaultRPCByChainID[chainID]
	return value, ok
}

func ResolveRPCURL(override string, chainID int64) (string, error) {
	if strings.TrimSpace(override) != "" {
		return strings.TrimSpace(override), nil
	}
	if value, ok := DefaultRPCURL(chainID); ok {
		return value, nil
	}
	return "", fmt.Errorf("no default rpc configured for chain id %d", chainID)
}

// ScaleBps returns x scaled by bps basis points (10000 = identity), rounded down.
func ScaleBps(x *big.Int, bps int64) *big.Int {
	out := new(big.Int).Mul(x, big.NewInt(bps))
	return out.Div(out, big.NewInt(10_000))
}

// FormatEther renders a wei amount as a decimal ether string with trailing
// zeros trimmed, for user-facing shortfall figures.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(wei, big.NewInt(1_000_000_000_000_000_000))
	s := r.FloatString(6)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
