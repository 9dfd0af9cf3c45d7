// Package registrar builds the commitments and calldata for the commit/reveal
// controller, the registry, the name wrapper and the public resolver.
package registrar

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	nferr "github.com/ggonzalez94/nameflow/internal/errors"
	"github.com/ggonzalez94/nameflow/internal/names"
)

// Protocol constants of the underlying registry, not tunables.
const (
	// MinCommitAge is the mandatory wait between commit and register.
	MinCommitAge = 60 * time.Second
	// CommitmentValidity is how long a commitment stays registrable.
	CommitmentValidity = 24 * time.Hour
	// YearSeconds converts registration durations to on-chain seconds.
	YearSeconds = int64(31_536_000)
)

var (
	controllerABI    = mustABI(ControllerABI)
	registryABI      = mustABI(RegistryABI)
	nameWrapperABI   = mustABI(NameWrapperABI)
	resolverABI      = mustABI(ResolverABI)
	baseRegistrarABI = mustABI(BaseRegistrarABI)

	commitmentArgs = abi.Arguments{
		{Type: mustType("bytes32")},
		{Type: mustType("address")},
		{Type: mustType("uint256")},
		{Type: mustType("bytes32")},
	}
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Namehash implements the recursive name hashing algorithm of the registry.
func Namehash(name string) common.Hash {
	node := common.Hash{}
	if strings.TrimSpace(name) == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), labelHash)
	}
	return node
}

// LabelHash hashes a single label (the ERC-721 token id of a 2LD).
func LabelHash(label string) common.Hash {
	return crypto.Keccak256Hash([]byte(label))
}

// NewSecret draws the pseudo-random secret a commitment binds.
func NewSecret() (common.Hash, error) {
	var secret common.Hash
	if _, err := rand.Read(secret[:]); err != nil {
		return common.Hash{}, nferr.Wrap(nferr.CodeInternal, "draw commitment secret", err)
	}
	return secret, nil
}

// Duration converts whole years to the controller's duration argument.
func Duration(years int) *big.Int {
	return new(big.Int).Mul(big.NewInt(int64(years)), big.NewInt(YearSeconds))
}

// MakeCommitment binds a name to its future owner, duration and secret. The
// controller stores only this hash at commit time; the register call reveals
// the inputs, so they must match exactly.
func MakeCommitment(name string, owner common.Address, duration *big.Int, secret common.Hash) (common.Hash, error) {
	label := names.Label(name)
	packed, err := commitmentArgs.Pack(LabelHash(label), owner, duration, secret)
	if err != nil {
		return common.Hash{}, nferr.Wrap(nferr.CodeInternal, "pack commitment", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

func EncodeCommit(commitment common.Hash) ([]byte, error) {
	data, err := controllerABI.Pack("commit", commitment)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode commit", err)
	}
	return data, nil
}

func EncodeRegister(name string, owner common.Address, duration *big.Int, secret common.Hash) ([]byte, error) {
	data, err := controllerABI.Pack("register", names.Label(name), owner, duration, secret)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode register", err)
	}
	return data, nil
}

func EncodeRenew(name string, duration *big.Int) ([]byte, error) {
	data, err := controllerABI.Pack("renew", names.Label(name), duration)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode renew", err)
	}
	return data, nil
}

// EncodeCreateSubnode builds the step-1 subname creation call. The owner
// passed here is the parent owner: the recipient only comes in at the final
// transfer step.
func EncodeCreateSubnode(parent, label string, owner, resolver common.Address, wrapped bool) ([]byte, error) {
	parentNode := Namehash(parent)
	if wrapped {
		data, err := nameWrapperABI.Pack("setSubnodeRecord", parentNode, label, owner, resolver, uint64(0), uint32(0), uint64(0))
		if err != nil {
			return nil, nferr.Wrap(nferr.CodeInternal, "encode wrapped subnode record", err)
		}
		return data, nil
	}
	data, err := registryABI.Pack("setSubnodeRecord", parentNode, LabelHash(label), owner, resolver, uint64(0))
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode subnode record", err)
	}
	return data, nil
}

// EncodeSetAddr points a name's resolver record at an address.
func EncodeSetAddr(name string, addr common.Address) ([]byte, error) {
	data, err := resolverABI.Pack("setAddr", Namehash(name), addr)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode setAddr", err)
	}
	return data, nil
}

// EncodeSubnodeTransfer hands a subname to its final recipient.
func EncodeSubnodeTransfer(name string, from, to common.Address, wrapped bool) ([]byte, error) {
	node := Namehash(name)
	if wrapped {
		id := new(big.Int).SetBytes(node.Bytes())
		data, err := nameWrapperABI.Pack("safeTransferFrom", from, to, id, big.NewInt(1), []byte{})
		if err != nil {
			return nil, nferr.Wrap(nferr.CodeInternal, "encode wrapped transfer", err)
		}
		return data, nil
	}
	data, err := registryABI.Pack("setOwner", node, to)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode setOwner", err)
	}
	return data, nil
}

// EncodeNameTransfer hands a second-level name to a new owner.
func EncodeNameTransfer(name string, from, to common.Address, wrapped bool) ([]byte, error) {
	if wrapped {
		id := new(big.Int).SetBytes(Namehash(name).Bytes())
		data, err := nameWrapperABI.Pack("safeTransferFrom", from, to, id, big.NewInt(1), []byte{})
		if err != nil {
			return nil, nferr.Wrap(nferr.CodeInternal, "encode wrapped transfer", err)
		}
		return data, nil
	}
	id := new(big.Int).SetBytes(LabelHash(names.Label(name)).Bytes())
	data, err := baseRegistrarABI.Pack("safeTransferFrom", from, to, id)
	if err != nil {
		return nil, nferr.Wrap(nferr.CodeInternal, "encode registrar transfer", err)
	}
	return data, nil
}
